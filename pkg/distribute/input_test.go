// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distribute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInputContextValidation(t *testing.T) {
	_, err := NewInputContext(0, 0, 1)
	require.Error(t, err)
	_, err = NewInputContext(2, 2, 1)
	require.Error(t, err)
	_, err = NewInputContext(2, -1, 1)
	require.Error(t, err)
	_, err = NewInputContext(1, 0, 0)
	require.Error(t, err)

	ic, err := NewInputContext(4, 2, 8)
	require.NoError(t, err)
	assert.Equal(t, 4, ic.NumInputPipelines())
	assert.Equal(t, 2, ic.InputPipelineID())
	assert.Equal(t, 8, ic.NumReplicasInSync())
	assert.Equal(t, "InputContext(pipeline 2 of 4, 8 replicas in sync)", ic.String())
}

func TestPerReplicaBatchSize(t *testing.T) {
	ic, err := NewInputContext(1, 0, 4)
	require.NoError(t, err)

	size, err := ic.PerReplicaBatchSize(64)
	require.NoError(t, err)
	assert.Equal(t, 16, size)

	_, err = ic.PerReplicaBatchSize(66)
	require.ErrorIs(t, err, ErrNotDivisible)

	ic, err = NewInputContext(1, 0, 8)
	require.NoError(t, err)
	size, err = ic.PerReplicaBatchSize(64)
	require.NoError(t, err)
	assert.Equal(t, 8, size)

	ic, err = NewInputContext(1, 0, 7)
	require.NoError(t, err)
	_, err = ic.PerReplicaBatchSize(64)
	require.ErrorIs(t, err, ErrNotDivisible)
}

func TestInputReplicationModeString(t *testing.T) {
	assert.Equal(t, "PerWorkerReplication", PerWorkerReplication.String())
	assert.Equal(t, "InputReplicationMode(3)", InputReplicationMode(3).String())
}

func TestValidateDataset(t *testing.T) {
	ds, err := validateDataset(&testDataset{name: "d"}, "input function")
	require.NoError(t, err)
	assert.Equal(t, "d", ds.Name())

	_, err = validateDataset(nil, "input function")
	require.ErrorIs(t, err, ErrUnimplemented)

	_, err = validateDataset(42, "dataset function")
	require.ErrorIs(t, err, ErrUnimplemented)
	assert.Contains(t, err.Error(), "int")
}

func TestMakeInputIteratorDefault(t *testing.T) {
	ec := NewExecContext()
	d := NewDefaultStrategy()
	scope, err := d.Scope(ec)
	require.NoError(t, err)
	defer func() { require.NoError(t, scope.Exit()) }()

	ds, err := d.MakeInputIterator(ec, func(ctx *InputContext) (any, error) {
		return &testDataset{name: "in", ctx: ctx}, nil
	}, PerWorkerReplication)
	require.NoError(t, err)

	tds := ds.(*testDataset)
	assert.Equal(t, 1, tds.ctx.NumInputPipelines())
	assert.Equal(t, 0, tds.ctx.InputPipelineID())
	assert.Equal(t, 1, tds.ctx.NumReplicasInSync())
}

func TestMakeInputIteratorMirrored(t *testing.T) {
	ec := NewExecContext()
	d, err := NewMirroredStrategy([]string{"cpu:0", "cpu:1", "cpu:2"}, nil)
	require.NoError(t, err)
	scope, err := d.Scope(ec)
	require.NoError(t, err)
	defer func() { require.NoError(t, scope.Exit()) }()

	ds, err := d.MakeInputIterator(ec, func(ctx *InputContext) (any, error) {
		return &testDataset{name: "in", ctx: ctx}, nil
	}, PerWorkerReplication)
	require.NoError(t, err)

	tds := ds.(*testDataset)
	assert.Equal(t, 1, tds.ctx.NumInputPipelines())
	assert.Equal(t, 3, tds.ctx.NumReplicasInSync())

	size, err := tds.ctx.PerReplicaBatchSize(12)
	require.NoError(t, err)
	assert.Equal(t, 4, size)
}

func TestDistributeDataset(t *testing.T) {
	ec := NewExecContext()
	d := NewDefaultStrategy()
	scope, err := d.Scope(ec)
	require.NoError(t, err)
	defer func() { require.NoError(t, scope.Exit()) }()

	ds, err := d.DistributeDataset(ec, func() (any, error) {
		return &testDataset{name: "train"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "train", ds.Name())

	_, err = d.DistributeDataset(ec, func() (any, error) {
		return "not a dataset", nil
	})
	require.ErrorIs(t, err, ErrUnimplemented)
}
