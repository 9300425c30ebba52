// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distribute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecContextStartsInDefaultMode(t *testing.T) {
	ec := NewExecContext()
	assert.Equal(t, 0, ec.Depth())
	assert.Nil(t, ec.CurrentStrategy())
	assert.False(t, ec.InCrossReplicaContext())
	assert.Nil(t, ec.ReplicaContext())

	_, ok := ec.CurrentDevice()
	assert.False(t, ok)
	_, ok = ec.UpdateDevice()
	assert.False(t, ok)
}

func TestExecContextModeStack(t *testing.T) {
	ec := NewExecContext()
	d, err := NewMirroredStrategy([]string{"cpu:0"}, nil)
	require.NoError(t, err)

	ec.push(threadMode{kind: crossReplicaMode, strategy: d})
	assert.Equal(t, 1, ec.Depth())
	assert.Same(t, d, ec.CurrentStrategy())
	assert.True(t, ec.InCrossReplicaContext())

	rc := newReplicaContext(d, ec, 0, []string{"cpu:0"})
	ec.push(threadMode{kind: inReplicaMode, strategy: d, replica: rc})
	assert.Equal(t, 2, ec.Depth())
	assert.Same(t, d, ec.CurrentStrategy())
	assert.False(t, ec.InCrossReplicaContext())
	assert.Same(t, rc, ec.ReplicaContext())

	ec.pop()
	assert.True(t, ec.InCrossReplicaContext())
	ec.pop()
	assert.Equal(t, 0, ec.Depth())
	assert.Nil(t, ec.CurrentStrategy())

	// Popping the empty stack leaves the implicit default base in place.
	ec.pop()
	assert.Equal(t, 0, ec.Depth())
}

func TestExecContextDeviceStack(t *testing.T) {
	ec := NewExecContext()
	ec.pushDevice("cpu:0")
	ec.pushDevice("gpu:1")

	device, ok := ec.CurrentDevice()
	require.True(t, ok)
	assert.Equal(t, "gpu:1", device)

	ec.popDevice()
	device, ok = ec.CurrentDevice()
	require.True(t, ok)
	assert.Equal(t, "cpu:0", device)

	ec.popDevice()
	_, ok = ec.CurrentDevice()
	assert.False(t, ok)
}

func TestUpdateContextNesting(t *testing.T) {
	ec := NewExecContext()
	outer := EnterUpdateContext(ec, "cpu:0")
	inner := EnterUpdateContext(ec, "cpu:1")

	device, ok := ec.UpdateDevice()
	require.True(t, ok)
	assert.Equal(t, "cpu:1", device)

	inner.Exit()
	inner.Exit() // second exit is a no-op
	device, ok = ec.UpdateDevice()
	require.True(t, ok)
	assert.Equal(t, "cpu:0", device)

	outer.Exit()
	_, ok = ec.UpdateDevice()
	assert.False(t, ok)
}

func TestCloneForReplica(t *testing.T) {
	ec := NewExecContext()
	ec.SetBaseVariableCreator(func(spec *VariableSpec) (Variable, error) {
		return &testVariable{name: spec.Name}, nil
	})
	restore := ec.pushCreator(func(ec *ExecContext, next CreatorFn, spec *VariableSpec) (Variable, error) {
		spec.Device = "pinned"
		return next(spec)
	})
	defer restore()
	ec.pushDevice("cpu:0")
	d, err := NewMirroredStrategy([]string{"cpu:0"}, nil)
	require.NoError(t, err)
	ec.push(threadMode{kind: crossReplicaMode, strategy: d})
	defer ec.pop()

	clone := ec.cloneForReplica()
	// The mode stack starts fresh; creator chain and device scopes carry over.
	assert.Equal(t, 0, clone.Depth())
	device, ok := clone.CurrentDevice()
	require.True(t, ok)
	assert.Equal(t, "cpu:0", device)

	spec := &VariableSpec{Name: "v"}
	_, err = clone.CreateVariable(spec)
	require.NoError(t, err)
	assert.Equal(t, "pinned", spec.Device)

	// Mutating the clone's stacks does not leak back.
	clone.pushDevice("gpu:7")
	device, _ = ec.CurrentDevice()
	assert.Equal(t, "cpu:0", device)
}
