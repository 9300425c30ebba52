// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distribute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// enterDefault enters the default strategy's scope for a test and returns the strategy
// and a cleanup exiting it.
func enterDefault(t *testing.T) (*Strategy, *ExecContext) {
	t.Helper()
	ec := NewExecContext()
	d := NewDefaultStrategy()
	scope, err := d.Scope(ec)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, scope.Exit()) })
	return d, ec
}

func TestDefaultScopeRefusesAnyNesting(t *testing.T) {
	d, ec := enterDefault(t)

	// Unlike real strategies, even re-entering its own scope is rejected.
	_, err := d.Scope(ec)
	require.ErrorIs(t, err, ErrNestedScope)

	other := NewDefaultStrategy()
	_, err = other.Scope(ec)
	require.ErrorIs(t, err, ErrNestedScope)
}

func TestDefaultCallForEachReplica(t *testing.T) {
	d, ec := enterDefault(t)
	assert.Equal(t, 1, d.NumReplicasInSync())

	result, err := d.CallForEachReplica(ec, func(rc *ReplicaContext, args ...any) (any, error) {
		id, err := rc.ReplicaIDInSyncGroup()
		require.NoError(t, err)
		assert.Equal(t, 0, id)
		assert.Equal(t, 1, rc.NumReplicasInSync())
		assert.Same(t, d, rc.Strategy())
		assert.False(t, rc.ExecContext().InCrossReplicaContext())
		return args[0].(int) * 2, nil
	}, 21)
	require.NoError(t, err)
	assert.Equal(t, 42, result)

	// Back in cross-replica mode after the call.
	assert.True(t, ec.InCrossReplicaContext())
}

func TestDefaultReplicaContextGuards(t *testing.T) {
	d, ec := enterDefault(t)

	var escaped *ReplicaContext
	_, err := d.CallForEachReplica(ec, func(rc *ReplicaContext, args ...any) (any, error) {
		escaped = rc
		return nil, nil
	})
	require.NoError(t, err)

	// The replica context is dead once the call returns.
	_, err = escaped.ReplicaIDInSyncGroup()
	require.ErrorIs(t, err, ErrModeViolation)
	_, err = escaped.MergeCall(func(d *Strategy, ec *ExecContext, args ...any) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrModeViolation)
}

func TestDefaultMergeCallRunsInline(t *testing.T) {
	d, ec := enterDefault(t)

	result, err := d.CallForEachReplica(ec, func(rc *ReplicaContext, args ...any) (any, error) {
		return rc.MergeCall(func(d2 *Strategy, mec *ExecContext, margs ...any) (any, error) {
			assert.Same(t, d, d2)
			assert.True(t, mec.InCrossReplicaContext())
			// Cross-replica operations are legal inside the merge function.
			return d2.Reduce(mec, Sum, margs[0], nil)
		}, 7)
	})
	require.NoError(t, err)
	assert.Equal(t, 7, result)
}

func TestDefaultMergeCallUnwrapsPerReplicaResult(t *testing.T) {
	d, ec := enterDefault(t)

	result, err := d.CallForEachReplica(ec, func(rc *ReplicaContext, args ...any) (any, error) {
		return rc.MergeCall(func(d *Strategy, ec *ExecContext, args ...any) (any, error) {
			return NewPerReplica([]any{"only"}), nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, "only", result)
}

func TestDefaultMergeCallPanicRestoresReplicaMode(t *testing.T) {
	d, ec := enterDefault(t)

	_, err := d.CallForEachReplica(ec, func(rc *ReplicaContext, args ...any) (any, error) {
		_, mergeErr := rc.MergeCall(func(d *Strategy, ec *ExecContext, args ...any) (any, error) {
			panic("merge boom")
		})
		require.Error(t, mergeErr)
		// Back in this replica's mode despite the panic.
		assert.Same(t, rc, rc.ExecContext().ReplicaContext())
		return "survived", nil
	})
	require.NoError(t, err)
}

func TestDefaultReduceInsideReplicaIsModeViolation(t *testing.T) {
	d, ec := enterDefault(t)
	depth := ec.Depth()

	_, err := d.CallForEachReplica(ec, func(rc *ReplicaContext, args ...any) (any, error) {
		_, reduceErr := d.Reduce(rc.ExecContext(), Sum, 1, nil)
		require.ErrorIs(t, reduceErr, ErrModeViolation)
		assert.Contains(t, reduceErr.Error(), "replica context")
		return nil, nil
	})
	require.NoError(t, err)

	// The mode stack is exactly as deep as before the call.
	assert.Equal(t, depth, ec.Depth())
}

func TestDefaultReplicaPanicBecomesError(t *testing.T) {
	d, ec := enterDefault(t)

	_, err := d.CallForEachReplica(ec, func(rc *ReplicaContext, args ...any) (any, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replica 0")
	assert.Contains(t, err.Error(), "boom")

	// The context is still usable afterwards.
	assert.True(t, ec.InCrossReplicaContext())
	result, err := d.CallForEachReplica(ec, func(rc *ReplicaContext, args ...any) (any, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
}

func TestDefaultReduceAndBroadcastArePassThrough(t *testing.T) {
	d, ec := enterDefault(t)

	v, err := d.Reduce(ec, Mean, 13, nil)
	require.NoError(t, err)
	assert.Equal(t, 13, v)

	v, err = d.Broadcast(ec, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	_, err = d.Broadcast(ec, "hello", "gpu:0")
	require.ErrorIs(t, err, ErrUnimplemented)
}

func TestDefaultUpdate(t *testing.T) {
	d, ec := enterDefault(t)
	v := &testVariable{name: "w", devices: []string{"cpu:0"}, value: 1}

	result, err := d.Update(ec, v, func(uec *ExecContext, uv Variable, args ...any) (any, error) {
		device, ok := uec.UpdateDevice()
		require.True(t, ok)
		assert.Equal(t, "cpu:0", device)
		uv.(*testVariable).value = args[0]
		return uv, nil
	}, 5)
	require.NoError(t, err)
	assert.Same(t, v, result)
	assert.Equal(t, 5, v.value)

	// Ungrouped updates return the per-device constituents.
	result, err = d.Update(ec, v, func(uec *ExecContext, uv Variable, args ...any) (any, error) {
		return "done", nil
	}, Grouped(false))
	require.NoError(t, err)
	assert.Equal(t, []any{"done"}, result)

	// The update device scope is gone after the call.
	_, ok := ec.UpdateDevice()
	assert.False(t, ok)
}

func TestDefaultUpdateGroupedOptionInsideArgs(t *testing.T) {
	d, ec := enterDefault(t)
	v := &testVariable{name: "w", devices: []string{"cpu:0"}}

	result, err := d.Update(ec, v, func(uec *ExecContext, uv Variable, args ...any) (any, error) {
		// The option never reaches the update function as an argument.
		require.Equal(t, []any{5}, args)
		return "done", nil
	}, Args{5, Grouped(false)})
	require.NoError(t, err)
	assert.Equal(t, []any{"done"}, result)
}

func TestDefaultUpdateRejectsPerReplicaArgs(t *testing.T) {
	d, ec := enterDefault(t)
	v := &testVariable{name: "w", devices: []string{"cpu:0"}}

	_, err := d.Update(ec, v, func(uec *ExecContext, uv Variable, args ...any) (any, error) {
		return nil, nil
	}, NewPerReplica([]any{1}))
	require.ErrorIs(t, err, ErrModeViolation)
}

func TestDefaultUpdateNonSlot(t *testing.T) {
	d, ec := enterDefault(t)

	result, err := d.UpdateNonSlot(ec, []string{"cpu:0"}, func(uec *ExecContext, args ...any) (any, error) {
		device, ok := uec.UpdateDevice()
		require.True(t, ok)
		assert.Equal(t, "cpu:0", device)
		return args[0], nil
	}, "step")
	require.NoError(t, err)
	assert.Equal(t, "step", result)

	_, err = d.UpdateNonSlot(ec, nil, func(uec *ExecContext, args ...any) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrUnimplemented)
}

func TestDefaultNonSlotDevices(t *testing.T) {
	d := NewDefaultStrategy()

	a := &testVariable{name: "beta", devices: []string{"cpu:1"}}
	b := &testVariable{name: "alpha", devices: []string{"cpu:2"}}
	c := &testVariable{name: "gamma", devices: []string{"cpu:3"}}

	// The lexicographically first variable name wins, regardless of order.
	devices, err := d.NonSlotDevices([]Variable{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu:2"}, devices)

	devices, err = d.NonSlotDevices([]Variable{c, a, b})
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu:2"}, devices)

	_, err = d.NonSlotDevices(nil)
	require.ErrorIs(t, err, ErrUnimplemented)
}

func TestDefaultReadVariable(t *testing.T) {
	d, ec := enterDefault(t)

	v := &testVariable{name: "w", value: 3.5}
	value, err := d.ReadVariable(ec, v)
	require.NoError(t, err)
	assert.Equal(t, 3.5, value)
}

func TestDefaultUnwrapAndValueContainer(t *testing.T) {
	d := NewDefaultStrategy()

	assert.Equal(t, []any{42}, d.Unwrap(42))
	assert.Equal(t, []any{1, 2}, d.Unwrap(NewPerReplica([]any{1, 2})))

	container := &testVariable{name: "c"}
	view := &componentView{container: container}
	assert.Same(t, container, d.ValueContainer(view))
	assert.Equal(t, 9, d.ValueContainer(9))
}

func TestDefaultDeviceScopeThreadsIntoReplica(t *testing.T) {
	d, ec := enterDefault(t)
	ec.pushDevice("tpu:0")
	defer ec.popDevice()

	_, err := d.CallForEachReplica(ec, func(rc *ReplicaContext, args ...any) (any, error) {
		devices, err := rc.Devices()
		require.NoError(t, err)
		assert.Equal(t, []string{"tpu:0"}, devices)
		return nil, nil
	})
	require.NoError(t, err)
}

func TestDefaultInitializeFinalize(t *testing.T) {
	d := NewDefaultStrategy()
	require.NoError(t, d.Initialize())
	require.NoError(t, d.Finalize())
}
