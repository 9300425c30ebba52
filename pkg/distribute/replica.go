// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distribute

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ReplicaFn is the per-replica computation run by Strategy.CallForEachReplica. It runs
// in replica mode with its replica's ReplicaContext; args are the replica's slices of
// the call's arguments.
type ReplicaFn func(rc *ReplicaContext, args ...any) (any, error)

// MergeFn is a cross-replica computation run once per ReplicaContext.MergeCall, on
// behalf of all replicas. It runs in cross-replica mode; args carry PerReplica wrappers
// where the replicas passed differing values.
type MergeFn func(d *Strategy, ec *ExecContext, args ...any) (any, error)

// UpdateFn mutates one per-device component of a variable, inside an update context for
// that device.
type UpdateFn func(ec *ExecContext, v Variable, args ...any) (any, error)

// UpdateNonSlotFn runs cross-replica work on a non-slot device group, inside an update
// context for each device.
type UpdateNonSlotFn func(ec *ExecContext, args ...any) (any, error)

// ReplicaContext is the API surface visible inside one replica of a
// Strategy.CallForEachReplica call. It identifies the replica and funnels
// cross-replica work through MergeCall.
type ReplicaContext struct {
	strategy  *Strategy
	replicaID int
	ec        *ExecContext
	devices   []string

	// batch coordinates merge calls across the replicas of one CallForEachReplica;
	// nil for strategies that run replicas sequentially.
	batch *mergeBatch
}

func newReplicaContext(d *Strategy, ec *ExecContext, replicaID int, devices []string) *ReplicaContext {
	return &ReplicaContext{strategy: d, replicaID: replicaID, ec: ec, devices: devices}
}

// Strategy returns the strategy that created this replica.
func (rc *ReplicaContext) Strategy() *Strategy { return rc.strategy }

// ExecContext returns the execution context this replica runs under.
func (rc *ReplicaContext) ExecContext() *ExecContext { return rc.ec }

// NumReplicasInSync returns how many replicas run this computation in lockstep.
func (rc *ReplicaContext) NumReplicasInSync() int {
	return rc.strategy.impl.NumReplicasInSync()
}

// ReplicaIDInSyncGroup returns this replica's index, in [0, NumReplicasInSync). May
// only be called while the replica's computation is running.
func (rc *ReplicaContext) ReplicaIDInSyncGroup() (int, error) {
	if err := requireReplica(rc.ec, rc, "ReplicaContext.ReplicaIDInSyncGroup"); err != nil {
		return 0, err
	}
	return rc.replicaID, nil
}

// Devices returns the devices this replica's computation runs on.
func (rc *ReplicaContext) Devices() ([]string, error) {
	if err := requireReplica(rc.ec, rc, "ReplicaContext.Devices"); err != nil {
		return nil, err
	}
	return rc.devices, nil
}

// MergeCall suspends the replica, waits for every peer replica to reach its own
// MergeCall (or finish), and then runs mergeFn once in cross-replica mode with the
// replicas' arguments combined: identical arguments pass through, differing ones arrive
// wrapped as PerReplica. Each replica receives its own slice of mergeFn's result.
func (rc *ReplicaContext) MergeCall(mergeFn MergeFn, args ...any) (any, error) {
	if err := requireReplica(rc.ec, rc, "ReplicaContext.MergeCall"); err != nil {
		return nil, err
	}
	flat, err := normalizeArgs(args)
	if err != nil {
		return nil, err
	}
	return rc.strategy.impl.MergeCall(rc, mergeFn, flat)
}

// String implements fmt.Stringer.
func (rc *ReplicaContext) String() string {
	return fmt.Sprintf("ReplicaContext(%s, replica %d of %d)",
		rc.strategy, rc.replicaID, rc.NumReplicasInSync())
}

// enter pushes this replica's mode onto its context.
func (rc *ReplicaContext) enter() {
	rc.ec.push(threadMode{kind: inReplicaMode, strategy: rc.strategy, replica: rc})
}

// exit pops this replica's mode, validating it is still on top.
func (rc *ReplicaContext) exit() error {
	top := rc.ec.top()
	if top.kind != inReplicaMode || top.replica != rc {
		return errorf(ErrModeViolation, "replica %d of %s exited out of order", rc.replicaID, rc.strategy)
	}
	rc.ec.pop()
	return nil
}

// runReplica runs fn as replica rc, in replica mode, converting panics into errors.
func runReplica(rc *ReplicaContext, fn ReplicaFn, args []any) (result any, err error) {
	rc.enter()
	defer func() {
		if exitErr := rc.exit(); exitErr != nil && err == nil {
			err = exitErr
		}
	}()
	caught := exceptions.Try(func() {
		result, err = fn(rc, args...)
	})
	if caught != nil {
		return nil, errors.Errorf("replica %d of %s panicked: %v", rc.replicaID, rc.strategy, caught)
	}
	return result, err
}

// sequentialMergeCall implements MergeCall for strategies that run replicas
// sequentially: it swaps the replica's mode for cross-replica mode, runs mergeFn
// inline, and restores the replica's mode.
func sequentialMergeCall(rc *ReplicaContext, mergeFn MergeFn, args []any) (result any, err error) {
	rc.ec.pop()
	rc.ec.push(threadMode{kind: crossReplicaMode, strategy: rc.strategy})
	defer func() {
		rc.ec.pop()
		rc.enter()
	}()
	caught := exceptions.Try(func() {
		result, err = mergeFn(rc.strategy, rc.ec, args...)
	})
	if caught != nil {
		return nil, errors.Errorf("merge call from replica %d of %s panicked: %v",
			rc.replicaID, rc.strategy, caught)
	}
	if err != nil {
		return nil, err
	}
	return replicaSlice(result, rc.replicaID)
}
