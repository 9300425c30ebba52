// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

/*
Package distribute coordinates computation replicated across devices.

A Strategy describes how a computation and its variables are spread over devices: how
many replicas run each step, where variables live, and how per-replica values are
reduced back together. Code written against the Strategy API runs unchanged under the
single-replica pass-through strategy (NewDefaultStrategy) or replicated over several
devices (NewMirroredStrategy).

Everything happens relative to an ExecContext, which tracks the coordination state of
one logical thread of control. There is no ambient global state: create an ExecContext
at the top of a computation and pass it down. The context is always in one of three
modes:

  - default: no strategy scope is active;
  - cross-replica: inside a Strategy.Scope, acting on behalf of all replicas at once;
  - replica: inside Strategy.CallForEachReplica, running one replica's share.

The usual step looks like:

	s, _ := distribute.NewMirroredStrategy(devices, reducer)
	scope, _ := s.Scope(ec)
	defer scope.Exit()
	result, err := s.CallForEachReplica(ec, func(rc *distribute.ReplicaContext, args ...any) (any, error) {
		grad := computeGradient(...)
		return rc.MergeCall(applyGradient, grad)
	})

Inside the replica function, ReplicaContext.MergeCall is the only bridge back to
cross-replica work: it suspends the replica until all peers reach their own MergeCall,
runs the merge function once with the replicas' arguments combined, and hands each
replica its slice of the result. Values that differ across replicas travel wrapped as
PerReplica; values kept identical on several devices travel as Mirrored.

Every coordination call validates the context's mode first and returns an error wrapping
ErrModeViolation when called from the wrong mode, naming the mode it found and the one
it needs.
*/
package distribute
