// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distribute

// Mode guards: the only places the mode stack is read for validation. Every
// coordination-sensitive operation calls the appropriate guard first, so mode-mismatch
// bugs surface immediately with an actionable error instead of corrupting shared state.

// requireCrossReplica verifies the thread of control is in the cross-replica context of
// strategy d. The error distinguishes: no scope active at all, a different strategy's
// scope active (mixing), and being inside a replica context (which should use MergeCall).
func requireCrossReplica(ec *ExecContext, d *Strategy, op string) error {
	m := ec.top()
	if m.kind == crossReplicaMode && m.strategy == d {
		return nil
	}
	current := ec.CurrentStrategy()
	if current == nil {
		return errorf(ErrModeViolation,
			"%s requires the cross-replica context of %s, but no strategy scope is active "+
				"in this thread of control -- enter one with Strategy.Scope", op, d)
	}
	if current != d {
		return errorf(ErrModeViolation,
			"mixing different Strategy objects: %s was called on %s, but the active scope "+
				"belongs to %s", op, d, current)
	}
	return errorf(ErrModeViolation,
		"%s requires the cross-replica context of %s, but this thread of control is inside "+
			"one of its replica contexts -- use ReplicaContext.MergeCall to coordinate "+
			"across replicas", op, d)
}

// requireReplica verifies the thread of control is inside exactly the given replica
// context. The error distinguishes not being inside any CallForEachReplica from being
// inside a replica call of a different strategy instance.
func requireReplica(ec *ExecContext, rc *ReplicaContext, op string) error {
	current := ec.ReplicaContext()
	if current == rc {
		return nil
	}
	if current == nil {
		return errorf(ErrModeViolation,
			"%s must be called from inside Strategy.CallForEachReplica of %s", op, rc.strategy)
	}
	if current.strategy == rc.strategy {
		// Two different replica contexts of the same strategy.
		return errorf(ErrModeViolation,
			"%s called on a replica context that is not the one active in this thread of "+
				"control (both belong to %s)", op, rc.strategy)
	}
	return errorf(ErrModeViolation,
		"mismatching Strategy objects: %s called on a replica context of %s while inside a "+
			"replica context of %s", op, rc.strategy, current.strategy)
}

// requireStrategyScope verifies d's scope is active on this thread of control, in either
// cross-replica or replica mode. Used by the variable-creation hooks, which are legal in
// both modes as long as the scope matches.
func requireStrategyScope(ec *ExecContext, d *Strategy, op string) error {
	current := ec.CurrentStrategy()
	if current == d {
		return nil
	}
	if current == nil {
		return errorf(ErrModeViolation,
			"%s requires being inside the scope of %s -- enter it with Strategy.Scope", op, d)
	}
	return errorf(ErrModeViolation,
		"mixing different Strategy objects: %s belongs to %s, but the active scope belongs "+
			"to %s", op, d, current)
}
