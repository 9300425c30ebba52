// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distribute

import (
	"fmt"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// ReduceOp selects how per-replica values are combined by Reduce and BatchReduce.
type ReduceOp int

const (
	// Sum adds the per-replica values.
	Sum ReduceOp = iota
	// Mean averages the per-replica values.
	Mean
	// OnlyFirstReplica takes replica 0's value, dropping the rest.
	OnlyFirstReplica
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "Sum"
	case Mean:
		return "Mean"
	case OnlyFirstReplica:
		return "OnlyFirstReplica"
	default:
		return fmt.Sprintf("ReduceOp(%d)", int(op))
	}
}

func (op ReduceOp) valid() bool {
	return op >= Sum && op <= OnlyFirstReplica
}

// ValueAndDestinations pairs a per-replica value with the destinations it should be
// reduced to, for BatchReduce.
type ValueAndDestinations struct {
	// Value is a per-replica value to reduce.
	Value any
	// Destinations selects where the reduced value goes: nil (strategy default), a
	// device string, a []string of devices, a Variable, or a *Mirrored value.
	Destinations any
}

// Args bundles the arguments to pass through CallForEachReplica, MergeCall, Update and
// UpdateNonSlot explicitly, instead of as loose variadic values. Passing an Args
// container alongside loose arguments is rejected as ambiguous.
type Args []any

// Grouped selects between grouped and ungrouped results for Strategy.Update and
// Strategy.UpdateNonSlot. Pass the returned value among the call's arguments, loose or
// inside an Args container.
func Grouped(grouped bool) any {
	return groupedOption{grouped: grouped}
}

type groupedOption struct {
	grouped bool
}

// normalizeArgs flattens the variadic argument convention: either all loose values, or
// exactly one Args container. Mixing the two, or passing several containers, is an
// ambiguity the caller must resolve.
func normalizeArgs(args []any) ([]any, error) {
	var container Args
	found := false
	for _, a := range args {
		if c, ok := a.(Args); ok {
			if found {
				return nil, errorf(ErrAmbiguousArguments, "two Args containers passed in one call")
			}
			container, found = c, true
		}
	}
	if !found {
		return args, nil
	}
	if len(args) != 1 {
		return nil, errorf(ErrAmbiguousArguments,
			"an Args container cannot be mixed with loose arguments, got %d extra", len(args)-1)
	}
	return container, nil
}

// extractGrouped pulls a Grouped option out of an argument list; found reports whether
// one was present.
func extractGrouped(args []any) (flat []any, grouped, found bool) {
	grouped = true
	flat = make([]any, 0, len(args))
	for _, a := range args {
		if opt, ok := a.(groupedOption); ok {
			grouped, found = opt.grouped, true
			continue
		}
		flat = append(flat, a)
	}
	return flat, grouped, found
}

// updateArgs resolves the argument convention for Update and UpdateNonSlot: the Grouped
// option may appear among the loose arguments or inside the Args container, and is
// pulled out either way; the one inside the container wins if both are given.
func updateArgs(args []any) (flat []any, grouped bool, err error) {
	args, grouped, _ = extractGrouped(args)
	flat, err = normalizeArgs(args)
	if err != nil {
		return nil, false, err
	}
	if inner, innerGrouped, found := extractGrouped(flat); found {
		flat, grouped = inner, innerGrouped
	}
	return flat, grouped, nil
}

// Implementation is the contract a distribution strategy fulfills. Callers use
// *Strategy, which validates the execution mode before delegating here; implementations
// can assume the mode checks already passed.
type Implementation interface {
	// Name identifies the strategy kind, e.g. "Default" or "Mirrored".
	Name() string

	// NumReplicasInSync returns how many replicas run each step in lockstep.
	NumReplicasInSync() int

	// WorkerDevices returns the devices computation runs on.
	WorkerDevices() ([]string, error)

	// ParameterDevices returns the devices variables are placed on.
	ParameterDevices() ([]string, error)

	// NonSlotDevices picks the device group for UpdateNonSlot, given the variables
	// being optimized.
	NonSlotDevices(variables []Variable) ([]string, error)

	// DefaultDevice returns the device to pin while the strategy's scope is active,
	// or "" for none.
	DefaultDevice() string

	// CreateVariable intercepts variable creation inside the strategy's scope.
	CreateVariable(ec *ExecContext, next CreatorFn, spec *VariableSpec) (Variable, error)

	// ReadVariable reads a strategy-managed variable in cross-replica context.
	ReadVariable(ec *ExecContext, v Variable) (any, error)

	// CallForEachReplica runs fn once per replica and merges the results.
	CallForEachReplica(d *Strategy, ec *ExecContext, fn ReplicaFn, args []any) (any, error)

	// MergeCall implements ReplicaContext.MergeCall for this strategy's replicas.
	MergeCall(rc *ReplicaContext, mergeFn MergeFn, args []any) (any, error)

	// Broadcast mirrors a value to the given destinations.
	Broadcast(ec *ExecContext, value any, destinations any) (any, error)

	// Reduce combines a per-replica value to the given destinations.
	Reduce(ec *ExecContext, op ReduceOp, value any, destinations any) (any, error)

	// Update runs fn on each per-device component of v, in an update context.
	Update(ec *ExecContext, v Variable, fn UpdateFn, args []any, grouped bool) (any, error)

	// UpdateNonSlot runs fn on each device of a non-slot group, in an update context.
	UpdateNonSlot(ec *ExecContext, devices []string, fn UpdateNonSlotFn, args []any, grouped bool) (any, error)

	// Unwrap returns the per-replica constituents of a value.
	Unwrap(value any) []any

	// ValueContainer resolves the logical container a per-device value belongs to.
	ValueContainer(value any) any

	// MakeInputIterator builds this strategy's input pipelines from inputFn.
	MakeInputIterator(ec *ExecContext, inputFn InputFn) (Dataset, error)

	// DistributeDataset adapts a dataset for consumption by this strategy.
	DistributeDataset(ec *ExecContext, datasetFn DatasetFn) (Dataset, error)

	// Initialize prepares the strategy for use; Finalize releases its resources.
	Initialize() error
	Finalize() error
}

// BatchReducer is optionally implemented by strategies with a fused multi-value
// reduction; without it BatchReduce falls back to one Reduce per value.
type BatchReducer interface {
	BatchReduce(ec *ExecContext, op ReduceOp, pairs []ValueAndDestinations) ([]any, error)
}

// strictScoper marks strategies whose scope may not be entered while any other
// strategy scope is active, not even their own.
type strictScoper interface {
	strictScope()
}

// Strategy is the caller-facing handle to a distribution strategy. It validates the
// execution mode of every call before delegating to its Implementation. Strategies are
// compared by pointer identity.
type Strategy struct {
	impl Implementation
	id   string
}

// New wraps an Implementation into a caller-facing Strategy.
func New(impl Implementation) *Strategy {
	return &Strategy{impl: impl, id: uuid.NewString()[:8]}
}

// Implementation returns the wrapped strategy implementation.
func (d *Strategy) Implementation() Implementation { return d.impl }

// String implements fmt.Stringer.
func (d *Strategy) String() string {
	return fmt.Sprintf("%s(#%s)", d.impl.Name(), d.id)
}

// NumReplicasInSync returns how many replicas run each step in lockstep.
func (d *Strategy) NumReplicasInSync() int { return d.impl.NumReplicasInSync() }

// WorkerDevices returns the devices computation runs on.
func (d *Strategy) WorkerDevices() ([]string, error) { return d.impl.WorkerDevices() }

// ParameterDevices returns the devices variables are placed on.
func (d *Strategy) ParameterDevices() ([]string, error) { return d.impl.ParameterDevices() }

// NonSlotDevices picks the device group UpdateNonSlot runs on, given the variables
// being optimized.
func (d *Strategy) NonSlotDevices(variables []Variable) ([]string, error) {
	return d.impl.NonSlotDevices(variables)
}

// Initialize prepares the strategy for use.
func (d *Strategy) Initialize() error { return d.impl.Initialize() }

// Finalize releases the strategy's resources.
func (d *Strategy) Finalize() error { return d.impl.Finalize() }

// Scope is an open strategy scope; Exit restores the context to its prior state.
// Scopes must exit in reverse order of entry.
type Scope struct {
	d           *Strategy
	ec          *ExecContext
	passThrough bool
	exited      bool

	restoreCreator func()
	pushedDevice   bool
}

// Scope enters the strategy's scope on ec: the strategy becomes ec's current strategy,
// variable creation is routed through it, and its default device (if any) is pinned.
// Re-entering the scope of the strategy already current is a no-op pass-through; any
// other nesting is rejected.
func (d *Strategy) Scope(ec *ExecContext) (*Scope, error) {
	top := ec.top()
	_, strict := d.impl.(strictScoper)
	if top.strategy == d && !strict {
		if top.kind == inReplicaMode {
			return nil, errorf(ErrModeViolation,
				"cannot enter the scope of %s from inside one of its replicas", d)
		}
		return &Scope{d: d, ec: ec, passThrough: true}, nil
	}
	if top.strategy != nil {
		return nil, errorf(ErrNestedScope,
			"cannot enter the scope of %s while the scope of %s is active, scopes do not nest", d, top.strategy)
	}

	klog.V(2).Infof("entering scope of %s", d)
	ec.push(threadMode{kind: crossReplicaMode, strategy: d})
	s := &Scope{d: d, ec: ec}
	s.restoreCreator = ec.pushCreator(func(ec *ExecContext, next CreatorFn, spec *VariableSpec) (Variable, error) {
		if err := requireStrategyScope(ec, d, "variable creation"); err != nil {
			return nil, err
		}
		spec.UseReplication = true
		return d.impl.CreateVariable(ec, next, spec)
	})
	if device := d.impl.DefaultDevice(); device != "" {
		ec.pushDevice(device)
		s.pushedDevice = true
	}
	return s, nil
}

// Exit leaves the scope, restoring the context's mode, creator chain and device.
func (s *Scope) Exit() error {
	if s.exited {
		return errorf(ErrModeViolation, "scope of %s exited twice", s.d)
	}
	s.exited = true
	if s.passThrough {
		return nil
	}
	if s.pushedDevice {
		s.ec.popDevice()
	}
	s.restoreCreator()
	top := s.ec.top()
	if top.kind != crossReplicaMode || top.strategy != s.d {
		return errorf(ErrModeViolation, "scope of %s exited out of order", s.d)
	}
	s.ec.pop()
	klog.V(2).Infof("exited scope of %s", s.d)
	return nil
}

// ColocateVariablesWith opens a scope in which new variables are placed on the same
// devices as v. Must be used inside this strategy's scope.
func (d *Strategy) ColocateVariablesWith(ec *ExecContext, v Variable) (restore func(), err error) {
	if err := requireStrategyScope(ec, d, "Strategy.ColocateVariablesWith"); err != nil {
		return nil, err
	}
	return ec.pushCreator(func(ec *ExecContext, next CreatorFn, spec *VariableSpec) (Variable, error) {
		spec.ColocateWith = v
		return next(spec)
	}), nil
}

// CallForEachReplica runs fn once per replica, in replica mode, and returns the merged
// result: identical per-replica results collapse to a single value, differing ones are
// wrapped as PerReplica. Must be called in this strategy's cross-replica context.
func (d *Strategy) CallForEachReplica(ec *ExecContext, fn ReplicaFn, args ...any) (any, error) {
	if err := requireCrossReplica(ec, d, "Strategy.CallForEachReplica"); err != nil {
		return nil, err
	}
	flat, err := normalizeArgs(args)
	if err != nil {
		return nil, err
	}
	return d.impl.CallForEachReplica(d, ec, fn, flat)
}

// Reduce combines a per-replica value to the given destinations. Must be called in this
// strategy's cross-replica context.
func (d *Strategy) Reduce(ec *ExecContext, op ReduceOp, value any, destinations any) (any, error) {
	if err := requireCrossReplica(ec, d, "Strategy.Reduce"); err != nil {
		return nil, err
	}
	if !op.valid() {
		return nil, errorf(ErrUnimplemented, "unknown reduce op %v", op)
	}
	return d.impl.Reduce(ec, op, value, destinations)
}

// BatchReduce reduces several per-replica values in one call. Strategies with a fused
// implementation use it; others reduce each pair independently.
func (d *Strategy) BatchReduce(ec *ExecContext, op ReduceOp, pairs []ValueAndDestinations) ([]any, error) {
	if err := requireCrossReplica(ec, d, "Strategy.BatchReduce"); err != nil {
		return nil, err
	}
	if !op.valid() {
		return nil, errorf(ErrUnimplemented, "unknown reduce op %v", op)
	}
	if br, ok := d.impl.(BatchReducer); ok {
		return br.BatchReduce(ec, op, pairs)
	}
	results := make([]any, len(pairs))
	for i, pair := range pairs {
		var err error
		if results[i], err = d.impl.Reduce(ec, op, pair.Value, pair.Destinations); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// Update runs fn once per per-device component of v, inside an update context for that
// device. With Grouped(true) (the default) the per-device results are combined into one
// value; with Grouped(false) they are returned as a list. Must be called in this
// strategy's cross-replica context.
func (d *Strategy) Update(ec *ExecContext, v Variable, fn UpdateFn, args ...any) (any, error) {
	if err := requireCrossReplica(ec, d, "Strategy.Update"); err != nil {
		return nil, err
	}
	flat, grouped, err := updateArgs(args)
	if err != nil {
		return nil, err
	}
	for _, a := range flat {
		if containsPerReplica(a) {
			return nil, errorf(ErrModeViolation,
				"Strategy.Update arguments must be mirrored or plain, got a per-replica value %v", a)
		}
	}
	return d.impl.Update(ec, v, fn, flat, grouped)
}

// UpdateNonSlot runs fn on each device of a non-slot device group (see
// NonSlotDevices), inside an update context. Must be called in this strategy's
// cross-replica context.
func (d *Strategy) UpdateNonSlot(ec *ExecContext, devices []string, fn UpdateNonSlotFn, args ...any) (any, error) {
	if err := requireCrossReplica(ec, d, "Strategy.UpdateNonSlot"); err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, errorf(ErrUnimplemented, "Strategy.UpdateNonSlot requires a non-empty device group")
	}
	flat, grouped, err := updateArgs(args)
	if err != nil {
		return nil, err
	}
	for _, a := range flat {
		if containsPerReplica(a) {
			return nil, errorf(ErrModeViolation,
				"Strategy.UpdateNonSlot arguments must be mirrored or plain, got a per-replica value %v", a)
		}
	}
	return d.impl.UpdateNonSlot(ec, devices, fn, flat, grouped)
}

// Broadcast mirrors a value to the given destinations (nil for the strategy's
// default). Must be called in this strategy's cross-replica context.
func (d *Strategy) Broadcast(ec *ExecContext, value any, destinations any) (any, error) {
	if err := requireCrossReplica(ec, d, "Strategy.Broadcast"); err != nil {
		return nil, err
	}
	return d.impl.Broadcast(ec, value, destinations)
}

// ReadVariable reads a strategy-managed variable. Must be called in this strategy's
// cross-replica context.
func (d *Strategy) ReadVariable(ec *ExecContext, v Variable) (any, error) {
	if err := requireCrossReplica(ec, d, "Strategy.ReadVariable"); err != nil {
		return nil, err
	}
	return d.impl.ReadVariable(ec, v)
}

// Unwrap returns the per-replica constituents of a value produced by this strategy; a
// plain value yields a one-element list.
func (d *Strategy) Unwrap(value any) []any {
	return d.impl.Unwrap(value)
}

// ValueContainer resolves the logical container a per-device value belongs to, or the
// value itself if it has none.
func (d *Strategy) ValueContainer(value any) any {
	return d.impl.ValueContainer(value)
}

// MakeInputIterator builds the strategy's input pipelines by calling inputFn once per
// pipeline with that pipeline's InputContext. Only PerWorkerReplication is supported.
func (d *Strategy) MakeInputIterator(ec *ExecContext, inputFn InputFn, mode InputReplicationMode) (Dataset, error) {
	if err := requireStrategyScope(ec, d, "Strategy.MakeInputIterator"); err != nil {
		return nil, err
	}
	if mode != PerWorkerReplication {
		return nil, errorf(ErrUnsupportedReplicationMode, "input replication mode %v is not supported", mode)
	}
	return d.impl.MakeInputIterator(ec, inputFn)
}

// DistributeDataset adapts a dataset built by datasetFn for consumption by this
// strategy.
func (d *Strategy) DistributeDataset(ec *ExecContext, datasetFn DatasetFn) (Dataset, error) {
	if err := requireStrategyScope(ec, d, "Strategy.DistributeDataset"); err != nil {
		return nil, err
	}
	return d.impl.DistributeDataset(ec, datasetFn)
}
