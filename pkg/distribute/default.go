// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distribute

import (
	"github.com/gomlx/distribute/pkg/support/xslices"
	"k8s.io/klog/v2"
)

// defaultImpl is the strategy in effect when no real strategy scope is active: a single
// replica, no replication, every operation a pass-through. It lets code written against
// the Strategy API run unchanged without distribution.
type defaultImpl struct{}

// NewDefaultStrategy returns the single-replica pass-through strategy.
func NewDefaultStrategy() *Strategy {
	return New(defaultImpl{})
}

func (defaultImpl) strictScope() {}

func (defaultImpl) Name() string { return "Default" }

func (defaultImpl) NumReplicasInSync() int { return 1 }

func (defaultImpl) WorkerDevices() ([]string, error) {
	return nil, errorf(ErrUnimplemented, "the default strategy does not track worker devices")
}

func (defaultImpl) ParameterDevices() ([]string, error) {
	return nil, errorf(ErrUnimplemented, "the default strategy does not track parameter devices")
}

// NonSlotDevices colocates non-slot work with the lexicographically first variable, so
// the choice is stable regardless of the order variables are passed in.
func (defaultImpl) NonSlotDevices(variables []Variable) ([]string, error) {
	if len(variables) == 0 {
		return nil, errorf(ErrUnimplemented, "NonSlotDevices requires at least one variable")
	}
	first := xslices.MinBy(variables, func(v Variable) string { return v.Name() })
	return first.Devices(), nil
}

func (defaultImpl) DefaultDevice() string { return "" }

func (defaultImpl) CreateVariable(_ *ExecContext, next CreatorFn, spec *VariableSpec) (Variable, error) {
	return next(spec)
}

func (defaultImpl) ReadVariable(_ *ExecContext, v Variable) (any, error) {
	return readVariableValue(v)
}

func (d defaultImpl) CallForEachReplica(self *Strategy, ec *ExecContext, fn ReplicaFn, args []any) (any, error) {
	var devices []string
	if device, ok := ec.CurrentDevice(); ok {
		devices = []string{device}
	}
	rc := newReplicaContext(self, ec, 0, devices)
	return runReplica(rc, fn, args)
}

func (defaultImpl) MergeCall(rc *ReplicaContext, mergeFn MergeFn, args []any) (any, error) {
	return sequentialMergeCall(rc, mergeFn, args)
}

func (defaultImpl) Broadcast(_ *ExecContext, value any, destinations any) (any, error) {
	if destinations == nil {
		return value, nil
	}
	return nil, errorf(ErrUnimplemented, "the default strategy cannot broadcast to explicit destinations")
}

// Reduce with a single replica is the identity, regardless of op and destinations.
func (defaultImpl) Reduce(_ *ExecContext, _ ReduceOp, value any, _ any) (any, error) {
	return value, nil
}

func (d defaultImpl) Update(ec *ExecContext, v Variable, fn UpdateFn, args []any, grouped bool) (any, error) {
	device := ""
	if devices := v.Devices(); len(devices) > 0 {
		device = devices[0]
	}
	uc := EnterUpdateContext(ec, device)
	defer uc.Exit()
	result, err := fn(ec, v, args...)
	if err != nil {
		return nil, err
	}
	if grouped {
		return result, nil
	}
	return mapNested(result, func(leaf any) (any, error) {
		return d.Unwrap(leaf), nil
	})
}

func (d defaultImpl) UpdateNonSlot(ec *ExecContext, devices []string, fn UpdateNonSlotFn, args []any, grouped bool) (any, error) {
	device := ""
	if len(devices) > 0 {
		device = devices[0]
	}
	uc := EnterUpdateContext(ec, device)
	defer uc.Exit()
	result, err := fn(ec, args...)
	if err != nil {
		return nil, err
	}
	if grouped {
		return result, nil
	}
	return mapNested(result, func(leaf any) (any, error) {
		return d.Unwrap(leaf), nil
	})
}

func (defaultImpl) Unwrap(value any) []any {
	return componentsOf(value)
}

func (defaultImpl) ValueContainer(value any) any {
	return valueContainerOf(value)
}

func (defaultImpl) MakeInputIterator(_ *ExecContext, inputFn InputFn) (Dataset, error) {
	ic, err := NewInputContext(1, 0, 1)
	if err != nil {
		return nil, err
	}
	value, err := inputFn(ic)
	if err != nil {
		return nil, err
	}
	return validateDataset(value, "input function")
}

func (defaultImpl) DistributeDataset(_ *ExecContext, datasetFn DatasetFn) (Dataset, error) {
	value, err := datasetFn()
	if err != nil {
		return nil, err
	}
	return validateDataset(value, "dataset function")
}

func (defaultImpl) Initialize() error {
	klog.V(2).Info("default strategy initialized")
	return nil
}

func (defaultImpl) Finalize() error {
	klog.V(2).Info("default strategy finalized")
	return nil
}
