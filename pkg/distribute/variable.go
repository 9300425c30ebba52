// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distribute

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Variable is the minimal contract strategies need of a variable: a stable name used
// for colocation decisions, and the devices it lives on.
//
// Concrete variable types come from the caller through the base variable creator (see
// ExecContext.SetBaseVariableCreator); strategies only intercept their creation and
// route reads and updates.
type Variable interface {
	Name() string
	Devices() []string
}

// ReadableVariable is optionally implemented by variables that can produce their
// current value.
type ReadableVariable interface {
	Variable
	Read() (any, error)
}

// PerDeviceVariable is optionally implemented by replicated variables that expose a
// per-device component view. The component's Container should be the whole variable.
type PerDeviceVariable interface {
	Variable
	ComponentFor(device string) (Variable, error)
}

// VariableSpec carries a variable-creation request through the creator chain.
type VariableSpec struct {
	// Name of the variable to create.
	Name string

	// UseReplication is set by a strategy's scope to ask the base creator for a
	// strategy-managed (replicated) variable.
	UseReplication bool

	// ColocateWith, if set, requests placement on the same devices as an existing
	// variable. Set by Strategy.ColocateVariablesWith scopes.
	ColocateWith Variable

	// Device, if non-empty, requests placement on a specific device.
	Device string
}

// CreatorFn builds a variable from a spec. The innermost creator of an ExecContext's
// chain is the base creator supplied by the caller.
type CreatorFn func(spec *VariableSpec) (Variable, error)

// creatorWrapperFn is one interception layer of the creator chain. It receives the
// context it runs under, so creators installed before CallForEachReplica still work
// from the per-replica clones.
type creatorWrapperFn func(ec *ExecContext, next CreatorFn, spec *VariableSpec) (Variable, error)

// SetBaseVariableCreator installs the innermost creator, the one that actually builds
// variables once every interception layer has adjusted the spec.
func (ec *ExecContext) SetBaseVariableCreator(creator CreatorFn) {
	ec.baseCreator = creator
}

// pushCreator installs an interception layer around the current chain and returns a
// function restoring the previous chain. Layers nest, newest outermost.
func (ec *ExecContext) pushCreator(wrapper creatorWrapperFn) (restore func()) {
	ec.creators = append(ec.creators, wrapper)
	depth := len(ec.creators)
	return func() {
		if len(ec.creators) != depth {
			klog.Errorf("variable creator scopes exited out of order: depth %d, expected %d",
				len(ec.creators), depth)
		}
		ec.creators = ec.creators[:depth-1]
	}
}

// CreateVariable runs a creation request through the installed creator chain, outermost
// layer first, down to the base creator.
func (ec *ExecContext) CreateVariable(spec *VariableSpec) (Variable, error) {
	if ec.baseCreator == nil {
		return nil, errorf(ErrUnimplemented,
			"no base variable creator set, call SetBaseVariableCreator before creating variables")
	}
	next := ec.baseCreator
	for _, wrapper := range ec.creators {
		inner, w := next, wrapper
		next = func(spec *VariableSpec) (Variable, error) {
			return w(ec, inner, spec)
		}
	}
	return next(spec)
}

// readVariableValue reads v's current value, requiring ReadableVariable.
func readVariableValue(v Variable) (any, error) {
	rv, ok := v.(ReadableVariable)
	if !ok {
		return nil, errorf(ErrUnimplemented, "variable %q (%T) does not support reads", v.Name(), v)
	}
	value, err := rv.Read()
	if err != nil {
		return nil, errors.WithMessagef(err, "reading variable %q", v.Name())
	}
	return value, nil
}
