// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distribute

import (
	"slices"
)

// modeKind enumerates the coordination modes a thread of control can be in.
type modeKind int

const (
	// defaultMode is the implicit base of every ExecContext: no strategy installed.
	defaultMode modeKind = iota

	// crossReplicaMode: code acts on behalf of all replicas collectively.
	crossReplicaMode

	// inReplicaMode: code runs once per replica, inside CallForEachReplica.
	inReplicaMode
)

// threadMode is one entry of the mode stack: the kind plus the strategy (and replica
// context) it belongs to.
type threadMode struct {
	kind     modeKind
	strategy *Strategy
	replica  *ReplicaContext
}

// ExecContext tracks the coordination state of one logical thread of control: the LIFO
// stack of coordination modes, the variable-creator chain and the current device scopes.
//
// There is no ambient (thread-local) state in this package: an ExecContext is created
// explicitly -- one per goroutine of control -- and passed down the call chain, the same
// way a model context is. Replicas running on separate goroutines each get their own
// ExecContext, so they never observe each other's mode changes.
//
// An ExecContext is not safe for concurrent use.
type ExecContext struct {
	modes []threadMode

	baseCreator CreatorFn
	creators    []creatorWrapperFn

	// devices is the stack of default device scopes.
	devices []string

	// updateDevices is the stack of devices of active update contexts.
	updateDevices []string
}

// NewExecContext returns a fresh ExecContext in the implicit default mode.
func NewExecContext() *ExecContext {
	return &ExecContext{}
}

// top returns the current mode, or the implicit default sentinel if no mode was pushed.
func (ec *ExecContext) top() threadMode {
	if len(ec.modes) == 0 {
		return threadMode{kind: defaultMode}
	}
	return ec.modes[len(ec.modes)-1]
}

func (ec *ExecContext) push(m threadMode) {
	ec.modes = append(ec.modes, m)
}

func (ec *ExecContext) pop() {
	if len(ec.modes) == 0 {
		return
	}
	ec.modes = ec.modes[:len(ec.modes)-1]
}

// Depth returns the number of modes pushed onto this ExecContext, not counting the
// implicit default base. After any balanced coordination call it is back to its prior
// value.
func (ec *ExecContext) Depth() int {
	return len(ec.modes)
}

// CurrentStrategy returns the Strategy whose scope is active on this thread of control,
// whether in cross-replica or replica mode, or nil if none.
func (ec *ExecContext) CurrentStrategy() *Strategy {
	m := ec.top()
	switch m.kind {
	case crossReplicaMode:
		return m.strategy
	case inReplicaMode:
		return m.replica.strategy
	}
	return nil
}

// InCrossReplicaContext reports whether this thread of control is currently in
// cross-replica mode.
func (ec *ExecContext) InCrossReplicaContext() bool {
	return ec.top().kind == crossReplicaMode
}

// ReplicaContext returns the replica context this thread of control is executing in, or
// nil if it is not inside a CallForEachReplica invocation.
func (ec *ExecContext) ReplicaContext() *ReplicaContext {
	m := ec.top()
	if m.kind != inReplicaMode {
		return nil
	}
	return m.replica
}

// CurrentDevice returns the device of the innermost device scope, if any.
func (ec *ExecContext) CurrentDevice() (string, bool) {
	if len(ec.devices) == 0 {
		return "", false
	}
	return ec.devices[len(ec.devices)-1], true
}

func (ec *ExecContext) pushDevice(device string) {
	ec.devices = append(ec.devices, device)
}

func (ec *ExecContext) popDevice() {
	if len(ec.devices) == 0 {
		return
	}
	ec.devices = ec.devices[:len(ec.devices)-1]
}

// UpdateDevice returns the device of the innermost active update context, if any.
// It is set while a Strategy.Update or Strategy.UpdateNonSlot function runs.
func (ec *ExecContext) UpdateDevice() (string, bool) {
	if len(ec.updateDevices) == 0 {
		return "", false
	}
	return ec.updateDevices[len(ec.updateDevices)-1], true
}

// cloneForReplica creates the ExecContext for one replica goroutine: a fresh mode stack
// with the caller's variable-creator chain and device scopes carried over.
func (ec *ExecContext) cloneForReplica() *ExecContext {
	return &ExecContext{
		baseCreator: ec.baseCreator,
		creators:    slices.Clone(ec.creators),
		devices:     slices.Clone(ec.devices),
	}
}

// UpdateContext marks that code is running inside a Strategy.Update or
// Strategy.UpdateNonSlot call for one device. Strategy implementations enter it once
// per device the update runs on; callers may query the device with
// ExecContext.UpdateDevice.
type UpdateContext struct {
	ec     *ExecContext
	exited bool
}

// EnterUpdateContext pushes an update-device scope. It must be matched by exactly one
// call to UpdateContext.Exit, typically deferred.
func EnterUpdateContext(ec *ExecContext, device string) *UpdateContext {
	ec.updateDevices = append(ec.updateDevices, device)
	return &UpdateContext{ec: ec}
}

// Exit restores the previous update-device scope. Exiting more than once is a no-op.
func (u *UpdateContext) Exit() {
	if u.exited {
		return
	}
	u.exited = true
	u.ec.updateDevices = u.ec.updateDevices[:len(u.ec.updateDevices)-1]
}
