// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distribute

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/distribute/pkg/support/xslices"
	"github.com/pkg/errors"
)

// DistributedValue is a value with one constituent per replica or per device.
type DistributedValue interface {
	// Components returns the per-replica (or per-device) constituents, indexed by
	// replica (or device) order.
	Components() []any
}

// Contained is implemented by per-device views that know the logical container they
// belong to -- typically the per-device component of a mirrored variable. Container may
// return nil if the container was destroyed.
type Contained interface {
	Container() any
}

// PerReplica wraps a value that differs across replicas: component i is replica i's
// slice of the value (locality T).
type PerReplica struct {
	values []any
}

// NewPerReplica wraps one value per replica, indexed by replica id.
func NewPerReplica(values []any) *PerReplica {
	return &PerReplica{values: slices.Clone(values)}
}

// Components implements DistributedValue.
func (p *PerReplica) Components() []any {
	return slices.Clone(p.values)
}

// NumReplicas returns the number of per-replica components.
func (p *PerReplica) NumReplicas() int {
	return len(p.values)
}

// ComponentFor returns replica replicaID's slice of the value.
func (p *PerReplica) ComponentFor(replicaID int) (any, error) {
	if replicaID < 0 || replicaID >= len(p.values) {
		return nil, errors.Errorf("PerReplica value has %d components, no component for replica %d",
			len(p.values), replicaID)
	}
	return p.values[replicaID], nil
}

// String implements fmt.Stringer.
func (p *PerReplica) String() string {
	var sb strings.Builder
	sb.WriteString("PerReplica{")
	for i, v := range p.values {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%d: %v", i, v)
	}
	sb.WriteString("}")
	return sb.String()
}

// Mirrored wraps a value copied to several devices with the same contents on each
// (locality M, or V/N when the device set comes from a variable or non-slot group).
type Mirrored struct {
	devices []string
	values  []any
}

// NewMirrored wraps one value per device. The lengths must match.
func NewMirrored(devices []string, values []any) (*Mirrored, error) {
	if len(devices) != len(values) {
		return nil, errors.Errorf("NewMirrored requires one value per device, got %d devices and %d values",
			len(devices), len(values))
	}
	if len(devices) == 0 {
		return nil, errors.New("NewMirrored requires at least one device")
	}
	return &Mirrored{devices: slices.Clone(devices), values: slices.Clone(values)}, nil
}

// Components implements DistributedValue.
func (m *Mirrored) Components() []any {
	return slices.Clone(m.values)
}

// Devices returns the devices this value is mirrored to.
func (m *Mirrored) Devices() []string {
	return slices.Clone(m.devices)
}

// Primary returns the first device's copy of the value.
func (m *Mirrored) Primary() any {
	return m.values[0]
}

// String implements fmt.Stringer.
func (m *Mirrored) String() string {
	return fmt.Sprintf("Mirrored{devices: %v, value: %v}", m.devices, m.values[0])
}

// sameObject reports whether a and b are the same object, by reference. Uncomparable
// kinds (slices, maps, funcs) are compared by their data pointer; uncomparable struct
// types are never the same object.
func sameObject(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Slice:
		return va.Len() == vb.Len() && (va.Len() == 0 || va.Pointer() == vb.Pointer())
	case reflect.Map, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	default:
		if !va.Type().Comparable() {
			return false
		}
		return a == b
	}
}

// valueContainerOf resolves the logical container a value belongs to, or the value
// itself if it has none (including the case of the container having been destroyed).
func valueContainerOf(value any) any {
	if contained, ok := value.(Contained); ok {
		if container := contained.Container(); container != nil {
			return container
		}
	}
	return value
}

// componentsOf returns the per-replica constituents of a wrapped value; a plain value
// yields a one-element list.
func componentsOf(value any) []any {
	if dv, ok := value.(DistributedValue); ok {
		return dv.Components()
	}
	return []any{value}
}

// mergeReplicaValues merges one result per replica into the single merged value returned
// by CallForEachReplica. Nested []any and map[string]any structures are merged
// component-wise; each leaf component follows the three-way rule:
//
//   - identical by reference across all replicas: collapses to that single object;
//   - the per-device view of one container (per valueContainer): collapses to the
//     container;
//   - otherwise: wrapped as a PerReplica mapping replica index to value.
//
// valueContainer is the owning strategy's ValueContainer hook.
func mergeReplicaValues(valueContainer func(any) any, results []any) any {
	if len(results) == 1 {
		return results[0]
	}
	first := results[0]

	// Identical by reference everywhere: collapse to the single object.
	identical := true
	for _, r := range results[1:] {
		if !sameObject(first, r) {
			identical = false
			break
		}
	}
	if identical {
		return first
	}

	// Matching nested structures merge component-wise.
	if firstSlice, ok := first.([]any); ok {
		matching := true
		for _, r := range results[1:] {
			s, ok := r.([]any)
			if !ok || len(s) != len(firstSlice) {
				matching = false
				break
			}
		}
		if matching {
			merged := make([]any, len(firstSlice))
			for j := range firstSlice {
				column := xslices.Map(results, func(r any) any { return r.([]any)[j] })
				merged[j] = mergeReplicaValues(valueContainer, column)
			}
			return merged
		}
	}
	if firstMap, ok := first.(map[string]any); ok {
		matching := true
		for _, r := range results[1:] {
			m, ok := r.(map[string]any)
			if !ok || len(m) != len(firstMap) {
				matching = false
				break
			}
			for key := range firstMap {
				if _, found := m[key]; !found {
					matching = false
					break
				}
			}
			if !matching {
				break
			}
		}
		if matching {
			merged := make(map[string]any, len(firstMap))
			for _, key := range xslices.SortedKeys(firstMap) {
				column := xslices.Map(results, func(r any) any { return r.(map[string]any)[key] })
				merged[key] = mergeReplicaValues(valueContainer, column)
			}
			return merged
		}
	}

	// Per-device views of one container collapse back to the container.
	if container := valueContainer(first); !sameObject(container, first) {
		collapses := true
		for _, r := range results[1:] {
			if !sameObject(valueContainer(r), container) {
				collapses = false
				break
			}
		}
		if collapses {
			return container
		}
	}

	return NewPerReplica(results)
}

// mapNested applies leafFn to every leaf of a value, rebuilding nested []any and
// map[string]any structures around the results.
func mapNested(value any, leafFn func(leaf any) (any, error)) (any, error) {
	switch v := value.(type) {
	case []any:
		mapped := make([]any, len(v))
		for i, e := range v {
			var err error
			if mapped[i], err = mapNested(e, leafFn); err != nil {
				return nil, err
			}
		}
		return mapped, nil
	case map[string]any:
		mapped := make(map[string]any, len(v))
		for key, e := range v {
			var err error
			if mapped[key], err = mapNested(e, leafFn); err != nil {
				return nil, err
			}
		}
		return mapped, nil
	default:
		return leafFn(value)
	}
}

// replicaSlice returns value with every nested PerReplica component unwrapped to the
// given replica's slice. Mirrored values are left whole, since each replica sees the
// same contents.
func replicaSlice(value any, replicaID int) (any, error) {
	return mapNested(value, func(leaf any) (any, error) {
		if pr, ok := leaf.(*PerReplica); ok {
			return pr.ComponentFor(replicaID)
		}
		return leaf, nil
	})
}

// containsPerReplica reports whether a value carries PerReplica components anywhere in
// its nested structure.
func containsPerReplica(value any) bool {
	found := false
	_, _ = mapNested(value, func(leaf any) (any, error) {
		if _, ok := leaf.(*PerReplica); ok {
			found = true
		}
		return leaf, nil
	})
	return found
}
