// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package.
package xslices

import (
	"cmp"
	"sort"

	"golang.org/x/exp/constraints"
)

// Keys returns the keys of a map in the form of a slice.
func Keys[K comparable, V any](m map[K]V) []K {
	s := make([]K, 0, len(m))
	for k := range m {
		s = append(s, k)
	}
	return s
}

// SortedKeys returns the sorted keys of a map in the form of a slice.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	s := Keys(m)
	sort.Slice(s, func(i, j int) bool {
		return s[i] < s[j]
	})
	return s
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// MinBy returns the element of the slice with the smallest key, as extracted by keyFn.
// Among elements with equal keys the first one wins. The slice must not be empty.
func MinBy[T any, K constraints.Ordered](slice []T, keyFn func(e T) K) T {
	best := slice[0]
	bestKey := keyFn(best)
	for _, e := range slice[1:] {
		if key := keyFn(e); key < bestKey {
			best, bestKey = e, key
		}
	}
	return best
}

// SliceWithValue creates a slice of the given length filled with the given value.
func SliceWithValue[T any](value T, length int) []T {
	s := make([]T, length)
	for ii := range s {
		s[ii] = value
	}
	return s
}
