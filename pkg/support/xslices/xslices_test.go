// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	m := map[string]int{"b": 2, "a": 1, "c": 3}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, Keys(m))
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(m))
}

func TestMap(t *testing.T) {
	got := Map([]int{1, 2, 3}, func(e int) int { return 10 * e })
	assert.Equal(t, []int{10, 20, 30}, got)
}

func TestMinBy(t *testing.T) {
	type pair struct{ name string }
	got := MinBy([]pair{{"gamma"}, {"alpha"}, {"beta"}}, func(p pair) string { return p.name })
	assert.Equal(t, "alpha", got.name)
}

func TestSliceWithValue(t *testing.T) {
	assert.Equal(t, []int{7, 7, 7}, SliceWithValue(7, 3))
	assert.Len(t, SliceWithValue("x", 0), 0)
}
