// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kernel

import (
	"fmt"
	"sort"
	"strings"
)

// ArgID identifies a callable argument positionally: input arguments
// count up from 0 in declaration order, output arguments count down
// from -1 so the first result is -1, the second -2, and so on.
type ArgID int

// IsOutput reports whether the id denotes a result.
func (id ArgID) IsOutput() bool { return id < 0 }

// ArgMap records per-argument specialization data (a dtype, a
// descriptor) addressable both by positional id and by keyword name.
// The two views are kept consistent by the callable owning the map.
type ArgMap[T any] struct {
	pos map[ArgID]T
	kw  map[string]T
}

// NewArgMap returns an empty map.
func NewArgMap[T any]() *ArgMap[T] {
	return &ArgMap[T]{pos: make(map[ArgID]T), kw: make(map[string]T)}
}

// StorePos records a value under a positional id.
func (m *ArgMap[T]) StorePos(id ArgID, value T) { m.pos[id] = value }

// StoreKw records a value under a keyword name.
func (m *ArgMap[T]) StoreKw(name string, value T) { m.kw[name] = value }

// Pos returns the value recorded under a positional id.
func (m *ArgMap[T]) Pos(id ArgID) (T, bool) {
	value, ok := m.pos[id]
	return value, ok
}

// Kw returns the value recorded under a keyword name.
func (m *ArgMap[T]) Kw(name string) (T, bool) {
	value, ok := m.kw[name]
	return value, ok
}

// NumPos returns the number of positional entries.
func (m *ArgMap[T]) NumPos() int { return len(m.pos) }

// PosIDs returns the positional ids in ascending order.
func (m *ArgMap[T]) PosIDs() []ArgID {
	ids := make([]ArgID, 0, len(m.pos))
	for id := range m.pos {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns a shallow copy.
func (m *ArgMap[T]) Clone() *ArgMap[T] {
	cp := NewArgMap[T]()
	for id, value := range m.pos {
		cp.pos[id] = value
	}
	for name, value := range m.kw {
		cp.kw[name] = value
	}
	return cp
}

// HasAllOf reports whether every entry of other is also present in m,
// by positional id.
func (m *ArgMap[T]) HasAllOf(other *ArgMap[T]) bool {
	if other == nil {
		return true
	}
	for id := range other.pos {
		if _, ok := m.pos[id]; !ok {
			return false
		}
	}
	return true
}

// Equal compares two maps with a value comparator. Two nil maps are
// equal; a nil map equals an empty one.
func (m *ArgMap[T]) Equal(other *ArgMap[T], eq func(a, b T) bool) bool {
	if m == nil {
		m = NewArgMap[T]()
	}
	if other == nil {
		other = NewArgMap[T]()
	}
	if len(m.pos) != len(other.pos) || len(m.kw) != len(other.kw) {
		return false
	}
	for id, value := range m.pos {
		otherValue, ok := other.pos[id]
		if !ok || !eq(value, otherValue) {
			return false
		}
	}
	for name, value := range m.kw {
		otherValue, ok := other.kw[name]
		if !ok || !eq(value, otherValue) {
			return false
		}
	}
	return true
}

// String renders positional entries in id order.
func (m *ArgMap[T]) String() string {
	if m == nil {
		return "{}"
	}
	entries := make([]string, 0, len(m.pos))
	for _, id := range m.PosIDs() {
		entries = append(entries, fmt.Sprintf("%d: %v", id, m.pos[id]))
	}
	return "{" + strings.Join(entries, ", ") + "}"
}
