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
	"maps"
	"slices"
)

// nameSet is a set of identifier names.
type nameSet map[string]struct{}

func newNameSet(names ...string) nameSet {
	set := make(nameSet, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

func (s nameSet) has(name string) bool {
	_, ok := s[name]
	return ok
}

func (s nameSet) add(names ...string) {
	for _, name := range names {
		s[name] = struct{}{}
	}
}

func (s nameSet) clone() nameSet {
	return maps.Clone(s)
}

func (s nameSet) union(other nameSet) nameSet {
	out := s.clone()
	for name := range other {
		out[name] = struct{}{}
	}
	return out
}

func (s nameSet) intersect(other nameSet) nameSet {
	out := make(nameSet)
	for name := range s {
		if other.has(name) {
			out[name] = struct{}{}
		}
	}
	return out
}

func (s nameSet) minus(other nameSet) nameSet {
	out := make(nameSet)
	for name := range s {
		if !other.has(name) {
			out[name] = struct{}{}
		}
	}
	return out
}

func (s nameSet) equal(other nameSet) bool {
	if len(s) != len(other) {
		return false
	}
	for name := range s {
		if !other.has(name) {
			return false
		}
	}
	return true
}

func (s nameSet) sorted() []string {
	return slices.Sorted(maps.Keys(s))
}
