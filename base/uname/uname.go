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

// Package uname provides unique names.
package uname

import (
	"fmt"
	"regexp"
	"strconv"
)

// Unique generates unique names.
type Unique struct {
	names map[string]int
}

// New name generator.
func New() *Unique {
	return &Unique{names: make(map[string]int)}
}

// Reserve marks names as already taken, so that Name never returns them.
func (n *Unique) Reserve(names ...string) {
	for _, name := range names {
		if _, ok := n.names[name]; !ok {
			n.names[name] = 1
		}
	}
}

// Name returns a unique name given a desired base name.
// If the base name is available, it is returned directly. Else, a unique suffix is appended.
func (n *Unique) Name(root string) string {
	nextIndex, ok := n.names[root]
	if !ok {
		n.names[root] = 1
		return root
	}
	for {
		name := fmt.Sprintf("%s%d", root, nextIndex)
		nextIndex++
		n.names[root] = nextIndex
		if _, taken := n.names[name]; !taken {
			n.names[name] = 1
			return name
		}
	}
}

var indexedName = regexp.MustCompile(`^(.+)_(\d+)$`)

// NextIndexed returns the next name in the trailing-suffix sequence:
// "f" becomes "f_0", "f_7" becomes "f_8", and a name already ending in
// an underscore has "0" appended.
func NextIndexed(name string) string {
	match := indexedName.FindStringSubmatch(name)
	if match == nil {
		if name != "" && name[len(name)-1] == '_' {
			return name + "0"
		}
		return name + "_0"
	}
	num, err := strconv.Atoi(match[2])
	if err != nil {
		return name + "_0"
	}
	return fmt.Sprintf("%s_%d", match[1], num+1)
}
