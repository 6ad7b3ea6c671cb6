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
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ----------------------------------------------------------------------------
// Iname tags.
type (
	// IndexTag annotates how the loop over an iname is realised.
	IndexTag interface {
		// tag marks a structure as an index tag.
		tag()

		// Parallel returns true if the tag requests parallel execution.
		Parallel() bool

		// String representation of the tag.
		String() string
	}

	// UnrollTag requests full unrolling of the loop.
	UnrollTag struct{}

	// UnrolledIlpTag requests unrolled instruction-level parallelism.
	UnrolledIlpTag struct{}

	// LoopedIlpTag requests looped instruction-level parallelism.
	LoopedIlpTag struct{}

	// GroupIndexTag maps the iname onto a workgroup grid axis.
	GroupIndexTag struct {
		Axis int
	}

	// LocalIndexTag maps the iname onto a within-workgroup axis.
	LocalIndexTag struct {
		Axis int
	}

	// AutoLocalIndexTag requests an automatically chosen local axis.
	AutoLocalIndexTag struct{}
)

var (
	_ IndexTag = UnrollTag{}
	_ IndexTag = UnrolledIlpTag{}
	_ IndexTag = LoopedIlpTag{}
	_ IndexTag = GroupIndexTag{}
	_ IndexTag = LocalIndexTag{}
	_ IndexTag = AutoLocalIndexTag{}
)

func (UnrollTag) tag()         {}
func (UnrolledIlpTag) tag()    {}
func (LoopedIlpTag) tag()      {}
func (GroupIndexTag) tag()     {}
func (LocalIndexTag) tag()     {}
func (AutoLocalIndexTag) tag() {}

// Parallel returns false: unrolling is sequential replication.
func (UnrollTag) Parallel() bool { return false }

// Parallel returns true.
func (UnrolledIlpTag) Parallel() bool { return true }

// Parallel returns true.
func (LoopedIlpTag) Parallel() bool { return true }

// Parallel returns true.
func (GroupIndexTag) Parallel() bool { return true }

// Parallel returns true.
func (LocalIndexTag) Parallel() bool { return true }

// Parallel returns true.
func (AutoLocalIndexTag) Parallel() bool { return true }

// String representation of the tag.
func (UnrollTag) String() string { return "unr" }

// String representation of the tag.
func (UnrolledIlpTag) String() string { return "ilp.unr" }

// String representation of the tag.
func (LoopedIlpTag) String() string { return "ilp.seq" }

// String representation of the tag.
func (t GroupIndexTag) String() string { return fmt.Sprintf("g.%d", t.Axis) }

// String representation of the tag.
func (t LocalIndexTag) String() string { return fmt.Sprintf("l.%d", t.Axis) }

// String representation of the tag.
func (AutoLocalIndexTag) String() string { return "l.auto" }

// ParseTag parses the textual form of an index tag. The "for" spelling
// returns a nil tag: a plain sequential loop.
func ParseTag(s string) (IndexTag, error) {
	switch s {
	case "for":
		return nil, nil
	case "unr":
		return UnrollTag{}, nil
	case "ilp", "ilp.unr":
		return UnrolledIlpTag{}, nil
	case "ilp.seq":
		return LoopedIlpTag{}, nil
	}
	if axis, ok := strings.CutPrefix(s, "g."); ok {
		value, err := strconv.Atoi(axis)
		if err != nil {
			return nil, errors.Errorf("cannot parse tag %q: invalid axis %q", s, axis)
		}
		return GroupIndexTag{Axis: value}, nil
	}
	if axis, ok := strings.CutPrefix(s, "l."); ok {
		if axis == "auto" {
			return AutoLocalIndexTag{}, nil
		}
		value, err := strconv.Atoi(axis)
		if err != nil {
			return nil, errors.Errorf("cannot parse tag %q: invalid axis %q", s, axis)
		}
		return LocalIndexTag{Axis: value}, nil
	}
	return nil, errors.Errorf("cannot parse tag %q", s)
}
