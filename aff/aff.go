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

// Package aff is the affine-domain surface consumed by the kernel data
// model: iteration-domain sets with per-dimension quasi-affine bounds,
// bound queries with an explicit operation cache, and a quasi-affine
// expression simplifier.
package aff

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/loopix-org/loopix/base/stringseq"
	"github.com/loopix-org/loopix/sym"
)

// Set is an iteration domain: named integer index dimensions
// constrained by affine relations over the dimensions and symbolic
// parameters. Implementations must be immutable values.
type Set interface {
	// Dims returns the number of index dimensions.
	Dims() int

	// DimName returns the name of a dimension.
	DimName(i int) string

	// DimIndex returns the index of a named dimension.
	DimIndex(name string) (int, bool)

	// DimMin returns the lower bound of a dimension as a quasi-affine
	// expression over parameters.
	DimMin(i int) sym.Expr

	// DimMax returns the upper (inclusive) bound of a dimension.
	DimMax(i int) sym.Expr

	// WithDimName returns a copy of the set with dimension i renamed.
	WithDimName(i int, name string) Set

	// Extend returns a set over the union of the dimensions of both
	// sets. It is an error for dimension names to collide.
	Extend(other Set) (Set, error)

	// Params returns the symbolic parameter names of the set.
	Params() []string

	// Equal reports structural equality.
	Equal(other Set) bool

	// String representation of the set.
	String() string
}

// Dim is one dimension of a box domain, with inclusive bounds.
type Dim struct {
	Name   string
	Lo, Hi sym.Expr
}

// Box is a rectangular reference implementation of Set: every
// dimension is bounded independently.
type Box struct {
	dims   []Dim
	params []string
}

var _ Set = (*Box)(nil)

// NewBox returns a box domain over the given dimensions.
func NewBox(dims ...Dim) *Box {
	box := &Box{dims: dims}
	seen := make(map[string]bool)
	for _, dim := range dims {
		for _, e := range []sym.Expr{dim.Lo, dim.Hi} {
			for _, name := range sym.Vars(e) {
				if !seen[name] {
					seen[name] = true
					box.params = append(box.params, name)
				}
			}
		}
	}
	return box
}

// Span returns a dimension with constant inclusive bounds.
func Span(name string, lo, hi int64) Dim {
	return Dim{
		Name: name,
		Lo:   &sym.Int{Value: lo},
		Hi:   &sym.Int{Value: hi},
	}
}

// Dims returns the number of dimensions.
func (b *Box) Dims() int { return len(b.dims) }

// DimName returns the name of a dimension.
func (b *Box) DimName(i int) string { return b.dims[i].Name }

// DimIndex returns the index of a named dimension.
func (b *Box) DimIndex(name string) (int, bool) {
	for i, dim := range b.dims {
		if dim.Name == name {
			return i, true
		}
	}
	return -1, false
}

// DimMin returns the lower bound of a dimension.
func (b *Box) DimMin(i int) sym.Expr { return b.dims[i].Lo }

// DimMax returns the inclusive upper bound of a dimension.
func (b *Box) DimMax(i int) sym.Expr { return b.dims[i].Hi }

// WithDimName returns a copy of the box with dimension i renamed.
func (b *Box) WithDimName(i int, name string) Set {
	dims := make([]Dim, len(b.dims))
	copy(dims, b.dims)
	dims[i].Name = name
	return NewBox(dims...)
}

// Extend returns a box over the dimensions of both sets.
func (b *Box) Extend(other Set) (Set, error) {
	dims := make([]Dim, len(b.dims), len(b.dims)+other.Dims())
	copy(dims, b.dims)
	for i := range other.Dims() {
		name := other.DimName(i)
		if _, in := b.DimIndex(name); in {
			return nil, errors.Errorf("cannot extend domain: dimension %s already present", name)
		}
		dims = append(dims, Dim{Name: name, Lo: other.DimMin(i), Hi: other.DimMax(i)})
	}
	return NewBox(dims...), nil
}

// Params returns the parameter names appearing in the bounds.
func (b *Box) Params() []string { return b.params }

// Equal reports structural equality with another set.
func (b *Box) Equal(other Set) bool {
	otherBox, ok := other.(*Box)
	if !ok || len(b.dims) != len(otherBox.dims) {
		return false
	}
	for i, dim := range b.dims {
		otherDim := otherBox.dims[i]
		if dim.Name != otherDim.Name {
			return false
		}
		if !sym.Equal(dim.Lo, otherDim.Lo) || !sym.Equal(dim.Hi, otherDim.Hi) {
			return false
		}
	}
	return true
}

// String representation of the box, one constraint per dimension.
func (b *Box) String() string {
	var s strings.Builder
	if len(b.params) > 0 {
		s.WriteString("[")
		s.WriteString(strings.Join(b.params, ", "))
		s.WriteString("] -> ")
	}
	s.WriteString("{ [")
	stringseq.Append(&s, func(yield func(string) bool) {
		for _, dim := range b.dims {
			if !yield(dim.Name) {
				return
			}
		}
	}, ", ")
	s.WriteString("] : ")
	stringseq.Append(&s, func(yield func(string) bool) {
		for _, dim := range b.dims {
			if !yield(fmt.Sprintf("%s <= %s <= %s", dim.Lo, dim.Name, dim.Hi)) {
				return
			}
		}
	}, " and ")
	s.WriteString(" }")
	return s.String()
}
