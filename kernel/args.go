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
	"strings"

	"github.com/loopix-org/loopix/aff"
	"github.com/loopix-org/loopix/base/stringseq"
	"github.com/loopix-org/loopix/dtype"
	"github.com/loopix-org/loopix/sym"
)

// Direction of a kernel argument.
type Direction int

// Argument directions.
const (
	In Direction = iota
	Out
)

// String representation of the direction.
func (d Direction) String() string {
	if d == Out {
		return "out"
	}
	return "in"
}

// MemScope is the storage scope of an array.
type MemScope int

// Storage scopes.
const (
	// Global memory, visible to the host.
	Global MemScope = iota
	// Private storage, one copy per work item.
	Private
	// Workgroup storage, shared within a workgroup.
	Workgroup
)

// String representation of the scope.
func (s MemScope) String() string {
	switch s {
	case Private:
		return "private"
	case Workgroup:
		return "workgroup"
	}
	return "global"
}

// DimTag describes the memory layout of one array dimension: its
// stride in elements and its length.
type DimTag struct {
	Stride sym.Expr
	Length sym.Expr
}

// String representation of the dim tag.
func (t DimTag) String() string {
	return fmt.Sprintf("stride:%s", t.Stride)
}

// ----------------------------------------------------------------------------
// Arguments.
type (
	// Arg is a kernel argument.
	Arg interface {
		// arg marks a structure as an argument.
		arg()

		// Name of the argument.
		Name() string

		// Dtype of the argument elements. Invalid until typed.
		Dtype() dtype.DataType

		// Direction of the argument.
		Direction() Direction

		// WithDtype returns a copy of the argument with the data type set.
		WithDtype(dtype.DataType) Arg

		// String representation of the argument.
		String() string
	}

	// ScalarArg is a scalar argument passed by value.
	ScalarArg struct {
		AName string
		DType dtype.DataType
		Dir   Direction
	}

	// ArrayArg is an array argument with a shape and a memory layout.
	ArrayArg struct {
		AName string
		DType dtype.DataType
		Shape []sym.Expr
		Tags  []DimTag
		Scope MemScope
		Dir   Direction
	}
)

var (
	_ Arg = (*ScalarArg)(nil)
	_ Arg = (*ArrayArg)(nil)
)

func (*ScalarArg) arg() {}
func (*ArrayArg) arg()  {}

// Name of the argument.
func (a *ScalarArg) Name() string { return a.AName }

// Dtype of the argument.
func (a *ScalarArg) Dtype() dtype.DataType { return a.DType }

// Direction of the argument.
func (a *ScalarArg) Direction() Direction { return a.Dir }

// WithDtype returns a copy with the data type set.
func (a *ScalarArg) WithDtype(d dtype.DataType) Arg {
	cp := *a
	cp.DType = d
	return &cp
}

// String representation of the argument.
func (a *ScalarArg) String() string {
	return fmt.Sprintf("%s: %s %s", a.AName, a.Dir, a.DType)
}

// Name of the argument.
func (a *ArrayArg) Name() string { return a.AName }

// Dtype of the argument elements.
func (a *ArrayArg) Dtype() dtype.DataType { return a.DType }

// Direction of the argument.
func (a *ArrayArg) Direction() Direction { return a.Dir }

// WithDtype returns a copy with the data type set.
func (a *ArrayArg) WithDtype(d dtype.DataType) Arg {
	cp := *a
	cp.DType = d
	return &cp
}

// DimTags returns the layout of the array. When no tags were declared,
// row-major contiguous strides are derived from the shape.
func (a *ArrayArg) DimTags() []DimTag {
	if a.Tags != nil {
		return a.Tags
	}
	return ContiguousDimTags(a.Shape)
}

// ConstShape returns the shape as constants. The second return value
// is false if any dimension is symbolic.
func (a *ArrayArg) ConstShape() ([]int64, bool) {
	shape := make([]int64, len(a.Shape))
	for i, dim := range a.Shape {
		value, ok := aff.ConstValue(dim)
		if !ok {
			return nil, false
		}
		shape[i] = value
	}
	return shape, true
}

// String representation of the argument.
func (a *ArrayArg) String() string {
	var s strings.Builder
	fmt.Fprintf(&s, "%s: %s %s[", a.AName, a.Dir, a.DType)
	stringseq.AppendStringer(&s, exprSeq(a.Shape), ", ")
	s.WriteString("]")
	return s.String()
}

func exprSeq(exprs []sym.Expr) func(func(sym.Expr) bool) {
	return func(yield func(sym.Expr) bool) {
		for _, e := range exprs {
			if !yield(e) {
				return
			}
		}
	}
}

// ContiguousDimTags returns row-major contiguous dim tags for a shape:
// the last dimension has stride one.
func ContiguousDimTags(shape []sym.Expr) []DimTag {
	tags := make([]DimTag, len(shape))
	var stride sym.Expr = &sym.Int{Value: 1}
	for i := len(shape) - 1; i >= 0; i-- {
		tags[i] = DimTag{Stride: aff.Simplify(stride), Length: shape[i]}
		stride = &sym.Binary{Op: sym.Mul, X: stride, Y: shape[i]}
	}
	return tags
}

// TemporaryVariable is kernel-private storage: not visible to the
// caller, scoped either per work item or per workgroup.
type TemporaryVariable struct {
	Name  string
	DType dtype.DataType
	Shape []sym.Expr
	Scope MemScope
}

// NBytes returns the storage size of the temporary in bytes. It is an
// error for the shape to be symbolic or the data type unsized.
func (tv *TemporaryVariable) NBytes() (int64, error) {
	size, err := tv.DType.Size()
	if err != nil {
		return 0, err
	}
	for _, dim := range tv.Shape {
		value, ok := aff.ConstValue(dim)
		if !ok {
			return 0, &NonConstantShapeError{Arg: tv.Name}
		}
		size *= value
	}
	return size, nil
}

// String representation of the temporary.
func (tv *TemporaryVariable) String() string {
	var s strings.Builder
	fmt.Fprintf(&s, "%s: %s %s[", tv.Name, tv.Scope, tv.DType)
	stringseq.AppendStringer(&s, exprSeq(tv.Shape), ", ")
	s.WriteString("]")
	return s.String()
}

// SubstitutionRule is a named macro: a formal argument list and a body
// expression, expanded wherever the rule name is called.
type SubstitutionRule struct {
	Name      string
	Arguments []string
	Body      sym.Expr
}

// String representation of the rule.
func (sr *SubstitutionRule) String() string {
	return fmt.Sprintf("%s(%s) := %s", sr.Name, strings.Join(sr.Arguments, ", "), sr.Body)
}
