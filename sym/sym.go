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

// Package sym is the symbolic expression tree consumed by the kernel
// data model: variables, subscripts, calls, and reduction constructs,
// together with free-variable extraction, substitution, and rewriting.
package sym

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/loopix-org/loopix/base/stringseq"
)

// ----------------------------------------------------------------------------
// Types of node in the tree.
type (
	// Expr is a node of a symbolic expression.
	Expr interface {
		// expr marks a structure as an expression node.
		// It prevents external implementations of the interface.
		expr()

		// String representation of the expression.
		String() string
	}
)

// Op is a binary operator.
type Op string

// Binary operators.
const (
	Add      Op = "+"
	Sub      Op = "-"
	Mul      Op = "*"
	Div      Op = "/"
	FloorDiv Op = "//"
	Mod      Op = "%"
)

type (
	// Var is a reference to a named variable.
	Var struct {
		Name string
	}

	// Int is an integer literal.
	Int struct {
		Value int64
	}

	// Float is a floating point literal.
	Float struct {
		Value float64
	}

	// Binary is a binary arithmetic expression.
	Binary struct {
		Op   Op
		X, Y Expr
	}

	// FuncRef references a function by name. Resolved is set once the
	// name is a scoped-function name assigned by the naming service,
	// as opposed to the source-level name the user wrote.
	FuncRef struct {
		Name     string
		Resolved bool
	}

	// Call is a call to a named function with positional parameters.
	Call struct {
		Func   *FuncRef
		Params []Expr
	}

	// Subscript is an array element access: aggregate[index...].
	Subscript struct {
		Agg   *Var
		Index []Expr
	}

	// Reduction reduces its body over the given inames with a named
	// operation. The inames are bound within the body.
	Reduction struct {
		Op     string
		Inames []string
		Body   Expr
	}

	// SubArrayRef denotes a slice of an array passed as an actual
	// argument to a nested-kernel call. The sweep variables are bound:
	// they range over the slice, and the subscript evaluated with the
	// sweep variables at zero locates the slice's origin.
	SubArrayRef struct {
		Sweep []*Var
		Sub   *Subscript
	}
)

var (
	_ Expr = (*Var)(nil)
	_ Expr = (*Int)(nil)
	_ Expr = (*Float)(nil)
	_ Expr = (*Binary)(nil)
	_ Expr = (*FuncRef)(nil)
	_ Expr = (*Call)(nil)
	_ Expr = (*Subscript)(nil)
	_ Expr = (*Reduction)(nil)
	_ Expr = (*SubArrayRef)(nil)
)

func (*Var) expr()         {}
func (*Int) expr()         {}
func (*Float) expr()       {}
func (*Binary) expr()      {}
func (*FuncRef) expr()     {}
func (*Call) expr()        {}
func (*Subscript) expr()   {}
func (*Reduction) expr()   {}
func (*SubArrayRef) expr() {}

// String representation of the variable.
func (v *Var) String() string { return v.Name }

// String representation of the literal.
func (l *Int) String() string { return strconv.FormatInt(l.Value, 10) }

// String representation of the literal.
func (l *Float) String() string { return strconv.FormatFloat(l.Value, 'g', -1, 64) }

// String representation of the expression.
func (b *Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", b.X, b.Op, b.Y)
}

// String representation of the function reference.
func (f *FuncRef) String() string { return f.Name }

// String representation of the call.
func (c *Call) String() string {
	var b strings.Builder
	b.WriteString(c.Func.String())
	b.WriteString("(")
	stringseq.AppendStringer(&b, exprSeq(c.Params), ", ")
	b.WriteString(")")
	return b.String()
}

// String representation of the subscript.
func (s *Subscript) String() string {
	var b strings.Builder
	b.WriteString(s.Agg.String())
	b.WriteString("[")
	stringseq.AppendStringer(&b, exprSeq(s.Index), ", ")
	b.WriteString("]")
	return b.String()
}

// String representation of the reduction.
func (r *Reduction) String() string {
	return fmt.Sprintf("reduce(%s, [%s], %s)", r.Op, strings.Join(r.Inames, ", "), r.Body)
}

// String representation of the sub-array reference.
func (s *SubArrayRef) String() string {
	var b strings.Builder
	b.WriteString("[")
	stringseq.AppendStringer(&b, exprSeq(asExprs(s.Sweep)), ", ")
	b.WriteString("]: ")
	b.WriteString(s.Sub.String())
	return b.String()
}

func exprSeq(exprs []Expr) func(func(Expr) bool) {
	return func(yield func(Expr) bool) {
		for _, e := range exprs {
			if !yield(e) {
				return
			}
		}
	}
}

func asExprs(vars []*Var) []Expr {
	exprs := make([]Expr, len(vars))
	for i, v := range vars {
		exprs[i] = v
	}
	return exprs
}

// BeginSubscript returns the subscript locating the origin of the
// slice: the sub-array subscript with every sweep variable set to zero.
func (s *SubArrayRef) BeginSubscript() *Subscript {
	zeros := make(map[string]Expr, len(s.Sweep))
	for _, v := range s.Sweep {
		zeros[v.Name] = &Int{Value: 0}
	}
	return Substitute(s.Sub, zeros).(*Subscript)
}
