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

package aff

import (
	"github.com/loopix-org/loopix/base/ordered"
	"github.com/loopix-org/loopix/sym"
)

// Simplifier canonicalises quasi-affine expressions. Inlining runs all
// of its index arithmetic through a Simplifier so that rewritten
// subscripts stay compact.
type Simplifier interface {
	// Simplify returns a canonical form of a quasi-affine expression.
	// Non-affine subtrees are preserved untouched.
	Simplify(expr sym.Expr) sym.Expr
}

type simplifier struct{}

// NewSimplifier returns the default quasi-affine simplifier.
func NewSimplifier() Simplifier {
	return simplifier{}
}

func (simplifier) Simplify(expr sym.Expr) sym.Expr {
	return Simplify(expr)
}

// linform is a linear combination of atoms plus a constant. An atom is
// a variable, a floor division, a modulo, or an opaque non-affine
// subtree, keyed by its canonical string.
type linform struct {
	coefs *ordered.Map[string, int64]
	atoms map[string]sym.Expr
	c     int64
}

func newLinform() *linform {
	return &linform{
		coefs: ordered.NewMap[string, int64](),
		atoms: make(map[string]sym.Expr),
	}
}

func constant(value int64) *linform {
	lin := newLinform()
	lin.c = value
	return lin
}

func (lin *linform) addAtom(atom sym.Expr, coef int64) {
	key := atom.String()
	prev, _ := lin.coefs.Load(key)
	lin.coefs.Store(key, prev+coef)
	lin.atoms[key] = atom
}

func (lin *linform) add(other *linform, scale int64) {
	for key, coef := range other.coefs.Iter() {
		lin.addAtom(other.atoms[key], coef*scale)
	}
	lin.c += other.c * scale
}

func (lin *linform) isConstant() bool {
	for _, coef := range lin.coefs.Iter() {
		if coef != 0 {
			return false
		}
	}
	return true
}

// coefsDivisibleBy returns true if every coefficient is a multiple of
// d. All atoms are integer-valued, so d*K + c divided by d splits into
// K plus the floor division of the constant alone.
func (lin *linform) coefsDivisibleBy(d int64) bool {
	for _, coef := range lin.coefs.Iter() {
		if coef%d != 0 {
			return false
		}
	}
	return true
}

func (lin *linform) scaleDown(d int64) *linform {
	out := newLinform()
	for key, coef := range lin.coefs.Iter() {
		if coef == 0 {
			continue
		}
		out.addAtom(lin.atoms[key], coef/d)
	}
	out.c = lin.c / d
	return out
}

func linearize(expr sym.Expr) *linform {
	switch exprT := expr.(type) {
	case *sym.Int:
		return constant(exprT.Value)
	case *sym.Var:
		lin := newLinform()
		lin.addAtom(exprT, 1)
		return lin
	case *sym.Binary:
		return linearizeBinary(exprT)
	}
	lin := newLinform()
	lin.addAtom(expr, 1)
	return lin
}

func linearizeBinary(expr *sym.Binary) *linform {
	x := linearize(expr.X)
	y := linearize(expr.Y)
	switch expr.Op {
	case sym.Add:
		x.add(y, 1)
		return x
	case sym.Sub:
		x.add(y, -1)
		return x
	case sym.Mul:
		if y.isConstant() {
			out := newLinform()
			out.add(x, y.c)
			return out
		}
		if x.isConstant() {
			out := newLinform()
			out.add(y, x.c)
			return out
		}
	case sym.FloorDiv:
		if y.isConstant() && y.c > 0 {
			return linearizeFloorDiv(x, y.c)
		}
	case sym.Mod:
		if y.isConstant() && y.c > 0 {
			return linearizeMod(x, y.c)
		}
	}
	lin := newLinform()
	lin.addAtom(&sym.Binary{Op: expr.Op, X: x.build(), Y: y.build()}, 1)
	return lin
}

func linearizeFloorDiv(x *linform, d int64) *linform {
	if x.isConstant() {
		return constant(floorDiv(x.c, d))
	}
	if x.coefsDivisibleBy(d) {
		out := x.scaleDown(d)
		out.c = floorDiv(x.c, d)
		return out
	}
	lin := newLinform()
	lin.addAtom(&sym.Binary{Op: sym.FloorDiv, X: x.build(), Y: &sym.Int{Value: d}}, 1)
	return lin
}

func linearizeMod(x *linform, d int64) *linform {
	if x.isConstant() {
		return constant(floorMod(x.c, d))
	}
	if x.coefsDivisibleBy(d) {
		return constant(floorMod(x.c, d))
	}
	lin := newLinform()
	lin.addAtom(&sym.Binary{Op: sym.Mod, X: x.build(), Y: &sym.Int{Value: d}}, 1)
	return lin
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	return a - b*floorDiv(a, b)
}

// foldMod rewrites r*u + (-r*d)*(u // d) into r*(u % d). The
// replacement only fires when the terms of u are present with exactly
// the matching coefficients, so the rewrite never grows the form.
func (lin *linform) foldMod() {
	for key, coef := range lin.coefs.Iter() {
		if coef == 0 {
			continue
		}
		div, ok := lin.atoms[key].(*sym.Binary)
		if !ok || div.Op != sym.FloorDiv {
			continue
		}
		d, ok := div.Y.(*sym.Int)
		if !ok || d.Value <= 0 || coef%d.Value != 0 {
			continue
		}
		r := -coef / d.Value
		if r == 0 {
			continue
		}
		u := linearize(div.X)
		if u.c != 0 {
			continue
		}
		matches := true
		for uKey, uCoef := range u.coefs.Iter() {
			have, _ := lin.coefs.Load(uKey)
			if have != r*uCoef {
				matches = false
				break
			}
		}
		if !matches {
			continue
		}
		for uKey := range u.coefs.Iter() {
			lin.coefs.Store(uKey, 0)
		}
		lin.coefs.Store(key, 0)
		lin.addAtom(&sym.Binary{Op: sym.Mod, X: div.X, Y: div.Y}, r)
	}
}

// build renders the linear form back into an expression.
func (lin *linform) build() sym.Expr {
	var out sym.Expr
	for key, coef := range lin.coefs.Iter() {
		if coef == 0 {
			continue
		}
		atom := lin.atoms[key]
		var term sym.Expr
		neg := false
		switch coef {
		case 1:
			term = atom
		case -1:
			term, neg = atom, true
		default:
			scale := coef
			if scale < 0 {
				scale, neg = -scale, true
			}
			term = &sym.Binary{Op: sym.Mul, X: &sym.Int{Value: scale}, Y: atom}
		}
		out = append2(out, term, neg)
	}
	if out == nil {
		return &sym.Int{Value: lin.c}
	}
	if lin.c != 0 {
		out = append2(out, &sym.Int{Value: abs64(lin.c)}, lin.c < 0)
	}
	return out
}

func append2(sum, term sym.Expr, neg bool) sym.Expr {
	if sum == nil {
		if neg {
			return &sym.Binary{Op: sym.Sub, X: &sym.Int{Value: 0}, Y: term}
		}
		return term
	}
	op := sym.Add
	if neg {
		op = sym.Sub
	}
	return &sym.Binary{Op: op, X: sum, Y: term}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Simplify returns a canonical quasi-affine form of the expression:
// constants folded, like terms collected, exact divisions reduced, and
// u - d*(u // d) recognised as u % d.
func Simplify(expr sym.Expr) sym.Expr {
	lin := linearize(expr)
	lin.foldMod()
	return lin.build()
}

// ConstValue evaluates a quasi-affine expression to a constant.
func ConstValue(expr sym.Expr) (int64, bool) {
	lin := linearize(expr)
	if !lin.isConstant() {
		return 0, false
	}
	return lin.c, true
}
