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

package sym

import (
	"slices"

	"github.com/loopix-org/loopix/base/ordered"
)

func vars(done *ordered.Map[string, bool], bound map[string]bool, expr Expr) {
	switch exprT := expr.(type) {
	case *Var:
		if exprT == nil {
			return
		}
		if !bound[exprT.Name] {
			done.Store(exprT.Name, true)
		}
	case *Binary:
		vars(done, bound, exprT.X)
		vars(done, bound, exprT.Y)
	case *Call:
		for _, param := range exprT.Params {
			vars(done, bound, param)
		}
	case *Subscript:
		vars(done, bound, exprT.Agg)
		for _, index := range exprT.Index {
			vars(done, bound, index)
		}
	case *Reduction:
		inner := withBound(bound, exprT.Inames)
		vars(done, inner, exprT.Body)
	case *SubArrayRef:
		names := make([]string, len(exprT.Sweep))
		for i, v := range exprT.Sweep {
			names[i] = v.Name
		}
		inner := withBound(bound, names)
		vars(done, inner, exprT.Sub)
	}
}

func withBound(bound map[string]bool, names []string) map[string]bool {
	inner := make(map[string]bool, len(bound)+len(names))
	for name := range bound {
		inner[name] = true
	}
	for _, name := range names {
		inner[name] = true
	}
	return inner
}

// Vars returns the free variables of an expression, in first-use order.
// Variables bound by a reduction or by a sub-array reference sweep are
// not free.
func Vars(expr Expr) []string {
	done := ordered.NewMap[string, bool]()
	vars(done, nil, expr)
	return slices.Collect(done.Keys())
}

// Substitute replaces free variables by expressions. A variable bound
// by a reduction or a sweep is renamed when the map sends its name to
// another variable, so that renaming transforms apply under binders.
func Substitute(expr Expr, subst map[string]Expr) Expr {
	if expr == nil {
		return nil
	}
	switch exprT := expr.(type) {
	case *Var:
		if to, ok := subst[exprT.Name]; ok {
			return to
		}
		return exprT
	case *Int, *Float, *FuncRef:
		return exprT
	case *Binary:
		return &Binary{
			Op: exprT.Op,
			X:  Substitute(exprT.X, subst),
			Y:  Substitute(exprT.Y, subst),
		}
	case *Call:
		params := make([]Expr, len(exprT.Params))
		for i, param := range exprT.Params {
			params[i] = Substitute(param, subst)
		}
		return &Call{Func: exprT.Func, Params: params}
	case *Subscript:
		return &Subscript{
			Agg:   substituteVar(exprT.Agg, subst),
			Index: substituteAll(exprT.Index, subst),
		}
	case *Reduction:
		inames := make([]string, len(exprT.Inames))
		for i, iname := range exprT.Inames {
			inames[i] = renamed(iname, subst)
		}
		return &Reduction{Op: exprT.Op, Inames: inames, Body: Substitute(exprT.Body, subst)}
	case *SubArrayRef:
		sweep := make([]*Var, len(exprT.Sweep))
		for i, v := range exprT.Sweep {
			sweep[i] = &Var{Name: renamed(v.Name, subst)}
		}
		return &SubArrayRef{
			Sweep: sweep,
			Sub:   Substitute(exprT.Sub, subst).(*Subscript),
		}
	}
	return expr
}

func substituteAll(exprs []Expr, subst map[string]Expr) []Expr {
	result := make([]Expr, len(exprs))
	for i, expr := range exprs {
		result[i] = Substitute(expr, subst)
	}
	return result
}

// substituteVar substitutes an aggregate variable. Only a substitution
// to another variable applies: an aggregate cannot be replaced by an
// arbitrary expression.
func substituteVar(v *Var, subst map[string]Expr) *Var {
	to, ok := subst[v.Name]
	if !ok {
		return v
	}
	if toVar, ok := to.(*Var); ok {
		return toVar
	}
	return v
}

func renamed(name string, subst map[string]Expr) string {
	if to, ok := subst[name]; ok {
		if toVar, ok := to.(*Var); ok {
			return toVar.Name
		}
	}
	return name
}

// Rewrite applies f to every node bottom-up: the children of a node
// are rewritten before f sees the node itself.
func Rewrite(expr Expr, f func(Expr) Expr) Expr {
	if expr == nil {
		return nil
	}
	switch exprT := expr.(type) {
	case *Binary:
		expr = &Binary{
			Op: exprT.Op,
			X:  Rewrite(exprT.X, f),
			Y:  Rewrite(exprT.Y, f),
		}
	case *Call:
		params := make([]Expr, len(exprT.Params))
		for i, param := range exprT.Params {
			params[i] = Rewrite(param, f)
		}
		expr = &Call{Func: exprT.Func, Params: params}
	case *Subscript:
		index := make([]Expr, len(exprT.Index))
		for i, idx := range exprT.Index {
			index[i] = Rewrite(idx, f)
		}
		expr = &Subscript{Agg: exprT.Agg, Index: index}
	case *Reduction:
		expr = &Reduction{
			Op:     exprT.Op,
			Inames: exprT.Inames,
			Body:   Rewrite(exprT.Body, f),
		}
	case *SubArrayRef:
		expr = &SubArrayRef{
			Sweep: exprT.Sweep,
			Sub:   Rewrite(exprT.Sub, f).(*Subscript),
		}
	}
	return f(expr)
}

// WalkCalls visits every call expression in the tree, outermost first.
// The walk stops when the visitor returns false.
func WalkCalls(expr Expr, visit func(*Call) bool) bool {
	switch exprT := expr.(type) {
	case *Call:
		if !visit(exprT) {
			return false
		}
		for _, param := range exprT.Params {
			if !WalkCalls(param, visit) {
				return false
			}
		}
	case *Binary:
		if !WalkCalls(exprT.X, visit) {
			return false
		}
		if !WalkCalls(exprT.Y, visit) {
			return false
		}
	case *Subscript:
		for _, index := range exprT.Index {
			if !WalkCalls(index, visit) {
				return false
			}
		}
	case *Reduction:
		if !WalkCalls(exprT.Body, visit) {
			return false
		}
	case *SubArrayRef:
		if !WalkCalls(exprT.Sub, visit) {
			return false
		}
	}
	return true
}

// RenameCalls points every call whose function name appears in renames
// at the new name, preserving the reference's resolved flag. Other
// nodes are left alone.
func RenameCalls(expr Expr, renames map[string]string) Expr {
	if len(renames) == 0 {
		return expr
	}
	return Rewrite(expr, func(node Expr) Expr {
		call, ok := node.(*Call)
		if !ok {
			return node
		}
		fresh, ok := renames[call.Func.Name]
		if !ok {
			return node
		}
		return &Call{
			Func:   &FuncRef{Name: fresh, Resolved: call.Func.Resolved},
			Params: call.Params,
		}
	})
}

// Equal reports structural equality of two expressions.
func Equal(a, b Expr) bool {
	if a == nil || b == nil {
		return a == b
	}
	switch aT := a.(type) {
	case *Var:
		bT, ok := b.(*Var)
		return ok && aT.Name == bT.Name
	case *Int:
		bT, ok := b.(*Int)
		return ok && aT.Value == bT.Value
	case *Float:
		bT, ok := b.(*Float)
		return ok && aT.Value == bT.Value
	case *FuncRef:
		bT, ok := b.(*FuncRef)
		return ok && aT.Name == bT.Name && aT.Resolved == bT.Resolved
	case *Binary:
		bT, ok := b.(*Binary)
		return ok && aT.Op == bT.Op && Equal(aT.X, bT.X) && Equal(aT.Y, bT.Y)
	case *Call:
		bT, ok := b.(*Call)
		return ok && Equal(aT.Func, bT.Func) && equalAll(aT.Params, bT.Params)
	case *Subscript:
		bT, ok := b.(*Subscript)
		return ok && Equal(aT.Agg, bT.Agg) && equalAll(aT.Index, bT.Index)
	case *Reduction:
		bT, ok := b.(*Reduction)
		return ok && aT.Op == bT.Op && slices.Equal(aT.Inames, bT.Inames) && Equal(aT.Body, bT.Body)
	case *SubArrayRef:
		bT, ok := b.(*SubArrayRef)
		if !ok || len(aT.Sweep) != len(bT.Sweep) {
			return false
		}
		for i := range aT.Sweep {
			if aT.Sweep[i].Name != bT.Sweep[i].Name {
				return false
			}
		}
		return Equal(aT.Sub, bT.Sub)
	}
	return false
}

func equalAll(a, b []Expr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
