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
	"github.com/loopix-org/loopix/base/ordered"
	"github.com/loopix-org/loopix/base/uname"
	"github.com/loopix-org/loopix/sym"
)

// Resolver interns callables under unique scoped names. Two call
// sites resolving to equal callables (by value, not identity) share a
// name; two call sites to the same source name that specialize
// differently get distinct names, since downstream code generation is
// keyed by name.
type Resolver struct {
	kernel *Kernel
	table  *ordered.Map[string, Callable]
}

// NewResolver returns a resolver over the kernel's scoped-callable
// table. The table is copied; the kernel is not mutated.
func (k *Kernel) NewResolver() *Resolver {
	return &Resolver{kernel: k, table: k.Callables.Clone()}
}

// Intern returns the scoped name for the callable, assigning a fresh
// one the first time an equal callable is seen. Fresh names append a
// numeric suffix to the call's source-level name, starting at _0 and
// incrementing until unused.
func (r *Resolver) Intern(sourceName string, callable Callable) string {
	for name, existing := range r.table.Iter() {
		if existing.Equal(callable) {
			return name
		}
	}
	candidate := uname.NextIndexed(sourceName)
	for r.table.Has(candidate) || r.taken(candidate) {
		candidate = uname.NextIndexed(candidate)
	}
	if ck, ok := callable.(*CallableKernel); ok {
		callable = ck.WithTargetName(candidate)
	}
	r.table.Store(candidate, callable)
	return candidate
}

// taken reports whether a candidate collides with the kernel's flat
// namespace.
func (r *Resolver) taken(candidate string) bool {
	for _, name := range r.kernel.AllVariableNames() {
		if name == candidate {
			return true
		}
	}
	return false
}

// ReExport interns a callable that already carries a scoped name,
// keeping that name when it is free or bound to an equal callable.
// When the name is claimed by a different callable, the callable is
// re-interned and the returned name is the one calls must be rewritten
// to.
func (r *Resolver) ReExport(name string, callable Callable) string {
	if existing, ok := r.table.Load(name); ok {
		if existing.Equal(callable) {
			return name
		}
		return r.Intern(name, callable)
	}
	for scoped, existing := range r.table.Iter() {
		if existing.Equal(callable) {
			return scoped
		}
	}
	if r.taken(name) {
		return r.Intern(name, callable)
	}
	r.table.Store(name, callable)
	return name
}

// Lookup returns the callable interned under a scoped name.
func (r *Resolver) Lookup(name string) (Callable, bool) {
	return r.table.Load(name)
}

// Callables returns the resolver's scoped-callable table.
func (r *Resolver) Callables() *ordered.Map[string, Callable] {
	return r.table
}

// ResolveCallables rewrites every call expression in the kernel whose
// resolve function recognises it: the callable is interned and the
// call's function reference is pointed at the scoped name, marked
// resolved. Calls hidden behind substitution-rule invocations are
// reached by expanding the rules first, so each use site remains
// individually specializable.
//
// resolve maps one call expression to its callable; calls it does not
// recognise are left untouched. Two call sites to the same source name
// may resolve to distinct callables and end up under distinct scoped
// names.
func (k *Kernel) ResolveCallables(resolve func(call *sym.Call) (Callable, bool)) *Kernel {
	resolver := k.NewResolver()
	rewrite := func(expr sym.Expr) sym.Expr {
		expr = k.ExpandSubstitutions(expr)
		return sym.Rewrite(expr, func(node sym.Expr) sym.Expr {
			call, ok := node.(*sym.Call)
			if !ok || call.Func.Resolved {
				return node
			}
			callable, ok := resolve(call)
			if !ok {
				return node
			}
			scoped := resolver.Intern(call.Func.Name, callable)
			return &sym.Call{
				Func:   &sym.FuncRef{Name: scoped, Resolved: true},
				Params: call.Params,
			}
		})
	}
	cp := k.MapExpressions(rewrite)
	cp.Callables = resolver.table
	return cp
}

// LookupCallable runs the registered function lookups, most recent
// first, for a source-level name.
func (k *Kernel) LookupCallable(name string) (Callable, bool) {
	for i := len(k.Lookups) - 1; i >= 0; i-- {
		if callable, ok := k.Lookups[i](k.Target, name); ok {
			return callable, true
		}
	}
	return nil, false
}
