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

// Package transform provides call-resolution transforms over kernels:
// registering function lookups and nested kernels, inlining nested
// kernels, and a legacy dimension-alignment pass.
//
// Every transform is copy-on-write: the input kernel is never mutated.
package transform

import (
	"github.com/loopix-org/loopix/kernel"
	"github.com/loopix-org/loopix/sym"
)

// RegisterFunctionLookup returns a kernel with the lookup registered.
// Lookups registered later take precedence. The kernel's unresolved
// calls that the lookup recognises are scoped immediately.
func RegisterFunctionLookup(k *kernel.Kernel, lookup kernel.LookupFn) *kernel.Kernel {
	cp := k.WithLookup(lookup)
	return cp.ResolveCallables(func(call *sym.Call) (kernel.Callable, bool) {
		return cp.LookupCallable(call.Func.Name)
	})
}

// RegisterCallableKernel makes the callee kernel callable from the
// caller under the given source-level name: every call to that name is
// resolved to a scoped callable wrapping the callee.
//
// Call sites are arity-checked against the callee's declared input and
// output arguments before any resolution happens.
func RegisterCallableKernel(caller *kernel.Kernel, name string, callee *kernel.Kernel, infer kernel.TypeInferencer) (*kernel.Kernel, error) {
	callable := kernel.NewCallableKernel(callee, infer)
	numIn := len(callable.InputArgs())
	numOut := len(callable.OutputArgs())
	for _, insn := range caller.Instructions {
		call, ok := insn.CallExpr()
		if !ok || call.Func.Name != name || call.Func.Resolved {
			continue
		}
		if len(call.Params) != numIn {
			return nil, &kernel.ArityMismatchError{
				Callee: callee.Name, InsnID: insn.ID, Kind: "parameter",
				Got: len(call.Params), Want: numIn,
			}
		}
		if len(insn.Assignees) != numOut {
			return nil, &kernel.ArityMismatchError{
				Callee: callee.Name, InsnID: insn.ID, Kind: "assignee",
				Got: len(insn.Assignees), Want: numOut,
			}
		}
	}
	return caller.ResolveCallables(func(call *sym.Call) (kernel.Callable, bool) {
		if call.Func.Name != name {
			return nil, false
		}
		return callable, true
	}), nil
}

// ScopeFunctions resolves every call the kernel's registered lookups
// recognise, interning the callables under unique scoped names.
func ScopeFunctions(k *kernel.Kernel) *kernel.Kernel {
	return k.ResolveCallables(func(call *sym.Call) (kernel.Callable, bool) {
		return k.LookupCallable(call.Func.Name)
	})
}

// UnresolvedCallNames returns the source-level names of calls not yet
// bound to a scoped callable, in first-appearance order.
func UnresolvedCallNames(k *kernel.Kernel) []string {
	var names []string
	seen := map[string]bool{}
	for _, insn := range k.Instructions {
		if insn.Expression == nil {
			continue
		}
		sym.WalkCalls(insn.Expression, func(call *sym.Call) bool {
			if !call.Func.Resolved && !seen[call.Func.Name] {
				seen[call.Func.Name] = true
				names = append(names, call.Func.Name)
			}
			return true
		})
	}
	return names
}
