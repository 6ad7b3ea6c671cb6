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

package transform

import (
	"cmp"
	"slices"

	"github.com/pkg/errors"

	"github.com/loopix-org/loopix/aff"
	"github.com/loopix-org/loopix/kernel"
	"github.com/loopix-org/loopix/sym"
)

// MatchArgDimensions reshapes a nested kernel's array arguments to the
// ranks the caller passes at its call sites, rewriting the nested
// kernel's subscripts through flatten/unflatten arithmetic against its
// own stated shapes. No renaming or splicing happens; the scoped
// callable is replaced in place.
//
// This is a legacy compatibility pass kept for callers that only need
// rank adjusted. It is best-effort and not correct for every
// stride/shape combination.
func MatchArgDimensions(k *kernel.Kernel, name string) (*kernel.Kernel, error) {
	callable, ok := k.Callables.Load(name)
	if !ok {
		return nil, &kernel.UnresolvedCallableError{Name: name}
	}
	ck, ok := callable.(*kernel.CallableKernel)
	if !ok {
		return nil, errors.Errorf("callable %s is not a nested kernel", name)
	}
	callInsn, call := findCall(k, name)
	if callInsn == nil {
		return nil, errors.Errorf("kernel %s has no call to %s", k.Name, name)
	}

	// Desired per-argument shapes, from the extents swept by the
	// caller's actuals.
	desired := map[string][]int64{}
	record := func(arg kernel.Arg, actual sym.Expr) error {
		if _, ok := arg.(*kernel.ArrayArg); !ok {
			return nil
		}
		ref, ok := actual.(*sym.SubArrayRef)
		if !ok {
			return errors.Errorf("array argument %s of %s needs a sub-array reference at call site %s", arg.Name(), ck.Kernel.Name, callInsn.ID)
		}
		shape := make([]int64, len(ref.Sweep))
		for i, sweep := range ref.Sweep {
			length, err := k.ConstantInameLength(sweep.Name)
			if err != nil {
				return err
			}
			shape[i] = length
		}
		desired[arg.Name()] = shape
		return nil
	}
	inputs, outputs := ck.InputArgs(), ck.OutputArgs()
	if len(call.Params) != len(inputs) || len(callInsn.Assignees) != len(outputs) {
		return nil, &kernel.ArityMismatchError{
			Callee: ck.Kernel.Name, InsnID: callInsn.ID, Kind: "parameter",
			Got: len(call.Params), Want: len(inputs),
		}
	}
	for i, arg := range inputs {
		if err := record(arg, call.Params[i]); err != nil {
			return nil, err
		}
	}
	for i, arg := range outputs {
		if err := record(arg, callInsn.Assignees[i]); err != nil {
			return nil, err
		}
	}

	reshaped, err := reshapeKernel(ck.Kernel, desired)
	if err != nil {
		return nil, err
	}
	cp := k.MapExpressions(func(e sym.Expr) sym.Expr { return e })
	cp.Callables.Store(name, ck.WithKernel(reshaped))
	return cp, nil
}

func findCall(k *kernel.Kernel, name string) (*kernel.Instruction, *sym.Call) {
	for _, insn := range k.Instructions {
		if call, ok := insn.CallExpr(); ok && call.Func.Name == name {
			return insn, call
		}
	}
	return nil, nil
}

// reshapeKernel rewrites the kernel's array arguments to the desired
// shapes and remaps every subscript of a reshaped argument: flatten
// against the old dimension tags, unflatten against the new row-major
// strides, largest first.
func reshapeKernel(k *kernel.Kernel, desired map[string][]int64) (*kernel.Kernel, error) {
	oldTags := map[string][]kernel.DimTag{}
	newTags := map[string][]kernel.DimTag{}
	cp := k.MapExpressions(func(e sym.Expr) sym.Expr { return e })
	for i, arg := range cp.Args {
		shape, ok := desired[arg.Name()]
		if !ok {
			continue
		}
		arrayArg, ok := arg.(*kernel.ArrayArg)
		if !ok {
			continue
		}
		if _, ok := arrayArg.ConstShape(); !ok {
			return nil, &kernel.NonConstantShapeError{Arg: arg.Name(), Kernel: k.Name}
		}
		oldTags[arg.Name()] = arrayArg.DimTags()
		newShape := make([]sym.Expr, len(shape))
		for j, dim := range shape {
			newShape[j] = &sym.Int{Value: dim}
		}
		argCp := *arrayArg
		argCp.Shape = newShape
		argCp.Tags = kernel.ContiguousDimTags(newShape)
		newTags[arg.Name()] = argCp.Tags
		cp.Args[i] = &argCp
	}

	var rewriteErr error
	result := cp.MapExpressions(func(expr sym.Expr) sym.Expr {
		return sym.Rewrite(expr, func(node sym.Expr) sym.Expr {
			sub, ok := node.(*sym.Subscript)
			if !ok {
				return node
			}
			old, ok := oldTags[sub.Agg.Name]
			if !ok || len(sub.Index) != len(old) {
				return node
			}
			remapped, err := reindex(sub, old, newTags[sub.Agg.Name])
			if err != nil {
				if rewriteErr == nil {
					rewriteErr = err
				}
				return node
			}
			return remapped
		})
	})
	if rewriteErr != nil {
		return nil, rewriteErr
	}
	return result, nil
}

func reindex(sub *sym.Subscript, oldTags, newTags []kernel.DimTag) (sym.Expr, error) {
	var flat sym.Expr = &sym.Int{Value: 0}
	for i, idx := range sub.Index {
		flat = &sym.Binary{
			Op: sym.Add,
			X:  flat,
			Y:  &sym.Binary{Op: sym.Mul, X: idx, Y: oldTags[i].Stride},
		}
	}
	strides := make([]int64, len(newTags))
	for i, tag := range newTags {
		stride, ok := aff.ConstValue(aff.Simplify(tag.Stride))
		if !ok {
			return nil, errors.Errorf("stride %s of %s is not constant", tag.Stride, sub.Agg.Name)
		}
		strides[i] = stride
	}
	order := make([]int, len(strides))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(strides[b], strides[a])
	})
	index := make([]sym.Expr, len(newTags))
	remaining := flat
	for _, dim := range order {
		stride := &sym.Int{Value: strides[dim]}
		index[dim] = aff.Simplify(&sym.Binary{Op: sym.FloorDiv, X: remaining, Y: stride})
		remaining = &sym.Binary{Op: sym.Mod, X: remaining, Y: stride}
	}
	return &sym.Subscript{Agg: sub.Agg, Index: index}, nil
}
