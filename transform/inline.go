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

// InlineCallableKernel splices the nested kernel scoped under the
// given name into every call site, removing the call instructions.
//
// Each splice renames the nested kernel's inames, temporaries and
// instruction ids with a callee-derived prefix, extends the caller's
// iteration domain with the renamed dimensions, binds nested-kernel
// arguments to the caller's actuals positionally, and remaps every
// subscript of a bound array through stride arithmetic so that caller
// and callee may disagree on rank and layout for the same region. Two
// synthetic no-op markers bracket each spliced body so external
// dependencies are preserved: the end marker takes over the call's id.
func InlineCallableKernel(k *kernel.Kernel, name string) (*kernel.Kernel, error) {
	callable, ok := k.Callables.Load(name)
	if !ok {
		return nil, &kernel.UnresolvedCallableError{Name: name}
	}
	callee, ok := callable.(*kernel.CallableKernel)
	if !ok {
		return nil, errors.Errorf("callable %s is not a nested kernel", name)
	}
	callerInames, err := k.AllInsnInames()
	if err != nil {
		return nil, err
	}

	inliner := &inliner{
		caller:    k,
		callee:    callee,
		result:    k.MapExpressions(func(e sym.Expr) sym.Expr { return e }),
		usedNames: append(k.AllVariableNames(), name),
	}
	for _, insn := range k.Instructions {
		inliner.usedIDs = append(inliner.usedIDs, insn.ID)
	}

	// Merge the callee's own scoped-callable table into the caller's
	// before splicing. A scoped name claimed by a different callable on
	// the caller side is re-interned under a fresh name, and the
	// spliced call expressions are renamed to match so each call keeps
	// invoking the specialization it was bound to.
	inliner.result.Callables.Delete(name)
	resolver := inliner.result.NewResolver()
	inliner.scopeRenames = map[string]string{}
	for scoped, c := range callee.Kernel.Callables.Iter() {
		assigned := resolver.ReExport(scoped, c)
		if assigned != scoped {
			inliner.scopeRenames[scoped] = assigned
		}
		inliner.usedNames = append(inliner.usedNames, assigned)
	}
	inliner.result.Callables = resolver.Callables()

	var instructions []*kernel.Instruction
	inlined := false
	for _, insn := range k.Instructions {
		call, ok := insn.CallExpr()
		if !ok || call.Func.Name != name {
			instructions = append(instructions, insn)
			continue
		}
		spliced, err := inliner.splice(insn, call, callerInames[insn.ID])
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, spliced...)
		inlined = true
	}
	if !inlined {
		return nil, errors.Errorf("kernel %s has no call to %s", k.Name, name)
	}
	result := inliner.result
	result.Instructions = instructions
	return result, nil
}

// inliner carries the state shared across the splices of one inlining
// run: the kernel being built and the names and ids already claimed.
type inliner struct {
	caller    *kernel.Kernel
	callee    *kernel.CallableKernel
	result    *kernel.Kernel
	usedNames []string
	usedIDs   []string
	// scopeRenames maps callee-scoped callable names that collided on
	// the caller side to the names they were re-interned under.
	scopeRenames map[string]string
}

func (in *inliner) freshName(basedOn string) string {
	name := in.caller.UniqueVarName(basedOn, in.usedNames...)
	in.usedNames = append(in.usedNames, name)
	return name
}

func (in *inliner) freshID(basedOn string) string {
	id := in.caller.UniqueInstructionID(basedOn, in.usedIDs...)
	in.usedIDs = append(in.usedIDs, id)
	return id
}

// arrayBinding ties a nested-kernel array argument to the caller-side
// slice it is bound to.
type arrayBinding struct {
	arg *kernel.ArrayArg
	ref *sym.SubArrayRef
}

// splice expands one call instruction into the renamed nested-kernel
// body bracketed by start and end markers.
func (in *inliner) splice(callInsn *kernel.Instruction, call *sym.Call, callInames []string) ([]*kernel.Instruction, error) {
	callee := in.callee.Kernel
	prefix := calleePrefix(callee.Name)

	inputs, outputs := in.callee.InputArgs(), in.callee.OutputArgs()
	if len(call.Params) != len(inputs) {
		return nil, &kernel.ArityMismatchError{
			Callee: callee.Name, InsnID: callInsn.ID, Kind: "parameter",
			Got: len(call.Params), Want: len(inputs),
		}
	}
	if len(callInsn.Assignees) != len(outputs) {
		return nil, &kernel.ArityMismatchError{
			Callee: callee.Name, InsnID: callInsn.ID, Kind: "assignee",
			Got: len(callInsn.Assignees), Want: len(outputs),
		}
	}

	// Fresh names for every callee iname and temporary; the renaming
	// is applied before argument binding so caller-side expressions
	// are never rewritten.
	renames := map[string]sym.Expr{}
	renamedDomain := callee.Domain
	for i := range callee.Domain.Dims() {
		iname := callee.Domain.DimName(i)
		fresh := in.freshName(prefix + iname)
		renames[iname] = &sym.Var{Name: fresh}
		renamedDomain = renamedDomain.WithDimName(i, fresh)
		for _, tag := range callee.InameTags[iname] {
			in.result.InameTags[fresh] = append(in.result.InameTags[fresh], tag)
		}
	}
	extended, err := in.result.Domain.Extend(renamedDomain)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot inline %s into %s", callee.Name, in.caller.Name)
	}
	in.result.Domain = extended
	for tempName, temp := range callee.Temporaries.Iter() {
		fresh := in.freshName(prefix + tempName)
		renames[tempName] = &sym.Var{Name: fresh}
		cp := *temp
		cp.Name = fresh
		in.result.Temporaries.Store(fresh, &cp)
	}

	// Positional argument binding: inputs to call parameters, outputs
	// to call assignees.
	scalarBind := map[string]sym.Expr{}
	arrayBind := map[string]arrayBinding{}
	bind := func(arg kernel.Arg, actual sym.Expr) error {
		arrayArg, isArray := arg.(*kernel.ArrayArg)
		if !isArray {
			scalarBind[arg.Name()] = actual
			return nil
		}
		ref, ok := actual.(*sym.SubArrayRef)
		if !ok {
			return errors.Errorf("array argument %s of %s needs a sub-array reference at call site %s", arg.Name(), callee.Name, callInsn.ID)
		}
		arrayBind[arg.Name()] = arrayBinding{arg: arrayArg, ref: ref}
		return nil
	}
	for i, arg := range inputs {
		if err := bind(arg, call.Params[i]); err != nil {
			return nil, err
		}
	}
	for i, arg := range outputs {
		if err := bind(arg, callInsn.Assignees[i]); err != nil {
			return nil, err
		}
	}

	calleeInames, err := callee.AllInsnInames()
	if err != nil {
		return nil, err
	}

	idRenames := map[string]string{}
	for _, insn := range callee.Instructions {
		idRenames[insn.ID] = in.freshID(prefix + insn.ID)
	}

	rewrite := func(expr sym.Expr) (sym.Expr, error) {
		expr, err := in.rewriteExpr(sym.Substitute(expr, renames), scalarBind, arrayBind)
		if err != nil {
			return nil, err
		}
		return sym.RenameCalls(expr, in.scopeRenames), nil
	}

	startID := in.freshID(prefix + "start")
	start := &kernel.Instruction{
		ID:           startID,
		DependsOn:    slices.Clone(callInsn.DependsOn),
		ForcedInames: slices.Clone(callInames),
		Priority:     callInsn.Priority,
	}
	spliced := []*kernel.Instruction{start}
	dependedOn := map[string]bool{}
	for _, insn := range callee.Instructions {
		cp := insn.Clone()
		cp.ID = idRenames[insn.ID]
		if cp.Expression != nil {
			if cp.Expression, err = rewrite(cp.Expression); err != nil {
				return nil, err
			}
		}
		for i, assignee := range cp.Assignees {
			if cp.Assignees[i], err = rewrite(assignee); err != nil {
				return nil, err
			}
		}
		cp.DependsOn = cp.DependsOn[:0]
		for _, dep := range insn.DependsOn {
			if renamedDep, ok := idRenames[dep]; ok {
				cp.DependsOn = append(cp.DependsOn, renamedDep)
				dependedOn[renamedDep] = true
			}
		}
		if len(cp.DependsOn) == 0 {
			cp.DependsOn = []string{startID}
		}
		// Spliced instructions run under their own renamed loops plus
		// the loops the call itself ran under.
		forced := slices.Clone(callInames)
		for _, iname := range calleeInames[insn.ID] {
			forced = append(forced, renames[iname].(*sym.Var).Name)
		}
		cp.ForcedInames = forced
		cp.Priority = callInsn.Priority
		spliced = append(spliced, cp)
	}

	var leaves []string
	for _, insn := range spliced[1:] {
		if !dependedOn[insn.ID] {
			leaves = append(leaves, insn.ID)
		}
	}
	end := &kernel.Instruction{
		ID:           callInsn.ID,
		DependsOn:    leaves,
		ForcedInames: slices.Clone(callInames),
		Priority:     callInsn.Priority,
	}
	return append(spliced, end), nil
}

// calleePrefix derives the renaming prefix from the callee name.
func calleePrefix(name string) string {
	if len(name) > 4 {
		name = name[:4]
	}
	return name + "_"
}

// rewriteExpr binds scalar arguments and remaps subscripts of bound
// array arguments into the caller's arrays.
func (in *inliner) rewriteExpr(expr sym.Expr, scalarBind map[string]sym.Expr, arrayBind map[string]arrayBinding) (sym.Expr, error) {
	expr = sym.Substitute(expr, scalarBind)
	var rewriteErr error
	expr = sym.Rewrite(expr, func(node sym.Expr) sym.Expr {
		sub, ok := node.(*sym.Subscript)
		if !ok {
			return node
		}
		binding, ok := arrayBind[sub.Agg.Name]
		if !ok {
			return node
		}
		remapped, err := in.remapSubscript(sub, binding)
		if err != nil && rewriteErr == nil {
			rewriteErr = err
		}
		if err != nil {
			return node
		}
		return remapped
	})
	if rewriteErr != nil {
		return nil, rewriteErr
	}
	return expr, nil
}

// remapSubscript turns a subscript of a nested-kernel array argument
// into a subscript of the caller array it is bound to: flatten against
// the nested argument's own strides, add the caller slice's base
// offset, then decompose against the caller array's strides, largest
// first.
func (in *inliner) remapSubscript(sub *sym.Subscript, binding arrayBinding) (sym.Expr, error) {
	if _, ok := binding.arg.ConstShape(); !ok {
		return nil, &kernel.NonConstantShapeError{Arg: binding.arg.Name(), Kernel: in.callee.Kernel.Name}
	}
	calleeTags := binding.arg.DimTags()
	if len(sub.Index) != len(calleeTags) {
		return nil, errors.Errorf("subscript %s has %d indices for %d dimensions of argument %s", sub, len(sub.Index), len(calleeTags), binding.arg.Name())
	}
	callerName := binding.ref.Sub.Agg.Name
	callerShape, callerTags, err := in.callerLayout(callerName)
	if err != nil {
		return nil, err
	}
	begin := binding.ref.BeginSubscript()
	if len(begin.Index) != len(callerTags) {
		return nil, errors.Errorf("sub-array reference %s has %d indices for %d dimensions of %s", binding.ref, len(begin.Index), len(callerTags), callerName)
	}

	// Absolute linear offset into the caller array.
	flat := flatten(sub.Index, calleeTags)
	flat = &sym.Binary{Op: sym.Add, X: flat, Y: flatten(begin.Index, callerTags)}

	// Unflatten by successive floor-division and remainder against
	// the caller strides, largest stride first.
	strides := make([]int64, len(callerTags))
	for i, tag := range callerTags {
		stride, ok := aff.ConstValue(aff.Simplify(tag.Stride))
		if !ok {
			return nil, &kernel.NonConstantShapeError{Arg: callerName, Kernel: in.caller.Name}
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
	index := make([]sym.Expr, len(callerShape))
	remaining := flat
	for _, dim := range order {
		stride := &sym.Int{Value: strides[dim]}
		index[dim] = aff.Simplify(&sym.Binary{Op: sym.FloorDiv, X: remaining, Y: stride})
		remaining = &sym.Binary{Op: sym.Mod, X: remaining, Y: stride}
	}
	return &sym.Subscript{Agg: &sym.Var{Name: callerName}, Index: index}, nil
}

// callerLayout returns the shape and dimension tags of a caller-side
// array variable, argument or temporary.
func (in *inliner) callerLayout(name string) ([]sym.Expr, []kernel.DimTag, error) {
	if arg, ok := in.caller.ArgByName(name); ok {
		arrayArg, ok := arg.(*kernel.ArrayArg)
		if !ok {
			return nil, nil, errors.Errorf("%s is not an array argument of kernel %s", name, in.caller.Name)
		}
		if _, ok := arrayArg.ConstShape(); !ok {
			return nil, nil, &kernel.NonConstantShapeError{Arg: name, Kernel: in.caller.Name}
		}
		return arrayArg.Shape, arrayArg.DimTags(), nil
	}
	if temp, ok := in.caller.Temporaries.Load(name); ok {
		return temp.Shape, kernel.ContiguousDimTags(temp.Shape), nil
	}
	return nil, nil, &kernel.UndeclaredVariableError{Name: name}
}

// flatten sums index times stride over the dimension tags.
func flatten(index []sym.Expr, tags []kernel.DimTag) sym.Expr {
	var flat sym.Expr = &sym.Int{Value: 0}
	for i, idx := range index {
		term := &sym.Binary{Op: sym.Mul, X: idx, Y: tags[i].Stride}
		flat = &sym.Binary{Op: sym.Add, X: flat, Y: term}
	}
	return flat
}
