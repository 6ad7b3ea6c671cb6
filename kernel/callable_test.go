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

package kernel_test

import (
	goerrors "errors"
	"testing"

	"github.com/loopix-org/loopix/aff"
	"github.com/loopix-org/loopix/dtype"
	"github.com/loopix-org/loopix/kernel"
	"github.com/loopix-org/loopix/sym"
)

// sinMangler resolves sin for float32 and float64 inputs.
func sinMangler(target *kernel.Target, name string, inputs []dtype.DataType) (kernel.MangleResult, bool) {
	if name != "sin" || len(inputs) != 1 {
		return kernel.MangleResult{}, false
	}
	switch inputs[0] {
	case dtype.Float32:
		return kernel.MangleResult{
			TargetName: "sinf",
			Inputs:     []dtype.DataType{dtype.Float32},
			Outputs:    []dtype.DataType{dtype.Float32},
		}, true
	case dtype.Float64:
		return kernel.MangleResult{
			TargetName: "sin",
			Inputs:     []dtype.DataType{dtype.Float64},
			Outputs:    []dtype.DataType{dtype.Float64},
		}, true
	}
	return kernel.MangleResult{}, false
}

func typesOf(dts ...dtype.DataType) *kernel.ArgMap[dtype.DataType] {
	types := kernel.NewArgMap[dtype.DataType]()
	for i, dt := range dts {
		types.StorePos(kernel.ArgID(i), dt)
	}
	return types
}

func TestScalarCallableWithTypes(t *testing.T) {
	target := &kernel.Target{Name: "dev"}
	unresolved := kernel.NewScalarCallable("sin", sinMangler)

	f32, err := unresolved.WithTypes(target, typesOf(dtype.Float32))
	if err != nil {
		t.Fatal(err)
	}
	if f32.TargetName() != "sinf" {
		t.Errorf("want target name sinf, got %s", f32.TargetName())
	}
	out, ok := f32.Types().Pos(kernel.ArgID(-1))
	if !ok || out != dtype.Float32 {
		t.Errorf("want float32 first output, got %v (present: %t)", out, ok)
	}
	if f32.ReadyForCodegen() {
		t.Error("callable must not be codegen-ready before descriptors")
	}

	ready, err := f32.WithDescrs(descrsOf(&kernel.ValueDescriptor{DType: dtype.Float32}))
	if err != nil {
		t.Fatal(err)
	}
	if !ready.ReadyForCodegen() {
		t.Error("callable must be codegen-ready after both specializations")
	}

	if _, err := unresolved.WithTypes(target, typesOf(dtype.Int32)); err == nil {
		t.Error("want UnresolvedCallableError for an unmangleable type")
	} else {
		var unres *kernel.UnresolvedCallableError
		if !goerrors.As(err, &unres) {
			t.Errorf("want UnresolvedCallableError, got %v", err)
		}
	}
}

func descrsOf(descrs ...kernel.Descriptor) *kernel.ArgMap[kernel.Descriptor] {
	m := kernel.NewArgMap[kernel.Descriptor]()
	for i, descr := range descrs {
		m.StorePos(kernel.ArgID(i), descr)
	}
	return m
}

func TestResolverDistinctSpecializations(t *testing.T) {
	target := &kernel.Target{Name: "dev"}
	domain := aff.NewBox(aff.Span("i", 0, 3))
	k, err := kernel.New("host", domain, nil)
	if err != nil {
		t.Fatal(err)
	}

	base := kernel.NewScalarCallable("sin", sinMangler)
	f32a, err := base.WithTypes(target, typesOf(dtype.Float32))
	if err != nil {
		t.Fatal(err)
	}
	f32b, err := base.WithTypes(target, typesOf(dtype.Float32))
	if err != nil {
		t.Fatal(err)
	}
	f64, err := base.WithTypes(target, typesOf(dtype.Float64))
	if err != nil {
		t.Fatal(err)
	}

	resolver := k.NewResolver()
	first := resolver.Intern("sin", f32a)
	second := resolver.Intern("sin", f64)
	third := resolver.Intern("sin", f32b)

	if first == second {
		t.Errorf("distinct specializations must get distinct names, both got %s", first)
	}
	if first != third {
		t.Errorf("equal callables must share a name: %s vs %s", first, third)
	}
	if first != "sin_0" || second != "sin_1" {
		t.Errorf("want names sin_0 and sin_1, got %s and %s", first, second)
	}
}

func TestCallableKernelSpecialization(t *testing.T) {
	domain := aff.NewBox(aff.Span("i", 0, 5))
	callee, err := kernel.New("dbl", domain, []*kernel.Instruction{
		assign("d", sub("out", v("i")), bin(sym.Mul, sub("a", v("i")), c(2))),
	}, kernel.WithArgs(
		&kernel.ArrayArg{AName: "a", Shape: []sym.Expr{c(6)}, Dir: kernel.In},
		&kernel.ArrayArg{AName: "out", Shape: []sym.Expr{c(6)}, Dir: kernel.Out},
	))
	if err != nil {
		t.Fatal(err)
	}
	callable := kernel.NewCallableKernel(callee, nil)

	types := kernel.NewArgMap[dtype.DataType]()
	types.StoreKw("a", dtype.Float32)
	types.StoreKw("out", dtype.Float32)
	typed, err := callable.WithTypes(&kernel.Target{Name: "dev"}, types)
	if err != nil {
		t.Fatal(err)
	}
	typedKernel := typed.(*kernel.CallableKernel).Kernel
	for _, arg := range typedKernel.Args {
		if arg.Dtype() != dtype.Float32 {
			t.Errorf("argument %s: want float32, got %s", arg.Name(), arg.Dtype())
		}
	}
	if dt, ok := typed.Types().Pos(kernel.ArgID(-1)); !ok || dt != dtype.Float32 {
		t.Errorf("want float32 under first-output id, got %v (present: %t)", dt, ok)
	}
	if dt, ok := typed.Types().Kw("a"); !ok || dt != dtype.Float32 {
		t.Errorf("want float32 under keyword a, got %v (present: %t)", dt, ok)
	}

	// Re-specializing with identical types is idempotent.
	again, err := typed.WithTypes(&kernel.Target{Name: "dev"}, types)
	if err != nil {
		t.Fatal(err)
	}
	if !typed.Equal(again) {
		t.Error("identical re-specialization must produce an equal callable")
	}

	// Conflicting types are rejected.
	conflict := kernel.NewArgMap[dtype.DataType]()
	conflict.StoreKw("a", dtype.Float64)
	conflict.StoreKw("out", dtype.Float64)
	if _, err := typed.WithTypes(&kernel.Target{Name: "dev"}, conflict); err == nil {
		t.Error("want RespecializationError for conflicting types")
	} else {
		var respec *kernel.RespecializationError
		if !goerrors.As(err, &respec) {
			t.Errorf("want RespecializationError, got %v", err)
		}
	}

	// Descriptors rewrite the nested kernel's argument layout; the
	// type map keeps every entry it had (specialization only grows).
	descrs := kernel.NewArgMap[kernel.Descriptor]()
	descrs.StorePos(kernel.ArgID(0), &kernel.ArrayDescriptor{
		Shape: []sym.Expr{c(3), c(2)},
		Tags:  kernel.ContiguousDimTags([]sym.Expr{c(3), c(2)}),
	})
	described, err := typed.WithDescrs(descrs)
	if err != nil {
		t.Fatal(err)
	}
	describedKernel := described.(*kernel.CallableKernel).Kernel
	a, ok := describedKernel.ArgByName("a")
	if !ok {
		t.Fatal("argument a missing after descriptor specialization")
	}
	if shape, _ := a.(*kernel.ArrayArg).ConstShape(); len(shape) != 2 {
		t.Errorf("want rank-2 shape for a, got %v", shape)
	}
	if !described.Types().HasAllOf(typed.Types()) {
		t.Error("descriptor specialization must not drop type entries")
	}

	if described.ReadyForCodegen() {
		t.Error("a nested kernel is not codegen-ready without a scoped name")
	}
	named := described.(*kernel.CallableKernel).WithTargetName("dbl_0")
	if !named.ReadyForCodegen() {
		t.Error("want codegen-ready after naming")
	}

	withGrid, err := named.WithHWAxes([]sym.Expr{c(6)}, []sym.Expr{c(1)})
	if err != nil {
		t.Fatal(err)
	}
	gridKernel := withGrid.(*kernel.CallableKernel).Kernel
	group, _, err := gridKernel.GridSizes(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(group) != 1 || group[0].String() != "6" {
		t.Errorf("want overridden group sizes [6], got %v", group)
	}
}

func TestResolveCallables(t *testing.T) {
	domain := aff.NewBox(aff.Span("i", 0, 3))
	callExpr := &sym.Call{
		Func:   &sym.FuncRef{Name: "sin"},
		Params: []sym.Expr{sub("x", v("i"))},
	}
	k, err := kernel.New("host", domain, []*kernel.Instruction{
		assign("s0", sub("y", v("i")), callExpr),
	}, kernel.WithArgs(inArray("x", 4), outArray("y", 4)))
	if err != nil {
		t.Fatal(err)
	}
	callable := kernel.NewScalarCallable("sin", sinMangler)
	resolved := k.ResolveCallables(func(call *sym.Call) (kernel.Callable, bool) {
		if call.Func.Name != "sin" {
			return nil, false
		}
		return callable, true
	})
	call, ok := resolved.Instructions[0].CallExpr()
	if !ok {
		t.Fatal("instruction s0 lost its call expression")
	}
	if !call.Func.Resolved || call.Func.Name != "sin_0" {
		t.Errorf("want a resolved call to sin_0, got %s (resolved: %t)", call.Func.Name, call.Func.Resolved)
	}
	if !resolved.Callables.Has("sin_0") {
		t.Error("scoped-callable table missing sin_0")
	}
	if k.Callables.Has("sin_0") {
		t.Error("the input kernel must not be mutated")
	}
}

func TestResolveCallablesPerCallSite(t *testing.T) {
	target := &kernel.Target{Name: "dev"}
	domain := aff.NewBox(aff.Span("i", 0, 3))
	k, err := kernel.New("host", domain, []*kernel.Instruction{
		assign("s0", sub("y", v("i")), &sym.Call{
			Func:   &sym.FuncRef{Name: "sin"},
			Params: []sym.Expr{sub("x", v("i"))},
		}),
		assign("s1", sub("z", v("i")), &sym.Call{
			Func:   &sym.FuncRef{Name: "sin"},
			Params: []sym.Expr{sub("w", v("i"))},
		}),
	}, kernel.WithArgs(inArray("x", 4), inArray("w", 4), outArray("y", 4), outArray("z", 4)))
	if err != nil {
		t.Fatal(err)
	}

	base := kernel.NewScalarCallable("sin", sinMangler)
	f32, err := base.WithTypes(target, typesOf(dtype.Float32))
	if err != nil {
		t.Fatal(err)
	}
	f64, err := base.WithTypes(target, typesOf(dtype.Float64))
	if err != nil {
		t.Fatal(err)
	}

	// The two call sites share a source name but resolve to different
	// specializations, distinguished here by the name they read from.
	resolved := k.ResolveCallables(func(call *sym.Call) (kernel.Callable, bool) {
		arg, ok := call.Params[0].(*sym.Subscript)
		if !ok {
			return nil, false
		}
		if arg.Agg.Name == "x" {
			return f32, true
		}
		return f64, true
	})

	first, _ := resolved.Instructions[0].CallExpr()
	second, _ := resolved.Instructions[1].CallExpr()
	if first.Func.Name == second.Func.Name {
		t.Fatalf("differently specialized call sites must get distinct scoped names, both got %s", first.Func.Name)
	}
	c32, ok := resolved.Callables.Load(first.Func.Name)
	if !ok || !c32.Equal(f32) {
		t.Errorf("scoped name %s must bind the float32 specialization", first.Func.Name)
	}
	c64, ok := resolved.Callables.Load(second.Func.Name)
	if !ok || !c64.Equal(f64) {
		t.Errorf("scoped name %s must bind the float64 specialization", second.Func.Name)
	}
}
