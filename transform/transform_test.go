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

package transform_test

import (
	goerrors "errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/loopix-org/loopix/aff"
	"github.com/loopix-org/loopix/dtype"
	"github.com/loopix-org/loopix/kernel"
	"github.com/loopix-org/loopix/sym"
	"github.com/loopix-org/loopix/transform"
)

func v(name string) *sym.Var {
	return &sym.Var{Name: name}
}

func c(value int64) *sym.Int {
	return &sym.Int{Value: value}
}

func bin(op sym.Op, x, y sym.Expr) *sym.Binary {
	return &sym.Binary{Op: op, X: x, Y: y}
}

func sub(agg string, index ...sym.Expr) *sym.Subscript {
	return &sym.Subscript{Agg: v(agg), Index: index}
}

func ref(sweep []string, agg string) *sym.SubArrayRef {
	vars := make([]*sym.Var, len(sweep))
	index := make([]sym.Expr, len(sweep))
	for i, name := range sweep {
		vars[i] = v(name)
		index[i] = v(name)
	}
	return &sym.SubArrayRef{Sweep: vars, Sub: &sym.Subscript{Agg: v(agg), Index: index}}
}

func array(name string, dir kernel.Direction, shape ...int64) *kernel.ArrayArg {
	dims := make([]sym.Expr, len(shape))
	for i, dim := range shape {
		dims[i] = c(dim)
	}
	return &kernel.ArrayArg{AName: name, DType: dtype.Float32, Shape: dims, Dir: dir}
}

// doubler returns a nested kernel computing out[i] = a[i] * 2 over a
// flat six-element array.
func doubler(t *testing.T) *kernel.Kernel {
	t.Helper()
	domain := aff.NewBox(aff.Span("i", 0, 5))
	callee, err := kernel.New("dbl", domain, []*kernel.Instruction{
		{
			ID:         "doub",
			Assignees:  []sym.Expr{sub("out", v("i"))},
			Expression: bin(sym.Mul, sub("a", v("i")), c(2)),
		},
	}, kernel.WithArgs(
		array("a", kernel.In, 6),
		array("out", kernel.Out, 6),
	))
	if err != nil {
		t.Fatal(err)
	}
	return callee
}

// caller returns a kernel calling the doubler with a 3x2 input slice
// and a flat six-element result.
func caller(t *testing.T) *kernel.Kernel {
	t.Helper()
	domain := aff.NewBox(
		aff.Span("i1", 0, 2),
		aff.Span("i2", 0, 1),
		aff.Span("j", 0, 5),
	)
	k, err := kernel.New("host", domain, []*kernel.Instruction{
		{
			ID:         "setup",
			Assignees:  []sym.Expr{v("flag")},
			Expression: c(1),
		},
		{
			ID:         "call",
			Assignees:  []sym.Expr{ref([]string{"j"}, "r")},
			Expression: &sym.Call{Func: &sym.FuncRef{Name: "dbl"}, Params: []sym.Expr{ref([]string{"i1", "i2"}, "b")}},
			DependsOn:  []string{"setup"},
		},
		{
			ID:         "consume",
			Assignees:  []sym.Expr{v("done")},
			Expression: sub("r", c(0)),
			DependsOn:  []string{"call"},
		},
	},
		kernel.WithArgs(
			array("b", kernel.In, 3, 2),
			array("r", kernel.Out, 6),
		),
		kernel.WithTemporaries(
			&kernel.TemporaryVariable{Name: "flag", DType: dtype.Float32},
			&kernel.TemporaryVariable{Name: "done", DType: dtype.Float32},
		),
	)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestRegisterCallableKernel(t *testing.T) {
	k, err := transform.RegisterCallableKernel(caller(t), "dbl", doubler(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	call, ok := k.IDToInsn()["call"].CallExpr()
	if !ok {
		t.Fatal("call instruction lost its call expression")
	}
	if !call.Func.Resolved || call.Func.Name != "dbl_0" {
		t.Errorf("want a resolved call scoped as dbl_0, got %s (resolved: %t)", call.Func.Name, call.Func.Resolved)
	}
	if _, ok := k.Callables.Load("dbl_0"); !ok {
		t.Error("scoped-callable table missing dbl_0")
	}
	if names := transform.UnresolvedCallNames(k); len(names) != 0 {
		t.Errorf("want no unresolved calls, got %v", names)
	}
}

func TestRegisterCallableKernelArityMismatch(t *testing.T) {
	domain := aff.NewBox(aff.Span("j", 0, 5))
	k, err := kernel.New("host", domain, []*kernel.Instruction{
		{
			ID:        "call",
			Assignees: []sym.Expr{ref([]string{"j"}, "r")},
			Expression: &sym.Call{
				Func:   &sym.FuncRef{Name: "dbl"},
				Params: []sym.Expr{c(1), c(2)},
			},
		},
	}, kernel.WithArgs(array("r", kernel.Out, 6)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := transform.RegisterCallableKernel(k, "dbl", doubler(t), nil); err == nil {
		t.Fatal("want ArityMismatchError for two parameters against one input")
	} else {
		var arity *kernel.ArityMismatchError
		if !goerrors.As(err, &arity) || arity.Got != 2 || arity.Want != 1 {
			t.Errorf("want ArityMismatchError got=2 want=1, got %v", err)
		}
	}
}

func TestInlineCallableKernel(t *testing.T) {
	registered, err := transform.RegisterCallableKernel(caller(t), "dbl", doubler(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	inlined, err := transform.InlineCallableKernel(registered, "dbl_0")
	if err != nil {
		t.Fatal(err)
	}

	insns := inlined.IDToInsn()
	body, ok := insns["dbl_doub"]
	if !ok {
		t.Fatalf("missing renamed body instruction, have %v", ids(inlined))
	}

	// The callee subscript a[i] lands in the caller's 3x2 array
	// through stride arithmetic; out[i] lands in the flat result.
	wantExpr := "(b[(dbl_i // 2), (dbl_i % 2)] * 2)"
	if got := body.Expression.String(); got != wantExpr {
		t.Errorf("want expression %s, got %s", wantExpr, got)
	}
	wantAssignee := "r[dbl_i]"
	if got := body.Assignees[0].String(); got != wantAssignee {
		t.Errorf("want assignee %s, got %s", wantAssignee, got)
	}

	// The spliced instruction runs under the renamed callee loop.
	if diff := cmp.Diff([]string{"dbl_i"}, body.ForcedInames); diff != "" {
		t.Errorf("forced inames mismatch (-want +got):\n%s", diff)
	}
	if _, ok := inlined.Domain.DimIndex("dbl_i"); !ok {
		t.Error("caller domain missing the renamed callee iname")
	}

	// Markers preserve external ordering: the body waits on the start
	// marker carrying the call's dependencies, and the end marker
	// takes over the call's id so dependents still wait for the body.
	start, ok := insns["dbl_start"]
	if !ok {
		t.Fatalf("missing start marker, have %v", ids(inlined))
	}
	if !start.IsNoOp() {
		t.Error("start marker must be a no-op")
	}
	if diff := cmp.Diff([]string{"setup"}, start.DependsOn); diff != "" {
		t.Errorf("start marker dependencies mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"dbl_start"}, body.DependsOn); diff != "" {
		t.Errorf("body dependencies mismatch (-want +got):\n%s", diff)
	}
	end, ok := insns["call"]
	if !ok {
		t.Fatalf("missing end marker under the call id, have %v", ids(inlined))
	}
	if !end.IsNoOp() {
		t.Error("end marker must be a no-op")
	}
	if diff := cmp.Diff([]string{"dbl_doub"}, end.DependsOn); diff != "" {
		t.Errorf("end marker dependencies mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"call"}, insns["consume"].DependsOn); diff != "" {
		t.Errorf("external dependent mismatch (-want +got):\n%s", diff)
	}

	if inlined.Callables.Has("dbl_0") {
		t.Error("inlined callable must leave the scoped table")
	}
	if _, err := inlined.WriterMap(); err != nil {
		t.Errorf("inlined kernel writer map: %v", err)
	}
}

func ids(k *kernel.Kernel) []string {
	var all []string
	for _, insn := range k.Instructions {
		all = append(all, insn.ID)
	}
	return all
}

func sineMangler(_ *kernel.Target, name string, inputs []dtype.DataType) (kernel.MangleResult, bool) {
	if name != "sin" || len(inputs) != 1 {
		return kernel.MangleResult{}, false
	}
	switch inputs[0] {
	case dtype.Float32:
		return kernel.MangleResult{TargetName: "sin_f32", Inputs: inputs, Outputs: []dtype.DataType{dtype.Float32}}, true
	case dtype.Float64:
		return kernel.MangleResult{TargetName: "sin_f64", Inputs: inputs, Outputs: []dtype.DataType{dtype.Float64}}, true
	}
	return kernel.MangleResult{}, false
}

func sinCallable(t *testing.T, dt dtype.DataType) kernel.Callable {
	t.Helper()
	types := kernel.NewArgMap[dtype.DataType]()
	types.StorePos(0, dt)
	callable, err := kernel.NewScalarCallable("sin", sineMangler).WithTypes(nil, types)
	if err != nil {
		t.Fatal(err)
	}
	return callable
}

func TestInlineKeepsCalleeSpecializations(t *testing.T) {
	f32 := sinCallable(t, dtype.Float32)
	f64 := sinCallable(t, dtype.Float64)

	// The callee scopes its own float64 sine under the same name the
	// caller uses for a float32 one.
	calleeDomain := aff.NewBox(aff.Span("i", 0, 5))
	callee, err := kernel.New("sine", calleeDomain, []*kernel.Instruction{
		{
			ID:        "app",
			Assignees: []sym.Expr{sub("out", v("i"))},
			Expression: &sym.Call{
				Func:   &sym.FuncRef{Name: "sin"},
				Params: []sym.Expr{sub("a", v("i"))},
			},
		},
	}, kernel.WithArgs(array("a", kernel.In, 6), array("out", kernel.Out, 6)))
	if err != nil {
		t.Fatal(err)
	}
	callee = callee.ResolveCallables(func(*sym.Call) (kernel.Callable, bool) { return f64, true })

	callerDomain := aff.NewBox(aff.Span("i", 0, 5), aff.Span("j", 0, 5))
	host, err := kernel.New("host", callerDomain, []*kernel.Instruction{
		{
			ID:        "warm",
			Assignees: []sym.Expr{sub("y", v("i"))},
			Expression: &sym.Call{
				Func:   &sym.FuncRef{Name: "sin"},
				Params: []sym.Expr{sub("x", v("i"))},
			},
		},
		{
			ID:        "call",
			Assignees: []sym.Expr{ref([]string{"j"}, "r")},
			Expression: &sym.Call{
				Func:   &sym.FuncRef{Name: "sine"},
				Params: []sym.Expr{ref([]string{"j"}, "x")},
			},
			DependsOn: []string{"warm"},
		},
	}, kernel.WithArgs(
		array("x", kernel.In, 6),
		array("y", kernel.Out, 6),
		array("r", kernel.Out, 6),
	))
	if err != nil {
		t.Fatal(err)
	}
	host = host.ResolveCallables(func(call *sym.Call) (kernel.Callable, bool) {
		if call.Func.Name != "sin" {
			return nil, false
		}
		return f32, true
	})
	registered, err := transform.RegisterCallableKernel(host, "sine", callee, nil)
	if err != nil {
		t.Fatal(err)
	}

	inlined, err := transform.InlineCallableKernel(registered, "sine_0")
	if err != nil {
		t.Fatal(err)
	}

	// The colliding callee specialization gets a fresh scoped name and
	// the spliced call is rewritten to it; the caller's own binding is
	// untouched.
	body, ok := inlined.IDToInsn()["sine_app"]
	if !ok {
		t.Fatalf("missing renamed body instruction, have %v", ids(inlined))
	}
	if got, want := body.Expression.String(), "sin_1(x[sine_i])"; got != want {
		t.Errorf("want spliced expression %s, got %s", want, got)
	}
	c32, ok := inlined.Callables.Load("sin_0")
	if !ok || c32.TargetName() != "sin_f32" {
		t.Errorf("want sin_0 bound to sin_f32, got %v", c32)
	}
	c64, ok := inlined.Callables.Load("sin_1")
	if !ok || c64.TargetName() != "sin_f64" {
		t.Errorf("want sin_1 bound to sin_f64, got %v", c64)
	}
	warm, _ := inlined.IDToInsn()["warm"].CallExpr()
	if warm.Func.Name != "sin_0" {
		t.Errorf("caller-side call must keep its binding, got %s", warm.Func.Name)
	}
	if inlined.Callables.Has("sine_0") {
		t.Error("inlined callable must leave the scoped table")
	}
}

func TestInlineSymbolicShape(t *testing.T) {
	domain := aff.NewBox(aff.Span("i", 0, 5))
	callee, err := kernel.New("dbl", domain, []*kernel.Instruction{
		{
			ID:         "doub",
			Assignees:  []sym.Expr{sub("out", v("i"))},
			Expression: bin(sym.Mul, sub("a", v("i")), c(2)),
		},
	}, kernel.WithArgs(
		&kernel.ArrayArg{AName: "a", DType: dtype.Float32, Shape: []sym.Expr{v("n")}, Dir: kernel.In},
		array("out", kernel.Out, 6),
	))
	if err != nil {
		t.Fatal(err)
	}
	registered, err := transform.RegisterCallableKernel(caller(t), "dbl", callee, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = transform.InlineCallableKernel(registered, "dbl_0")
	if err == nil {
		t.Fatal("want NonConstantShapeError for a symbolically shaped argument")
	}
	var shape *kernel.NonConstantShapeError
	if !goerrors.As(err, &shape) || shape.Arg != "a" {
		t.Errorf("want NonConstantShapeError for argument a, got %v", err)
	}
}

func TestInlineMarkersUnderCallLoops(t *testing.T) {
	domain := aff.NewBox(
		aff.Span("t", 0, 1),
		aff.Span("i1", 0, 2),
		aff.Span("i2", 0, 1),
		aff.Span("j", 0, 5),
	)
	k, err := kernel.New("host", domain, []*kernel.Instruction{
		{
			ID:        "call",
			Assignees: []sym.Expr{ref([]string{"j"}, "r")},
			Expression: &sym.Call{
				Func:   &sym.FuncRef{Name: "dbl"},
				Params: []sym.Expr{ref([]string{"i1", "i2"}, "b")},
			},
			ForcedInames: []string{"t"},
		},
	}, kernel.WithArgs(array("b", kernel.In, 3, 2), array("r", kernel.Out, 6)))
	if err != nil {
		t.Fatal(err)
	}
	registered, err := transform.RegisterCallableKernel(k, "dbl", doubler(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	inlined, err := transform.InlineCallableKernel(registered, "dbl_0")
	if err != nil {
		t.Fatal(err)
	}

	// Start and end markers run under the loops the call ran under, so
	// the splice stays nested exactly where the call was.
	insns := inlined.IDToInsn()
	if diff := cmp.Diff([]string{"t"}, insns["dbl_start"].ForcedInames); diff != "" {
		t.Errorf("start marker inames mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"t"}, insns["call"].ForcedInames); diff != "" {
		t.Errorf("end marker inames mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"t", "dbl_i"}, insns["dbl_doub"].ForcedInames); diff != "" {
		t.Errorf("body inames mismatch (-want +got):\n%s", diff)
	}
}

func TestInlineWithoutCall(t *testing.T) {
	registered, err := transform.RegisterCallableKernel(caller(t), "dbl", doubler(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := transform.InlineCallableKernel(registered, "missing"); err == nil {
		t.Error("want UnresolvedCallableError for an unknown scoped name")
	}
}

func TestMatchArgDimensions(t *testing.T) {
	registered, err := transform.RegisterCallableKernel(caller(t), "dbl", doubler(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	matched, err := transform.MatchArgDimensions(registered, "dbl_0")
	if err != nil {
		t.Fatal(err)
	}
	callable, ok := matched.Callables.Load("dbl_0")
	if !ok {
		t.Fatal("scoped-callable table missing dbl_0 after reshaping")
	}
	reshaped := callable.(*kernel.CallableKernel).Kernel
	a, ok := reshaped.ArgByName("a")
	if !ok {
		t.Fatal("reshaped kernel missing argument a")
	}
	shape, _ := a.(*kernel.ArrayArg).ConstShape()
	if diff := cmp.Diff([]int64{3, 2}, shape); diff != "" {
		t.Errorf("reshaped shape mismatch (-want +got):\n%s", diff)
	}
	want := "(a[(i // 2), (i % 2)] * 2)"
	if got := reshaped.Instructions[0].Expression.String(); got != want {
		t.Errorf("want expression %s, got %s", want, got)
	}
	if got := reshaped.Instructions[0].Assignees[0].String(); got != "out[i]" {
		t.Errorf("want assignee out[i], got %s", got)
	}
}
