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

package sym_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/loopix-org/loopix/sym"
)

func v(name string) *sym.Var {
	return &sym.Var{Name: name}
}

func bin(op sym.Op, x, y sym.Expr) *sym.Binary {
	return &sym.Binary{Op: op, X: x, Y: y}
}

func TestVars(t *testing.T) {
	tests := []struct {
		expr sym.Expr
		want []string
	}{
		{
			expr: v("x"),
			want: []string{"x"},
		},
		{
			expr: bin(sym.Add, v("x"), bin(sym.Mul, v("y"), v("x"))),
			want: []string{"x", "y"},
		},
		{
			expr: &sym.Subscript{Agg: v("a"), Index: []sym.Expr{v("i"), bin(sym.Add, v("j"), &sym.Int{Value: 1})}},
			want: []string{"a", "i", "j"},
		},
		{
			expr: &sym.Reduction{
				Op:     "sum",
				Inames: []string{"k"},
				Body:   bin(sym.Mul, &sym.Subscript{Agg: v("a"), Index: []sym.Expr{v("i"), v("k")}}, v("x")),
			},
			want: []string{"a", "i", "x"},
		},
		{
			expr: &sym.Call{
				Func:   &sym.FuncRef{Name: "sin"},
				Params: []sym.Expr{v("x")},
			},
			want: []string{"x"},
		},
		{
			expr: &sym.SubArrayRef{
				Sweep: []*sym.Var{v("i")},
				Sub:   &sym.Subscript{Agg: v("a"), Index: []sym.Expr{v("i"), v("j")}},
			},
			want: []string{"a", "j"},
		},
	}
	for i, test := range tests {
		got := sym.Vars(test.expr)
		if !cmp.Equal(got, test.want) {
			t.Errorf("test %d: got variables %v but want %v", i, got, test.want)
		}
	}
}

func TestSubstitute(t *testing.T) {
	tests := []struct {
		expr  sym.Expr
		subst map[string]sym.Expr
		want  string
	}{
		{
			expr:  bin(sym.Add, v("x"), v("y")),
			subst: map[string]sym.Expr{"x": &sym.Int{Value: 2}},
			want:  "(2 + y)",
		},
		{
			expr: &sym.Subscript{Agg: v("a"), Index: []sym.Expr{v("i")}},
			subst: map[string]sym.Expr{
				"a": v("b"),
				"i": bin(sym.Add, v("i"), &sym.Int{Value: 1}),
			},
			want: "b[(i + 1)]",
		},
		{
			// Renaming applies to reduction binders.
			expr: &sym.Reduction{
				Op:     "sum",
				Inames: []string{"k"},
				Body:   &sym.Subscript{Agg: v("a"), Index: []sym.Expr{v("k")}},
			},
			subst: map[string]sym.Expr{"k": v("k2")},
			want:  "reduce(sum, [k2], a[k2])",
		},
	}
	for i, test := range tests {
		got := sym.Substitute(test.expr, test.subst).String()
		if got != test.want {
			t.Errorf("test %d: got %s but want %s", i, got, test.want)
		}
	}
}

func TestEqual(t *testing.T) {
	call := &sym.Call{Func: &sym.FuncRef{Name: "sin"}, Params: []sym.Expr{v("x")}}
	tests := []struct {
		a, b sym.Expr
		want bool
	}{
		{a: v("x"), b: v("x"), want: true},
		{a: v("x"), b: v("y"), want: false},
		{a: call, b: &sym.Call{Func: &sym.FuncRef{Name: "sin"}, Params: []sym.Expr{v("x")}}, want: true},
		{a: call, b: &sym.Call{Func: &sym.FuncRef{Name: "sin", Resolved: true}, Params: []sym.Expr{v("x")}}, want: false},
		{a: &sym.Int{Value: 3}, b: &sym.Int{Value: 3}, want: true},
		{a: &sym.Int{Value: 3}, b: &sym.Float{Value: 3}, want: false},
	}
	for i, test := range tests {
		if got := sym.Equal(test.a, test.b); got != test.want {
			t.Errorf("test %d: Equal(%s, %s)=%v but want %v", i, test.a, test.b, got, test.want)
		}
	}
}

func TestWalkCalls(t *testing.T) {
	expr := bin(sym.Add,
		&sym.Call{Func: &sym.FuncRef{Name: "f"}, Params: []sym.Expr{
			&sym.Call{Func: &sym.FuncRef{Name: "g"}, Params: []sym.Expr{v("x")}},
		}},
		&sym.Call{Func: &sym.FuncRef{Name: "h"}},
	)
	var got []string
	sym.WalkCalls(expr, func(call *sym.Call) bool {
		got = append(got, call.Func.Name)
		return true
	})
	want := []string{"f", "g", "h"}
	if !cmp.Equal(got, want) {
		t.Errorf("got calls %v but want %v", got, want)
	}
}

func TestRenameCalls(t *testing.T) {
	expr := bin(sym.Add,
		&sym.Call{Func: &sym.FuncRef{Name: "f", Resolved: true}, Params: []sym.Expr{
			&sym.Call{Func: &sym.FuncRef{Name: "g"}, Params: []sym.Expr{v("x")}},
		}},
		v("f"),
	)
	got := sym.RenameCalls(expr, map[string]string{"f": "f_1"})
	if s := got.String(); s != "(f_1(g(x)) + f)" {
		t.Errorf("got %s but want (f_1(g(x)) + f)", s)
	}
	call := got.(*sym.Binary).X.(*sym.Call)
	if !call.Func.Resolved {
		t.Error("renaming must preserve the resolved flag")
	}
	if same := sym.RenameCalls(expr, nil); !sym.Equal(same, expr) {
		t.Errorf("empty rename map must leave the expression alone, got %s", same)
	}
}

func TestBeginSubscript(t *testing.T) {
	sar := &sym.SubArrayRef{
		Sweep: []*sym.Var{v("i"), v("j")},
		Sub:   &sym.Subscript{Agg: v("b"), Index: []sym.Expr{bin(sym.Add, v("i"), &sym.Int{Value: 3}), v("j")}},
	}
	got := sar.BeginSubscript().String()
	want := "b[(0 + 3), 0]"
	if got != want {
		t.Errorf("got %s but want %s", got, want)
	}
}
