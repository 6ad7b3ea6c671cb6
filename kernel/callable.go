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
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/loopix-org/loopix/base/iter"
	"github.com/loopix-org/loopix/dtype"
	"github.com/loopix-org/loopix/sym"
)

// Descriptor describes the value an argument carries at a call
// boundary: a scalar or an array with a concrete layout.
type Descriptor interface {
	fmt.Stringer
	// EqualDescr structurally compares two descriptors.
	EqualDescr(other Descriptor) bool
	descr()
}

type (
	// ValueDescriptor describes a scalar argument.
	ValueDescriptor struct {
		DType dtype.DataType
	}

	// ArrayDescriptor describes an array argument: its shape, memory
	// scope, and per-dimension layout.
	ArrayDescriptor struct {
		Shape []sym.Expr
		Scope MemScope
		Tags  []DimTag
	}
)

func (*ValueDescriptor) descr() {}
func (*ArrayDescriptor) descr() {}

// String representation of the descriptor.
func (d *ValueDescriptor) String() string {
	return fmt.Sprintf("value(%s)", d.DType)
}

// EqualDescr compares descriptors structurally.
func (d *ValueDescriptor) EqualDescr(other Descriptor) bool {
	otherT, ok := other.(*ValueDescriptor)
	return ok && d.DType == otherT.DType
}

// String representation of the descriptor.
func (d *ArrayDescriptor) String() string {
	shape := make([]string, len(d.Shape))
	for i, dim := range d.Shape {
		shape[i] = dim.String()
	}
	return fmt.Sprintf("array[%s]", strings.Join(shape, ", "))
}

// EqualDescr compares descriptors structurally.
func (d *ArrayDescriptor) EqualDescr(other Descriptor) bool {
	otherT, ok := other.(*ArrayDescriptor)
	if !ok || len(d.Shape) != len(otherT.Shape) || d.Scope != otherT.Scope || len(d.Tags) != len(otherT.Tags) {
		return false
	}
	for i, dim := range d.Shape {
		if !sym.Equal(dim, otherT.Shape[i]) {
			return false
		}
	}
	for i, tag := range d.Tags {
		if !sym.Equal(tag.Stride, otherT.Tags[i].Stride) || !sym.Equal(tag.Length, otherT.Tags[i].Length) {
			return false
		}
	}
	return true
}

// MangleResult is a mangler's answer for one call: the concrete target
// symbol and the input and output types it commits to.
type MangleResult struct {
	TargetName string
	Inputs     []dtype.DataType
	Outputs    []dtype.DataType
}

// Mangler resolves a function name and the types of its inputs to a
// target-specific symbol and signature. It returns false when it does
// not know the combination.
type Mangler func(target *Target, name string, inputs []dtype.DataType) (MangleResult, bool)

// TypeInferencer completes the argument types of a kernel: given a
// kernel whose arguments are partially typed, it returns a kernel with
// every argument's dtype concrete.
type TypeInferencer interface {
	Infer(k *Kernel) (*Kernel, error)
}

// GridOverride is a caller-imposed hardware grid, installed on a
// nested kernel when the caller fixes the axes it will be launched
// under.
type GridOverride struct {
	Group []sym.Expr
	Local []sym.Expr
}

// Callable is a resolvable target of a call expression. A callable
// moves through specialization stages, each returning a new value:
// types first, then argument descriptors, then (for nested kernels)
// hardware axes. Callables are never mutated after construction.
type Callable interface {
	fmt.Stringer

	// WithTypes resolves the callable against the caller-known types
	// of the call's arguments.
	WithTypes(target *Target, types *ArgMap[dtype.DataType]) (Callable, error)

	// WithDescrs resolves argument shape and layout.
	WithDescrs(descrs *ArgMap[Descriptor]) (Callable, error)

	// WithHWAxes imposes the caller's hardware grid. Only meaningful
	// for nested kernels; scalar callables return themselves.
	WithHWAxes(group, local []sym.Expr) (Callable, error)

	// ReadyForCodegen reports whether every specialization stage has
	// run.
	ReadyForCodegen() bool

	// TargetName returns the concrete symbol code generation should
	// emit for this callable.
	TargetName() string

	// Types returns the specialized type map, nil before WithTypes.
	Types() *ArgMap[dtype.DataType]

	// Descrs returns the specialized descriptor map, nil before
	// WithDescrs.
	Descrs() *ArgMap[Descriptor]

	// Equal compares callables by value.
	Equal(other Callable) bool
}

// typesConflict reports whether two type maps disagree on an id both
// populate.
func typesConflict(a, b *ArgMap[dtype.DataType]) bool {
	if a == nil || b == nil {
		return false
	}
	for _, id := range a.PosIDs() {
		have, _ := a.Pos(id)
		want, ok := b.Pos(id)
		if ok && have != want {
			return true
		}
	}
	return false
}

// ScalarCallable is a built-in scalar function (sin, exp, ...)
// resolved through a mangler.
type ScalarCallable struct {
	// Name is the source-level function name.
	Name string

	// Mangle resolves the name and input types for a target.
	Mangle Mangler

	name   string
	types  *ArgMap[dtype.DataType]
	descrs *ArgMap[Descriptor]
}

var _ Callable = (*ScalarCallable)(nil)

// NewScalarCallable returns an unspecialized scalar callable.
func NewScalarCallable(name string, mangle Mangler) *ScalarCallable {
	return &ScalarCallable{Name: name, Mangle: mangle}
}

// WithTypes consults the mangler with the known input types in
// positional order. The mangler must commit to a target name and to
// concrete input and output types.
func (c *ScalarCallable) WithTypes(target *Target, types *ArgMap[dtype.DataType]) (Callable, error) {
	var inputs []dtype.DataType
	if types != nil {
		for _, id := range types.PosIDs() {
			if id.IsOutput() {
				continue
			}
			dt, _ := types.Pos(id)
			inputs = append(inputs, dt)
		}
	}
	if c.Mangle == nil {
		return nil, &UnresolvedCallableError{Name: c.Name}
	}
	result, ok := c.Mangle(target, c.Name, inputs)
	if !ok {
		return nil, &UnresolvedCallableError{Name: c.Name}
	}
	resolved := NewArgMap[dtype.DataType]()
	for i, dt := range result.Inputs {
		resolved.StorePos(ArgID(i), dt)
	}
	for i, dt := range result.Outputs {
		resolved.StorePos(ArgID(-i-1), dt)
	}
	if typesConflict(c.types, resolved) {
		return nil, &RespecializationError{Name: c.Name}
	}
	cp := *c
	cp.name = result.TargetName
	cp.types = resolved
	return &cp, nil
}

// WithDescrs records scalar descriptors for the lone input and output
// slots.
func (c *ScalarCallable) WithDescrs(descrs *ArgMap[Descriptor]) (Callable, error) {
	cp := *c
	cp.descrs = descrs.Clone()
	return &cp, nil
}

// WithHWAxes is a no-op on a scalar callable.
func (c *ScalarCallable) WithHWAxes(group, local []sym.Expr) (Callable, error) {
	return c, nil
}

// ReadyForCodegen reports whether both specialization maps are
// populated.
func (c *ScalarCallable) ReadyForCodegen() bool {
	return c.types != nil && c.descrs != nil
}

// TargetName returns the mangled symbol, empty before WithTypes.
func (c *ScalarCallable) TargetName() string { return c.name }

// Types returns the specialized type map.
func (c *ScalarCallable) Types() *ArgMap[dtype.DataType] { return c.types }

// Descrs returns the specialized descriptor map.
func (c *ScalarCallable) Descrs() *ArgMap[Descriptor] { return c.descrs }

// Equal compares by source name, mangled name, and type map. Manglers
// compare by the name they serve, not by function identity.
func (c *ScalarCallable) Equal(other Callable) bool {
	otherT, ok := other.(*ScalarCallable)
	if !ok {
		return false
	}
	return c.Name == otherT.Name && c.name == otherT.name &&
		c.types.Equal(otherT.types, func(a, b dtype.DataType) bool { return a == b }) &&
		c.descrs.Equal(otherT.descrs, Descriptor.EqualDescr)
}

// String representation of the callable.
func (c *ScalarCallable) String() string {
	if c.name == "" {
		return fmt.Sprintf("scalar:%s", c.Name)
	}
	return fmt.Sprintf("scalar:%s->%s%s", c.Name, c.name, c.types)
}

// CallableKernel wraps a nested kernel so it can be called from
// another kernel. Specialization rewrites the nested kernel's
// arguments in place of consulting a mangler.
type CallableKernel struct {
	// Kernel is the nested kernel.
	Kernel *Kernel

	// Infer completes argument types after propagation. Optional: when
	// nil, propagated types must already cover every argument.
	Infer TypeInferencer

	name   string
	types  *ArgMap[dtype.DataType]
	descrs *ArgMap[Descriptor]
}

var _ Callable = (*CallableKernel)(nil)

// NewCallableKernel wraps a kernel as a callable.
func NewCallableKernel(k *Kernel, infer TypeInferencer) *CallableKernel {
	return &CallableKernel{Kernel: k, Infer: infer}
}

// InputArgs returns the nested kernel's input arguments in order.
func (c *CallableKernel) InputArgs() []Arg {
	return slices.Collect[Arg](iter.Filter(func(arg Arg) bool {
		return arg.Direction() == In
	}, c.Kernel.Args))
}

// OutputArgs returns the nested kernel's output arguments in order.
func (c *CallableKernel) OutputArgs() []Arg {
	return slices.Collect[Arg](iter.Filter(func(arg Arg) bool {
		return arg.Direction() == Out
	}, c.Kernel.Args))
}

// argByID resolves a positional id to the declared argument.
func (c *CallableKernel) argByID(id ArgID) (Arg, bool) {
	args := c.InputArgs()
	index := int(id)
	if id.IsOutput() {
		args = c.OutputArgs()
		index = -int(id) - 1
	}
	if index >= len(args) {
		return nil, false
	}
	return args[index], true
}

// argID returns the positional id of a declared argument name.
func (c *CallableKernel) argID(name string) (ArgID, bool) {
	in, out := 0, 0
	for _, arg := range c.Kernel.Args {
		var id ArgID
		if arg.Direction() == Out {
			id = ArgID(-out - 1)
			out++
		} else {
			id = ArgID(in)
			in++
		}
		if arg.Name() == name {
			return id, true
		}
	}
	return 0, false
}

// WithTypes propagates the caller-known types onto the matching
// nested-kernel arguments, runs type inference to completion, and
// re-derives the type map from the now-fully-typed arguments.
func (c *CallableKernel) WithTypes(target *Target, types *ArgMap[dtype.DataType]) (Callable, error) {
	if c.types != nil && typesConflict(c.types, types) {
		return nil, &RespecializationError{Name: c.Kernel.Name}
	}
	k := c.Kernel.clone()
	for i, arg := range k.Args {
		dt, ok := c.lookupType(types, arg)
		if !ok {
			continue
		}
		if arg.Dtype().Valid() && arg.Dtype() != dt {
			return nil, &RespecializationError{Name: c.Kernel.Name}
		}
		k.Args[i] = arg.WithDtype(dt)
	}
	if c.Infer != nil {
		inferred, err := c.Infer.Infer(k)
		if err != nil {
			return nil, err
		}
		k = inferred
	}
	resolved := NewArgMap[dtype.DataType]()
	for _, arg := range k.Args {
		if !arg.Dtype().Valid() {
			return nil, &UnresolvedCallableError{Name: c.Kernel.Name}
		}
		id, _ := c.argID(arg.Name())
		resolved.StorePos(id, arg.Dtype())
		resolved.StoreKw(arg.Name(), arg.Dtype())
	}
	cp := *c
	cp.Kernel = k
	cp.types = resolved
	return &cp, nil
}

// lookupType finds the caller-supplied type for an argument, by
// keyword name first, then by positional id.
func (c *CallableKernel) lookupType(types *ArgMap[dtype.DataType], arg Arg) (dtype.DataType, bool) {
	if types == nil {
		return dtype.Invalid, false
	}
	if dt, ok := types.Kw(arg.Name()); ok {
		return dt, true
	}
	id, ok := c.argID(arg.Name())
	if !ok {
		return dtype.Invalid, false
	}
	return types.Pos(id)
}

// WithDescrs rewrites the nested kernel's matching arguments with the
// caller-supplied shapes, strides and memory scopes.
func (c *CallableKernel) WithDescrs(descrs *ArgMap[Descriptor]) (Callable, error) {
	k := c.Kernel.clone()
	for i, arg := range k.Args {
		id, ok := c.argID(arg.Name())
		if !ok {
			continue
		}
		descr, ok := descrs.Pos(id)
		if !ok {
			descr, ok = descrs.Kw(arg.Name())
		}
		if !ok {
			continue
		}
		arrayDescr, ok := descr.(*ArrayDescriptor)
		if !ok {
			continue
		}
		arrayArg, ok := arg.(*ArrayArg)
		if !ok {
			return nil, errors.Errorf("argument %s of kernel %s is scalar but is passed an array", arg.Name(), k.Name)
		}
		cp := *arrayArg
		cp.Shape = slices.Clone(arrayDescr.Shape)
		cp.Tags = slices.Clone(arrayDescr.Tags)
		cp.Scope = arrayDescr.Scope
		k.Args[i] = &cp
	}
	cp := *c
	cp.Kernel = k
	cp.descrs = descrs.Clone()
	return &cp, nil
}

// WithHWAxes installs the caller-imposed grid so the nested kernel
// reports the caller's grid shape instead of deriving its own.
func (c *CallableKernel) WithHWAxes(group, local []sym.Expr) (Callable, error) {
	k := c.Kernel.clone()
	k.GridOverride = &GridOverride{Group: group, Local: local}
	cp := *c
	cp.Kernel = k
	return &cp, nil
}

// ReadyForCodegen reports whether both specialization maps are
// populated and a concrete target name is assigned.
func (c *CallableKernel) ReadyForCodegen() bool {
	return c.types != nil && c.descrs != nil && c.name != ""
}

// TargetName returns the scoped name assigned during call resolution.
func (c *CallableKernel) TargetName() string { return c.name }

// WithKernel returns a copy wrapping a different nested kernel,
// keeping the specialization state.
func (c *CallableKernel) WithKernel(k *Kernel) *CallableKernel {
	cp := *c
	cp.Kernel = k
	return &cp
}

// WithTargetName returns a copy with the given scoped name assigned.
func (c *CallableKernel) WithTargetName(name string) *CallableKernel {
	cp := *c
	cp.name = name
	return &cp
}

// Types returns the specialized type map.
func (c *CallableKernel) Types() *ArgMap[dtype.DataType] { return c.types }

// Descrs returns the specialized descriptor map.
func (c *CallableKernel) Descrs() *ArgMap[Descriptor] { return c.descrs }

// Equal compares by nested-kernel name and specialization maps. Two
// wrappings of same-named kernels at the same specialization stage are
// the same callable.
func (c *CallableKernel) Equal(other Callable) bool {
	otherT, ok := other.(*CallableKernel)
	if !ok {
		return false
	}
	return c.Kernel.Name == otherT.Kernel.Name &&
		c.types.Equal(otherT.types, func(a, b dtype.DataType) bool { return a == b }) &&
		c.descrs.Equal(otherT.descrs, Descriptor.EqualDescr)
}

// String representation of the callable.
func (c *CallableKernel) String() string {
	return fmt.Sprintf("kernel:%s%s", c.Kernel.Name, c.types)
}
