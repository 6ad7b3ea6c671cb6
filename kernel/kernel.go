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

// Package kernel is the loop-kernel data model: instructions over an
// affine iteration domain, arguments and temporary variables,
// substitution rules, scoped callables, and the membership-inference
// engine deciding which loops each instruction runs under.
//
// Kernels are immutable values. Every transform returns a new kernel;
// derived data (writer maps, inferred inames) is memoised per value.
package kernel

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/exp/maps"

	"github.com/loopix-org/loopix/aff"
	gxfmt "github.com/loopix-org/loopix/base/fmt"
	"github.com/loopix-org/loopix/base/ordered"
	"github.com/loopix-org/loopix/base/uname"
	"github.com/loopix-org/loopix/sym"
)

// Target describes the compute device a kernel is being compiled for.
// It only carries what call resolution needs: manglers key on it, and
// grid-size derivation checks its axis limit.
type Target struct {
	// Name of the target.
	Name string

	// MaxGridDims is the maximum number of hardware grid axes.
	MaxGridDims int
}

// LookupFn resolves a source-level function name to a callable for a
// target. It returns false if the name is not recognised.
type LookupFn func(target *Target, name string) (Callable, bool)

// Kernel is an array-based loop program: a list of instructions over
// an iteration domain. The instruction list order only provides id
// stability; execution order comes from dependencies and scheduling.
//
// A kernel must be treated as immutable once built.
type Kernel struct {
	// Name of the kernel.
	Name string

	// Domain is the iteration domain: every dimension is an iname.
	Domain aff.Set

	// Instructions of the kernel.
	Instructions []*Instruction

	// Args are the caller-visible arguments, in declaration order.
	Args []Arg

	// Temporaries maps names to kernel-private storage.
	Temporaries *ordered.Map[string, *TemporaryVariable]

	// Substitutions maps names to substitution rules.
	Substitutions *ordered.Map[string, *SubstitutionRule]

	// InameTags maps an iname to its tags.
	InameTags map[string][]IndexTag

	// Callables is the scoped-callable table: unique generated name to
	// callable.
	Callables *ordered.Map[string, Callable]

	// Lookups are the registered function lookups, most recent first.
	Lookups []LookupFn

	// Target of the kernel, if known.
	Target *Target

	// Assumptions constrains the symbolic parameters.
	Assumptions aff.Set

	// Cache memoises affine bound queries. Injected so that it can be
	// shared across kernel values built from the same domains.
	Cache *aff.OpCache

	// GridOverride, when set, replaces the kernel's own grid-size
	// derivation (installed by hardware-axis specialization).
	GridOverride *GridOverride

	memo *memo
}

type memo struct {
	idToInsn   map[string]*Instruction
	writer     map[string][]string
	writerErr  error
	writerDone bool
	insnInames map[string]nameSet
	inamesErr  error
	inamesDone bool
}

// Option configures a kernel under construction.
type Option func(*Kernel)

// WithArgs declares the kernel arguments.
func WithArgs(args ...Arg) Option {
	return func(k *Kernel) { k.Args = args }
}

// WithTemporaries declares temporary variables.
func WithTemporaries(temps ...*TemporaryVariable) Option {
	return func(k *Kernel) {
		for _, temp := range temps {
			k.Temporaries.Store(temp.Name, temp)
		}
	}
}

// WithSubstitutions declares substitution rules.
func WithSubstitutions(rules ...*SubstitutionRule) Option {
	return func(k *Kernel) {
		for _, rule := range rules {
			k.Substitutions.Store(rule.Name, rule)
		}
	}
}

// WithTag assigns a tag to an iname.
func WithTag(iname string, tags ...IndexTag) Option {
	return func(k *Kernel) {
		k.InameTags[iname] = append(k.InameTags[iname], tags...)
	}
}

// WithTarget sets the compute target.
func WithTarget(target *Target) Option {
	return func(k *Kernel) { k.Target = target }
}

// WithAssumptions constrains the symbolic parameters.
func WithAssumptions(set aff.Set) Option {
	return func(k *Kernel) { k.Assumptions = set }
}

// WithCache injects a shared affine-query cache.
func WithCache(cache *aff.OpCache) Option {
	return func(k *Kernel) { k.Cache = cache }
}

// New builds a kernel and validates its construction invariants:
// instruction ids are unique, the names of arguments, temporaries,
// substitution rules and inames form one flat namespace, and every
// assignee is a variable or a subscripted variable.
func New(name string, domain aff.Set, instructions []*Instruction, options ...Option) (*Kernel, error) {
	k := &Kernel{
		Name:          name,
		Domain:        domain,
		Instructions:  instructions,
		Temporaries:   ordered.NewMap[string, *TemporaryVariable](),
		Substitutions: ordered.NewMap[string, *SubstitutionRule](),
		InameTags:     make(map[string][]IndexTag),
		Callables:     ordered.NewMap[string, Callable](),
		Cache:         aff.NewOpCache(),
	}
	for _, option := range options {
		option(k)
	}
	var errs error
	ids := newNameSet()
	for _, insn := range k.Instructions {
		if ids.has(insn.ID) {
			errs = multierr.Append(errs, &DuplicateInstructionIDError{ID: insn.ID})
		}
		ids.add(insn.ID)
		if _, err := insn.AssigneeVarNames(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	names := newNameSet()
	claim := func(name, kind string) {
		if names.has(name) {
			errs = multierr.Append(errs, errors.Errorf("%s %s collides with another declared name", kind, name))
		}
		names.add(name)
	}
	for _, arg := range k.Args {
		claim(arg.Name(), "argument")
	}
	for name := range k.Temporaries.Keys() {
		claim(name, "temporary variable")
	}
	for name := range k.Substitutions.Keys() {
		claim(name, "substitution rule")
	}
	for i := range k.Domain.Dims() {
		claim(k.Domain.DimName(i), "iname")
	}
	if errs != nil {
		return nil, errors.Wrapf(errs, "cannot build kernel %s", name)
	}
	return k, nil
}

// clone returns a copy sharing unchanged structure, with fresh memo
// state and freshly cloned containers so the copy can be extended.
func (k *Kernel) clone() *Kernel {
	cp := *k
	cp.Instructions = slices.Clone(k.Instructions)
	cp.Args = slices.Clone(k.Args)
	cp.Temporaries = k.Temporaries.Clone()
	cp.Substitutions = k.Substitutions.Clone()
	cp.InameTags = make(map[string][]IndexTag, len(k.InameTags))
	for iname, tags := range k.InameTags {
		cp.InameTags[iname] = slices.Clone(tags)
	}
	cp.Callables = k.Callables.Clone()
	cp.Lookups = slices.Clone(k.Lookups)
	cp.memo = nil
	return &cp
}

func (k *Kernel) ensureMemo() *memo {
	if k.memo == nil {
		k.memo = &memo{}
	}
	return k.memo
}

// IDToInsn returns the id-to-instruction lookup table.
func (k *Kernel) IDToInsn() map[string]*Instruction {
	m := k.ensureMemo()
	if m.idToInsn == nil {
		m.idToInsn = make(map[string]*Instruction, len(k.Instructions))
		for _, insn := range k.Instructions {
			m.idToInsn[insn.ID] = insn
		}
	}
	return m.idToInsn
}

// AllInames returns the set of all inames, in domain order.
func (k *Kernel) AllInames() []string {
	names := make([]string, k.Domain.Dims())
	for i := range names {
		names[i] = k.Domain.DimName(i)
	}
	return names
}

func (k *Kernel) inameSet() nameSet {
	return newNameSet(k.AllInames()...)
}

// ArgByName returns the declared argument with the given name.
func (k *Kernel) ArgByName(name string) (Arg, bool) {
	for _, arg := range k.Args {
		if arg.Name() == name {
			return arg, true
		}
	}
	return nil, false
}

// writableNames are the names an instruction may legally assign to:
// output arguments and temporary variables.
func (k *Kernel) writableNames() nameSet {
	set := newNameSet()
	for _, arg := range k.Args {
		if arg.Direction() == Out {
			set.add(arg.Name())
		}
	}
	for name := range k.Temporaries.Keys() {
		set.add(name)
	}
	return set
}

// WriterMap maps a variable name to the ids of the instructions that
// assign it. It fails with UndeclaredVariableError when an assignee is
// neither an output argument nor a temporary.
func (k *Kernel) WriterMap() (map[string][]string, error) {
	m := k.ensureMemo()
	if m.writerDone {
		return m.writer, m.writerErr
	}
	m.writerDone = true
	writable := k.writableNames()
	writer := make(map[string][]string)
	for _, insn := range k.Instructions {
		names, err := insn.AssigneeVarNames()
		if err != nil {
			m.writerErr = err
			return nil, err
		}
		for _, name := range names {
			if !writable.has(name) {
				m.writerErr = &UndeclaredVariableError{Name: name}
				return nil, m.writerErr
			}
			writer[name] = append(writer[name], insn.ID)
		}
	}
	m.writer = writer
	return writer, nil
}

// ReaderMap maps a variable name to the ids of the instructions that
// read it. Only declared arguments and temporaries are tracked.
func (k *Kernel) ReaderMap() map[string][]string {
	admissible := newNameSet()
	for _, arg := range k.Args {
		admissible.add(arg.Name())
	}
	for name := range k.Temporaries.Keys() {
		admissible.add(name)
	}
	reader := make(map[string][]string)
	for _, insn := range k.Instructions {
		for _, name := range insn.ReadVars() {
			if admissible.has(name) {
				reader[name] = append(reader[name], insn.ID)
			}
		}
	}
	return reader
}

// AllVariableNames returns every name in the kernel's flat namespace:
// arguments, temporaries, substitution rules, and inames.
func (k *Kernel) AllVariableNames() []string {
	var all []string
	for _, arg := range k.Args {
		all = append(all, arg.Name())
	}
	all = append(all, slices.Collect(k.Temporaries.Keys())...)
	all = append(all, slices.Collect(k.Substitutions.Keys())...)
	all = append(all, k.AllInames()...)
	return all
}

// UniqueInstructionID returns an id based on the given stem that is
// not used by any instruction, nor present in extraUsed.
func (k *Kernel) UniqueInstructionID(basedOn string, extraUsed ...string) string {
	used := newNameSet(extraUsed...)
	for _, insn := range k.Instructions {
		used.add(insn.ID)
	}
	candidate := basedOn
	for used.has(candidate) {
		candidate = uname.NextIndexed(candidate)
	}
	return candidate
}

// UniqueVarName returns a variable name based on the given stem that
// does not collide with the kernel namespace nor with extraUsed.
func (k *Kernel) UniqueVarName(basedOn string, extraUsed ...string) string {
	used := newNameSet(extraUsed...)
	used.add(k.AllVariableNames()...)
	candidate := basedOn
	for used.has(candidate) {
		candidate = uname.NextIndexed(candidate)
	}
	return candidate
}

// ExpandSubstitutions expands every substitution-rule invocation in
// the expression: a call whose unresolved function name matches a rule
// is replaced by the rule body with formals substituted, recursively.
func (k *Kernel) ExpandSubstitutions(expr sym.Expr) sym.Expr {
	return k.expandSubstitutions(expr, newNameSet())
}

func (k *Kernel) expandSubstitutions(expr sym.Expr, expanding nameSet) sym.Expr {
	return sym.Rewrite(expr, func(node sym.Expr) sym.Expr {
		call, ok := node.(*sym.Call)
		if !ok || call.Func.Resolved || expanding.has(call.Func.Name) {
			return node
		}
		rule, ok := k.Substitutions.Load(call.Func.Name)
		if !ok || len(rule.Arguments) != len(call.Params) {
			return node
		}
		subst := make(map[string]sym.Expr, len(rule.Arguments))
		for i, formal := range rule.Arguments {
			subst[formal] = call.Params[i]
		}
		inner := expanding.clone()
		inner.add(rule.Name)
		return k.expandSubstitutions(sym.Substitute(rule.Body, subst), inner)
	})
}

// WithLookup returns a copy with the function lookup registered.
// Lookups registered later take precedence.
func (k *Kernel) WithLookup(lookup LookupFn) *Kernel {
	cp := k.clone()
	cp.Lookups = append(cp.Lookups, lookup)
	return cp
}

// SequentialInames returns the inames bound by reductions anywhere in
// the kernel. An iname that is both reduction-bound and tagged
// parallel fails with InconsistentInameError.
func (k *Kernel) SequentialInames() ([]string, error) {
	seq := newNameSet()
	for _, insn := range k.Instructions {
		seq.add(insn.ReductionInames()...)
	}
	for _, iname := range seq.sorted() {
		for _, tag := range k.InameTags[iname] {
			if tag.Parallel() {
				return nil, &InconsistentInameError{Iname: iname}
			}
		}
	}
	return seq.sorted(), nil
}

// MapExpressions returns a copy with f applied to every instruction
// expression and substitution-rule body.
func (k *Kernel) MapExpressions(f func(sym.Expr) sym.Expr) *Kernel {
	cp := k.clone()
	cp.Instructions = make([]*Instruction, len(k.Instructions))
	for i, insn := range k.Instructions {
		insnCp := insn.Clone()
		if insnCp.Expression != nil {
			insnCp.Expression = f(insnCp.Expression)
		}
		for j, assignee := range insnCp.Assignees {
			insnCp.Assignees[j] = f(assignee)
		}
		cp.Instructions[i] = insnCp
	}
	cp.Substitutions = ordered.NewMap[string, *SubstitutionRule]()
	for name, rule := range k.Substitutions.Iter() {
		cp.Substitutions.Store(name, &SubstitutionRule{
			Name:      rule.Name,
			Arguments: slices.Clone(rule.Arguments),
			Body:      f(rule.Body),
		})
	}
	return cp
}

const sectionSep = "---------------------------------------------------------------------------"

// String renders the kernel section by section: tags, domain,
// substitution rules, instructions with their loop membership, and
// dependencies.
func (k *Kernel) String() string {
	var s strings.Builder
	s.WriteString(sectionSep + "\n")
	s.WriteString("INAME-TO-TAG MAP:\n")
	tagged := maps.Keys(k.InameTags)
	slices.Sort(tagged)
	for _, iname := range tagged {
		tags := make([]string, len(k.InameTags[iname]))
		for i, tag := range k.InameTags[iname] {
			tags[i] = tag.String()
		}
		fmt.Fprintf(&s, "%s: %s\n", iname, strings.Join(tags, ","))
	}
	s.WriteString(sectionSep + "\n")
	s.WriteString("DOMAIN:\n")
	fmt.Fprintf(&s, "%s\n", k.Domain)
	if k.Substitutions.Size() > 0 {
		s.WriteString(sectionSep + "\n")
		s.WriteString("SUBSTITUTION RULES:\n")
		for _, rule := range k.Substitutions.Iter() {
			fmt.Fprintf(&s, "%s\n", rule)
		}
	}
	s.WriteString(sectionSep + "\n")
	s.WriteString("INSTRUCTIONS:\n")
	inames, inamesErr := k.AllInsnInames()
	for _, insn := range k.Instructions {
		var loops string
		if inamesErr == nil {
			loops = strings.Join(inames[insn.ID], ",")
		}
		fmt.Fprintf(&s, "[%s] %s\n", loops, insn)
	}
	s.WriteString(sectionSep + "\n")
	deps := false
	for _, insn := range k.Instructions {
		if len(insn.DependsOn) > 0 {
			if !deps {
				s.WriteString("DEPENDENCIES:\n")
				deps = true
			}
			fmt.Fprintf(&s, "%s : %s\n", insn.ID, strings.Join(insn.DependsOn, ","))
		}
	}
	if deps {
		s.WriteString(sectionSep + "\n")
	}
	return s.String()
}

// DotDependencyGraph renders the instruction dependency graph in dot
// format, with dotted edges from inames to their instructions.
func (k *Kernel) DotDependencyGraph() (string, error) {
	inames, err := k.AllInsnInames()
	if err != nil {
		return "", err
	}
	var body strings.Builder
	for _, insn := range k.Instructions {
		fmt.Fprintf(&body, "%s [shape=\"box\"];\n", insn.ID)
		for _, dep := range insn.DependsOn {
			fmt.Fprintf(&body, "%s -> %s;\n", dep, insn.ID)
		}
		for _, iname := range inames[insn.ID] {
			fmt.Fprintf(&body, "%s -> %s [style=\"dotted\"];\n", iname, insn.ID)
		}
	}
	return fmt.Sprintf("digraph deps {\n%s}", gxfmt.Indent(body.String())), nil
}
