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
	"github.com/pkg/errors"

	"github.com/loopix-org/loopix/sym"
)

// Loop-membership inference: decide, for each instruction, the set of
// inames it must run under. An instruction directly depends on the
// inames free in its expression and assignees; it further inherits,
// through each temporary it reads, the loop context common to all the
// writers of that temporary. The inheritance is computed as a fixed
// point so that chains and cycles of temporaries converge.

// insnInames runs the inference and memoises the resulting map from
// instruction id to iname set. The caller must not mutate the sets.
func (k *Kernel) insnInames() (map[string]nameSet, error) {
	m := k.ensureMemo()
	if m.inamesDone {
		return m.insnInames, m.inamesErr
	}
	m.inamesDone = true
	writer, err := k.WriterMap()
	if err != nil {
		m.inamesErr = err
		return nil, err
	}
	allInames := k.inameSet()

	// Per-instruction seed sets. assignee[id] holds the inames that
	// index the write target: they are provided by the instruction
	// rather than inherited by its readers.
	current := make(map[string]nameSet, len(k.Instructions))
	assignee := make(map[string]nameSet, len(k.Instructions))
	bound := make(map[string]nameSet, len(k.Instructions))
	for _, insn := range k.Instructions {
		direct := newNameSet()
		if insn.Expression != nil {
			direct.add(k.freeVars(insn.Expression)...)
		}
		direct.add(insn.assigneeVars()...)
		direct = direct.intersect(allInames)
		direct.add(insn.ForcedInames...)
		current[insn.ID] = direct
		assignee[insn.ID] = newNameSet(insn.assigneeVars()...).intersect(allInames)
		bound[insn.ID] = newNameSet(insn.ReductionInames()...)
	}

	for changed := true; changed; {
		changed = false
		for _, insn := range k.Instructions {
			implicit := newNameSet()
			for _, read := range insn.ReadVars() {
				if !k.Temporaries.Has(read) {
					continue
				}
				writers := writer[read]
				if len(writers) == 0 {
					continue
				}
				// Intersection over all writers of the loop context
				// each writer needs, excluding the loops that merely
				// index the written element.
				var common nameSet
				for _, wid := range writers {
					contributed := current[wid].minus(assignee[wid])
					if common == nil {
						common = contributed
					} else {
						common = common.intersect(contributed)
					}
				}
				implicit = implicit.union(common)
			}
			next := current[insn.ID].union(implicit).minus(bound[insn.ID])
			if !next.equal(current[insn.ID]) {
				current[insn.ID] = next
				changed = true
			}
		}
	}
	m.insnInames = current
	return current, nil
}

// freeVars returns the free variables of the expression after
// substitution-rule expansion, so that inames referenced only inside a
// rule body still count.
func (k *Kernel) freeVars(expr sym.Expr) []string {
	if k.Substitutions.Size() > 0 {
		expr = k.ExpandSubstitutions(expr)
	}
	return sym.Vars(expr)
}

// InsnInames returns the inames the given instruction must run under,
// sorted.
func (k *Kernel) InsnInames(id string) ([]string, error) {
	inames, err := k.insnInames()
	if err != nil {
		return nil, err
	}
	set, ok := inames[id]
	if !ok {
		return nil, errors.Errorf("no instruction with id %s in kernel %s", id, k.Name)
	}
	return set.sorted(), nil
}

// AllInsnInames returns the inferred iname sets for every instruction,
// keyed by instruction id, each sorted.
func (k *Kernel) AllInsnInames() (map[string][]string, error) {
	inames, err := k.insnInames()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(inames))
	for id, set := range inames {
		out[id] = set.sorted()
	}
	return out, nil
}
