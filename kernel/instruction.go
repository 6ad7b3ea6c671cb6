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

	"github.com/loopix-org/loopix/sym"
)

// Boostable states whether an instruction may safely be executed
// inside more loops than strictly required.
type Boostable int

// Boostable states.
const (
	// BoostUnknown means no boostability information is available.
	BoostUnknown Boostable = iota
	// BoostYes means the instruction may be hoisted into extra loops.
	BoostYes
	// BoostNo means the instruction must not run under extra loops.
	BoostNo
)

// Instruction is one assignment: write targets, the computed
// expression, and scheduling constraints. An instruction is owned
// exclusively by its kernel; transforms copy it, never mutate it.
type Instruction struct {
	// ID is unique within a kernel. It carries no meaning beyond
	// identity: instruction list order is not execution order.
	ID string

	// Assignees are the write targets: variables or subscripted
	// variables. Only a call instruction may have more than one.
	Assignees []sym.Expr

	// Expression computes the assigned value. A nil expression marks a
	// scheduling no-op.
	Expression sym.Expr

	// ForcedInames are extra inames the instruction must run under,
	// beyond what its expressions imply.
	ForcedInames []string

	// DependsOn lists ids of instructions that must complete first.
	DependsOn []string

	// Boostable states whether extra enclosing loops are safe.
	Boostable Boostable

	// Priority orders instructions during scheduling: higher runs
	// earlier when the schedule has a choice.
	Priority int
}

// Clone returns a deep-enough copy: slices are copied, expressions are
// shared (they are never mutated).
func (insn *Instruction) Clone() *Instruction {
	cp := *insn
	cp.Assignees = slices.Clone(insn.Assignees)
	cp.ForcedInames = slices.Clone(insn.ForcedInames)
	cp.DependsOn = slices.Clone(insn.DependsOn)
	return &cp
}

// IsNoOp returns true for a scheduling marker with no computation.
func (insn *Instruction) IsNoOp() bool {
	return insn.Expression == nil && len(insn.Assignees) == 0
}

// CallExpr returns the call when the instruction's whole expression is
// a single call, which makes it a call instruction.
func (insn *Instruction) CallExpr() (*sym.Call, bool) {
	call, ok := insn.Expression.(*sym.Call)
	return call, ok
}

// assigneeVarName returns the variable name written by an assignee
// expression: the variable itself, or the aggregate of a subscript.
func assigneeVarName(assignee sym.Expr) (string, error) {
	switch assigneeT := assignee.(type) {
	case *sym.Var:
		return assigneeT.Name, nil
	case *sym.Subscript:
		return assigneeT.Agg.Name, nil
	case *sym.SubArrayRef:
		return assigneeT.Sub.Agg.Name, nil
	}
	return "", errors.Errorf("invalid lvalue %s", assignee)
}

// AssigneeVarNames returns the variable names written by the
// instruction.
func (insn *Instruction) AssigneeVarNames() ([]string, error) {
	names := make([]string, len(insn.Assignees))
	for i, assignee := range insn.Assignees {
		name, err := assigneeVarName(assignee)
		if err != nil {
			return nil, errors.Wrapf(err, "instruction %s", insn.ID)
		}
		names[i] = name
	}
	return names, nil
}

// ReadVars returns the free variables of the computed expression.
func (insn *Instruction) ReadVars() []string {
	if insn.Expression == nil {
		return nil
	}
	return sym.Vars(insn.Expression)
}

// assigneeVars returns the free variables of all write targets,
// including subscript index variables.
func (insn *Instruction) assigneeVars() []string {
	var all []string
	seen := make(map[string]bool)
	for _, assignee := range insn.Assignees {
		for _, name := range sym.Vars(assignee) {
			if !seen[name] {
				seen[name] = true
				all = append(all, name)
			}
		}
	}
	return all
}

// ReductionInames returns the inames bound by reduction constructs in
// the instruction's own expression.
func (insn *Instruction) ReductionInames() []string {
	var result []string
	seen := make(map[string]bool)
	var walk func(expr sym.Expr)
	walk = func(expr sym.Expr) {
		switch exprT := expr.(type) {
		case *sym.Reduction:
			for _, iname := range exprT.Inames {
				if !seen[iname] {
					seen[iname] = true
					result = append(result, iname)
				}
			}
			walk(exprT.Body)
		case *sym.Binary:
			walk(exprT.X)
			walk(exprT.Y)
		case *sym.Call:
			for _, param := range exprT.Params {
				walk(param)
			}
		case *sym.Subscript:
			for _, index := range exprT.Index {
				walk(index)
			}
		case *sym.SubArrayRef:
			walk(exprT.Sub)
		}
	}
	if insn.Expression != nil {
		walk(insn.Expression)
	}
	return result
}

// String representation of the instruction.
func (insn *Instruction) String() string {
	var s strings.Builder
	if insn.IsNoOp() {
		fmt.Fprintf(&s, "%s: <no-op>", insn.ID)
	} else {
		assignees := make([]string, len(insn.Assignees))
		for i, assignee := range insn.Assignees {
			assignees[i] = assignee.String()
		}
		fmt.Fprintf(&s, "%s: %s <- %s", insn.ID, strings.Join(assignees, ", "), insn.Expression)
	}
	switch insn.Boostable {
	case BoostYes:
		s.WriteString(" (boostable)")
	case BoostNo:
		s.WriteString(" (not boostable)")
	}
	if len(insn.DependsOn) > 0 {
		fmt.Fprintf(&s, " : %s", strings.Join(insn.DependsOn, ", "))
	}
	return s.String()
}
