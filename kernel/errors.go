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

import "fmt"

// UndeclaredVariableError reports a write target that is not a known
// writable argument or temporary variable.
type UndeclaredVariableError struct {
	Name string
}

func (e *UndeclaredVariableError) Error() string {
	return fmt.Sprintf("variable %s not declared or not allowed for writing", e.Name)
}

// InconsistentInameError reports an iname requiring both parallel and
// sequential treatment.
type InconsistentInameError struct {
	Iname string
}

func (e *InconsistentInameError) Error() string {
	return fmt.Sprintf("sequential/reduction iname %s has a parallel tag", e.Iname)
}

// UnresolvedCallableError reports a call name no lookup function
// recognises.
type UnresolvedCallableError struct {
	Name string
}

func (e *UnresolvedCallableError) Error() string {
	return fmt.Sprintf("no callable found for function %s", e.Name)
}

// RespecializationError reports an attempt to re-specialize an already
// specialized callable with conflicting information.
type RespecializationError struct {
	Name string
}

func (e *RespecializationError) Error() string {
	return fmt.Sprintf("callable %s is already specialized with conflicting types", e.Name)
}

// ArityMismatchError reports a call site whose parameter or assignee
// count disagrees with the callee's declared arguments.
type ArityMismatchError struct {
	Callee string
	InsnID string
	Kind   string
	Got    int
	Want   int
}

func (e *ArityMismatchError) Error() string {
	return fmt.Sprintf("callee %s expects %d %s but instruction %s supplies %d",
		e.Callee, e.Want, e.Kind, e.InsnID, e.Got)
}

// NonConstantShapeError reports index remapping attempted against an
// array whose shape is not fully constant.
type NonConstantShapeError struct {
	Arg    string
	Kernel string
}

func (e *NonConstantShapeError) Error() string {
	return fmt.Sprintf("argument %s in kernel %s does not have a constant shape", e.Arg, e.Kernel)
}

// DuplicateInstructionIDError reports a non-unique instruction id
// supplied at kernel construction.
type DuplicateInstructionIDError struct {
	ID string
}

func (e *DuplicateInstructionIDError) Error() string {
	return fmt.Sprintf("instruction id %s is not unique", e.ID)
}
