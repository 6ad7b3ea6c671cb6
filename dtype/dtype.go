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

// Package dtype defines the numerical data types carried by kernel
// arguments and temporary variables.
package dtype

import "github.com/pkg/errors"

// DataType of a scalar element.
type DataType uint

// Data types supported by kernels.
const (
	Invalid DataType = iota

	Bool
	Int32
	Int64
	Uint32
	Uint64
	Float32
	Float64
	Complex64
	Complex128
)

var names = map[DataType]string{
	Invalid:    "invalid",
	Bool:       "bool",
	Int32:      "int32",
	Int64:      "int64",
	Uint32:     "uint32",
	Uint64:     "uint64",
	Float32:    "float32",
	Float64:    "float64",
	Complex64:  "complex64",
	Complex128: "complex128",
}

// String representation of the data type.
func (d DataType) String() string {
	name, ok := names[d]
	if !ok {
		return "invalid"
	}
	return name
}

// Valid returns true for any concrete data type.
func (d DataType) Valid() bool {
	return d != Invalid && d <= Complex128
}

// IsFloat returns true for real floating point types.
func (d DataType) IsFloat() bool {
	return d == Float32 || d == Float64
}

// IsComplex returns true for complex types.
func (d DataType) IsComplex() bool {
	return d == Complex64 || d == Complex128
}

// Size returns the storage size of one element in bytes.
func (d DataType) Size() (int64, error) {
	switch d {
	case Bool:
		return 1, nil
	case Int32, Uint32, Float32:
		return 4, nil
	case Int64, Uint64, Float64, Complex64:
		return 8, nil
	case Complex128:
		return 16, nil
	}
	return 0, errors.Errorf("no storage size for data type %s", d)
}
