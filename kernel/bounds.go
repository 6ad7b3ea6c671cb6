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

	"github.com/loopix-org/loopix/aff"
	"github.com/loopix-org/loopix/sym"
)

// InameBounds returns the inclusive lower bound and the length of an
// iname as simplified quasi-affine expressions, going through the
// kernel's shared affine-query cache.
func (k *Kernel) InameBounds(iname string) (lo, length sym.Expr, err error) {
	dim, ok := k.Domain.DimIndex(iname)
	if !ok {
		return nil, nil, errors.Errorf("%s is not an iname of kernel %s", iname, k.Name)
	}
	lo = k.Cache.DimMin(k.Domain, dim)
	hi := k.Cache.DimMax(k.Domain, dim)
	length = aff.Simplify(&sym.Binary{
		Op: sym.Add,
		X:  &sym.Binary{Op: sym.Sub, X: hi, Y: lo},
		Y:  &sym.Int{Value: 1},
	})
	return lo, length, nil
}

// ConstantInameLength returns the trip count of an iname, failing when
// the bounds are symbolic.
func (k *Kernel) ConstantInameLength(iname string) (int64, error) {
	_, length, err := k.InameBounds(iname)
	if err != nil {
		return 0, err
	}
	value, ok := aff.ConstValue(length)
	if !ok {
		return 0, errors.Errorf("length of iname %s in kernel %s is not constant: %s", iname, k.Name, length)
	}
	return value, nil
}

// GridSizes derives the hardware grid from iname tags: the length of
// every group-tagged iname becomes the size of its group axis, and
// likewise for local axes. Untagged axes get size one. With ignoreAuto
// set, inames still tagged for automatic local-axis assignment are
// skipped instead of failing.
//
// A hardware-axis specialization installed on the kernel overrides the
// derivation entirely.
func (k *Kernel) GridSizes(ignoreAuto bool) (group, local []sym.Expr, err error) {
	if k.GridOverride != nil {
		return k.GridOverride.Group, k.GridOverride.Local, nil
	}
	groupByAxis := map[int]sym.Expr{}
	localByAxis := map[int]sym.Expr{}
	for _, iname := range k.AllInames() {
		for _, tag := range k.InameTags[iname] {
			var byAxis map[int]sym.Expr
			var axis int
			switch tagT := tag.(type) {
			case GroupIndexTag:
				byAxis, axis = groupByAxis, tagT.Axis
			case LocalIndexTag:
				byAxis, axis = localByAxis, tagT.Axis
			case AutoLocalIndexTag:
				if ignoreAuto {
					continue
				}
				return nil, nil, errors.Errorf("iname %s of kernel %s still has an automatic local axis: run local-axis assignment first", iname, k.Name)
			default:
				continue
			}
			if _, taken := byAxis[axis]; taken {
				return nil, nil, errors.Errorf("multiple inames tagged onto axis %d of kernel %s", axis, k.Name)
			}
			_, length, err := k.InameBounds(iname)
			if err != nil {
				return nil, nil, err
			}
			byAxis[axis] = length
		}
	}
	group = axisSlice(groupByAxis)
	local = axisSlice(localByAxis)
	if k.Target != nil && k.Target.MaxGridDims > 0 {
		if len(group) > k.Target.MaxGridDims || len(local) > k.Target.MaxGridDims {
			return nil, nil, errors.Errorf("kernel %s uses more than %d grid axes supported by target %s", k.Name, k.Target.MaxGridDims, k.Target.Name)
		}
	}
	return group, local, nil
}

func axisSlice(byAxis map[int]sym.Expr) []sym.Expr {
	maxAxis := -1
	for axis := range byAxis {
		if axis > maxAxis {
			maxAxis = axis
		}
	}
	sizes := make([]sym.Expr, maxAxis+1)
	for i := range sizes {
		if size, ok := byAxis[i]; ok {
			sizes[i] = size
		} else {
			sizes[i] = &sym.Int{Value: 1}
		}
	}
	return sizes
}

// LocalMemUse returns the total bytes of workgroup-scoped temporary
// storage the kernel declares.
func (k *Kernel) LocalMemUse() (int64, error) {
	var total int64
	for _, temp := range k.Temporaries.Iter() {
		if temp.Scope != Workgroup {
			continue
		}
		n, err := temp.NBytes()
		if err != nil {
			return 0, errors.Wrapf(err, "cannot size temporary variable %s of kernel %s", temp.Name, k.Name)
		}
		total += n
	}
	return total, nil
}
