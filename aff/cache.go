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

package aff

import (
	"github.com/loopix-org/loopix/base/sync"
	"github.com/loopix-org/loopix/sym"
)

type cacheKey struct {
	set string
	op  string
	dim int
}

// OpCache memoises bound queries on domain sets. Entries are keyed by
// the structural fingerprint of the set together with the operation
// and its arguments, so equal inputs always return the same result and
// a cache may be shared across every kernel value built from the same
// domains.
type OpCache struct {
	entries sync.Map[cacheKey, sym.Expr]
}

// NewOpCache returns an empty cache.
func NewOpCache() *OpCache {
	return &OpCache{}
}

func (c *OpCache) op(set Set, op string, dim int, compute func() sym.Expr) sym.Expr {
	key := cacheKey{set: set.String(), op: op, dim: dim}
	if cached := c.entries.Load(key); cached != nil {
		return cached
	}
	result := compute()
	c.entries.Store(key, result)
	return result
}

// DimMin returns the lower bound of a dimension, simplified.
func (c *OpCache) DimMin(set Set, dim int) sym.Expr {
	return c.op(set, "dim_min", dim, func() sym.Expr {
		return Simplify(set.DimMin(dim))
	})
}

// DimMax returns the inclusive upper bound of a dimension, simplified.
func (c *OpCache) DimMax(set Set, dim int) sym.Expr {
	return c.op(set, "dim_max", dim, func() sym.Expr {
		return Simplify(set.DimMax(dim))
	})
}
