// Copyright 2026 The gVisor Authors.
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

package mm

import (
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/vmspace/pkg/hostarch"
)

// regionSetDegree is the degree of the region B-tree.
const regionSetDegree = 16

// regionSet is a set of non-overlapping regions ordered by start address.
//
// regionSet is not synchronized; it is protected by AddressSpace.mappingMu.
type regionSet struct {
	tree *btree.BTreeG[*Region]
}

func regionLess(a, b *Region) bool {
	return a.ar.Start < b.ar.Start
}

func newRegionSet() regionSet {
	return regionSet{tree: btree.NewG(regionSetDegree, regionLess)}
}

// pivot returns a key for tree lookups at addr.
func pivot(addr hostarch.Addr) *Region {
	return &Region{ar: hostarch.AddrRange{Start: addr, End: addr}}
}

// len returns the number of regions in the set.
func (s *regionSet) len() int {
	return s.tree.Len()
}

// insert adds r to the set.
//
// Preconditions: r does not overlap any region in the set.
func (s *regionSet) insert(r *Region) {
	if prev := s.findAddr(r.ar.Start); prev != nil {
		panic(fmt.Sprintf("inserting region %v overlapping %v", r.ar, prev.ar))
	}
	if next, ok := s.lowerBound(r.ar.Start); ok && next.ar.Start < r.ar.End {
		panic(fmt.Sprintf("inserting region %v overlapping %v", r.ar, next.ar))
	}
	s.tree.ReplaceOrInsert(r)
}

// remove removes r from the set.
func (s *regionSet) remove(r *Region) {
	got, ok := s.tree.Delete(r)
	if !ok || got != r {
		panic(fmt.Sprintf("removing region %v not in the set", r.ar))
	}
}

// clear removes all regions from the set.
func (s *regionSet) clear() {
	s.tree.Clear(false)
}

// findAddr returns the region containing addr, or nil.
func (s *regionSet) findAddr(addr hostarch.Addr) *Region {
	var found *Region
	s.tree.DescendLessOrEqual(pivot(addr), func(r *Region) bool {
		if r.ar.Contains(addr) {
			found = r
		}
		return false
	})
	return found
}

// lowerBound returns the first region starting at or after addr.
func (s *regionSet) lowerBound(addr hostarch.Addr) (*Region, bool) {
	var found *Region
	s.tree.AscendGreaterOrEqual(pivot(addr), func(r *Region) bool {
		found = r
		return false
	})
	return found, found != nil
}

// overlapping returns the regions overlapping ar, in address order.
func (s *regionSet) overlapping(ar hostarch.AddrRange) []*Region {
	var rs []*Region
	if r := s.findAddr(ar.Start); r != nil {
		rs = append(rs, r)
	}
	s.tree.AscendRange(pivot(ar.Start), pivot(ar.End), func(r *Region) bool {
		if len(rs) == 0 || rs[len(rs)-1] != r {
			rs = append(rs, r)
		}
		return true
	})
	return rs
}

// ascend calls fn on every region in address order until fn returns false.
func (s *regionSet) ascend(fn func(r *Region) bool) {
	s.tree.Ascend(fn)
}

// findGap returns the lowest address in [start, bounds.End) at which length
// bytes are unmapped, ignoring addresses below bounds.Start.
func (s *regionSet) findGap(bounds hostarch.AddrRange, start hostarch.Addr, length uint64) (hostarch.Addr, bool) {
	if start < bounds.Start {
		start = bounds.Start
	}
	if r := s.findAddr(start); r != nil {
		start = r.ar.End
	}
	candidate := start
	fits := func(limit hostarch.Addr) bool {
		end, ok := candidate.AddLength(length)
		return ok && end <= limit
	}
	found := false
	s.tree.AscendGreaterOrEqual(pivot(start), func(r *Region) bool {
		if fits(r.ar.Start) {
			found = true
			return false
		}
		candidate = r.ar.End
		return candidate < bounds.End
	})
	if found || fits(bounds.End) {
		return candidate, true
	}
	return 0, false
}
