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


package pgalloc

import (
	"fmt"

	"github.com/google/btree"
)

const freeSetDegree = 8

// freeSet is the set of unreferenced pages of a MemoryFile, stored as
// maximal runs ordered by offset. Runs never overlap or touch.
type freeSet struct {
	tree *btree.BTreeG[FileRange]
}

func newFreeSet() freeSet {
	return freeSet{tree: btree.NewG(freeSetDegree, func(a, b FileRange) bool {
		return a.Start < b.Start
	})}
}

// floor returns the run with the greatest start <= off.
func (s *freeSet) floor(off uint64) (FileRange, bool) {
	var (
		run FileRange
		ok  bool
	)
	s.tree.DescendLessOrEqual(FileRange{Start: off}, func(fr FileRange) bool {
		run, ok = fr, true
		return false
	})
	return run, ok
}

// ceiling returns the run with the least start >= off.
func (s *freeSet) ceiling(off uint64) (FileRange, bool) {
	var (
		run FileRange
		ok  bool
	)
	s.tree.AscendGreaterOrEqual(FileRange{Start: off}, func(fr FileRange) bool {
		run, ok = fr, true
		return false
	})
	return run, ok
}

// last returns the run with the greatest offset.
func (s *freeSet) last() (FileRange, bool) {
	return s.tree.Max()
}

// firstFit returns the lowest run of at least length bytes.
func (s *freeSet) firstFit(length uint64) (FileRange, bool) {
	var (
		run FileRange
		ok  bool
	)
	s.tree.Ascend(func(fr FileRange) bool {
		if fr.Length() >= length {
			run, ok = fr, true
			return false
		}
		return true
	})
	return run, ok
}

// add marks fr free, merging it with adjacent runs.
//
// Preconditions: No page in fr is free.
func (s *freeSet) add(fr FileRange) {
	if fr.Length() == 0 {
		return
	}
	if prev, ok := s.floor(fr.Start); ok {
		if prev.End > fr.Start {
			panic(fmt.Sprintf("free range %v overlaps free run %v", fr, prev))
		}
		if prev.End == fr.Start {
			s.tree.Delete(prev)
			fr.Start = prev.Start
		}
	}
	if next, ok := s.ceiling(fr.Start + 1); ok {
		if next.Start < fr.End {
			panic(fmt.Sprintf("free range %v overlaps free run %v", fr, next))
		}
		if next.Start == fr.End {
			s.tree.Delete(next)
			fr.End = next.End
		}
	}
	s.tree.ReplaceOrInsert(fr)
}

// remove marks fr in use.
//
// Preconditions: fr lies within a single free run.
func (s *freeSet) remove(fr FileRange) {
	run, ok := s.floor(fr.Start)
	if !ok || run.End < fr.End {
		panic(fmt.Sprintf("range %v is not free", fr))
	}
	s.tree.Delete(run)
	if run.Start < fr.Start {
		s.tree.ReplaceOrInsert(FileRange{run.Start, fr.Start})
	}
	if fr.End < run.End {
		s.tree.ReplaceOrInsert(FileRange{fr.End, run.End})
	}
}

// runs returns every free run in offset order.
func (s *freeSet) runs() []FileRange {
	var frs []FileRange
	s.tree.Ascend(func(fr FileRange) bool {
		frs = append(frs, fr)
		return true
	})
	return frs
}
