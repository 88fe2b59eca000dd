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

package hostarch

import (
	"fmt"

	"gvisor.dev/vmspace/pkg/errors/linuxerr"
)

// AddrRange is a half-open range of virtual addresses [Start, End).
//
// AddrRanges are values: every operation below returns a new AddrRange and
// never mutates its receiver.
type AddrRange struct {
	// Start is the first address in the range.
	Start Addr

	// End is the first address beyond the range.
	End Addr
}

// WellFormed returns true if r.Start <= r.End. All other methods on a Range
// require that the Range is well-formed.
func (r AddrRange) WellFormed() bool {
	return r.Start <= r.End
}

// Length returns the length of the range.
func (r AddrRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Contains returns true if r contains x.
func (r AddrRange) Contains(x Addr) bool {
	return r.Start <= x && x < r.End
}

// Overlaps returns true if r and r2 overlap.
func (r AddrRange) Overlaps(r2 AddrRange) bool {
	return r.Start < r2.End && r2.Start < r.End
}

// IsSupersetOf returns true if r is a superset of r2; that is, the range r2 is
// contained within r.
func (r AddrRange) IsSupersetOf(r2 AddrRange) bool {
	return r.Start <= r2.Start && r.End >= r2.End
}

// IsPageAligned returns true if both r.Start and r.End are page-aligned.
func (r AddrRange) IsPageAligned() bool {
	return r.Start.IsPageAligned() && r.End.IsPageAligned()
}

// CanSplitAt returns true if it is legal to split a segment spanning the range
// r at x; that is, splitting at x would produce two ranges, both of which have
// non-zero length.
func (r AddrRange) CanSplitAt(x Addr) bool {
	return r.Contains(x) && r.Start < x
}

// Intersect returns the range of addresses covered by both r and r2.
//
// Preconditions: r and r2 overlap, or r == r2. Intersect panics otherwise.
func (r AddrRange) Intersect(r2 AddrRange) AddrRange {
	if r == r2 {
		return r
	}
	start := r.Start
	if r2.Start > start {
		start = r2.Start
	}
	end := r.End
	if r2.End < end {
		end = r2.End
	}
	if start >= end {
		panic(fmt.Sprintf("Intersect of non-overlapping ranges %v and %v", r, r2))
	}
	return AddrRange{start, end}
}

// Carve returns the parts of r that are not covered by taken, in increasing
// address order. The result has zero, one or two elements; it is empty iff
// taken == r.
//
// Preconditions:
//   - taken.Length() is a multiple of PageSize.
//   - r.IsSupersetOf(taken).
//
// Carve is a bookkeeping primitive for callers that have already validated
// their inputs, so a violated precondition is a bug and panics.
func (r AddrRange) Carve(taken AddrRange) []AddrRange {
	if taken.Length()%PageSize != 0 {
		panic(fmt.Sprintf("Carve of %v with unaligned length %#x", taken, taken.Length()))
	}
	if !taken.WellFormed() || !r.IsSupersetOf(taken) {
		panic(fmt.Sprintf("Carve of %v from %v which does not contain it", taken, r))
	}
	if taken == r {
		return nil
	}
	parts := make([]AddrRange, 0, 2)
	if taken.Start > r.Start {
		parts = append(parts, AddrRange{r.Start, taken.Start})
	}
	if taken.End < r.End {
		parts = append(parts, AddrRange{taken.End, r.End})
	}
	return parts
}

// String implements fmt.Stringer.String.
func (r AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uintptr(r.Start), uintptr(r.End))
}

// ExpandToPageBoundaries returns the smallest page-aligned range covering
// [addr, addr+size). addr and size usually come straight from syscall
// arguments, so every overflow is reported as EINVAL instead of panicking.
func ExpandToPageBoundaries(addr Addr, size uint64) (AddrRange, error) {
	if Addr(size).PageRoundUpWouldWrap() || size > uint64(^Addr(0)) {
		return AddrRange{}, linuxerr.EINVAL
	}
	end, ok := addr.AddLength(size)
	if !ok {
		return AddrRange{}, linuxerr.EINVAL
	}
	roundedEnd, ok := end.RoundUp()
	if !ok {
		return AddrRange{}, linuxerr.EINVAL
	}
	return AddrRange{addr.RoundDown(), roundedEnd}, nil
}
