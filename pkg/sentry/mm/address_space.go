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

// Package mm provides an AddressSpace, the set of memory regions mapped into
// a process.
//
// Lock order:
//
//	kernel.Kernel.schedMu
//		mm.AddressSpace.mappingMu
//			softmmu.PageTables.mu
//			memmap.Object.mu
//				memmap.Inode.mu
//					pgalloc.MemoryFile.mu
package mm

import (
	"context"
	"fmt"
	"sync"

	"gvisor.dev/vmspace/pkg/errors/linuxerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/log"
	"gvisor.dev/vmspace/pkg/metric"
	"gvisor.dev/vmspace/pkg/sentry/memmap"
	"gvisor.dev/vmspace/pkg/sentry/platform"
)

// DefaultMaxRegions is the default limit on the number of regions in an
// address space. Linux: vm.max_map_count.
const DefaultMaxRegions = 65530

var (
	regionsAllocated = metric.MustCreateNewUint64Metric("/mm/regions_allocated", "Number of regions allocated.")
	unmaps           = metric.MustCreateNewUint64Metric("/mm/unmaps", "Number of successful unmap operations.")
	cowConversions   = metric.MustCreateNewUint64Metric("/mm/cow_conversions", "Number of shared regions converted to private copies by the write path.")
	remaps           = metric.MustCreateNewUint64Metric("/mm/remaps", "Number of page table resyncs requested for regions.")
)

// Layout is the range of addresses available to an AddressSpace.
type Layout struct {
	// MinAddr is the lowest mappable address.
	MinAddr hostarch.Addr

	// MaxAddr is the highest mappable address, exclusive.
	MaxAddr hostarch.Addr
}

func (l Layout) bounds() hostarch.AddrRange {
	return hostarch.AddrRange{Start: l.MinAddr, End: l.MaxAddr}
}

// AddressSpaceOpts are options to NewAddressSpace.
type AddressSpaceOpts struct {
	// MMU receives page table updates. It is required.
	MMU platform.MMU

	// Layout bounds the addresses available for regions.
	Layout Layout

	// MaxRegions limits the number of regions. If MaxRegions is 0,
	// DefaultMaxRegions is used.
	MaxRegions int
}

// AddressSpace is the set of regions mapped into a process.
type AddressSpace struct {
	// mmu and layout are immutable.
	mmu    platform.MMU
	layout Layout

	// maxRegions is immutable.
	maxRegions int

	// mappingMu protects regions and usage, and the fields of every Region
	// in regions.
	mappingMu sync.RWMutex

	// regions is the set of mapped regions. No two regions overlap.
	regions regionSet

	// usage is the number of bytes mapped by regions.
	usage uint64
}

// NewAddressSpace returns an empty AddressSpace.
func NewAddressSpace(opts AddressSpaceOpts) (*AddressSpace, error) {
	if opts.MMU == nil {
		return nil, fmt.Errorf("address space requires an MMU")
	}
	b := opts.Layout.bounds()
	if !b.WellFormed() || b.Length() == 0 || !b.IsPageAligned() {
		return nil, fmt.Errorf("invalid address space layout %v", b)
	}
	if opts.MaxRegions < 0 {
		return nil, fmt.Errorf("invalid region limit %d", opts.MaxRegions)
	}
	if opts.MaxRegions == 0 {
		opts.MaxRegions = DefaultMaxRegions
	}
	return &AddressSpace{
		mmu:        opts.MMU,
		layout:     opts.Layout,
		maxRegions: opts.MaxRegions,
		regions:    newRegionSet(),
	}, nil
}

// Layout returns the layout of as.
func (as *AddressSpace) Layout() Layout {
	return as.layout
}

// FindRegionContaining returns the region containing all of ar, or nil if no
// single region does.
func (as *AddressSpace) FindRegionContaining(ar hostarch.AddrRange) *Region {
	as.mappingMu.RLock()
	defer as.mappingMu.RUnlock()
	return as.FindRegionContainingLocked(ar)
}

// FindRegionContainingLocked is equivalent to FindRegionContaining.
//
// Preconditions: as.mappingMu must be locked.
func (as *AddressSpace) FindRegionContainingLocked(ar hostarch.AddrRange) *Region {
	if !ar.WellFormed() {
		return nil
	}
	if r := as.regions.findAddr(ar.Start); r != nil && r.Contains(ar) {
		return r
	}
	return nil
}

// FindRegionFromAddress returns the region containing addr, or nil.
func (as *AddressSpace) FindRegionFromAddress(addr hostarch.Addr) *Region {
	as.mappingMu.RLock()
	defer as.mappingMu.RUnlock()
	return as.FindRegionFromAddressLocked(addr)
}

// FindRegionFromAddressLocked is equivalent to FindRegionFromAddress.
//
// Preconditions: as.mappingMu must be locked.
func (as *AddressSpace) FindRegionFromAddressLocked(addr hostarch.Addr) *Region {
	return as.regions.findAddr(addr)
}

// AllocateOpts are options to AddressSpace.Allocate.
type AllocateOpts struct {
	// Addr is the start of the region if Fixed is set, or the address from
	// which to search for a free range otherwise. Addr must be page-aligned.
	Addr hostarch.Addr

	// Length is the size of the region. Length must be page-aligned and
	// non-zero.
	Length uint64

	// Fixed requires the region to be placed at Addr.
	Fixed bool

	// Object supplies the pages of the region. The region takes a reference
	// on Object; the caller keeps its own.
	Object *memmap.Object

	// Offset is the object offset mapped at the start of the region. Offset
	// must be page-aligned.
	Offset uint64

	// Perms are the permissions of the region.
	Perms hostarch.AccessType

	// Name is shown in /proc/[pid]/maps for regions without an inode.
	Name string
}

// Allocate inserts a new region. It returns:
//
//   - EINVAL if opts is malformed.
//   - linuxerr.ErrRangeOverlap if opts.Fixed is set and the range overlaps an
//     existing region.
//   - linuxerr.ErrOutOfAddressSpace if the range lies outside the layout or
//     no free range is large enough.
//   - ENOMEM if the address space already holds its maximum number of
//     regions.
func (as *AddressSpace) Allocate(ctx context.Context, opts AllocateOpts) (*Region, error) {
	if opts.Object == nil || opts.Length == 0 || hostarch.Addr(opts.Length).PageOffset() != 0 {
		return nil, linuxerr.EINVAL
	}
	if !opts.Addr.IsPageAligned() || hostarch.Addr(opts.Offset).PageOffset() != 0 {
		return nil, linuxerr.EINVAL
	}
	if opts.Offset+opts.Length < opts.Offset {
		return nil, linuxerr.EOVERFLOW
	}

	as.mappingMu.Lock()
	defer as.mappingMu.Unlock()

	ar, err := as.placeLocked(opts)
	if err != nil {
		return nil, err
	}
	if as.regions.len() >= as.maxRegions {
		return nil, linuxerr.ENOMEM
	}

	opts.Object.IncRef()
	r := &Region{
		as:     as,
		ar:     ar,
		obj:    opts.Object,
		off:    opts.Offset,
		perms:  opts.Perms,
		shared: opts.Object.IsShared(),
		name:   opts.Name,
	}
	as.regions.insert(r)
	as.usage += ar.Length()
	r.Remap()
	regionsAllocated.Increment()
	if log.IsLogging(log.Debug) {
		log.Debugf("Allocated region %v", r)
	}
	return r, nil
}

// placeLocked returns the range at which a region described by opts should
// be inserted.
//
// Preconditions: as.mappingMu must be locked.
func (as *AddressSpace) placeLocked(opts AllocateOpts) (hostarch.AddrRange, error) {
	bounds := as.layout.bounds()
	if opts.Fixed {
		ar, ok := opts.Addr.ToRange(opts.Length)
		if !ok || !bounds.IsSupersetOf(ar) {
			return hostarch.AddrRange{}, linuxerr.ErrOutOfAddressSpace
		}
		if len(as.regions.overlapping(ar)) != 0 {
			return hostarch.AddrRange{}, linuxerr.ErrRangeOverlap
		}
		return ar, nil
	}
	addr, ok := as.regions.findGap(bounds, opts.Addr, opts.Length)
	if !ok && opts.Addr > bounds.Start {
		addr, ok = as.regions.findGap(bounds, bounds.Start, opts.Length)
	}
	if !ok {
		return hostarch.AddrRange{}, linuxerr.ErrOutOfAddressSpace
	}
	return hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(opts.Length)}, nil
}

// Unmap removes all mappings in ar. Regions partially covered by ar are
// carved, keeping the parts outside ar with their object offsets adjusted.
//
// Unmap returns EINVAL if ar is not page-aligned or is empty, and ENOMEM if
// carving would exceed the region limit.
func (as *AddressSpace) Unmap(ctx context.Context, ar hostarch.AddrRange) error {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
		return linuxerr.EINVAL
	}
	as.mappingMu.Lock()
	defer as.mappingMu.Unlock()
	return as.unmapLocked(ar)
}

// unmapLocked implements Unmap.
//
// Preconditions: as.mappingMu must be locked for writing.
func (as *AddressSpace) unmapLocked(ar hostarch.AddrRange) error {
	rs := as.regions.overlapping(ar)
	if len(rs) == 0 {
		return nil
	}
	if as.regions.len()+leftovers(rs, ar)-len(rs) > as.maxRegions {
		return linuxerr.ENOMEM
	}
	for _, r := range rs {
		inter := r.ar.Intersect(ar)
		as.regions.remove(r)
		for _, part := range r.ar.Carve(inter) {
			as.regions.insert(r.sliceLocked(part))
		}
		as.mmu.Unmap(inter)
		as.usage -= inter.Length()
		r.obj.DecRef()
	}
	unmaps.Increment()
	if log.IsLogging(log.Debug) {
		log.Debugf("Unmapped %v from %d regions", ar, len(rs))
	}
	return nil
}

// leftovers returns the number of regions that carving ar out of rs leaves.
func leftovers(rs []*Region, ar hostarch.AddrRange) int {
	n := 0
	for _, r := range rs {
		if r.ar.Start < ar.Start {
			n++
		}
		if r.ar.End > ar.End {
			n++
		}
	}
	return n
}

// isolateLocked splits r so that a single region covers exactly the intersection
// of r.Range() and ar, and returns that region.
//
// Preconditions: as.mappingMu must be locked for writing. r overlaps ar.
func (as *AddressSpace) isolateLocked(r *Region, ar hostarch.AddrRange) *Region {
	inter := r.ar.Intersect(ar)
	if inter == r.ar {
		return r
	}
	as.regions.remove(r)
	for _, part := range r.ar.Carve(inter) {
		as.regions.insert(r.sliceLocked(part))
	}
	mid := r.sliceLocked(inter)
	as.regions.insert(mid)
	r.obj.DecRef()
	return mid
}

// Protect changes the permissions of all mappings in ar to perms. It returns
// EINVAL if ar is not page-aligned or is empty, and ENOMEM if any page in ar
// is unmapped or the split would exceed the region limit.
func (as *AddressSpace) Protect(ctx context.Context, ar hostarch.AddrRange, perms hostarch.AccessType) error {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
		return linuxerr.EINVAL
	}
	as.mappingMu.Lock()
	defer as.mappingMu.Unlock()

	rs := as.regions.overlapping(ar)
	next := ar.Start
	for _, r := range rs {
		if r.ar.Start > next {
			return linuxerr.ENOMEM
		}
		next = r.ar.End
	}
	if len(rs) == 0 || next < ar.End {
		return linuxerr.ENOMEM
	}
	if as.regions.len()+leftovers(rs, ar) > as.maxRegions {
		return linuxerr.ENOMEM
	}
	for _, r := range rs {
		if r.perms == perms {
			continue
		}
		r = as.isolateLocked(r, ar)
		r.perms = perms
		r.Remap()
	}
	return nil
}

// Regions returns a snapshot of the regions in as, in address order.
func (as *AddressSpace) Regions() []RegionInfo {
	as.mappingMu.RLock()
	defer as.mappingMu.RUnlock()
	infos := make([]RegionInfo, 0, as.regions.len())
	as.regions.ascend(func(r *Region) bool {
		infos = append(infos, r.info())
		return true
	})
	return infos
}

// NumRegions returns the number of regions in as.
func (as *AddressSpace) NumRegions() int {
	as.mappingMu.RLock()
	defer as.mappingMu.RUnlock()
	return as.regions.len()
}

// MappedBytes returns the number of bytes mapped by regions in as.
func (as *AddressSpace) MappedBytes() uint64 {
	as.mappingMu.RLock()
	defer as.mappingMu.RUnlock()
	return as.usage
}

// Release removes every region from as, dropping their object references.
func (as *AddressSpace) Release() {
	as.mappingMu.Lock()
	defer as.mappingMu.Unlock()
	as.regions.ascend(func(r *Region) bool {
		as.mmu.Unmap(r.ar)
		r.obj.DecRef()
		return true
	})
	as.regions.clear()
	as.usage = 0
}

// MappingsGuard holds as.mappingMu for writing. It allows multi-step
// sequences of region lookups and mutations to execute atomically.
type MappingsGuard struct {
	as       *AddressSpace
	released bool
}

// Lock locks the mappings of as for writing and returns a guard that unlocks
// them on Release.
func (as *AddressSpace) Lock() *MappingsGuard {
	as.mappingMu.Lock()
	return &MappingsGuard{as: as}
}

// AddressSpace returns the locked address space.
func (g *MappingsGuard) AddressSpace() *AddressSpace {
	return g.as
}

// Release unlocks the mappings. Only the first call has any effect.
func (g *MappingsGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.as.mappingMu.Unlock()
}
