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

	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/sentry/memmap"
	"gvisor.dev/vmspace/pkg/sentry/platform"
)

// A Region binds a range of virtual addresses to a memory object.
//
// Regions are owned by exactly one AddressSpace. Methods that mutate a Region
// require that its AddressSpace's mappingMu is locked for writing; accessors
// require that it is locked for reading or writing.
type Region struct {
	// as is the owning address space. as is immutable.
	as *AddressSpace

	// ar is the range of addresses mapped by the region.
	ar hostarch.AddrRange

	// obj supplies the pages of the region. The region holds a reference on
	// obj.
	obj *memmap.Object

	// off is the offset into obj mapped at ar.Start.
	off uint64

	// perms are the permissions of the region.
	perms hostarch.AccessType

	// shared is true if the region was mapped MAP_SHARED. It is reported in
	// /proc/[pid]/maps.
	shared bool

	// name is the name shown in /proc/[pid]/maps when obj has no inode.
	name string
}

// Range returns the range of addresses mapped by r.
func (r *Region) Range() hostarch.AddrRange {
	return r.ar
}

// Object returns the object that supplies the pages of r. The returned object
// is only valid while mappingMu is held.
func (r *Region) Object() *memmap.Object {
	return r.obj
}

// Offset returns the object offset mapped at r.Range().Start.
func (r *Region) Offset() uint64 {
	return r.off
}

// Perms returns the permissions of r.
func (r *Region) Perms() hostarch.AccessType {
	return r.perms
}

// Readable returns true if r permits reads.
func (r *Region) Readable() bool {
	return r.perms.Read
}

// Writable returns true if r permits writes.
func (r *Region) Writable() bool {
	return r.perms.Write
}

// Executable returns true if r permits execution.
func (r *Region) Executable() bool {
	return r.perms.Execute
}

// Name returns the name of r.
func (r *Region) Name() string {
	return r.name
}

// Contains returns true if ar lies entirely within r.
func (r *Region) Contains(ar hostarch.AddrRange) bool {
	return r.ar.IsSupersetOf(ar)
}

// IsShared returns true if writes through r are visible to other mappers of
// its object.
func (r *Region) IsShared() bool {
	return r.obj.IsShared()
}

// MappedShared returns true if r is a MAP_SHARED mapping.
func (r *Region) MappedShared() bool {
	return r.shared
}

// SetWritable changes the write permission of r. It does not update the page
// tables; see Remap.
func (r *Region) SetWritable(writable bool) {
	r.perms.Write = writable
}

// SetShared changes the sharing mode of r.
func (r *Region) SetShared(shared bool) {
	r.shared = shared
}

// SetObject replaces the object backing r with obj, keeping the offset. r
// takes ownership of the caller's reference on obj. The page tables are
// switched to obj before the reference on the previous object is dropped.
func (r *Region) SetObject(obj *memmap.Object) {
	if obj == nil {
		panic(fmt.Sprintf("region %v: nil object", r.ar))
	}
	old := r.obj
	r.obj = obj
	r.Remap()
	old.DecRef()
}

// Remap resyncs the page tables for r with its current object and
// permissions.
func (r *Region) Remap() {
	r.as.mmu.Remap(r.mapping())
	remaps.Increment()
}

func (r *Region) mapping() platform.Mapping {
	return platform.Mapping{
		Range:  r.ar,
		Object: r.obj,
		Offset: r.off,
		Perms:  r.perms,
	}
}

// String implements fmt.Stringer.String.
func (r *Region) String() string {
	return fmt.Sprintf("%v %s %v+%#x", r.ar, r.perms, r.obj, r.off)
}

// sliceLocked returns a new region with the attributes of r covering ar,
// holding its own reference on the object.
//
// Preconditions: r.ar.IsSupersetOf(ar).
func (r *Region) sliceLocked(ar hostarch.AddrRange) *Region {
	if !r.ar.IsSupersetOf(ar) {
		panic(fmt.Sprintf("slicing region %v outside its range: %v", r.ar, ar))
	}
	r.obj.IncRef()
	return &Region{
		as:     r.as,
		ar:     ar,
		obj:    r.obj,
		off:    r.off + uint64(ar.Start-r.ar.Start),
		perms:  r.perms,
		shared: r.shared,
		name:   r.name,
	}
}

// RegionInfo is a snapshot of a Region.
type RegionInfo struct {
	Range  hostarch.AddrRange
	Kind   memmap.Kind
	Offset uint64
	Perms  hostarch.AccessType
	Shared bool
	Name   string
}

func (r *Region) info() RegionInfo {
	name := r.name
	if name == "" && r.obj.Inode() != nil {
		name = r.obj.Inode().Name()
	}
	return RegionInfo{
		Range:  r.ar,
		Kind:   r.obj.Kind(),
		Offset: r.off,
		Perms:  r.perms,
		Shared: r.shared,
		Name:   name,
	}
}
