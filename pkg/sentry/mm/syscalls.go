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
	"context"

	"gvisor.dev/vmspace/pkg/errors/linuxerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/sentry/memmap"
	"gvisor.dev/vmspace/pkg/sentry/pgalloc"
)

// MMapOpts are options to MMap, as received from an application.
type MMapOpts struct {
	// Addr is the requested address. If Fixed is false, Addr is a hint.
	Addr hostarch.Addr

	// Length is the length of the mapping in bytes.
	Length uint64

	// Fixed is MAP_FIXED_NOREPLACE: the mapping must be placed at Addr.
	Fixed bool

	// Inode is the mapped file, or nil for an anonymous mapping.
	Inode *memmap.Inode

	// Offset is the file offset. It must be page-aligned.
	Offset uint64

	// Shared is MAP_SHARED. Shared anonymous mappings are not supported.
	Shared bool

	// Perms are the requested permissions.
	Perms hostarch.AccessType

	// Name is shown in /proc/[pid]/maps for anonymous mappings.
	Name string
}

// MMap establishes a memory mapping and returns its address. Private pages
// are allocated from the MemoryFile in ctx.
func (as *AddressSpace) MMap(ctx context.Context, opts MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 {
		return 0, linuxerr.EINVAL
	}
	if opts.Fixed && !opts.Addr.IsPageAligned() {
		return 0, linuxerr.EINVAL
	}
	if hostarch.Addr(opts.Offset).PageOffset() != 0 {
		return 0, linuxerr.EINVAL
	}
	length, ok := hostarch.PageRoundUp(opts.Length)
	if !ok {
		return 0, linuxerr.EINVAL
	}
	// Non-fixed addresses are only hints, so an unaligned hint is rounded
	// down without changing the length of the mapping.
	ar, ok := opts.Addr.RoundDown().ToRange(length)
	if !ok {
		return 0, linuxerr.EINVAL
	}

	var obj *memmap.Object
	switch {
	case opts.Inode == nil && opts.Shared:
		return 0, linuxerr.EINVAL
	case opts.Inode != nil && opts.Shared:
		obj = memmap.NewSharedInodeObject(opts.Inode)
	default:
		mf := pgalloc.MemoryFileFromContext(ctx)
		if mf == nil {
			return 0, linuxerr.ENODEV
		}
		if opts.Inode == nil {
			obj = memmap.NewAnonymousObject(mf)
		} else {
			obj = memmap.NewPrivateInodeObject(mf, opts.Inode)
		}
	}
	defer obj.DecRef()

	r, err := as.Allocate(ctx, AllocateOpts{
		Addr:   ar.Start,
		Length: ar.Length(),
		Fixed:  opts.Fixed,
		Object: obj,
		Offset: opts.Offset,
		Perms:  opts.Perms,
		Name:   opts.Name,
	})
	if err != nil {
		return 0, err
	}
	return r.ar.Start, nil
}

// MUnmap implements the semantics of Linux's munmap(2).
func (as *AddressSpace) MUnmap(ctx context.Context, addr hostarch.Addr, length uint64) error {
	if !addr.IsPageAligned() || length == 0 {
		return linuxerr.EINVAL
	}
	ar, err := hostarch.ExpandToPageBoundaries(addr, length)
	if err != nil {
		return err
	}
	return as.Unmap(ctx, ar)
}

// MProtect implements the semantics of Linux's mprotect(2).
func (as *AddressSpace) MProtect(ctx context.Context, addr hostarch.Addr, length uint64, perms hostarch.AccessType) error {
	if !addr.IsPageAligned() {
		return linuxerr.EINVAL
	}
	if length == 0 {
		return nil
	}
	ar, err := hostarch.ExpandToPageBoundaries(addr, length)
	if err != nil {
		return err
	}
	return as.Protect(ctx, ar, perms)
}
