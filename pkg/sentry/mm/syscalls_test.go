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
	"fmt"
	"testing"

	"gvisor.dev/vmspace/pkg/errors/linuxerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/sentry/memmap"
)

func TestMMap(t *testing.T) {
	e := newTestEnv(t, 0, 0)
	inode := memmap.NewInode(e.mf, memmap.InodeOpts{Ino: 9, Name: "/bin/true"})
	defer inode.DecRef()

	for _, tc := range []struct {
		name string
		opts MMapOpts
		ctx  context.Context
		want hostarch.Addr
		kind memmap.Kind
		err  error
	}{
		{name: "anonymous hint", opts: MMapOpts{Addr: 0x10123, Length: 10, Perms: hostarch.ReadWrite}, want: 0x10000, kind: memmap.PrivateAnonymous},
		{name: "private file", opts: MMapOpts{Addr: 0x20000, Length: 2 * page, Fixed: true, Inode: inode, Offset: page, Perms: hostarch.Read}, want: 0x20000, kind: memmap.PrivateInode},
		{name: "shared file", opts: MMapOpts{Addr: 0x30000, Length: page, Fixed: true, Inode: inode, Shared: true, Perms: hostarch.Read}, want: 0x30000, kind: memmap.SharedInode},
		{name: "zero length", opts: MMapOpts{Addr: 0x40000}, err: linuxerr.EINVAL},
		{name: "unaligned fixed", opts: MMapOpts{Addr: 0x40010, Length: page, Fixed: true}, err: linuxerr.EINVAL},
		{name: "unaligned offset", opts: MMapOpts{Length: page, Inode: inode, Offset: 10}, err: linuxerr.EINVAL},
		{name: "length overflows", opts: MMapOpts{Addr: 0x40000, Length: ^uint64(0)}, err: linuxerr.EINVAL},
		{name: "shared anonymous", opts: MMapOpts{Length: page, Shared: true}, err: linuxerr.EINVAL},
		{name: "no memory file", opts: MMapOpts{Length: page}, ctx: context.Background(), err: linuxerr.ENODEV},
		{name: "fixed overlap", opts: MMapOpts{Addr: 0x20000, Length: page, Fixed: true}, err: linuxerr.ErrRangeOverlap},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := tc.ctx
			if ctx == nil {
				ctx = e.ctx
			}
			addr, err := e.as.MMap(ctx, tc.opts)
			if err != tc.err {
				t.Fatalf("MMap got err %v want %v", err, tc.err)
			}
			if err != nil {
				return
			}
			if addr != tc.want {
				t.Errorf("MMap got addr %v want %v", addr, tc.want)
			}
			r := e.as.FindRegionFromAddress(addr)
			if r == nil {
				t.Fatalf("no region at %v after MMap", addr)
			}
			if got := r.Object().Kind(); got != tc.kind {
				t.Errorf("region object Kind() = %v, want %v", got, tc.kind)
			}
			if got := r.Object().ReadRefs(); got != 1 {
				t.Errorf("region object refs = %d, want 1", got)
			}
		})
	}
}

func TestMMapUnalignedHint(t *testing.T) {
	e := newTestEnv(t, 0, 0)
	for _, tc := range []struct {
		name   string
		addr   hostarch.Addr
		length uint64
		want   hostarch.AddrRange
	}{
		{name: "one page", addr: 0x5800, length: page, want: hostarch.AddrRange{Start: 0x5000, End: 0x6000}},
		{name: "partial page", addr: 0x20800, length: page + 1, want: hostarch.AddrRange{Start: 0x20000, End: 0x22000}},
		{name: "sub-page", addr: 0x30ff0, length: 0x20, want: hostarch.AddrRange{Start: 0x30000, End: 0x31000}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			addr, err := e.as.MMap(e.ctx, MMapOpts{Addr: tc.addr, Length: tc.length, Perms: hostarch.ReadWrite})
			if err != nil {
				t.Fatalf("MMap got err %v want nil", err)
			}
			if addr != tc.want.Start {
				t.Errorf("MMap got addr %v want %v", addr, tc.want.Start)
			}
			r := e.as.FindRegionFromAddress(addr)
			if r == nil {
				t.Fatalf("no region at %v after MMap", addr)
			}
			if got := r.Range(); got != tc.want {
				t.Errorf("region range = %v, want %v", got, tc.want)
			}
			if err := e.as.MUnmap(e.ctx, addr, tc.length); err != nil {
				t.Fatalf("MUnmap got err %v want nil", err)
			}
			if r := e.as.FindRegionFromAddress(addr); r != nil {
				t.Errorf("region %v still mapped after MUnmap(%v, %#x)", r.Range(), addr, tc.length)
			}
		})
	}
	if got := e.as.NumRegions(); got != 0 {
		t.Errorf("NumRegions() = %d, want 0", got)
	}
}

func TestMUnmapAndMProtect(t *testing.T) {
	e := newTestEnv(t, 0, 0)
	addr, err := e.as.MMap(e.ctx, MMapOpts{Addr: 0x10000, Length: 4 * page, Fixed: true, Perms: hostarch.ReadWrite})
	if err != nil {
		t.Fatalf("MMap got err %v want nil", err)
	}

	if err := e.as.MUnmap(e.ctx, addr+1, page); err != linuxerr.EINVAL {
		t.Errorf("MUnmap of an unaligned address got err %v want %v", err, linuxerr.EINVAL)
	}
	if err := e.as.MUnmap(e.ctx, addr, 0); err != linuxerr.EINVAL {
		t.Errorf("MUnmap of zero bytes got err %v want %v", err, linuxerr.EINVAL)
	}
	if err := e.as.MUnmap(e.ctx, addr+3*page, 1); err != nil {
		t.Errorf("MUnmap got err %v want nil", err)
	}
	if got := e.as.MappedBytes(); got != 3*page {
		t.Errorf("MappedBytes() = %#x, want %#x", got, 3*page)
	}

	if err := e.as.MProtect(e.ctx, addr, 0, hostarch.Read); err != nil {
		t.Errorf("MProtect of zero bytes got err %v want nil", err)
	}
	if err := e.as.MProtect(e.ctx, addr+page, 10, hostarch.Read); err != nil {
		t.Errorf("MProtect got err %v want nil", err)
	}
	if err := e.as.MProtect(e.ctx, addr+2*page, 2*page, hostarch.Read); err != linuxerr.ENOMEM {
		t.Errorf("MProtect over unmapped memory got err %v want %v", err, linuxerr.ENOMEM)
	}
	if err := e.as.MProtect(e.ctx, ^hostarch.Addr(0)&^hostarch.PageMask, 2*page, hostarch.Read); err != linuxerr.EINVAL {
		t.Errorf("MProtect past the end of memory got err %v want %v", err, linuxerr.EINVAL)
	}
	if got := e.as.NumRegions(); got != 3 {
		t.Errorf("NumRegions() = %d, want 3", got)
	}
}

func TestMapsData(t *testing.T) {
	e := newTestEnv(t, 0, 0)
	inode := memmap.NewInode(e.mf, memmap.InodeOpts{DevMajor: 8, DevMinor: 1, Ino: 42, Name: "/lib/libc.so"})
	defer inode.DecRef()

	if _, err := e.as.MMap(e.ctx, MMapOpts{Addr: 0x10000, Length: 2 * page, Fixed: true, Perms: hostarch.ReadWrite}); err != nil {
		t.Fatalf("MMap got err %v want nil", err)
	}
	if _, err := e.as.MMap(e.ctx, MMapOpts{Addr: 0x20000, Length: page, Fixed: true, Inode: inode, Shared: true, Offset: 2 * page, Perms: hostarch.Read}); err != nil {
		t.Fatalf("MMap got err %v want nil", err)
	}
	if _, err := e.as.MMap(e.ctx, MMapOpts{Addr: 0x30000, Length: page, Fixed: true, Perms: hostarch.ReadWrite, Name: "[heap]"}); err != nil {
		t.Fatalf("MMap got err %v want nil", err)
	}

	want := "00010000-00012000 rw-p 00000000 00:00 0 \n" +
		fmt.Sprintf("%-73s%s\n", "00020000-00021000 r--s 00002000 08:01 42 ", "/lib/libc.so") +
		fmt.Sprintf("%-73s%s\n", "00030000-00031000 rw-p 00000000 00:00 0 ", "[heap]")
	if got := string(e.as.MapsData()); got != want {
		t.Errorf("MapsData() = \n%s\nwant:\n%s", got, want)
	}
}
