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

// Package softmmu implements a platform whose page tables are maintained in
// software. Memory accesses through the page tables are checked against the
// installed permissions and fault with EFAULT, like a hardware MMU would.
package softmmu

import (
	"context"
	"fmt"
	"sync"

	"gvisor.dev/vmspace/pkg/errors/linuxerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/sentry/memmap"
	"gvisor.dev/vmspace/pkg/sentry/platform"
	"gvisor.dev/vmspace/pkg/usermem"
)

const (
	// DefaultMinUserAddress leaves the null page unmapped.
	DefaultMinUserAddress hostarch.Addr = hostarch.PageSize

	// DefaultMaxUserAddress is the start of the kernel half of a 32-bit
	// address space.
	DefaultMaxUserAddress hostarch.Addr = 0xc0000000
)

// Platform is a platform.Platform whose address spaces are PageTables.
type Platform struct {
	minAddr hostarch.Addr
	maxAddr hostarch.Addr
}

// New returns a Platform with user addresses in [minAddr, maxAddr). Zero
// values select the defaults.
func New(minAddr, maxAddr hostarch.Addr) (*Platform, error) {
	if minAddr == 0 {
		minAddr = DefaultMinUserAddress
	}
	if maxAddr == 0 {
		maxAddr = DefaultMaxUserAddress
	}
	if !minAddr.IsPageAligned() || !maxAddr.IsPageAligned() || minAddr >= maxAddr {
		return nil, fmt.Errorf("invalid user address range [%v, %v)", minAddr, maxAddr)
	}
	return &Platform{minAddr: minAddr, maxAddr: maxAddr}, nil
}

// MinUserAddress implements platform.Platform.MinUserAddress.
func (p *Platform) MinUserAddress() hostarch.Addr {
	return p.minAddr
}

// MaxUserAddress implements platform.Platform.MaxUserAddress.
func (p *Platform) MaxUserAddress() hostarch.Addr {
	return p.maxAddr
}

// NewAddressSpace implements platform.Platform.NewAddressSpace.
func (p *Platform) NewAddressSpace() (platform.AddressSpace, error) {
	return NewPageTables(), nil
}

// pte is a page table entry.
type pte struct {
	object *memmap.Object
	offset uint64
	perms  hostarch.AccessType
}

// PageTables is a software page table. It implements platform.AddressSpace.
type PageTables struct {
	// mu protects the fields below.
	mu sync.RWMutex

	// ptes maps page-aligned addresses to their translations.
	ptes map[hostarch.Addr]pte

	// remaps and unmaps count calls to Remap and Unmap.
	remaps uint64
	unmaps uint64
}

// NewPageTables returns empty page tables.
func NewPageTables() *PageTables {
	return &PageTables{ptes: make(map[hostarch.Addr]pte)}
}

// Remap implements platform.MMU.Remap.
func (pt *PageTables) Remap(m platform.Mapping) {
	if !m.Range.WellFormed() || m.Range.Length() == 0 || !m.Range.IsPageAligned() {
		panic(fmt.Sprintf("invalid mapping range %v", m.Range))
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for addr := m.Range.Start; addr < m.Range.End; addr += hostarch.PageSize {
		pt.ptes[addr] = pte{
			object: m.Object,
			offset: m.Offset + uint64(addr-m.Range.Start),
			perms:  m.Perms,
		}
	}
	pt.remaps++
}

// Unmap implements platform.MMU.Unmap.
func (pt *PageTables) Unmap(ar hostarch.AddrRange) {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
		panic(fmt.Sprintf("invalid unmap range %v", ar))
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		delete(pt.ptes, addr)
	}
	pt.unmaps++
}

// Release implements platform.AddressSpace.Release.
func (pt *PageTables) Release() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.ptes = nil
}

// Translate returns the translation of the page containing addr.
func (pt *PageTables) Translate(addr hostarch.Addr) (obj *memmap.Object, offset uint64, perms hostarch.AccessType, ok bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	e, ok := pt.ptes[addr.RoundDown()]
	if !ok {
		return nil, 0, hostarch.NoAccess, false
	}
	return e.object, e.offset + addr.PageOffset(), e.perms, true
}

// MappedPages returns the number of pages with a translation.
func (pt *PageTables) MappedPages() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.ptes)
}

// Stats returns the number of Remap and Unmap calls made so far.
func (pt *PageTables) Stats() (remaps, unmaps uint64) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.remaps, pt.unmaps
}

// access calls fn for each page-sized piece of [addr, addr+length), after
// checking that the page is mapped with the permissions in at. It returns the
// number of bytes processed.
func (pt *PageTables) access(addr hostarch.Addr, length int, at hostarch.AccessType, opts usermem.IOOpts, fn func(e pte, off uint64, done, n int) error) (int, error) {
	if length == 0 {
		return 0, nil
	}
	if _, ok := addr.AddLength(uint64(length)); !ok {
		return 0, linuxerr.EFAULT
	}
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	done := 0
	for done < length {
		cur := addr + hostarch.Addr(done)
		e, ok := pt.ptes[cur.RoundDown()]
		if !ok {
			return done, linuxerr.EFAULT
		}
		if !opts.IgnorePermissions && !e.perms.SupersetOf(at) {
			return done, linuxerr.EFAULT
		}
		n := int(hostarch.PageSize - cur.PageOffset())
		if n > length-done {
			n = length - done
		}
		if err := fn(e, e.offset+cur.PageOffset(), done, n); err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}

// CopyOut implements usermem.IO.CopyOut.
func (pt *PageTables) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte, opts usermem.IOOpts) (int, error) {
	return pt.access(addr, len(src), hostarch.Write, opts, func(e pte, off uint64, done, n int) error {
		_, err := e.object.WriteAt(src[done:done+n], int64(off))
		return err
	})
}

// CopyIn implements usermem.IO.CopyIn.
func (pt *PageTables) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte, opts usermem.IOOpts) (int, error) {
	return pt.access(addr, len(dst), hostarch.Read, opts, func(e pte, off uint64, done, n int) error {
		_, err := e.object.ReadAt(dst[done:done+n], int64(off))
		return err
	})
}

// ZeroOut implements usermem.IO.ZeroOut.
func (pt *PageTables) ZeroOut(ctx context.Context, addr hostarch.Addr, toZero int64, opts usermem.IOOpts) (int64, error) {
	if toZero < 0 || toZero > int64(^uint(0)>>1) {
		return 0, linuxerr.EINVAL
	}
	var zeroes [hostarch.PageSize]byte
	n, err := pt.access(addr, int(toZero), hostarch.Write, opts, func(e pte, off uint64, done, n int) error {
		_, err := e.object.WriteAt(zeroes[:n], int64(off))
		return err
	})
	return int64(n), err
}
