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

package memmap

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/log"
	"gvisor.dev/vmspace/pkg/refs"
	"gvisor.dev/vmspace/pkg/sentry/pgalloc"
)

// writeBackLog reports write-back failures of released inodes.
var writeBackLog = log.BasicRateLimitedLogger(time.Second)

// InodeOpts are options to NewInode.
type InodeOpts struct {
	// DevMajor and DevMinor identify the device the inode lives on.
	DevMajor uint32
	DevMinor uint32

	// Ino is the inode number.
	Ino uint64

	// Name is the path reported in /proc/[pid]/maps.
	Name string

	// Backing supplies the initial contents of the inode. Reads beyond the
	// end of Backing return zeroes. If Backing also implements io.WriterAt,
	// dirty cached pages are written back on Sync and when the last reference
	// is dropped. If Backing is nil, the inode starts out zero-filled.
	Backing io.ReaderAt
}

// Inode is the page cache of a file. Every SharedInode object of the same
// file reads and writes the same cached pages, so writes through one mapping
// are visible to every other mapper.
type Inode struct {
	refs.Refs[Inode]

	devMajor uint32
	devMinor uint32
	ino      uint64
	name     string
	mf       *pgalloc.MemoryFile
	backing  io.ReaderAt

	// mu protects the fields below.
	mu sync.Mutex

	// cache maps page-aligned file offsets to the memory file pages holding
	// their contents.
	cache map[uint64]uint64

	// dirty contains the cached pages that were written since the last Sync.
	dirty map[uint64]struct{}
}

// NewInode returns an inode with a single reference whose pages are cached in
// mf.
func NewInode(mf *pgalloc.MemoryFile, opts InodeOpts) *Inode {
	i := &Inode{
		devMajor: opts.DevMajor,
		devMinor: opts.DevMinor,
		ino:      opts.Ino,
		name:     opts.Name,
		mf:       mf,
		backing:  opts.Backing,
		cache:    make(map[uint64]uint64),
		dirty:    make(map[uint64]struct{}),
	}
	i.InitRefs()
	return i
}

// Dev returns the device numbers of the inode.
func (i *Inode) Dev() (major, minor uint32) {
	return i.devMajor, i.devMinor
}

// Ino returns the inode number.
func (i *Inode) Ino() uint64 {
	return i.ino
}

// Name returns the name of the inode.
func (i *Inode) Name() string {
	return i.name
}

// DecRef drops a reference on i. The last reference writes back dirty pages
// and releases the page cache.
func (i *Inode) DecRef() {
	i.Refs.DecRef(func() {
		i.mu.Lock()
		defer i.mu.Unlock()
		if err := i.syncLocked(); err != nil {
			writeBackLog.Warningf("Failed to write back inode %d (%s): %v", i.ino, i.name, err)
		}
		for _, frame := range i.cache {
			i.mf.DecRef(pgalloc.FileRange{Start: frame, End: frame + hostarch.PageSize})
		}
		i.cache = nil
	})
}

// readBackingPage reads the page at off from the backing store into dst.
func (i *Inode) readBackingPage(dst []byte, off uint64) error {
	clear(dst)
	if i.backing == nil {
		return nil
	}
	if _, err := i.backing.ReadAt(dst, int64(off)); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// frameLocked returns the memory file page caching the file page at off,
// filling it from the backing store if it is not cached yet.
//
// Preconditions: i.mu must be locked. off must be page-aligned.
func (i *Inode) frameLocked(off uint64) (uint64, error) {
	if frame, ok := i.cache[off]; ok {
		return frame, nil
	}
	var buf [hostarch.PageSize]byte
	if err := i.readBackingPage(buf[:], off); err != nil {
		return 0, err
	}
	fr, err := i.mf.AllocateAndFill(hostarch.PageSize, bytes.NewReader(buf[:]))
	if err != nil {
		return 0, err
	}
	i.cache[off] = fr.Start
	return fr.Start, nil
}

// ReadAt implements io.ReaderAt.ReadAt. Uncached pages are read directly
// from the backing store without populating the cache.
func (i *Inode) ReadAt(dst []byte, off int64) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	err := forEachPage(uint64(off), uint64(len(dst)), func(pageOff, inPage, length uint64) error {
		chunk := dst[n : n+int(length)]
		if frame, ok := i.cache[pageOff]; ok {
			if _, err := i.mf.ReadAt(chunk, int64(frame+inPage)); err != nil {
				return err
			}
		} else {
			var buf [hostarch.PageSize]byte
			if err := i.readBackingPage(buf[:], pageOff); err != nil {
				return err
			}
			copy(chunk, buf[inPage:])
		}
		n += int(length)
		return nil
	})
	return n, err
}

// WriteAt implements io.WriterAt.WriteAt. Written pages are cached and
// marked dirty. It fails with ENOMEM if the memory file is exhausted.
func (i *Inode) WriteAt(src []byte, off int64) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	err := forEachPage(uint64(off), uint64(len(src)), func(pageOff, inPage, length uint64) error {
		frame, err := i.frameLocked(pageOff)
		if err != nil {
			return err
		}
		if _, err := i.mf.WriteAt(src[n:n+int(length)], int64(frame+inPage)); err != nil {
			return err
		}
		i.dirty[pageOff] = struct{}{}
		n += int(length)
		return nil
	})
	return n, err
}

// Sync writes dirty cached pages back to the backing store if it is
// writable.
func (i *Inode) Sync() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.syncLocked()
}

// Preconditions: i.mu must be locked.
func (i *Inode) syncLocked() error {
	w, ok := i.backing.(io.WriterAt)
	if !ok {
		return nil
	}
	offs := make([]uint64, 0, len(i.dirty))
	for off := range i.dirty {
		offs = append(offs, off)
	}
	sort.Slice(offs, func(a, b int) bool { return offs[a] < offs[b] })
	var buf [hostarch.PageSize]byte
	for _, off := range offs {
		if _, err := i.mf.ReadAt(buf[:], int64(i.cache[off])); err != nil {
			return err
		}
		if _, err := w.WriteAt(buf[:], int64(off)); err != nil {
			return fmt.Errorf("writing back page %#x: %w", off, err)
		}
		delete(i.dirty, off)
	}
	return nil
}

// CachedPages returns the number of pages in the page cache.
func (i *Inode) CachedPages() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.cache)
}

// forEachPage calls fn for each page overlapping [off, off+length) with the
// page-aligned offset of the page, the offset of the first byte within the
// page and the number of bytes within the page.
func forEachPage(off, length uint64, fn func(pageOff, inPage, length uint64) error) error {
	for length > 0 {
		pageOff := off &^ uint64(hostarch.PageMask)
		inPage := off - pageOff
		n := uint64(hostarch.PageSize) - inPage
		if n > length {
			n = length
		}
		if err := fn(pageOff, inPage, n); err != nil {
			return err
		}
		off += n
		length -= n
	}
	return nil
}
