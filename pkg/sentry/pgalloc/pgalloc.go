// Copyright 2018 The gVisor Authors.
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

// Package pgalloc contains the page allocator subsystem, which manages memory
// that may be mapped into application address spaces.
package pgalloc

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmspace/pkg/errors/linuxerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/log"
)

const (
	// chunkSize is the size of each host mapping backing the file.
	chunkSize = 64 * hostarch.PageSize

	pagesPerChunk = chunkSize / hostarch.PageSize
)

// FileRange represents a range of uint64 offsets into a MemoryFile.
type FileRange struct {
	Start uint64
	End   uint64
}

// WellFormed returns true if fr.Start <= fr.End.
func (fr FileRange) WellFormed() bool {
	return fr.Start <= fr.End
}

// Length returns the length of the range.
func (fr FileRange) Length() uint64 {
	return fr.End - fr.Start
}

// String implements fmt.Stringer.String.
func (fr FileRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", fr.Start, fr.End)
}

func (fr FileRange) checkPageAligned() {
	if !fr.WellFormed() || fr.Length() == 0 || fr.Start&hostarch.PageMask != 0 || fr.End&hostarch.PageMask != 0 {
		panic(fmt.Sprintf("invalid range: %v", fr))
	}
}

// MemoryFile is a frame allocator whose pages may be allocated to arbitrary
// users. The file is the concatenation of anonymous host mappings ("chunks")
// that are created on demand; each page carries a reference count and is free
// when the count is zero.
type MemoryFile struct {
	opts MemoryFileOpts

	// mu protects the fields below.
	mu sync.Mutex

	// chunks holds the host mappings backing the file, in file offset order.
	chunks [][]byte

	// refs holds the reference count of each page in the file.
	refs []int32

	// free holds the pages of the file whose reference count is zero.
	free freeSet

	// usage is the number of pages with a non-zero reference count.
	usage uint64

	destroyed bool
}

// MemoryFileOpts provides options to NewMemoryFile.
type MemoryFileOpts struct {
	// MaxPages is the maximum number of pages that may be allocated at any
	// time. Allocations beyond it fail with ENOMEM. If MaxPages is 0, the
	// file is bounded only by host memory.
	MaxPages uint64
}

// NewMemoryFile creates a MemoryFile. No host memory is mapped until the
// first allocation.
func NewMemoryFile(opts MemoryFileOpts) (*MemoryFile, error) {
	if opts.MaxPages > 1<<32 {
		return nil, fmt.Errorf("invalid MemoryFileOpts.MaxPages: %d", opts.MaxPages)
	}
	return &MemoryFile{opts: opts, free: newFreeSet()}, nil
}

// Destroy releases all resources used by f.
//
// Postconditions: None of f's methods may be called after Destroy.
func (f *MemoryFile) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usage != 0 {
		log.Warningf("pgalloc.MemoryFile destroyed with %d pages still allocated", f.usage)
	}
	for _, chunk := range f.chunks {
		if err := unix.Munmap(chunk); err != nil {
			panic(fmt.Sprintf("failed to unmap MemoryFile chunk: %v", err))
		}
	}
	f.chunks = nil
	f.refs = nil
	f.free.tree.Clear(false)
	f.destroyed = true
}

// Allocate returns a range of initially-zeroed pages of the given length with
// a single reference on each page held by the caller. When the last
// reference on an allocated page is released, ownership of the page is
// returned to the MemoryFile, allowing it to be returned by a future call to
// Allocate.
//
// Preconditions: length must be page-aligned and non-zero.
func (f *MemoryFile) Allocate(length uint64) (FileRange, error) {
	if length == 0 || length&hostarch.PageMask != 0 {
		panic(fmt.Sprintf("invalid allocation length: %#x", length))
	}
	pages := length / hostarch.PageSize

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		panic("MemoryFile.Allocate called after Destroy")
	}
	if f.opts.MaxPages != 0 && f.usage+pages > f.opts.MaxPages {
		return FileRange{}, linuxerr.ENOMEM
	}

	run, ok := f.free.firstFit(length)
	if !ok {
		var err error
		if run, err = f.extendChunksLocked(length); err != nil {
			return FileRange{}, err
		}
	}
	fr := FileRange{run.Start, run.Start + length}
	f.free.remove(fr)
	for i := fr.Start / hostarch.PageSize; i < fr.End/hostarch.PageSize; i++ {
		f.refs[i] = 1
	}
	f.usage += pages
	f.forEachMappingSliceLocked(fr, func(bs []byte) {
		clear(bs)
	})
	return fr, nil
}

// extendChunksLocked maps new chunks at the end of the file until its free
// tail holds at least length bytes, and returns the free tail.
//
// Preconditions: f.mu must be locked.
func (f *MemoryFile) extendChunksLocked(length uint64) (FileRange, error) {
	size := uint64(len(f.chunks)) * chunkSize
	tail := FileRange{size, size}
	if last, ok := f.free.last(); ok && last.End == size {
		tail = last
	}
	for tail.Length() < length {
		m, err := unix.Mmap(-1, 0, chunkSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			log.Warningf("pgalloc.MemoryFile failed to map chunk %d: %v", len(f.chunks), err)
			return FileRange{}, linuxerr.ENOMEM
		}
		f.chunks = append(f.chunks, m)
		f.refs = append(f.refs, make([]int32, pagesPerChunk)...)
		f.free.add(FileRange{tail.End, tail.End + chunkSize})
		tail.End += chunkSize
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("pgalloc.MemoryFile grew to %d chunks (%#x bytes)", len(f.chunks), uint64(len(f.chunks))*chunkSize)
	}
	return tail, nil
}

// AllocateAndFill allocates memory of the given length and fills it by reading
// from r. Pages that r does not reach remain zeroed.
func (f *MemoryFile) AllocateAndFill(length uint64, r io.Reader) (FileRange, error) {
	fr, err := f.Allocate(length)
	if err != nil {
		return FileRange{}, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		f.DecRef(fr)
		return FileRange{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copyOutLocked(fr.Start, buf)
	return fr, nil
}

// IncRef takes a reference on every page in fr.
func (f *MemoryFile) IncRef(fr FileRange) {
	fr.checkPageAligned()

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := fr.Start / hostarch.PageSize; i < fr.End/hostarch.PageSize; i++ {
		if f.refs[i] <= 0 {
			panic(fmt.Sprintf("IncRef on free page at %#x", i*hostarch.PageSize))
		}
		f.refs[i]++
	}
}

// DecRef drops a reference on every page in fr. Pages whose count reaches
// zero are returned to the free pool.
func (f *MemoryFile) DecRef(fr FileRange) {
	fr.checkPageAligned()

	f.mu.Lock()
	defer f.mu.Unlock()
	var freed FileRange
	for i := fr.Start / hostarch.PageSize; i < fr.End/hostarch.PageSize; i++ {
		if f.refs[i] <= 0 {
			panic(fmt.Sprintf("DecRef on free page at %#x", i*hostarch.PageSize))
		}
		f.refs[i]--
		if f.refs[i] != 0 {
			continue
		}
		f.usage--
		off := i * hostarch.PageSize
		if freed.End != off {
			f.free.add(freed)
			freed = FileRange{off, off}
		}
		freed.End = off + hostarch.PageSize
	}
	f.free.add(freed)
}

// forEachMappingSliceLocked invokes fn on a sequence of byte slices that
// collectively map all bytes in fr.
//
// Preconditions: f.mu must be locked.
func (f *MemoryFile) forEachMappingSliceLocked(fr FileRange, fn func([]byte)) {
	for off := fr.Start; off < fr.End; {
		chunk := f.chunks[off/chunkSize]
		start := off % chunkSize
		end := uint64(chunkSize)
		if rem := fr.End - off; rem < end-start {
			end = start + rem
		}
		fn(chunk[start:end])
		off += end - start
	}
}

// checkAllocatedLocked panics if any byte of [off, off+length) lies in a free page.
//
// Preconditions: f.mu must be locked.
func (f *MemoryFile) checkAllocatedLocked(off, length uint64) {
	if length == 0 {
		return
	}
	for i := off / hostarch.PageSize; i <= (off+length-1)/hostarch.PageSize; i++ {
		if i >= uint64(len(f.refs)) || f.refs[i] <= 0 {
			panic(fmt.Sprintf("access to unallocated page at %#x", i*hostarch.PageSize))
		}
	}
}

func (f *MemoryFile) copyOutLocked(off uint64, src []byte) {
	f.forEachMappingSliceLocked(FileRange{off, off + uint64(len(src))}, func(bs []byte) {
		src = src[copy(bs, src):]
	})
}

// ReadAt implements io.ReaderAt.ReadAt. off must lie in allocated pages.
func (f *MemoryFile) ReadAt(dst []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkAllocatedLocked(uint64(off), uint64(len(dst)))
	n := 0
	f.forEachMappingSliceLocked(FileRange{uint64(off), uint64(off) + uint64(len(dst))}, func(bs []byte) {
		n += copy(dst[n:], bs)
	})
	return n, nil
}

// WriteAt implements io.WriterAt.WriteAt. off must lie in allocated pages.
func (f *MemoryFile) WriteAt(src []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkAllocatedLocked(uint64(off), uint64(len(src)))
	f.copyOutLocked(uint64(off), src)
	return len(src), nil
}

// TotalUsage returns the number of bytes currently allocated.
func (f *MemoryFile) TotalUsage() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage * hostarch.PageSize
}

// TotalSize returns the current size of the file in bytes, which is an upper
// bound on the amount of memory that can currently be allocated without
// mapping new chunks.
func (f *MemoryFile) TotalSize() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.chunks)) * chunkSize
}

// String implements fmt.Stringer.String.
//
// Note that because f.String locks f.mu, calling f.String internally
// (including indirectly through the fmt package) risks recursive locking.
func (f *MemoryFile) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("MemoryFile{chunks: %d, usage: %d pages, max: %d pages}", len(f.chunks), f.usage, f.opts.MaxPages)
}
