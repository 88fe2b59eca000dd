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

// Package memmap defines the memory objects that back regions of an address
// space.
package memmap

import (
	"bytes"
	"fmt"
	"sync"

	"gvisor.dev/vmspace/pkg/cleanup"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/refs"
	"gvisor.dev/vmspace/pkg/sentry/pgalloc"
)

// Kind is the kind of an Object.
type Kind int

const (
	// PrivateAnonymous objects are zero-filled and visible only to the
	// address space that maps them.
	PrivateAnonymous Kind = iota

	// PrivateInode objects start out with the contents of an inode; writes
	// are visible only to the address space that maps them.
	PrivateInode

	// SharedInode objects read and write the page cache of an inode; writes
	// are visible to every mapper and to the file.
	SharedInode
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case PrivateAnonymous:
		return "PrivateAnonymous"
	case PrivateInode:
		return "PrivateInode"
	case SharedInode:
		return "SharedInode"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Object is a reference-counted memory object supplying the pages of one or
// more regions. Object offsets of inode-backed objects are file offsets.
//
// Object implements refs.RefCounter.
type Object struct {
	refs.Refs[Object]

	kind  Kind
	mf    *pgalloc.MemoryFile
	inode *Inode

	// mu protects pages.
	mu sync.Mutex

	// pages maps page-aligned object offsets to the memory file pages that
	// hold the private contents of the object. It is only used by private
	// objects.
	pages map[uint64]uint64
}

// NewAnonymousObject returns a zero-filled PrivateAnonymous object holding
// one reference, whose pages are allocated from mf.
func NewAnonymousObject(mf *pgalloc.MemoryFile) *Object {
	o := &Object{
		kind:  PrivateAnonymous,
		mf:    mf,
		pages: make(map[uint64]uint64),
	}
	o.InitRefs()
	return o
}

// NewPrivateInodeObject returns a PrivateInode object over inode holding one
// reference. Private copies of pages are allocated from mf. The object takes
// a reference on inode.
func NewPrivateInodeObject(mf *pgalloc.MemoryFile, inode *Inode) *Object {
	inode.IncRef()
	o := &Object{
		kind:  PrivateInode,
		mf:    mf,
		inode: inode,
		pages: make(map[uint64]uint64),
	}
	o.InitRefs()
	return o
}

// NewSharedInodeObject returns a SharedInode object over inode holding one
// reference. The object takes a reference on inode.
func NewSharedInodeObject(inode *Inode) *Object {
	inode.IncRef()
	o := &Object{
		kind:  SharedInode,
		mf:    inode.mf,
		inode: inode,
	}
	o.InitRefs()
	return o
}

// Kind returns the kind of o.
func (o *Object) Kind() Kind {
	return o.kind
}

// IsShared returns true if writes to o are visible to other mappers.
func (o *Object) IsShared() bool {
	return o.kind == SharedInode
}

// Inode returns the inode backing o, or nil for anonymous objects.
func (o *Object) Inode() *Inode {
	return o.inode
}

// String implements fmt.Stringer.String.
func (o *Object) String() string {
	if o.inode == nil {
		return fmt.Sprintf("%s@%p", o.kind, o)
	}
	return fmt.Sprintf("%s(%s)@%p", o.kind, o.inode.name, o)
}

// DecRef drops a reference on o. The last reference releases private pages
// and the inode reference.
func (o *Object) DecRef() {
	o.Refs.DecRef(func() {
		o.mu.Lock()
		for _, frame := range o.pages {
			o.mf.DecRef(pgalloc.FileRange{Start: frame, End: frame + hostarch.PageSize})
		}
		o.pages = nil
		o.mu.Unlock()
		if o.inode != nil {
			o.inode.DecRef()
		}
	})
}

// PrivatePages returns the number of pages o holds privately.
func (o *Object) PrivatePages() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pages)
}

// CloneAsPrivate returns a new PrivateInode object over the same inode whose
// pages in [offset, offset+length) hold a copy of the current contents of
// o. It fails with ENOMEM if the copy cannot be allocated, in which case
// nothing is leaked.
//
// Preconditions:
//   - o.Kind() == SharedInode.
//   - offset and length are page-aligned, length > 0.
func (o *Object) CloneAsPrivate(offset, length uint64) (*Object, error) {
	if o.kind != SharedInode {
		panic(fmt.Sprintf("CloneAsPrivate on %v object", o.kind))
	}
	if length == 0 || offset&hostarch.PageMask != 0 || length&hostarch.PageMask != 0 || offset+length < offset {
		panic(fmt.Sprintf("CloneAsPrivate of invalid window [%#x, %#x+%#x)", offset, offset, length))
	}

	clone := NewPrivateInodeObject(o.mf, o.inode)
	cu := cleanup.Make(clone.DecRef)
	defer cu.Clean()

	var buf [hostarch.PageSize]byte
	for off := offset; off < offset+length; off += hostarch.PageSize {
		if _, err := o.inode.ReadAt(buf[:], int64(off)); err != nil {
			return nil, err
		}
		fr, err := o.mf.AllocateAndFill(hostarch.PageSize, bytes.NewReader(buf[:]))
		if err != nil {
			return nil, err
		}
		clone.mu.Lock()
		clone.pages[off] = fr.Start
		clone.mu.Unlock()
	}

	cu.Release()
	return clone, nil
}

// ReadAt implements io.ReaderAt.ReadAt at object offsets.
func (o *Object) ReadAt(dst []byte, off int64) (int, error) {
	if o.kind == SharedInode {
		return o.inode.ReadAt(dst, off)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	err := forEachPage(uint64(off), uint64(len(dst)), func(pageOff, inPage, length uint64) error {
		chunk := dst[n : n+int(length)]
		switch frame, ok := o.pages[pageOff]; {
		case ok:
			if _, err := o.mf.ReadAt(chunk, int64(frame+inPage)); err != nil {
				return err
			}
		case o.inode != nil:
			if _, err := o.inode.ReadAt(chunk, int64(pageOff+inPage)); err != nil {
				return err
			}
		default:
			clear(chunk)
		}
		n += int(length)
		return nil
	})
	return n, err
}

// WriteAt implements io.WriterAt.WriteAt at object offsets. Private objects
// copy a page from the inode (or zero-fill it) the first time it is written.
// It fails with ENOMEM if the memory file is exhausted.
func (o *Object) WriteAt(src []byte, off int64) (int, error) {
	if o.kind == SharedInode {
		return o.inode.WriteAt(src, off)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	err := forEachPage(uint64(off), uint64(len(src)), func(pageOff, inPage, length uint64) error {
		frame, err := o.privatePageLocked(pageOff)
		if err != nil {
			return err
		}
		if _, err := o.mf.WriteAt(src[n:n+int(length)], int64(frame+inPage)); err != nil {
			return err
		}
		n += int(length)
		return nil
	})
	return n, err
}

// privatePageLocked returns the private page at off, breaking copy-on-write
// from the inode if needed.
//
// Preconditions: o.mu must be locked. o is private.
func (o *Object) privatePageLocked(off uint64) (uint64, error) {
	if frame, ok := o.pages[off]; ok {
		return frame, nil
	}
	var buf [hostarch.PageSize]byte
	if o.inode != nil {
		if _, err := o.inode.ReadAt(buf[:], int64(off)); err != nil {
			return 0, err
		}
	}
	fr, err := o.mf.AllocateAndFill(hostarch.PageSize, bytes.NewReader(buf[:]))
	if err != nil {
		return 0, err
	}
	o.pages[off] = fr.Start
	return fr.Start, nil
}
