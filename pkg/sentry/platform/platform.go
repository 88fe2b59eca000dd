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

// Package platform provides a Platform abstraction.
//
// See Platform for more information.
package platform

import (
	"fmt"

	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/sentry/memmap"
	"gvisor.dev/vmspace/pkg/usermem"
)

// Platform provides the page table layer backing address spaces.
type Platform interface {
	// MinUserAddress returns the minimum mappable address on this
	// platform.
	MinUserAddress() hostarch.Addr

	// MaxUserAddress returns the maximum mappable address on this
	// platform.
	MaxUserAddress() hostarch.Addr

	// NewAddressSpace returns a new, empty set of page tables.
	NewAddressSpace() (AddressSpace, error)
}

// Mapping is the translation of a page-aligned range of virtual addresses to
// offsets in a memory object.
type Mapping struct {
	// Range is the range of virtual addresses.
	Range hostarch.AddrRange

	// Object supplies the pages. The MMU does not hold a reference on it; the
	// caller must keep a reference for as long as the mapping is installed.
	Object *memmap.Object

	// Offset is the object offset mapped at Range.Start.
	Offset uint64

	// Perms is the set of accesses permitted through the mapping.
	Perms hostarch.AccessType
}

// String implements fmt.Stringer.String.
func (m Mapping) String() string {
	return fmt.Sprintf("%v %s %v+%#x", m.Range, m.Perms, m.Object, m.Offset)
}

// MMU is the page table layer of an address space.
type MMU interface {
	// Remap installs the translations described by m, replacing any
	// overlapping translations. It is the equivalent of resyncing the page
	// table entries of a region and flushing the TLB.
	//
	// Preconditions: m.Range is page-aligned and non-empty.
	Remap(m Mapping)

	// Unmap removes all translations in ar.
	//
	// Preconditions: ar is page-aligned and non-empty.
	Unmap(ar hostarch.AddrRange)
}

// AddressSpace is a set of page tables that can be used to access user
// memory.
type AddressSpace interface {
	MMU
	usermem.IO

	// Release releases the page tables. No methods may be called after
	// Release.
	Release()
}
