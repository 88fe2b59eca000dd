// Copyright 2018 Google Inc.
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
	"bytes"
	"fmt"
	"strings"
)

// MapsData returns the contents of /proc/[pid]/maps for as.
func (as *AddressSpace) MapsData() []byte {
	as.mappingMu.RLock()
	defer as.mappingMu.RUnlock()
	var b bytes.Buffer
	as.regions.ascend(func(r *Region) bool {
		as.appendMapsEntryLocked(&b, r)
		return true
	})
	return b.Bytes()
}

// appendMapsEntryLocked appends the /proc/[pid]/maps entry for r, including
// the trailing newline, to b.
//
// Preconditions: as.mappingMu must be locked.
func (as *AddressSpace) appendMapsEntryLocked(b *bytes.Buffer, r *Region) {
	private := "p"
	if r.shared {
		private = "s"
	}

	var (
		devMajor, devMinor uint32
		ino                uint64
	)
	if inode := r.obj.Inode(); inode != nil {
		devMajor, devMinor = inode.Dev()
		ino = inode.Ino()
	}

	lineStart := b.Len()
	fmt.Fprintf(b, "%08x-%08x %s%s %08x %02x:%02x %d ",
		uint64(r.ar.Start), uint64(r.ar.End), r.perms, private, r.off, devMajor, devMinor, ino)

	s := r.info().Name
	if s != "" {
		// Per linux, we pad until the 74th character.
		if pad := 73 - (b.Len() - lineStart); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(s)
	}
	b.WriteString("\n")
}
