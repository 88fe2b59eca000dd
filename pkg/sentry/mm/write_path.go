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
	"time"

	"gvisor.dev/vmspace/pkg/cleanup"
	"gvisor.dev/vmspace/pkg/errors/linuxerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/log"
	"gvisor.dev/vmspace/pkg/usermem"
)

// cloneFailureLog reports failures to copy a shared region for a write.
var cloneFailureLog = log.BasicRateLimitedLogger(time.Second)

// PokeUserData writes src at addr on behalf of a privileged writer such as a
// ptrace tracer, using uio to perform the copy. uio must access the page
// tables of as.
//
// The write must lie within a single region. If that region maps a shared
// file, it is first converted to a private copy of the file so the write is
// not visible to other mappers or to the file; the conversion is permanent.
// If the region is not writable, it is made writable for the duration of the
// copy only.
//
// PokeUserData returns EFAULT if no region contains the write or the copy
// faults, and ENOMEM if the private copy cannot be allocated.
func (as *AddressSpace) PokeUserData(ctx context.Context, addr hostarch.Addr, src []byte, uio usermem.IO) error {
	ar, ok := addr.ToRange(uint64(len(src)))
	if !ok {
		return linuxerr.EFAULT
	}

	as.mappingMu.Lock()
	defer as.mappingMu.Unlock()

	r := as.FindRegionContainingLocked(ar)
	if r == nil {
		return linuxerr.EFAULT
	}

	if r.IsShared() {
		priv, err := r.obj.CloneAsPrivate(r.off, r.ar.Length())
		if err != nil {
			cloneFailureLog.Warningf("Failed to copy shared region %v for write at %v: %v", r, addr, err)
			return linuxerr.ENOMEM
		}
		r.SetObject(priv)
		r.SetShared(false)
		cowConversions.Increment()
	}

	if !r.Writable() {
		r.SetWritable(true)
		r.Remap()
		cu := cleanup.Make(func() {
			r.SetWritable(false)
			r.Remap()
		})
		defer cu.Clean()
	}

	if _, err := uio.CopyOut(ctx, addr, src, usermem.IOOpts{}); err != nil {
		if log.IsLogging(log.Debug) {
			log.Debugf("Write of %d bytes at %v faulted: %v", len(src), addr, err)
		}
		return linuxerr.EFAULT
	}
	return nil
}

// PeekUserData reads len(dst) bytes at addr into dst using uio, ignoring the
// read permission of the region, like a ptrace tracer does. It returns EFAULT
// if any byte is unmapped.
func (as *AddressSpace) PeekUserData(ctx context.Context, addr hostarch.Addr, dst []byte, uio usermem.IO) error {
	ar, ok := addr.ToRange(uint64(len(dst)))
	if !ok {
		return linuxerr.EFAULT
	}

	as.mappingMu.RLock()
	defer as.mappingMu.RUnlock()

	if as.FindRegionContainingLocked(ar) == nil {
		return linuxerr.EFAULT
	}
	if _, err := uio.CopyIn(ctx, addr, dst, usermem.IOOpts{IgnorePermissions: true}); err != nil {
		return linuxerr.EFAULT
	}
	return nil
}
