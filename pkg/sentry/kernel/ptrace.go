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

package kernel

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmspace/pkg/errors/linuxerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/log"
	"gvisor.dev/vmspace/pkg/metric"
)

// PtraceRequest is a ptrace request.
type PtraceRequest int

// Ptrace requests.
const (
	PT_TRACE_ME PtraceRequest = iota + 1
	PT_ATTACH
	PT_CONTINUE
	PT_DETACH
	PT_SYSCALL
	PT_PEEK
	PT_POKE
	PT_PEEKDEBUG
	PT_POKEDEBUG
)

var ptraceRequestNames = map[PtraceRequest]string{
	PT_TRACE_ME:  "trace_me",
	PT_ATTACH:    "attach",
	PT_CONTINUE:  "continue",
	PT_DETACH:    "detach",
	PT_SYSCALL:   "syscall",
	PT_PEEK:      "peek",
	PT_POKE:      "poke",
	PT_PEEKDEBUG: "peekdebug",
	PT_POKEDEBUG: "pokedebug",
}

// String implements fmt.Stringer.String.
func (r PtraceRequest) String() string {
	if name, ok := ptraceRequestNames[r]; ok {
		return name
	}
	return fmt.Sprintf("PtraceRequest(%d)", int(r))
}

// ParsePtraceRequest returns the request named s.
func ParsePtraceRequest(s string) (PtraceRequest, bool) {
	for r, name := range ptraceRequestNames {
		if name == s {
			return r, true
		}
	}
	return 0, false
}

var ptraceRequests = metric.MustCreateNewUint64Metric("/kernel/ptrace_requests", "Number of ptrace requests by request type.",
	metric.NewField("request", []string{
		"trace_me", "attach", "continue", "detach", "syscall", "peek", "poke", "peekdebug", "pokedebug",
	}))

// PtraceParams are the arguments of a ptrace request.
type PtraceParams struct {
	// Request is the request.
	Request PtraceRequest

	// PID is the PID of the tracee. It is ignored by PT_TRACE_ME.
	PID ThreadID

	// Addr is the tracee address for PT_PEEK and PT_POKE, and the register
	// index for PT_PEEKDEBUG and PT_POKEDEBUG.
	Addr hostarch.Addr

	// Data is the value written by PT_POKE and PT_POKEDEBUG.
	Data uint32
}

// Ptrace executes a ptrace request made by caller, running on cpu. PT_PEEK
// and PT_PEEKDEBUG return the value read; other requests return 0.
//
// The scheduler lock is held for the duration of the request.
func (k *Kernel) Ptrace(ctx context.Context, cpu *CPU, caller *Process, params PtraceParams) (uint32, error) {
	k.schedMu.Lock()
	defer k.schedMu.Unlock()

	if name, ok := ptraceRequestNames[params.Request]; ok {
		ptraceRequests.Increment(name)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("Process %v: ptrace(%v, %d, %v, %#x)", caller, params.Request, params.PID, params.Addr, params.Data)
	}

	if params.Request == PT_TRACE_ME {
		if caller.tracer != nil {
			return 0, linuxerr.EBUSY
		}
		caller.waitForTracerAtNextExecve = true
		return 0, nil
	}

	if params.PID == caller.pid {
		return 0, linuxerr.EINVAL
	}
	peer, ok := k.processes[params.PID]
	if !ok {
		return 0, linuxerr.ESRCH
	}

	// Setuid processes can't be traced.
	if peer.uid != caller.euid || peer.uid != peer.euid {
		return 0, linuxerr.EACCES
	}
	if !peer.dumpable {
		return 0, linuxerr.EACCES
	}

	if params.Request == PT_ATTACH {
		if peer.tracer != nil {
			return 0, linuxerr.EBUSY
		}
		peer.tracer = &Tracer{pid: caller.pid}
		if peer.state != Stopped {
			peer.sendSignalLocked(unix.SIGSTOP, caller)
		}
		return 0, nil
	}

	tracer := peer.tracer
	if tracer == nil {
		return 0, linuxerr.EPERM
	}
	if tracer.pid != caller.pid {
		return 0, linuxerr.EBUSY
	}
	if peer.state == Running {
		return 0, linuxerr.EBUSY
	}

	switch params.Request {
	case PT_CONTINUE:
		peer.sendSignalLocked(unix.SIGCONT, caller)

	case PT_DETACH:
		peer.tracer = nil
		peer.sendSignalLocked(unix.SIGCONT, caller)

	case PT_SYSCALL:
		tracer.traceSyscalls = true
		peer.sendSignalLocked(unix.SIGCONT, caller)

	case PT_PEEK:
		if !k.isUserAddress(params.Addr) {
			return 0, linuxerr.EFAULT
		}
		return peer.PeekUserData(ctx, cpu, params.Addr)

	case PT_POKE:
		if !k.isUserAddress(params.Addr) {
			return 0, linuxerr.EFAULT
		}
		return 0, peer.PokeUserData(ctx, cpu, params.Addr, params.Data)

	case PT_PEEKDEBUG:
		if params.Addr > math.MaxUint32 {
			return 0, linuxerr.EINVAL
		}
		return peer.PeekDebugRegister(uint32(params.Addr))

	case PT_POKEDEBUG:
		if params.Addr > math.MaxUint32 {
			return 0, linuxerr.EINVAL
		}
		return 0, peer.PokeDebugRegister(uint32(params.Addr), params.Data)

	default:
		return 0, linuxerr.EINVAL
	}
	return 0, nil
}

// isUserAddress returns true if addr lies within the user portion of the
// address space.
func (k *Kernel) isUserAddress(addr hostarch.Addr) bool {
	return addr >= k.platform.MinUserAddress() && addr < k.platform.MaxUserAddress()
}
