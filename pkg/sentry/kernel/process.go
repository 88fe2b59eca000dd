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
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmspace/pkg/errors/linuxerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/log"
	"gvisor.dev/vmspace/pkg/sentry/mm"
	"gvisor.dev/vmspace/pkg/sentry/platform"
)

// ProcessState is the scheduling state of a Process.
type ProcessState int

const (
	// Running processes may be executing on a CPU.
	Running ProcessState = iota

	// Stopped processes are stopped by a signal.
	Stopped

	// Dead processes have exited.
	Dead
)

// String implements fmt.Stringer.String.
func (s ProcessState) String() string {
	switch s {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("ProcessState(%d)", int(s))
	}
}

// Tracer records the tracer of a traced process.
type Tracer struct {
	// pid is the PID of the tracing process.
	pid ThreadID

	// traceSyscalls is set by PT_SYSCALL.
	traceSyscalls bool
}

// PID returns the PID of the tracing process.
func (t *Tracer) PID() ThreadID {
	return t.pid
}

// TraceSyscalls returns true if the tracer asked to stop at system calls.
func (t *Tracer) TraceSyscalls() bool {
	return t.traceSyscalls
}

// Process is a single-threaded process.
type Process struct {
	// k, pid, name, uid, euid, pt and as are immutable.
	k    *Kernel
	pid  ThreadID
	name string
	uid  uint32
	euid uint32
	pt   platform.AddressSpace
	as   *mm.AddressSpace

	// The following fields are protected by k.schedMu.

	// dumpable indicates whether the process may be traced.
	dumpable bool

	// state is the scheduling state of the process.
	state ProcessState

	// tracer is the tracer of the process, or nil.
	tracer *Tracer

	// waitForTracerAtNextExecve is set by PT_TRACE_ME.
	waitForTracerAtNextExecve bool

	// mu protects debugRegs.
	mu sync.Mutex

	// debugRegs is the debug register state of the process.
	debugRegs DebugRegisters
}

// PID returns the PID of p.
func (p *Process) PID() ThreadID {
	return p.pid
}

// Name returns the name of p.
func (p *Process) Name() string {
	return p.name
}

// AddressSpace returns the address space of p.
func (p *Process) AddressSpace() *mm.AddressSpace {
	return p.as
}

// PageTables returns the page tables of p.
func (p *Process) PageTables() platform.AddressSpace {
	return p.pt
}

// String implements fmt.Stringer.String.
func (p *Process) String() string {
	return fmt.Sprintf("%d(%s)", p.pid, p.name)
}

// State returns the scheduling state of p.
func (p *Process) State() ProcessState {
	p.k.schedMu.Lock()
	defer p.k.schedMu.Unlock()
	return p.state
}

// Tracer returns a copy of the tracer of p, or nil if p is not traced.
func (p *Process) Tracer() *Tracer {
	p.k.schedMu.Lock()
	defer p.k.schedMu.Unlock()
	if p.tracer == nil {
		return nil
	}
	t := *p.tracer
	return &t
}

// WaitsForTracer returns true if p asked to be traced with PT_TRACE_ME.
func (p *Process) WaitsForTracer() bool {
	p.k.schedMu.Lock()
	defer p.k.schedMu.Unlock()
	return p.waitForTracerAtNextExecve
}

// SetDumpable changes whether p may be traced.
func (p *Process) SetDumpable(dumpable bool) {
	p.k.schedMu.Lock()
	defer p.k.schedMu.Unlock()
	p.dumpable = dumpable
}

// SendSignal delivers a stop or continue signal to p. Other signals are
// ignored.
func (p *Process) SendSignal(sig unix.Signal, sender *Process) {
	p.k.schedMu.Lock()
	defer p.k.schedMu.Unlock()
	p.sendSignalLocked(sig, sender)
}

// Preconditions: p.k.schedMu must be locked.
func (p *Process) sendSignalLocked(sig unix.Signal, sender *Process) {
	if p.state == Dead {
		return
	}
	switch sig {
	case unix.SIGSTOP:
		p.state = Stopped
	case unix.SIGCONT:
		p.state = Running
	default:
		log.Warningf("Process %v: ignoring signal %v from %v", p, sig, sender)
		return
	}
	log.Debugf("Process %v: %v from %v, now %v", p, sig, sender, p.state)
}

// PeekUserData reads the 32-bit word at addr in p's address space, by
// activating p's address space on cpu for the duration of the read.
func (p *Process) PeekUserData(ctx context.Context, cpu *CPU, addr hostarch.Addr) (uint32, error) {
	s := cpu.SwitchTo(p)
	defer s.Release()
	var buf [4]byte
	if err := p.as.PeekUserData(ctx, addr, buf[:], s.IO()); err != nil {
		return 0, err
	}
	return hostarch.ByteOrder.Uint32(buf[:]), nil
}

// PokeUserData writes the 32-bit word data at addr in p's address space, by
// activating p's address space on cpu for the duration of the write. See
// mm.AddressSpace.PokeUserData.
func (p *Process) PokeUserData(ctx context.Context, cpu *CPU, addr hostarch.Addr, data uint32) error {
	ar, ok := addr.ToRange(4)
	if !ok || p.as.FindRegionContaining(ar) == nil {
		return linuxerr.EFAULT
	}
	s := cpu.SwitchTo(p)
	defer s.Release()
	var buf [4]byte
	hostarch.ByteOrder.PutUint32(buf[:], data)
	return p.as.PokeUserData(ctx, addr, buf[:], s.IO())
}

// Exit terminates p: it releases its address space, detaches it from its
// tracer and detaches its tracees.
func (p *Process) Exit() {
	p.k.schedMu.Lock()
	if p.state == Dead {
		p.k.schedMu.Unlock()
		return
	}
	p.state = Dead
	p.tracer = nil
	delete(p.k.processes, p.pid)
	for _, q := range p.k.processes {
		if q.tracer != nil && q.tracer.pid == p.pid {
			q.tracer = nil
			q.sendSignalLocked(unix.SIGCONT, p)
		}
	}
	p.k.schedMu.Unlock()

	p.as.Release()
	p.pt.Release()
	log.Infof("Process %v exited", p)
}
