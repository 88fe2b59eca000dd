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
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/vmspace/pkg/errors/linuxerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/sentry/memmap"
	"gvisor.dev/vmspace/pkg/sentry/mm"
	"gvisor.dev/vmspace/pkg/sentry/pgalloc"
	"gvisor.dev/vmspace/pkg/sentry/platform/softmmu"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{})
	if err != nil {
		t.Fatalf("NewMemoryFile got err %v want nil", err)
	}
	p, err := softmmu.New(0, 0)
	if err != nil {
		t.Fatalf("softmmu.New got err %v want nil", err)
	}
	k, err := NewKernel(KernelOpts{Platform: p, MemoryFile: mf})
	if err != nil {
		t.Fatalf("NewKernel got err %v want nil", err)
	}
	t.Cleanup(func() {
		for pid := InitialPID; pid < k.nextPID; pid++ {
			if p := k.ProcessWithPID(pid); p != nil {
				p.Exit()
			}
		}
		mf.Destroy()
	})
	return k
}

func newTestProcess(t *testing.T, k *Kernel, name string, uid uint32) *Process {
	t.Helper()
	p, err := k.NewProcess(context.Background(), ProcessOpts{Name: name, UID: uid, EUID: uid, Dumpable: true})
	if err != nil {
		t.Fatalf("NewProcess got err %v want nil", err)
	}
	return p
}

func ptrace(k *Kernel, caller *Process, req PtraceRequest, pid ThreadID, addr hostarch.Addr, data uint32) (uint32, error) {
	cpu := k.CPU(0)
	cpu.Run(caller)
	return k.Ptrace(caller.Context(context.Background()), cpu, caller, PtraceParams{
		Request: req,
		PID:     pid,
		Addr:    addr,
		Data:    data,
	})
}

func TestNewKernel(t *testing.T) {
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{})
	if err != nil {
		t.Fatalf("NewMemoryFile got err %v want nil", err)
	}
	defer mf.Destroy()
	p, err := softmmu.New(0, 0)
	if err != nil {
		t.Fatalf("softmmu.New got err %v want nil", err)
	}

	if _, err := NewKernel(KernelOpts{MemoryFile: mf}); err == nil {
		t.Errorf("NewKernel without a platform succeeded")
	}
	if _, err := NewKernel(KernelOpts{Platform: p, MemoryFile: mf, CPUs: -1}); err == nil {
		t.Errorf("NewKernel with a negative CPU count succeeded")
	}
	k, err := NewKernel(KernelOpts{Platform: p, MemoryFile: mf, CPUs: 4})
	if err != nil {
		t.Fatalf("NewKernel got err %v want nil", err)
	}
	if got := k.NumCPUs(); got != 4 {
		t.Errorf("NumCPUs() = %d, want 4", got)
	}
}

func TestProcessTable(t *testing.T) {
	k := newTestKernel(t)
	a := newTestProcess(t, k, "a", 1000)
	b := newTestProcess(t, k, "b", 1000)
	if a.PID() != InitialPID || b.PID() != InitialPID+1 {
		t.Errorf("PIDs = %d, %d, want %d, %d", a.PID(), b.PID(), InitialPID, InitialPID+1)
	}
	if got := k.ProcessWithPID(b.PID()); got != b {
		t.Errorf("ProcessWithPID(%d) = %v, want %v", b.PID(), got, b)
	}
	if got := a.AddressSpace().Layout(); got.MinAddr != softmmu.DefaultMinUserAddress || got.MaxAddr != softmmu.DefaultMaxUserAddress {
		t.Errorf("address space layout = %+v", got)
	}
	ctx := a.Context(context.Background())
	if KernelFromContext(ctx) != k || ProcessFromContext(ctx) != a || pgalloc.MemoryFileFromContext(ctx) != k.MemoryFile() {
		t.Errorf("process context does not carry its kernel, process and memory file")
	}

	a.Exit()
	a.Exit()
	if got := a.State(); got != Dead {
		t.Errorf("State() = %v after Exit, want %v", got, Dead)
	}
	if got := k.NumProcesses(); got != 1 {
		t.Errorf("NumProcesses() = %d after Exit, want 1", got)
	}
}

func TestAddressSpaceSwitcher(t *testing.T) {
	k := newTestKernel(t)
	a := newTestProcess(t, k, "a", 1000)
	b := newTestProcess(t, k, "b", 1000)
	cpu := k.CPU(0)
	cpu.Run(a)

	s := cpu.SwitchTo(b)
	if cpu.Active() != b {
		t.Errorf("Active() = %v during switch, want %v", cpu.Active(), b)
	}
	if s.IO() != b.PageTables() {
		t.Errorf("switcher IO does not use the page tables of %v", b)
	}
	s.Release()
	s.Release()
	if cpu.Active() != a {
		t.Errorf("Active() = %v after Release, want %v", cpu.Active(), a)
	}

	// The CPU is usable again after Release.
	s = cpu.SwitchTo(a)
	s.Release()
}

func TestPtraceGatekeeping(t *testing.T) {
	k := newTestKernel(t)
	tracer := newTestProcess(t, k, "tracer", 1000)
	tracee := newTestProcess(t, k, "tracee", 1000)
	other := newTestProcess(t, k, "other", 1000)
	foreign := newTestProcess(t, k, "foreign", 0)
	setuid, err := k.NewProcess(context.Background(), ProcessOpts{Name: "setuid", UID: 1000, EUID: 0, Dumpable: true})
	if err != nil {
		t.Fatalf("NewProcess got err %v want nil", err)
	}
	undumpable := newTestProcess(t, k, "undumpable", 1000)
	undumpable.SetDumpable(false)

	for _, tc := range []struct {
		name   string
		caller *Process
		req    PtraceRequest
		pid    ThreadID
		err    error
	}{
		{name: "not traced", caller: tracer, req: PT_CONTINUE, pid: tracee.PID(), err: linuxerr.EPERM},
		{name: "self", caller: tracer, req: PT_ATTACH, pid: tracer.PID(), err: linuxerr.EINVAL},
		{name: "no such process", caller: tracer, req: PT_ATTACH, pid: 1234, err: linuxerr.ESRCH},
		{name: "uid mismatch", caller: tracer, req: PT_ATTACH, pid: foreign.PID(), err: linuxerr.EACCES},
		{name: "setuid", caller: tracer, req: PT_ATTACH, pid: setuid.PID(), err: linuxerr.EACCES},
		{name: "not dumpable", caller: tracer, req: PT_ATTACH, pid: undumpable.PID(), err: linuxerr.EACCES},
		{name: "attach", caller: tracer, req: PT_ATTACH, pid: tracee.PID()},
		{name: "attach twice", caller: tracer, req: PT_ATTACH, pid: tracee.PID(), err: linuxerr.EBUSY},
		{name: "other tracer", caller: other, req: PT_CONTINUE, pid: tracee.PID(), err: linuxerr.EBUSY},
		{name: "unknown request", caller: tracer, req: PtraceRequest(99), pid: tracee.PID(), err: linuxerr.EINVAL},
		{name: "continue", caller: tracer, req: PT_CONTINUE, pid: tracee.PID()},
		{name: "running", caller: tracer, req: PT_PEEK, pid: tracee.PID(), err: linuxerr.EBUSY},
		{name: "trace me while traced", caller: tracee, req: PT_TRACE_ME, err: linuxerr.EBUSY},
		{name: "trace me", caller: other, req: PT_TRACE_ME},
	} {
		if _, err := ptrace(k, tc.caller, tc.req, tc.pid, 0, 0); err != tc.err {
			t.Errorf("%s: ptrace(%v, %d) got err %v want %v", tc.name, tc.req, tc.pid, err, tc.err)
		}
	}

	if got := tracee.Tracer(); got == nil || got.PID() != tracer.PID() {
		t.Errorf("tracee Tracer() = %v, want tracer %d", got, tracer.PID())
	}
	if !other.WaitsForTracer() {
		t.Errorf("PT_TRACE_ME did not mark the caller")
	}
}

func TestPtraceStopAndContinue(t *testing.T) {
	k := newTestKernel(t)
	tracer := newTestProcess(t, k, "tracer", 1000)
	tracee := newTestProcess(t, k, "tracee", 1000)

	steps := []struct {
		req   PtraceRequest
		state ProcessState
	}{
		{PT_ATTACH, Stopped},
		{PT_SYSCALL, Running},
	}
	for _, step := range steps {
		if _, err := ptrace(k, tracer, step.req, tracee.PID(), 0, 0); err != nil {
			t.Fatalf("ptrace(%v) got err %v want nil", step.req, err)
		}
		if got := tracee.State(); got != step.state {
			t.Errorf("after %v: State() = %v, want %v", step.req, got, step.state)
		}
	}
	if got := tracee.Tracer(); got == nil || !got.TraceSyscalls() {
		t.Errorf("PT_SYSCALL did not enable syscall tracing")
	}

	tracee.SendSignal(unix.SIGSTOP, tracer)
	if _, err := ptrace(k, tracer, PT_DETACH, tracee.PID(), 0, 0); err != nil {
		t.Fatalf("PT_DETACH got err %v want nil", err)
	}
	if tracee.Tracer() != nil || tracee.State() != Running {
		t.Errorf("after PT_DETACH: tracer %v, state %v", tracee.Tracer(), tracee.State())
	}
}

func TestPtracePokeSharedMapping(t *testing.T) {
	k := newTestKernel(t)
	tracer := newTestProcess(t, k, "tracer", 1000)
	tracee := newTestProcess(t, k, "tracee", 1000)

	file := []byte("\x90\x90\x90\x90 shared text")
	inode := memmap.NewInode(k.MemoryFile(), memmap.InodeOpts{Ino: 3, Name: "/bin/tracee", Backing: bytes.NewReader(file)})
	defer inode.DecRef()
	as := tracee.AddressSpace()
	addr, err := as.MMap(tracee.Context(context.Background()), mm.MMapOpts{
		Addr:   0x1000,
		Length: hostarch.PageSize,
		Fixed:  true,
		Inode:  inode,
		Shared: true,
		Perms:  hostarch.Read,
	})
	if err != nil {
		t.Fatalf("MMap got err %v want nil", err)
	}

	if _, err := ptrace(k, tracer, PT_ATTACH, tracee.PID(), 0, 0); err != nil {
		t.Fatalf("PT_ATTACH got err %v want nil", err)
	}
	if _, err := ptrace(k, tracer, PT_POKE, tracee.PID(), addr, 0xDEADBEEF); err != nil {
		t.Fatalf("PT_POKE got err %v want nil", err)
	}
	if got := k.CPU(0).Active(); got != tracer {
		t.Errorf("Active() = %v after PT_POKE, want the tracer", got)
	}

	v, err := ptrace(k, tracer, PT_PEEK, tracee.PID(), addr, 0)
	if err != nil || v != 0xDEADBEEF {
		t.Errorf("PT_PEEK got (%#x, %v), want (0xdeadbeef, nil)", v, err)
	}
	r := as.FindRegionFromAddress(addr)
	if r == nil {
		t.Fatalf("no region at %v", addr)
	}
	want := mm.RegionInfo{
		Range: hostarch.AddrRange{Start: 0x1000, End: 0x2000},
		Kind:  memmap.PrivateInode,
		Perms: hostarch.Read,
		Name:  "/bin/tracee",
	}
	if diff := cmp.Diff([]mm.RegionInfo{want}, as.Regions()); diff != "" {
		t.Errorf("Regions() mismatch (-want +got):\n%s", diff)
	}
	buf := make([]byte, 4)
	if _, err := inode.ReadAt(buf, 0); err != nil {
		t.Fatalf("inode ReadAt got err %v want nil", err)
	}
	if !bytes.Equal(buf, file[:4]) {
		t.Errorf("poke changed the file: %x", buf)
	}

	for _, tc := range []struct {
		name string
		req  PtraceRequest
		addr hostarch.Addr
		err  error
	}{
		{name: "poke null page", req: PT_POKE, addr: 0, err: linuxerr.EFAULT},
		{name: "poke kernel address", req: PT_POKE, addr: softmmu.DefaultMaxUserAddress, err: linuxerr.EFAULT},
		{name: "poke unmapped", req: PT_POKE, addr: 0x8000, err: linuxerr.EFAULT},
		{name: "poke past the region", req: PT_POKE, addr: 0x1ffe, err: linuxerr.EFAULT},
		{name: "peek unmapped", req: PT_PEEK, addr: 0x8000, err: linuxerr.EFAULT},
	} {
		if _, err := ptrace(k, tracer, tc.req, tracee.PID(), tc.addr, 1); err != tc.err {
			t.Errorf("%s: got err %v want %v", tc.name, err, tc.err)
		}
	}
}

func TestPtraceDebugRegisters(t *testing.T) {
	k := newTestKernel(t)
	tracer := newTestProcess(t, k, "tracer", 1000)
	tracee := newTestProcess(t, k, "tracee", 1000)
	if _, err := ptrace(k, tracer, PT_ATTACH, tracee.PID(), 0, 0); err != nil {
		t.Fatalf("PT_ATTACH got err %v want nil", err)
	}

	for _, idx := range []hostarch.Addr{0, 1, 2, 3, 7} {
		if _, err := ptrace(k, tracer, PT_POKEDEBUG, tracee.PID(), idx, 0x100+uint32(idx)); err != nil {
			t.Errorf("PT_POKEDEBUG(%d) got err %v want nil", idx, err)
		}
	}
	for _, idx := range []hostarch.Addr{4, 5, 6, 8, 1 << 32} {
		if _, err := ptrace(k, tracer, PT_POKEDEBUG, tracee.PID(), idx, 1); err != linuxerr.EINVAL {
			t.Errorf("PT_POKEDEBUG(%d) got err %v want %v", idx, err, linuxerr.EINVAL)
		}
	}
	want := DebugRegisters{DR0: 0x100, DR1: 0x101, DR2: 0x102, DR3: 0x103, DR7: 0x107}
	if diff := cmp.Diff(want, tracee.DebugRegisters()); diff != "" {
		t.Errorf("DebugRegisters() mismatch (-want +got):\n%s", diff)
	}
	if v, err := ptrace(k, tracer, PT_PEEKDEBUG, tracee.PID(), 7, 0); err != nil || v != 0x107 {
		t.Errorf("PT_PEEKDEBUG(7) got (%#x, %v), want (0x107, nil)", v, err)
	}
	if v, err := ptrace(k, tracer, PT_PEEKDEBUG, tracee.PID(), 6, 0); err != nil || v != 0 {
		t.Errorf("PT_PEEKDEBUG(6) got (%#x, %v), want (0, nil)", v, err)
	}
	if _, err := ptrace(k, tracer, PT_PEEKDEBUG, tracee.PID(), 5, 0); err != linuxerr.EINVAL {
		t.Errorf("PT_PEEKDEBUG(5) got err %v want %v", err, linuxerr.EINVAL)
	}
}

func TestExitDetachesTracees(t *testing.T) {
	k := newTestKernel(t)
	tracer := newTestProcess(t, k, "tracer", 1000)
	tracee := newTestProcess(t, k, "tracee", 1000)
	if _, err := ptrace(k, tracer, PT_ATTACH, tracee.PID(), 0, 0); err != nil {
		t.Fatalf("PT_ATTACH got err %v want nil", err)
	}
	tracer.Exit()
	if tracee.Tracer() != nil || tracee.State() != Running {
		t.Errorf("after tracer exit: tracer %v, state %v", tracee.Tracer(), tracee.State())
	}
}
