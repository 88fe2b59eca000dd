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


package scenario

import (
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmspace/pkg/errors/linuxerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/log"
	"gvisor.dev/vmspace/pkg/sentry/kernel"
	"gvisor.dev/vmspace/pkg/sentry/memmap"
	"gvisor.dev/vmspace/pkg/sentry/mm"
)

// String returns the step in strace-like notation.
func (st *Step) String() string {
	switch st.Op {
	case OpMMap:
		backing := "anonymous"
		if st.File != "" {
			backing = fmt.Sprintf("%s+%#x", st.File, st.Offset)
		}
		mode := "private"
		if st.Shared {
			mode = "shared"
		}
		if st.Fixed {
			mode += "|fixed"
		}
		return fmt.Sprintf("mmap(%#x, %#x, %s, %s, %s)", st.Addr, st.Length, st.perms(), mode, backing)
	case OpMUnmap:
		return fmt.Sprintf("munmap(%#x, %#x)", st.Addr, st.Length)
	case OpMProtect:
		return fmt.Sprintf("mprotect(%#x, %#x, %s)", st.Addr, st.Length, st.perms())
	case OpMaps, OpExit:
		return st.Op + "()"
	case OpStop, OpCont:
		return fmt.Sprintf("%s(%s)", st.Op, st.Target)
	default:
		return fmt.Sprintf("ptrace(%s, %s, %#x, %#x)", st.Op, st.Target, st.Addr, st.Data)
	}
}

// errnoName returns the name of the errno err translates to, or the error
// text if it does not translate to one.
func errnoName(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := linuxerr.TranslateError(err); ok {
		return unix.ErrnoName(e.Errno())
	}
	return err.Error()
}

type runner struct {
	k   *kernel.Kernel
	out io.Writer

	files  map[string]*memmap.Inode
	procs  map[string]*kernel.Process
	exited map[string]bool
}

// Run executes s on k. Every step is written to out with its result, and maps
// steps also write the /proc/[pid]/maps of their process. Run fails at the
// first step whose outcome differs from the expected one. All files and
// processes created by s are released before Run returns.
func Run(ctx context.Context, k *kernel.Kernel, s *Scenario, out io.Writer) error {
	r := &runner{
		k:      k,
		out:    out,
		files:  make(map[string]*memmap.Inode),
		procs:  make(map[string]*kernel.Process),
		exited: make(map[string]bool),
	}
	defer r.release()

	log.Infof("Running scenario %q: %d files, %d processes, %d steps", s.Name, len(s.Files), len(s.Processes), len(s.Steps))
	for _, f := range s.Files {
		r.files[f.Path] = memmap.NewInode(k.MemoryFile(), memmap.InodeOpts{
			DevMajor: f.Major,
			DevMinor: f.Minor,
			Ino:      f.Ino,
			Name:     f.Path,
			Backing:  strings.NewReader(f.Contents),
		})
	}
	for _, sp := range s.Processes {
		opts := kernel.ProcessOpts{
			Name:     sp.Name,
			UID:      sp.UID,
			EUID:     sp.UID,
			Dumpable: true,
		}
		if sp.EUID != nil {
			opts.EUID = *sp.EUID
		}
		if sp.Dumpable != nil {
			opts.Dumpable = *sp.Dumpable
		}
		p, err := k.NewProcess(k.SupervisorContext(ctx), opts)
		if err != nil {
			return fmt.Errorf("creating process %q: %w", sp.Name, err)
		}
		r.procs[sp.Name] = p
	}
	for i := range s.Steps {
		st := &s.Steps[i]
		if err := r.step(ctx, st); err != nil {
			return fmt.Errorf("step %d: %s: %s: %w", i, st.Process, st, err)
		}
	}
	return nil
}

// release exits every process, then drops the files.
func (r *runner) release() {
	for _, p := range r.procs {
		p.Exit()
	}
	for _, f := range r.files {
		f.DecRef()
	}
}

func (r *runner) step(ctx context.Context, st *Step) error {
	if r.exited[st.Process] {
		return fmt.Errorf("process %q has exited", st.Process)
	}
	p := r.procs[st.Process]
	ctx = p.Context(ctx)
	as := p.AddressSpace()

	var (
		ret string
		err error
	)
	switch st.Op {
	case OpMMap:
		opts := mm.MMapOpts{
			Addr:   hostarch.Addr(st.Addr),
			Length: st.Length,
			Fixed:  st.Fixed,
			Offset: st.Offset,
			Shared: st.Shared,
			Perms:  st.perms(),
			Name:   st.Name,
		}
		if st.File != "" {
			opts.Inode = r.files[st.File]
		}
		var addr hostarch.Addr
		if addr, err = as.MMap(ctx, opts); err == nil {
			ret = fmt.Sprintf("%#x", uint64(addr))
		}

	case OpMUnmap:
		err = as.MUnmap(ctx, hostarch.Addr(st.Addr), st.Length)

	case OpMProtect:
		err = as.MProtect(ctx, hostarch.Addr(st.Addr), st.Length, st.perms())

	case OpMaps:
		fmt.Fprintf(r.out, "%s: %s\n", st.Process, st)
		_, err := r.out.Write(as.MapsData())
		return err

	case OpStop:
		r.procs[st.Target].SendSignal(unix.SIGSTOP, p)

	case OpCont:
		r.procs[st.Target].SendSignal(unix.SIGCONT, p)

	case OpExit:
		p.Exit()
		r.exited[st.Process] = true

	default:
		req, _ := kernel.ParsePtraceRequest(st.Op)
		params := kernel.PtraceParams{
			Request: req,
			Addr:    hostarch.Addr(st.Addr),
			Data:    st.Data,
		}
		if st.Target != "" {
			params.PID = r.procs[st.Target].PID()
		}
		cpu := r.k.CPU(int(p.PID()) % r.k.NumCPUs())
		cpu.Run(p)
		var v uint32
		v, err = r.k.Ptrace(ctx, cpu, p, params)
		if err == nil && (req == kernel.PT_PEEK || req == kernel.PT_PEEKDEBUG) {
			ret = fmt.Sprintf("%#x", v)
			if st.Expect != nil && v != *st.Expect {
				return fmt.Errorf("read %#x, want %#x", v, *st.Expect)
			}
		}
	}

	switch {
	case err != nil:
		ret = "-1 " + errnoName(err)
	case ret == "":
		ret = "0"
	}
	fmt.Fprintf(r.out, "%s: %s = %s\n", st.Process, st, ret)

	if got := errnoName(err); got != st.Error {
		if st.Error == "" {
			return fmt.Errorf("unexpected error: %w", err)
		}
		if err == nil {
			return fmt.Errorf("succeeded, want %s", st.Error)
		}
		return fmt.Errorf("got error %s, want %s", got, st.Error)
	}
	return nil
}
