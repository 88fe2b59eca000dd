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

// Package kernel provides an emulation of the parts of a kernel that manage
// processes and their address spaces: the process table, CPUs on which
// address spaces are activated, and ptrace.
//
// Lock order:
//
//	Kernel.schedMu
//		CPU.mu
//			Process.mu
//			mm.AddressSpace.mappingMu
package kernel

import (
	"context"
	"fmt"
	"sync"

	"gvisor.dev/vmspace/pkg/errors/linuxerr"
	"gvisor.dev/vmspace/pkg/log"
	"gvisor.dev/vmspace/pkg/sentry/mm"
	"gvisor.dev/vmspace/pkg/sentry/pgalloc"
	"gvisor.dev/vmspace/pkg/sentry/platform"
)

// ThreadID is a process identifier.
type ThreadID int32

// InitialPID is the first PID allocated by a Kernel.
const InitialPID ThreadID = 1

// KernelOpts are options to NewKernel.
type KernelOpts struct {
	// Platform supplies page tables. It is required.
	Platform platform.Platform

	// MemoryFile supplies memory for private pages. It is required.
	MemoryFile *pgalloc.MemoryFile

	// CPUs is the number of CPUs. If CPUs is 0, one CPU is created.
	CPUs int

	// MaxRegions limits the number of regions in each address space. See
	// mm.AddressSpaceOpts.MaxRegions.
	MaxRegions int
}

// Kernel holds the processes of an emulated system.
type Kernel struct {
	// platform, mf, maxRegions and cpus are immutable.
	platform   platform.Platform
	mf         *pgalloc.MemoryFile
	maxRegions int
	cpus       []*CPU

	// schedMu is the global scheduler lock. It protects the process table
	// and the scheduling and tracing state of every Process.
	schedMu sync.Mutex

	// processes maps PIDs to live processes.
	processes map[ThreadID]*Process

	// nextPID is the next PID to allocate.
	nextPID ThreadID
}

// NewKernel returns a Kernel with no processes.
func NewKernel(opts KernelOpts) (*Kernel, error) {
	if opts.Platform == nil || opts.MemoryFile == nil {
		return nil, fmt.Errorf("kernel requires a platform and a memory file")
	}
	if opts.CPUs < 0 {
		return nil, fmt.Errorf("invalid CPU count %d", opts.CPUs)
	}
	if opts.CPUs == 0 {
		opts.CPUs = 1
	}
	k := &Kernel{
		platform:   opts.Platform,
		mf:         opts.MemoryFile,
		maxRegions: opts.MaxRegions,
		processes:  make(map[ThreadID]*Process),
		nextPID:    InitialPID,
	}
	for i := 0; i < opts.CPUs; i++ {
		k.cpus = append(k.cpus, &CPU{id: i})
	}
	return k, nil
}

// MemoryFile returns the MemoryFile that supplies private pages.
func (k *Kernel) MemoryFile() *pgalloc.MemoryFile {
	return k.mf
}

// Platform returns the platform that supplies page tables.
func (k *Kernel) Platform() platform.Platform {
	return k.platform
}

// CPU returns the CPU with the given index.
func (k *Kernel) CPU(i int) *CPU {
	return k.cpus[i]
}

// NumCPUs returns the number of CPUs.
func (k *Kernel) NumCPUs() int {
	return len(k.cpus)
}

// ProcessOpts are options to NewProcess.
type ProcessOpts struct {
	// Name is the name of the process, for logging.
	Name string

	// UID and EUID are the real and effective user IDs.
	UID  uint32
	EUID uint32

	// Dumpable indicates whether the process may be traced.
	Dumpable bool
}

// NewProcess creates a process with an empty address space. The process
// starts out running.
func (k *Kernel) NewProcess(ctx context.Context, opts ProcessOpts) (*Process, error) {
	pt, err := k.platform.NewAddressSpace()
	if err != nil {
		return nil, err
	}
	as, err := mm.NewAddressSpace(mm.AddressSpaceOpts{
		MMU: pt,
		Layout: mm.Layout{
			MinAddr: k.platform.MinUserAddress(),
			MaxAddr: k.platform.MaxUserAddress(),
		},
		MaxRegions: k.maxRegions,
	})
	if err != nil {
		pt.Release()
		return nil, err
	}

	k.schedMu.Lock()
	defer k.schedMu.Unlock()
	if k.nextPID <= 0 {
		as.Release()
		pt.Release()
		return nil, linuxerr.EAGAIN
	}
	p := &Process{
		k:        k,
		pid:      k.nextPID,
		name:     opts.Name,
		uid:      opts.UID,
		euid:     opts.EUID,
		dumpable: opts.Dumpable,
		state:    Running,
		pt:       pt,
		as:       as,
	}
	k.nextPID++
	k.processes[p.pid] = p
	log.Infof("Created process %d (%s)", p.pid, p.name)
	return p, nil
}

// ProcessWithPID returns the process with the given PID, or nil.
func (k *Kernel) ProcessWithPID(pid ThreadID) *Process {
	k.schedMu.Lock()
	defer k.schedMu.Unlock()
	return k.processes[pid]
}

// NumProcesses returns the number of live processes.
func (k *Kernel) NumProcesses() int {
	k.schedMu.Lock()
	defer k.schedMu.Unlock()
	return len(k.processes)
}
