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


// Package scenario describes and replays sequences of memory management and
// ptrace operations against a kernel. Scenarios are written in YAML:
//
//	name: poke-shared-library
//	files:
//	- path: /lib/libc.so
//	  ino: 42
//	  contents: "..."
//	processes:
//	- name: debugger
//	  uid: 1000
//	- name: target
//	  uid: 1000
//	steps:
//	- {process: target, op: mmap, addr: 0x10000, length: 0x2000, file: /lib/libc.so, shared: true, perms: r-x}
//	- {process: debugger, op: attach, target: target}
//	- {process: debugger, op: poke, target: target, addr: 0x10000, data: 0xdeadbeef}
//	- {process: target, op: maps}
package scenario

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/sentry/kernel"
)

// Scenario is a sequence of steps executed by a set of processes.
type Scenario struct {
	// Name identifies the scenario in logs.
	Name string `yaml:"name"`

	// Files are the files that steps may map.
	Files []File `yaml:"files"`

	// Processes are created, in order, before the first step runs.
	Processes []Process `yaml:"processes"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps"`
}

// File is a file available for mapping.
type File struct {
	// Path names the file in steps and in /proc/[pid]/maps.
	Path string `yaml:"path"`

	// Major and Minor are the device numbers of the file.
	Major uint32 `yaml:"major"`
	Minor uint32 `yaml:"minor"`

	// Ino is the inode number of the file.
	Ino uint64 `yaml:"ino"`

	// Contents are the initial contents of the file.
	Contents string `yaml:"contents"`
}

// Process is a process created by the scenario.
type Process struct {
	// Name names the process in steps.
	Name string `yaml:"name"`

	// UID is the real user ID.
	UID uint32 `yaml:"uid"`

	// EUID is the effective user ID. It defaults to UID.
	EUID *uint32 `yaml:"euid"`

	// Dumpable indicates whether the process may be traced. It defaults to
	// true.
	Dumpable *bool `yaml:"dumpable"`
}

// Operations that are not ptrace requests. Ptrace requests are named as by
// kernel.PtraceRequest.String.
const (
	OpMMap     = "mmap"
	OpMUnmap   = "munmap"
	OpMProtect = "mprotect"
	OpMaps     = "maps"
	OpStop     = "stop"
	OpCont     = "cont"
	OpExit     = "exit"
)

// Step is a single operation.
type Step struct {
	// Process is the process executing the operation.
	Process string `yaml:"process"`

	// Op is the operation.
	Op string `yaml:"op"`

	// Target is the tracee of ptrace requests, and the recipient of stop and
	// cont.
	Target string `yaml:"target"`

	// Addr is the address of mmap, munmap, mprotect, peek and poke, and the
	// register index of peekdebug and pokedebug.
	Addr uint64 `yaml:"addr"`

	// Length is the length of mmap, munmap and mprotect.
	Length uint64 `yaml:"length"`

	// Fixed places an mmap exactly at Addr.
	Fixed bool `yaml:"fixed"`

	// File is the path of the file mapped by mmap. If empty, the mapping is
	// anonymous.
	File string `yaml:"file"`

	// Offset is the file offset of mmap.
	Offset uint64 `yaml:"offset"`

	// Shared requests a shared mapping.
	Shared bool `yaml:"shared"`

	// Perms are the permissions of mmap and mprotect, in "rwx" notation.
	Perms string `yaml:"perms"`

	// Name names an anonymous mapping in /proc/[pid]/maps.
	Name string `yaml:"name"`

	// Data is the value written by poke and pokedebug.
	Data uint32 `yaml:"data"`

	// Expect is the value peek and peekdebug must return, if set.
	Expect *uint32 `yaml:"expect"`

	// Error is the name of the errno the step must fail with, such as
	// "EFAULT". If empty, the step must succeed.
	Error string `yaml:"error"`
}

// Parse reads a scenario from r. Unknown fields are rejected.
func Parse(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// perms returns the permissions of st, which validate has checked.
func (st *Step) perms() hostarch.AccessType {
	at, _ := hostarch.ParseAccessType(st.Perms)
	return at
}

func (s *Scenario) validate() error {
	files := make(map[string]struct{})
	for _, f := range s.Files {
		if f.Path == "" {
			return fmt.Errorf("file without a path")
		}
		if _, ok := files[f.Path]; ok {
			return fmt.Errorf("duplicate file %q", f.Path)
		}
		files[f.Path] = struct{}{}
	}
	procs := make(map[string]struct{})
	for _, p := range s.Processes {
		if p.Name == "" {
			return fmt.Errorf("process without a name")
		}
		if _, ok := procs[p.Name]; ok {
			return fmt.Errorf("duplicate process %q", p.Name)
		}
		procs[p.Name] = struct{}{}
	}
	for i, st := range s.Steps {
		if _, ok := procs[st.Process]; !ok {
			return fmt.Errorf("step %d: unknown process %q", i, st.Process)
		}
		if st.File != "" {
			if _, ok := files[st.File]; !ok {
				return fmt.Errorf("step %d: unknown file %q", i, st.File)
			}
		}
		if st.Target != "" {
			if _, ok := procs[st.Target]; !ok {
				return fmt.Errorf("step %d: unknown target %q", i, st.Target)
			}
		}
		if _, err := hostarch.ParseAccessType(st.Perms); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		switch st.Op {
		case OpMMap, OpMUnmap, OpMProtect, OpMaps, OpExit:
		case OpStop, OpCont:
			if st.Target == "" {
				return fmt.Errorf("step %d: %s requires a target", i, st.Op)
			}
		default:
			req, ok := kernel.ParsePtraceRequest(st.Op)
			if !ok {
				return fmt.Errorf("step %d: unknown operation %q", i, st.Op)
			}
			if req != kernel.PT_TRACE_ME && st.Target == "" {
				return fmt.Errorf("step %d: %s requires a target", i, st.Op)
			}
		}
	}
	return nil
}
