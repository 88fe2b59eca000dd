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
	"fmt"
	"sync"
	"sync/atomic"

	"gvisor.dev/vmspace/pkg/usermem"
)

// CPU is a processor on which one address space is active at a time.
type CPU struct {
	// id is immutable.
	id int

	// mu is held for the lifetime of an AddressSpaceSwitcher.
	mu sync.Mutex

	// active is the process whose address space is active on the CPU, or
	// nil.
	active atomic.Pointer[Process]
}

// ID returns the index of c.
func (c *CPU) ID() int {
	return c.id
}

// Active returns the process whose address space is active on c, or nil.
func (c *CPU) Active() *Process {
	return c.active.Load()
}

// Run makes p the process running on c. It blocks while an address space
// switch is in progress on c.
func (c *CPU) Run(p *Process) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active.Store(p)
}

// SwitchTo activates the address space of p on c until the returned
// switcher is released, at which point the previously active address space
// is restored. No other switch can happen on c in the meantime.
func (c *CPU) SwitchTo(p *Process) *AddressSpaceSwitcher {
	if p == nil {
		panic(fmt.Sprintf("CPU %d: switch to nil process", c.id))
	}
	c.mu.Lock()
	s := &AddressSpaceSwitcher{
		cpu:  c,
		prev: c.active.Load(),
		next: p,
	}
	c.active.Store(p)
	return s
}

// AddressSpaceSwitcher is a scoped activation of an address space on a CPU.
type AddressSpaceSwitcher struct {
	cpu      *CPU
	prev     *Process
	next     *Process
	released bool
}

// IO returns an IO that accesses memory through the page tables of the
// active address space.
func (s *AddressSpaceSwitcher) IO() usermem.IO {
	if s.released {
		panic("AddressSpaceSwitcher.IO called after Release")
	}
	return s.next.pt
}

// Release restores the previously active address space. Only the first call
// has any effect.
func (s *AddressSpaceSwitcher) Release() {
	if s.released {
		return
	}
	s.released = true
	s.cpu.active.Store(s.prev)
	s.cpu.mu.Unlock()
}
