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
	"gvisor.dev/vmspace/pkg/errors/linuxerr"
)

// DebugRegisters is the x86 debug register state of a process.
type DebugRegisters struct {
	// DR0 to DR3 are breakpoint addresses.
	DR0 uint32
	DR1 uint32
	DR2 uint32
	DR3 uint32

	// DR6 is the debug status register. It is read-only to tracers.
	DR6 uint32

	// DR7 is the debug control register.
	DR7 uint32
}

// DebugRegisters returns a copy of the debug registers of p.
func (p *Process) DebugRegisters() DebugRegisters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.debugRegs
}

// PeekDebugRegister returns debug register index of p. It returns EINVAL for
// indices other than 0 to 3, 6 and 7.
func (p *Process) PeekDebugRegister(index uint32) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch index {
	case 0:
		return p.debugRegs.DR0, nil
	case 1:
		return p.debugRegs.DR1, nil
	case 2:
		return p.debugRegs.DR2, nil
	case 3:
		return p.debugRegs.DR3, nil
	case 6:
		return p.debugRegs.DR6, nil
	case 7:
		return p.debugRegs.DR7, nil
	default:
		return 0, linuxerr.EINVAL
	}
}

// PokeDebugRegister sets debug register index of p to data. It returns
// EINVAL for indices other than 0 to 3 and 7.
func (p *Process) PokeDebugRegister(index, data uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch index {
	case 0:
		p.debugRegs.DR0 = data
	case 1:
		p.debugRegs.DR1 = data
	case 2:
		p.debugRegs.DR2 = data
	case 3:
		p.debugRegs.DR3 = data
	case 7:
		p.debugRegs.DR7 = data
	default:
		return linuxerr.EINVAL
	}
	return nil
}
