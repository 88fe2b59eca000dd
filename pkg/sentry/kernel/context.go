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

package kernel

import (
	"context"

	"gvisor.dev/vmspace/pkg/sentry/pgalloc"
)

// contextID is the kernel package's type for context.Context.Value keys.
type contextID int

const (
	// CtxKernel is a Context.Value key for a Kernel.
	CtxKernel contextID = iota

	// CtxProcess is a Context.Value key for a Process.
	CtxProcess
)

// KernelFromContext returns the Kernel in which ctx is executing, or nil if
// there is no such Kernel.
func KernelFromContext(ctx context.Context) *Kernel {
	if v := ctx.Value(CtxKernel); v != nil {
		return v.(*Kernel)
	}
	return nil
}

// ProcessFromContext returns the Process associated with ctx, or nil if there
// is no such Process.
func ProcessFromContext(ctx context.Context) *Process {
	if v := ctx.Value(CtxProcess); v != nil {
		return v.(*Process)
	}
	return nil
}

// SupervisorContext returns a context derived from ctx that carries k and its
// MemoryFile.
func (k *Kernel) SupervisorContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, CtxKernel, k)
	return pgalloc.WithMemoryFile(ctx, k.mf)
}

// Context returns a context derived from ctx in which p is executing.
func (p *Process) Context(ctx context.Context) context.Context {
	return context.WithValue(p.k.SupervisorContext(ctx), CtxProcess, p)
}
