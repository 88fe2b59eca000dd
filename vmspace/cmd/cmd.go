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


// Package cmd holds implementations of the vmspace commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/log"
	"gvisor.dev/vmspace/pkg/sentry/kernel"
	"gvisor.dev/vmspace/pkg/sentry/pgalloc"
	"gvisor.dev/vmspace/pkg/sentry/platform/softmmu"
	"gvisor.dev/vmspace/vmspace/config"
)

// ErrorLogger is where error messages of failed commands are written, in
// addition to the log.
var ErrorLogger io.Writer = os.Stderr

// Errorf logs an error and writes it to ErrorLogger. It returns
// subcommands.ExitFailure for convenience.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	fmt.Fprintf(ErrorLogger, format+"\n", args...)
	return subcommands.ExitFailure
}

// newKernel creates a kernel as configured by conf. The caller must call
// Destroy on the returned MemoryFile once all processes have exited.
func newKernel(conf *config.Config) (*kernel.Kernel, *pgalloc.MemoryFile, error) {
	p, err := softmmu.New(hostarch.Addr(conf.MinAddress), hostarch.Addr(conf.MaxAddress))
	if err != nil {
		return nil, nil, fmt.Errorf("creating platform: %w", err)
	}
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{MaxPages: conf.MemoryPages})
	if err != nil {
		return nil, nil, fmt.Errorf("creating memory file: %w", err)
	}
	k, err := kernel.NewKernel(kernel.KernelOpts{
		Platform:   p,
		MemoryFile: mf,
		CPUs:       conf.CPUs,
		MaxRegions: conf.MaxRegions,
	})
	if err != nil {
		mf.Destroy()
		return nil, nil, fmt.Errorf("creating kernel: %w", err)
	}
	return k, mf, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// openOutput opens the file at path for writing, or returns stdout if path
// is empty.
func openOutput(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening output file %q: %w", path, err)
	}
	return f, nil
}
