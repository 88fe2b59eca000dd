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


package cmd

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmspace/pkg/errors/linuxerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/log"
	"gvisor.dev/vmspace/pkg/sentry/kernel"
	"gvisor.dev/vmspace/pkg/sentry/mm"
	"gvisor.dev/vmspace/vmspace/config"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts stressOpts
}

type stressOpts struct {
	// workers is the number of concurrent goroutines.
	workers int

	// rounds is the number of operations per worker.
	rounds int

	// maxPages is the maximum length of each operation, in pages.
	maxPages int

	// window is the number of pages, starting at the bottom of the address
	// space, in which operations are placed.
	window uint64

	// seed seeds the per-worker random number generators.
	seed int64
}

// stressStats counts the outcomes of stress operations.
type stressStats struct {
	mapped    uint64
	overlaps  uint64
	exhausted uint64
	unmapped  uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "map and unmap overlapping ranges concurrently and check the address space"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - runs concurrent fixed mmap and munmap calls on one address space
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.workers, "workers", 8, "number of concurrent workers.")
	f.IntVar(&s.opts.rounds, "rounds", 1000, "number of operations per worker.")
	f.IntVar(&s.opts.maxPages, "max-pages", 4, "maximum length of each operation, in pages.")
	f.Uint64Var(&s.opts.window, "window", 256, "number of pages in which operations are placed.")
	f.Int64Var(&s.opts.seed, "seed", 1, "random seed.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if s.opts.workers < 1 || s.opts.rounds < 0 || s.opts.maxPages < 1 || s.opts.window < 1 {
		return Errorf("-workers, -max-pages and -window must be positive and -rounds non-negative")
	}
	conf := args[0].(*config.Config)

	k, mf, err := newKernel(conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer mf.Destroy()
	p, err := k.NewProcess(k.SupervisorContext(ctx), kernel.ProcessOpts{Name: "stress", Dumpable: true})
	if err != nil {
		return Errorf("creating process: %v", err)
	}
	defer p.Exit()

	stats, err := runStress(p.Context(ctx), p.AddressSpace(), s.opts)
	if err != nil {
		return Errorf("stress failed: %v", err)
	}
	as := p.AddressSpace()
	fmt.Fprintf(os.Stdout, "mapped %d, overlapping %d, exhausted %d, unmapped %d: %d regions, %d bytes mapped\n",
		stats.mapped, stats.overlaps, stats.exhausted, stats.unmapped, as.NumRegions(), as.MappedBytes())
	return subcommands.ExitSuccess
}

// runStress runs opts.workers goroutines that each issue opts.rounds random
// fixed mmap and munmap calls in the same window of as, then checks that the
// regions of as do not overlap. ctx must carry a MemoryFile.
func runStress(ctx context.Context, as *mm.AddressSpace, opts stressOpts) (stressStats, error) {
	var mapped, overlaps, exhausted, unmapped atomic.Uint64
	base := as.Layout().MinAddr

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.workers; w++ {
		rng := rand.New(rand.NewSource(opts.seed + int64(w)))
		g.Go(func() error {
			for i := 0; i < opts.rounds; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				addr := base + hostarch.Addr(rng.Uint64()%opts.window)*hostarch.PageSize
				length := uint64(1+rng.Intn(opts.maxPages)) * hostarch.PageSize

				if rng.Intn(4) == 0 {
					switch err := as.MUnmap(gctx, addr, length); {
					case err == nil:
						unmapped.Add(1)
					case linuxerr.Equals(linuxerr.ENOMEM, err):
						exhausted.Add(1)
					default:
						return fmt.Errorf("munmap(%v, %#x): %w", addr, length, err)
					}
					continue
				}

				_, err := as.MMap(gctx, mm.MMapOpts{
					Addr:   addr,
					Length: length,
					Fixed:  true,
					Perms:  hostarch.ReadWrite,
				})
				switch {
				case err == nil:
					mapped.Add(1)
				case linuxerr.Equals(linuxerr.EEXIST, err):
					overlaps.Add(1)
				case linuxerr.Equals(linuxerr.ENOMEM, err):
					exhausted.Add(1)
				default:
					return fmt.Errorf("mmap(%v, %#x): %w", addr, length, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stressStats{}, err
	}

	if err := checkRegions(as); err != nil {
		return stressStats{}, err
	}
	stats := stressStats{
		mapped:    mapped.Load(),
		overlaps:  overlaps.Load(),
		exhausted: exhausted.Load(),
		unmapped:  unmapped.Load(),
	}
	log.Infof("Stress: %+v", stats)
	return stats, nil
}

// checkRegions returns an error if the regions of as overlap or do not add up
// to its mapped size.
func checkRegions(as *mm.AddressSpace) error {
	var (
		prev  hostarch.AddrRange
		total uint64
	)
	for i, r := range as.Regions() {
		if i > 0 && r.Range.Start < prev.End {
			return fmt.Errorf("regions %v and %v overlap", prev, r.Range)
		}
		prev = r.Range
		total += r.Range.Length()
	}
	if mapped := as.MappedBytes(); mapped != total {
		return fmt.Errorf("MappedBytes() = %d, but regions add up to %d", mapped, total)
	}
	return nil
}
