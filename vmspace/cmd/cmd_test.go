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
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/subcommands"
	"gvisor.dev/vmspace/pkg/sentry/kernel"
	"gvisor.dev/vmspace/vmspace/config"
)

const pokeScenario = `
name: poke
files:
- {path: /bin/target, ino: 7, contents: "\x01\x02\x03\x04"}
processes:
- {name: debugger, uid: 1000}
- {name: target, uid: 1000}
steps:
- {process: target, op: mmap, addr: 0x10000, length: 0x1000, fixed: true, file: /bin/target, shared: true, perms: r-x}
- {process: debugger, op: attach, target: target}
- {process: debugger, op: poke, target: target, addr: 0x10000, data: 0xdeadbeef}
- {process: debugger, op: peek, target: target, addr: 0x10000, expect: 0xdeadbeef}
`

func newConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	conf, err := config.NewFromFlags(flagSet)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	return conf
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return string(b)
}

// captureErrors redirects ErrorLogger for the duration of the test.
func captureErrors(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer
	old := ErrorLogger
	ErrorLogger = &buf
	t.Cleanup(func() { ErrorLogger = old })
	return &buf
}

func execute(t *testing.T, c subcommands.Command, conf *config.Config, args ...string) subcommands.ExitStatus {
	t.Helper()
	f := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	c.SetFlags(f)
	if err := f.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return c.Execute(context.Background(), f, conf)
}

func TestReplay(t *testing.T) {
	in := writeFile(t, "poke.yaml", pokeScenario)
	out := filepath.Join(t.TempDir(), "transcript")
	if got := execute(t, &Replay{}, newConfig(t), "-output="+out, in, in); got != subcommands.ExitSuccess {
		t.Fatalf("Execute() = %v, want success", got)
	}
	transcript := readFile(t, out)
	if got := strings.Count(transcript, "# poke\n"); got != 2 {
		t.Errorf("transcript has %d scenario headers, want 2:\n%s", got, transcript)
	}
	if !strings.Contains(transcript, "debugger: ptrace(peek, target, 0x10000, 0x0) = 0xdeadbeef\n") {
		t.Errorf("transcript is missing the peek result:\n%s", transcript)
	}
}

func TestReplayFailure(t *testing.T) {
	errs := captureErrors(t)
	in := writeFile(t, "bad.yaml", pokeScenario+"- {process: debugger, op: peek, target: target, addr: 0x10000, expect: 1}\n")
	out := filepath.Join(t.TempDir(), "transcript")
	if got := execute(t, &Replay{}, newConfig(t), "-output="+out, in); got != subcommands.ExitFailure {
		t.Fatalf("Execute() = %v, want failure", got)
	}
	if !strings.Contains(errs.String(), "read 0xdeadbeef, want 0x1") {
		t.Errorf("error output = %q", errs.String())
	}
}

func TestReplayMemoryLimit(t *testing.T) {
	captureErrors(t)
	// Poking a two page shared mapping clones both pages, which does not fit
	// in a one page memory file.
	in := writeFile(t, "poke.yaml", strings.Replace(pokeScenario, "length: 0x1000", "length: 0x2000", 1))
	conf := newConfig(t, "--memory-pages=1")
	out := filepath.Join(t.TempDir(), "transcript")
	if got := execute(t, &Replay{}, conf, "-output="+out, in); got != subcommands.ExitFailure {
		t.Fatalf("Execute() = %v, want failure", got)
	}
	if transcript := readFile(t, out); !strings.Contains(transcript, "0xdeadbeef) = -1 ENOMEM") {
		t.Errorf("transcript is missing the failed poke:\n%s", transcript)
	}
}

func TestReplayErrors(t *testing.T) {
	errs := captureErrors(t)
	conf := newConfig(t)
	if got := execute(t, &Replay{}, conf, filepath.Join(t.TempDir(), "missing.yaml")); got != subcommands.ExitFailure {
		t.Errorf("Execute(missing file) = %v, want failure", got)
	}
	bad := writeFile(t, "bad.yaml", "steps: [{op: maps}]\n")
	if got := execute(t, &Replay{}, conf, bad); got != subcommands.ExitFailure {
		t.Errorf("Execute(invalid scenario) = %v, want failure", got)
	}
	if !strings.Contains(errs.String(), "unknown process") {
		t.Errorf("error output = %q", errs.String())
	}
}

func TestStress(t *testing.T) {
	conf := newConfig(t)
	k, mf, err := newKernel(conf)
	if err != nil {
		t.Fatalf("newKernel: %v", err)
	}
	t.Cleanup(mf.Destroy)
	p, err := k.NewProcess(k.SupervisorContext(context.Background()), kernel.ProcessOpts{Name: "stress"})
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	t.Cleanup(p.Exit)

	opts := stressOpts{workers: 4, rounds: 200, maxPages: 4, window: 32, seed: 1}
	stats, err := runStress(p.Context(context.Background()), p.AddressSpace(), opts)
	if err != nil {
		t.Fatalf("runStress: %v", err)
	}
	if got, want := stats.mapped+stats.overlaps+stats.exhausted+stats.unmapped, uint64(opts.workers*opts.rounds); got != want {
		t.Errorf("stats %+v add up to %d operations, want %d", stats, got, want)
	}
	if stats.mapped == 0 || stats.overlaps == 0 {
		t.Errorf("stats = %+v, want both successful and overlapping mappings", stats)
	}
	if stats.exhausted != 0 {
		t.Errorf("stats = %+v, want no exhaustion", stats)
	}
}

func TestStressRegionLimit(t *testing.T) {
	conf := newConfig(t, "--max-regions=4")
	k, mf, err := newKernel(conf)
	if err != nil {
		t.Fatalf("newKernel: %v", err)
	}
	t.Cleanup(mf.Destroy)
	p, err := k.NewProcess(k.SupervisorContext(context.Background()), kernel.ProcessOpts{Name: "stress"})
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	t.Cleanup(p.Exit)

	opts := stressOpts{workers: 4, rounds: 100, maxPages: 2, window: 64, seed: 2}
	stats, err := runStress(p.Context(context.Background()), p.AddressSpace(), opts)
	if err != nil {
		t.Fatalf("runStress: %v", err)
	}
	if stats.exhausted == 0 {
		t.Errorf("stats = %+v, want exhausted operations", stats)
	}
	if n := p.AddressSpace().NumRegions(); n > 4 {
		t.Errorf("NumRegions() = %d, want at most 4", n)
	}
}

func TestMetrics(t *testing.T) {
	in := writeFile(t, "poke.yaml", pokeScenario)
	out := filepath.Join(t.TempDir(), "metrics")
	if got := execute(t, &Metrics{}, newConfig(t), "-scenario="+in, "-output="+out); got != subcommands.ExitSuccess {
		t.Fatalf("Execute() = %v, want success", got)
	}
	text := readFile(t, out)
	for _, want := range []string{
		"# TYPE vmspace_mm_cow_conversions counter\n",
		"# TYPE vmspace_mm_regions_allocated counter\n",
		`vmspace_kernel_ptrace_requests{request="poke"}`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output is missing %q:\n%s", want, text)
		}
	}
}
