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
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/vmspace/pkg/log"
	"gvisor.dev/vmspace/vmspace/config"
	"gvisor.dev/vmspace/vmspace/scenario"
)

// Replay implements subcommands.Command for the "replay" command.
type Replay struct {
	output string
}

// Name implements subcommands.Command.Name.
func (*Replay) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Replay) Synopsis() string {
	return "replay scenarios of memory mappings and ptrace requests"
}

// Usage implements subcommands.Command.Usage.
func (*Replay) Usage() string {
	return `replay [-output=<file>] <scenario.yaml>... - runs each scenario on a fresh kernel and prints a transcript
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Replay) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.output, "output", "", "file to write the transcript to, default is stdout.")
}

// Execute implements subcommands.Command.Execute.
func (r *Replay) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	out, err := openOutput(r.output)
	if err != nil {
		return Errorf("%v", err)
	}
	defer out.Close()

	for _, path := range f.Args() {
		if err := replayFile(ctx, conf, path, out); err != nil {
			return Errorf("replaying %q: %v", path, err)
		}
	}
	return subcommands.ExitSuccess
}

// replayFile runs the scenario at path on a new kernel.
func replayFile(ctx context.Context, conf *config.Config, path string, out io.Writer) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	s, err := scenario.Parse(file)
	if err != nil {
		return err
	}
	if s.Name == "" {
		s.Name = path
	}

	k, mf, err := newKernel(conf)
	if err != nil {
		return err
	}
	defer mf.Destroy()

	fmt.Fprintf(out, "# %s\n", s.Name)
	if err := scenario.Run(ctx, k, s, out); err != nil {
		return err
	}
	log.Infof("Scenario %q from %q passed", s.Name, path)
	return nil
}
