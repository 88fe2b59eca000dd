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
	"io"

	"github.com/google/subcommands"
	"gvisor.dev/vmspace/pkg/log"
	"gvisor.dev/vmspace/pkg/metric"
	"gvisor.dev/vmspace/vmspace/config"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	scenario string
	output   string
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "print metric data in Prometheus text format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-scenario=<file>] [-output=<file>] - prints metric data in Prometheus text format, after replaying a scenario if one is given
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.scenario, "scenario", "", "scenario to replay before exporting metrics.")
	f.StringVar(&m.output, "output", "", "file to write metrics to, default is stdout.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if m.scenario != "" {
		if err := replayFile(ctx, conf, m.scenario, io.Discard); err != nil {
			return Errorf("replaying %q: %v", m.scenario, err)
		}
	}

	out, err := openOutput(m.output)
	if err != nil {
		return Errorf("%v", err)
	}
	defer out.Close()
	written, err := metric.WritePrometheus(out)
	if err != nil {
		return Errorf("cannot write metrics: %v", err)
	}
	log.Infof("Wrote %d bytes of Prometheus metric data", written)
	return subcommands.ExitSuccess
}
