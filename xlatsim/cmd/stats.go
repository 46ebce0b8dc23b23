// Copyright 2026 The xlat Authors.
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
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"

	"xlat.dev/xlat/pkg/metric"
	"xlat.dev/xlat/pkg/trace"
	"xlat.dev/xlat/xlatsim/config"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	prefix string
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "run the scenario and print the counters it moved"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [flags] - run the default scenario with event counting enabled, then
print every counter.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.prefix, "prefix", "", "only print counters whose name starts with this prefix.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := s.run(os.Stdout, conf); err != nil {
		Fatalf("stats: %v", err)
	}
	return subcommands.ExitSuccess
}

func (s *Stats) run(w io.Writer, conf *config.Config) error {
	sc := Scenario{gfn: 0x40000, pages: 1024}
	if err := sc.runWithSink(io.Discard, conf, trace.CounterSink{}); err != nil {
		return err
	}
	return printMetrics(w, s.prefix)
}

func printMetrics(w io.Writer, prefix string) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "METRIC\tFIELDS\tVALUE\n")
	for _, v := range metric.Values() {
		if !strings.HasPrefix(v.Name, prefix) {
			continue
		}
		desc, _ := metric.Description(v.Name)
		fmt.Fprintf(tw, "%s\t%s\t%d\t# %s\n", v.Name, strings.Join(v.Fields, ","), v.Value, desc)
	}
	return tw.Flush()
}
