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
	"time"

	"github.com/google/subcommands"

	"xlat.dev/xlat/pkg/p2m"
	"xlat.dev/xlat/xlatsim/config"
)

// Teardown implements subcommands.Command for the "teardown" command.
type Teardown struct {
	pages uint64
	batch int
	small bool
}

// Name implements subcommands.Command.Name.
func (*Teardown) Name() string {
	return "teardown"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Teardown) Synopsis() string {
	return "populate a domain and tear it down step by step"
}

// Usage implements subcommands.Command.Usage.
func (*Teardown) Usage() string {
	return `teardown [flags] - populate a domain, then tear it down in bounded steps,
printing the progress of each step.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Teardown) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&t.pages, "pages", 8192, "pages of RAM to populate.")
	f.IntVar(&t.batch, "batch", 0, "leaves per step, overriding --teardown-batch when positive.")
	f.BoolVar(&t.small, "small", false, "map 4K pages only, so that every page is a leaf.")
}

// Execute implements subcommands.Command.Execute.
func (t *Teardown) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := t.run(os.Stdout, conf); err != nil {
		Fatalf("teardown: %v", err)
	}
	return subcommands.ExitSuccess
}

func (t *Teardown) run(w io.Writer, conf *config.Config) error {
	if t.batch > 0 {
		conf = conf.Copy()
		conf.TeardownBatch = t.batch
	}
	m, err := newMachine(conf, nil)
	if err != nil {
		return err
	}
	d, err := m.mgr.NewDomain()
	if err != nil {
		return err
	}
	gfn := uint64(1 << 18)
	if t.small {
		// Every other page, so that no run can use a block.
		for i := uint64(0); i < t.pages; i++ {
			if _, err := d.PopulateRAM(p2m.PageRange(gfn+2*i, 1)); err != nil {
				return err
			}
		}
	} else if _, err := d.PopulateRAM(p2m.PageRange(gfn, t.pages)); err != nil {
		return err
	}
	fmt.Fprintf(w, "%v\n", d.Snapshot())

	start := time.Now()
	for step := 1; ; step++ {
		stepStart := time.Now()
		done, err := d.TeardownStep()
		if err != nil {
			return err
		}
		if done {
			fmt.Fprintf(w, "step %d: destroyed in %v\n", step, time.Since(stepStart))
			fmt.Fprintf(w, "%d steps in %v\n", step, time.Since(start))
			break
		}
		s := d.Snapshot()
		fmt.Fprintf(w, "step %d: %v, resuming at gfn %#x, %d tables left\n", step, time.Since(stepStart), s.LowestMappedGFN, s.Tables)
	}
	return m.checkIdle()
}
