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
	"strconv"

	"github.com/google/subcommands"

	"xlat.dev/xlat/pkg/p2m"
	"xlat.dev/xlat/pkg/p2mt"
	"xlat.dev/xlat/xlatsim/config"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct{}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "print the table walk of guest-physical addresses"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump <gpa>... - build a sample domain and print, for each address, every
table entry the hardware would read and the result of the walk.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Dump) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Dump) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	var gpas []uint64
	for _, arg := range f.Args() {
		gpa, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			Fatalf("invalid address %q: %v", arg, err)
		}
		gpas = append(gpas, gpa)
	}
	conf := args[0].(*config.Config)
	if err := dump(os.Stdout, conf, gpas); err != nil {
		Fatalf("dump: %v", err)
	}
	return subcommands.ExitSuccess
}

// dump builds a domain with 2M of RAM at 1G, a read-only page after it and a
// device region, then prints the walk of each of gpas.
func dump(w io.Writer, conf *config.Config, gpas []uint64) error {
	m, err := newMachine(conf, nil)
	if err != nil {
		return err
	}
	d, err := m.mgr.NewDomain()
	if err != nil {
		return err
	}
	const ramGFN = 0x40000
	if _, err := d.PopulateRAM(p2m.PageRange(ramGFN, 512)); err != nil {
		return err
	}
	ro, err := m.pool.Alloc(d.Owner())
	if err != nil {
		return err
	}
	if err := d.GuestPhysmapAddEntry(ramGFN+512, ro, 0, p2mt.RAMRO); err != nil {
		return err
	}
	if _, err := d.MapMMIO(p2m.PageRange(mmioGFN, mmioPages), mmioAddr); err != nil {
		return err
	}

	for _, gpa := range gpas {
		fmt.Fprint(w, d.Dump(gpa))
		if ma, err := d.Translate(gpa, p2mt.Read); err != nil {
			fmt.Fprintf(w, "  read: %v\n", err)
		} else {
			fmt.Fprintf(w, "  read: machine address %#x\n", ma)
		}
	}
	if _, err := destroy(d); err != nil {
		return err
	}
	m.pool.Free(ro)
	return m.checkIdle()
}
