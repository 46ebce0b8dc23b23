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

	"github.com/google/subcommands"

	"xlat.dev/xlat/pkg/fault"
	"xlat.dev/xlat/pkg/frame"
	"xlat.dev/xlat/pkg/p2m"
	"xlat.dev/xlat/pkg/p2mt"
	"xlat.dev/xlat/pkg/pte"
	"xlat.dev/xlat/pkg/trace"
	"xlat.dev/xlat/xlatsim/config"
)

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct {
	gfn   uint64
	pages uint64
	all   bool
}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "run the life of one domain and print each step"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return `scenario [flags] - create a domain, populate RAM, map a device and a
reserved range, resolve faults, unmap and tear down, printing every step.
On ARM the hypervisor also maps a patched text region of its own.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Scenario) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&s.gfn, "gfn", 0x40000, "first guest frame of RAM.")
	f.Uint64Var(&s.pages, "pages", 1024, "pages of RAM to populate.")
	f.BoolVar(&s.all, "all", false, "run once for every architecture, ignoring --arch.")
}

// Execute implements subcommands.Command.Execute.
func (s *Scenario) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	archs := []p2m.Arch{conf.Arch}
	if s.all {
		archs = []p2m.Arch{p2m.ARM32, p2m.ARM64, p2m.EPT}
	}
	for _, a := range archs {
		c := conf.Copy()
		c.Arch = a
		if err := s.run(os.Stdout, c); err != nil {
			Fatalf("scenario on %v: %v", a, err)
		}
	}
	return subcommands.ExitSuccess
}

// Well known guest frames of the scenario.
const (
	mmioGFN   = 0x10000
	mmioAddr  = 0xfe000000
	mmioPages = 16
	podGFN    = 0x20000
	podPages  = 64
	textVA    = 0x200000
	textOrder = 4
)

func (s *Scenario) run(w io.Writer, conf *config.Config) error {
	return s.runWithSink(w, conf, nil)
}

func (s *Scenario) runWithSink(w io.Writer, conf *config.Config, sink trace.Sink) error {
	m, err := newMachine(conf, sink)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "== %v: %d cpus, %d frames, %d free context tags\n", conf.Arch, conf.CPUs, conf.Frames, m.mgr.FreeContexts())

	d, err := m.mgr.NewDomain()
	if err != nil {
		return fmt.Errorf("creating domain: %w", err)
	}
	fmt.Fprintf(w, "domain %v: context %d, root pointer %#x\n", d.Owner(), d.ID(), d.RootPointer())
	for cpu := 0; cpu < conf.CPUs; cpu++ {
		if err := d.LoadRoot(cpu); err != nil {
			return err
		}
	}

	ram := p2m.PageRange(s.gfn, s.pages)
	res, err := d.PopulateRAM(ram)
	fmt.Fprintf(w, "populate %v: %d/%d pages\n", ram, res.Done, res.Requested)
	if err != nil {
		return err
	}
	mmio := p2m.PageRange(mmioGFN, mmioPages)
	if _, err := d.MapMMIO(mmio, mmioAddr); err != nil {
		return err
	}
	fmt.Fprintf(w, "map mmio %v -> %#x\n", mmio, uint64(mmioAddr))
	pod := p2m.PageRange(podGFN, podPages)
	if err := d.MarkPoD(pod); err != nil {
		return err
	}
	fmt.Fprintf(w, "reserve %v\n", pod)

	for _, f := range []struct {
		gpa    uint64
		access p2mt.Perm
	}{
		{pod.Start + 3*pte.PageSize + 0x10, p2mt.Write},
		{ram.Start, p2mt.Read},
		{mmio.Start, p2mt.Execute},
		{pod.End + pte.PageSize, p2mt.Read},
	} {
		err := d.HandleFault(f.gpa, f.access)
		switch ferr := err.(type) {
		case nil:
			fmt.Fprintf(w, "fault %#x %v: resolved\n", f.gpa, f.access)
		case *fault.Fault:
			fmt.Fprintf(w, "fault %#x %v: %v\n", f.gpa, f.access, ferr)
		default:
			return err
		}
	}

	for _, gpa := range []uint64{ram.Start, ram.End - 1, mmio.Start + 0x123, pod.Start + 3*pte.PageSize} {
		mfn, t, err := d.Lookup(gpa)
		if err != nil {
			fmt.Fprintf(w, "lookup %#x: %v\n", gpa, err)
			continue
		}
		fmt.Fprintf(w, "lookup %#x: mfn %#x %v\n", gpa, mfn, t)
	}
	fmt.Fprintf(w, "%v\n", d.Snapshot())

	half := p2m.GPARange{Start: ram.Start, End: ram.Start + ram.Len()/2}
	res, err = d.UnmapRange(half)
	fmt.Fprintf(w, "unmap %v: %d/%d pages\n", half, res.Done, res.Requested)
	if err != nil {
		return err
	}
	if err := d.CacheFlush(ram.GFN(), ram.End>>pte.PageShift); err != nil {
		return err
	}

	if conf.Arch != p2m.EPT {
		if err := mapText(w, m); err != nil {
			return err
		}
	}

	steps, err := destroy(d)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "teardown: %d steps, %d free context tags\n", steps, m.mgr.FreeContexts())
	return m.checkIdle()
}

// mapText maps freshly written hypervisor text and reports where it landed.
func mapText(w io.Writer, m *machine) error {
	h, err := m.mgr.NewHypervisor()
	if err != nil {
		return err
	}
	defer h.Destroy()
	const pages = 1 << textOrder
	mfn, err := m.pool.AllocContiguous(frame.DomXen, textOrder)
	if err != nil {
		return fmt.Errorf("allocating text: %w", err)
	}
	defer func() {
		for i := uint64(0); i < pages; i++ {
			m.pool.Free(mfn + i)
		}
	}()
	if err := h.MapText(textVA, mfn, pages); err != nil {
		return err
	}
	got, perm, _, err := h.Translate(textVA + pte.PageSize)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "hypervisor text %#x: mfn %#x %v, %d tables\n", uint64(textVA+pte.PageSize), got, perm, h.Tables())
	return nil
}
