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
	"math/rand"
	"os"
	"sync/atomic"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"xlat.dev/xlat/pkg/errors/linuxerr"
	"xlat.dev/xlat/pkg/p2m"
	"xlat.dev/xlat/pkg/p2mt"
	"xlat.dev/xlat/pkg/pte"
	"xlat.dev/xlat/xlatsim/config"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	ops    int
	seed   int64
	chunks int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent vCPUs against a domain being resized"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run one vCPU per simulated core, faulting on reserved
memory and looking up translations, while the memory of the domain is
repeatedly grown and shrunk. Fails if any vCPU observes a wrong translation or
if frames leak.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.ops, "ops", 10000, "operations per vCPU.")
	f.Int64Var(&s.seed, "seed", 1, "random seed.")
	f.IntVar(&s.chunks, "chunks", 8, "number of 2M chunks resized while the vCPUs run.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := s.run(ctx, os.Stdout, conf); err != nil {
		Fatalf("stress: %v", err)
	}
	return subcommands.ExitSuccess
}

// Regions of the stressed domain, in guest frames.
const (
	stableGFN   = 0x100
	stablePages = 256
	stressPoD   = 0x1000
	stressPoDN  = 1024
	balloonGFN  = 0x10000
	chunkPages  = 512
)

func (s *Stress) run(ctx context.Context, w io.Writer, conf *config.Config) error {
	m, err := newMachine(conf, nil)
	if err != nil {
		return err
	}
	d, err := m.mgr.NewDomain()
	if err != nil {
		return err
	}
	if _, err := d.PopulateRAM(p2m.PageRange(stableGFN, stablePages)); err != nil {
		return err
	}
	stable := make([]uint64, stablePages)
	for i := range stable {
		if stable[i], err = d.GMFNToMFN(stableGFN + uint64(i)); err != nil {
			return err
		}
	}
	if err := d.MarkPoD(p2m.PageRange(stressPoD, stressPoDN)); err != nil {
		return err
	}

	var (
		faults  atomic.Uint64
		lookups atomic.Uint64
		resizes atomic.Uint64
		done    = make(chan struct{})
	)
	g, ctx := errgroup.WithContext(ctx)
	var vcpus errgroup.Group
	for cpu := 0; cpu < conf.CPUs; cpu++ {
		cpu := cpu
		rng := rand.New(rand.NewSource(s.seed + int64(cpu)))
		vcpus.Go(func() error {
			if err := d.LoadRoot(cpu); err != nil {
				return err
			}
			for i := 0; i < s.ops; i++ {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				switch rng.Intn(3) {
				case 0:
					gfn := stressPoD + uint64(rng.Intn(stressPoDN))
					if err := d.HandleFault(gfn<<pte.PageShift, p2mt.Write); err != nil {
						return fmt.Errorf("vcpu %d: fault on reserved gfn %#x: %w", cpu, gfn, err)
					}
					faults.Add(1)
				case 1:
					j := rng.Intn(stablePages)
					gpa := (stableGFN + uint64(j)) << pte.PageShift
					mfn, t, err := d.Lookup(gpa)
					if err != nil || mfn != stable[j] || t != p2mt.RAMRW {
						return fmt.Errorf("vcpu %d: lookup %#x = %#x %v %v, want %#x ram_rw", cpu, gpa, mfn, t, err, stable[j])
					}
					lookups.Add(1)
				default:
					gfn := balloonGFN + uint64(rng.Intn(s.chunks*chunkPages))
					ref, _, err := d.GetPageFromGFN(gfn, p2m.QueryOnly)
					if err != nil {
						if !linuxerr.Equals(linuxerr.ENOENT, err) {
							return fmt.Errorf("vcpu %d: reference on gfn %#x: %w", cpu, gfn, err)
						}
						continue
					}
					ref.Put()
					lookups.Add(1)
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(done)
		return vcpus.Wait()
	})
	g.Go(func() error {
		rng := rand.New(rand.NewSource(s.seed))
		for {
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			gfn := balloonGFN + uint64(rng.Intn(s.chunks))*chunkPages
			if _, err := d.PopulateRAM(p2m.PageRange(gfn, chunkPages)); err != nil && !linuxerr.Equals(linuxerr.ENOMEM, err) {
				return fmt.Errorf("growing at gfn %#x: %w", gfn, err)
			}
			if _, err := d.RemoveRAM(gfn, 9); err != nil {
				return fmt.Errorf("shrinking at gfn %#x: %w", gfn, err)
			}
			resizes.Add(1)
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}

	snap := d.Snapshot()
	steps, err := destroy(d)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%v: %d vcpus, %d faults, %d lookups, %d resizes, %d IPIs\n", conf.Arch, conf.CPUs, faults.Load(), lookups.Load(), resizes.Load(), m.hw.IPIs())
	fmt.Fprintf(w, "before teardown: %v\n", snap)
	fmt.Fprintf(w, "teardown: %d steps\n", steps)
	return m.checkIdle()
}
