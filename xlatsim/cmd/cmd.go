// Copyright 2018 The gVisor Authors.
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

// Package cmd holds implementations of the xlatsim commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"xlat.dev/xlat/pkg/frame"
	"xlat.dev/xlat/pkg/hw"
	"xlat.dev/xlat/pkg/log"
	"xlat.dev/xlat/pkg/p2m"
	"xlat.dev/xlat/pkg/tlb"
	"xlat.dev/xlat/pkg/trace"
	"xlat.dev/xlat/xlatsim/config"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the caller and are not part of the debug log.
var ErrorLogger io.Writer

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintln(os.Stderr, msg)
	if ErrorLogger != nil {
		fmt.Fprintln(ErrorLogger, msg)
	}
	os.Exit(128)
}

// machine is one simulated host: cores, a frame pool and the manager built
// over them.
type machine struct {
	conf *config.Config
	hw   *hw.Machine
	pool *frame.Pool
	mgr  *p2m.Manager
}

// poolBase is the first frame of the simulated pool, above where a real
// hypervisor image would sit.
const poolBase = 0x80000

// newMachine builds a host from conf. Events go to sink, and additionally
// to a rate-limited debug log.
func newMachine(conf *config.Config, sink trace.Sink) (*machine, error) {
	m := hw.New(conf.Arch.TLB(), hw.Opts{
		CPUs:                conf.CPUs,
		NoSingleContext:     !conf.SingleContextFlush,
		NoIndividualAddress: !conf.IndividualAddrFlush,
		NoBlock1G:           !conf.Block1G,
	})
	caps := m.Capabilities()
	caps.Block2M = conf.Block2M
	caps.Block1G = conf.Block2M && conf.Block1G

	sinks := trace.Multi{trace.NewLogSink(time.Second)}
	if sink != nil {
		sinks = append(sinks, sink)
	}
	pool := frame.NewPool(poolBase, conf.Frames)
	mgr, err := p2m.NewManager(p2m.Config{
		Arch:          conf.Arch,
		Frames:        pool,
		Hardware:      m,
		Messenger:     m,
		Capabilities:  caps,
		ContextBits:   conf.VMIDBits,
		TeardownBatch: conf.TeardownBatch,
		Invalidator:   tlb.Opts{AckRetries: conf.IPIRetries},
		Sink:          sinks,
	})
	if err != nil {
		return nil, err
	}
	return &machine{conf: conf, hw: m, pool: pool, mgr: mgr}, nil
}

// destroy tears d down to completion and returns the number of steps.
func destroy(d *p2m.Domain) (int, error) {
	for steps := 1; ; steps++ {
		done, err := d.TeardownStep()
		if err != nil {
			return steps, err
		}
		if done {
			return steps, nil
		}
	}
}

// checkIdle returns an error if the pool still has frames in use or
// references held.
func (m *machine) checkIdle() error {
	s := m.pool.Stats()
	if s.Free != s.Total || s.Refs != 0 {
		return fmt.Errorf("frames leaked: %+v", s)
	}
	return nil
}
