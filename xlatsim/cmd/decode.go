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

	"xlat.dev/xlat/pkg/fault"
)

// Decode implements subcommands.Command for the "decode" command.
type Decode struct{}

// Name implements subcommands.Command.Name.
func (*Decode) Name() string {
	return "decode"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Decode) Synopsis() string {
	return "decode hardware translation results and fault reports"
}

// Usage implements subcommands.Command.Usage.
func (*Decode) Usage() string {
	return `decode par <par> [va]          - decode a PAR_EL1 value
decode ept <qual> <gpa> [gla]  - decode an EPT violation exit qualification
decode exit <reason>           - name a VMX exit reason
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Decode) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Decode) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() < 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := decode(os.Stdout, f.Arg(0), f.Args()[1:]); err != nil {
		Fatalf("decode: %v", err)
	}
	return subcommands.ExitSuccess
}

func parseNumbers(args []string, min, max int) ([]uint64, error) {
	if len(args) < min || len(args) > max {
		return nil, fmt.Errorf("want %d to %d values, got %d", min, max, len(args))
	}
	vs := make([]uint64, max)
	for i, a := range args {
		v, err := strconv.ParseUint(a, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", a, err)
		}
		vs[i] = v
	}
	return vs, nil
}

func decode(w io.Writer, what string, args []string) error {
	switch what {
	case "par":
		vs, err := parseNumbers(args, 1, 2)
		if err != nil {
			return err
		}
		pa, err := fault.DecodePAR(vs[0], vs[1])
		if err != nil {
			fmt.Fprintf(w, "PAR %#x: %v\n", vs[0], err)
			return nil
		}
		fmt.Fprintf(w, "PAR %#x: physical address %#x\n", vs[0], pa)
	case "ept":
		vs, err := parseNumbers(args, 2, 3)
		if err != nil {
			return err
		}
		v := fault.DecodeEPTViolation(vs[0], vs[1], vs[2])
		fmt.Fprintf(w, "EPT violation at %#x: access %v, allowed %v", v.GPA, v.Access, v.Effective)
		if v.GLAValid {
			fmt.Fprintf(w, ", linear address %#x (in walk: %t)", v.GLA, !v.GLAFault)
		}
		fmt.Fprintf(w, "\n  %v\n", v.Fault())
	case "exit":
		vs, err := parseNumbers(args, 1, 1)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "exit reason %d: %s\n", vs[0], fault.ExitReasonName(uint32(vs[0])))
	default:
		return fmt.Errorf("unknown kind %q, must be par, ept or exit", what)
	}
	return nil
}
