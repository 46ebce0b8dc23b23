// Copyright 2020 The gVisor Authors.
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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"xlat.dev/xlat/pkg/p2m"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML (.toml) or YAML (.yaml, .yml) file with settings. Flags given on the command line take precedence.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log-format", "text", "log format: text (default) or json.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")

	// Flags that control the simulated machine.
	flagSet.Var(archPtr(p2m.ARM64), "arch", "table layout to simulate: arm32, arm64 (default), ept.")
	flagSet.Int("cpus", 4, "number of simulated cores.")
	flagSet.Uint64("frames", 1<<16, "number of 4K machine frames in the pool.")
	flagSet.Int("vmid-bits", 0, "width of VMID/VPID tags. 0 uses the architectural width.")
	flagSet.Bool("single-context-flush", true, "hardware can invalidate a single context.")
	flagSet.Bool("individual-addr-flush", true, "hardware can invalidate a single translation.")
	flagSet.Bool("block-2m", true, "hardware supports 2M block leaves.")
	flagSet.Bool("block-1g", true, "hardware supports 1G block leaves.")

	// Flags that control the translation engine.
	flagSet.Int("teardown-batch", p2m.DefaultTeardownBatch, "number of leaves removed per teardown step.")
	flagSet.Uint64("ipi-retries", 10000, "polls for a shootdown acknowledgement before a core is declared unresponsive.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags, and from the file named by --config for flags that were not set.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	setFields(conf, flagSet, nil)

	if conf.File != "" {
		if err := conf.loadFile(conf.File); err != nil {
			return nil, err
		}
		// Explicit flags win over the file.
		set := make(map[string]bool)
		flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })
		setFields(conf, flagSet, set)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFields copies flag values into the tagged fields of conf. If only is
// not nil, fields of other flags are left alone.
func setFields(conf *Config, flagSet *flag.FlagSet, only map[string]bool) {
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		if only != nil && !only[name] {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		obj.Field(i).Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
	}
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Settings equal to their default are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}

// archValue is the flag.Value of --arch.
type archValue p2m.Arch

func archPtr(a p2m.Arch) *archValue {
	v := archValue(a)
	return &v
}

// Set implements flag.Value.
func (a *archValue) Set(v string) error {
	arch, err := p2m.ParseArch(v)
	if err != nil {
		return err
	}
	*a = archValue(arch)
	return nil
}

// Get implements flag.Getter.
func (a *archValue) Get() any {
	return p2m.Arch(*a)
}

// String implements flag.Value.
func (a *archValue) String() string {
	return p2m.Arch(*a).String()
}
