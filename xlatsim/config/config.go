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

// Package config provides basic infrastructure to set configuration settings
// for xlatsim. Each setting is registered as a flag; settings may also be
// read from a TOML or YAML file, with flags given on the command line taking
// precedence.
package config

import (
	"fmt"

	"github.com/mohae/deepcopy"

	"xlat.dev/xlat/pkg/log"
	"xlat.dev/xlat/pkg/p2m"
)

// Config holds configuration that is not part of a scenario.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name, and the same name for the file
//     encodings.
//  3. Register a new flag in flags.go, with name and description.
//  4. Add any necessary validation into validate().
type Config struct {
	// Arch is the table layout simulated.
	Arch p2m.Arch `flag:"arch" toml:"arch" yaml:"arch"`

	// CPUs is the number of simulated cores.
	CPUs int `flag:"cpus" toml:"cpus" yaml:"cpus"`

	// Frames is the size of the machine frame pool.
	Frames uint64 `flag:"frames" toml:"frames" yaml:"frames"`

	// VMIDBits limits the width of context tags. Zero uses the
	// architectural width.
	VMIDBits int `flag:"vmid-bits" toml:"vmid-bits" yaml:"vmid-bits"`

	// SingleContextFlush enables invalidation of one context at a time.
	SingleContextFlush bool `flag:"single-context-flush" toml:"single-context-flush" yaml:"single-context-flush"`

	// IndividualAddrFlush enables invalidation of single translations.
	IndividualAddrFlush bool `flag:"individual-addr-flush" toml:"individual-addr-flush" yaml:"individual-addr-flush"`

	// Block2M and Block1G enable block leaves.
	Block2M bool `flag:"block-2m" toml:"block-2m" yaml:"block-2m"`
	Block1G bool `flag:"block-1g" toml:"block-1g" yaml:"block-1g"`

	// TeardownBatch is the number of leaves removed per teardown step.
	TeardownBatch int `flag:"teardown-batch" toml:"teardown-batch" yaml:"teardown-batch"`

	// IPIRetries bounds the polls for a shootdown acknowledgement.
	IPIRetries uint64 `flag:"ipi-retries" toml:"ipi-retries" yaml:"ipi-retries"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug" yaml:"debug"`

	// DebugLogFormat is the log format: text or json.
	DebugLogFormat string `flag:"debug-log-format" toml:"debug-log-format" yaml:"debug-log-format"`

	// LogFilename is the file to log to. Empty means stderr.
	LogFilename string `flag:"log" toml:"log" yaml:"log"`

	// File is the configuration file the settings were read from, if any.
	File string `flag:"config" toml:"-" yaml:"-"`
}

func (c *Config) validate() error {
	if _, err := p2m.ParseArch(c.Arch.String()); err != nil {
		return err
	}
	if c.CPUs <= 0 || c.CPUs > 64 {
		return fmt.Errorf("cpus must be in [1, 64], got %d", c.CPUs)
	}
	if c.Frames == 0 {
		return fmt.Errorf("frames must be positive")
	}
	if c.VMIDBits < 0 || c.VMIDBits > 16 {
		return fmt.Errorf("vmid-bits must be in [0, 16], got %d", c.VMIDBits)
	}
	if c.TeardownBatch < 0 {
		return fmt.Errorf("teardown-batch must not be negative, got %d", c.TeardownBatch)
	}
	if c.IPIRetries == 0 {
		return fmt.Errorf("ipi-retries must be positive")
	}
	switch c.DebugLogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid debug-log-format %q, must be text or json", c.DebugLogFormat)
	}
	return nil
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Arch: %v", c.Arch)
	log.Infof("Config.CPUs: %d", c.CPUs)
	log.Infof("Config.Frames: %d (%d MiB)", c.Frames, c.Frames>>8)
	log.Infof("Config.VMIDBits: %d", c.VMIDBits)
	log.Infof("Config.Flush: single context %t, individual address %t", c.SingleContextFlush, c.IndividualAddrFlush)
	log.Infof("Config.Blocks: 2M %t, 1G %t", c.Block2M, c.Block1G)
	log.Infof("Config.TeardownBatch: %d", c.TeardownBatch)
	log.Infof("Config.IPIRetries: %d", c.IPIRetries)
	log.Infof("Config.Debug: %t", c.Debug)
	if c.File != "" {
		log.Infof("Config.File: %s", c.File)
	}
}
