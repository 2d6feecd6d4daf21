// Copyright 2026 The Slate Authors.
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

package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the TOML bench configuration. Fields left out of the file keep
// their defaults.
type Config struct {
	Device   DeviceConfig   `toml:"device"`
	Workload WorkloadConfig `toml:"workload"`
}

// DeviceConfig sizes the carveout and the rings.
type DeviceConfig struct {
	CarveoutMiB   uint32 `toml:"carveout_mib"`
	KCCBSizeLog2  uint32 `toml:"kccb_size_log2"`
	FWCCBSizeLog2 uint32 `toml:"fwccb_size_log2"`
	CCCBSizeLog2  uint32 `toml:"cccb_size_log2"`
}

// WorkloadConfig shapes the submitted jobs.
type WorkloadConfig struct {
	// Jobs is the total number of submissions across all contexts.
	Jobs int `toml:"jobs"`

	// JobType is "compute", "transfer", "render", or "mixed".
	JobType string `toml:"job_type"`

	// Contexts is the number of contexts submitting in parallel.
	Contexts int `toml:"contexts"`

	// ChainDepth makes each job wait on the job this many submissions
	// before it on the same context. Zero submits independent jobs.
	ChainDepth int `toml:"chain_depth"`

	// Buffers is the size of the shared buffer-object pool driving
	// implicit synchronization across contexts.
	Buffers int `toml:"buffers"`

	// WritePercent is the share of buffer attachments made as writers.
	WritePercent int `toml:"write_percent"`

	// JobLatencyUS is the model's simulated per-command latency.
	JobLatencyUS int `toml:"job_latency_us"`
}

func defaultConfig() Config {
	return Config{
		Device: DeviceConfig{
			CarveoutMiB: 64,
		},
		Workload: WorkloadConfig{
			Jobs:         1024,
			JobType:      "compute",
			Contexts:     4,
			ChainDepth:   2,
			Buffers:      8,
			WritePercent: 25,
		},
	}
}

func loadConfig(path string) (Config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, fmt.Errorf("reading %s: %w", path, err)
	}
	if c.Workload.Contexts < 1 || c.Workload.Jobs < 1 {
		return c, fmt.Errorf("%s: jobs and contexts must be positive", path)
	}
	if p := c.Workload.WritePercent; p < 0 || p > 100 {
		return c, fmt.Errorf("%s: write_percent %d out of range", path, p)
	}
	return c, nil
}
