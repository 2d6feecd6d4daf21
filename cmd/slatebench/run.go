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
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"slate.dev/slate/pkg/abi/slategpu"
	"slate.dev/slate/pkg/fwmem"
	"slate.dev/slate/pkg/slate"
	"slate.dev/slate/pkg/slate/emu"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	config   string
	jobs     int
	contexts int
	jobType  string
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "submits a workload against the firmware model and reports throughput"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [-config <file>] [-jobs N] [-contexts N] [-type T]
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.config, "config", "", "TOML bench configuration file")
	f.IntVar(&r.jobs, "jobs", 0, "override workload.jobs")
	f.IntVar(&r.contexts, "contexts", 0, "override workload.contexts")
	f.StringVar(&r.jobType, "type", "", "override workload.job_type")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := loadConfig(r.config)
	if err != nil {
		fatalf("%v", err)
	}
	if r.jobs > 0 {
		cfg.Workload.Jobs = r.jobs
	}
	if r.contexts > 0 {
		cfg.Workload.Contexts = r.contexts
	}
	if r.jobType != "" {
		cfg.Workload.JobType = r.jobType
	}

	mem, err := fwmem.New(cfg.Device.CarveoutMiB << 20)
	if err != nil {
		fatalf("carveout: %v", err)
	}
	model := emu.New(mem, emu.Options{
		JobLatency: time.Duration(cfg.Workload.JobLatencyUS) * time.Microsecond,
	})
	dev, err := slate.New(mem, model, slate.Options{
		KCCBSizeLog2:  cfg.Device.KCCBSizeLog2,
		FWCCBSizeLog2: cfg.Device.FWCCBSizeLog2,
		CCCBSizeLog2:  cfg.Device.CCCBSizeLog2,
	})
	if err != nil {
		fatalf("device: %v", err)
	}
	file := dev.OpenFile(true)

	buffers := make([]uint32, cfg.Workload.Buffers)
	for i := range buffers {
		h, err := file.CreateObject(1 << 16)
		if err != nil {
			fatalf("buffer %d: %v", i, err)
		}
		buffers[i] = h
	}

	start := time.Now()
	var eg errgroup.Group
	perCtx := cfg.Workload.Jobs / cfg.Workload.Contexts
	extra := cfg.Workload.Jobs % cfg.Workload.Contexts
	for i := 0; i < cfg.Workload.Contexts; i++ {
		jobs := perCtx
		if i < extra {
			jobs++
		}
		w := &worker{file: file, cfg: cfg.Workload, seq: i, jobs: jobs, buffers: buffers}
		eg.Go(w.run)
	}
	if err := eg.Wait(); err != nil {
		fatalf("workload: %v", err)
	}
	if err := file.WaitIdle(30 * time.Second); err != nil {
		fatalf("drain: %v", err)
	}
	elapsed := time.Since(start)

	h := dev.Health()
	s := model.Stats()
	fmt.Printf("submitted %d jobs over %d contexts in %v (%.0f jobs/s)\n",
		h.JobsSubmitted, cfg.Workload.Contexts, elapsed.Round(time.Millisecond),
		float64(h.JobsSubmitted)/elapsed.Seconds())
	fmt.Printf("host:     signaled=%d errored=%d retries=%d kccb_stalls=%d fw_timeouts=%d\n",
		h.FencesSignaled, h.FencesErrored, h.SubmitRetries, h.KCCBStalls, h.FirmwareTimeouts)
	fmt.Printf("host:     sync_kicks=%d mmu_flushes=%d heap_free=%d live_fences=%d\n",
		h.SyncUpdateKicks, h.MMUFlushes, h.HeapFreeBytes, h.LiveFences)
	fmt.Printf("firmware: kicks=%d geom=%d frag=%d cdm=%d transfer=%d stalls=%d\n",
		s.Kicks, s.JobsByDM[slategpu.DMGeom], s.JobsByDM[slategpu.DMFrag],
		s.JobsByDM[slategpu.DMCDM], s.JobsByDM[slategpu.DMTransfer], s.FenceStalls)
	fmt.Printf("firmware: signaled=%d errored=%d cleanups=%d sync_updates=%d pow=%s\n",
		s.UpdatesSignaled, s.UpdatesErrored, s.Cleanups, s.SyncUpdates, powName(s.PowState))

	if err := file.Close(5 * time.Second); err != nil {
		fatalf("file close: %v", err)
	}
	if err := dev.Close(); err != nil {
		fatalf("device close: %v", err)
	}
	return subcommands.ExitSuccess
}

// worker submits one context's share of the workload.
type worker struct {
	file    *slate.File
	cfg     WorkloadConfig
	seq     int
	jobs    int
	buffers []uint32
}

func (w *worker) run() error {
	jt := jobTypeFor(w.cfg.JobType, w.seq)
	ctx, err := w.file.CreateContext(slate.CreateContextArgs{
		Type:     contextTypeFor(jt),
		Priority: slategpu.PriorityNormal,
	})
	if err != nil {
		return fmt.Errorf("context: %w", err)
	}

	depth := w.cfg.ChainDepth
	var chain []uint32
	for i := 0; i < depth; i++ {
		chain = append(chain, w.file.CreateSyncobj())
	}

	for j := 0; j < w.jobs; j++ {
		args := &slate.SubmitArgs{Context: ctx, Type: jt}
		switch jt {
		case slategpu.JobTypeRender:
			args.Geom = make([]byte, slategpu.CmdGeomBytes)
			args.Frag = make([]byte, slategpu.CmdFragBytes)
		case slategpu.JobTypeCompute:
			args.CDM = make([]byte, slategpu.CmdCDMBytes)
		case slategpu.JobTypeTransfer:
			args.Transfer = make([]byte, slategpu.CmdTransferBytes)
		}
		if depth > 0 {
			slot := chain[j%depth]
			if j >= depth {
				args.WaitHandles = []uint32{slot}
			}
			args.OutHandle = slot
		}
		if len(w.buffers) > 0 {
			h := w.buffers[(w.seq+j)%len(w.buffers)]
			args.BOs = []slate.BOIntent{{Handle: h, Write: j%100 < w.cfg.WritePercent}}
		}
		if err := w.file.Submit(args); err != nil {
			return fmt.Errorf("job %d on context %d: %w", j, ctx, err)
		}
	}
	return nil
}

func jobTypeFor(name string, seq int) slategpu.JobType {
	switch name {
	case "compute":
		return slategpu.JobTypeCompute
	case "transfer":
		return slategpu.JobTypeTransfer
	case "render":
		return slategpu.JobTypeRender
	case "mixed":
		return []slategpu.JobType{
			slategpu.JobTypeCompute,
			slategpu.JobTypeTransfer,
			slategpu.JobTypeRender,
		}[seq%3]
	}
	fatalf("unknown job type %q", name)
	return 0
}

func contextTypeFor(t slategpu.JobType) slategpu.ContextType {
	switch t {
	case slategpu.JobTypeRender:
		return slategpu.ContextTypeRender
	case slategpu.JobTypeTransfer:
		return slategpu.ContextTypeTransfer
	default:
		return slategpu.ContextTypeCompute
	}
}

func powName(s uint32) string {
	switch s {
	case slategpu.PowStateOff:
		return "off"
	case slategpu.PowStateOn:
		return "on"
	case slategpu.PowStateIdle:
		return "idle"
	}
	return "unknown"
}
