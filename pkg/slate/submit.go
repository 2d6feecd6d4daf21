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

package slate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"slate.dev/slate/pkg/abi/slategpu"
	"slate.dev/slate/pkg/cleanup"
	"slate.dev/slate/pkg/drverr"
	"slate.dev/slate/pkg/gem"
	"slate.dev/slate/pkg/syncpt"
)

// BOIntent declares how a job uses one buffer object: readers wait for the
// last writer, writers wait for everybody.
type BOIntent struct {
	Handle uint32
	Write  bool
}

// SubmitArgs describes one job submission.
type SubmitArgs struct {
	// Context is the target context handle. Must be 0 for null jobs.
	Context uint32

	Type slategpu.JobType

	// Geom, Frag, CDM and Transfer are the fixed-size command streams. A
	// nil stream omits its data master; render jobs may carry geometry,
	// fragment, or both, the other job types require exactly their own
	// stream. A present stream must be exactly the DM's command size.
	Geom     []byte
	Frag     []byte
	CDM      []byte
	Transfer []byte

	// WaitHandles name syncobjs whose fences gate execution. Empty
	// syncobjs are rejected.
	WaitHandles []uint32

	// BOs are the buffer objects the job touches, for implicit
	// synchronization. A handle may appear at most once.
	BOs []BOIntent

	// HWRTAddr/HWRTIndex pass a hardware render target through to render
	// kicks. Must be zero for other job types.
	HWRTAddr  slategpu.FWAddr
	HWRTIndex uint32

	// OutHandle, if nonzero, names the syncobj that receives the job's
	// out-fence once every kick is placed.
	OutHandle uint32
}

type stagedCmd struct {
	dm      slategpu.DM
	payload []byte
}

// reservedOff is the offset past which a DM command stream must be zero.
var reservedOff = [slategpu.NumDMs]int{
	slategpu.DMGeom:     48,
	slategpu.DMFrag:     112,
	slategpu.DMCDM:      32,
	slategpu.DMTransfer: 20,
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// stageStreams validates the command streams for args.Type and returns
// private copies in kick order. No device state is touched.
func stageStreams(args *SubmitArgs) ([]stagedCmd, error) {
	type src struct {
		dm slategpu.DM
		b  []byte
	}
	var want, forbid []src
	geom := src{slategpu.DMGeom, args.Geom}
	frag := src{slategpu.DMFrag, args.Frag}
	cdm := src{slategpu.DMCDM, args.CDM}
	xfer := src{slategpu.DMTransfer, args.Transfer}
	switch args.Type {
	case slategpu.JobTypeRender:
		want = []src{geom, frag}
		forbid = []src{cdm, xfer}
	case slategpu.JobTypeCompute:
		want = []src{cdm}
		forbid = []src{geom, frag, xfer}
	case slategpu.JobTypeTransfer:
		want = []src{xfer}
		forbid = []src{geom, frag, cdm}
	}
	for _, s := range forbid {
		if s.b != nil {
			return nil, fmt.Errorf("%v stream on a %v job: %w", s.dm, args.Type, drverr.EINVAL)
		}
	}
	var staged []stagedCmd
	for _, s := range want {
		if s.b == nil {
			if args.Type != slategpu.JobTypeRender {
				return nil, fmt.Errorf("%v job missing its %v stream: %w", args.Type, s.dm, drverr.EINVAL)
			}
			continue
		}
		if len(s.b) == 0 {
			return nil, fmt.Errorf("zero-length %v stream: %w", s.dm, drverr.EINVAL)
		}
		if n := slategpu.CmdStreamBytes(s.dm); len(s.b) != n {
			return nil, fmt.Errorf("%v stream is %d bytes, want %d: %w", s.dm, len(s.b), n, drverr.EFAULT)
		}
		var cc slategpu.CmdCommon
		cc.UnmarshalBytes(s.b[:slategpu.CmdCommonBytes])
		if cc.Flags&^slategpu.CmdFlagsMask != 0 {
			return nil, fmt.Errorf("unknown %v command flags %#x: %w", s.dm, cc.Flags, drverr.EINVAL)
		}
		if !allZero(s.b[reservedOff[s.dm]:]) {
			return nil, fmt.Errorf("%v reserved command space not zero: %w", s.dm, drverr.EINVAL)
		}
		p := make([]byte, len(s.b))
		copy(p, s.b)
		staged = append(staged, stagedCmd{dm: s.dm, payload: p})
	}
	if len(staged) == 0 {
		return nil, fmt.Errorf("render job with no streams: %w", drverr.EINVAL)
	}
	if args.Type != slategpu.JobTypeRender && (args.HWRTAddr != 0 || args.HWRTIndex != 0) {
		return nil, fmt.Errorf("render target on a %v job: %w", args.Type, drverr.EINVAL)
	}
	return staged, nil
}

func contextTypeForJob(t slategpu.JobType) slategpu.ContextType {
	switch t {
	case slategpu.JobTypeRender:
		return slategpu.ContextTypeRender
	case slategpu.JobTypeCompute:
		return slategpu.ContextTypeCompute
	case slategpu.JobTypeTransfer:
		return slategpu.ContextTypeTransfer
	}
	return 0
}

// submitWithRetry runs op, retrying with exponential backoff while it
// reports EBUSY (a full client or kernel ring). The window is bounded by
// Options.SubmitRetryWindow; if the rings never drain the caller sees
// EAGAIN and is expected to backpressure.
func (d *Device) submitWithRetry(op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Microsecond
	bo.RandomizationFactor = 0.2
	bo.Multiplier = 2
	bo.MaxInterval = time.Millisecond
	bo.MaxElapsedTime = d.opts.SubmitRetryWindow
	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, drverr.EBUSY) {
			// Nudge the firmware to drain before the next attempt.
			d.health.submitRetries.Add(1)
			d.proc.MTSSchedule()
			return err
		}
		return backoff.Permanent(err)
	}, bo)
	if errors.Is(err, drverr.EBUSY) {
		return fmt.Errorf("%v: %w", err, drverr.EAGAIN)
	}
	return err
}

// Submit places one job. On success the job's kicks are visible to the
// firmware and the out-fence, if requested, is installed in OutHandle. On
// failure nothing of the job remains: no ring bytes, no reservation
// changes, no live fences.
func (f *File) Submit(args *SubmitArgs) error {
	if args.Type == slategpu.JobTypeNull {
		return f.submitNull(args)
	}
	switch args.Type {
	case slategpu.JobTypeRender, slategpu.JobTypeCompute, slategpu.JobTypeTransfer:
	default:
		return fmt.Errorf("unknown job type %d: %w", args.Type, drverr.EINVAL)
	}
	streams, err := stageStreams(args)
	if err != nil {
		return err
	}

	d := f.dev
	c, err := f.contexts.Get(args.Context)
	if err != nil {
		return err
	}
	defer c.DecRef()
	if contextTypeForJob(args.Type) != c.ctype {
		return fmt.Errorf("%v job on a %v context: %w", args.Type, c.ctype, drverr.EINVAL)
	}
	frame := c.frameNum.Add(1)
	for _, s := range streams {
		binary.LittleEndian.PutUint32(s.payload[0:4], frame)
	}

	// Resolve the out slot before any kick so publication cannot fail
	// afterwards.
	var outSlot *Syncobj
	if args.OutHandle != 0 {
		outSlot, err = f.syncobjs.Get(args.OutHandle)
		if err != nil {
			return err
		}
		defer outSlot.DecRef()
	}

	parents, err := f.resolveWaits(args.WaitHandles)
	if err != nil {
		return err
	}
	defer func() {
		for _, p := range parents {
			p.DecRef()
		}
	}()

	objs, writes, err := f.resolveBOs(args.BOs)
	if err != nil {
		return err
	}
	defer func() {
		for _, o := range objs {
			o.DecRef()
		}
	}()

	// Everything past this point is undone by cu on failure.
	var cu cleanup.Cleanup
	defer cu.Clean()

	// One out-fence per data master. Until its kick lands a fence is torn
	// down with DeactivateAndPut; afterwards the firmware owns resolution
	// and the undo only drops our reference.
	outs := make([]*syncpt.Fence, len(streams))
	kicked := make([]bool, len(streams))
	for i := range streams {
		out, err := c.queueFor(streams[i].dm).tl.NewFence()
		if err != nil {
			return err
		}
		outs[i] = out
	}
	cu.Add(func() {
		for i := len(outs) - 1; i >= 0; i-- {
			if kicked[i] {
				outs[i].DecRef()
			} else {
				outs[i].DeactivateAndPut()
			}
		}
	})
	if len(streams) == 2 {
		// Geometry completion gates the fragment pass.
		if err := outs[1].AddDependency(outs[0]); err != nil {
			return err
		}
	}
	final := outs[len(outs)-1]

	// Implicit synchronization: under the reservation locks, snapshot the
	// slots, merge the explicit waits with the attached fences, import the
	// merged set onto the first data master's timeline, and attach the
	// final out-fence per intent.
	firstTL := c.queueFor(streams[0].dm).tl
	var children []*syncpt.Fence
	snaps := make([]gem.ResvSnapshot, 0, len(objs))
	lockAndImport := func() error {
		unlock := gem.LockAll(objs)
		defer unlock()
		for _, o := range objs {
			snaps = append(snaps, o.Snapshot())
		}
		merged := make([]*syncpt.Fence, 0, len(parents))
		seen := make(map[*syncpt.Fence]struct{})
		for _, p := range parents {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			merged = append(merged, p)
		}
		for i, o := range objs {
			for _, dep := range o.Fences(writes[i]) {
				if _, ok := seen[dep]; ok {
					continue
				}
				seen[dep] = struct{}{}
				if dep.Resolved() && !dep.Errored() {
					continue
				}
				merged = append(merged, dep)
			}
		}
		for _, p := range merged {
			child, err := firstTL.Import(p)
			if err != nil {
				return err
			}
			children = append(children, child)
		}
		for i, o := range objs {
			o.Attach(final, writes[i])
		}
		return nil
	}
	cu.Add(func() {
		// Reinstall the pre-submit reservation state.
		unlock := gem.LockAll(objs)
		for _, s := range snaps {
			s.Restore()
		}
		unlock()
	})
	cu.Add(func() {
		for _, ch := range children {
			ch.DeactivateAndPut()
		}
	})
	if err := lockAndImport(); err != nil {
		return err
	}

	// The children gate the first kick; they must outlive its command
	// stream, so the first out-fence claims them.
	for _, ch := range children {
		if err := outs[0].AddDependency(ch); err != nil {
			return err
		}
	}

	// Emission. Each data master gets FENCE/CMD/UPDATE staged and a kick
	// posted atomically with respect to the kernel ring; the client ring
	// commit happens inside the kick post so the firmware never sees a
	// kick without its records.
	for i, s := range streams {
		q := c.queueFor(s.dm)
		var waits []slategpu.UFO
		if i == 0 {
			for _, ch := range children {
				waits = append(waits, ch.ToUFO())
			}
		} else {
			waits = []slategpu.UFO{outs[i-1].ToUFO()}
		}
		var hwrtAddr slategpu.FWAddr
		var hwrtIndex uint32
		if args.Type == slategpu.JobTypeRender {
			hwrtAddr, hwrtIndex = args.HWRTAddr, args.HWRTIndex
		}
		err := d.submitWithRetry(func() error {
			q.mu.Lock()
			defer q.mu.Unlock()
			if err := q.stageJob(waits, s.payload, outs[i].UpdateUFO()); err != nil {
				return err
			}
			return q.kick(hwrtAddr, hwrtIndex)
		})
		if err != nil {
			return err
		}
		kicked[i] = true
	}

	// Publish. Replace cannot fail, so the job is now irrevocable.
	if outSlot != nil {
		outSlot.Replace(final)
	}
	cu.Release()
	for _, s := range snaps {
		s.Release()
	}
	for _, ch := range children {
		ch.DecRef()
	}
	for _, out := range outs {
		out.DecRef()
	}
	d.health.jobsSubmitted.Add(1)
	return nil
}

// submitNull places a CPU-only join job: its out-fence resolves once every
// wait has resolved, errored if any of them errored. No context, streams,
// buffer objects, or render target may be supplied.
func (f *File) submitNull(args *SubmitArgs) error {
	if args.Context != 0 || args.Geom != nil || args.Frag != nil || args.CDM != nil ||
		args.Transfer != nil || len(args.BOs) != 0 || args.HWRTAddr != 0 || args.HWRTIndex != 0 {
		return fmt.Errorf("null job with device work attached: %w", drverr.EINVAL)
	}
	var outSlot *Syncobj
	if args.OutHandle != 0 {
		var err error
		outSlot, err = f.syncobjs.Get(args.OutHandle)
		if err != nil {
			return err
		}
		defer outSlot.DecRef()
	}
	parents, err := f.resolveWaits(args.WaitHandles)
	if err != nil {
		return err
	}
	defer func() {
		for _, p := range parents {
			p.DecRef()
		}
	}()

	out, err := f.importTL.NewFence()
	if err != nil {
		return err
	}
	if len(parents) == 0 {
		out.Signal()
	} else {
		var remaining atomic.Int32
		var anyErr atomic.Bool
		remaining.Store(int32(len(parents)))
		for _, p := range parents {
			out.IncRef()
			p.OnResolve(func(errored bool) {
				if errored {
					anyErr.Store(true)
				}
				if remaining.Add(-1) == 0 {
					if anyErr.Load() {
						out.SignalErrored()
					} else {
						out.Signal()
					}
				}
				out.DecRef()
			})
		}
	}
	if outSlot != nil {
		outSlot.Replace(out)
	}
	out.DecRef()
	f.dev.health.jobsSubmitted.Add(1)
	return nil
}

// resolveWaits swaps wait handles for fence references. The caller owns a
// reference on every returned fence even on the error path's partial set,
// so resolution failures release what was taken so far.
func (f *File) resolveWaits(handles []uint32) ([]*syncpt.Fence, error) {
	parents := make([]*syncpt.Fence, 0, len(handles))
	release := func() {
		for _, p := range parents {
			p.DecRef()
		}
	}
	for _, h := range handles {
		s, err := f.syncobjs.Get(h)
		if err != nil {
			release()
			return nil, err
		}
		fe := s.Fence()
		s.DecRef()
		if fe == nil {
			release()
			return nil, fmt.Errorf("wait on empty syncobj %d: %w", h, drverr.EINVAL)
		}
		parents = append(parents, fe)
	}
	return parents, nil
}

// resolveBOs swaps buffer intents for object references, rejecting
// duplicate handles.
func (f *File) resolveBOs(bos []BOIntent) ([]*gem.Object, []bool, error) {
	objs := make([]*gem.Object, 0, len(bos))
	writes := make([]bool, 0, len(bos))
	seen := make(map[uint32]struct{}, len(bos))
	release := func() {
		for _, o := range objs {
			o.DecRef()
		}
	}
	for _, in := range bos {
		if _, dup := seen[in.Handle]; dup {
			release()
			return nil, nil, fmt.Errorf("buffer object %d listed twice: %w", in.Handle, drverr.EINVAL)
		}
		seen[in.Handle] = struct{}{}
		o, err := f.objects.Get(in.Handle)
		if err != nil {
			release()
			return nil, nil, err
		}
		objs = append(objs, o)
		writes = append(writes, in.Write)
	}
	return objs, writes, nil
}
