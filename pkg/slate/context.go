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
	"fmt"
	"sync"
	"sync/atomic"

	"slate.dev/slate/pkg/abi/slategpu"
	"slate.dev/slate/pkg/ccb"
	"slate.dev/slate/pkg/cleanup"
	"slate.dev/slate/pkg/drverr"
	"slate.dev/slate/pkg/fwmem"
	"slate.dev/slate/pkg/log"
	"slate.dev/slate/pkg/refs"
	"slate.dev/slate/pkg/syncpt"
)

const (
	// ctxStateBytes is the per-DM register save area the firmware uses
	// across context switches.
	ctxStateBytes = 256

	// memCtxBytes is the memory-context descriptor rooting the context's
	// GPU page tables.
	memCtxBytes = 64
)

// CreateContextArgs are the userspace parameters of context creation.
type CreateContextArgs struct {
	Type     slategpu.ContextType
	Priority slategpu.Priority

	// MaxDeadlineMS bounds each job's firmware runtime. Zero selects the
	// device default.
	MaxDeadlineMS uint32

	// CCCBSizeLog2 sizes the per-DM client CCBs. Zero selects the device
	// default.
	CCCBSizeLog2 uint32

	// ResetFramework, if non-empty, is a marshaled
	// slategpu.ResetFramework record the firmware reloads after
	// resetting the context.
	ResetFramework []byte
}

// Context is one scheduling context: a set of data-master queues sharing a
// memory context and a priority.
type Context struct {
	refs.Refs

	dev      *Device
	id       uint32
	ctype    slategpu.ContextType
	priority slategpu.Priority

	// frameNum is stamped into each submitted command header.
	frameNum atomic.Uint32

	memCtx  *fwmem.Region
	resetFW *fwmem.Region // nil without a reset-framework record
	queues  []*queue

	resetMu sync.Mutex
	// +checklocks:resetMu
	lastReset *slategpu.ContextResetData
}

// queue is one data master's command stream within a context.
type queue struct {
	ctx *Context
	dm  slategpu.DM

	// mu is the producer mutex: record staging, dependency counts, and
	// the paired commit-plus-kick all run under it.
	mu   sync.Mutex
	ring *ccb.Ring
	tl   *syncpt.Timeline

	fwCtx *fwmem.Region // marshaled FWCommonContext
	state *fwmem.Region
}

func dmsFor(t slategpu.ContextType) []slategpu.DM {
	switch t {
	case slategpu.ContextTypeRender:
		return []slategpu.DM{slategpu.DMGeom, slategpu.DMFrag}
	case slategpu.ContextTypeCompute:
		return []slategpu.DM{slategpu.DMCDM}
	case slategpu.ContextTypeTransfer:
		return []slategpu.DM{slategpu.DMTransfer}
	default:
		return nil
	}
}

func fwPriority(p slategpu.Priority) uint32 {
	switch p {
	case slategpu.PriorityLow:
		return slategpu.CtxPriorityLow
	case slategpu.PriorityNormal:
		return slategpu.CtxPriorityMedium
	default:
		return slategpu.CtxPriorityHigh
	}
}

// CreateContext builds a context and inserts it into the file's handle
// table. Creation is transactional: any failure unwinds every allocation
// and firmware-visible object already made.
func (f *File) CreateContext(args CreateContextArgs) (uint32, error) {
	d := f.dev
	dms := dmsFor(args.Type)
	if dms == nil {
		return 0, fmt.Errorf("context type %d: %w", args.Type, drverr.EINVAL)
	}
	if args.Priority > slategpu.PriorityHigh {
		return 0, fmt.Errorf("priority %d: %w", args.Priority, drverr.EINVAL)
	}
	if args.Priority == slategpu.PriorityHigh && !f.privileged {
		return 0, fmt.Errorf("high-priority context: %w", drverr.EPERM)
	}
	sizeLog2 := args.CCCBSizeLog2
	if sizeLog2 == 0 {
		sizeLog2 = d.opts.CCCBSizeLog2
	}
	if sizeLog2 < ccb.MinSizeLog2 || sizeLog2 > ccb.MaxSizeLog2 {
		return 0, fmt.Errorf("client CCB size log2 %d: %w", sizeLog2, drverr.EINVAL)
	}
	deadlineMS := args.MaxDeadlineMS
	if deadlineMS == 0 {
		deadlineMS = d.opts.DefaultMaxDeadlineMS
	}

	c := &Context{
		dev:      d,
		id:       d.nextCtxID.Add(1),
		ctype:    args.Type,
		priority: args.Priority,
	}
	c.Init(c)
	// Unwinding a half-built context drops the reference without the
	// firmware cleanup handshake; nothing was ever kicked.
	cu := cleanup.Make(func() { c.Refs.DecRef(nil) })
	defer cu.Clean()

	if len(args.ResetFramework) > 0 {
		if len(args.ResetFramework) != slategpu.ResetFrameworkBytes {
			return 0, fmt.Errorf("reset framework record of %d bytes: %w", len(args.ResetFramework), drverr.EINVAL)
		}
		var rf slategpu.ResetFramework
		rf.UnmarshalBytes(args.ResetFramework)
		if rf.Format != slategpu.ResetFrameworkFormatV1 {
			return 0, fmt.Errorf("reset framework format %d: %w", rf.Format, drverr.EINVAL)
		}
		if rf.Flags != 0 {
			return 0, fmt.Errorf("reset framework flags %#x: %w", rf.Flags, drverr.EINVAL)
		}
		reg, err := d.mem.Alloc(slategpu.ResetFrameworkBytes, 0, fwmem.AllocZeroed|fwmem.AllocUncached)
		if err != nil {
			return 0, err
		}
		rf.MarshalBytes(reg.Bytes())
		c.resetFW = reg
		cu.Add(reg.DecRef)
	}

	memCtx, err := d.mem.Alloc(memCtxBytes, 0, fwmem.AllocZeroed|fwmem.AllocUncached)
	if err != nil {
		return 0, err
	}
	c.memCtx = memCtx
	cu.Add(memCtx.DecRef)

	for _, dm := range dms {
		q, err := c.newQueue(dm, sizeLog2, deadlineMS)
		if err != nil {
			return 0, err
		}
		c.queues = append(c.queues, q)
		cu.Add(q.free)
	}

	d.registerCtx(c)
	cu.Add(func() { d.unregisterCtx(c) })

	h := f.contexts.Put(c)
	f.trackContext(c)
	cu.Release()
	log.Debugf("slate: context %d created (%v, prio %d)", c.id, c.ctype, c.priority)
	return h, nil
}

func (c *Context) newQueue(dm slategpu.DM, sizeLog2, deadlineMS uint32) (*queue, error) {
	d := c.dev
	q := &queue{ctx: c, dm: dm}

	state, err := d.mem.Alloc(ctxStateBytes, 0, fwmem.AllocZeroed|fwmem.AllocUncached)
	if err != nil {
		return nil, err
	}
	q.state = state
	cu := cleanup.Make(state.DecRef)
	defer cu.Clean()

	q.ring, err = ccb.Alloc(d.mem, sizeLog2)
	if err != nil {
		return nil, err
	}
	cu.Add(q.ring.Destroy)

	q.fwCtx, err = d.mem.Alloc(slategpu.FWCommonContextBytes, 0, fwmem.AllocZeroed|fwmem.AllocUncached)
	if err != nil {
		return nil, err
	}
	ctl, buf := q.ring.Regions()
	var resetAddr slategpu.FWAddr
	if c.resetFW != nil {
		resetAddr = c.resetFW.FWAddr()
	}
	desc := slategpu.FWCommonContext{
		CCBCtlAddr:    ctl.FWAddr(),
		CCBAddr:       buf.FWAddr(),
		CtxStateAddr:  state.FWAddr(),
		MemCtxAddr:    c.memCtx.FWAddr(),
		ResetFWAddr:   resetAddr,
		Priority:      fwPriority(c.priority),
		DM:            uint32(dm),
		MaxDeadlineMS: deadlineMS,
		CCBSizeLog2:   sizeLog2,
		ContextID:     c.id,
	}
	desc.MarshalBytes(q.fwCtx.Bytes())

	q.tl = syncpt.NewTimeline(d.mem, d.list, fmt.Sprintf("ctx%d/%v", c.id, dm), d.scheduleSyncKick)
	cu.Release()
	return q, nil
}

// DestroyContext removes the handle. The context itself dies when its last
// reference drops, which hands it to the reaper for firmware cleanup.
func (f *File) DestroyContext(h uint32) error {
	c, err := f.contexts.Remove(h)
	if err != nil {
		return err
	}
	f.dev.unregisterCtx(c)
	c.DecRef()
	return nil
}

// LastReset returns a copy of the most recent reset notification delivered
// for this context, or nil.
func (c *Context) LastReset() *slategpu.ContextResetData {
	c.resetMu.Lock()
	defer c.resetMu.Unlock()
	if c.lastReset == nil {
		return nil
	}
	rd := *c.lastReset
	return &rd
}

func (c *Context) noteReset(rd *slategpu.ContextResetData) {
	c.resetMu.Lock()
	defer c.resetMu.Unlock()
	snap := *rd
	c.lastReset = &snap
}

// ownsFence reports whether f was minted on one of the context's
// timelines.
func (c *Context) ownsFence(f *syncpt.Fence) bool {
	tl := f.Timeline()
	for _, q := range c.queues {
		if q.tl == tl {
			return true
		}
	}
	return false
}

func (c *Context) queueFor(dm slategpu.DM) *queue {
	for _, q := range c.queues {
		if q.dm == dm {
			return q
		}
	}
	return nil
}

func (q *queue) free() {
	q.ring.Destroy()
	q.state.DecRef()
	q.fwCtx.DecRef()
}

func (c *Context) freeResources() {
	for _, q := range c.queues {
		q.free()
	}
	c.memCtx.DecRef()
	if c.resetFW != nil {
		c.resetFW.DecRef()
	}
}

// destroy runs when the last reference drops. Firmware cleanup must not
// run on the caller's goroutine (often the completion worker finalizing a
// fence), so the context is handed to the reaper.
func (c *Context) destroy() {
	d := c.dev
	if d.closing.Load() {
		c.freeResources()
		return
	}
	select {
	case d.reapCh <- c:
	default:
		log.Warningf("slate: reap queue full, freeing context %d without firmware cleanup", c.id)
		c.freeResources()
	}
}

// DecRef drops a reference.
func (c *Context) DecRef() {
	c.Refs.DecRef(c.destroy)
}

// RefType implements refs.CheckedObject.RefType.
func (c *Context) RefType() string {
	return "slate.Context"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (c *Context) LeakMessage() string {
	return fmt.Sprintf("[slate.Context %d] reference count of %d instead of 0", c.id, c.ReadRefs())
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (c *Context) LogRefs() bool {
	return false
}

// stageJob writes the records of one job onto the queue's ring without
// publishing them: a FENCE carrying waits (if any), the DM command, and the
// UPDATE that signals the out-fence. The command's dependency counter is
// set to the wait count. EBUSY leaves the ring unstaged.
//
// Precondition: q.mu is locked.
func (q *queue) stageJob(waits []slategpu.UFO, cmd []byte, update slategpu.UFO) error {
	if len(waits) > 0 {
		n := slategpu.CCBRecordHeaderBytes + uint32(len(waits))*slategpu.UFOBytes
		win, err := q.ring.AcquireSpace(n)
		if err != nil {
			q.ring.Rollback()
			return err
		}
		hdr := slategpu.CCBRecordHeader{
			Type: slategpu.CCBRecordFence,
			Size: uint16(len(waits) * slategpu.UFOBytes),
		}
		hdr.MarshalBytes(win.Bytes[:slategpu.CCBRecordHeaderBytes])
		for i := range waits {
			off := slategpu.CCBRecordHeaderBytes + i*slategpu.UFOBytes
			waits[i].MarshalBytes(win.Bytes[off : off+slategpu.UFOBytes])
		}
	}

	win, err := q.ring.AcquireSpace(slategpu.CCBRecordHeaderBytes + uint32(len(cmd)))
	if err != nil {
		q.ring.Rollback()
		return err
	}
	hdr := slategpu.CCBRecordHeader{
		Type: slategpu.CCBRecordForDM(q.dm),
		Size: uint16(len(cmd)),
	}
	hdr.MarshalBytes(win.Bytes[:slategpu.CCBRecordHeaderBytes])
	copy(win.Bytes[slategpu.CCBRecordHeaderBytes:], cmd)
	q.ring.SetDepCount(win.Slot, uint32(len(waits)))

	win, err = q.ring.AcquireSpace(slategpu.CCBRecordHeaderBytes + slategpu.UFOBytes)
	if err != nil {
		q.ring.Rollback()
		return err
	}
	hdr = slategpu.CCBRecordHeader{Type: slategpu.CCBRecordUpdate, Size: slategpu.UFOBytes}
	hdr.MarshalBytes(win.Bytes[:slategpu.CCBRecordHeaderBytes])
	update.MarshalBytes(win.Bytes[slategpu.CCBRecordHeaderBytes:])
	return nil
}

// kick publishes everything staged on q and posts the matching kernel kick
// command. The client ring's commit happens under the kernel ring's mutex,
// before the kick that announces it, so the firmware can never observe the
// kick without the records. On EBUSY the staged records are rolled back and
// nothing is published.
//
// Precondition: q.mu is locked.
func (q *queue) kick(hwrtAddr slategpu.FWAddr, hwrtIndex uint32) error {
	d := q.ctx.dev
	kd := slategpu.KickData{
		CtxFWAddr:  q.fwCtx.FWAddr(),
		HWRTFWAddr: hwrtAddr,
		HWRTIndex:  hwrtIndex,
	}
	cmd := &slategpu.KCCBCmd{Type: slategpu.KCCBCmdKickForDM(q.dm)}
	err := d.kccb.post(cmd, func() {
		q.ring.Commit()
		kd.CCBWriteOffset = q.ring.WriteOffset()
		cmd.SetPayload(&kd)
	})
	if err != nil {
		q.ring.Rollback()
		return err
	}
	return nil
}
