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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"slate.dev/slate/pkg/abi/slategpu"
	"slate.dev/slate/pkg/ccb"
	"slate.dev/slate/pkg/cleanup"
	"slate.dev/slate/pkg/drverr"
	"slate.dev/slate/pkg/fwmem"
	"slate.dev/slate/pkg/log"
	"slate.dev/slate/pkg/refs"
	"slate.dev/slate/pkg/syncpt"
)

// Processor is the firmware coprocessor as the host sees it: a boot handle
// and the MTS doorbell register.
type Processor interface {
	// Boot starts the processor with irq as its interrupt line and begins
	// the connection handshake. irq may be called from any goroutine and
	// must not block.
	Boot(irq func()) error

	// MTSSchedule rings the MTS doorbell, prompting the firmware
	// scheduler to drain the kernel CCB. The caller publishes all ring
	// data before ringing; the doorbell itself carries no payload.
	MTSSchedule()

	// Halt stops the processor. Idempotent.
	Halt()
}

// Options configures a Device. The zero value selects working defaults.
type Options struct {
	// KCCBSizeLog2 sizes the kernel CCB. Must be at least 6 so the ring
	// holds whole 64-byte slots.
	KCCBSizeLog2 uint32

	// FWCCBSizeLog2 sizes the firmware CCB. Must be at least 5.
	FWCCBSizeLog2 uint32

	// CCCBSizeLog2 is the default client CCB size for new contexts.
	CCCBSizeLog2 uint32

	// DefaultMaxDeadlineMS is the per-job deadline handed to contexts
	// that do not choose their own.
	DefaultMaxDeadlineMS uint32

	// HandshakeTimeout bounds the boot handshake.
	HandshakeTimeout time.Duration

	// ResponseTimeout bounds waits on KCCB return slots.
	ResponseTimeout time.Duration

	// CleanupTimeout bounds the wait for each per-DM cleanup
	// acknowledgment; on expiry the context's firmware objects are
	// leaked rather than freed under the firmware.
	CleanupTimeout time.Duration

	// SubmitRetryWindow bounds ring-full retries inside one submission
	// before EAGAIN surfaces to the caller.
	SubmitRetryWindow time.Duration

	// DrainTimeout bounds the settle phase of Close.
	DrainTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.KCCBSizeLog2 == 0 {
		o.KCCBSizeLog2 = 12
	}
	if o.FWCCBSizeLog2 == 0 {
		o.FWCCBSizeLog2 = 11
	}
	if o.CCCBSizeLog2 == 0 {
		o.CCCBSizeLog2 = 16
	}
	if o.DefaultMaxDeadlineMS == 0 {
		o.DefaultMaxDeadlineMS = 1000
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 3 * time.Second
	}
	if o.ResponseTimeout == 0 {
		o.ResponseTimeout = time.Second
	}
	if o.CleanupTimeout == 0 {
		o.CleanupTimeout = time.Second
	}
	if o.SubmitRetryWindow == 0 {
		o.SubmitRetryWindow = 10 * time.Millisecond
	}
	if o.DrainTimeout == 0 {
		o.DrainTimeout = time.Second
	}
	return o
}

func (o Options) validate() error {
	if o.KCCBSizeLog2 < 6 || o.KCCBSizeLog2 > ccb.MaxSizeLog2 {
		return fmt.Errorf("kernel CCB size log2 %d: %w", o.KCCBSizeLog2, drverr.EINVAL)
	}
	if o.FWCCBSizeLog2 < 5 || o.FWCCBSizeLog2 > ccb.MaxSizeLog2 {
		return fmt.Errorf("firmware CCB size log2 %d: %w", o.FWCCBSizeLog2, drverr.EINVAL)
	}
	if o.CCCBSizeLog2 < ccb.MinSizeLog2 || o.CCCBSizeLog2 > ccb.MaxSizeLog2 {
		return fmt.Errorf("client CCB size log2 %d: %w", o.CCCBSizeLog2, drverr.EINVAL)
	}
	return nil
}

// Device is one Slate GPU instance.
type Device struct {
	opts Options
	mem  *fwmem.Carveout
	proc Processor

	// list is the global fence list swept by the completion worker.
	list *syncpt.List

	ctl       *fwmem.Region // ConnectionCtl block
	kccbRing  *ccb.Ring
	fwccbRing *ccb.Ring
	rtn       *fwmem.Region // KCCB return-slot array

	kccb kernelCCB

	irqCh  chan struct{}
	reapCh chan *Context

	stop    context.CancelFunc
	eg      *errgroup.Group
	closing atomic.Bool

	nextCtxID  atomic.Uint32
	nextFileID atomic.Uint32

	ctxMu sync.Mutex
	// ctxs holds live contexts by ID for reset routing. Entries carry no
	// reference; lookups TryIncRef.
	// +checklocks:ctxMu
	ctxs map[uint32]*Context

	cleanupMu sync.Mutex
	// cleanupAcks maps a firmware object address to the channel its
	// cleanup ack closes.
	// +checklocks:cleanupMu
	cleanupAcks map[slategpu.FWAddr]chan struct{}

	// Deferred kernel commands, posted by the worker when the ring has
	// room. Each flag coalesces any number of requests.
	syncKickPending atomic.Bool
	mmuFlushPending atomic.Bool

	// lastPow is the last power state posted. Worker only.
	lastPow uint32

	resetLog log.Logger

	health healthCounters
}

type healthCounters struct {
	jobsSubmitted      atomic.Uint64
	fencesSignaled     atomic.Uint64
	fencesErrored      atomic.Uint64
	submitRetries      atomic.Uint64
	kccbStalls         atomic.Uint64
	firmwareTimeouts   atomic.Uint64
	leakedContexts     atomic.Uint64
	resetNotifications atomic.Uint64
	syncUpdateKicks    atomic.Uint64
	mmuFlushes         atomic.Uint64
}

// Health is a point-in-time snapshot of device counters.
type Health struct {
	JobsSubmitted      uint64
	FencesSignaled     uint64
	FencesErrored      uint64
	SubmitRetries      uint64
	KCCBStalls         uint64
	FirmwareTimeouts   uint64
	LeakedContexts     uint64
	ResetNotifications uint64
	SyncUpdateKicks    uint64
	MMUFlushes         uint64
	LiveFences         int
	LiveContexts       int
	HeapFreeBytes      uint32
}

// New brings up a device on mem: it lays out the kernel rings, performs the
// boot handshake with proc, and starts the completion worker and the
// context reaper. The device takes over mem's release hook for MMU flush
// forwarding.
func New(mem *fwmem.Carveout, proc Processor, opts Options) (*Device, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	d := &Device{
		opts:        opts,
		mem:         mem,
		proc:        proc,
		list:        syncpt.NewList(),
		irqCh:       make(chan struct{}, 1),
		reapCh:      make(chan *Context, 128),
		ctxs:        make(map[uint32]*Context),
		cleanupAcks: make(map[slategpu.FWAddr]chan struct{}),
		lastPow:     slategpu.PowStateOn,
		resetLog:    log.BasicRateLimitedLogger(time.Second),
	}

	ctl, err := mem.AllocAt(slategpu.ConnectionCtlOffset, slategpu.ConnectionCtlBytes, fwmem.AllocZeroed|fwmem.AllocUncached)
	if err != nil {
		return nil, fmt.Errorf("connection block: %w", err)
	}
	d.ctl = ctl
	cu := cleanup.Make(ctl.DecRef)
	defer cu.Clean()

	d.kccbRing, err = ccb.Alloc(mem, opts.KCCBSizeLog2)
	if err != nil {
		return nil, fmt.Errorf("kernel CCB: %w", err)
	}
	cu.Add(d.kccbRing.Destroy)

	d.fwccbRing, err = ccb.Alloc(mem, opts.FWCCBSizeLog2)
	if err != nil {
		return nil, fmt.Errorf("firmware CCB: %w", err)
	}
	cu.Add(d.fwccbRing.Destroy)

	slots := (uint32(1) << opts.KCCBSizeLog2) / slategpu.KCCBCmdBytes
	d.rtn, err = mem.Alloc(slots*slategpu.KCCBRtnSlotBytes, 0, fwmem.AllocZeroed|fwmem.AllocUncached)
	if err != nil {
		return nil, fmt.Errorf("return slots: %w", err)
	}
	cu.Add(d.rtn.DecRef)

	d.kccb.init(d, d.kccbRing, slots)

	if err := d.handshake(); err != nil {
		return nil, err
	}

	mem.SetReleaseHook(d.onHeapRelease)

	ctx, cancel := context.WithCancel(context.Background())
	d.stop = cancel
	d.eg, ctx = errgroup.WithContext(ctx)
	d.eg.Go(func() error { return d.completionLoop(ctx) })
	d.eg.Go(func() error { return d.reaperLoop(ctx) })

	cu.Release()
	log.Infof("slate: device up, kccb %d slots, heap %#x free", slots, mem.HeapFree())
	return d, nil
}

// handshake publishes the ring geometry through ConnectionCtl, boots the
// processor, and waits for the firmware to report ready.
func (d *Device) handshake() error {
	kctl, kbuf := d.kccbRing.Regions()
	fctl, fbuf := d.fwccbRing.Regions()
	cc := slategpu.ConnectionCtl{
		FWState:       slategpu.FWStateInit,
		OSState:       slategpu.FWStateInit,
		KCCBCtlAddr:   kctl.FWAddr(),
		KCCBAddr:      kbuf.FWAddr(),
		KCCBRtnAddr:   d.rtn.FWAddr(),
		FWCCBCtlAddr:  fctl.FWAddr(),
		FWCCBAddr:     fbuf.FWAddr(),
		KCCBSizeLog2:  d.opts.KCCBSizeLog2,
		FWCCBSizeLog2: d.opts.FWCCBSizeLog2,
	}
	cc.MarshalBytes(d.ctl.Bytes())
	// The release store of OSState publishes the geometry above.
	d.ctl.Word32(slategpu.ConnectionCtlOSState).Store(slategpu.FWStateReady)

	if err := d.proc.Boot(d.irq); err != nil {
		return fmt.Errorf("processor boot: %w", err)
	}

	fwState := d.ctl.Word32(slategpu.ConnectionCtlFWState)
	deadline := time.Now().Add(d.opts.HandshakeTimeout)
	for fwState.Load() != slategpu.FWStateReady {
		if time.Now().After(deadline) {
			d.proc.Halt()
			return fmt.Errorf("firmware not ready after %v: %w", d.opts.HandshakeTimeout, drverr.ETIMEDOUT)
		}
		time.Sleep(50 * time.Microsecond)
	}
	return nil
}

// irq is the device's interrupt line. Coalescing is fine: the worker
// re-derives all state from shared memory.
func (d *Device) irq() {
	select {
	case d.irqCh <- struct{}{}:
	default:
	}
}

// wakeWorker nudges the completion worker for host-initiated state changes
// that raise no interrupt.
func (d *Device) wakeWorker() {
	d.irq()
}

func (d *Device) rtnWord(slot uint32) *atomic.Uint32 {
	return d.rtn.Word32(slot * slategpu.KCCBRtnSlotBytes)
}

// completionLoop is the single consumer of the firmware CCB and of KCCB
// return slots, and the only goroutine that finalizes fences. It runs until
// the device closes; the ticker backstops lost wakeups.
func (d *Device) completionLoop(ctx context.Context) error {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.irqCh:
		case <-tick.C:
		}
		d.drainFWCCB()
		d.kccb.scanReturnSlots()
		sig, errd := d.list.Sweep()
		if sig > 0 {
			d.health.fencesSignaled.Add(uint64(sig))
		}
		if errd > 0 {
			d.health.fencesErrored.Add(uint64(errd))
		}
		d.flushDeferred()
	}
}

func (d *Device) drainFWCCB() {
	for {
		raw, ok := d.fwccbRing.PeekRaw(slategpu.FWCCBCmdBytes)
		if !ok {
			return
		}
		var cmd slategpu.FWCCBCmd
		cmd.UnmarshalBytes(raw)
		d.fwccbRing.Advance(slategpu.FWCCBCmdBytes)
		switch cmd.Type {
		case slategpu.FWCCBCmdContextReset:
			var rd slategpu.ContextResetData
			cmd.GetPayload(&rd)
			d.handleContextReset(&rd)
		case slategpu.FWCCBCmdCleanupComplete:
			var cd slategpu.CleanupCompleteData
			cmd.GetPayload(&cd)
			d.completeCleanup(cd.FWAddr)
		case slategpu.FWCCBCmdPriorityChangeRequest:
			var pd slategpu.PriorityChangeData
			cmd.GetPayload(&pd)
			d.handlePriorityChange(&pd)
		default:
			log.Warningf("slate: unknown firmware CCB command %d", cmd.Type)
		}
	}
}

// handleContextReset errors every outstanding fence of the affected
// contexts and records the reset for userspace queries.
func (d *Device) handleContextReset(rd *slategpu.ContextResetData) {
	d.health.resetNotifications.Add(1)
	var affected []*Context
	d.ctxMu.Lock()
	if rd.Flags&slategpu.ContextResetFlagAllCtxs != 0 {
		for _, c := range d.ctxs {
			if c.TryIncRef() {
				affected = append(affected, c)
			}
		}
	} else if c, ok := d.ctxs[rd.ContextID]; ok && c.TryIncRef() {
		affected = append(affected, c)
	}
	d.ctxMu.Unlock()

	if len(affected) == 0 {
		d.resetLog.Warningf("slate: reset for unknown context %d (%s)", rd.ContextID, slategpu.ResetReasonString(rd.Reason))
		return
	}
	for _, c := range affected {
		c.noteReset(rd)
		n := d.list.FailMatching(c.ownsFence)
		d.resetLog.Warningf("slate: context %d reset on %s (%s), %d fences errored",
			c.id, slategpu.DM(rd.DM), slategpu.ResetReasonString(rd.Reason), n)
		c.DecRef()
	}
}

func (d *Device) completeCleanup(addr slategpu.FWAddr) {
	d.cleanupMu.Lock()
	ch, ok := d.cleanupAcks[addr]
	if ok {
		delete(d.cleanupAcks, addr)
	}
	d.cleanupMu.Unlock()
	if !ok {
		log.Warningf("slate: stray cleanup ack for %#x", addr)
		return
	}
	close(ch)
}

// handlePriorityChange answers a firmware priority request: the request is
// granted if it does not exceed the priority the context was created with,
// otherwise the created priority is restated.
func (d *Device) handlePriorityChange(pd *slategpu.PriorityChangeData) {
	c := d.lookupCtx(pd.ContextID)
	if c == nil {
		log.Warningf("slate: priority request for unknown context %d", pd.ContextID)
		return
	}
	granted := pd.Priority
	if lim := fwPriority(c.priority); granted > lim {
		granted = lim
	}
	c.DecRef()

	cmd := &slategpu.KCCBCmd{Type: slategpu.KCCBCmdPriorityUpdate}
	cmd.SetPayload(&slategpu.PriorityChangeData{ContextID: pd.ContextID, Priority: granted})
	if err := d.kccb.post(cmd, nil); err != nil {
		// Dropped; the firmware keeps the old priority.
		d.health.kccbStalls.Add(1)
	}
}

// flushDeferred posts coalesced kernel commands that earlier ran into a
// full ring or were raised outside the worker. Failures leave the flags set
// for the next pass.
func (d *Device) flushDeferred() {
	if d.syncKickPending.Swap(false) {
		cmd := &slategpu.KCCBCmd{Type: slategpu.KCCBCmdSyncUpdate}
		if err := d.kccb.post(cmd, nil); err != nil {
			d.syncKickPending.Store(true)
			d.health.kccbStalls.Add(1)
		} else {
			d.health.syncUpdateKicks.Add(1)
		}
	}
	if d.mmuFlushPending.Swap(false) {
		cmd := &slategpu.KCCBCmd{Type: slategpu.KCCBCmdMMUFlush}
		cmd.SetPayload(&slategpu.MMUFlushData{Flags: slategpu.MMUFlushPT | slategpu.MMUFlushPD | slategpu.MMUFlushPC})
		if err := d.kccb.post(cmd, nil); err != nil {
			d.mmuFlushPending.Store(true)
			d.health.kccbStalls.Add(1)
		} else {
			d.health.mmuFlushes.Add(1)
		}
	}
	want := slategpu.PowStateIdle
	if d.list.Len() > 0 {
		want = slategpu.PowStateOn
	}
	if want != d.lastPow {
		cmd := &slategpu.KCCBCmd{Type: slategpu.KCCBCmdPowState}
		cmd.SetPayload(&slategpu.PowStateData{State: want})
		if err := d.kccb.post(cmd, nil); err == nil {
			d.lastPow = want
		}
	}
}

// scheduleSyncKick is the kick hook of every timeline: a host-side
// checkpoint write schedules one coalesced SYNC_UPDATE so the firmware
// re-examines blocked fence records.
func (d *Device) scheduleSyncKick() {
	d.syncKickPending.Store(true)
	d.wakeWorker()
}

// onHeapRelease runs whenever firmware-visible memory is freed; the
// firmware's stale translations are flushed before the space is reused.
func (d *Device) onHeapRelease(off slategpu.FWAddr, size uint32) {
	if d.closing.Load() {
		return
	}
	d.mmuFlushPending.Store(true)
	d.wakeWorker()
}

// reaperLoop retires contexts whose last reference dropped: firmware-side
// cleanup runs here so that fence finalization never blocks on it.
func (d *Device) reaperLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-d.reapCh:
			d.reapContext(ctx, c)
		}
	}
}

// reapContext asks the firmware to quiesce each queue of c and frees the
// context's carveout objects once every ack is in. A queue whose ack never
// arrives poisons the whole context: its memory is leaked and stays in the
// reference leak registry rather than being reused under the firmware.
func (d *Device) reapContext(ctx context.Context, c *Context) {
	leaked := false
	for _, q := range c.queues {
		if err := d.cleanupObject(ctx, slategpu.CleanupTypeFWCommonContext, q.fwCtx.FWAddr(), q.dm); err != nil {
			log.Warningf("slate: context %d %v cleanup: %v; leaking firmware objects", c.id, q.dm, err)
			leaked = true
		}
	}
	if leaked {
		d.health.leakedContexts.Add(1)
		return
	}
	c.freeResources()
	log.Debugf("slate: context %d reaped", c.id)
}

// cleanupObject posts one CLEANUP command and waits for the firmware's
// FWCCB acknowledgment.
func (d *Device) cleanupObject(ctx context.Context, typ uint32, addr slategpu.FWAddr, dm slategpu.DM) error {
	ch := make(chan struct{})
	d.cleanupMu.Lock()
	d.cleanupAcks[addr] = ch
	d.cleanupMu.Unlock()
	drop := func() {
		d.cleanupMu.Lock()
		delete(d.cleanupAcks, addr)
		d.cleanupMu.Unlock()
	}

	cmd := &slategpu.KCCBCmd{Type: slategpu.KCCBCmdCleanup}
	cmd.SetPayload(&slategpu.CleanupData{Type: typ, FWAddr: addr, DM: uint32(dm)})
	deadline := time.Now().Add(d.opts.CleanupTimeout)
	for {
		err := d.kccb.post(cmd, nil)
		if err == nil {
			break
		}
		d.health.kccbStalls.Add(1)
		if time.Now().After(deadline) {
			drop()
			return err
		}
		time.Sleep(100 * time.Microsecond)
	}

	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		drop()
		return ctx.Err()
	case <-t.C:
		drop()
		d.health.firmwareTimeouts.Add(1)
		return fmt.Errorf("cleanup of %#x: %w", addr, drverr.ETIMEDOUT)
	}
}

func (d *Device) registerCtx(c *Context) {
	d.ctxMu.Lock()
	defer d.ctxMu.Unlock()
	d.ctxs[c.id] = c
}

func (d *Device) unregisterCtx(c *Context) {
	d.ctxMu.Lock()
	defer d.ctxMu.Unlock()
	if d.ctxs[c.id] == c {
		delete(d.ctxs, c.id)
	}
}

// lookupCtx returns the live context with the given ID holding a new
// reference, or nil.
func (d *Device) lookupCtx(id uint32) *Context {
	d.ctxMu.Lock()
	defer d.ctxMu.Unlock()
	if c, ok := d.ctxs[id]; ok && c.TryIncRef() {
		return c
	}
	return nil
}

// Health returns a snapshot of the device counters.
func (d *Device) Health() Health {
	d.ctxMu.Lock()
	live := len(d.ctxs)
	d.ctxMu.Unlock()
	return Health{
		JobsSubmitted:      d.health.jobsSubmitted.Load(),
		FencesSignaled:     d.health.fencesSignaled.Load(),
		FencesErrored:      d.health.fencesErrored.Load(),
		SubmitRetries:      d.health.submitRetries.Load(),
		KCCBStalls:         d.health.kccbStalls.Load(),
		FirmwareTimeouts:   d.health.firmwareTimeouts.Load(),
		LeakedContexts:     d.health.leakedContexts.Load(),
		ResetNotifications: d.health.resetNotifications.Load(),
		SyncUpdateKicks:    d.health.syncUpdateKicks.Load(),
		MMUFlushes:         d.health.mmuFlushes.Load(),
		LiveFences:         d.list.Len(),
		LiveContexts:       live,
		HeapFreeBytes:      d.mem.HeapFree(),
	}
}

// Close drains outstanding work, stops the service goroutines, halts the
// processor, and releases the kernel rings. Fences still unresolved after
// the drain window are force-errored. Files should be closed first; Close
// is a backstop, not a substitute. Idempotent.
func (d *Device) Close() error {
	if !d.closing.CompareAndSwap(false, true) {
		return nil
	}

	deadline := time.Now().Add(d.opts.DrainTimeout)
	for d.list.Len() > 0 && time.Now().Before(deadline) {
		d.wakeWorker()
		time.Sleep(200 * time.Microsecond)
	}
	if n := d.list.FailMatching(func(*syncpt.Fence) bool { return true }); n > 0 {
		log.Warningf("slate: close with %d unresolved fences", n)
		d.wakeWorker()
		for d.list.Len() > 0 && time.Now().Before(deadline) {
			time.Sleep(200 * time.Microsecond)
		}
	}

	// Power the firmware down and wait for its acknowledgement so the
	// halt below never races in-flight work.
	var off slategpu.KCCBCmd
	off.Type = slategpu.KCCBCmdPowState
	off.SetPayload(&slategpu.PowStateData{State: slategpu.PowStateOff})
	if err := d.kccb.postWithResponse(&off, d.opts.ResponseTimeout); err != nil {
		log.Warningf("slate: power-off not acknowledged: %v", err)
	}

	d.stop()
	d.eg.Wait()
	d.proc.Halt()

	// Contexts still queued have no reaper left; free them host-side, the
	// firmware is gone.
	for {
		select {
		case c := <-d.reapCh:
			c.freeResources()
		default:
			d.mem.SetReleaseHook(nil)
			d.kccbRing.Destroy()
			d.fwccbRing.Destroy()
			d.rtn.DecRef()
			d.ctl.DecRef()
			refs.DoLeakCheck()
			return nil
		}
	}
}
