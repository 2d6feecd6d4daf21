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

// Package emu is a software model of the GPU firmware processor.
//
// The model attaches to the same carveout as the driver and speaks the full
// shared-memory protocol from the firmware side: the connection handshake,
// kernel CCB commands with return-slot acknowledgements, client CCB record
// streams, checkpoint updates, and firmware CCB notifications. It runs the
// protocol on a single goroutine woken by the doorbell and a tick, the same
// shape as the MTS scheduler it stands in for.
//
// The model consumes client rings only up to the write offset carried by
// the latest kick, so work committed without a kick stays invisible to it.
// It does not read the host-side dependency counters; those are advisory
// scheduling hints and the FENCE records carry the full wait set.
package emu

import (
	"fmt"
	"sync/atomic"
	"time"

	"slate.dev/slate/pkg/abi/slategpu"
	"slate.dev/slate/pkg/ccb"
	"slate.dev/slate/pkg/drverr"
	"slate.dev/slate/pkg/fwmem"
	"slate.dev/slate/pkg/log"
)

// Options configures the model.
type Options struct {
	// JobLatency is simulated per-command execution time. Zero runs
	// commands instantly.
	JobLatency time.Duration

	// TickInterval bounds how long the model sleeps between passes when
	// no doorbell arrives. Defaults to 200µs.
	TickInterval time.Duration

	// HandshakeWait bounds how long Boot waits for the host to publish
	// the connection geometry. Defaults to 1s.
	HandshakeWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.TickInterval == 0 {
		o.TickInterval = 200 * time.Microsecond
	}
	if o.HandshakeWait == 0 {
		o.HandshakeWait = time.Second
	}
	return o
}

// Stats is a snapshot of the model's counters.
type Stats struct {
	Kicks           uint64
	JobsByDM        [slategpu.NumDMs]uint64
	FenceStalls     uint64
	UpdatesSignaled uint64
	UpdatesErrored  uint64
	Cleanups        uint64
	SyncUpdates     uint64
	MMUFlushes      uint64
	PowChanges      uint64
	PowState        uint32
	PriorityUpdates uint64
	ResetsDelivered uint64
	BadKicks        uint64
}

// fwQueue is the model's view of one client ring, loaded lazily from the
// FWCommonContext named by the first kick that targets it.
type fwQueue struct {
	addr slategpu.FWAddr
	ctx  slategpu.FWCommonContext
	ring *ccb.CCB

	// limit is the write offset of the latest kick; the model never
	// consumes past it.
	limit uint32

	// parked is set while the head FENCE record has an unmet wait.
	parked bool

	// errored carries checkpoint errors from passed FENCE records to the
	// job's UPDATE. Cleared at each UPDATE, the job boundary.
	errored bool

	dead bool
}

// Model implements the driver's Processor interface against a carveout.
type Model struct {
	mem  *fwmem.Carveout
	opts Options

	irq func()

	doorbell chan struct{}
	resetC   chan slategpu.ContextResetData
	prioC    chan slategpu.PriorityChangeData
	stopC    chan struct{}
	done     chan struct{}

	booted atomic.Bool
	halted atomic.Bool
	paused atomic.Bool

	// Owned by the run goroutine after Boot.
	kccb      *ccb.CCB
	fwccb     *ccb.CCB
	rtnAddr   slategpu.FWAddr
	kccbSlots uint32
	queues    map[slategpu.FWAddr]*fwQueue
	outbox    []slategpu.FWCCBCmd

	kicks           atomic.Uint64
	jobs            [slategpu.NumDMs]atomic.Uint64
	fenceStalls     atomic.Uint64
	updatesSignaled atomic.Uint64
	updatesErrored  atomic.Uint64
	cleanups        atomic.Uint64
	syncUpdates     atomic.Uint64
	mmuFlushes      atomic.Uint64
	powChanges      atomic.Uint64
	powState        atomic.Uint32
	priorityUpdates atomic.Uint64
	resetsDelivered atomic.Uint64
	badKicks        atomic.Uint64
}

// New returns an unbooted model over mem.
func New(mem *fwmem.Carveout, opts Options) *Model {
	m := &Model{
		mem:      mem,
		opts:     opts.withDefaults(),
		doorbell: make(chan struct{}, 1),
		resetC:   make(chan slategpu.ContextResetData, 16),
		prioC:    make(chan slategpu.PriorityChangeData, 16),
		stopC:    make(chan struct{}),
		done:     make(chan struct{}),
		queues:   make(map[slategpu.FWAddr]*fwQueue),
	}
	m.powState.Store(slategpu.PowStateOn)
	return m
}

// Boot waits for the host's connection geometry, validates it, publishes
// readiness, and starts the scheduler goroutine. irq is invoked, possibly
// concurrently, whenever the model has news for the host.
func (m *Model) Boot(irq func()) error {
	m.irq = irq
	osState := m.mem.Word32(slategpu.ConnectionCtlOffset + slategpu.ConnectionCtlOSState)
	deadline := time.Now().Add(m.opts.HandshakeWait)
	for osState.Load() != slategpu.FWStateReady {
		if time.Now().After(deadline) {
			return fmt.Errorf("emu: no connection geometry after %v: %w", m.opts.HandshakeWait, drverr.ETIMEDOUT)
		}
		time.Sleep(20 * time.Microsecond)
	}
	var cc slategpu.ConnectionCtl
	cc.UnmarshalBytes(m.mem.Slice(slategpu.ConnectionCtlOffset, slategpu.ConnectionCtlBytes))
	if err := m.attach(cc); err != nil {
		return err
	}
	m.booted.Store(true)
	go m.run()
	m.mem.Word32(slategpu.ConnectionCtlOffset + slategpu.ConnectionCtlFWState).Store(slategpu.FWStateReady)
	return nil
}

func (m *Model) attach(cc slategpu.ConnectionCtl) error {
	if cc.KCCBCtlAddr == 0 || cc.KCCBAddr == 0 || cc.KCCBRtnAddr == 0 ||
		cc.FWCCBCtlAddr == 0 || cc.FWCCBAddr == 0 {
		return fmt.Errorf("emu: incomplete connection geometry %+v: %w", cc, drverr.EINVAL)
	}
	kccb, err := ccb.New(m.mem, cc.KCCBCtlAddr, cc.KCCBAddr, cc.KCCBSizeLog2)
	if err != nil {
		return fmt.Errorf("emu: kernel CCB: %w", err)
	}
	fwccb, err := ccb.New(m.mem, cc.FWCCBCtlAddr, cc.FWCCBAddr, cc.FWCCBSizeLog2)
	if err != nil {
		return fmt.Errorf("emu: firmware CCB: %w", err)
	}
	m.kccb = kccb
	m.fwccb = fwccb
	m.rtnAddr = cc.KCCBRtnAddr
	m.kccbSlots = (uint32(1) << cc.KCCBSizeLog2) / slategpu.KCCBCmdBytes
	return nil
}

// MTSSchedule implements the doorbell: wake the scheduler if it sleeps.
func (m *Model) MTSSchedule() {
	select {
	case m.doorbell <- struct{}{}:
	default:
	}
}

// Halt stops the scheduler goroutine and marks the firmware offline.
// Idempotent; safe to call on a model that never booted.
func (m *Model) Halt() {
	if !m.booted.Load() {
		m.halted.Store(true)
		return
	}
	if m.halted.CompareAndSwap(false, true) {
		close(m.stopC)
	}
	<-m.done
}

// Pause freezes command processing; doorbells and ticks are absorbed until
// Resume. Lets tests inspect rings in their kicked, unconsumed state.
func (m *Model) Pause() {
	m.paused.Store(true)
}

// Resume unfreezes processing.
func (m *Model) Resume() {
	m.paused.Store(false)
	m.MTSSchedule()
}

// InjectContextReset makes the model report a context reset to the host:
// affected queues go dead and a CONTEXT_RESET notification is raised.
func (m *Model) InjectContextReset(d slategpu.ContextResetData) {
	m.resetC <- d
	m.MTSSchedule()
}

// InjectPriorityRequest makes the model ask the host to change a context's
// priority, as the firmware's scheduling heuristics would.
func (m *Model) InjectPriorityRequest(contextID, priority uint32) {
	m.prioC <- slategpu.PriorityChangeData{ContextID: contextID, Priority: priority}
	m.MTSSchedule()
}

// Stats snapshots the model's counters.
func (m *Model) Stats() Stats {
	var s Stats
	s.Kicks = m.kicks.Load()
	for i := range s.JobsByDM {
		s.JobsByDM[i] = m.jobs[i].Load()
	}
	s.FenceStalls = m.fenceStalls.Load()
	s.UpdatesSignaled = m.updatesSignaled.Load()
	s.UpdatesErrored = m.updatesErrored.Load()
	s.Cleanups = m.cleanups.Load()
	s.SyncUpdates = m.syncUpdates.Load()
	s.MMUFlushes = m.mmuFlushes.Load()
	s.PowChanges = m.powChanges.Load()
	s.PowState = m.powState.Load()
	s.PriorityUpdates = m.priorityUpdates.Load()
	s.ResetsDelivered = m.resetsDelivered.Load()
	s.BadKicks = m.badKicks.Load()
	return s
}

func (m *Model) raiseIRQ() {
	if m.irq != nil {
		m.irq()
	}
}

func (m *Model) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopC:
			m.mem.Word32(slategpu.ConnectionCtlOffset + slategpu.ConnectionCtlFWState).Store(slategpu.FWStateOffline)
			return
		case d := <-m.resetC:
			m.deliverReset(d)
		case p := <-m.prioC:
			var n slategpu.FWCCBCmd
			n.Type = slategpu.FWCCBCmdPriorityChangeRequest
			n.SetPayload(&p)
			m.outbox = append(m.outbox, n)
			m.flushOutbox()
		case <-m.doorbell:
		case <-ticker.C:
		}
		if m.paused.Load() {
			continue
		}
		m.step()
	}
}

// step makes one full pass: drain the kernel ring, then advance every
// runnable queue until it parks or runs out of kicked work, then flush
// pending notifications.
func (m *Model) step() {
	m.drainKCCB()
	for _, q := range m.queues {
		for m.advanceQueue(q) {
		}
	}
	m.flushOutbox()
}

func (m *Model) drainKCCB() {
	for m.kccb.ReadAvail() >= slategpu.KCCBCmdBytes {
		b, ok := m.kccb.PeekRaw(slategpu.KCCBCmdBytes)
		if !ok {
			return
		}
		var cmd slategpu.KCCBCmd
		cmd.UnmarshalBytes(b)
		m.kccb.Advance(slategpu.KCCBCmdBytes)
		execErr := m.exec(&cmd)
		if cmd.RtnSlot != slategpu.KCCBRtnSlotNone {
			status := slategpu.KCCBRtnSlotProcessed
			if execErr != nil {
				status |= slategpu.KCCBRtnSlotError
			}
			slot := cmd.RtnSlot - 1
			if slot < m.kccbSlots {
				m.mem.Word32(m.rtnAddr + slategpu.FWAddr(slot*slategpu.KCCBRtnSlotBytes)).Store(status)
			}
			m.raiseIRQ()
		}
	}
}

func (m *Model) exec(cmd *slategpu.KCCBCmd) error {
	switch cmd.Type {
	case slategpu.KCCBCmdKickGeom, slategpu.KCCBCmdKickFrag, slategpu.KCCBCmdKickCDM, slategpu.KCCBCmdKickTransfer:
		var kd slategpu.KickData
		cmd.GetPayload(&kd)
		q, err := m.queue(kd.CtxFWAddr)
		if err != nil {
			m.badKicks.Add(1)
			log.Warningf("emu: dropping kick %v: %v", cmd.Type, err)
			return err
		}
		q.limit = kd.CCBWriteOffset
		m.kicks.Add(1)
	case slategpu.KCCBCmdCleanup:
		var cd slategpu.CleanupData
		cmd.GetPayload(&cd)
		if cd.Type == slategpu.CleanupTypeFWCommonContext {
			if q, ok := m.queues[cd.FWAddr]; ok {
				q.dead = true
				delete(m.queues, cd.FWAddr)
			}
		}
		m.cleanups.Add(1)
		var done slategpu.FWCCBCmd
		done.Type = slategpu.FWCCBCmdCleanupComplete
		done.SetPayload(&slategpu.CleanupCompleteData{Type: cd.Type, FWAddr: cd.FWAddr})
		m.outbox = append(m.outbox, done)
	case slategpu.KCCBCmdPowState:
		var pd slategpu.PowStateData
		cmd.GetPayload(&pd)
		if m.powState.Swap(pd.State) != pd.State {
			m.powChanges.Add(1)
		}
	case slategpu.KCCBCmdMMUFlush:
		m.mmuFlushes.Add(1)
	case slategpu.KCCBCmdSyncUpdate:
		// Host-resolved checkpoints; the per-queue passes below recheck
		// parked fences.
		m.syncUpdates.Add(1)
	case slategpu.KCCBCmdPriorityUpdate:
		var pd slategpu.PriorityChangeData
		cmd.GetPayload(&pd)
		for _, q := range m.queues {
			if q.ctx.ContextID == pd.ContextID {
				q.ctx.Priority = pd.Priority
			}
		}
		m.priorityUpdates.Add(1)
	default:
		return fmt.Errorf("emu: unknown kernel command type %d: %w", cmd.Type, drverr.EINVAL)
	}
	return nil
}

// queue returns the model's view of the ring behind a kick target, loading
// the FWCommonContext on first sight.
func (m *Model) queue(addr slategpu.FWAddr) (*fwQueue, error) {
	if q, ok := m.queues[addr]; ok {
		return q, nil
	}
	if addr == 0 {
		return nil, fmt.Errorf("kick with no context: %w", drverr.EINVAL)
	}
	var fc slategpu.FWCommonContext
	fc.UnmarshalBytes(m.mem.Slice(addr, slategpu.FWCommonContextBytes))
	if fc.CCBCtlAddr == 0 || fc.CCBAddr == 0 {
		return nil, fmt.Errorf("context %#x has no ring: %w", addr, drverr.EINVAL)
	}
	ring, err := ccb.New(m.mem, fc.CCBCtlAddr, fc.CCBAddr, fc.CCBSizeLog2)
	if err != nil {
		return nil, err
	}
	q := &fwQueue{addr: addr, ctx: fc, ring: ring, limit: ring.ReadOffset()}
	m.queues[addr] = q
	return q, nil
}

func (m *Model) word(addr slategpu.FWAddr) *atomic.Uint32 {
	return m.mem.Word32(addr &^ slategpu.UFOAddrCheckpointBit)
}

// advanceQueue consumes at most one record. Reports whether it consumed
// anything; false means the queue is parked, dead, or out of kicked work.
func (m *Model) advanceQueue(q *fwQueue) bool {
	if q.dead || q.ring.ReadOffset() == q.limit {
		return false
	}
	hdr, payload, ok := q.ring.PeekRecord()
	if !ok {
		return false
	}
	switch hdr.Type {
	case slategpu.CCBRecordPadding:
	case slategpu.CCBRecordFence:
		for off := 0; off < len(payload); off += slategpu.UFOBytes {
			var u slategpu.UFO
			u.UnmarshalBytes(payload[off : off+slategpu.UFOBytes])
			if m.word(u.Addr).Load() == u.Value {
				if !q.parked {
					q.parked = true
					m.fenceStalls.Add(1)
				}
				return false
			}
		}
		for off := 0; off < len(payload); off += slategpu.UFOBytes {
			var u slategpu.UFO
			u.UnmarshalBytes(payload[off : off+slategpu.UFOBytes])
			if u.Addr&slategpu.UFOAddrCheckpointBit != 0 &&
				m.word(u.Addr).Load() == slategpu.CheckpointErrored {
				q.errored = true
			}
		}
		q.parked = false
	case slategpu.CCBRecordGeom, slategpu.CCBRecordFrag, slategpu.CCBRecordCDM, slategpu.CCBRecordTransfer:
		if m.opts.JobLatency > 0 {
			time.Sleep(m.opts.JobLatency)
		}
		m.jobs[dmForRecord(hdr.Type)].Add(1)
	case slategpu.CCBRecordUpdate:
		var u slategpu.UFO
		u.UnmarshalBytes(payload[:slategpu.UFOBytes])
		m.applyUpdate(q, u)
		q.errored = false
	default:
		log.Warningf("emu: skipping unknown record type %v on ring %#x", hdr.Type, q.addr)
	}
	q.ring.Advance(slategpu.CCBRecordHeaderBytes + uint32(hdr.Size))
	return true
}

func (m *Model) applyUpdate(q *fwQueue, u slategpu.UFO) {
	w := m.word(u.Addr)
	if u.Addr&slategpu.UFOAddrCheckpointBit != 0 {
		state := u.Value
		if q.errored {
			state = slategpu.CheckpointErrored
		}
		// A host-side resolve may have raced us; the word stands either
		// way, transitions are monotone.
		if w.CompareAndSwap(slategpu.CheckpointActive, state) {
			if state == slategpu.CheckpointErrored {
				m.updatesErrored.Add(1)
			} else {
				m.updatesSignaled.Add(1)
			}
		}
	} else {
		w.Store(u.Value)
		m.updatesSignaled.Add(1)
	}
	m.raiseIRQ()
}

func (m *Model) deliverReset(d slategpu.ContextResetData) {
	for _, q := range m.queues {
		if d.Flags&slategpu.ContextResetFlagAllCtxs != 0 || q.ctx.ContextID == d.ContextID {
			q.dead = true
		}
	}
	var n slategpu.FWCCBCmd
	n.Type = slategpu.FWCCBCmdContextReset
	n.SetPayload(&d)
	m.outbox = append(m.outbox, n)
	m.resetsDelivered.Add(1)
	m.flushOutbox()
}

// flushOutbox publishes queued firmware notifications, stopping at a full
// ring and retrying on the next pass.
func (m *Model) flushOutbox() {
	sent := 0
	for _, n := range m.outbox {
		win, err := m.fwccb.AcquireSpace(slategpu.FWCCBCmdBytes)
		if err != nil {
			break
		}
		n.MarshalBytes(win.Bytes)
		m.fwccb.Commit()
		sent++
	}
	if sent > 0 {
		m.outbox = append(m.outbox[:0], m.outbox[sent:]...)
		m.raiseIRQ()
	}
}

func dmForRecord(t slategpu.CCBRecordType) slategpu.DM {
	switch t {
	case slategpu.CCBRecordGeom:
		return slategpu.DMGeom
	case slategpu.CCBRecordFrag:
		return slategpu.DMFrag
	case slategpu.CCBRecordCDM:
		return slategpu.DMCDM
	case slategpu.CCBRecordTransfer:
		return slategpu.DMTransfer
	}
	return 0
}
