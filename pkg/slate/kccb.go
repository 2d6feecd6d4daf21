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
	"time"

	"slate.dev/slate/pkg/abi/slategpu"
	"slate.dev/slate/pkg/ccb"
	"slate.dev/slate/pkg/drverr"
	"slate.dev/slate/pkg/log"
)

// kernelCCB serializes producers of the kernel ring and tracks return
// slots. The ring size is a multiple of the slot size, so slots never need
// padding and never straddle the wrap.
type kernelCCB struct {
	dev *Device

	mu sync.Mutex
	// +checklocks:mu
	ring *ccb.Ring
	// inUse marks allocated return slots.
	// +checklocks:mu
	inUse []bool
	// pending maps return slots to their waiters. A slot leaves pending
	// when the worker signals it; it leaves inUse when the waiter (or,
	// for abandoned slots, the worker) releases it.
	// +checklocks:mu
	pending map[uint32]*rtnWaiter
}

type rtnWaiter struct {
	ch chan struct{}
	// abandoned means the waiter timed out; the worker frees the slot
	// when the firmware eventually writes it. Guarded by kernelCCB.mu.
	abandoned bool
}

func (k *kernelCCB) init(dev *Device, ring *ccb.Ring, slots uint32) {
	k.dev = dev
	k.ring = ring
	k.inUse = make([]bool, slots)
	k.pending = make(map[uint32]*rtnWaiter)
}

// post writes one command into the kernel ring and rings the doorbell. If
// prepublish is non-nil it runs under the ring mutex after slot space is
// reserved and before the command is marshaled: pairing a client-ring
// Commit with the kick that announces it makes the two publications atomic
// with respect to the firmware. Returns EBUSY, staging nothing, if the ring
// is full.
func (k *kernelCCB) post(cmd *slategpu.KCCBCmd, prepublish func()) error {
	k.mu.Lock()
	win, err := k.ring.AcquireSpace(slategpu.KCCBCmdBytes)
	if err != nil {
		k.mu.Unlock()
		return err
	}
	if prepublish != nil {
		prepublish()
	}
	cmd.MarshalBytes(win.Bytes)
	k.ring.Commit()
	k.mu.Unlock()
	k.dev.proc.MTSSchedule()
	return nil
}

// postWithResponse posts cmd with a return slot and blocks until the
// firmware writes the slot's status word or timeout passes. On timeout the
// slot is abandoned to the worker rather than reused.
func (k *kernelCCB) postWithResponse(cmd *slategpu.KCCBCmd, timeout time.Duration) error {
	k.mu.Lock()
	slot, ok := k.takeSlotLocked()
	if !ok {
		k.mu.Unlock()
		return fmt.Errorf("kernel CCB return slots exhausted: %w", drverr.EBUSY)
	}
	w := &rtnWaiter{ch: make(chan struct{}, 1)}
	k.pending[slot] = w
	// The status word must read EMPTY before the firmware can see the
	// command.
	k.dev.rtnWord(slot).Store(slategpu.KCCBRtnSlotEmpty)
	cmd.RtnSlot = slot + 1
	win, err := k.ring.AcquireSpace(slategpu.KCCBCmdBytes)
	if err != nil {
		delete(k.pending, slot)
		k.inUse[slot] = false
		k.mu.Unlock()
		return err
	}
	cmd.MarshalBytes(win.Bytes)
	k.ring.Commit()
	k.mu.Unlock()
	k.dev.proc.MTSSchedule()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-w.ch:
	case <-t.C:
		k.mu.Lock()
		if _, waiting := k.pending[slot]; waiting {
			w.abandoned = true
			k.mu.Unlock()
			k.dev.health.firmwareTimeouts.Add(1)
			return fmt.Errorf("kernel command %v: %w", cmd.Type, drverr.ETIMEDOUT)
		}
		// The response landed as the timer fired.
		k.mu.Unlock()
	}
	status := k.dev.rtnWord(slot).Load()
	k.releaseSlot(slot)
	if status&slategpu.KCCBRtnSlotError != 0 {
		return fmt.Errorf("kernel command %v rejected by firmware: %w", cmd.Type, drverr.EIO)
	}
	return nil
}

// +checklocks:k.mu
func (k *kernelCCB) takeSlotLocked() (uint32, bool) {
	for i, busy := range k.inUse {
		if !busy {
			k.inUse[i] = true
			return uint32(i), true
		}
	}
	return 0, false
}

func (k *kernelCCB) releaseSlot(slot uint32) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.inUse[slot] = false
}

// scanReturnSlots signals waiters whose status word the firmware has
// written, and reclaims slots whose waiters gave up. Worker only.
func (k *kernelCCB) scanReturnSlots() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for slot, w := range k.pending {
		if k.dev.rtnWord(slot).Load() == slategpu.KCCBRtnSlotEmpty {
			continue
		}
		delete(k.pending, slot)
		if w.abandoned {
			k.inUse[slot] = false
			log.Debugf("slate: reclaimed abandoned return slot %d", slot)
			continue
		}
		w.ch <- struct{}{}
	}
}
