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

// Package syncpt implements sync checkpoints and the fences built on them.
//
// A checkpoint is a 32-bit word in the firmware carveout holding ACTIVE,
// SIGNALED or ERRORED. Transitions are monotone, enforced by compare-and-
// swap: once a checkpoint leaves ACTIVE it never changes again, no matter
// how many host paths and firmware writes race to resolve it. The firmware
// resolves checkpoints through UPDATE records; the host resolves them when
// an imported fence's parent settles or when teardown forces an error.
//
// A Fence wraps one checkpoint. The checkpoint word is the authoritative
// state; the fence adds host-side plumbing: a dependency list that keeps
// parent fences alive until this fence resolves, resolution callbacks, and
// a done channel for host waiters. Fences are born with two references, the
// caller's and the completion worker's; the worker's is dropped when the
// worker finalizes the resolved fence during a List sweep.
//
// Lock ordering: at most one fence mutex is held at a time, and the List
// lock never nests with a fence mutex. Resolution callbacks and dependency
// releases run with no syncpt lock held, so they may re-enter any fence
// API.
package syncpt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"slate.dev/slate/pkg/abi/slategpu"
	"slate.dev/slate/pkg/drverr"
	"slate.dev/slate/pkg/fwmem"
	"slate.dev/slate/pkg/refs"
)

// Timeline mints fences. Each context owns one timeline per data master,
// and each open file owns one for imported fences. The kick callback, when
// set, runs after a host-side checkpoint write so the firmware rescans its
// wait lists promptly; the device coalesces these into non-counted
// SYNC_UPDATE commands.
type Timeline struct {
	mem  *fwmem.Carveout
	list *List
	name string
	kick func()

	nextID atomic.Uint64
}

// NewTimeline creates a timeline whose fences register on list. kick may be
// nil.
func NewTimeline(mem *fwmem.Carveout, list *List, name string, kick func()) *Timeline {
	return &Timeline{
		mem:  mem,
		list: list,
		name: name,
		kick: kick,
	}
}

// Name returns the timeline's name, for logs.
func (tl *Timeline) Name() string {
	return tl.name
}

// Fence is a host wait/signal handle over one sync checkpoint.
type Fence struct {
	refs.Refs

	tl   *Timeline
	id   uint64
	ckpt *fwmem.Region

	// done is closed when the completion worker finalizes the fence.
	done chan struct{}

	mu sync.Mutex

	// deps are the parent fences this fence waits on. Each entry holds a
	// reference that finalize drops.
	// +checklocks:mu
	deps []*Fence

	// claimed is set once this fence enters some dependency list. A
	// fence appears in at most one such list; later waiters import it
	// instead.
	// +checklocks:mu
	claimed bool

	// callbacks run at finalize. cbsTaken marks that finalize has
	// snapshotted them; late registrations run immediately.
	// +checklocks:mu
	callbacks []*callback
	// +checklocks:mu
	cbsTaken bool

	// imported, for fences minted by Import, records the parent binding
	// so DeactivateAndPut can cancel it.
	imported *importBinding
}

type callback struct {
	fn func(errored bool)
}

type importBinding struct {
	parent *Fence
	cb     *callback
}

// NewFence allocates a checkpoint in ACTIVE state and wraps it in a fence
// with two references: the caller's and the completion worker's. The fence
// is registered on the timeline's list for the worker to observe.
func (tl *Timeline) NewFence() (*Fence, error) {
	ckpt, err := tl.mem.Alloc(slategpu.CheckpointBytes, 0, fwmem.AllocZeroed|fwmem.AllocUncached)
	if err != nil {
		return nil, fmt.Errorf("fence checkpoint: %w", err)
	}
	f := &Fence{
		tl:   tl,
		id:   tl.nextID.Add(1),
		ckpt: ckpt,
		done: make(chan struct{}),
	}
	f.Init(f)
	f.IncRef() // the completion worker's reference
	tl.list.add(f)
	return f, nil
}

// Timeline returns the owning timeline.
func (f *Fence) Timeline() *Timeline {
	return f.tl
}

// ID returns the fence's monotonic id within its timeline.
func (f *Fence) ID() uint64 {
	return f.id
}

// State reads the checkpoint word with acquire ordering.
func (f *Fence) State() uint32 {
	return f.ckpt.Word32(0).Load()
}

// Resolved reports whether the checkpoint has left ACTIVE.
func (f *Fence) Resolved() bool {
	return f.State() != slategpu.CheckpointActive
}

// Errored reports whether the checkpoint resolved to ERRORED.
func (f *Fence) Errored() bool {
	return f.State() == slategpu.CheckpointErrored
}

// ToUFO encodes the firmware-side wait on this fence: the checkpoint's
// address with the checkpoint tag bit set, and ACTIVE as the value the
// firmware waits to see the word leave.
func (f *Fence) ToUFO() slategpu.UFO {
	return slategpu.UFO{
		Addr:  f.ckpt.FWAddr() | slategpu.UFOAddrCheckpointBit,
		Value: slategpu.CheckpointActive,
	}
}

// UpdateUFO encodes the firmware-side update that resolves this fence.
func (f *Fence) UpdateUFO() slategpu.UFO {
	return slategpu.UFO{
		Addr:  f.ckpt.FWAddr() | slategpu.UFOAddrCheckpointBit,
		Value: slategpu.CheckpointSignaled,
	}
}

// Signal resolves the checkpoint to SIGNALED from the host side. Returns
// whether this call made the transition; signaling a non-ACTIVE fence is a
// no-op.
func (f *Fence) Signal() bool {
	return f.hostResolve(slategpu.CheckpointSignaled)
}

// SignalErrored resolves the checkpoint to ERRORED from the host side.
// Returns whether this call made the transition.
func (f *Fence) SignalErrored() bool {
	return f.hostResolve(slategpu.CheckpointErrored)
}

func (f *Fence) hostResolve(state uint32) bool {
	if !f.ckpt.Word32(0).CompareAndSwap(slategpu.CheckpointActive, state) {
		return false
	}
	if f.tl.kick != nil {
		f.tl.kick()
	}
	return true
}

// AddDependency makes parent a dependency of f: f holds a reference on
// parent until f resolves. A fence may appear in at most one dependency
// list; a second waiter must import the parent instead. Fails with EINVAL
// on self-dependency or an already claimed parent.
//
// Cycle freedom is by construction: callers only ever depend on fences that
// existed before f did.
func (f *Fence) AddDependency(parent *Fence) error {
	if parent == f {
		return fmt.Errorf("fence %s:%d depending on itself: %w", f.tl.name, f.id, drverr.EINVAL)
	}
	parent.mu.Lock()
	if parent.claimed {
		parent.mu.Unlock()
		return fmt.Errorf("fence %s:%d already in a dependency list: %w", parent.tl.name, parent.id, drverr.EINVAL)
	}
	parent.claimed = true
	parent.mu.Unlock()

	parent.IncRef()
	f.mu.Lock()
	f.deps = append(f.deps, parent)
	f.mu.Unlock()
	return nil
}

// Dependencies returns a snapshot of f's dependency list.
func (f *Fence) Dependencies() []*Fence {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Fence(nil), f.deps...)
}

// onResolve registers cb to run when f is finalized. If f was already
// finalized, cb runs synchronously before onResolve returns.
func (f *Fence) onResolve(cb *callback) {
	f.mu.Lock()
	if f.cbsTaken {
		f.mu.Unlock()
		cb.fn(f.Errored())
		return
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

// removeCallback unregisters cb. Returns false if finalize already took it,
// in which case cb has run or will run.
func (f *Fence) removeCallback(cb *callback) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.callbacks {
		if c == cb {
			f.callbacks = append(f.callbacks[:i], f.callbacks[i+1:]...)
			return true
		}
	}
	return false
}

// OnResolve arranges for fn to run with f's terminal error state once the
// completion worker finalizes f. If f was already finalized, fn runs
// synchronously before OnResolve returns. The returned cancel unregisters
// fn and reports whether it will never run; a false return means fn has run
// or is running on another goroutine.
//
// fn runs without fence locks held and must not block the worker.
func (f *Fence) OnResolve(fn func(errored bool)) (cancel func() bool) {
	cb := &callback{fn: fn}
	f.onResolve(cb)
	return func() bool { return f.removeCallback(cb) }
}

// Import mints a fence on tl that resolves when parent does, in the same
// direction: the child's checkpoint is written SIGNALED or ERRORED by the
// parent's finalize. Importing is how a fence gains more than one waiter
// and how externally produced fences enter a context's wait graph.
func (tl *Timeline) Import(parent *Fence) (*Fence, error) {
	child, err := tl.NewFence()
	if err != nil {
		return nil, err
	}
	child.IncRef() // held by the callback until it runs or is canceled
	cb := &callback{}
	cb.fn = func(errored bool) {
		if errored {
			child.SignalErrored()
		} else {
			child.Signal()
		}
		child.DecRef()
	}
	child.imported = &importBinding{parent: parent, cb: cb}
	parent.onResolve(cb)
	return child, nil
}

// DeactivateAndPut settles a fence that will never be consumed as planned
// and drops the caller's reference. For imported fences whose parent has
// not resolved, the parent callback is canceled; in every case the fence is
// forced to ERRORED if still ACTIVE, and the completion worker finalizes it
// on its next sweep, releasing any dependencies that were added.
func (f *Fence) DeactivateAndPut() {
	if b := f.imported; b != nil {
		if b.parent.removeCallback(b.cb) {
			// The callback will never run; drop its reference.
			f.DecRef()
		}
		// Otherwise the callback has run or is running. Its CAS and
		// ours are both monotone, so whichever lands first decides
		// the state and the other is a no-op.
	}
	f.SignalErrored()
	f.DecRef()
}

// Wait blocks until the completion worker finalizes f or ctx expires.
// Returns EIO if the fence resolved to ERRORED.
func (f *Fence) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		if f.Errored() {
			return fmt.Errorf("fence %s:%d resolved with device error: %w", f.tl.name, f.id, drverr.EIO)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for fence %s:%d: %w", f.tl.name, f.id, drverr.ETIMEDOUT)
	}
}

// Done returns a channel closed when the worker finalizes f.
func (f *Fence) Done() <-chan struct{} {
	return f.done
}

// finalize performs the host side of resolution: runs callbacks, releases
// the dependency list, closes done. Called exactly once, by the worker
// sweep that collected f from the list, or by teardown for fences the
// worker never saw. No fence lock is held while callbacks or DecRefs run.
func (f *Fence) finalize() {
	f.mu.Lock()
	cbs := f.callbacks
	f.callbacks = nil
	f.cbsTaken = true
	deps := f.deps
	f.deps = nil
	f.mu.Unlock()

	errored := f.Errored()
	for _, cb := range cbs {
		cb.fn(errored)
	}
	for _, p := range deps {
		p.DecRef()
	}
	close(f.done)
}

// DecRef drops a reference, destroying the fence and its checkpoint at
// zero.
func (f *Fence) DecRef() {
	f.Refs.DecRef(func() {
		f.ckpt.DecRef()
	})
}

// RefType implements refs.CheckedObject.RefType.
func (f *Fence) RefType() string {
	return "syncpt.Fence"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (f *Fence) LeakMessage() string {
	return fmt.Sprintf("[syncpt.Fence %s:%d state=%s] leaked", f.tl.name, f.id, slategpu.CheckpointStateString(f.State()))
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (f *Fence) LogRefs() bool {
	return false
}
