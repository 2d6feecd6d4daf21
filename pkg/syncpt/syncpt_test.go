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

package syncpt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"slate.dev/slate/pkg/abi/slategpu"
	"slate.dev/slate/pkg/drverr"
	"slate.dev/slate/pkg/fwmem"
)

type testEnv struct {
	mem   *fwmem.Carveout
	list  *List
	tl    *Timeline
	kicks atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem, err := fwmem.New(slategpu.FWCodeBytes + 1<<20)
	if err != nil {
		t.Fatalf("fwmem.New failed: %v", err)
	}
	env := &testEnv{mem: mem, list: NewList()}
	env.tl = NewTimeline(mem, env.list, "test", func() { env.kicks.Add(1) })
	return env
}

func (env *testEnv) newFence(t *testing.T) *Fence {
	t.Helper()
	f, err := env.tl.NewFence()
	if err != nil {
		t.Fatalf("NewFence failed: %v", err)
	}
	return f
}

// drain errors every fence still outstanding and sweeps until the list is
// empty, so tests end with all checkpoints returned to the heap.
func (env *testEnv) drain() {
	env.list.FailMatching(func(*Fence) bool { return true })
	env.list.Sweep()
}

func TestUFOTagging(t *testing.T) {
	env := newTestEnv(t)
	defer env.drain()
	f := env.newFence(t)
	defer f.DecRef()

	ufo := f.ToUFO()
	if ufo.Addr&slategpu.UFOAddrCheckpointBit == 0 {
		t.Errorf("ToUFO().Addr = %#x lacks the checkpoint bit", ufo.Addr)
	}
	if ufo.Addr&^slategpu.UFOAddrCheckpointBit == 0 {
		t.Errorf("ToUFO().Addr = %#x has a zero checkpoint address", ufo.Addr)
	}
	if ufo.Value != slategpu.CheckpointActive {
		t.Errorf("ToUFO().Value = %d, want ACTIVE", ufo.Value)
	}
	up := f.UpdateUFO()
	if up.Addr != ufo.Addr || up.Value != slategpu.CheckpointSignaled {
		t.Errorf("UpdateUFO() = %+v, want same address with SIGNALED", up)
	}
}

func TestMonotoneTransitions(t *testing.T) {
	env := newTestEnv(t)
	defer env.drain()

	f := env.newFence(t)
	defer f.DecRef()
	if !f.Signal() {
		t.Fatal("Signal on ACTIVE fence did not transition")
	}
	if f.SignalErrored() {
		t.Fatal("SignalErrored transitioned a SIGNALED fence")
	}
	if got := f.State(); got != slategpu.CheckpointSignaled {
		t.Fatalf("state = %s after signal races, want SIGNALED", slategpu.CheckpointStateString(got))
	}

	g := env.newFence(t)
	defer g.DecRef()
	if !g.SignalErrored() {
		t.Fatal("SignalErrored on ACTIVE fence did not transition")
	}
	if g.Signal() {
		t.Fatal("Signal transitioned an ERRORED fence")
	}
}

func TestConcurrentResolveHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	defer env.drain()
	f := env.newFence(t)
	defer f.DecRef()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		errored := i%2 == 0
		wg.Add(1)
		go func() {
			defer wg.Done()
			won := false
			if errored {
				won = f.SignalErrored()
			} else {
				won = f.Signal()
			}
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("%d racers claimed the ACTIVE to resolved transition, want 1", got)
	}
	if !f.Resolved() {
		t.Fatal("fence unresolved after 16 racers")
	}
}

func TestSweepFinalizes(t *testing.T) {
	env := newTestEnv(t)
	f := env.newFence(t)

	if s, e := env.list.Sweep(); s != 0 || e != 0 {
		t.Fatalf("Sweep() = (%d, %d) with only an ACTIVE fence, want (0, 0)", s, e)
	}
	select {
	case <-f.Done():
		t.Fatal("done channel closed before resolution")
	default:
	}

	f.Signal()
	if s, e := env.list.Sweep(); s != 1 || e != 0 {
		t.Fatalf("Sweep() = (%d, %d) after signal, want (1, 0)", s, e)
	}
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("Wait on signaled fence failed: %v", err)
	}
	if got := f.ReadRefs(); got != 1 {
		t.Fatalf("ReadRefs() = %d after sweep, want 1 (caller only)", got)
	}
	if got := env.list.Len(); got != 0 {
		t.Fatalf("list.Len() = %d after sweep, want 0", got)
	}
	f.DecRef()
}

func TestDependencyLifetimes(t *testing.T) {
	env := newTestEnv(t)
	parent := env.newFence(t)
	child := env.newFence(t)

	if err := child.AddDependency(parent); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	if got := parent.ReadRefs(); got != 3 {
		t.Fatalf("parent ReadRefs() = %d after claim, want 3 (caller, worker, child)", got)
	}

	// A fence enters at most one dependency list.
	other := env.newFence(t)
	if err := other.AddDependency(parent); !errors.Is(err, drverr.EINVAL) {
		t.Fatalf("second AddDependency: err = %v, want EINVAL", err)
	}

	parent.Signal()
	env.list.Sweep()
	if got := parent.ReadRefs(); got != 2 {
		t.Fatalf("parent ReadRefs() = %d after parent sweep, want 2 (child still holds it)", got)
	}

	child.Signal()
	env.list.Sweep()
	if got := parent.ReadRefs(); got != 1 {
		t.Fatalf("parent ReadRefs() = %d after child finalize, want 1", got)
	}

	other.DeactivateAndPut()
	env.list.Sweep()
	parent.DecRef()
	child.DecRef()
}

func TestDependencyClosureIsAcyclic(t *testing.T) {
	env := newTestEnv(t)
	defer env.drain()

	a := env.newFence(t)
	b := env.newFence(t)
	c := env.newFence(t)
	defer a.DecRef()
	defer b.DecRef()
	defer c.DecRef()
	if err := b.AddDependency(a); err != nil {
		t.Fatalf("AddDependency(b, a) failed: %v", err)
	}
	if err := c.AddDependency(b); err != nil {
		t.Fatalf("AddDependency(c, b) failed: %v", err)
	}

	visited := make(map[*Fence]bool)
	var walk func(f *Fence, stack map[*Fence]bool)
	walk = func(f *Fence, stack map[*Fence]bool) {
		if stack[f] {
			t.Fatalf("cycle through fence %s:%d", f.Timeline().Name(), f.ID())
		}
		if visited[f] {
			return
		}
		visited[f] = true
		stack[f] = true
		for _, p := range f.Dependencies() {
			walk(p, stack)
		}
		delete(stack, f)
	}
	walk(c, make(map[*Fence]bool))
	if len(visited) != 3 {
		t.Fatalf("closure visited %d fences, want 3", len(visited))
	}
}

func TestImportPropagation(t *testing.T) {
	for _, tc := range []struct {
		name    string
		resolve func(*Fence) bool
		want    uint32
	}{
		{"signaled", (*Fence).Signal, slategpu.CheckpointSignaled},
		{"errored", (*Fence).SignalErrored, slategpu.CheckpointErrored},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			parent := env.newFence(t)
			child, err := env.tl.Import(parent)
			if err != nil {
				t.Fatalf("Import failed: %v", err)
			}
			if child.Resolved() {
				t.Fatal("imported fence resolved before its parent")
			}

			tc.resolve(parent)
			env.list.Sweep() // finalizes parent, runs the import callback
			if got := child.State(); got != tc.want {
				t.Fatalf("child state = %s, want %s",
					slategpu.CheckpointStateString(got), slategpu.CheckpointStateString(tc.want))
			}
			if env.kicks.Load() == 0 {
				t.Fatal("host-side resolution did not request a firmware kick")
			}
			env.list.Sweep() // finalizes child
			parent.DecRef()
			child.DecRef()
		})
	}
}

func TestImportOfFinalizedParent(t *testing.T) {
	env := newTestEnv(t)
	parent := env.newFence(t)
	parent.Signal()
	env.list.Sweep()

	child, err := env.tl.Import(parent)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if !child.Resolved() {
		t.Fatal("import of a finalized parent did not resolve immediately")
	}
	env.list.Sweep()
	parent.DecRef()
	child.DecRef()
}

func TestDeactivateAndPut(t *testing.T) {
	env := newTestEnv(t)
	heap := env.mem.HeapFree()

	parent := env.newFence(t)
	child, err := env.tl.Import(parent)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	child.DeactivateAndPut()
	if !child.Errored() {
		t.Fatal("deactivated fence not ERRORED")
	}

	// The canceled callback must not fire when the parent resolves.
	parent.Signal()
	env.list.Sweep()
	if got := child.State(); got != slategpu.CheckpointErrored {
		t.Fatalf("child state = %s after parent signal, want ERRORED", slategpu.CheckpointStateString(got))
	}
	parent.DecRef()
	env.list.Sweep()

	if got := env.mem.HeapFree(); got != heap {
		t.Fatalf("HeapFree() = %#x after teardown, want %#x (checkpoint leaked)", got, heap)
	}
}

func TestWaitTimeout(t *testing.T) {
	env := newTestEnv(t)
	f := env.newFence(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := f.Wait(ctx); !errors.Is(err, drverr.ETIMEDOUT) {
		t.Fatalf("Wait on unresolved fence: err = %v, want ETIMEDOUT", err)
	}

	env.drain()
	f.DecRef()
}

func TestWaitReportsError(t *testing.T) {
	env := newTestEnv(t)
	f := env.newFence(t)
	f.SignalErrored()
	env.list.Sweep()
	if err := f.Wait(context.Background()); !errors.Is(err, drverr.EIO) {
		t.Fatalf("Wait on errored fence: err = %v, want EIO", err)
	}
	f.DecRef()
}

func TestFailMatching(t *testing.T) {
	env := newTestEnv(t)
	other := NewTimeline(env.mem, env.list, "other", nil)

	f1 := env.newFence(t)
	f2 := env.newFence(t)
	f3, err := other.NewFence()
	if err != nil {
		t.Fatalf("NewFence failed: %v", err)
	}

	n := env.list.FailMatching(func(f *Fence) bool { return f.Timeline() == env.tl })
	if n != 2 {
		t.Fatalf("FailMatching errored %d fences, want 2", n)
	}
	if !f1.Errored() || !f2.Errored() {
		t.Fatal("matching fences not errored")
	}
	if f3.Resolved() {
		t.Fatal("non-matching fence resolved")
	}

	env.drain()
	f1.DecRef()
	f2.DecRef()
	f3.DecRef()
}
