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

// Package gem provides the sliver of buffer-object management the
// submission core needs: reference-counted objects carrying a reservation,
// the per-buffer fence slots that implicit synchronization reads and
// writes.
//
// A reservation holds one exclusive fence and any number of shared fences.
// Submissions attach their out-fence as the new exclusive fence; the
// previous exclusive fence is collected as a dependency (always) or demoted
// to a shared slot (read intents), and shared slots are collected and
// cleared by write intents. Waiting on a fence transitively covers
// everything that fence itself waited on, which is what makes the
// exclusive-attach scheme sound for readers.
//
// Reservations are locked around collect/attach; multi-object submissions
// take the locks in creation order via LockAll to stay deadlock free.
package gem

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"slate.dev/slate/pkg/refs"
	"slate.dev/slate/pkg/syncpt"
)

var nextSeq atomic.Uint64

// Object is a buffer object as the submission core sees it: a size, an
// identity, and a reservation. Storage, mapping and eviction belong to
// collaborators.
type Object struct {
	refs.Refs

	seq  uint64
	size uint64

	mu sync.Mutex

	// excl is the fence the next user of the buffer must wait on.
	// +checklocks:mu
	excl *syncpt.Fence

	// shared are fences of readers that the next writer must wait on.
	// +checklocks:mu
	shared []*syncpt.Fence
}

// New creates an object with one reference.
func New(size uint64) *Object {
	o := &Object{
		seq:  nextSeq.Add(1),
		size: size,
	}
	o.Init(o)
	return o
}

// Size returns the object's size in bytes.
func (o *Object) Size() uint64 {
	return o.size
}

// Lock acquires the reservation lock. Use LockAll for more than one object.
func (o *Object) Lock() {
	o.mu.Lock()
}

// Unlock releases the reservation lock.
func (o *Object) Unlock() {
	o.mu.Unlock()
}

// Fences returns the fences a new user with the given intent must wait on:
// the exclusive fence always, the shared fences only for writers. The
// returned fences are kept alive by the reservation slots; callers import
// what they need before unlocking.
//
// Precondition: the reservation is locked.
func (o *Object) Fences(write bool) []*syncpt.Fence {
	var out []*syncpt.Fence
	if o.excl != nil {
		out = append(out, o.excl)
	}
	if write {
		out = append(out, o.shared...)
	}
	return out
}

// Attach installs out as the reservation's exclusive fence. For write
// intents the shared slots are cleared (the writer waited on them); for
// read intents the previous exclusive fence is demoted to a shared slot so
// later writers still see it. The reservation takes its own reference on
// out.
//
// Precondition: the reservation is locked.
func (o *Object) Attach(out *syncpt.Fence, write bool) {
	out.IncRef()
	prev := o.excl
	o.excl = out
	if write {
		for _, f := range o.shared {
			f.DecRef()
		}
		o.shared = nil
		if prev != nil {
			prev.DecRef()
		}
		return
	}
	if prev != nil {
		o.shared = append(o.shared, prev) // keeps prev's slot reference
	}
}

// Snapshot captures the reservation slots, taking a reference on each, so a
// failed submission can restore them exactly.
//
// Precondition: the reservation is locked.
func (o *Object) Snapshot() ResvSnapshot {
	s := ResvSnapshot{obj: o, excl: o.excl, shared: append([]*syncpt.Fence(nil), o.shared...)}
	if s.excl != nil {
		s.excl.IncRef()
	}
	for _, f := range s.shared {
		f.IncRef()
	}
	return s
}

// ResvSnapshot is a point-in-time copy of one reservation's slots.
type ResvSnapshot struct {
	obj    *Object
	excl   *syncpt.Fence
	shared []*syncpt.Fence
}

// Restore puts the snapshotted slots back, dropping whatever the
// reservation holds now. The snapshot's references transfer to the slots;
// the snapshot must not be used again.
//
// Precondition: the reservation is locked.
func (s ResvSnapshot) Restore() {
	o := s.obj
	if o.excl != nil {
		o.excl.DecRef()
	}
	for _, f := range o.shared {
		f.DecRef()
	}
	o.excl = s.excl
	o.shared = s.shared
}

// Release discards the snapshot after a successful submission, dropping its
// references.
func (s ResvSnapshot) Release() {
	if s.excl != nil {
		s.excl.DecRef()
	}
	for _, f := range s.shared {
		f.DecRef()
	}
}

// LockAll locks the reservations of every distinct object in objs in
// creation order and returns the matching unlock function. Taking them in
// one global order keeps concurrent multi-buffer submissions deadlock free.
func LockAll(objs []*Object) (unlock func()) {
	distinct := make([]*Object, 0, len(objs))
	seen := make(map[*Object]struct{}, len(objs))
	for _, o := range objs {
		if _, ok := seen[o]; !ok {
			seen[o] = struct{}{}
			distinct = append(distinct, o)
		}
	}
	sort.Slice(distinct, func(i, j int) bool { return distinct[i].seq < distinct[j].seq })
	for _, o := range distinct {
		o.Lock()
	}
	return func() {
		for i := len(distinct) - 1; i >= 0; i-- {
			distinct[i].Unlock()
		}
	}
}

// DecRef drops a reference. Destruction releases the reservation's fence
// references.
func (o *Object) DecRef() {
	o.Refs.DecRef(func() {
		if o.excl != nil {
			o.excl.DecRef()
		}
		for _, f := range o.shared {
			f.DecRef()
		}
	})
}

// RefType implements refs.CheckedObject.RefType.
func (o *Object) RefType() string {
	return "gem.Object"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (o *Object) LeakMessage() string {
	return fmt.Sprintf("[gem.Object #%d size=%d] leaked", o.seq, o.size)
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (o *Object) LogRefs() bool {
	return false
}
