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

	"slate.dev/slate/pkg/drverr"
	"slate.dev/slate/pkg/gem"
	"slate.dev/slate/pkg/log"
	"slate.dev/slate/pkg/syncpt"
)

// File is one open of the device: the handle namespaces for contexts,
// buffer objects, and syncobjs, plus the import timeline null jobs and
// idle accounting hang off.
type File struct {
	dev        *Device
	privileged bool

	importTL *syncpt.Timeline

	contexts *table[*Context]
	objects  *table[*gem.Object]
	syncobjs *table[*Syncobj]

	tlMu sync.Mutex
	// timelines is the set this file has minted fences on; the fail and
	// idle predicates match against it. Entries are never removed, a
	// dead timeline simply stops producing fences.
	// +checklocks:tlMu
	timelines map[*syncpt.Timeline]struct{}

	closed atomic.Bool
}

// OpenFile opens the device. privileged callers may create high-priority
// contexts.
func (d *Device) OpenFile(privileged bool) *File {
	f := &File{
		dev:        d,
		privileged: privileged,
		contexts:   newTable[*Context](),
		objects:    newTable[*gem.Object](),
		syncobjs:   newTable[*Syncobj](),
		timelines:  make(map[*syncpt.Timeline]struct{}),
	}
	id := d.nextFileID.Add(1)
	f.importTL = syncpt.NewTimeline(d.mem, d.list, fmt.Sprintf("file%d/import", id), d.scheduleSyncKick)
	f.timelines[f.importTL] = struct{}{}
	return f
}

func (f *File) trackContext(c *Context) {
	f.tlMu.Lock()
	defer f.tlMu.Unlock()
	for _, q := range c.queues {
		f.timelines[q.tl] = struct{}{}
	}
}

// ownsFence reports whether fe was minted on one of this file's timelines.
func (f *File) ownsFence(fe *syncpt.Fence) bool {
	f.tlMu.Lock()
	defer f.tlMu.Unlock()
	_, ok := f.timelines[fe.Timeline()]
	return ok
}

// CreateObject creates a buffer object of the given byte size and returns
// its handle.
func (f *File) CreateObject(size uint64) (uint32, error) {
	if size == 0 {
		return 0, fmt.Errorf("zero-sized buffer object: %w", drverr.EINVAL)
	}
	return f.objects.Put(gem.New(size)), nil
}

// DestroyObject drops the handle; the object lives on while reservations
// or submissions reference it.
func (f *File) DestroyObject(h uint32) error {
	o, err := f.objects.Remove(h)
	if err != nil {
		return err
	}
	o.DecRef()
	return nil
}

// Object returns the buffer object under h with a new reference.
func (f *File) Object(h uint32) (*gem.Object, error) {
	return f.objects.Get(h)
}

// CreateSyncobj creates an empty syncobj and returns its handle.
func (f *File) CreateSyncobj() uint32 {
	return f.syncobjs.Put(NewSyncobj())
}

// DestroySyncobj drops the handle.
func (f *File) DestroySyncobj(h uint32) error {
	s, err := f.syncobjs.Remove(h)
	if err != nil {
		return err
	}
	s.DecRef()
	return nil
}

// SyncobjFence returns the fence currently held by the syncobj with a new
// reference, or nil if the slot is empty.
func (f *File) SyncobjFence(h uint32) (*syncpt.Fence, error) {
	s, err := f.syncobjs.Get(h)
	if err != nil {
		return nil, err
	}
	fe := s.Fence()
	s.DecRef()
	return fe, nil
}

// WaitSyncobj blocks until the syncobj's fence resolves or ctx expires.
// Waiting on an empty syncobj fails with EINVAL.
func (f *File) WaitSyncobj(ctx context.Context, h uint32) error {
	fe, err := f.SyncobjFence(h)
	if err != nil {
		return err
	}
	if fe == nil {
		return fmt.Errorf("wait on empty syncobj %d: %w", h, drverr.EINVAL)
	}
	err = fe.Wait(ctx)
	fe.DecRef()
	return err
}

// FailFences force-errors every outstanding fence minted through this
// file. Returns the number of fences newly errored; the completion worker
// finalizes them on its next sweep.
func (f *File) FailFences() int {
	n := f.dev.list.FailMatching(f.ownsFence)
	if n > 0 {
		f.dev.wakeWorker()
	}
	return n
}

// WaitIdle blocks until no fence of this file remains outstanding or
// timeout passes. The wait is coarse: it polls the completion worker's
// progress rather than subscribing to individual fences.
func (f *File) WaitIdle(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for f.dev.list.Outstanding(f.ownsFence) > 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("file busy after %v: %w", timeout, drverr.ETIMEDOUT)
		}
		f.dev.wakeWorker()
		time.Sleep(200 * time.Microsecond)
	}
	return nil
}

// Close tears the file down: a grace wait for outstanding work, then
// force-erroring whatever remains, then dropping every handle. Contexts
// released here go through the regular firmware cleanup handshake.
// Idempotent; returns ETIMEDOUT if the grace window expired.
func (f *File) Close(grace time.Duration) error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	idleErr := f.WaitIdle(grace)
	if n := f.FailFences(); n > 0 {
		log.Warningf("slate: file close errored %d outstanding fences", n)
		// Let the worker finalize them so dependency references unwind
		// before the handles below drop.
		settle := time.Now().Add(100 * time.Millisecond)
		for f.dev.list.Outstanding(f.ownsFence) > 0 && time.Now().Before(settle) {
			f.dev.wakeWorker()
			time.Sleep(200 * time.Microsecond)
		}
	}
	f.syncobjs.Drain(func(_ uint32, s *Syncobj) { s.DecRef() })
	f.objects.Drain(func(_ uint32, o *gem.Object) { o.DecRef() })
	f.contexts.Drain(func(_ uint32, c *Context) {
		f.dev.unregisterCtx(c)
		c.DecRef()
	})
	return idleErr
}
