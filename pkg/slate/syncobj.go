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

	"slate.dev/slate/pkg/refs"
	"slate.dev/slate/pkg/syncpt"
)

// Syncobj is a userspace-visible slot holding at most one fence. Submission
// reads wait handles through it and publishes out-fences into it.
type Syncobj struct {
	refs.Refs

	mu sync.Mutex
	// +checklocks:mu
	fence *syncpt.Fence
}

// NewSyncobj returns an empty syncobj with one reference.
func NewSyncobj() *Syncobj {
	s := &Syncobj{}
	s.Init(s)
	return s
}

// Fence returns the held fence with a new reference, or nil if the slot is
// empty.
func (s *Syncobj) Fence() *syncpt.Fence {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fence != nil {
		s.fence.IncRef()
	}
	return s.fence
}

// Replace installs f (which may be nil), dropping the slot's reference on
// the previous fence.
func (s *Syncobj) Replace(f *syncpt.Fence) {
	if f != nil {
		f.IncRef()
	}
	s.mu.Lock()
	old := s.fence
	s.fence = f
	s.mu.Unlock()
	if old != nil {
		old.DecRef()
	}
}

func (s *Syncobj) destroy() {
	s.Replace(nil)
}

// DecRef drops a reference.
func (s *Syncobj) DecRef() {
	s.Refs.DecRef(s.destroy)
}

// RefType implements refs.CheckedObject.RefType.
func (s *Syncobj) RefType() string {
	return "slate.Syncobj"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (s *Syncobj) LeakMessage() string {
	return fmt.Sprintf("[slate.Syncobj %p] reference count of %d instead of 0", s, s.ReadRefs())
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (s *Syncobj) LogRefs() bool {
	return false
}
