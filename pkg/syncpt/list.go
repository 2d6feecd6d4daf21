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
	"sync"
)

// List is the global set of unresolved fences, polled by the completion
// worker. Operations under the list lock are short and never call back into
// fence code; finalization runs after the lock drops.
type List struct {
	mu sync.Mutex
	// +checklocks:mu
	fences map[*Fence]struct{}
}

// NewList creates an empty fence list.
func NewList() *List {
	return &List{fences: make(map[*Fence]struct{})}
}

func (l *List) add(f *Fence) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fences[f] = struct{}{}
}

// Len returns the number of unresolved fences.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fences)
}

// Outstanding counts listed fences accepted by pred. A fence stays listed
// until the worker sweeps it, so resolved-but-unfinalized fences count as
// outstanding; idle-waiters poll until the worker has caught up.
func (l *List) Outstanding(pred func(*Fence) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for f := range l.fences {
		if pred(f) {
			n++
		}
	}
	return n
}

// Sweep removes every resolved fence from the list and finalizes it:
// callbacks run, dependencies are released, waiters unblock, and the
// worker's reference drops. Safe to run spuriously; the caller is the
// single completion worker. Returns the number of fences finalized as
// signaled and as errored.
func (l *List) Sweep() (signaled, errored int) {
	var resolved []*Fence
	l.mu.Lock()
	for f := range l.fences {
		if f.Resolved() {
			resolved = append(resolved, f)
			delete(l.fences, f)
		}
	}
	l.mu.Unlock()

	for _, f := range resolved {
		if f.Errored() {
			errored++
		} else {
			signaled++
		}
		f.finalize()
		f.DecRef()
	}
	return signaled, errored
}

// FailMatching forces every unresolved fence accepted by pred to ERRORED.
// The transition is monotone, so fences that resolve concurrently are
// unaffected. The worker's next sweep finalizes them; callers that need
// waiters unblocked promptly should kick the worker. Returns the number of
// fences newly errored.
func (l *List) FailMatching(pred func(*Fence) bool) int {
	l.mu.Lock()
	var victims []*Fence
	for f := range l.fences {
		if pred(f) {
			victims = append(victims, f)
		}
	}
	l.mu.Unlock()

	n := 0
	for _, f := range victims {
		if f.SignalErrored() {
			n++
		}
	}
	return n
}
