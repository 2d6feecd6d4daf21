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

	"slate.dev/slate/pkg/drverr"
)

// ref is the reference-counting surface of table entries.
type ref interface {
	IncRef()
	DecRef()
}

// table maps uint32 handles to reference-counted objects. Handle 0 is
// never allocated, so zero-valued arguments fail lookups cleanly.
type table[T ref] struct {
	mu sync.Mutex
	// +checklocks:mu
	m map[uint32]T
	// +checklocks:mu
	next uint32
}

func newTable[T ref]() *table[T] {
	return &table[T]{m: make(map[uint32]T)}
}

// Put inserts v under a fresh handle, taking ownership of one reference.
func (t *table[T]) Put(v T) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		t.next++
		if t.next == 0 {
			t.next = 1
		}
		if _, busy := t.m[t.next]; !busy {
			break
		}
	}
	t.m[t.next] = v
	return t.next
}

// Get returns the object under h with a new reference.
func (t *table[T]) Get(h uint32) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.m[h]
	if !ok {
		var zero T
		return zero, fmt.Errorf("handle %d: %w", h, drverr.ENOENT)
	}
	v.IncRef()
	return v, nil
}

// Remove deletes h, transferring the table's reference to the caller.
func (t *table[T]) Remove(h uint32) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.m[h]
	if !ok {
		var zero T
		return zero, fmt.Errorf("handle %d: %w", h, drverr.ENOENT)
	}
	delete(t.m, h)
	return v, nil
}

// Len returns the number of live handles.
func (t *table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// Drain empties the table and calls fn for each entry outside the table
// lock, transferring the table's reference. Iteration is over a snapshot,
// so fn may use the table.
func (t *table[T]) Drain(fn func(h uint32, v T)) {
	t.mu.Lock()
	snap := t.m
	t.m = make(map[uint32]T)
	t.mu.Unlock()
	for h, v := range snap {
		fn(h, v)
	}
}
