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

package fwmem

import (
	"errors"
	"sync"
	"testing"

	"slate.dev/slate/pkg/abi/slategpu"
	"slate.dev/slate/pkg/drverr"
)

const testCarveoutBytes = slategpu.FWCodeBytes + 1<<20

func newTestCarveout(t *testing.T) *Carveout {
	t.Helper()
	c, err := New(testCarveoutBytes)
	if err != nil {
		t.Fatalf("New(%#x) failed: %v", testCarveoutBytes, err)
	}
	return c
}

func TestAllocAlignment(t *testing.T) {
	c := newTestCarveout(t)
	for _, align := range []uint32{0, 8, 64, 4096} {
		r, err := c.Alloc(24, align, 0)
		if err != nil {
			t.Fatalf("Alloc(24, %d, 0) failed: %v", align, err)
		}
		effective := align
		if effective < slategpu.FWHeapAlign {
			effective = slategpu.FWHeapAlign
		}
		if uint32(r.FWAddr())%effective != 0 {
			t.Errorf("Alloc(24, %d, 0) at %#x, not %d-aligned", align, r.FWAddr(), effective)
		}
		if uint32(r.FWAddr()) < slategpu.FWCodeBytes {
			t.Errorf("Alloc placed region at %#x inside the firmware code range", r.FWAddr())
		}
		r.DecRef()
	}
}

func TestAllocExhaustion(t *testing.T) {
	c := newTestCarveout(t)
	heap := c.HeapFree()
	r, err := c.Alloc(heap, 0, 0)
	if err != nil {
		t.Fatalf("Alloc(%#x) of whole heap failed: %v", heap, err)
	}
	if _, err := c.Alloc(8, 0, 0); !errors.Is(err, drverr.ENOSPC) {
		t.Errorf("Alloc on full heap: err = %v, want ENOSPC", err)
	}
	r.DecRef()
	if got := c.HeapFree(); got != heap {
		t.Errorf("HeapFree() = %#x after release, want %#x", got, heap)
	}
}

func TestFreeCoalescing(t *testing.T) {
	c := newTestCarveout(t)
	heap := c.HeapFree()

	var regions []*Region
	for i := 0; i < 8; i++ {
		r, err := c.Alloc(4096, 0, 0)
		if err != nil {
			t.Fatalf("Alloc #%d failed: %v", i, err)
		}
		regions = append(regions, r)
	}
	// Release in an order that exercises merging with both neighbors.
	for _, i := range []int{1, 3, 2, 7, 5, 6, 0, 4} {
		regions[i].DecRef()
	}
	if got := c.HeapFree(); got != heap {
		t.Fatalf("HeapFree() = %#x after all releases, want %#x", got, heap)
	}
	// A fully coalesced heap can satisfy a whole-heap allocation again.
	r, err := c.Alloc(heap, 0, 0)
	if err != nil {
		t.Fatalf("whole-heap Alloc after coalescing failed: %v", err)
	}
	r.DecRef()
}

func TestAllocAt(t *testing.T) {
	c := newTestCarveout(t)
	const off = slategpu.ConnectionCtlOffset
	r, err := c.AllocAt(off, 64, AllocZeroed)
	if err != nil {
		t.Fatalf("AllocAt(%#x, 64) failed: %v", off, err)
	}
	if r.FWAddr() != off {
		t.Errorf("AllocAt placed region at %#x, want %#x", r.FWAddr(), off)
	}
	if r.Flags()&AllocFixedOffset == 0 {
		t.Error("AllocAt did not record AllocFixedOffset")
	}
	if _, err := c.AllocAt(off, 8, 0); !errors.Is(err, drverr.ENOSPC) {
		t.Errorf("AllocAt on busy range: err = %v, want ENOSPC", err)
	}
	r.DecRef()
	r2, err := c.AllocAt(off, 64, 0)
	if err != nil {
		t.Fatalf("AllocAt after release failed: %v", err)
	}
	r2.DecRef()
}

func TestAllocZeroed(t *testing.T) {
	c := newTestCarveout(t)
	r, err := c.Alloc(64, 0, 0)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	for i := range r.Bytes() {
		r.Bytes()[i] = 0xa5
	}
	addr := r.FWAddr()
	r.DecRef()

	r2, err := c.AllocAt(addr, 64, AllocZeroed)
	if err != nil {
		t.Fatalf("AllocAt failed: %v", err)
	}
	defer r2.DecRef()
	for i, b := range r2.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d = %#x after AllocZeroed, want 0", i, b)
		}
	}
}

func TestWordViews(t *testing.T) {
	c := newTestCarveout(t)
	r, err := c.Alloc(16, 0, AllocZeroed)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	defer r.DecRef()

	r.Word32(4).Store(0xdeadbeef)
	if got := c.Word32(r.FWAddr() + 4).Load(); got != 0xdeadbeef {
		t.Errorf("carveout view read %#x, want 0xdeadbeef", got)
	}
	b := r.Bytes()
	if b[4] != 0xef || b[5] != 0xbe || b[6] != 0xad || b[7] != 0xde {
		t.Errorf("byte view = % x, want little-endian 0xdeadbeef", b[4:8])
	}

	r.Word64(8).Store(0x0102030405060708)
	if got := r.Word64(8).Load(); got != 0x0102030405060708 {
		t.Errorf("Word64 read %#x", got)
	}
}

func TestReleaseHook(t *testing.T) {
	c := newTestCarveout(t)
	var (
		mu       sync.Mutex
		released []uint32
	)
	c.SetReleaseHook(func(off slategpu.FWAddr, size uint32) {
		mu.Lock()
		released = append(released, size)
		mu.Unlock()
	})
	r, err := c.Alloc(24, 0, 0)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	r.IncRef()
	r.DecRef()
	mu.Lock()
	n := len(released)
	mu.Unlock()
	if n != 0 {
		t.Fatal("release hook ran with a reference still held")
	}
	r.DecRef()
	mu.Lock()
	defer mu.Unlock()
	if len(released) != 1 || released[0] != 24 {
		t.Fatalf("release hook saw %v, want one release of 24 bytes", released)
	}
}

func TestConcurrentAllocFree(t *testing.T) {
	c := newTestCarveout(t)
	heap := c.HeapFree()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r, err := c.Alloc(1024, 64, 0)
				if err != nil {
					t.Errorf("Alloc failed: %v", err)
					return
				}
				r.Bytes()[0] = byte(j)
				r.DecRef()
			}
		}()
	}
	wg.Wait()
	if got := c.HeapFree(); got != heap {
		t.Errorf("HeapFree() = %#x after churn, want %#x", got, heap)
	}
}
