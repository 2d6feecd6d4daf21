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

// Package fwmem manages the firmware carveout, the block of memory shared
// between the host driver and the firmware processor.
//
// The carveout is addressed by 32-bit firmware addresses (slategpu.FWAddr),
// offsets from its base. The low FWCodeBytes of the carveout belong to the
// firmware image and are never handed out; the remainder is a heap carved
// into reference-counted Regions.
//
// Plain byte access to a Region is only safe while the region's contents are
// owned by exactly one side. Words that both sides touch concurrently (ring
// control offsets, checkpoint states, the connection handshake) must be
// accessed through the Word32/Word64 views, whose atomic loads and stores
// carry the acquire/release ordering the sharing protocols rely on.
package fwmem

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"slate.dev/slate/pkg/abi/slategpu"
	"slate.dev/slate/pkg/drverr"
)

// AllocFlags controls Region allocation.
type AllocFlags uint32

const (
	// AllocZeroed zeroes the region before it is returned.
	AllocZeroed AllocFlags = 1 << iota

	// AllocUncached marks the region as requiring uncached mappings on
	// real hardware. The host model has coherent memory, so this only
	// affects accounting.
	AllocUncached

	// AllocFixedOffset records that the region was placed at a
	// caller-chosen address (AllocAt).
	AllocFixedOffset
)

// MaxCarveoutBytes bounds the carveout so that every firmware address stays
// below the UFO checkpoint tag bit.
const MaxCarveoutBytes = uint32(slategpu.UFOAddrCheckpointBit)

// span is a free range in the firmware heap.
type span struct {
	off  slategpu.FWAddr
	size uint32
}

func (s span) end() uint32 {
	return uint32(s.off) + s.size
}

func spanLess(a, b span) bool {
	return a.off < b.off
}

// Carveout is the shared firmware memory block and its heap allocator.
type Carveout struct {
	// mem is the full carveout, 8-byte aligned. Immutable after New.
	mem []byte

	mu sync.Mutex

	// free holds the free heap ranges, keyed by base address. Adjacent
	// ranges are coalesced on release, so no two entries abut.
	// +checklocks:mu
	free *btree.BTreeG[span]

	// allocated is the number of heap bytes currently handed out.
	// +checklocks:mu
	allocated uint32

	// releaseHook, if set, runs after a region's range returns to the
	// free list. The device uses it to queue MMU flushes.
	// +checklocks:mu
	releaseHook func(off slategpu.FWAddr, size uint32)
}

// New creates a carveout of the given size. size must be a multiple of
// slategpu.FWHeapAlign, large enough to hold the firmware image, and small
// enough that all addresses stay clear of the checkpoint tag bit.
func New(size uint32) (*Carveout, error) {
	switch {
	case size%slategpu.FWHeapAlign != 0:
		return nil, fmt.Errorf("carveout size %#x not %d-byte aligned: %w", size, slategpu.FWHeapAlign, drverr.EINVAL)
	case size <= slategpu.FWCodeBytes:
		return nil, fmt.Errorf("carveout size %#x leaves no heap after firmware code: %w", size, drverr.EINVAL)
	case size > MaxCarveoutBytes:
		return nil, fmt.Errorf("carveout size %#x exceeds addressable %#x: %w", size, MaxCarveoutBytes, drverr.EINVAL)
	}
	c := &Carveout{
		mem:  alignedBuf(size),
		free: btree.NewG(8, spanLess),
	}
	c.free.ReplaceOrInsert(span{off: slategpu.FWCodeBytes, size: size - slategpu.FWCodeBytes})
	return c, nil
}

// Size returns the total carveout size in bytes.
func (c *Carveout) Size() uint32 {
	return uint32(len(c.mem))
}

// HeapFree returns the number of free heap bytes.
func (c *Carveout) HeapFree() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Size() - slategpu.FWCodeBytes - c.allocated
}

// SetReleaseHook installs f to run whenever a region's range returns to the
// free list. f runs without the allocator lock held and must not allocate
// from this carveout's heap synchronously with teardown paths that hold
// region references.
func (c *Carveout) SetReleaseHook(f func(off slategpu.FWAddr, size uint32)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseHook = f
}

// Alloc carves a region of the given size and alignment out of the firmware
// heap. align must be zero or a power of two; it is raised to FWHeapAlign so
// that word views stay aligned. Returns ENOSPC when no free range fits.
func (c *Carveout) Alloc(size, align uint32, flags AllocFlags) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("zero-size alloc: %w", drverr.EINVAL)
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("alignment %#x not a power of two: %w", align, drverr.EINVAL)
	}
	if align < slategpu.FWHeapAlign {
		align = slategpu.FWHeapAlign
	}
	size = roundUp(size, slategpu.FWHeapAlign)
	if size == 0 {
		return nil, fmt.Errorf("alloc size overflow: %w", drverr.EOVERFLOW)
	}

	c.mu.Lock()
	var (
		from  span
		start uint32
		found bool
	)
	c.free.Ascend(func(s span) bool {
		a := (uint64(uint32(s.off)) + uint64(align) - 1) &^ (uint64(align) - 1)
		if a+uint64(size) <= uint64(s.end()) {
			from, start, found = s, uint32(a), true
			return false
		}
		return true
	})
	if !found {
		c.mu.Unlock()
		return nil, fmt.Errorf("alloc %#x bytes align %#x: %w", size, align, drverr.ENOSPC)
	}
	c.carveLocked(from, start, size)
	c.mu.Unlock()

	return c.newRegion(slategpu.FWAddr(start), size, flags), nil
}

// AllocAt carves a region at a fixed firmware address. Used for blocks whose
// location the firmware knows a priori, like the connection control page.
// Returns ENOSPC if the range is not entirely free.
func (c *Carveout) AllocAt(off slategpu.FWAddr, size uint32, flags AllocFlags) (*Region, error) {
	if size == 0 || uint32(off)%slategpu.FWHeapAlign != 0 {
		return nil, fmt.Errorf("fixed alloc at %#x size %#x: %w", off, size, drverr.EINVAL)
	}
	size = roundUp(size, slategpu.FWHeapAlign)
	if size == 0 || uint64(uint32(off))+uint64(size) > uint64(c.Size()) {
		return nil, fmt.Errorf("fixed alloc at %#x size %#x out of range: %w", off, size, drverr.EOVERFLOW)
	}

	c.mu.Lock()
	var from span
	found := false
	c.free.DescendLessOrEqual(span{off: off}, func(s span) bool {
		from, found = s, true
		return false
	})
	if !found || uint64(uint32(off))+uint64(size) > uint64(from.end()) {
		c.mu.Unlock()
		return nil, fmt.Errorf("fixed range %#x+%#x busy: %w", off, size, drverr.ENOSPC)
	}
	c.carveLocked(from, uint32(off), size)
	c.mu.Unlock()

	return c.newRegion(off, size, flags|AllocFixedOffset), nil
}

// carveLocked removes [start, start+size) from the free span from, keeping
// any remainder on the free list.
//
// Precondition: c.mu held; from is on the free list and contains the range.
func (c *Carveout) carveLocked(from span, start, size uint32) {
	c.free.Delete(from)
	if lead := start - uint32(from.off); lead > 0 {
		c.free.ReplaceOrInsert(span{off: from.off, size: lead})
	}
	if tail := from.end() - (start + size); tail > 0 {
		c.free.ReplaceOrInsert(span{off: slategpu.FWAddr(start + size), size: tail})
	}
	c.allocated += size
}

func (c *Carveout) newRegion(off slategpu.FWAddr, size uint32, flags AllocFlags) *Region {
	r := &Region{
		c:     c,
		off:   off,
		size:  size,
		flags: flags,
	}
	r.Init(r)
	if flags&AllocZeroed != 0 {
		clear(r.Bytes())
	}
	return r
}

// release returns a range to the free list, coalescing with neighbors.
func (c *Carveout) release(off slategpu.FWAddr, size uint32) {
	c.mu.Lock()
	s := span{off: off, size: size}
	c.free.DescendLessOrEqual(span{off: off}, func(p span) bool {
		if p.end() == uint32(off) {
			c.free.Delete(p)
			s = span{off: p.off, size: p.size + s.size}
		}
		return false
	})
	c.free.AscendGreaterOrEqual(span{off: slategpu.FWAddr(s.end())}, func(n span) bool {
		if uint32(n.off) == s.end() {
			c.free.Delete(n)
			s.size += n.size
		}
		return false
	})
	c.free.ReplaceOrInsert(s)
	c.allocated -= size
	hook := c.releaseHook
	c.mu.Unlock()

	if hook != nil {
		hook(off, size)
	}
}

// Slice returns the carveout bytes at [addr, addr+n). The caller must own
// the range or follow a publication protocol that orders the access.
func (c *Carveout) Slice(addr slategpu.FWAddr, n uint32) []byte {
	end := uint64(uint32(addr)) + uint64(n)
	if end > uint64(len(c.mem)) {
		panic(fmt.Sprintf("fwmem: slice %#x+%#x beyond carveout %#x", addr, n, len(c.mem)))
	}
	return c.mem[addr:end:end]
}

func roundUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}
