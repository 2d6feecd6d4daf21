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
	"fmt"
	"sync/atomic"

	"slate.dev/slate/pkg/abi/slategpu"
	"slate.dev/slate/pkg/refs"
)

// Region is a reference-counted allocation in the firmware heap. It stays
// alive, and its range stays out of the free list, until the last reference
// is dropped. Holders that hand the region's address to the firmware must
// keep a reference until the firmware confirms it no longer uses it.
type Region struct {
	refs.Refs

	c     *Carveout
	off   slategpu.FWAddr
	size  uint32
	flags AllocFlags
}

// FWAddr returns the region's firmware address.
func (r *Region) FWAddr() slategpu.FWAddr {
	return r.off
}

// Size returns the region's size in bytes.
func (r *Region) Size() uint32 {
	return r.size
}

// Flags returns the allocation flags.
func (r *Region) Flags() AllocFlags {
	return r.flags
}

// Bytes returns the host view of the region. See Carveout.Slice for the
// access rules.
func (r *Region) Bytes() []byte {
	return r.c.Slice(r.off, r.size)
}

// Word32 returns an atomic view of the 32-bit word at the given offset into
// the region. Panics on misalignment or out-of-range offsets.
func (r *Region) Word32(off uint32) *atomic.Uint32 {
	if uint64(off)+4 > uint64(r.size) {
		panic(fmt.Sprintf("fwmem: word32 at %#x beyond region size %#x", off, r.size))
	}
	return r.c.Word32(r.off + slategpu.FWAddr(off))
}

// Word64 returns an atomic view of the 64-bit word at the given offset into
// the region. Panics on misalignment or out-of-range offsets.
func (r *Region) Word64(off uint32) *atomic.Uint64 {
	if uint64(off)+8 > uint64(r.size) {
		panic(fmt.Sprintf("fwmem: word64 at %#x beyond region size %#x", off, r.size))
	}
	return r.c.Word64(r.off + slategpu.FWAddr(off))
}

// DecRef drops a reference, returning the range to the heap when the last
// one goes.
func (r *Region) DecRef() {
	r.Refs.DecRef(func() {
		r.c.release(r.off, r.size)
	})
}

// RefType implements refs.CheckedObject.RefType.
func (r *Region) RefType() string {
	return "fwmem.Region"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (r *Region) LeakMessage() string {
	return fmt.Sprintf("[fwmem.Region %#x+%#x] leaked", r.off, r.size)
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (r *Region) LogRefs() bool {
	return false
}
