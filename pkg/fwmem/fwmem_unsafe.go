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
	"unsafe"

	"slate.dev/slate/pkg/abi/slategpu"
)

// hostWordAlign is the alignment the carveout base and all word views keep
// so that the atomic.Uint64 casts below are valid on every platform.
const hostWordAlign = 8

// alignedBuf returns a size-byte buffer whose base is hostWordAlign-aligned.
func alignedBuf(size uint32) []byte {
	raw := make([]byte, uint64(size)+hostWordAlign-1)
	pad := -uintptr(unsafe.Pointer(&raw[0])) & (hostWordAlign - 1)
	return raw[pad : uint64(pad)+uint64(size)]
}

// Word32 returns an atomic view of the carveout word at addr. Loads act as
// acquires and stores as releases, which is what the ring and checkpoint
// protocols assume. Panics on misalignment or out-of-range addresses.
func (c *Carveout) Word32(addr slategpu.FWAddr) *atomic.Uint32 {
	if uint32(addr)%4 != 0 || uint64(uint32(addr))+4 > uint64(len(c.mem)) {
		panic(fmt.Sprintf("fwmem: bad word32 address %#x (carveout %#x)", addr, len(c.mem)))
	}
	return (*atomic.Uint32)(unsafe.Pointer(&c.mem[addr]))
}

// Word64 is Word32 for 64-bit words.
func (c *Carveout) Word64(addr slategpu.FWAddr) *atomic.Uint64 {
	if uint32(addr)%8 != 0 || uint64(uint32(addr))+8 > uint64(len(c.mem)) {
		panic(fmt.Sprintf("fwmem: bad word64 address %#x (carveout %#x)", addr, len(c.mem)))
	}
	return (*atomic.Uint64)(unsafe.Pointer(&c.mem[addr]))
}
