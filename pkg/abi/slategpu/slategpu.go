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

// Package slategpu defines the layouts shared between the Slate driver core
// and the GPU firmware processor: circular-buffer records, kernel and
// firmware CCB commands, UFOs, sync checkpoint states, and the per-data-master
// command structures.
//
// Every structure in this package has a fixed little-endian wire layout. The
// Go struct definitions are documentation; the authoritative layout is the
// MarshalBytes/UnmarshalBytes pair, which must agree with what the firmware
// reads and writes in shared memory.
package slategpu

import (
	"encoding/binary"
)

// Marshallable is implemented by all fixed-layout firmware structures.
type Marshallable interface {
	// SizeBytes returns the wire size. It is a constant for every type in
	// this package.
	SizeBytes() int

	// MarshalBytes writes the wire form to dst, which must be at least
	// SizeBytes() long.
	MarshalBytes(dst []byte)

	// UnmarshalBytes reads the wire form from src, which must be at least
	// SizeBytes() long.
	UnmarshalBytes(src []byte)
}

// DM identifies a data master: a hardware unit executing one class of
// commands.
type DM uint32

// Data masters.
const (
	DMGeom DM = iota
	DMFrag
	DMCDM
	DMTransfer
	NumDMs
)

// String implements fmt.Stringer.String.
func (dm DM) String() string {
	switch dm {
	case DMGeom:
		return "GEOM"
	case DMFrag:
		return "FRAG"
	case DMCDM:
		return "CDM"
	case DMTransfer:
		return "TRANSFER"
	default:
		return "UNKNOWN"
	}
}

// FWAddr is an address in the firmware's view of the shared heap: a 32-bit
// byte offset from the heap base. Address 0 is never a valid object address;
// the firmware code section occupies the bottom of the heap.
type FWAddr uint32

// Firmware heap geometry.
const (
	// FWCodeBytes is the size of the firmware code/data carveout at the
	// bottom of the heap. No driver object may be placed below it, which
	// makes FWAddr 0 invalid by construction.
	FWCodeBytes = 1 << 20

	// FWHeapAlign is the minimum alignment of firmware-visible objects.
	FWHeapAlign = 8
)

// UFOAddrCheckpointBit marks a UFO address as referring to a sync checkpoint
// rather than a legacy sync word. The bit is well above any heap offset the
// allocator can produce.
const UFOAddrCheckpointBit FWAddr = 1 << 31

// UFO is an unsigned fence object. For a FENCE record the firmware blocks
// until the addressed word no longer equals Value; for an UPDATE record it
// writes Value to the addressed word.
type UFO struct {
	Addr  FWAddr
	Value uint32
}

// UFOBytes is the wire size of a UFO.
const UFOBytes = 8

// SizeBytes implements Marshallable.SizeBytes.
func (*UFO) SizeBytes() int { return UFOBytes }

// MarshalBytes implements Marshallable.MarshalBytes.
func (u *UFO) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], uint32(u.Addr))
	binary.LittleEndian.PutUint32(dst[4:8], u.Value)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (u *UFO) UnmarshalBytes(src []byte) {
	u.Addr = FWAddr(binary.LittleEndian.Uint32(src[0:4]))
	u.Value = binary.LittleEndian.Uint32(src[4:8])
}

// Sync checkpoint states. A checkpoint is a 32-bit word in firmware-visible
// memory. Transitions are monotone: Active to Signaled, or Active to Errored.
const (
	CheckpointActive   uint32 = 0
	CheckpointSignaled uint32 = 1
	CheckpointErrored  uint32 = 2
)

// CheckpointBytes is the allocation size of one sync checkpoint word.
const CheckpointBytes = 4

// CheckpointStateString returns a printable name for a checkpoint state word.
func CheckpointStateString(s uint32) string {
	switch s {
	case CheckpointActive:
		return "ACTIVE"
	case CheckpointSignaled:
		return "SIGNALED"
	case CheckpointErrored:
		return "ERRORED"
	default:
		return "CORRUPT"
	}
}

// Firmware connection states, exchanged through the ConnectionCtl block
// during boot.
const (
	FWStateInit uint32 = iota
	FWStateReady
	FWStateOffline
)

// ConnectionCtlOffset is the fixed heap offset of the ConnectionCtl block.
// It sits immediately above the firmware code carveout so that both sides
// can find it without relocation.
const ConnectionCtlOffset = FWCodeBytes

// ConnectionCtl is the boot handshake block. The driver fills in the ring
// addresses and sets OSState to FWStateReady; the firmware validates the
// geometry and responds by setting FWState to FWStateReady.
type ConnectionCtl struct {
	FWState       uint32
	OSState       uint32
	KCCBCtlAddr   FWAddr
	KCCBAddr      FWAddr
	KCCBRtnAddr   FWAddr
	FWCCBCtlAddr  FWAddr
	FWCCBAddr     FWAddr
	KCCBSizeLog2  uint32
	FWCCBSizeLog2 uint32
}

// ConnectionCtlBytes is the wire size of ConnectionCtl.
const ConnectionCtlBytes = 36

// Byte offsets of the ConnectionCtl handshake words, for atomic access to
// the live block. The remaining fields are plain data published by the
// OSState store and read after the FWState load.
const (
	ConnectionCtlFWState = 0
	ConnectionCtlOSState = 4
)

// SizeBytes implements Marshallable.SizeBytes.
func (*ConnectionCtl) SizeBytes() int { return ConnectionCtlBytes }

// MarshalBytes implements Marshallable.MarshalBytes.
func (c *ConnectionCtl) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], c.FWState)
	binary.LittleEndian.PutUint32(dst[4:8], c.OSState)
	binary.LittleEndian.PutUint32(dst[8:12], uint32(c.KCCBCtlAddr))
	binary.LittleEndian.PutUint32(dst[12:16], uint32(c.KCCBAddr))
	binary.LittleEndian.PutUint32(dst[16:20], uint32(c.KCCBRtnAddr))
	binary.LittleEndian.PutUint32(dst[20:24], uint32(c.FWCCBCtlAddr))
	binary.LittleEndian.PutUint32(dst[24:28], uint32(c.FWCCBAddr))
	binary.LittleEndian.PutUint32(dst[28:32], c.KCCBSizeLog2)
	binary.LittleEndian.PutUint32(dst[32:36], c.FWCCBSizeLog2)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (c *ConnectionCtl) UnmarshalBytes(src []byte) {
	c.FWState = binary.LittleEndian.Uint32(src[0:4])
	c.OSState = binary.LittleEndian.Uint32(src[4:8])
	c.KCCBCtlAddr = FWAddr(binary.LittleEndian.Uint32(src[8:12]))
	c.KCCBAddr = FWAddr(binary.LittleEndian.Uint32(src[12:16]))
	c.KCCBRtnAddr = FWAddr(binary.LittleEndian.Uint32(src[16:20]))
	c.FWCCBCtlAddr = FWAddr(binary.LittleEndian.Uint32(src[20:24]))
	c.FWCCBAddr = FWAddr(binary.LittleEndian.Uint32(src[24:28]))
	c.KCCBSizeLog2 = binary.LittleEndian.Uint32(src[28:32])
	c.FWCCBSizeLog2 = binary.LittleEndian.Uint32(src[32:36])
}

// FWCommonContext is the firmware-side descriptor of one data master's
// command stream within a context. The firmware locates the client CCB
// through it.
type FWCommonContext struct {
	CCBCtlAddr    FWAddr
	CCBAddr       FWAddr
	CtxStateAddr  FWAddr
	MemCtxAddr    FWAddr
	ResetFWAddr   FWAddr // 0 if the context has no reset-framework record
	Priority      uint32
	DM            uint32
	MaxDeadlineMS uint32
	CCBSizeLog2   uint32
	ContextID     uint32 // driver-assigned, echoed in reset notifications
}

// FWCommonContextBytes is the wire size of FWCommonContext.
const FWCommonContextBytes = 40

// SizeBytes implements Marshallable.SizeBytes.
func (*FWCommonContext) SizeBytes() int { return FWCommonContextBytes }

// MarshalBytes implements Marshallable.MarshalBytes.
func (c *FWCommonContext) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], uint32(c.CCBCtlAddr))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(c.CCBAddr))
	binary.LittleEndian.PutUint32(dst[8:12], uint32(c.CtxStateAddr))
	binary.LittleEndian.PutUint32(dst[12:16], uint32(c.MemCtxAddr))
	binary.LittleEndian.PutUint32(dst[16:20], uint32(c.ResetFWAddr))
	binary.LittleEndian.PutUint32(dst[20:24], c.Priority)
	binary.LittleEndian.PutUint32(dst[24:28], c.DM)
	binary.LittleEndian.PutUint32(dst[28:32], c.MaxDeadlineMS)
	binary.LittleEndian.PutUint32(dst[32:36], c.CCBSizeLog2)
	binary.LittleEndian.PutUint32(dst[36:40], c.ContextID)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (c *FWCommonContext) UnmarshalBytes(src []byte) {
	c.CCBCtlAddr = FWAddr(binary.LittleEndian.Uint32(src[0:4]))
	c.CCBAddr = FWAddr(binary.LittleEndian.Uint32(src[4:8]))
	c.CtxStateAddr = FWAddr(binary.LittleEndian.Uint32(src[8:12]))
	c.MemCtxAddr = FWAddr(binary.LittleEndian.Uint32(src[12:16]))
	c.ResetFWAddr = FWAddr(binary.LittleEndian.Uint32(src[16:20]))
	c.Priority = binary.LittleEndian.Uint32(src[20:24])
	c.DM = binary.LittleEndian.Uint32(src[24:28])
	c.MaxDeadlineMS = binary.LittleEndian.Uint32(src[28:32])
	c.CCBSizeLog2 = binary.LittleEndian.Uint32(src[32:36])
	c.ContextID = binary.LittleEndian.Uint32(src[36:40])
}

// Firmware context priorities.
const (
	CtxPriorityLow    uint32 = 0
	CtxPriorityMedium uint32 = 1
	CtxPriorityHigh   uint32 = 2
)
