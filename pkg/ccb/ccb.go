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

// Package ccb implements the shared-memory circular command buffer.
//
// A CCB is a power-of-two ring of C bytes in the firmware carveout plus a
// CCBCtl block holding a write offset owned by the producer and a read
// offset owned by the consumer. Offsets advance modulo 2C so that a full
// ring (C bytes in flight) and an empty ring are distinct; the byte position
// of an offset is its value modulo C. Free bytes are C - ((woff - roff) mod
// 2C).
//
// Records are multiples of 8 bytes and never straddle the wrap: when the
// contiguous tail is too short for a reservation, the producer burns it with
// a PADDING record. Alongside the data bytes lives a dependency area of one
// 32-bit counter per 8-byte slot, recording for each written command how
// many checkpoint updates it still waits on.
//
// A CCB value is a single-role view: one side's producer state or one
// side's consumer cursor, wrapping control and data blocks that both sides
// share. It is not locked; the producer side must be serialized externally
// (each client ring has a producer mutex, the kernel ring a global one), and
// there is exactly one consumer. Producer views must attach before the first
// commit on the ring.
//
// Ordering: record bytes are plain stores into the staged window; Commit
// publishes them with a single release store of the write offset. The
// consumer's offset loads are acquires. That pair is the entire barrier
// contract between the host and the firmware processor.
package ccb

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"slate.dev/slate/pkg/abi/slategpu"
	"slate.dev/slate/pkg/drverr"
	"slate.dev/slate/pkg/fwmem"
)

const (
	// MinSizeLog2 and MaxSizeLog2 bound ring sizes. The lower bound fits
	// one record header; the upper keeps slot counts in a uint16 record
	// size and the ring well under the carveout.
	MinSizeLog2 = 4
	MaxSizeLog2 = 24

	recordAlign = 8
)

// BufBytes returns the allocation size for a ring's data-plus-dependency
// block: C data bytes followed by C/8 dependency counters of 4 bytes each.
func BufBytes(sizeLog2 uint32) uint32 {
	c := uint32(1) << sizeLog2
	return c + c/2
}

// CtlBytes is the allocation size for a ring's control block.
const CtlBytes = slategpu.CCBCtlBytes

// CCB is one side's view of a ring.
type CCB struct {
	mem     *fwmem.Carveout
	ctlAddr slategpu.FWAddr
	bufAddr slategpu.FWAddr
	size    uint32 // C

	// staged is the producer's private write offset, covering
	// reservations not yet published. committed mirrors the shared write
	// offset, which only this producer stores.
	staged    uint32
	committed uint32
}

// New wraps the ring whose control block lives at ctlAddr and whose data and
// dependency areas begin at bufAddr.
func New(mem *fwmem.Carveout, ctlAddr, bufAddr slategpu.FWAddr, sizeLog2 uint32) (*CCB, error) {
	if sizeLog2 < MinSizeLog2 || sizeLog2 > MaxSizeLog2 {
		return nil, fmt.Errorf("ring size log2 %d outside [%d, %d]: %w", sizeLog2, MinSizeLog2, MaxSizeLog2, drverr.EINVAL)
	}
	if uint32(ctlAddr)%4 != 0 || uint32(bufAddr)%recordAlign != 0 {
		return nil, fmt.Errorf("misaligned ring blocks ctl=%#x buf=%#x: %w", ctlAddr, bufAddr, drverr.EINVAL)
	}
	if uint64(uint32(ctlAddr))+CtlBytes > uint64(mem.Size()) ||
		uint64(uint32(bufAddr))+uint64(BufBytes(sizeLog2)) > uint64(mem.Size()) {
		return nil, fmt.Errorf("ring blocks ctl=%#x buf=%#x beyond carveout: %w", ctlAddr, bufAddr, drverr.EINVAL)
	}
	return &CCB{
		mem:     mem,
		ctlAddr: ctlAddr,
		bufAddr: bufAddr,
		size:    1 << sizeLog2,
	}, nil
}

// InitCtl initializes the shared control block for a fresh ring: both
// offsets zero, size recorded. Called once by the allocating side before the
// ring address is handed to the other side.
func (b *CCB) InitCtl() {
	b.woff().Store(0)
	b.roff().Store(0)
	b.mem.Word32(b.ctlAddr + slategpu.CCBCtlSizeLog2).Store(uint32(bits.TrailingZeros32(b.size)))
	b.mem.Word32(b.ctlAddr + slategpu.CCBCtlFlags).Store(0)
}

// Size returns the ring's data capacity C in bytes.
func (b *CCB) Size() uint32 {
	return b.size
}

// CtlAddr returns the firmware address of the control block.
func (b *CCB) CtlAddr() slategpu.FWAddr {
	return b.ctlAddr
}

// BufAddr returns the firmware address of the data area.
func (b *CCB) BufAddr() slategpu.FWAddr {
	return b.bufAddr
}

// Window is a reserved, not yet published, stretch of the ring.
type Window struct {
	// Bytes is the writable record window.
	Bytes []byte

	// Slot is the record's dependency-area index.
	Slot uint32
}

// AcquireSpace reserves n contiguous bytes. n must be a nonzero multiple of
// 8 and at most C. If the contiguous tail cannot hold n, a PADDING record is
// staged over the tail first; if the ring lacks space for padding plus n,
// AcquireSpace fails with EBUSY and stages nothing.
//
// Preconditions: the caller is the ring's only producer. Reserved bytes may
// be written until Commit or Rollback.
func (b *CCB) AcquireSpace(n uint32) (Window, error) {
	if n == 0 || n%recordAlign != 0 || n > b.size {
		return Window{}, fmt.Errorf("bad reservation size %#x on ring of %#x: %w", n, b.size, drverr.EINVAL)
	}
	pos := b.staged & (b.size - 1)
	var pad uint32
	if tail := b.size - pos; tail < n {
		pad = tail
	}
	if b.freeFrom(b.staged) < pad+n {
		return Window{}, fmt.Errorf("ring full (%#x free, want %#x): %w", b.freeFrom(b.staged), pad+n, drverr.EBUSY)
	}
	if pad != 0 {
		hdr := slategpu.CCBRecordHeader{
			Type: slategpu.CCBRecordPadding,
			Size: uint16(pad - slategpu.CCBRecordHeaderBytes),
		}
		hdr.MarshalBytes(b.data()[pos : pos+slategpu.CCBRecordHeaderBytes])
		b.staged = b.wrap(b.staged + pad)
		pos = 0
	}
	b.staged = b.wrap(b.staged + n)
	return Window{
		Bytes: b.data()[pos : pos+n : pos+n],
		Slot:  pos / recordAlign,
	}, nil
}

// Commit publishes every reservation since the last Commit with a single
// release store of the write offset.
func (b *CCB) Commit() {
	if b.staged == b.committed {
		return
	}
	b.woff().Store(b.staged)
	b.committed = b.staged
}

// WriteOffset returns the producer's committed write offset, the value a
// kick should carry so that the consumer picks up everything published.
func (b *CCB) WriteOffset() uint32 {
	return b.committed
}

// ReadOffset returns the consumer offset modulo 2C. Comparing it against a
// kick's write offset tells the consumer whether kicked work remains.
func (b *CCB) ReadOffset() uint32 {
	return b.roff().Load()
}

// Rollback discards every reservation since the last Commit. Staged bytes,
// including any staged PADDING headers, were never published and become
// dead ring space to be overwritten by the next reservation.
func (b *CCB) Rollback() {
	b.staged = b.committed
}

// FreeSpace returns the bytes available for reservation, accounting for
// staged reservations. The consumer offset is read with acquire ordering.
func (b *CCB) FreeSpace() uint32 {
	return b.freeFrom(b.staged)
}

func (b *CCB) freeFrom(woff uint32) uint32 {
	return b.size - ((woff - b.roff().Load()) & (2*b.size - 1))
}

// SetDepCount records how many checkpoint updates the record in slot still
// waits on. Written before the record is published; the firmware decrements
// its copy as checkpoints signal.
func (b *CCB) SetDepCount(slot, count uint32) {
	b.depWord(slot).Store(count)
}

// DepCount reads a dependency counter.
func (b *CCB) DepCount(slot uint32) uint32 {
	return b.depWord(slot).Load()
}

// ReadAvail returns the bytes published and not yet consumed. The producer
// offset is read with acquire ordering.
func (b *CCB) ReadAvail() uint32 {
	return (b.woff().Load() - b.roff().Load()) & (2*b.size - 1)
}

// PeekRecord decodes the record at the consumer offset without consuming
// it. Returns false if no full record is available.
//
// Precondition: the caller is the ring's only consumer, and the ring
// carries header-framed records.
func (b *CCB) PeekRecord() (slategpu.CCBRecordHeader, []byte, bool) {
	avail := b.ReadAvail()
	if avail < slategpu.CCBRecordHeaderBytes {
		return slategpu.CCBRecordHeader{}, nil, false
	}
	pos := b.roff().Load() & (b.size - 1)
	var hdr slategpu.CCBRecordHeader
	hdr.UnmarshalBytes(b.data()[pos : pos+slategpu.CCBRecordHeaderBytes])
	total := slategpu.CCBRecordHeaderBytes + uint32(hdr.Size)
	if uint32(hdr.Size)%recordAlign != 0 || pos+total > b.size || total > avail {
		panic(fmt.Sprintf("ccb: malformed record %v at pos %#x (avail %#x)", hdr, pos, avail))
	}
	payload := b.data()[pos+slategpu.CCBRecordHeaderBytes : pos+total : pos+total]
	return hdr, payload, true
}

// PeekRaw returns the next n published bytes without consuming them, for
// rings carrying fixed-size unframed slots. Returns false if fewer than n
// bytes are available.
//
// Precondition: as PeekRecord, and slots never straddle the wrap.
func (b *CCB) PeekRaw(n uint32) ([]byte, bool) {
	if b.ReadAvail() < n {
		return nil, false
	}
	pos := b.roff().Load() & (b.size - 1)
	if pos+n > b.size {
		panic(fmt.Sprintf("ccb: raw read %#x at pos %#x straddles wrap", n, pos))
	}
	return b.data()[pos : pos+n : pos+n], true
}

// Advance consumes n bytes with a release store of the read offset, opening
// the space to the producer.
func (b *CCB) Advance(n uint32) {
	b.roff().Store(b.wrap(b.roff().Load() + n))
}

func (b *CCB) wrap(off uint32) uint32 {
	return off & (2*b.size - 1)
}

func (b *CCB) data() []byte {
	return b.mem.Slice(b.bufAddr, b.size)
}

func (b *CCB) woff() *atomic.Uint32 {
	return b.mem.Word32(b.ctlAddr + slategpu.CCBCtlWriteOffset)
}

func (b *CCB) roff() *atomic.Uint32 {
	return b.mem.Word32(b.ctlAddr + slategpu.CCBCtlReadOffset)
}

func (b *CCB) depWord(slot uint32) *atomic.Uint32 {
	if slot >= b.size/recordAlign {
		panic(fmt.Sprintf("ccb: dependency slot %d beyond ring of %d slots", slot, b.size/recordAlign))
	}
	return b.mem.Word32(b.bufAddr + slategpu.FWAddr(b.size+slot*4))
}
