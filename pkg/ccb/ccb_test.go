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

package ccb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"testing"

	"slate.dev/slate/pkg/abi/slategpu"
	"slate.dev/slate/pkg/drverr"
	"slate.dev/slate/pkg/fwmem"
)

func newTestRing(t *testing.T, sizeLog2 uint32) *Ring {
	t.Helper()
	mem, err := fwmem.New(slategpu.FWCodeBytes + 1<<20)
	if err != nil {
		t.Fatalf("fwmem.New failed: %v", err)
	}
	r, err := Alloc(mem, sizeLog2)
	if err != nil {
		t.Fatalf("Alloc(sizeLog2=%d) failed: %v", sizeLog2, err)
	}
	t.Cleanup(r.Destroy)
	return r
}

// writeRecord stages one header-framed record whose payload starts with seq
// and is otherwise filled with its low byte.
func writeRecord(t *testing.T, b *CCB, typ slategpu.CCBRecordType, payloadLen uint32, seq uint32) {
	t.Helper()
	win, err := b.AcquireSpace(slategpu.CCBRecordHeaderBytes + payloadLen)
	if err != nil {
		t.Fatalf("AcquireSpace(%d) failed: %v", slategpu.CCBRecordHeaderBytes+payloadLen, err)
	}
	fillRecord(win, typ, payloadLen, seq)
}

func fillRecord(win Window, typ slategpu.CCBRecordType, payloadLen, seq uint32) {
	hdr := slategpu.CCBRecordHeader{Type: typ, Size: uint16(payloadLen)}
	hdr.MarshalBytes(win.Bytes[:slategpu.CCBRecordHeaderBytes])
	payload := win.Bytes[slategpu.CCBRecordHeaderBytes:]
	for i := range payload {
		payload[i] = byte(seq)
	}
	binary.LittleEndian.PutUint32(payload[:4], seq)
}

func TestRoundTrip(t *testing.T) {
	r := newTestRing(t, 6) // C = 64
	writeRecord(t, r.CCB, slategpu.CCBRecordCDM, 24, 7)
	if got := r.ReadAvail(); got != 0 {
		t.Fatalf("ReadAvail() = %d before commit, want 0", got)
	}
	r.Commit()
	hdr, payload, ok := r.PeekRecord()
	if !ok {
		t.Fatal("PeekRecord found nothing after commit")
	}
	if hdr.Type != slategpu.CCBRecordCDM || hdr.Size != 24 {
		t.Fatalf("PeekRecord header = %+v, want {CDM 24}", hdr)
	}
	if got := binary.LittleEndian.Uint32(payload[:4]); got != 7 {
		t.Fatalf("payload seq = %d, want 7", got)
	}
	r.Advance(slategpu.CCBRecordHeaderBytes + uint32(hdr.Size))
	if got := r.FreeSpace(); got != r.Size() {
		t.Fatalf("FreeSpace() = %d after drain, want %d", got, r.Size())
	}
}

func TestPaddingAtWrap(t *testing.T) {
	r := newTestRing(t, 6) // C = 64

	// Park the offsets at 48 so a 24-byte record cannot fit the tail.
	writeRecord(t, r.CCB, slategpu.CCBRecordCDM, 40, 1)
	r.Commit()
	r.Advance(48)

	writeRecord(t, r.CCB, slategpu.CCBRecordCDM, 16, 2)
	r.Commit()

	hdr, payload, ok := r.PeekRecord()
	if !ok || hdr.Type != slategpu.CCBRecordPadding {
		t.Fatalf("record at the tail = %+v (ok=%v), want PADDING", hdr, ok)
	}
	if got := slategpu.CCBRecordHeaderBytes + uint32(hdr.Size); got != 16 {
		t.Fatalf("PADDING covers %d bytes, want the 16-byte tail", got)
	}
	r.Advance(slategpu.CCBRecordHeaderBytes + uint32(hdr.Size))

	hdr, payload, ok = r.PeekRecord()
	if !ok || hdr.Type != slategpu.CCBRecordCDM || hdr.Size != 16 {
		t.Fatalf("record after wrap = %+v (ok=%v), want {CDM 16}", hdr, ok)
	}
	if got := binary.LittleEndian.Uint32(payload[:4]); got != 2 {
		t.Fatalf("payload seq after wrap = %d, want 2", got)
	}
}

func TestFullReportsBusy(t *testing.T) {
	r := newTestRing(t, 4) // C = 16
	if _, err := r.AcquireSpace(16); err != nil {
		t.Fatalf("AcquireSpace(16) on empty ring failed: %v", err)
	}
	r.Commit()
	if _, err := r.AcquireSpace(8); !errors.Is(err, drverr.EBUSY) {
		t.Fatalf("AcquireSpace on full ring: err = %v, want EBUSY", err)
	}
	r.Advance(16)
	if _, err := r.AcquireSpace(8); err != nil {
		t.Fatalf("AcquireSpace after drain failed: %v", err)
	}
}

func TestRollback(t *testing.T) {
	r := newTestRing(t, 6) // C = 64

	// Leave the producer at offset 48 so the next reservation stages
	// padding too.
	writeRecord(t, r.CCB, slategpu.CCBRecordCDM, 40, 1)
	r.Commit()
	r.Advance(48)
	woff := r.mem.Word32(r.CtlAddr() + slategpu.CCBCtlWriteOffset).Load()

	writeRecord(t, r.CCB, slategpu.CCBRecordCDM, 16, 2)
	free := r.FreeSpace()
	r.Rollback()

	if got := r.mem.Word32(r.CtlAddr() + slategpu.CCBCtlWriteOffset).Load(); got != woff {
		t.Fatalf("shared write offset = %d after rollback, want %d", got, woff)
	}
	if got := r.FreeSpace(); got != free+16+24 {
		t.Fatalf("FreeSpace() = %d after rollback, want %d", got, free+16+24)
	}
	if got := r.ReadAvail(); got != 0 {
		t.Fatalf("ReadAvail() = %d after rollback, want 0", got)
	}
	// The ring is fully usable after a rollback.
	writeRecord(t, r.CCB, slategpu.CCBRecordCDM, 16, 3)
	r.Commit()
	hdr, _, ok := r.PeekRecord()
	if !ok || hdr.Type != slategpu.CCBRecordPadding {
		t.Fatalf("expected fresh PADDING at tail after rollback, got %+v ok=%v", hdr, ok)
	}
}

func TestOffsetsModTwiceCapacity(t *testing.T) {
	r := newTestRing(t, 4) // C = 16, offsets wrap at 32
	for i := 0; i < 10; i++ {
		writeRecord(t, r.CCB, slategpu.CCBRecordUpdate, 8, uint32(i))
		r.Commit()
		hdr, _, ok := r.PeekRecord()
		if !ok || hdr.Type != slategpu.CCBRecordUpdate {
			t.Fatalf("iteration %d: record = %+v ok=%v", i, hdr, ok)
		}
		r.Advance(16)
		if got := r.FreeSpace(); got != 16 {
			t.Fatalf("iteration %d: FreeSpace() = %d, want 16", i, got)
		}
	}
	woff := r.mem.Word32(r.CtlAddr() + slategpu.CCBCtlWriteOffset).Load()
	if want := uint32(10*16) % 32; woff != want {
		t.Fatalf("shared write offset = %d after 10 laps, want %d", woff, want)
	}
}

func TestDependencyArea(t *testing.T) {
	r := newTestRing(t, 6) // C = 64
	writeRecord(t, r.CCB, slategpu.CCBRecordFence, 16, 1)
	win, err := r.AcquireSpace(24)
	if err != nil {
		t.Fatalf("AcquireSpace failed: %v", err)
	}
	fillRecord(win, slategpu.CCBRecordCDM, 16, 2)
	r.SetDepCount(win.Slot, 2)
	r.Commit()
	if win.Slot != 3 {
		t.Fatalf("command slot = %d, want 3 (records at bytes 0 and 24)", win.Slot)
	}
	if got := r.DepCount(win.Slot); got != 2 {
		t.Fatalf("DepCount(%d) = %d, want 2", win.Slot, got)
	}
}

func TestRawSlots(t *testing.T) {
	r := newTestRing(t, 7) // C = 128
	win, err := r.AcquireSpace(64)
	if err != nil {
		t.Fatalf("AcquireSpace(64) failed: %v", err)
	}
	for i := range win.Bytes {
		win.Bytes[i] = 0x5a
	}
	r.Commit()
	if _, ok := r.PeekRaw(128); ok {
		t.Fatal("PeekRaw(128) succeeded with only 64 bytes published")
	}
	slot, ok := r.PeekRaw(64)
	if !ok {
		t.Fatal("PeekRaw(64) found nothing after commit")
	}
	for i, b := range slot {
		if b != 0x5a {
			t.Fatalf("slot byte %d = %#x, want 0x5a", i, b)
		}
	}
	r.Advance(64)
}

// TestConcurrentProducerConsumer streams records through a small ring with
// the producer and consumer on separate goroutines, checking that no record
// is ever observed torn or straddling the wrap.
func TestConcurrentProducerConsumer(t *testing.T) {
	const records = 2000
	r := newTestRing(t, 8) // C = 256

	done := make(chan error, 1)
	go func() {
		seen := uint32(0)
		for seen < records {
			hdr, payload, ok := r.PeekRecord()
			if !ok {
				runtime.Gosched()
				continue
			}
			if hdr.Type == slategpu.CCBRecordPadding {
				r.Advance(slategpu.CCBRecordHeaderBytes + uint32(hdr.Size))
				continue
			}
			seq := binary.LittleEndian.Uint32(payload[:4])
			if seq != seen {
				done <- fmt.Errorf("record %d carried seq %d", seen, seq)
				return
			}
			for i := 4; i < len(payload); i++ {
				if payload[i] != byte(seq) {
					done <- fmt.Errorf("record %d torn at payload byte %d: %#x", seq, i, payload[i])
					return
				}
			}
			r.Advance(slategpu.CCBRecordHeaderBytes + uint32(hdr.Size))
			seen++
		}
		done <- nil
	}()

	for seq := uint32(0); seq < records; seq++ {
		payloadLen := 8 + 8*(seq%8)
		for {
			win, err := r.AcquireSpace(slategpu.CCBRecordHeaderBytes + payloadLen)
			if err == nil {
				fillRecord(win, slategpu.CCBRecordCDM, payloadLen, seq)
				r.Commit()
				break
			}
			if !errors.Is(err, drverr.EBUSY) {
				t.Fatalf("AcquireSpace failed: %v", err)
			}
			runtime.Gosched()
		}
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
