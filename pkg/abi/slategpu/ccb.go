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

package slategpu

import (
	"encoding/binary"
)

// Circular command buffer layout.
//
// A CCB is a power-of-two ring of bytes plus a CCBCtl block holding the two
// ring offsets. Offsets increase monotonically modulo twice the ring size so
// that a full ring and an empty ring are distinguishable. Every record is a
// multiple of 8 bytes and never straddles the wrap: the producer inserts a
// PADDING record to burn the tail instead.

// CCBCtl is the control block of one circular command buffer. WriteOffset is
// owned by the producer, ReadOffset by the consumer; each side only ever
// stores its own field.
type CCBCtl struct {
	WriteOffset uint32
	ReadOffset  uint32
	SizeLog2    uint32
	Flags       uint32
}

// CCBCtlBytes is the wire size of CCBCtl.
const CCBCtlBytes = 16

// Byte offsets of CCBCtl fields, for atomic access to the live block.
const (
	CCBCtlWriteOffset = 0
	CCBCtlReadOffset  = 4
	CCBCtlSizeLog2    = 8
	CCBCtlFlags       = 12
)

// SizeBytes implements Marshallable.SizeBytes.
func (*CCBCtl) SizeBytes() int { return CCBCtlBytes }

// MarshalBytes implements Marshallable.MarshalBytes.
func (c *CCBCtl) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], c.WriteOffset)
	binary.LittleEndian.PutUint32(dst[4:8], c.ReadOffset)
	binary.LittleEndian.PutUint32(dst[8:12], c.SizeLog2)
	binary.LittleEndian.PutUint32(dst[12:16], c.Flags)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (c *CCBCtl) UnmarshalBytes(src []byte) {
	c.WriteOffset = binary.LittleEndian.Uint32(src[0:4])
	c.ReadOffset = binary.LittleEndian.Uint32(src[4:8])
	c.SizeLog2 = binary.LittleEndian.Uint32(src[8:12])
	c.Flags = binary.LittleEndian.Uint32(src[12:16])
}

// CCBRecordType tags a client CCB record.
type CCBRecordType uint16

// Client CCB record types.
const (
	CCBRecordPadding CCBRecordType = iota
	CCBRecordFence
	CCBRecordUpdate
	CCBRecordGeom
	CCBRecordFrag
	CCBRecordCDM
	CCBRecordTransfer
)

// String implements fmt.Stringer.String.
func (t CCBRecordType) String() string {
	switch t {
	case CCBRecordPadding:
		return "PADDING"
	case CCBRecordFence:
		return "FENCE"
	case CCBRecordUpdate:
		return "UPDATE"
	case CCBRecordGeom:
		return "GEOM"
	case CCBRecordFrag:
		return "FRAG"
	case CCBRecordCDM:
		return "CDM"
	case CCBRecordTransfer:
		return "TRANSFER"
	default:
		return "INVALID"
	}
}

// CCBRecordForDM returns the record type carrying dm's command structure.
func CCBRecordForDM(dm DM) CCBRecordType {
	switch dm {
	case DMGeom:
		return CCBRecordGeom
	case DMFrag:
		return CCBRecordFrag
	case DMCDM:
		return CCBRecordCDM
	default:
		return CCBRecordTransfer
	}
}

// CCBRecordHeader precedes every client CCB record. The packed {type, size}
// pair occupies the first four bytes; the remaining four keep the payload
// 8-byte aligned and must be zero. Size counts payload bytes only and is
// always a multiple of 8 (zero for a bare PADDING header).
type CCBRecordHeader struct {
	Type CCBRecordType
	Size uint16
}

// CCBRecordHeaderBytes is the on-ring size of a record header, including
// alignment padding.
const CCBRecordHeaderBytes = 8

// SizeBytes implements Marshallable.SizeBytes.
func (*CCBRecordHeader) SizeBytes() int { return CCBRecordHeaderBytes }

// MarshalBytes implements Marshallable.MarshalBytes.
func (h *CCBRecordHeader) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint16(dst[0:2], uint16(h.Type))
	binary.LittleEndian.PutUint16(dst[2:4], h.Size)
	binary.LittleEndian.PutUint32(dst[4:8], 0)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (h *CCBRecordHeader) UnmarshalBytes(src []byte) {
	h.Type = CCBRecordType(binary.LittleEndian.Uint16(src[0:2]))
	h.Size = binary.LittleEndian.Uint16(src[2:4])
}
