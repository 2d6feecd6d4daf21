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

// Kernel CCB (host to firmware) and firmware CCB (firmware to host)
// commands. Both rings carry fixed-size slots so that slot indices are
// meaningful: the KCCB return-slot array has one status word per KCCB slot.

// KCCBCmdType tags a kernel CCB command.
type KCCBCmdType uint32

// Kernel CCB command types.
const (
	KCCBCmdKickGeom KCCBCmdType = iota + 1
	KCCBCmdKickFrag
	KCCBCmdKickCDM
	KCCBCmdKickTransfer
	KCCBCmdCleanup
	KCCBCmdPowState
	KCCBCmdMMUFlush
	KCCBCmdSyncUpdate
	KCCBCmdPriorityUpdate
)

// String implements fmt.Stringer.String.
func (t KCCBCmdType) String() string {
	switch t {
	case KCCBCmdKickGeom:
		return "KICK_GEOM"
	case KCCBCmdKickFrag:
		return "KICK_FRAG"
	case KCCBCmdKickCDM:
		return "KICK_CDM"
	case KCCBCmdKickTransfer:
		return "KICK_TRANSFER"
	case KCCBCmdCleanup:
		return "CLEANUP"
	case KCCBCmdPowState:
		return "POW_STATE"
	case KCCBCmdMMUFlush:
		return "MMU_FLUSH"
	case KCCBCmdSyncUpdate:
		return "SYNC_UPDATE"
	case KCCBCmdPriorityUpdate:
		return "PRIORITY_UPDATE"
	default:
		return "INVALID"
	}
}

// KCCBCmdKickForDM returns the kick command type targeting dm.
func KCCBCmdKickForDM(dm DM) KCCBCmdType {
	switch dm {
	case DMGeom:
		return KCCBCmdKickGeom
	case DMFrag:
		return KCCBCmdKickFrag
	case DMCDM:
		return KCCBCmdKickCDM
	default:
		return KCCBCmdKickTransfer
	}
}

// KCCB slot geometry.
const (
	// KCCBCmdBytes is the fixed size of one kernel CCB slot.
	KCCBCmdBytes = 64

	// KCCBCmdPayloadBytes is the payload capacity of a slot.
	KCCBCmdPayloadBytes = KCCBCmdBytes - 8

	// KCCBRtnSlotBytes is the size of one return-slot status word.
	KCCBRtnSlotBytes = 4

	// KCCBRtnSlotNone in KCCBCmd.RtnSlot means no reply is requested.
	// Slot numbers on the wire are biased by one so that the zero value
	// never claims slot 0.
	KCCBRtnSlotNone = 0
)

// Return-slot status word bits, written by the firmware.
const (
	KCCBRtnSlotEmpty     uint32 = 0
	KCCBRtnSlotProcessed uint32 = 1 << 0
	KCCBRtnSlotError     uint32 = 1 << 1
)

// KCCBCmd is one kernel CCB slot. RtnSlot is the biased return-slot index
// (index+1), or KCCBRtnSlotNone.
type KCCBCmd struct {
	Type    KCCBCmdType
	RtnSlot uint32
	Payload [KCCBCmdPayloadBytes]byte
}

// SizeBytes implements Marshallable.SizeBytes.
func (*KCCBCmd) SizeBytes() int { return KCCBCmdBytes }

// MarshalBytes implements Marshallable.MarshalBytes.
func (c *KCCBCmd) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], uint32(c.Type))
	binary.LittleEndian.PutUint32(dst[4:8], c.RtnSlot)
	copy(dst[8:KCCBCmdBytes], c.Payload[:])
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (c *KCCBCmd) UnmarshalBytes(src []byte) {
	c.Type = KCCBCmdType(binary.LittleEndian.Uint32(src[0:4]))
	c.RtnSlot = binary.LittleEndian.Uint32(src[4:8])
	copy(c.Payload[:], src[8:KCCBCmdBytes])
}

// SetPayload marshals p into the command payload.
func (c *KCCBCmd) SetPayload(p Marshallable) {
	for i := range c.Payload {
		c.Payload[i] = 0
	}
	p.MarshalBytes(c.Payload[:p.SizeBytes()])
}

// GetPayload unmarshals the command payload into p.
func (c *KCCBCmd) GetPayload(p Marshallable) {
	p.UnmarshalBytes(c.Payload[:p.SizeBytes()])
}

// KickData is the payload of the four KICK_* commands. CCBWriteOffset is the
// producer offset published by the kick, letting the firmware pick up new
// records without re-reading the control block.
type KickData struct {
	CtxFWAddr      FWAddr
	CCBWriteOffset uint32
	HWRTFWAddr     FWAddr // 0 for non-render kicks
	HWRTIndex      uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*KickData) SizeBytes() int { return 16 }

// MarshalBytes implements Marshallable.MarshalBytes.
func (k *KickData) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], uint32(k.CtxFWAddr))
	binary.LittleEndian.PutUint32(dst[4:8], k.CCBWriteOffset)
	binary.LittleEndian.PutUint32(dst[8:12], uint32(k.HWRTFWAddr))
	binary.LittleEndian.PutUint32(dst[12:16], k.HWRTIndex)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (k *KickData) UnmarshalBytes(src []byte) {
	k.CtxFWAddr = FWAddr(binary.LittleEndian.Uint32(src[0:4]))
	k.CCBWriteOffset = binary.LittleEndian.Uint32(src[4:8])
	k.HWRTFWAddr = FWAddr(binary.LittleEndian.Uint32(src[8:12]))
	k.HWRTIndex = binary.LittleEndian.Uint32(src[12:16])
}

// Cleanup object types for KCCBCmdCleanup.
const (
	CleanupTypeFWCommonContext uint32 = 1
	CleanupTypeHWRTData        uint32 = 2
	CleanupTypeFreeList        uint32 = 3
)

// CleanupData is the payload of KCCBCmdCleanup.
type CleanupData struct {
	Type   uint32
	FWAddr FWAddr
	DM     uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*CleanupData) SizeBytes() int { return 12 }

// MarshalBytes implements Marshallable.MarshalBytes.
func (c *CleanupData) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], c.Type)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(c.FWAddr))
	binary.LittleEndian.PutUint32(dst[8:12], c.DM)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (c *CleanupData) UnmarshalBytes(src []byte) {
	c.Type = binary.LittleEndian.Uint32(src[0:4])
	c.FWAddr = FWAddr(binary.LittleEndian.Uint32(src[4:8]))
	c.DM = binary.LittleEndian.Uint32(src[8:12])
}

// Power states for KCCBCmdPowState.
const (
	PowStateOff  uint32 = 0
	PowStateOn   uint32 = 1
	PowStateIdle uint32 = 2
)

// PowStateData is the payload of KCCBCmdPowState.
type PowStateData struct {
	State uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*PowStateData) SizeBytes() int { return 4 }

// MarshalBytes implements Marshallable.MarshalBytes.
func (p *PowStateData) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], p.State)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (p *PowStateData) UnmarshalBytes(src []byte) {
	p.State = binary.LittleEndian.Uint32(src[0:4])
}

// MMU flush scope bits for KCCBCmdMMUFlush.
const (
	MMUFlushPT uint32 = 1 << 0
	MMUFlushPD uint32 = 1 << 1
	MMUFlushPC uint32 = 1 << 2
)

// MMUFlushData is the payload of KCCBCmdMMUFlush.
type MMUFlushData struct {
	Flags uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*MMUFlushData) SizeBytes() int { return 4 }

// MarshalBytes implements Marshallable.MarshalBytes.
func (m *MMUFlushData) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], m.Flags)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (m *MMUFlushData) UnmarshalBytes(src []byte) {
	m.Flags = binary.LittleEndian.Uint32(src[0:4])
}

// FWCCBCmdType tags a firmware CCB command.
type FWCCBCmdType uint32

// Firmware CCB command types.
const (
	FWCCBCmdContextReset FWCCBCmdType = iota + 1
	FWCCBCmdCleanupComplete
	FWCCBCmdPriorityChangeRequest
)

// String implements fmt.Stringer.String.
func (t FWCCBCmdType) String() string {
	switch t {
	case FWCCBCmdContextReset:
		return "CONTEXT_RESET"
	case FWCCBCmdCleanupComplete:
		return "CLEANUP_COMPLETE"
	case FWCCBCmdPriorityChangeRequest:
		return "PRIORITY_CHANGE_REQUEST"
	default:
		return "INVALID"
	}
}

// FWCCB slot geometry.
const (
	// FWCCBCmdBytes is the fixed size of one firmware CCB slot.
	FWCCBCmdBytes = 32

	// FWCCBCmdPayloadBytes is the payload capacity of a slot.
	FWCCBCmdPayloadBytes = FWCCBCmdBytes - 4
)

// FWCCBCmd is one firmware CCB slot.
type FWCCBCmd struct {
	Type    FWCCBCmdType
	Payload [FWCCBCmdPayloadBytes]byte
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FWCCBCmd) SizeBytes() int { return FWCCBCmdBytes }

// MarshalBytes implements Marshallable.MarshalBytes.
func (c *FWCCBCmd) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], uint32(c.Type))
	copy(dst[4:FWCCBCmdBytes], c.Payload[:])
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (c *FWCCBCmd) UnmarshalBytes(src []byte) {
	c.Type = FWCCBCmdType(binary.LittleEndian.Uint32(src[0:4]))
	copy(c.Payload[:], src[4:FWCCBCmdBytes])
}

// SetPayload marshals p into the command payload.
func (c *FWCCBCmd) SetPayload(p Marshallable) {
	for i := range c.Payload {
		c.Payload[i] = 0
	}
	p.MarshalBytes(c.Payload[:p.SizeBytes()])
}

// GetPayload unmarshals the command payload into p.
func (c *FWCCBCmd) GetPayload(p Marshallable) {
	p.UnmarshalBytes(c.Payload[:p.SizeBytes()])
}

// Context reset reasons reported through FWCCBCmdContextReset.
const (
	ResetReasonNone            uint32 = 0
	ResetReasonGuiltyLockup    uint32 = 1
	ResetReasonInnocentLockup  uint32 = 2
	ResetReasonGuiltyOverrun   uint32 = 3
	ResetReasonInnocentOverrun uint32 = 4
	ResetReasonHardReset       uint32 = 5
)

// ResetReasonString returns a printable name for a reset reason.
func ResetReasonString(r uint32) string {
	switch r {
	case ResetReasonNone:
		return "NONE"
	case ResetReasonGuiltyLockup:
		return "GUILTY_LOCKUP"
	case ResetReasonInnocentLockup:
		return "INNOCENT_LOCKUP"
	case ResetReasonGuiltyOverrun:
		return "GUILTY_OVERRUN"
	case ResetReasonInnocentOverrun:
		return "INNOCENT_OVERRUN"
	case ResetReasonHardReset:
		return "HARD_RESET"
	default:
		return "UNKNOWN"
	}
}

// ContextResetData flags.
const (
	// ContextResetFlagPF indicates that FaultAddr holds the faulting
	// address of a page fault that triggered the reset.
	ContextResetFlagPF uint32 = 1 << 0

	// ContextResetFlagAllCtxs indicates a reset affecting every context,
	// not only the one identified by ContextID.
	ContextResetFlagAllCtxs uint32 = 1 << 1
)

// ContextResetData is the payload of FWCCBCmdContextReset.
type ContextResetData struct {
	ContextID uint32
	DM        uint32
	Reason    uint32
	JobRef    uint32
	Flags     uint32
	FaultAddr uint64
}

// SizeBytes implements Marshallable.SizeBytes.
func (*ContextResetData) SizeBytes() int { return 28 }

// MarshalBytes implements Marshallable.MarshalBytes.
func (d *ContextResetData) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], d.ContextID)
	binary.LittleEndian.PutUint32(dst[4:8], d.DM)
	binary.LittleEndian.PutUint32(dst[8:12], d.Reason)
	binary.LittleEndian.PutUint32(dst[12:16], d.JobRef)
	binary.LittleEndian.PutUint32(dst[16:20], d.Flags)
	binary.LittleEndian.PutUint64(dst[20:28], d.FaultAddr)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (d *ContextResetData) UnmarshalBytes(src []byte) {
	d.ContextID = binary.LittleEndian.Uint32(src[0:4])
	d.DM = binary.LittleEndian.Uint32(src[4:8])
	d.Reason = binary.LittleEndian.Uint32(src[8:12])
	d.JobRef = binary.LittleEndian.Uint32(src[12:16])
	d.Flags = binary.LittleEndian.Uint32(src[16:20])
	d.FaultAddr = binary.LittleEndian.Uint64(src[20:28])
}

// PriorityChangeData is the payload of FWCCBCmdPriorityChangeRequest and of
// the host's KCCBCmdPriorityUpdate answer: the firmware asks to run a
// context at a different priority, and the host writes back the priority
// it grants.
type PriorityChangeData struct {
	ContextID uint32
	Priority  uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*PriorityChangeData) SizeBytes() int { return 8 }

// MarshalBytes implements Marshallable.MarshalBytes.
func (d *PriorityChangeData) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], d.ContextID)
	binary.LittleEndian.PutUint32(dst[4:8], d.Priority)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (d *PriorityChangeData) UnmarshalBytes(src []byte) {
	d.ContextID = binary.LittleEndian.Uint32(src[0:4])
	d.Priority = binary.LittleEndian.Uint32(src[4:8])
}

// CleanupCompleteData is the payload of FWCCBCmdCleanupComplete.
type CleanupCompleteData struct {
	Type   uint32
	FWAddr FWAddr
}

// SizeBytes implements Marshallable.SizeBytes.
func (*CleanupCompleteData) SizeBytes() int { return 8 }

// MarshalBytes implements Marshallable.MarshalBytes.
func (d *CleanupCompleteData) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], d.Type)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(d.FWAddr))
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (d *CleanupCompleteData) UnmarshalBytes(src []byte) {
	d.Type = binary.LittleEndian.Uint32(src[0:4])
	d.FWAddr = FWAddr(binary.LittleEndian.Uint32(src[4:8]))
}
