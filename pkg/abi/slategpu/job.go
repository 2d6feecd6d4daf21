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

// Per-data-master command structures. Userspace hands the driver one of
// these per submitted DM as an opaque fixed-size stream; the driver stamps
// the common header and copies the stream onto the client CCB unchanged.

// JobType selects the submission shape.
type JobType uint32

// Job types. A null job carries only synchronization: it waits for its
// dependencies and then signals its out-fence without touching the hardware.
const (
	JobTypeNull JobType = iota
	JobTypeRender
	JobTypeCompute
	JobTypeTransfer
)

// String implements fmt.Stringer.String.
func (t JobType) String() string {
	switch t {
	case JobTypeNull:
		return "null"
	case JobTypeRender:
		return "render"
	case JobTypeCompute:
		return "compute"
	case JobTypeTransfer:
		return "transfer"
	default:
		return "invalid"
	}
}

// ContextType selects which data masters a context owns.
type ContextType uint32

// Context types.
const (
	ContextTypeRender ContextType = iota + 1
	ContextTypeCompute
	ContextTypeTransfer
)

// String implements fmt.Stringer.String.
func (t ContextType) String() string {
	switch t {
	case ContextTypeRender:
		return "render"
	case ContextTypeCompute:
		return "compute"
	case ContextTypeTransfer:
		return "transfer"
	default:
		return "invalid"
	}
}

// Priority is the userspace-visible context priority. High requires a
// privileged caller.
type Priority uint32

// Priorities.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// CmdCommon is the header shared by all DM command structures. FrameNum is
// stamped by the driver at submission; userspace-provided values are
// overwritten.
type CmdCommon struct {
	FrameNum uint32
	Flags    uint32
}

// CmdCommonBytes is the wire size of CmdCommon.
const CmdCommonBytes = 8

// CmdFlagsMask holds the command flag bits userspace may set; the rest must
// be zero.
const CmdFlagsMask uint32 = CmdFlagSinglePass | CmdFlagDepthOnly

// Command flags.
const (
	CmdFlagSinglePass uint32 = 1 << 0
	CmdFlagDepthOnly  uint32 = 1 << 1
)

// SizeBytes implements Marshallable.SizeBytes.
func (*CmdCommon) SizeBytes() int { return CmdCommonBytes }

// MarshalBytes implements Marshallable.MarshalBytes.
func (c *CmdCommon) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], c.FrameNum)
	binary.LittleEndian.PutUint32(dst[4:8], c.Flags)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (c *CmdCommon) UnmarshalBytes(src []byte) {
	c.FrameNum = binary.LittleEndian.Uint32(src[0:4])
	c.Flags = binary.LittleEndian.Uint32(src[4:8])
}

// Fixed stream sizes per data master. Submission rejects any other length.
const (
	CmdGeomBytes     = 128
	CmdFragBytes     = 192
	CmdCDMBytes      = 64
	CmdTransferBytes = 48
)

// CmdStreamBytes returns dm's fixed command-stream size.
func CmdStreamBytes(dm DM) int {
	switch dm {
	case DMGeom:
		return CmdGeomBytes
	case DMFrag:
		return CmdFragBytes
	case DMCDM:
		return CmdCDMBytes
	default:
		return CmdTransferBytes
	}
}

// CmdGeom is the geometry command structure. Registers beyond the named
// fields are reserved and must be zero.
type CmdGeom struct {
	Common               CmdCommon
	VDMCtrlStreamBase    uint64
	TPUBorderColourTable uint64
	PPPCtrl              uint64
	TEScreen             uint32
	TEMTileStride        uint32
	TEMTileBase          uint32
	VDMDrawFlags         uint32
	Reserved             [80]byte
}

// SizeBytes implements Marshallable.SizeBytes.
func (*CmdGeom) SizeBytes() int { return CmdGeomBytes }

// MarshalBytes implements Marshallable.MarshalBytes.
func (c *CmdGeom) MarshalBytes(dst []byte) {
	c.Common.MarshalBytes(dst[0:8])
	binary.LittleEndian.PutUint64(dst[8:16], c.VDMCtrlStreamBase)
	binary.LittleEndian.PutUint64(dst[16:24], c.TPUBorderColourTable)
	binary.LittleEndian.PutUint64(dst[24:32], c.PPPCtrl)
	binary.LittleEndian.PutUint32(dst[32:36], c.TEScreen)
	binary.LittleEndian.PutUint32(dst[36:40], c.TEMTileStride)
	binary.LittleEndian.PutUint32(dst[40:44], c.TEMTileBase)
	binary.LittleEndian.PutUint32(dst[44:48], c.VDMDrawFlags)
	copy(dst[48:CmdGeomBytes], c.Reserved[:])
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (c *CmdGeom) UnmarshalBytes(src []byte) {
	c.Common.UnmarshalBytes(src[0:8])
	c.VDMCtrlStreamBase = binary.LittleEndian.Uint64(src[8:16])
	c.TPUBorderColourTable = binary.LittleEndian.Uint64(src[16:24])
	c.PPPCtrl = binary.LittleEndian.Uint64(src[24:32])
	c.TEScreen = binary.LittleEndian.Uint32(src[32:36])
	c.TEMTileStride = binary.LittleEndian.Uint32(src[36:40])
	c.TEMTileBase = binary.LittleEndian.Uint32(src[40:44])
	c.VDMDrawFlags = binary.LittleEndian.Uint32(src[44:48])
	copy(c.Reserved[:], src[48:CmdGeomBytes])
}

// CmdFrag is the fragment command structure.
type CmdFrag struct {
	Common         CmdCommon
	ISPSceneBase   uint64
	ISPZLoadBase   uint64
	ISPZStoreBase  uint64
	PBEWords       [8]uint64
	ISPBgObjDepth  uint32
	ISPBgObjColour uint32
	ISPCtl         uint32
	FragFlags      uint32
	Reserved       [80]byte
}

// SizeBytes implements Marshallable.SizeBytes.
func (*CmdFrag) SizeBytes() int { return CmdFragBytes }

// MarshalBytes implements Marshallable.MarshalBytes.
func (c *CmdFrag) MarshalBytes(dst []byte) {
	c.Common.MarshalBytes(dst[0:8])
	binary.LittleEndian.PutUint64(dst[8:16], c.ISPSceneBase)
	binary.LittleEndian.PutUint64(dst[16:24], c.ISPZLoadBase)
	binary.LittleEndian.PutUint64(dst[24:32], c.ISPZStoreBase)
	for i, w := range c.PBEWords {
		binary.LittleEndian.PutUint64(dst[32+8*i:40+8*i], w)
	}
	binary.LittleEndian.PutUint32(dst[96:100], c.ISPBgObjDepth)
	binary.LittleEndian.PutUint32(dst[100:104], c.ISPBgObjColour)
	binary.LittleEndian.PutUint32(dst[104:108], c.ISPCtl)
	binary.LittleEndian.PutUint32(dst[108:112], c.FragFlags)
	copy(dst[112:CmdFragBytes], c.Reserved[:])
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (c *CmdFrag) UnmarshalBytes(src []byte) {
	c.Common.UnmarshalBytes(src[0:8])
	c.ISPSceneBase = binary.LittleEndian.Uint64(src[8:16])
	c.ISPZLoadBase = binary.LittleEndian.Uint64(src[16:24])
	c.ISPZStoreBase = binary.LittleEndian.Uint64(src[24:32])
	for i := range c.PBEWords {
		c.PBEWords[i] = binary.LittleEndian.Uint64(src[32+8*i : 40+8*i])
	}
	c.ISPBgObjDepth = binary.LittleEndian.Uint32(src[96:100])
	c.ISPBgObjColour = binary.LittleEndian.Uint32(src[100:104])
	c.ISPCtl = binary.LittleEndian.Uint32(src[104:108])
	c.FragFlags = binary.LittleEndian.Uint32(src[108:112])
	copy(c.Reserved[:], src[112:CmdFragBytes])
}

// CmdCDM is the compute command structure.
type CmdCDM struct {
	Common            CmdCommon
	CDMCtrlStreamBase uint64
	CtxStateBase      uint64
	ExecuteCount      uint32
	CDMFlags          uint32
	Reserved          [32]byte
}

// SizeBytes implements Marshallable.SizeBytes.
func (*CmdCDM) SizeBytes() int { return CmdCDMBytes }

// MarshalBytes implements Marshallable.MarshalBytes.
func (c *CmdCDM) MarshalBytes(dst []byte) {
	c.Common.MarshalBytes(dst[0:8])
	binary.LittleEndian.PutUint64(dst[8:16], c.CDMCtrlStreamBase)
	binary.LittleEndian.PutUint64(dst[16:24], c.CtxStateBase)
	binary.LittleEndian.PutUint32(dst[24:28], c.ExecuteCount)
	binary.LittleEndian.PutUint32(dst[28:32], c.CDMFlags)
	copy(dst[32:CmdCDMBytes], c.Reserved[:])
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (c *CmdCDM) UnmarshalBytes(src []byte) {
	c.Common.UnmarshalBytes(src[0:8])
	c.CDMCtrlStreamBase = binary.LittleEndian.Uint64(src[8:16])
	c.CtxStateBase = binary.LittleEndian.Uint64(src[16:24])
	c.ExecuteCount = binary.LittleEndian.Uint32(src[24:28])
	c.CDMFlags = binary.LittleEndian.Uint32(src[28:32])
	copy(c.Reserved[:], src[32:CmdCDMBytes])
}

// CmdTransfer is the transfer command structure.
type CmdTransfer struct {
	Common         CmdCommon
	CtrlStreamBase uint64
	TransferFlags  uint32
	Reserved0      uint32
	Reserved       [24]byte
}

// SizeBytes implements Marshallable.SizeBytes.
func (*CmdTransfer) SizeBytes() int { return CmdTransferBytes }

// MarshalBytes implements Marshallable.MarshalBytes.
func (c *CmdTransfer) MarshalBytes(dst []byte) {
	c.Common.MarshalBytes(dst[0:8])
	binary.LittleEndian.PutUint64(dst[8:16], c.CtrlStreamBase)
	binary.LittleEndian.PutUint32(dst[16:20], c.TransferFlags)
	binary.LittleEndian.PutUint32(dst[20:24], c.Reserved0)
	copy(dst[24:CmdTransferBytes], c.Reserved[:])
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (c *CmdTransfer) UnmarshalBytes(src []byte) {
	c.Common.UnmarshalBytes(src[0:8])
	c.CtrlStreamBase = binary.LittleEndian.Uint64(src[8:16])
	c.TransferFlags = binary.LittleEndian.Uint32(src[16:20])
	c.Reserved0 = binary.LittleEndian.Uint32(src[20:24])
	copy(c.Reserved[:], src[24:CmdTransferBytes])
}

// Reset-framework record formats.
const (
	// ResetFrameworkFormatV1 is the only format currently defined.
	ResetFrameworkFormatV1 uint32 = 1
)

// ResetFramework is the optional per-context reset-framework record: the
// register state the firmware reloads after resetting the context. Flags has
// no defined bits yet and must be zero.
type ResetFramework struct {
	Format            uint32
	Flags             uint32
	CDMCtrlStreamBase uint64
}

// ResetFrameworkBytes is the wire size of ResetFramework.
const ResetFrameworkBytes = 16

// SizeBytes implements Marshallable.SizeBytes.
func (*ResetFramework) SizeBytes() int { return ResetFrameworkBytes }

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *ResetFramework) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], r.Format)
	binary.LittleEndian.PutUint32(dst[4:8], r.Flags)
	binary.LittleEndian.PutUint64(dst[8:16], r.CDMCtrlStreamBase)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *ResetFramework) UnmarshalBytes(src []byte) {
	r.Format = binary.LittleEndian.Uint32(src[0:4])
	r.Flags = binary.LittleEndian.Uint32(src[4:8])
	r.CDMCtrlStreamBase = binary.LittleEndian.Uint64(src[8:16])
}
