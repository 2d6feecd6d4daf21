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

package slate

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"slate.dev/slate/pkg/abi/slategpu"
	"slate.dev/slate/pkg/ccb"
	"slate.dev/slate/pkg/drverr"
	"slate.dev/slate/pkg/slate/emu"
	"slate.dev/slate/pkg/syncpt"
)

// recShape is a record's type and payload size, for comparing ring layouts.
type recShape struct {
	Type slategpu.CCBRecordType
	Size uint16
}

type ringRecord struct {
	shape   recShape
	pos     uint32 // data-area byte position of the header
	payload []byte
}

// readRecords parses the published records in [from, to) directly from ring
// memory, leaving the consumer offset alone so the firmware model can still
// run them later.
func (e *testEnv) readRecords(r *ccb.Ring, from, to uint32) []ringRecord {
	e.t.Helper()
	size := r.Size()
	data := e.mem.Slice(r.BufAddr(), size)
	var recs []ringRecord
	for off := from; off != to; {
		pos := off & (size - 1)
		var hdr slategpu.CCBRecordHeader
		hdr.UnmarshalBytes(data[pos : pos+slategpu.CCBRecordHeaderBytes])
		total := slategpu.CCBRecordHeaderBytes + uint32(hdr.Size)
		if hdr.Type != slategpu.CCBRecordPadding {
			recs = append(recs, ringRecord{
				shape:   recShape{Type: hdr.Type, Size: hdr.Size},
				pos:     pos,
				payload: data[pos+slategpu.CCBRecordHeaderBytes : pos+total],
			})
		}
		off = (off + total) & (2*size - 1)
	}
	return recs
}

func shapes(recs []ringRecord) []recShape {
	out := make([]recShape, len(recs))
	for i, r := range recs {
		out[i] = r.shape
	}
	return out
}

func ufoAt(t *testing.T, payload []byte, i int) slategpu.UFO {
	t.Helper()
	var u slategpu.UFO
	u.UnmarshalBytes(payload[i*slategpu.UFOBytes : (i+1)*slategpu.UFOBytes])
	return u
}

// kccbWriteOffset reads the kernel ring's published write offset from the
// shared control word. The worker posts concurrently, so the producer-side
// view cannot be read directly.
func (e *testEnv) kccbWriteOffset() uint32 {
	return e.mem.Word32(e.dev.kccbRing.CtlAddr() + slategpu.CCBCtlWriteOffset).Load()
}

// kicksBetween parses the kernel ring slots in [from, to) and returns the
// kick commands, skipping power and flush traffic from the worker.
func (e *testEnv) kicksBetween(from, to uint32) []slategpu.KCCBCmd {
	e.t.Helper()
	r := e.dev.kccbRing
	size := r.Size()
	data := e.mem.Slice(r.BufAddr(), size)
	var out []slategpu.KCCBCmd
	for off := from; off != to; off = (off + slategpu.KCCBCmdBytes) & (2*size - 1) {
		pos := off & (size - 1)
		var cmd slategpu.KCCBCmd
		cmd.UnmarshalBytes(data[pos : pos+slategpu.KCCBCmdBytes])
		switch cmd.Type {
		case slategpu.KCCBCmdKickGeom, slategpu.KCCBCmdKickFrag, slategpu.KCCBCmdKickCDM, slategpu.KCCBCmdKickTransfer:
			out = append(out, cmd)
		}
	}
	return out
}

func kickData(cmd *slategpu.KCCBCmd) slategpu.KickData {
	var kd slategpu.KickData
	cmd.GetPayload(&kd)
	return kd
}

// mustFence returns the syncobj's fence; released at test end.
func (e *testEnv) mustFence(h uint32) *syncpt.Fence {
	e.t.Helper()
	fe, err := e.file.SyncobjFence(h)
	if err != nil || fe == nil {
		e.t.Fatalf("SyncobjFence(%d) = %v, %v", h, fe, err)
	}
	e.t.Cleanup(fe.DecRef)
	return fe
}

func TestComputeRecordLayout(t *testing.T) {
	e := newTestEnv(t, emu.Options{}, Options{})
	e.model.Pause()
	ctx := e.createContext(slategpu.ContextTypeCompute)
	c := e.context(ctx)
	q := c.queueFor(slategpu.DMCDM)

	out := e.file.CreateSyncobj()
	args := computeArgs(ctx)
	args.OutHandle = out
	e.submit(args)
	woff1 := q.ring.WriteOffset()

	// An unfenced job is exactly a command record and its update; no
	// FENCE record appears.
	recs := e.readRecords(q.ring, 0, woff1)
	want := []recShape{
		{slategpu.CCBRecordCDM, slategpu.CmdCDMBytes},
		{slategpu.CCBRecordUpdate, slategpu.UFOBytes},
	}
	if diff := cmp.Diff(want, shapes(recs)); diff != "" {
		t.Fatalf("ring records mismatch (-want +got):\n%s", diff)
	}
	fe := e.mustFence(out)
	if got := ufoAt(t, recs[1].payload, 0); got != fe.UpdateUFO() {
		t.Errorf("UPDATE UFO = %+v, want %+v", got, fe.UpdateUFO())
	}
	if got := q.ring.DepCount(recs[0].pos / 8); got != 0 {
		t.Errorf("command dependency count = %d, want 0", got)
	}
	var cc slategpu.CmdCommon
	cc.UnmarshalBytes(recs[0].payload[:slategpu.CmdCommonBytes])
	if cc.FrameNum != 1 {
		t.Errorf("stamped frame number = %d, want 1", cc.FrameNum)
	}
	kicks := e.kicksBetween(0, e.kccbWriteOffset())
	if len(kicks) != 1 || kicks[0].Type != slategpu.KCCBCmdKickCDM {
		t.Fatalf("kernel ring kicks = %v, want one KICK_CDM", kicks)
	}
	kd := kickData(&kicks[0])
	if kd.CtxFWAddr != q.fwCtx.FWAddr() || kd.CCBWriteOffset != woff1 {
		t.Errorf("KickData = %+v, want ctx %#x woff %#x", kd, q.fwCtx.FWAddr(), woff1)
	}
	if kd.HWRTFWAddr != 0 {
		t.Errorf("compute kick carries render target %#x", kd.HWRTFWAddr)
	}

	// A fenced job grows a FENCE record carrying the imported child's
	// checkpoint, and the command's dependency count follows.
	out2 := e.file.CreateSyncobj()
	args = computeArgs(ctx)
	args.WaitHandles = []uint32{out}
	args.OutHandle = out2
	e.submit(args)
	woff2 := q.ring.WriteOffset()

	recs = e.readRecords(q.ring, woff1, woff2)
	want = []recShape{
		{slategpu.CCBRecordFence, slategpu.UFOBytes},
		{slategpu.CCBRecordCDM, slategpu.CmdCDMBytes},
		{slategpu.CCBRecordUpdate, slategpu.UFOBytes},
	}
	if diff := cmp.Diff(want, shapes(recs)); diff != "" {
		t.Fatalf("fenced ring records mismatch (-want +got):\n%s", diff)
	}
	fe2 := e.mustFence(out2)
	deps := fe2.Dependencies()
	if len(deps) != 1 {
		t.Fatalf("out-fence dependencies = %d, want 1", len(deps))
	}
	child := deps[0]
	if child.Timeline() != q.tl {
		t.Errorf("wait was not imported onto the queue's timeline")
	}
	got := ufoAt(t, recs[0].payload, 0)
	if got != child.ToUFO() {
		t.Errorf("FENCE UFO = %+v, want the import child's %+v", got, child.ToUFO())
	}
	if got == fe.ToUFO() {
		t.Errorf("FENCE references the waited checkpoint directly instead of its import")
	}
	if got := q.ring.DepCount(recs[1].pos / 8); got != 1 {
		t.Errorf("fenced command dependency count = %d, want 1", got)
	}
	cc.UnmarshalBytes(recs[1].payload[:slategpu.CmdCommonBytes])
	if cc.FrameNum != 2 {
		t.Errorf("stamped frame number = %d, want 2", cc.FrameNum)
	}
	kicks = e.kicksBetween(0, e.kccbWriteOffset())
	if len(kicks) != 2 {
		t.Fatalf("kernel ring kicks = %d, want 2", len(kicks))
	}
	if kd := kickData(&kicks[1]); kd.CCBWriteOffset != woff2 {
		t.Errorf("second kick woff = %#x, want %#x", kd.CCBWriteOffset, woff2)
	}

	e.model.Resume()
	if e.resolve(out) || e.resolve(out2) {
		t.Fatalf("chained jobs resolved errored")
	}
}

func TestRenderFragmentOnly(t *testing.T) {
	e := newTestEnv(t, emu.Options{}, Options{})

	// A completed compute job provides the external wait.
	cctx := e.createContext(slategpu.ContextTypeCompute)
	parent := e.file.CreateSyncobj()
	args := computeArgs(cctx)
	args.OutHandle = parent
	e.submit(args)
	e.resolve(parent)

	e.model.Pause()
	rctx := e.createContext(slategpu.ContextTypeRender)
	rc := e.context(rctx)
	geomQ := rc.queueFor(slategpu.DMGeom)
	fragQ := rc.queueFor(slategpu.DMFrag)

	out := e.file.CreateSyncobj()
	e.submit(&SubmitArgs{
		Context:     rctx,
		Type:        slategpu.JobTypeRender,
		Frag:        make([]byte, slategpu.CmdFragBytes),
		WaitHandles: []uint32{parent},
		OutHandle:   out,
	})

	if woff := geomQ.ring.WriteOffset(); woff != 0 {
		t.Fatalf("geometry ring written (%#x) by a fragment-only job", woff)
	}
	recs := e.readRecords(fragQ.ring, 0, fragQ.ring.WriteOffset())
	want := []recShape{
		{slategpu.CCBRecordFence, slategpu.UFOBytes},
		{slategpu.CCBRecordFrag, slategpu.CmdFragBytes},
		{slategpu.CCBRecordUpdate, slategpu.UFOBytes},
	}
	if diff := cmp.Diff(want, shapes(recs)); diff != "" {
		t.Fatalf("fragment ring records mismatch (-want +got):\n%s", diff)
	}
	fe := e.mustFence(out)
	deps := fe.Dependencies()
	if len(deps) != 1 {
		t.Fatalf("out-fence dependencies = %d, want 1", len(deps))
	}
	if deps[0].Timeline() != fragQ.tl {
		t.Errorf("external wait imported onto %s, want the fragment timeline", deps[0].Timeline().Name())
	}

	e.model.Resume()
	if e.resolve(out) {
		t.Fatalf("fragment job errored")
	}
	s := e.model.Stats()
	if s.JobsByDM[slategpu.DMGeom] != 0 || s.JobsByDM[slategpu.DMFrag] != 1 {
		t.Errorf("firmware ran geom=%d frag=%d, want 0 and 1", s.JobsByDM[slategpu.DMGeom], s.JobsByDM[slategpu.DMFrag])
	}
}

func TestRenderGeomFragPair(t *testing.T) {
	e := newTestEnv(t, emu.Options{}, Options{})
	e.model.Pause()
	rctx := e.createContext(slategpu.ContextTypeRender)
	rc := e.context(rctx)
	geomQ := rc.queueFor(slategpu.DMGeom)
	fragQ := rc.queueFor(slategpu.DMFrag)

	out := e.file.CreateSyncobj()
	e.submit(&SubmitArgs{
		Context:   rctx,
		Type:      slategpu.JobTypeRender,
		Geom:      make([]byte, slategpu.CmdGeomBytes),
		Frag:      make([]byte, slategpu.CmdFragBytes),
		HWRTAddr:  0x4000,
		HWRTIndex: 1,
		OutHandle: out,
	})

	geomRecs := e.readRecords(geomQ.ring, 0, geomQ.ring.WriteOffset())
	if diff := cmp.Diff([]recShape{
		{slategpu.CCBRecordGeom, slategpu.CmdGeomBytes},
		{slategpu.CCBRecordUpdate, slategpu.UFOBytes},
	}, shapes(geomRecs)); diff != "" {
		t.Fatalf("geometry ring mismatch (-want +got):\n%s", diff)
	}
	fragRecs := e.readRecords(fragQ.ring, 0, fragQ.ring.WriteOffset())
	if diff := cmp.Diff([]recShape{
		{slategpu.CCBRecordFence, slategpu.UFOBytes},
		{slategpu.CCBRecordFrag, slategpu.CmdFragBytes},
		{slategpu.CCBRecordUpdate, slategpu.UFOBytes},
	}, shapes(fragRecs)); diff != "" {
		t.Fatalf("fragment ring mismatch (-want +got):\n%s", diff)
	}

	// The fragment pass gates on geometry's own out-fence, unimported.
	fe := e.mustFence(out)
	deps := fe.Dependencies()
	if len(deps) != 1 {
		t.Fatalf("fragment out-fence dependencies = %d, want 1", len(deps))
	}
	geomOut := deps[0]
	if geomOut.Timeline() != geomQ.tl {
		t.Errorf("fragment's dependency lives on %s, want the geometry timeline", geomOut.Timeline().Name())
	}
	if got := ufoAt(t, fragRecs[0].payload, 0); got != geomOut.ToUFO() {
		t.Errorf("fragment FENCE UFO = %+v, want geometry's %+v", got, geomOut.ToUFO())
	}
	if got := fragQ.ring.DepCount(fragRecs[1].pos / 8); got != 1 {
		t.Errorf("fragment command dependency count = %d, want 1", got)
	}

	kicks := e.kicksBetween(0, e.kccbWriteOffset())
	if len(kicks) != 2 || kicks[0].Type != slategpu.KCCBCmdKickGeom || kicks[1].Type != slategpu.KCCBCmdKickFrag {
		t.Fatalf("kicks = %v, want KICK_GEOM then KICK_FRAG", kicks)
	}
	for i := range kicks {
		if kd := kickData(&kicks[i]); kd.HWRTFWAddr != 0x4000 || kd.HWRTIndex != 1 {
			t.Errorf("kick %d render target = %#x/%d, want 0x4000/1", i, kd.HWRTFWAddr, kd.HWRTIndex)
		}
	}

	e.model.Resume()
	if e.resolve(out) {
		t.Fatalf("render pair errored")
	}
	s := e.model.Stats()
	if s.JobsByDM[slategpu.DMGeom] != 1 || s.JobsByDM[slategpu.DMFrag] != 1 || s.Kicks != 2 {
		t.Errorf("firmware stats = %+v, want one geom and one frag job over two kicks", s)
	}
}

func TestSubmitValidation(t *testing.T) {
	e := newTestEnv(t, emu.Options{}, Options{})
	cctx := e.createContext(slategpu.ContextTypeCompute)
	c := e.context(cctx)
	bo, err := e.file.CreateObject(4096)
	if err != nil {
		t.Fatalf("CreateObject failed: %v", err)
	}
	emptySo := e.file.CreateSyncobj()

	badFlags := make([]byte, slategpu.CmdCDMBytes)
	binary.LittleEndian.PutUint32(badFlags[4:8], 1<<31)
	dirtyReserved := make([]byte, slategpu.CmdCDMBytes)
	dirtyReserved[slategpu.CmdCDMBytes-1] = 1

	cases := []struct {
		name string
		args SubmitArgs
		want *drverr.Error
	}{
		{
			name: "unknown job type",
			args: SubmitArgs{Context: cctx, Type: 99, CDM: make([]byte, slategpu.CmdCDMBytes)},
			want: drverr.EINVAL,
		},
		{
			name: "zero-length fragment stream",
			args: SubmitArgs{Context: cctx, Type: slategpu.JobTypeRender, Frag: []byte{}},
			want: drverr.EINVAL,
		},
		{
			name: "render with no streams",
			args: SubmitArgs{Context: cctx, Type: slategpu.JobTypeRender},
			want: drverr.EINVAL,
		},
		{
			name: "truncated compute stream",
			args: SubmitArgs{Context: cctx, Type: slategpu.JobTypeCompute, CDM: make([]byte, 32)},
			want: drverr.EFAULT,
		},
		{
			name: "foreign stream on compute",
			args: SubmitArgs{Context: cctx, Type: slategpu.JobTypeCompute, CDM: make([]byte, slategpu.CmdCDMBytes), Geom: make([]byte, slategpu.CmdGeomBytes)},
			want: drverr.EINVAL,
		},
		{
			name: "unknown command flags",
			args: SubmitArgs{Context: cctx, Type: slategpu.JobTypeCompute, CDM: badFlags},
			want: drverr.EINVAL,
		},
		{
			name: "dirty reserved space",
			args: SubmitArgs{Context: cctx, Type: slategpu.JobTypeCompute, CDM: dirtyReserved},
			want: drverr.EINVAL,
		},
		{
			name: "unknown context",
			args: SubmitArgs{Context: 9999, Type: slategpu.JobTypeCompute, CDM: make([]byte, slategpu.CmdCDMBytes)},
			want: drverr.ENOENT,
		},
		{
			name: "job type does not match context",
			args: SubmitArgs{Context: cctx, Type: slategpu.JobTypeTransfer, Transfer: make([]byte, slategpu.CmdTransferBytes)},
			want: drverr.EINVAL,
		},
		{
			name: "render target on compute",
			args: SubmitArgs{Context: cctx, Type: slategpu.JobTypeCompute, CDM: make([]byte, slategpu.CmdCDMBytes), HWRTAddr: 0x1000},
			want: drverr.EINVAL,
		},
		{
			name: "unknown wait handle",
			args: SubmitArgs{Context: cctx, Type: slategpu.JobTypeCompute, CDM: make([]byte, slategpu.CmdCDMBytes), WaitHandles: []uint32{9999}},
			want: drverr.ENOENT,
		},
		{
			name: "wait on empty syncobj",
			args: SubmitArgs{Context: cctx, Type: slategpu.JobTypeCompute, CDM: make([]byte, slategpu.CmdCDMBytes), WaitHandles: []uint32{emptySo}},
			want: drverr.EINVAL,
		},
		{
			name: "unknown buffer object",
			args: SubmitArgs{Context: cctx, Type: slategpu.JobTypeCompute, CDM: make([]byte, slategpu.CmdCDMBytes), BOs: []BOIntent{{Handle: 9999}}},
			want: drverr.ENOENT,
		},
		{
			name: "duplicate buffer object",
			args: SubmitArgs{Context: cctx, Type: slategpu.JobTypeCompute, CDM: make([]byte, slategpu.CmdCDMBytes), BOs: []BOIntent{{Handle: bo}, {Handle: bo, Write: true}}},
			want: drverr.EINVAL,
		},
		{
			name: "null job with device work",
			args: SubmitArgs{Context: cctx, Type: slategpu.JobTypeNull},
			want: drverr.EINVAL,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			args := tc.args
			if err := e.file.Submit(&args); !errors.Is(err, tc.want) {
				t.Fatalf("Submit = %v, want %v", err, tc.want)
			}
		})
	}

	// Every rejection happened before anything was staged or minted.
	if woff := c.queueFor(slategpu.DMCDM).ring.WriteOffset(); woff != 0 {
		t.Errorf("client ring written (%#x) by rejected submissions", woff)
	}
	h := e.dev.Health()
	if h.JobsSubmitted != 0 || h.LiveFences != 0 {
		t.Errorf("health after rejections = %+v, want no jobs and no fences", h)
	}
}

func TestCreateContextValidation(t *testing.T) {
	e := newTestEnv(t, emu.Options{}, Options{})

	cases := []struct {
		name string
		args CreateContextArgs
		want *drverr.Error
	}{
		{"invalid type", CreateContextArgs{Type: 0}, drverr.EINVAL},
		{"unknown type", CreateContextArgs{Type: 99}, drverr.EINVAL},
		{"invalid priority", CreateContextArgs{Type: slategpu.ContextTypeCompute, Priority: 7}, drverr.EINVAL},
		{"ring too small", CreateContextArgs{Type: slategpu.ContextTypeCompute, CCCBSizeLog2: 3}, drverr.EINVAL},
		{"ring too large", CreateContextArgs{Type: slategpu.ContextTypeCompute, CCCBSizeLog2: 30}, drverr.EINVAL},
		{"short reset framework", CreateContextArgs{Type: slategpu.ContextTypeCompute, ResetFramework: make([]byte, 5)}, drverr.EINVAL},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.file.CreateContext(tc.args); !errors.Is(err, tc.want) {
				t.Fatalf("CreateContext = %v, want %v", err, tc.want)
			}
		})
	}

	// High priority needs a privileged file.
	unpriv := e.dev.OpenFile(false)
	defer unpriv.Close(time.Second)
	if _, err := unpriv.CreateContext(CreateContextArgs{Type: slategpu.ContextTypeCompute, Priority: slategpu.PriorityHigh}); !errors.Is(err, drverr.EPERM) {
		t.Errorf("unprivileged high-priority CreateContext = %v, want EPERM", err)
	}
	if _, err := unpriv.CreateContext(CreateContextArgs{Type: slategpu.ContextTypeCompute, Priority: slategpu.PriorityNormal}); err != nil {
		t.Errorf("unprivileged normal-priority CreateContext failed: %v", err)
	}

	// The created priority lands in the firmware context block.
	hi, err := e.file.CreateContext(CreateContextArgs{Type: slategpu.ContextTypeCompute, Priority: slategpu.PriorityHigh})
	if err != nil {
		t.Fatalf("privileged high-priority CreateContext failed: %v", err)
	}
	c := e.context(hi)
	var fc slategpu.FWCommonContext
	fc.UnmarshalBytes(e.mem.Slice(c.queueFor(slategpu.DMCDM).fwCtx.FWAddr(), slategpu.FWCommonContextBytes))
	if fc.Priority != slategpu.CtxPriorityHigh {
		t.Errorf("firmware context priority = %d, want %d", fc.Priority, slategpu.CtxPriorityHigh)
	}

	// A valid reset framework is copied into the carveout and linked.
	var rf slategpu.ResetFramework
	rf.Format = slategpu.ResetFrameworkFormatV1
	rf.CDMCtrlStreamBase = 0xbeef0000
	blob := make([]byte, slategpu.ResetFrameworkBytes)
	rf.MarshalBytes(blob)
	withRF, err := e.file.CreateContext(CreateContextArgs{Type: slategpu.ContextTypeCompute, ResetFramework: blob})
	if err != nil {
		t.Fatalf("CreateContext with reset framework failed: %v", err)
	}
	rc := e.context(withRF)
	if rc.resetFW == nil {
		t.Fatalf("reset framework not allocated")
	}
	fc.UnmarshalBytes(e.mem.Slice(rc.queueFor(slategpu.DMCDM).fwCtx.FWAddr(), slategpu.FWCommonContextBytes))
	if fc.ResetFWAddr != rc.resetFW.FWAddr() {
		t.Errorf("ResetFWAddr = %#x, want %#x", fc.ResetFWAddr, rc.resetFW.FWAddr())
	}
}

func TestClientRingFullRollsBack(t *testing.T) {
	e := newTestEnv(t, emu.Options{}, Options{
		CCCBSizeLog2:      8, // 256-byte rings
		SubmitRetryWindow: 5 * time.Millisecond,
	})
	e.model.Pause()
	ctx := e.createContext(slategpu.ContextTypeCompute)
	c := e.context(ctx)
	q := c.queueFor(slategpu.DMCDM)

	// Two jobs of 88 ring bytes each fit; the third does not while the
	// firmware is frozen.
	e.submit(computeArgs(ctx))
	e.submit(computeArgs(ctx))
	woff := q.ring.WriteOffset()
	live := e.dev.list.Len()

	err := e.file.Submit(computeArgs(ctx))
	if !errors.Is(err, drverr.EAGAIN) {
		t.Fatalf("Submit on a full ring = %v, want EAGAIN", err)
	}
	if got := q.ring.WriteOffset(); got != woff {
		t.Fatalf("write offset moved %#x -> %#x by a failed submit", woff, got)
	}
	if got := e.dev.Health().SubmitRetries; got == 0 {
		t.Errorf("SubmitRetries = 0, want backoff attempts")
	}
	e.poll("failed submit's fence to die", func() bool { return e.dev.list.Len() == live })

	// Once the firmware drains the ring the same job goes through.
	e.model.Resume()
	if err := e.file.WaitIdle(5 * time.Second); err != nil {
		t.Fatalf("WaitIdle failed: %v", err)
	}
	e.submit(computeArgs(ctx))
	if err := e.file.WaitIdle(5 * time.Second); err != nil {
		t.Fatalf("WaitIdle after resubmit failed: %v", err)
	}
	if got := e.dev.Health().JobsSubmitted; got != 3 {
		t.Errorf("JobsSubmitted = %d, want 3", got)
	}
}

func TestKernelRingFullRollsBack(t *testing.T) {
	e := newTestEnv(t, emu.Options{}, Options{SubmitRetryWindow: 5 * time.Millisecond})
	e.model.Pause()
	ctx := e.createContext(slategpu.ContextTypeCompute)
	c := e.context(ctx)
	q := c.queueFor(slategpu.DMCDM)

	// Fill the kernel ring with flush traffic the frozen firmware will
	// not consume.
	for {
		cmd := slategpu.KCCBCmd{Type: slategpu.KCCBCmdSyncUpdate}
		if err := e.dev.kccb.post(&cmd, nil); err != nil {
			if !errors.Is(err, drverr.EBUSY) {
				t.Fatalf("filling kernel ring: %v", err)
			}
			break
		}
	}

	err := e.file.Submit(computeArgs(ctx))
	if !errors.Is(err, drverr.EAGAIN) {
		t.Fatalf("Submit with full kernel ring = %v, want EAGAIN", err)
	}
	// The staged client records rolled back with the failed kick.
	if got := q.ring.WriteOffset(); got != 0 {
		t.Fatalf("client ring write offset = %#x after failed kick, want 0", got)
	}
	e.poll("failed submit's fence to die", func() bool { return e.dev.list.Len() == 0 })

	e.model.Resume()
	e.submit(computeArgs(ctx))
	if err := e.file.WaitIdle(5 * time.Second); err != nil {
		t.Fatalf("WaitIdle failed: %v", err)
	}
}

func TestImplicitSyncThroughBuffers(t *testing.T) {
	e := newTestEnv(t, emu.Options{}, Options{})
	ctxA := e.createContext(slategpu.ContextTypeCompute)
	ctxB := e.createContext(slategpu.ContextTypeCompute)
	bo, err := e.file.CreateObject(1 << 16)
	if err != nil {
		t.Fatalf("CreateObject failed: %v", err)
	}

	e.model.Pause()
	deps := func(h uint32) int {
		fe := e.mustFence(h)
		return len(fe.Dependencies())
	}

	// Writer first: nothing to wait on.
	soA := e.file.CreateSyncobj()
	args := computeArgs(ctxA)
	args.BOs = []BOIntent{{Handle: bo, Write: true}}
	args.OutHandle = soA
	e.submit(args)
	if got := deps(soA); got != 0 {
		t.Errorf("first writer dependencies = %d, want 0", got)
	}

	// Reader waits on the writer.
	soB := e.file.CreateSyncobj()
	args = computeArgs(ctxB)
	args.BOs = []BOIntent{{Handle: bo}}
	args.OutHandle = soB
	e.submit(args)
	if got := deps(soB); got != 1 {
		t.Errorf("reader dependencies = %d, want 1", got)
	}

	// A second reader orders after the first through the exclusive slot.
	soC := e.file.CreateSyncobj()
	args = computeArgs(ctxA)
	args.BOs = []BOIntent{{Handle: bo}}
	args.OutHandle = soC
	e.submit(args)
	if got := deps(soC); got != 1 {
		t.Errorf("second reader dependencies = %d, want 1", got)
	}

	// The next writer waits for every tracked fence on the reservation.
	soD := e.file.CreateSyncobj()
	args = computeArgs(ctxB)
	args.BOs = []BOIntent{{Handle: bo, Write: true}}
	args.OutHandle = soD
	e.submit(args)
	if got := deps(soD); got != 3 {
		t.Errorf("writer-after-readers dependencies = %d, want 3", got)
	}

	e.model.Resume()
	for _, h := range []uint32{soA, soB, soC, soD} {
		if e.resolve(h) {
			t.Fatalf("implicitly synchronized job errored")
		}
	}
}

func TestErrorPropagatesThroughFirmwareWaits(t *testing.T) {
	e := newTestEnv(t, emu.Options{}, Options{})
	ctx := e.createContext(slategpu.ContextTypeCompute)

	e.model.Pause()
	so1 := e.file.CreateSyncobj()
	args := computeArgs(ctx)
	args.OutHandle = so1
	e.submit(args)

	so2 := e.file.CreateSyncobj()
	args = computeArgs(ctx)
	args.WaitHandles = []uint32{so1}
	args.OutHandle = so2
	e.submit(args)

	// The host errors the first job's fence before the firmware runs
	// anything; the error must flow through the import into the second
	// job's update.
	fe1 := e.mustFence(so1)
	if !fe1.SignalErrored() {
		t.Fatalf("SignalErrored did not transition")
	}
	e.model.Resume()

	if !e.resolve(so2) {
		t.Fatalf("dependent job resolved clean after its wait errored")
	}
	h := e.dev.Health()
	if h.FencesErrored < 2 {
		t.Errorf("FencesErrored = %d, want at least the chain", h.FencesErrored)
	}
	if got := e.model.Stats().UpdatesErrored; got == 0 {
		t.Errorf("firmware recorded no errored updates")
	}
}

func TestBufferObjectLifecycle(t *testing.T) {
	e := newTestEnv(t, emu.Options{}, Options{})
	if _, err := e.file.CreateObject(0); !errors.Is(err, drverr.EINVAL) {
		t.Errorf("CreateObject(0) = %v, want EINVAL", err)
	}
	h, err := e.file.CreateObject(4096)
	if err != nil {
		t.Fatalf("CreateObject failed: %v", err)
	}
	o, err := e.file.Object(h)
	if err != nil {
		t.Fatalf("Object failed: %v", err)
	}
	if o.Size() != 4096 {
		t.Errorf("Size() = %d, want 4096", o.Size())
	}
	o.DecRef()
	if err := e.file.DestroyObject(h); err != nil {
		t.Fatalf("DestroyObject failed: %v", err)
	}
	if err := e.file.DestroyObject(h); !errors.Is(err, drverr.ENOENT) {
		t.Errorf("second DestroyObject = %v, want ENOENT", err)
	}
}
