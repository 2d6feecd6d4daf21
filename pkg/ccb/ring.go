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
	"fmt"

	"slate.dev/slate/pkg/fwmem"
)

// Ring is a CCB view that owns its backing carveout regions. The allocating
// side (always the host) creates rings; the firmware side attaches bare
// views with New.
type Ring struct {
	*CCB
	ctl *fwmem.Region
	buf *fwmem.Region
}

// Alloc carves control and data blocks for a fresh ring out of mem,
// initializes the control block, and returns the owning view.
func Alloc(mem *fwmem.Carveout, sizeLog2 uint32) (*Ring, error) {
	ctl, err := mem.Alloc(CtlBytes, 0, fwmem.AllocZeroed|fwmem.AllocUncached)
	if err != nil {
		return nil, fmt.Errorf("ring control block: %w", err)
	}
	buf, err := mem.Alloc(BufBytes(sizeLog2), 0, fwmem.AllocZeroed|fwmem.AllocUncached)
	if err != nil {
		ctl.DecRef()
		return nil, fmt.Errorf("ring data block: %w", err)
	}
	b, err := New(mem, ctl.FWAddr(), buf.FWAddr(), sizeLog2)
	if err != nil {
		buf.DecRef()
		ctl.DecRef()
		return nil, err
	}
	b.InitCtl()
	return &Ring{CCB: b, ctl: ctl, buf: buf}, nil
}

// Regions returns the backing control and data regions, for callers that
// need to take extra references across firmware handoff.
func (r *Ring) Regions() (ctl, buf *fwmem.Region) {
	return r.ctl, r.buf
}

// Destroy drops the ring's references on its backing regions. The caller
// must ensure the firmware no longer reads the ring.
func (r *Ring) Destroy() {
	r.buf.DecRef()
	r.ctl.DecRef()
}
