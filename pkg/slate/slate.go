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

// Package slate implements the submission and synchronization core of the
// Slate GPU driver.
//
// A Device owns the firmware carveout, the kernel rings, and two service
// goroutines: the completion worker, which is the only consumer of the
// firmware CCB and the only finalizer of fences, and the reaper, which
// retires contexts after the firmware acknowledges their cleanup. Files
// hold the per-open handle tables; Contexts own per-data-master client
// CCBs and fence timelines.
//
// Lock ordering, outermost first:
//
//	gem.Object locks (in global sequence order, via gem.LockAll)
//	queue.mu    (one context queue at a time)
//	kernelCCB.mu
//	leaf locks: Device.ctxMu, Device.cleanupMu, File table locks,
//	Syncobj.mu, File.tlMu, fence and list locks (see package syncpt)
//
// No leaf lock is held while acquiring anything above it. The doorbell is
// rung outside all locks.
package slate
