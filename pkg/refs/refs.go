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

// Package refs provides an embeddable reference counter with optional leak
// checking.
//
// Firmware-visible objects (carveout regions, fences, contexts) stay alive
// while either the host or the firmware may still touch them, so their
// lifetimes are governed by a count rather than scope. Types embed Refs,
// initialize it with Init, and route their teardown through DecRef:
//
//	type Region struct {
//		refs.Refs
//		...
//	}
//
//	func (r *Region) DecRef() {
//		r.Refs.DecRef(func() { r.destroy() })
//	}
package refs

import (
	"fmt"
	"sync/atomic"

	"slate.dev/slate/pkg/log"
)

// CheckedObject is implemented by the owners of a Refs so the leak checker
// can describe what leaked.
type CheckedObject interface {
	// RefType is the type of the reference-counted object.
	RefType() string

	// LeakMessage supplies a warning to be printed upon leak detection.
	LeakMessage() string

	// LogRefs indicates whether reference count events should be logged.
	LogRefs() bool
}

// Refs implements a reference count. Use Init before first use; the zero
// value panics on IncRef and DecRef.
type Refs struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used for TryIncRef, to avoid a
	// CompareAndSwap loop. See IncRef, DecRef and TryIncRef for details of
	// how these fields are used.
	refCount atomic.Int64

	// obj describes the owner in leak reports. nil until Init.
	obj CheckedObject
}

// Init initializes the count to 1 and registers the owner with the leak
// checker.
func (r *Refs) Init(obj CheckedObject) {
	r.refCount.Store(1)
	r.obj = obj
	register(obj)
}

// RefType returns the owner's type for leak reports.
func (r *Refs) RefType() string {
	if r.obj == nil {
		return "unknown"
	}
	return r.obj.RefType()
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Refs) ReadRefs() int64 {
	return r.refCount.Load()
}

// IncRef implements RefCounter.IncRef.
//
// Precondition: the caller must already hold a reference.
func (r *Refs) IncRef() {
	v := r.refCount.Add(1)
	if r.obj != nil && r.obj.LogRefs() {
		logEvent(r.obj, fmt.Sprintf("IncRef to %d", v))
	}
	if v <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p on %s", r, r.RefType()))
	}
}

// TryIncRef attempts to increment the reference count, unless the count has
// already reached zero. It returns whether a reference was acquired.
//
// To do this safely without a loop, a speculative reference is first acquired
// on the object. This allows multiple concurrent TryIncRef calls to
// distinguish other TryIncRef calls from genuine references held.
func (r *Refs) TryIncRef() bool {
	const speculativeRef = 1 << 32
	if v := r.refCount.Add(speculativeRef); int32(v) == 0 {
		// This object has already been freed.
		r.refCount.Add(-speculativeRef)
		return false
	}

	// Turn into a real reference.
	v := r.refCount.Add(-speculativeRef + 1)
	if r.obj != nil && r.obj.LogRefs() {
		logEvent(r.obj, fmt.Sprintf("TryIncRef to %d", v))
	}
	return true
}

// DecRef decrements the reference count, and calls destroy if the count
// reaches zero. destroy may be nil.
//
// Precondition: the caller must hold a reference; destroy must not call back
// into DecRef on the same Refs.
func (r *Refs) DecRef(destroy func()) {
	v := r.refCount.Add(-1)
	if r.obj != nil && r.obj.LogRefs() {
		logEvent(r.obj, fmt.Sprintf("DecRef to %d", v))
	}
	switch {
	case v < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p on %s", r, r.RefType()))

	case v == 0:
		if r.obj != nil {
			unregister(r.obj)
		}
		if destroy != nil {
			destroy()
		}
	}
}

func logEvent(obj CheckedObject, msg string) {
	log.Infof("[%s %p] %s", obj.RefType(), obj, msg)
}
