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

// Package drverr defines the driver core's error classes as comparable
// *Error values, each carrying the errno surfaced at the ioctl edge.
//
// Internal layers wrap these with fmt.Errorf("...: %w", err) to add context;
// the class is recovered with errors.Is or ToErrno.
package drverr

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Error is an error class with a fixed errno. Values are compared by
// pointer; every class is a distinct package-level value.
type Error struct {
	errno   unix.Errno
	message string
}

// New creates a new *Error. It is exported for tests that need a class
// foreign to the driver; the driver itself only uses the package-level
// values.
func New(errno unix.Errno, message string) *Error {
	return &Error{errno: errno, message: message}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the errno surfaced to userspace for this class.
func (e *Error) Errno() unix.Errno { return e.errno }

// The driver's error classes.
var (
	// EINVAL: malformed request (unknown flags, bad stream length,
	// nonzero padding, type mismatch).
	EINVAL = New(unix.EINVAL, "invalid argument")

	// ENOENT: stale or unknown handle.
	ENOENT = New(unix.ENOENT, "no such object")

	// ENOMEM: transient allocation failure, host or firmware heap.
	ENOMEM = New(unix.ENOMEM, "out of memory")

	// EFAULT: user pointer copy failure.
	EFAULT = New(unix.EFAULT, "bad address")

	// EBUSY: a ring has no space; retried internally before surfacing.
	EBUSY = New(unix.EBUSY, "device busy")

	// EAGAIN: ring still full after bounded retries; callers should
	// backpressure.
	EAGAIN = New(unix.EAGAIN, "resource temporarily unavailable")

	// ETIMEDOUT: the firmware did not respond in time.
	ETIMEDOUT = New(unix.ETIMEDOUT, "firmware timeout")

	// EIO: firmware reset or hardware fault; reported through fences,
	// never as a submission result.
	EIO = New(unix.EIO, "device error")

	// EPERM: caller lacks the capability for the request (high priority).
	EPERM = New(unix.EPERM, "operation not permitted")

	// EEXIST: handle already present in its table.
	EEXIST = New(unix.EEXIST, "object exists")

	// EOVERFLOW: size or offset arithmetic would overflow.
	EOVERFLOW = New(unix.EOVERFLOW, "value too large")

	// ENOSPC: the firmware heap cannot fit the request.
	ENOSPC = New(unix.ENOSPC, "no space in firmware heap")
)

// ToErrno extracts the errno for err. Unrecognized errors map to EINVAL,
// matching the ioctl layer's catch-all.
func ToErrno(err error) unix.Errno {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno()
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EINVAL
}
