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

package drverr

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestClassSurvivesWrapping(t *testing.T) {
	wrapped := fmt.Errorf("allocating context state: %w", ENOMEM)
	if !errors.Is(wrapped, ENOMEM) {
		t.Errorf("errors.Is(%v, ENOMEM) = false, want true", wrapped)
	}
	if got, want := ToErrno(wrapped), unix.ENOMEM; got != want {
		t.Errorf("ToErrno(%v) = %v, want %v", wrapped, got, want)
	}
}

func TestToErrno(t *testing.T) {
	for _, test := range []struct {
		err  error
		want unix.Errno
	}{
		{EINVAL, unix.EINVAL},
		{ENOENT, unix.ENOENT},
		{EBUSY, unix.EBUSY},
		{EAGAIN, unix.EAGAIN},
		{ETIMEDOUT, unix.ETIMEDOUT},
		{EIO, unix.EIO},
		{unix.EINTR, unix.EINTR},
		{errors.New("unclassified"), unix.EINVAL},
	} {
		if got := ToErrno(test.err); got != test.want {
			t.Errorf("ToErrno(%v) = %v, want %v", test.err, got, test.want)
		}
	}
}

func TestClassesAreDistinct(t *testing.T) {
	if errors.Is(EBUSY, EAGAIN) {
		t.Error("EBUSY compares equal to EAGAIN")
	}
	if EINVAL.Error() == "" {
		t.Error("EINVAL has no message")
	}
}
