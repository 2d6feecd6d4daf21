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

package log

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type testEmitter struct {
	mu    sync.Mutex
	lines []string
}

func (e *testEmitter) Emit(level Level, timestamp time.Time, format string, v ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lines = append(e.lines, level.String()+": "+format)
}

func (e *testEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.lines)
}

func TestLevelGate(t *testing.T) {
	e := &testEmitter{}
	l := &BasicLogger{Level: Info, Emitter: e}
	l.Debugf("dropped")
	l.Infof("kept")
	l.Warningf("kept")
	if got := e.count(); got != 2 {
		t.Errorf("got %d lines, want 2: %q", got, e.lines)
	}
	if l.IsLogging(Debug) {
		t.Error("IsLogging(Debug) = true at level Info")
	}
	if !l.IsLogging(Warning) {
		t.Error("IsLogging(Warning) = false at level Info")
	}
}

func TestWriterPrefix(t *testing.T) {
	var sb strings.Builder
	w := &Writer{Next: &sb}
	w.Emit(Warning, time.Date(2026, 2, 3, 4, 5, 6, 7000, time.UTC), "ctx %d reset", 12)
	got := sb.String()
	want := "W0203 04:05:06.000007] ctx 12 reset\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSetTargetKeepsLevel(t *testing.T) {
	old := Log()
	defer logger.Store(old)

	SetLevel(Debug)
	e := &testEmitter{}
	SetTarget(e)
	if got := Log().Level; got != Debug {
		t.Errorf("level after SetTarget = %v, want %v", got, Debug)
	}
	Debugf("visible")
	if got := e.count(); got != 1 {
		t.Errorf("got %d lines, want 1", got)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	e := &testEmitter{}
	l := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: e}, time.Hour)
	for i := 0; i < 10; i++ {
		l.Warningf("flood %d", i)
	}
	if got := e.count(); got != 1 {
		t.Errorf("got %d lines after burst, want 1", got)
	}
}
