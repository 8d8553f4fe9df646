/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package taskrunner

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/prerender-dev/prerender/pkg/prerender/contracts"
)

// Timer is a one-shot timer whose callback runs as a task on a sequence.
//
// Start and Stop must be called from the sequence. The clock callback only posts a task, so it never touches timer
// state and never calls back into the clock; a fake clock may therefore fire it while holding its own lock. A task
// posted by a timer that was stopped or restarted in the meantime is a no-op.
type Timer struct {
	clock clock.WithDelayedExecution
	seq   contracts.Sequence
	timer clock.Timer
	gen   uint64
}

// NewTimer creates a stopped timer.
func NewTimer(clk clock.WithDelayedExecution, seq contracts.Sequence) *Timer {
	return &Timer{clock: clk, seq: seq}
}

// Start (re)arms the timer. A previously armed callback will not run.
func (t *Timer) Start(d time.Duration, fn func()) {
	t.Stop()
	gen := t.gen
	t.timer = t.clock.AfterFunc(d, func() {
		t.seq.Post(func() {
			if t.gen != gen || t.timer == nil {
				return
			}
			t.timer = nil
			fn()
		})
	})
}

// Stop disarms the timer. It is idempotent.
func (t *Timer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

// Running reports whether the timer is armed and has not fired.
func (t *Timer) Running() bool { return t.timer != nil }
