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

package host

import (
	"fmt"
	"time"

	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/pkg/prerender/taskrunner"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

// headerWait is one header-wait episode. An episode emits exactly one started and one finished event.
type headerWait struct {
	navID     types.NavigationID
	timer     *taskrunner.Timer
	prevState types.State
	startedAt time.Time
}

// BeginHeaderWait blocks the activation navigation navID on this candidate's response headers. onTimeout runs as a
// task on the sequence if the wait is still open after timeout.
func (h *Host) BeginHeaderWait(navID types.NavigationID, timeout time.Duration, onTimeout func()) error {
	if h.wait != nil {
		return fmt.Errorf("%w: a header wait is already open for navigation %s", types.ErrInvalidTransition, h.wait.navID)
	}
	if h.state != types.StateNavigatingInitial || h.headersReceived {
		return fmt.Errorf("%w: cannot wait for headers in state %s", types.ErrInvalidTransition, h.state)
	}
	w := &headerWait{
		navID:     navID,
		timer:     taskrunner.NewTimer(h.env.Clock, h.env.Sequence),
		prevState: h.state,
		startedAt: h.env.Clock.Now(),
	}
	h.wait = w
	h.setState(types.StateWaitingForHeaders)
	h.emit(types.Event{
		Kind:             types.EventHeaderWaitStarted,
		OldState:         h.state,
		NewState:         h.state,
		HeaderWaitReason: types.HeaderWaitWithTimeout,
	})
	w.timer.Start(timeout, func() {
		if h.wait != w {
			return
		}
		onTimeout()
	})
	h.logger.V(logging.DEBUG).Info("Waiting for headers", "activationNavigationID", navID, "timeout", timeout)
	return nil
}

// HeaderWaitNavigation returns the activation navigation blocked on this host, if any.
func (h *Host) HeaderWaitNavigation() (types.NavigationID, bool) {
	if h.wait == nil {
		return 0, false
	}
	return h.wait.navID, true
}

// FinishHeaderWait closes the open episode with reason and reports whether one was open. With restoreState the host
// returns to the state it had before the wait (`StateReady` if the initial navigation committed meanwhile); otherwise it
// stays in `StateWaitingForHeaders` until the caller moves it on (typically by cancelling it).
func (h *Host) FinishHeaderWait(reason types.HeaderWaitReason, restoreState bool) bool {
	w := h.wait
	if w == nil {
		return false
	}
	h.finishHeaderWait(reason)
	if restoreState && h.state == types.StateWaitingForHeaders {
		next := w.prevState
		if next == types.StateNavigatingInitial && h.initialNavFinished {
			next = types.StateReady
		}
		h.setState(next)
	}
	return true
}

func (h *Host) finishHeaderWait(reason types.HeaderWaitReason) {
	w := h.wait
	h.wait = nil
	w.timer.Stop()
	h.emit(types.Event{
		Kind:             types.EventHeaderWaitFinished,
		OldState:         h.state,
		NewState:         h.state,
		HeaderWaitReason: reason,
	})
	h.logger.V(logging.DEBUG).Info("Header wait finished", "reason", reason,
		"waited", h.env.Clock.Since(w.startedAt))
}
