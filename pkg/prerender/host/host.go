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
	"net/url"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/pkg/prerender/capability"
	"github.com/prerender-dev/prerender/pkg/prerender/contracts"
	"github.com/prerender-dev/prerender/pkg/prerender/novarysearch"
	"github.com/prerender-dev/prerender/pkg/prerender/site"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

// Env carries the collaborators a host needs. It is shared by every host of a registry.
type Env struct {
	Clock        clock.WithDelayedExecution
	Sequence     contracts.Sequence
	Emit         func(types.Event)
	Logger       logr.Logger
	Capabilities *capability.Table
	// EnableNoVarySearchHint allows provisional matching on the trigger's No-Vary-Search hint.
	EnableNoVarySearchHint bool
}

// navigation is a main-frame navigation running inside the candidate's frame tree.
type navigation struct {
	id              types.NavigationID
	initial         bool
	url             *url.URL
	redirected      bool
	headersReceived bool
}

// Host is one candidate's lifecycle. It is owned by a registry and must only be used from the registry's sequence.
//
// A host never cancels itself: handlers return a non-zero `types.FinalStatus` when the candidate must be cancelled,
// and the registry carries the cancellation out through `Cancel`.
type Host struct {
	id        types.CandidateID
	attrs     types.Attributes
	env       *Env
	logger    logr.Logger
	createdAt time.Time

	state       types.State
	finalStatus types.FinalStatus

	// reference is the origin navigations are compared against: the initiator, or the registered URL's origin.
	reference *url.URL

	hint            *novarysearch.Policy
	noVarySearch    *novarysearch.Policy
	headersReceived bool
	loadCompleted   bool

	initialNavID       types.NavigationID
	initialNavFinished bool
	navigations        map[types.NavigationID]*navigation
	// pendingNavigationID is the script-initiated main-frame navigation in flight, if any.
	pendingNavigationID types.NavigationID

	committedURL *url.URL
	redirected   bool
	history      types.HistoryEntry

	deferred           capability.DeferredQueue
	cancelledInterface string

	wait       *headerWait
	reservedBy types.NavigationID
}

// New creates a host in the given initial state, which must be `StateInitializing` or `StateTriggeredButPending`.
func New(id types.CandidateID, attrs types.Attributes, initial types.State, env *Env) *Host {
	h := &Host{
		id:          id,
		attrs:       attrs,
		env:         env,
		logger:      env.Logger.WithValues("candidateID", id, "url", attrs.URL.String()),
		createdAt:   env.Clock.Now(),
		state:       initial,
		navigations: make(map[types.NavigationID]*navigation),
		history:     types.HistoryEntry{URL: attrs.URL.String()},
	}
	if attrs.InitiatorOrigin != nil {
		h.reference = site.Origin(attrs.InitiatorOrigin)
	} else {
		h.reference = site.Origin(attrs.URL)
	}
	if attrs.NoVarySearchHint != "" {
		p, err := novarysearch.Parse(attrs.NoVarySearchHint)
		if err != nil {
			h.logger.V(logging.DEFAULT).Info("Ignoring invalid No-Vary-Search hint", "hint", attrs.NoVarySearchHint,
				"err", err.Error())
		}
		h.hint = p
	}
	h.emit(types.Event{Kind: types.EventStateChanged, Created: true, OldState: types.StateInitializing, NewState: initial})
	return h
}

// --- Accessors ---

func (h *Host) ID() types.CandidateID          { return h.id }
func (h *Host) Attributes() types.Attributes   { return h.attrs }
func (h *Host) State() types.State             { return h.state }
func (h *Host) FinalStatus() types.FinalStatus { return h.finalStatus }
func (h *Host) InitialURL() *url.URL           { return h.attrs.URL }
func (h *Host) History() types.HistoryEntry    { return h.history }
func (h *Host) WereHeadersReceived() bool      { return h.headersReceived }
func (h *Host) ReservedBy() types.NavigationID { return h.reservedBy }
func (h *Host) Redirected() bool               { return h.redirected }
func (h *Host) DeferredCapabilities() int      { return h.deferred.Len() }

// CancelledInterface names the interface whose request cancelled the host, if any.
func (h *Host) CancelledInterface() string { return h.cancelledInterface }

// CommittedURL returns the last committed URL, or nil before the initial navigation committed.
func (h *Host) CommittedURL() *url.URL { return h.committedURL }

// PendingNavigationID returns the script-initiated main-frame navigation in flight, or zero.
func (h *Host) PendingNavigationID() types.NavigationID { return h.pendingNavigationID }

// InitialNavigationID returns the id of the initial navigation, or zero before it started.
func (h *Host) InitialNavigationID() types.NavigationID { return h.initialNavID }

// HasNavigationInFlight reports whether the initial navigation or a script-initiated main-frame navigation has not
// finished yet.
func (h *Host) HasNavigationInFlight() bool {
	return (h.initialNavID != 0 && !h.initialNavFinished) || h.pendingNavigationID != 0
}

// Snapshot returns a read-only copy of the host's visible fields.
func (h *Host) Snapshot() types.CandidateSnapshot {
	s := types.CandidateSnapshot{
		ID:                  h.id,
		InitialURL:          h.attrs.URL.String(),
		TriggerType:         h.attrs.TriggerType,
		Eagerness:           h.attrs.Eagerness,
		TargetHint:          h.attrs.TargetHint,
		State:               h.state,
		WereHeadersReceived: h.headersReceived,
		LoadCompleted:       h.loadCompleted,
		PendingNavigationID: h.pendingNavigationID,
		CreatedAt:           h.createdAt,
	}
	if h.committedURL != nil {
		s.CommittedURL = h.committedURL.String()
	}
	return s
}

// --- State ---

func (h *Host) emit(ev types.Event) {
	ev.Time = h.env.Clock.Now()
	ev.CandidateID = h.id
	ev.URL = h.attrs.URL.String()
	ev.TriggerType = h.attrs.TriggerType
	if h.env.Emit != nil {
		h.env.Emit(ev)
	}
}

func (h *Host) setState(next types.State) {
	prev := h.state
	if prev == next {
		return
	}
	h.state = next
	h.logger.V(logging.DEBUG).Info("Candidate state changed", "from", prev, "to", next)
	ev := types.Event{Kind: types.EventStateChanged, OldState: prev, NewState: next}
	if next.IsTerminal() {
		ev.FinalStatus = h.finalStatus
		ev.Interface = h.cancelledInterface
	}
	h.emit(ev)
}

// StartInitialNavigation records the initial navigation and moves the host to `StateNavigatingInitial`.
func (h *Host) StartInitialNavigation(navID types.NavigationID) error {
	if h.state != types.StateInitializing && h.state != types.StateTriggeredButPending {
		return fmt.Errorf("%w: cannot start the initial navigation in state %s", types.ErrInvalidTransition, h.state)
	}
	h.initialNavID = navID
	h.navigations[navID] = &navigation{id: navID, initial: true, url: h.attrs.URL}
	h.setState(types.StateNavigatingInitial)
	return nil
}

// Reserve marks the host as exclusively selected by the activation navigation navID.
func (h *Host) Reserve(navID types.NavigationID) error {
	if h.state != types.StateNavigatingInitial && h.state != types.StateReady {
		return fmt.Errorf("%w: cannot reserve in state %s", types.ErrInvalidTransition, h.state)
	}
	h.reservedBy = navID
	h.setState(types.StateReserved)
	return nil
}

// Activate completes a reserved host. Deferred capability requests are serviced synchronously, in arrival order,
// before Activate returns. It returns the number of requests released.
func (h *Host) Activate() (int, error) {
	if h.state != types.StateReserved {
		return 0, fmt.Errorf("%w: cannot activate in state %s", types.ErrInvalidTransition, h.state)
	}
	h.finalStatus = types.FinalStatusActivated
	released := h.deferred.Release()
	h.setState(types.StateActivated)
	h.logger.V(logging.DEFAULT).Info("Candidate activated", "releasedCapabilities", released)
	return released, nil
}

// Cancel moves the host to `StateCancelled`. Cancelling a terminal host is a no-op that returns false.
func (h *Host) Cancel(status types.FinalStatus) bool {
	if h.state.IsTerminal() {
		return false
	}
	if h.wait != nil {
		h.finishHeaderWait(types.HeaderWaitAborted)
	}
	h.finalStatus = status
	dropped := h.deferred.Drop()
	h.logger.V(logging.DEFAULT).Info("Candidate cancelled", "finalStatus", status, "droppedCapabilities", dropped)
	h.setState(types.StateCancelled)
	return true
}

// OnLoadCompleted records that the committed document finished loading.
func (h *Host) OnLoadCompleted() {
	h.loadCompleted = true
}

// --- Capability Gating ---

// RequestCapability classifies a request. Grant-class requests are bound immediately and Defer-class requests are
// queued until activation. A Cancel-class request returns the status the registry must cancel with. An
// Unexpected-class request returns `types.ErrUnexpectedCapability` and leaves the host untouched.
func (h *Host) RequestCapability(req capability.Request) (capability.Policy, types.FinalStatus, error) {
	if h.state.IsTerminal() {
		return capability.Cancel, types.FinalStatusUnspecified, fmt.Errorf("%w: host is %s", types.ErrInvalidTransition,
			h.state)
	}
	rule := h.env.Capabilities.Lookup(req.Interface)
	switch rule.Policy {
	case capability.Grant:
		if req.Bind != nil {
			req.Bind()
		}
	case capability.Defer:
		h.deferred.Push(req)
		h.logger.V(logging.TRACE).Info("Capability request deferred", "interface", req.Interface,
			"queued", h.deferred.Len())
	case capability.Cancel:
		h.cancelledInterface = req.Interface
		return rule.Policy, rule.Status, nil
	case capability.Unexpected:
		h.logger.Error(types.ErrUnexpectedCapability, "Protocol error from prerendering page", "interface", req.Interface)
		h.emit(types.Event{Kind: types.EventProtocolError, OldState: h.state, NewState: h.state, Interface: req.Interface})
		return rule.Policy, types.FinalStatusUnspecified, fmt.Errorf("%w: %s", types.ErrUnexpectedCapability, req.Interface)
	}
	return rule.Policy, types.FinalStatusUnspecified, nil
}
