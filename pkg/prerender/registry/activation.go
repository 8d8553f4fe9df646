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

package registry

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/pkg/prerender/host"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

// DeferResult is the answer of the commit-deferring condition.
type DeferResult int

const (
	// Proceed lets the activation navigation continue to `ResumeOrCancelActivation` immediately.
	Proceed DeferResult = iota
	// Pending holds the activation navigation. The resume callback is posted exactly once when it may continue.
	Pending
)

func (d DeferResult) String() string {
	switch d {
	case Proceed:
		return "Proceed"
	case Pending:
		return "Pending"
	default:
		return "UnknownDeferResult(" + strconv.Itoa(int(d)) + ")"
	}
}

// deferReason is what an activation attempt waits for before it may commit.
type deferReason int

const (
	deferNone deferReason = iota
	// deferWaitingForHeaders waits for the candidate's authoritative No-Vary-Search header.
	deferWaitingForHeaders
	// deferWaitingForCandidateNavigation waits for the candidate's own in-flight navigation.
	deferWaitingForCandidateNavigation
)

// attempt is one activation navigation's claim on a candidate. It refers to the candidate by id only.
type attempt struct {
	nav       types.Navigation
	candidate types.CandidateID
	match     host.MatchKind
	reason    deferReason
	startedAt time.Time
	span      trace.Span

	notified     bool
	resume       func()
	resumePosted bool
	// ready means the navigation may commit.
	ready bool
	// fallback means the navigation must proceed as an ordinary load.
	fallback bool
	ended    bool
}

// ActivationResult describes a successful activation.
type ActivationResult struct {
	CandidateID types.CandidateID
	// URL is the URL the destination container shows: the navigation's URL, or the candidate's final URL if its
	// initial navigation redirected.
	URL *url.URL
	// RedirectChain is exposed to the activating navigation. It only holds the final URL.
	RedirectChain []*url.URL
	// History is the candidate's single session-history entry, to be appended to the container's history.
	History    types.HistoryEntry
	TargetHint types.TargetHint
	MatchKind  host.MatchKind
	// ReleasedCapabilities is the number of deferred capability requests serviced during activation.
	ReleasedCapabilities int
	// WaitedFor is how long the activation navigation was held between selection and commit.
	WaitedFor time.Duration
}

// --- Selection ---

// FindPotentialHostToActivate selects the candidate a primary-page navigation would activate, or returns an invalid
// id when the navigation should load normally.
//
// Candidates are considered in creation order and the first eligible one wins. Matching candidates that cannot be
// activated are cancelled on the way: ones that never started their navigation, new-tab candidates reached through a
// navigation with an opener, and every match when the primary page has auxiliary browsing contexts.
func (r *Registry) FindPotentialHostToActivate(ctx context.Context, nav types.Navigation) (types.CandidateID, error) {
	if err := r.guard(); err != nil {
		return 0, err
	}
	if nav.URL == nil {
		return 0, fmt.Errorf("%w: activation navigation has no URL", types.ErrInvalidURL)
	}
	if a, ok := r.attempts[nav.ID]; ok {
		return a.candidate, nil
	}

	type doomed struct {
		id     types.CandidateID
		status types.FinalStatus
	}
	var (
		chosen *host.Host
		match  host.MatchKind
		cancel []doomed
	)
	for _, id := range r.order {
		h := r.hosts[id]
		m := h.MatchURL(nav.URL)
		if !m.Matched() || h.Attributes().TargetHint != nav.Disposition {
			continue
		}
		switch h.State() {
		case types.StateTriggeredButPending, types.StateInitializing:
			cancel = append(cancel, doomed{id, types.FinalStatusActivatedBeforeStarted})
			continue
		case types.StateReserved, types.StateWaitingForHeaders:
			continue
		}
		if nav.Disposition == types.TargetNewTab && nav.HasOpener {
			cancel = append(cancel, doomed{id, types.FinalStatusActivationNavigationParameterMismatch})
			continue
		}
		if nav.HasAuxiliaryBrowsingContexts {
			cancel = append(cancel, doomed{id, types.FinalStatusActivatedWithAuxiliaryBrowsingContexts})
			continue
		}
		chosen, match = h, m
		break
	}
	for _, d := range cancel {
		r.cancel(d.id, d.status)
	}
	if chosen == nil {
		r.logger.V(logging.DEBUG).Info("No candidate to activate", "navigationID", nav.ID, "url", nav.URL.String())
		return 0, nil
	}

	a := &attempt{
		nav:       nav,
		candidate: chosen.ID(),
		match:     match,
		startedAt: r.clock.Now(),
	}
	switch {
	case match.Provisional():
		a.reason = deferWaitingForHeaders
	case chosen.HasNavigationInFlight():
		a.reason = deferWaitingForCandidateNavigation
	}
	_, a.span = r.tracer.Start(ctx, "prerender.activation", trace.WithAttributes(
		attribute.Int64("prerender.navigation_id", int64(nav.ID)),
		attribute.Int64("prerender.candidate_id", int64(chosen.ID())),
		attribute.String("prerender.match", match.String()),
		attribute.String("prerender.trigger_type", chosen.Attributes().TriggerType.String()),
	))
	r.attempts[nav.ID] = a
	r.logger.V(logging.VERBOSE).Info("Candidate selected for activation", "navigationID", nav.ID,
		"candidateID", chosen.ID(), "match", match, "state", chosen.State())
	return chosen.ID(), nil
}

// --- Commit-Deferring Condition ---

// NotifyCommitDeferred runs the commit-deferring condition of a selected activation navigation. With `Proceed` the
// caller continues to `ResumeOrCancelActivation` at once. With `Pending` the registry posts resume exactly once, when
// the candidate is ready or when the navigation must fall back; the caller then calls `ResumeOrCancelActivation`.
func (r *Registry) NotifyCommitDeferred(navID types.NavigationID, resume func()) (DeferResult, error) {
	if err := r.guard(); err != nil {
		return Proceed, err
	}
	a, ok := r.attempts[navID]
	if !ok {
		return Proceed, fmt.Errorf("%w: %s", types.ErrNoActivationAttempt, navID)
	}
	if a.notified {
		return Proceed, fmt.Errorf("%w: commit of navigation %s is already deferred", types.ErrInvalidTransition, navID)
	}
	a.notified = true

	if h, ok := r.hosts[a.candidate]; !ok {
		r.fallback(a, "candidate gone before commit")
	} else if !a.fallback {
		switch a.reason {
		case deferWaitingForHeaders:
			id := h.ID()
			err := h.BeginHeaderWait(navID, r.config.HeaderWaitTimeout, func() { r.onHeaderWaitTimeout(id, navID) })
			if err != nil {
				// Headers arrived between selection and commit.
				r.rematch(a, h)
			}
		default:
			r.reserve(a, h)
		}
	}

	if a.fallback || a.ready {
		a.resumePosted = true
		return Proceed, nil
	}
	a.resume = resume
	return Pending, nil
}

// reserve gives the attempt exclusive use of h and cancels every other candidate.
func (r *Registry) reserve(a *attempt, h *host.Host) {
	if err := h.Reserve(a.nav.ID); err != nil {
		r.logger.Error(err, "Failed to reserve candidate", "candidateID", h.ID(), "navigationID", a.nav.ID)
		r.fallback(a, err.Error())
		return
	}
	r.cancelSiblings(h.ID())
	if h.HasNavigationInFlight() {
		a.reason = deferWaitingForCandidateNavigation
		return
	}
	a.reason = deferNone
	a.ready = true
	r.postResume(a)
}

// cancelSiblings cancels every candidate except keep, with a status reflecting its state.
func (r *Registry) cancelSiblings(keep types.CandidateID) {
	var ids []types.CandidateID
	for _, id := range r.order {
		if id != keep {
			ids = append(ids, id)
		}
	}
	r.cancelMany(ids, func(h *host.Host) types.FinalStatus {
		switch {
		case h.State() == types.StateTriggeredButPending:
			return types.FinalStatusPendingCandidateDiscarded
		case h.Attributes().TriggerType == types.TriggerEmbedder:
			return types.FinalStatusOtherPrerenderedPageActivated
		default:
			return types.FinalStatusTriggerDestroyed
		}
	})
}

// rematch re-runs matching for an attempt once h's authoritative headers are known. A candidate that no longer
// matches stays alive; only the attempt falls back.
func (r *Registry) rematch(a *attempt, h *host.Host) {
	m := h.MatchURL(a.nav.URL)
	if !m.Matched() || m.Provisional() {
		r.fallback(a, "No-Vary-Search header does not match")
		return
	}
	a.match = m
	if a.span != nil {
		a.span.SetAttributes(attribute.String("prerender.match", m.String()))
	}
	r.reserve(a, h)
}

func (r *Registry) onWaitedHeaders(h *host.Host, navID types.NavigationID) {
	h.FinishHeaderWait(types.HeaderWaitHeadersReceived, true)
	a, ok := r.attempts[navID]
	if !ok || a.fallback || a.candidate != h.ID() {
		return
	}
	r.rematch(a, h)
}

func (r *Registry) onHeaderWaitTimeout(id types.CandidateID, navID types.NavigationID) {
	h, ok := r.hosts[id]
	if !ok {
		return
	}
	if waiting, ok := h.HeaderWaitNavigation(); !ok || waiting != navID {
		return
	}
	h.FinishHeaderWait(types.HeaderWaitTimeoutElapsed, false)
	r.logger.V(logging.VERBOSE).Info("Header wait timed out", "candidateID", id, "navigationID", navID,
		"timeout", r.config.HeaderWaitTimeout)
	r.cancel(id, types.FinalStatusHeaderWaitTimeout)
}

// maybeResume lets a reserved candidate's activation continue once nothing is in flight inside it.
func (r *Registry) maybeResume(h *host.Host) {
	if h.State() != types.StateReserved || h.HasNavigationInFlight() {
		return
	}
	a, ok := r.attempts[h.ReservedBy()]
	if !ok || a.fallback || a.ready {
		return
	}
	a.reason = deferNone
	a.ready = true
	r.postResume(a)
}

func (r *Registry) fallback(a *attempt, reason string) {
	if a.fallback {
		return
	}
	a.fallback = true
	a.ready = false
	r.logger.V(logging.VERBOSE).Info("Activation falls back to a normal navigation", "navigationID", a.nav.ID,
		"candidateID", a.candidate, "reason", reason)
	r.endSpan(a, reason)
	r.postResume(a)
}

func (r *Registry) postResume(a *attempt) {
	if a.resume == nil || a.resumePosted {
		return
	}
	a.resumePosted = true
	r.seq.Post(a.resume)
}

func (r *Registry) endSpan(a *attempt, failure string) {
	if a.ended || a.span == nil {
		return
	}
	a.ended = true
	if failure != "" {
		a.span.SetStatus(codes.Error, failure)
	} else {
		a.span.SetStatus(codes.Ok, "")
	}
	a.span.End()
}

// --- Commit ---

// ResumeOrCancelActivation finishes an activation navigation once its commit-deferring condition let it continue.
// It activates the reserved candidate and cancels every other candidate, or returns an error wrapping
// `types.ErrActivationCancelled` when the navigation must load normally. Calling it while the navigation is still
// held returns `types.ErrActivationNotReady`.
func (r *Registry) ResumeOrCancelActivation(navID types.NavigationID) (*ActivationResult, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}
	a, ok := r.attempts[navID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNoActivationAttempt, navID)
	}
	if a.fallback {
		delete(r.attempts, navID)
		return nil, fmt.Errorf("%w: navigation %s", types.ErrActivationCancelled, navID)
	}
	if !a.ready {
		return nil, fmt.Errorf("%w: navigation %s", types.ErrActivationNotReady, navID)
	}

	h, ok := r.hosts[a.candidate]
	if !ok || h.State() != types.StateReserved || h.ReservedBy() != navID {
		r.fallback(a, "candidate no longer reserved")
		delete(r.attempts, navID)
		return nil, fmt.Errorf("%w: navigation %s", types.ErrActivationCancelled, navID)
	}
	if h.HasNavigationInFlight() {
		r.cancel(h.ID(), types.FinalStatusActivatedDuringMainFrameNavigation)
		delete(r.attempts, navID)
		return nil, fmt.Errorf("%w: navigation %s", types.ErrActivationCancelled, navID)
	}

	target := a.nav.URL
	if h.Redirected() && h.CommittedURL() != nil {
		target = h.CommittedURL()
	}
	released, err := h.Activate()
	if err != nil {
		r.fallback(a, err.Error())
		delete(r.attempts, navID)
		return nil, fmt.Errorf("%w: %w", types.ErrActivationCancelled, err)
	}

	id := h.ID()
	delete(r.attempts, navID)
	r.remove(id)
	r.limiter.Release(id)
	r.cancelSiblings(id)
	r.endSpan(a, "")

	result := &ActivationResult{
		CandidateID:          id,
		URL:                  target,
		RedirectChain:        []*url.URL{target},
		History:              h.History(),
		TargetHint:           h.Attributes().TargetHint,
		MatchKind:            a.match,
		ReleasedCapabilities: released,
		WaitedFor:            r.clock.Since(a.startedAt),
	}
	r.logger.V(logging.DEFAULT).Info("Prerender activated", "candidateID", id, "navigationID", navID,
		"url", target.String(), "match", a.match, "waited", result.WaitedFor)
	return result, nil
}

// CancelActivation abandons an activation navigation (the user stopped it, or it was replaced). A candidate reserved
// by it is cancelled with `FinalStatusActivationNavigationDestroyedBeforeSuccess`; a candidate it was only waiting on
// keeps running.
func (r *Registry) CancelActivation(navID types.NavigationID) error {
	if err := r.guard(); err != nil {
		return err
	}
	a, ok := r.attempts[navID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNoActivationAttempt, navID)
	}
	delete(r.attempts, navID)
	if a.fallback {
		return nil
	}
	if h, ok := r.hosts[a.candidate]; ok {
		if waiting, isWaiting := h.HeaderWaitNavigation(); isWaiting && waiting == navID {
			h.FinishHeaderWait(types.HeaderWaitAborted, true)
		} else if h.State() == types.StateReserved && h.ReservedBy() == navID {
			r.cancel(h.ID(), types.FinalStatusActivationNavigationDestroyedBeforeSuccess)
		}
	}
	r.endSpan(a, "activation navigation cancelled")
	return nil
}
