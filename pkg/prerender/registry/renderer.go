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
	"net/http"
	"net/url"

	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/pkg/prerender/capability"
	"github.com/prerender-dev/prerender/pkg/prerender/host"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

// --- Renderer API ---
//
// Reports from the page-loading layer about a candidate's frame tree. A report for a candidate that is gone returns
// `types.ErrCandidateNotFound`; callers treat that as "drop the report".

// apply runs a host handler and carries out the cancellation it asks for.
func (r *Registry) apply(id types.CandidateID, fn func(h *host.Host) (types.FinalStatus, error)) (*host.Host, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}
	h, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	status, err := fn(h)
	if err != nil {
		return nil, err
	}
	if status != types.FinalStatusUnspecified {
		r.cancel(id, status)
		return nil, nil
	}
	return h, nil
}

// OnRedirectReceived reports a redirect hop of a navigation inside candidate id.
func (r *Registry) OnRedirectReceived(id types.CandidateID, navID types.NavigationID, to *url.URL) error {
	_, err := r.apply(id, func(h *host.Host) (types.FinalStatus, error) {
		return h.OnRedirectReceived(navID, to)
	})
	return err
}

// OnHeadersReceived reports the final response of a navigation inside candidate id. If an activation is waiting on
// this candidate's headers, matching is re-run with the authoritative No-Vary-Search policy.
func (r *Registry) OnHeadersReceived(id types.CandidateID, navID types.NavigationID, statusCode int,
	header http.Header,
) error {
	h, err := r.apply(id, func(h *host.Host) (types.FinalStatus, error) {
		return h.OnHeadersReceived(navID, statusCode, header)
	})
	if err != nil || h == nil {
		return err
	}
	if waiting, ok := h.HeaderWaitNavigation(); ok && navID == h.InitialNavigationID() {
		r.onWaitedHeaders(h, waiting)
	}
	return nil
}

// OnNavigationCommitted reports a committed navigation inside candidate id. A nil u commits the navigation's current
// URL.
func (r *Registry) OnNavigationCommitted(id types.CandidateID, navID types.NavigationID, u *url.URL) error {
	initial := false
	h, err := r.apply(id, func(h *host.Host) (types.FinalStatus, error) {
		initial = navID == h.InitialNavigationID()
		return h.OnNavigationCommitted(navID, u)
	})
	if err != nil || h == nil {
		return err
	}
	if initial {
		if waiting, ok := h.HeaderWaitNavigation(); ok {
			// A commit without a separate header report confirms the wait the same way headers would.
			r.onWaitedHeaders(h, waiting)
		}
		r.startPromoted(r.limiter.InitialNavigationFinished(id))
	}
	r.maybeResume(h)
	return nil
}

// OnNavigationFailed reports a failed navigation inside candidate id. Every failure cancels the candidate.
func (r *Registry) OnNavigationFailed(id types.CandidateID, navID types.NavigationID,
	failure types.NavigationFailure,
) error {
	_, err := r.apply(id, func(h *host.Host) (types.FinalStatus, error) {
		return h.OnNavigationFailed(navID, failure)
	})
	return err
}

// OnLoadCompleted reports that candidate id finished loading its committed document.
func (r *Registry) OnLoadCompleted(id types.CandidateID) error {
	_, err := r.apply(id, func(h *host.Host) (types.FinalStatus, error) {
		h.OnLoadCompleted()
		return types.FinalStatusUnspecified, nil
	})
	return err
}

// OnMainFrameNavigationStarted reports a main-frame navigation started by the candidate's own page. A navigation that
// starts after a reserved candidate's activation was allowed to resume cancels the activation.
func (r *Registry) OnMainFrameNavigationStarted(id types.CandidateID, navID types.NavigationID, u *url.URL) error {
	_, err := r.apply(id, func(h *host.Host) (types.FinalStatus, error) {
		if h.State() == types.StateReserved {
			if a, ok := r.attempts[h.ReservedBy()]; ok && a.ready {
				return types.FinalStatusActivatedDuringMainFrameNavigation, nil
			}
		}
		return h.OnMainFrameNavigationStarted(navID, u)
	})
	return err
}

// OnMainFrameNavigationFinished reports that a page-initiated navigation ended without committing.
func (r *Registry) OnMainFrameNavigationFinished(id types.CandidateID, navID types.NavigationID) error {
	h, err := r.apply(id, func(h *host.Host) (types.FinalStatus, error) {
		return types.FinalStatusUnspecified, h.OnMainFrameNavigationFinished(navID)
	})
	if err != nil || h == nil {
		return err
	}
	r.maybeResume(h)
	return nil
}

// OnSameDocumentNavigation reports a pushState, replaceState or fragment navigation in candidate id.
func (r *Registry) OnSameDocumentNavigation(id types.CandidateID, u *url.URL) error {
	_, err := r.apply(id, func(h *host.Host) (types.FinalStatus, error) {
		return types.FinalStatusUnspecified, h.OnSameDocumentNavigation(u)
	})
	return err
}

// OnCapabilityRequest classifies a capability request of candidate id. A Cancel-class request cancels the candidate.
// An Unexpected-class request returns an error wrapping `types.ErrUnexpectedCapability` and leaves the candidate
// running.
func (r *Registry) OnCapabilityRequest(id types.CandidateID, req capability.Request) (capability.Policy, error) {
	var policy capability.Policy
	_, err := r.apply(id, func(h *host.Host) (types.FinalStatus, error) {
		var status types.FinalStatus
		var err error
		policy, status, err = h.RequestCapability(req)
		return status, err
	})
	return policy, err
}

// OnProcessGone reports that the renderer process of candidate id crashed or was killed.
func (r *Registry) OnProcessGone(id types.CandidateID, reason types.ProcessGoneReason) error {
	_, err := r.apply(id, func(*host.Host) (types.FinalStatus, error) {
		return types.FinalStatusFromProcessGone(reason, false), nil
	})
	return err
}

// OnPrimaryPageProcessGone reports that the primary page's renderer process went away. Every candidate is cancelled.
func (r *Registry) OnPrimaryPageProcessGone(reason types.ProcessGoneReason) error {
	if err := r.guard(); err != nil {
		return err
	}
	status := types.FinalStatusFromProcessGone(reason, true)
	r.logger.V(logging.DEFAULT).Info("Primary page process gone", "reason", reason, "candidates", len(r.order))
	r.cancelMany(append([]types.CandidateID(nil), r.order...), func(*host.Host) types.FinalStatus { return status })
	return nil
}
