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
	"net/http"
	"net/url"

	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/pkg/prerender/novarysearch"
	"github.com/prerender-dev/prerender/pkg/prerender/site"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

// ok is the zero status: no cancellation required.
const ok = types.FinalStatusUnspecified

func (h *Host) lookupNavigation(navID types.NavigationID) (*navigation, error) {
	if h.state.IsTerminal() {
		return nil, fmt.Errorf("%w: host is %s", types.ErrInvalidTransition, h.state)
	}
	nav, found := h.navigations[navID]
	if !found {
		return nil, fmt.Errorf("%w: candidate %s has no navigation %s", types.ErrNavigationMismatch, h.id, navID)
	}
	return nav, nil
}

// isBadHTTPStatus reports whether a final response status disqualifies a prerender.
func isBadHTTPStatus(code int) bool {
	return code == http.StatusNoContent || code == http.StatusResetContent || code >= 400
}

// OnMainFrameNavigationStarted records a script-initiated main-frame navigation inside the candidate. A navigation
// started while another one is pending replaces it.
func (h *Host) OnMainFrameNavigationStarted(navID types.NavigationID, u *url.URL) (types.FinalStatus, error) {
	if h.state.IsTerminal() || !h.initialNavFinished {
		return ok, fmt.Errorf("%w: main-frame navigation before the initial navigation committed (state %s)",
			types.ErrInvalidTransition, h.state)
	}
	if !site.IsHTTPFamily(u) {
		return types.FinalStatusInvalidSchemeNavigation, nil
	}
	if site.Classify(h.reference, u) == site.RelationCrossSite {
		return types.FinalStatusCrossSiteNavigationInMainFrameNavigation, nil
	}
	if h.pendingNavigationID != 0 {
		delete(h.navigations, h.pendingNavigationID)
	}
	h.navigations[navID] = &navigation{id: navID, url: u}
	h.pendingNavigationID = navID
	return ok, nil
}

// OnRedirectReceived checks one redirect hop. Cross-site hops cancel immediately; same-site cross-origin hops are
// allowed here and judged on the final response's opt-in.
func (h *Host) OnRedirectReceived(navID types.NavigationID, to *url.URL) (types.FinalStatus, error) {
	nav, err := h.lookupNavigation(navID)
	if err != nil {
		return ok, err
	}
	if !site.IsHTTPFamily(to) {
		return types.FinalStatusInvalidSchemeNavigation, nil
	}
	if site.Classify(h.reference, to) == site.RelationCrossSite {
		if nav.initial {
			return types.FinalStatusCrossSiteRedirectInInitialNavigation, nil
		}
		return types.FinalStatusCrossSiteRedirectInMainFrameNavigation, nil
	}
	nav.url = to
	nav.redirected = true
	h.logger.V(logging.VERBOSE).Info("Redirect followed", "navigationID", navID, "to", to.String())
	return ok, nil
}

// OnHeadersReceived checks the final response of a navigation. For the initial navigation it also records the
// authoritative No-Vary-Search policy, superseding the hint.
func (h *Host) OnHeadersReceived(navID types.NavigationID, statusCode int, header http.Header) (types.FinalStatus, error) {
	nav, err := h.lookupNavigation(navID)
	if err != nil {
		return ok, err
	}
	if isBadHTTPStatus(statusCode) {
		return types.FinalStatusNavigationBadHTTPStatus, nil
	}
	switch site.Classify(h.reference, nav.url) {
	case site.RelationCrossSite:
		return crossSiteStatus(nav), nil
	case site.RelationSameSiteCrossOrigin:
		if !site.HasOptIn(header) {
			return notOptInStatus(nav), nil
		}
	}
	nav.headersReceived = true

	if nav.initial {
		h.headersReceived = true
		if v := header.Get(novarysearch.HeaderName); v != "" {
			p, err := novarysearch.Parse(v)
			if err != nil {
				h.logger.V(logging.DEFAULT).Info("Ignoring invalid No-Vary-Search header", "value", v, "err", err.Error())
			}
			h.noVarySearch = p
		}
	}
	return ok, nil
}

func crossSiteStatus(nav *navigation) types.FinalStatus {
	switch {
	case nav.initial && nav.redirected:
		return types.FinalStatusCrossSiteRedirectInInitialNavigation
	case nav.initial:
		return types.FinalStatusCrossSiteNavigationInInitialNavigation
	case nav.redirected:
		return types.FinalStatusCrossSiteRedirectInMainFrameNavigation
	default:
		return types.FinalStatusCrossSiteNavigationInMainFrameNavigation
	}
}

func notOptInStatus(nav *navigation) types.FinalStatus {
	switch {
	case nav.initial && nav.redirected:
		return types.FinalStatusSameSiteCrossOriginRedirectNotOptInInInitialNavigation
	case nav.initial:
		return types.FinalStatusSameSiteCrossOriginNavigationNotOptInInInitialNavigation
	case nav.redirected:
		return types.FinalStatusSameSiteCrossOriginRedirectNotOptInInMainFrameNavigation
	default:
		return types.FinalStatusSameSiteCrossOriginNavigationNotOptInInMainFrameNavigation
	}
}

// OnNavigationCommitted records a committed main-frame navigation. The initial navigation moves the host to
// `StateReady` (a reserved host stays reserved). Every commit replaces the single history entry.
func (h *Host) OnNavigationCommitted(navID types.NavigationID, u *url.URL) (types.FinalStatus, error) {
	nav, err := h.lookupNavigation(navID)
	if err != nil {
		return ok, err
	}
	if u == nil {
		u = nav.url
	}
	if site.Classify(h.reference, u) == site.RelationCrossSite {
		return crossSiteStatus(nav), nil
	}
	delete(h.navigations, navID)

	h.committedURL = u
	if nav.initial {
		h.initialNavFinished = true
		h.redirected = nav.redirected || u.String() != h.attrs.URL.String()
		h.history = types.HistoryEntry{URL: u.String()}
		if !h.headersReceived {
			// A commit without a reported response (cache, data served locally) carries no policy.
			h.headersReceived = true
		}
		if h.state == types.StateNavigatingInitial {
			h.setState(types.StateReady)
		}
		return ok, nil
	}

	if navID == h.pendingNavigationID {
		h.pendingNavigationID = 0
	}
	h.replaceHistory(u)
	return ok, nil
}

// OnMainFrameNavigationFinished records a script-initiated navigation that ended without committing (for example a
// 204 response or an abort by the page).
func (h *Host) OnMainFrameNavigationFinished(navID types.NavigationID) error {
	nav, err := h.lookupNavigation(navID)
	if err != nil {
		return err
	}
	if nav.initial {
		return fmt.Errorf("%w: the initial navigation must finish by committing or failing", types.ErrInvalidTransition)
	}
	delete(h.navigations, navID)
	if navID == h.pendingNavigationID {
		h.pendingNavigationID = 0
	}
	return nil
}

// OnNavigationFailed maps a failed navigation to its cancellation status.
func (h *Host) OnNavigationFailed(navID types.NavigationID, failure types.NavigationFailure) (types.FinalStatus, error) {
	if _, err := h.lookupNavigation(navID); err != nil {
		return ok, err
	}
	return types.FinalStatusFromNavigationFailure(failure), nil
}

// OnSameDocumentNavigation applies a pushState, replaceState or fragment navigation. The session history stays at
// exactly one entry: every navigation replaces it.
func (h *Host) OnSameDocumentNavigation(u *url.URL) error {
	if h.state.IsTerminal() || h.committedURL == nil {
		return fmt.Errorf("%w: same-document navigation without a committed document (state %s)",
			types.ErrInvalidTransition, h.state)
	}
	if !site.SameOrigin(h.committedURL, u) {
		return fmt.Errorf("%w: same-document navigation must stay same-origin", types.ErrInvalidURL)
	}
	h.committedURL = u
	h.replaceHistory(u)
	return nil
}

func (h *Host) replaceHistory(u *url.URL) {
	h.history = types.HistoryEntry{URL: u.String(), Replacements: h.history.Replacements + 1}
}
