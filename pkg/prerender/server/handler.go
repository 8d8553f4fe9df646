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

// Package server exposes a registry over an HTTP control API and holds the daemon's command-line options.
//
// Handlers never touch the registry directly. Every call is run on the registry's task sequence with
// `taskrunner.Runner.Do`, so the API is just another poster of tasks.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/pkg/prerender/capability"
	"github.com/prerender-dev/prerender/pkg/prerender/decider"
	"github.com/prerender-dev/prerender/pkg/prerender/journal"
	"github.com/prerender-dev/prerender/pkg/prerender/registry"
	"github.com/prerender-dev/prerender/pkg/prerender/taskrunner"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
	maxRequestBytes    = 1 << 20
)

var errBadRequest = errors.New("bad request")

// Handler serves the control API of one registry.
type Handler struct {
	runner            *taskrunner.Runner
	registry          *registry.Registry
	decider           *decider.Decider
	journal           *journal.Journal
	logger            logr.Logger
	activationTimeout time.Duration
}

// NewHandler creates the control API. The decider and journal must already observe reg.
func NewHandler(runner *taskrunner.Runner, reg *registry.Registry, d *decider.Decider, j *journal.Journal,
	logger logr.Logger, activationTimeout time.Duration,
) *Handler {
	return &Handler{
		runner:            runner,
		registry:          reg,
		decider:           d,
		journal:           j,
		logger:            logger.WithName("control-api"),
		activationTimeout: activationTimeout,
	}
}

// Routes returns the router of the control API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/candidates", h.listCandidates)
		r.Post("/candidates", h.addCandidate)
		r.Get("/candidates/{id}", h.getCandidate)
		r.Delete("/candidates/{id}", h.removeCandidate)
		r.Post("/candidates/{id}/capabilities", h.requestCapability)
		r.Get("/rules", h.listRules)
		r.Delete("/rules", h.removeRule)
		r.Post("/signals", h.signal)
		r.Post("/navigations", h.navigate)
		r.Put("/visibility", h.setVisibility)
		r.Put("/memory-pressure", h.setMemoryPressure)
		r.Get("/events", h.listEvents)
	})
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.V(logging.DEBUG).Info("Request served", "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start), "requestID", middleware.GetReqID(r.Context()))
	})
}

// --- Wire types ---

// CandidateRequest is the body of POST /v1/candidates.
type CandidateRequest struct {
	URL              string `json:"url"`
	TriggerType      string `json:"triggerType,omitempty"`
	Eagerness        string `json:"eagerness,omitempty"`
	TargetHint       string `json:"targetHint,omitempty"`
	NoVarySearchHint string `json:"noVarySearchHint,omitempty"`
	InitiatorOrigin  string `json:"initiatorOrigin,omitempty"`
	EmbedderSuffix   string `json:"embedderSuffix,omitempty"`
	TriggerSource    string `json:"triggerSource,omitempty"`
	DebuggerAttached bool   `json:"debuggerAttached,omitempty"`
}

// CandidateResponse is the answer of POST /v1/candidates.
type CandidateResponse struct {
	ID          types.CandidateID `json:"id,omitempty"`
	Held        bool              `json:"held,omitempty"`
	HeldBack    bool              `json:"heldBack,omitempty"`
	FinalStatus string            `json:"finalStatus,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Candidate is the wire form of `types.CandidateSnapshot`.
type Candidate struct {
	ID                  types.CandidateID  `json:"id"`
	InitialURL          string             `json:"initialUrl"`
	CommittedURL        string             `json:"committedUrl,omitempty"`
	TriggerType         string             `json:"triggerType"`
	Eagerness           string             `json:"eagerness"`
	TargetHint          string             `json:"targetHint"`
	State               string             `json:"state"`
	HeadersReceived     bool               `json:"headersReceived"`
	LoadCompleted       bool               `json:"loadCompleted"`
	PendingNavigationID types.NavigationID `json:"pendingNavigationId,omitempty"`
	CreatedAt           time.Time          `json:"createdAt"`
}

func candidateOf(s types.CandidateSnapshot) Candidate {
	return Candidate{
		ID:                  s.ID,
		InitialURL:          s.InitialURL,
		CommittedURL:        s.CommittedURL,
		TriggerType:         s.TriggerType.String(),
		Eagerness:           s.Eagerness.String(),
		TargetHint:          s.TargetHint.String(),
		State:               s.State.String(),
		HeadersReceived:     s.WereHeadersReceived,
		LoadCompleted:       s.LoadCompleted,
		PendingNavigationID: s.PendingNavigationID,
		CreatedAt:           s.CreatedAt,
	}
}

// Rule is the wire form of `decider.RuleStatus`.
type Rule struct {
	URL       string            `json:"url"`
	Eagerness string            `json:"eagerness"`
	Candidate types.CandidateID `json:"candidate,omitempty"`
}

// SignalRequest is the body of POST /v1/signals.
type SignalRequest struct {
	Signal string `json:"signal"`
	URL    string `json:"url"`
}

// NavigationRequest is the body of POST /v1/navigations.
type NavigationRequest struct {
	URL                          string `json:"url"`
	Disposition                  string `json:"disposition,omitempty"`
	HasOpener                    bool   `json:"hasOpener,omitempty"`
	HasAuxiliaryBrowsingContexts bool   `json:"hasAuxiliaryBrowsingContexts,omitempty"`
}

// NavigationResponse is the answer of POST /v1/navigations.
type NavigationResponse struct {
	NavigationID         types.NavigationID `json:"navigationId"`
	Activated            bool               `json:"activated"`
	CandidateID          types.CandidateID  `json:"candidateId,omitempty"`
	URL                  string             `json:"url,omitempty"`
	MatchKind            string             `json:"matchKind,omitempty"`
	ReleasedCapabilities int                `json:"releasedCapabilities,omitempty"`
	WaitedMillis         int64              `json:"waitedMillis,omitempty"`
	Reason               string             `json:"reason,omitempty"`
}

// CapabilityRequest is the body of POST /v1/candidates/{id}/capabilities.
type CapabilityRequest struct {
	Interface string `json:"interface"`
}

// --- Candidates ---

func (h *Handler) addCandidate(w http.ResponseWriter, r *http.Request) {
	var req CandidateRequest
	if !h.decode(w, r, &req) {
		return
	}
	attrs, err := attributesOf(req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var (
		id     types.CandidateID
		addErr error
	)
	err = h.runner.Do(r.Context(), func() {
		if attrs.TriggerType.IsSpeculationRule() {
			id, addErr = h.decider.AddRule(attrs)
		} else {
			id, addErr = h.registry.AddCandidate(attrs)
		}
	})
	if err == nil {
		err = addErr
	}

	switch {
	case errors.Is(err, types.ErrHoldback):
		writeJSON(w, http.StatusOK, CandidateResponse{HeldBack: true, FinalStatus: types.FinalStatusHoldback.String()})
	case errors.Is(err, types.ErrRejected):
		status, _ := types.StatusFromError(err)
		writeJSON(w, http.StatusConflict, CandidateResponse{FinalStatus: status.String(), Error: err.Error()})
	case err != nil:
		h.fail(w, r, err)
	case !id.Valid():
		writeJSON(w, http.StatusAccepted, CandidateResponse{Held: true})
	default:
		w.Header().Set("Location", fmt.Sprintf("/v1/candidates/%s", id))
		writeJSON(w, http.StatusCreated, CandidateResponse{ID: id})
	}
}

func attributesOf(req CandidateRequest) (types.Attributes, error) {
	var attrs types.Attributes
	u, err := parseAbsoluteURL(req.URL)
	if err != nil {
		return attrs, err
	}
	attrs.URL = u

	attrs.TriggerType = types.TriggerSpeculationRule
	if req.TriggerType != "" {
		if attrs.TriggerType, err = types.ParseTriggerType(req.TriggerType); err != nil {
			return attrs, fmt.Errorf("%w: %w", errBadRequest, err)
		}
	}
	attrs.Eagerness = types.EagernessImmediate
	if req.Eagerness != "" {
		if attrs.Eagerness, err = types.ParseEagerness(req.Eagerness); err != nil {
			return attrs, fmt.Errorf("%w: %w", errBadRequest, err)
		}
	}
	if attrs.TargetHint, err = types.ParseTargetHint(req.TargetHint); err != nil {
		return attrs, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	if req.InitiatorOrigin != "" {
		if attrs.InitiatorOrigin, err = parseAbsoluteURL(req.InitiatorOrigin); err != nil {
			return attrs, err
		}
	}
	attrs.NoVarySearchHint = req.NoVarySearchHint
	attrs.EmbedderSuffix = req.EmbedderSuffix
	attrs.TriggerSource = req.TriggerSource
	attrs.DebuggerAttached = req.DebuggerAttached
	return attrs, nil
}

func (h *Handler) listCandidates(w http.ResponseWriter, r *http.Request) {
	var snapshots []types.CandidateSnapshot
	if err := h.runner.Do(r.Context(), func() { snapshots = h.registry.Candidates() }); err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]Candidate, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, candidateOf(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getCandidate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.candidateID(w, r)
	if !ok {
		return
	}
	var (
		snapshot types.CandidateSnapshot
		getErr   error
	)
	if err := h.runner.Do(r.Context(), func() { snapshot, getErr = h.registry.Candidate(id) }); err != nil {
		h.fail(w, r, err)
		return
	}
	if getErr != nil {
		h.fail(w, r, getErr)
		return
	}
	writeJSON(w, http.StatusOK, candidateOf(snapshot))
}

func (h *Handler) removeCandidate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.candidateID(w, r)
	if !ok {
		return
	}
	var removeErr error
	if err := h.runner.Do(r.Context(), func() {
		removeErr = h.registry.RemoveCandidate(id, types.FinalStatusTriggerDestroyed)
	}); err != nil {
		h.fail(w, r, err)
		return
	}
	if removeErr != nil {
		h.fail(w, r, removeErr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requestCapability(w http.ResponseWriter, r *http.Request) {
	id, ok := h.candidateID(w, r)
	if !ok {
		return
	}
	var req CapabilityRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Interface == "" {
		h.fail(w, r, fmt.Errorf("%w: interface is required", errBadRequest))
		return
	}

	logger := h.logger.WithValues("candidateID", id, "interface", req.Interface)
	var (
		policy capability.Policy
		reqErr error
	)
	if err := h.runner.Do(r.Context(), func() {
		policy, reqErr = h.registry.OnCapabilityRequest(id, capability.Request{
			Interface: req.Interface,
			Bind:      func() { logger.V(logging.DEBUG).Info("Capability bound") },
		})
	}); err != nil {
		h.fail(w, r, err)
		return
	}
	if reqErr != nil && !errors.Is(reqErr, types.ErrUnexpectedCapability) {
		h.fail(w, r, reqErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"policy": policy.String()})
}

// --- Rules and signals ---

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	var rules []decider.RuleStatus
	if err := h.runner.Do(r.Context(), func() { rules = h.decider.Rules() }); err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		out = append(out, Rule{URL: rule.URL, Eagerness: rule.Eagerness.String(), Candidate: rule.Candidate})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) removeRule(w http.ResponseWriter, r *http.Request) {
	u, err := parseAbsoluteURL(r.URL.Query().Get("url"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	target, err := types.ParseTargetHint(r.URL.Query().Get("targetHint"))
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	var removeErr error
	if err := h.runner.Do(r.Context(), func() { removeErr = h.decider.RemoveRule(u, target) }); err != nil {
		h.fail(w, r, err)
		return
	}
	if removeErr != nil {
		h.fail(w, r, removeErr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) signal(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if !h.decode(w, r, &req) {
		return
	}
	sig, err := decider.ParseSignal(req.Signal)
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	u, err := parseAbsoluteURL(req.URL)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var (
		created   []types.CandidateID
		signalErr error
	)
	if err := h.runner.Do(r.Context(), func() { created, signalErr = h.decider.OnSignal(sig, u) }); err != nil {
		h.fail(w, r, err)
		return
	}
	resp := map[string]any{"created": nonNil(created)}
	if signalErr != nil {
		resp["error"] = signalErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Activation ---

// navigate runs the activation protocol for one primary-page navigation: select a candidate, wait while the commit
// is deferred, then activate or fall back. The response tells the caller whether to show the candidate or load the
// URL normally.
func (h *Handler) navigate(w http.ResponseWriter, r *http.Request) {
	var req NavigationRequest
	if !h.decode(w, r, &req) {
		return
	}
	u, err := parseAbsoluteURL(req.URL)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	disposition, err := types.ParseTargetHint(req.Disposition)
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	nav := types.Navigation{
		URL:                          u,
		Disposition:                  disposition,
		HasOpener:                    req.HasOpener,
		HasAuxiliaryBrowsingContexts: req.HasAuxiliaryBrowsingContexts,
	}

	ctx := r.Context()
	resumed := make(chan struct{}, 1)
	var (
		candidate types.CandidateID
		deferred  registry.DeferResult
		stepErr   error
	)
	err = h.runner.Do(ctx, func() {
		if ctx.Err() != nil {
			return
		}
		nav.ID = h.registry.NewNavigationID()
		candidate, stepErr = h.registry.FindPotentialHostToActivate(ctx, nav)
		if stepErr != nil || !candidate.Valid() {
			return
		}
		deferred, stepErr = h.registry.NotifyCommitDeferred(nav.ID, func() {
			select {
			case resumed <- struct{}{}:
			default:
			}
		})
	})
	if err == nil {
		err = stepErr
	}
	if err != nil {
		// The task may still run, or have run, after Do gave up waiting.
		h.abandon(&nav)
		h.fail(w, r, err)
		return
	}
	logger := h.logger.WithValues("navigationID", nav.ID, "url", u.String())
	if !candidate.Valid() {
		writeJSON(w, http.StatusOK, NavigationResponse{NavigationID: nav.ID, Reason: "no matching candidate"})
		return
	}

	if deferred == registry.Pending {
		logger.V(logging.VERBOSE).Info("Activation deferred", "candidateID", candidate)
		timer := time.NewTimer(h.activationTimeout)
		defer timer.Stop()
		select {
		case <-resumed:
		case <-timer.C:
			h.abandon(&nav)
			writeJSON(w, http.StatusOK, NavigationResponse{NavigationID: nav.ID, Reason: "activation timed out"})
			return
		case <-ctx.Done():
			h.abandon(&nav)
			return
		}
	}

	var result *registry.ActivationResult
	err = h.runner.Do(ctx, func() {
		if ctx.Err() != nil {
			return
		}
		result, stepErr = h.registry.ResumeOrCancelActivation(nav.ID)
	})
	if err == nil {
		err = stepErr
	}
	switch {
	case errors.Is(err, types.ErrActivationCancelled):
		writeJSON(w, http.StatusOK, NavigationResponse{NavigationID: nav.ID, CandidateID: candidate,
			Reason: "activation cancelled"})
	case err != nil:
		h.abandon(&nav)
		h.fail(w, r, err)
	default:
		writeJSON(w, http.StatusOK, NavigationResponse{
			NavigationID:         nav.ID,
			Activated:            true,
			CandidateID:          result.CandidateID,
			URL:                  result.URL.String(),
			MatchKind:            result.MatchKind.String(),
			ReleasedCapabilities: result.ReleasedCapabilities,
			WaitedMillis:         result.WaitedFor.Milliseconds(),
		})
	}
}

// abandon ends the activation attempt of nav, if any, once every task posted before it has run. nav.ID is read on
// the sequence, so an attempt created by a task the caller stopped waiting for is found too.
func (h *Handler) abandon(nav *types.Navigation) {
	h.runner.Post(func() {
		if nav.ID == 0 {
			return
		}
		logger := h.logger.WithValues("navigationID", nav.ID, "url", nav.URL.String())
		err := h.registry.CancelActivation(nav.ID)
		switch {
		case err == nil:
			logger.V(logging.VERBOSE).Info("Activation abandoned")
		case errors.Is(err, types.ErrNoActivationAttempt), errors.Is(err, types.ErrRegistryShutdown):
		default:
			logger.Error(err, "Failed to cancel activation")
		}
	})
}

// --- Container signals ---

func (h *Handler) setVisibility(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Visibility string `json:"visibility"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	v, err := types.ParseVisibility(req.Visibility)
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	h.apply(w, r, func() error { return h.registry.OnContainerVisibilityChanged(v) })
}

func (h *Handler) setMemoryPressure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level string `json:"level"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	level, err := types.ParseMemoryPressureLevel(req.Level)
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	h.apply(w, r, func() error { return h.registry.OnMemoryPressureChanged(level) })
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request, fn func() error) {
	var applyErr error
	if err := h.runner.Do(r.Context(), func() { applyErr = fn() }); err != nil {
		h.fail(w, r, err)
		return
	}
	if applyErr != nil {
		h.fail(w, r, applyErr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Journal ---

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after uint64
	if s := q.Get("after"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: invalid after %q", errBadRequest, s))
			return
		}
		after = v
	}
	limit := defaultEventsLimit
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			h.fail(w, r, fmt.Errorf("%w: invalid limit %q", errBadRequest, s))
			return
		}
		limit = min(v, maxEventsLimit)
	}
	records, err := h.journal.List(h.registry.ID(), after, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(records))
}

// --- Helpers ---

func (h *Handler) candidateID(w http.ResponseWriter, r *http.Request) (types.CandidateID, bool) {
	raw := chi.URLParam(r, "id")
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || !types.CandidateID(v).Valid() {
		h.fail(w, r, fmt.Errorf("%w: invalid candidate id %q", errBadRequest, raw))
		return 0, false
	}
	return types.CandidateID(v), true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.fail(w, r, fmt.Errorf("%w: invalid request body - %w", errBadRequest, err))
		return false
	}
	return true
}

func parseAbsoluteURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: url is required", types.ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidURL, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", types.ErrInvalidURL, raw)
	}
	return u, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, types.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrCandidateNotFound), errors.Is(err, types.ErrNoActivationAttempt):
		return http.StatusNotFound
	case errors.Is(err, types.ErrRejected), errors.Is(err, types.ErrInvalidTransition),
		errors.Is(err, types.ErrActivationNotReady):
		return http.StatusConflict
	case errors.Is(err, types.ErrRegistryShutdown), errors.Is(err, taskrunner.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(err, "Request failed", "method", r.Method, "path", r.URL.Path,
			"requestID", middleware.GetReqID(r.Context()))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
