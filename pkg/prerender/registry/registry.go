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
	"fmt"
	"maps"
	"net/url"
	"slices"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/pkg/prerender/capability"
	"github.com/prerender-dev/prerender/pkg/prerender/contracts"
	"github.com/prerender-dev/prerender/pkg/prerender/host"
	"github.com/prerender-dev/prerender/pkg/prerender/limiter"
	"github.com/prerender-dev/prerender/pkg/prerender/novarysearch"
	"github.com/prerender-dev/prerender/pkg/prerender/site"
	"github.com/prerender-dev/prerender/pkg/prerender/taskrunner"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

const tracerName = "github.com/prerender-dev/prerender/pkg/prerender/registry"

// Registry owns every prerender candidate of one container (tab) and coordinates their activation.
//
// # Concurrency Model
//
// A Registry is not safe for concurrent use. All methods must be called from tasks running on the sequence passed to
// `New`; work done elsewhere reports back by posting a task (see `PostTask`). Timers only post tasks, so no registry
// state is touched from a timer goroutine.
//
// # Ownership
//
// Candidates are owned by the registry and referenced everywhere else by `types.CandidateID`. Cancelled and activated
// candidates are removed immediately, so every resume point re-checks liveness by id.
type Registry struct {
	// --- Immutable dependencies (set at construction) ---
	id       string
	config   *Config
	logger   logr.Logger
	clock    clock.WithDelayedExecution
	seq      contracts.Sequence
	delegate contracts.FrameTreeDelegate
	limiter  *limiter.Limiter
	tracer   trace.Tracer
	env      *host.Env
	monitor  contracts.MemoryMonitor

	// --- Candidate state ---
	hosts map[types.CandidateID]*host.Host
	// order lists live candidate ids in creation order.
	order     []types.CandidateID
	nextID    types.CandidateID
	nextNavID types.NavigationID

	// --- Activation state ---
	attempts map[types.NavigationID]*attempt

	// --- Container signals ---
	visibility types.Visibility
	bgTimers   map[types.TriggerCategory]*taskrunner.Timer

	// --- Observers ---
	observers []contracts.Observer
	// notifying is non-zero while observers are being called.
	notifying int

	shutdown bool
}

// RegistryOption allows configuring the `Registry` during initialization.
type RegistryOption func(*Registry)

// withClock sets the clock abstraction for deterministic testing.
// test-only
func withClock(clk clock.WithDelayedExecution) RegistryOption {
	return func(r *Registry) {
		if clk != nil {
			r.clock = clk
		}
	}
}

// WithTracerProvider sets the provider activation spans are recorded with. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) RegistryOption {
	return func(r *Registry) {
		if tp != nil {
			r.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithMemoryMonitor enables the trigger-time memory headroom checks.
func WithMemoryMonitor(m contracts.MemoryMonitor) RegistryOption {
	return func(r *Registry) {
		r.monitor = m
	}
}

// WithObserver registers an observer before any candidate exists.
func WithObserver(o contracts.Observer) RegistryOption {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// New creates a registry for one container. The container starts visible.
func New(config *Config, seq contracts.Sequence, delegate contracts.FrameTreeDelegate, logger logr.Logger,
	opts ...RegistryOption,
) (*Registry, error) {
	if config == nil {
		var err error
		if config, err = NewConfig(); err != nil {
			return nil, err
		}
	} else if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid registry config: %w", err)
	}
	if seq == nil || delegate == nil {
		return nil, fmt.Errorf("registry requires a task sequence and a frame tree delegate")
	}

	r := &Registry{
		id:         uuid.NewString(),
		config:     config.Clone(),
		clock:      clock.RealClock{},
		seq:        seq,
		delegate:   delegate,
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
		hosts:      make(map[types.CandidateID]*host.Host),
		attempts:   make(map[types.NavigationID]*attempt),
		visibility: types.VisibilityVisible,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logger.WithName("prerender-registry").WithValues("registryID", r.id)
	r.limiter = limiter.New(r.config.Limits, r.monitor, r.logger)
	r.env = &host.Env{
		Clock:                  r.clock,
		Sequence:               r.seq,
		Emit:                   r.emit,
		Logger:                 r.logger.WithName("host"),
		Capabilities:           capability.NewTable(r.config.CapabilityOverrides),
		EnableNoVarySearchHint: r.config.EnableNoVarySearchHint,
	}
	r.bgTimers = map[types.TriggerCategory]*taskrunner.Timer{
		types.CategorySpeculationRules: taskrunner.NewTimer(r.clock, r.seq),
		types.CategoryEmbedder:         taskrunner.NewTimer(r.clock, r.seq),
	}
	return r, nil
}

// ID returns the registry's unique id.
func (r *Registry) ID() string { return r.id }

// --- Observers ---

// AddObserver registers o. Observers are notified synchronously, in registration order.
func (r *Registry) AddObserver(o contracts.Observer) {
	r.observers = append(r.observers, o)
}

// PostTask queues fn on the registry's sequence. Observers use it to mutate the registry after their notification
// returns.
func (r *Registry) PostTask(fn func()) {
	r.seq.Post(fn)
}

func (r *Registry) emit(ev types.Event) {
	r.notifying++
	defer func() { r.notifying-- }()
	for _, o := range r.observers {
		o.OnEvent(ev)
	}
}

// guard rejects mutations from a shut down registry or from inside an observer notification.
func (r *Registry) guard() error {
	if r.notifying > 0 {
		return types.ErrReentrantMutation
	}
	if r.shutdown {
		return types.ErrRegistryShutdown
	}
	return nil
}

func (r *Registry) lookup(id types.CandidateID) (*host.Host, error) {
	h, ok := r.hosts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrCandidateNotFound, id)
	}
	return h, nil
}

// --- Trigger API ---

// AddCandidate admits a new candidate and starts (or queues) its initial navigation.
//
// A trigger for a URL and target hint that already has a live candidate returns the existing id. Admission failures
// wrap `types.ErrRejected` and carry the reason as a `*types.CancellationError`; the refused candidate is still
// reported to observers as created and cancelled. A held back trigger returns `types.ErrHoldback`.
func (r *Registry) AddCandidate(attrs types.Attributes) (types.CandidateID, error) {
	if err := r.guard(); err != nil {
		return 0, err
	}
	if attrs.URL == nil || attrs.URL.Host == "" {
		return 0, fmt.Errorf("%w: candidate URL must be absolute", types.ErrInvalidURL)
	}
	if attrs.TriggerType == types.TriggerEmbedder {
		attrs.Eagerness = types.EagernessImmediate
	}

	if r.config.Holdback {
		r.emit(types.Event{
			Kind:        types.EventNotTriggered,
			Time:        r.clock.Now(),
			URL:         attrs.URL.String(),
			TriggerType: attrs.TriggerType,
			FinalStatus: types.FinalStatusHoldback,
		})
		return 0, types.ErrHoldback
	}

	for _, id := range r.order {
		h := r.hosts[id]
		existing := h.Attributes()
		if existing.TargetHint == attrs.TargetHint && existing.TriggerType == attrs.TriggerType &&
			existing.URL.String() == attrs.URL.String() {
			r.logger.V(logging.DEBUG).Info("Duplicate trigger", "candidateID", id, "url", attrs.URL.String())
			return id, nil
		}
	}

	if !site.IsHTTPFamily(attrs.URL) {
		return 0, r.refuse(attrs, types.FinalStatusInvalidSchemeNavigation)
	}
	if attrs.InitiatorOrigin != nil && site.Classify(attrs.InitiatorOrigin, attrs.URL) == site.RelationCrossSite {
		return 0, r.refuse(attrs, types.FinalStatusCrossSiteNavigationInInitialNavigation)
	}

	decision := r.limiter.Check(attrs)
	if decision.Rejected() {
		return 0, r.refuse(attrs, decision.Reject)
	}
	if decision.Evict.Valid() {
		r.cancel(decision.Evict, types.FinalStatusMaxNumOfRunningNonEagerPrerendersExceeded)
	}

	r.nextID++
	id := r.nextID
	startNow := r.limiter.Admit(id, attrs)
	initial := types.StateTriggeredButPending
	if startNow {
		initial = types.StateInitializing
	}
	h := host.New(id, attrs, initial, r.env)
	r.hosts[id] = h
	r.order = append(r.order, id)
	r.logger.V(logging.VERBOSE).Info("Candidate added", "candidateID", id, "url", attrs.URL.String(),
		"triggerType", attrs.TriggerType, "eagerness", attrs.Eagerness, "queued", !startNow)

	if startNow {
		r.startInitialNavigation(h)
	}
	return id, nil
}

// refuse reports a candidate that was never admitted and returns the rejection error.
func (r *Registry) refuse(attrs types.Attributes, status types.FinalStatus) error {
	r.nextID++
	h := host.New(r.nextID, attrs, types.StateInitializing, r.env)
	h.Cancel(status)
	r.logger.V(logging.VERBOSE).Info("Candidate refused", "url", attrs.URL.String(), "finalStatus", status)
	return types.NewRejection(status)
}

// NewNavigationID allocates a navigation id that no candidate navigation uses. Callers without their own id space use
// it for activation navigations.
func (r *Registry) NewNavigationID() types.NavigationID {
	r.nextNavID++
	return r.nextNavID
}

func (r *Registry) startInitialNavigation(h *host.Host) {
	navID := r.NewNavigationID()
	if err := h.StartInitialNavigation(navID); err != nil {
		r.logger.Error(err, "Failed to start initial navigation", "candidateID", h.ID())
		return
	}
	r.delegate.StartNavigation(h.ID(), navID, h.InitialURL())
}

func (r *Registry) startPromoted(ids []types.CandidateID) {
	for _, id := range ids {
		if h, ok := r.hosts[id]; ok && h.State() == types.StateTriggeredButPending {
			r.startInitialNavigation(h)
		}
	}
}

// RemoveCandidate cancels a candidate on behalf of its trigger. A zero status defaults to
// `FinalStatusTriggerDestroyed`.
func (r *Registry) RemoveCandidate(id types.CandidateID, status types.FinalStatus) error {
	if err := r.guard(); err != nil {
		return err
	}
	if _, err := r.lookup(id); err != nil {
		return err
	}
	if status == types.FinalStatusUnspecified {
		status = types.FinalStatusTriggerDestroyed
	}
	r.cancel(id, status)
	return nil
}

// CancelAllForTrigger cancels every candidate created by the given trigger source and returns how many were
// cancelled.
func (r *Registry) CancelAllForTrigger(source string) (int, error) {
	if err := r.guard(); err != nil {
		return 0, err
	}
	var ids []types.CandidateID
	for _, id := range r.order {
		if r.hosts[id].Attributes().TriggerSource == source {
			ids = append(ids, id)
		}
	}
	r.cancelMany(ids, func(*host.Host) types.FinalStatus { return types.FinalStatusTriggerDestroyed })
	return len(ids), nil
}

// HasHostForURL reports whether a live candidate is registered under u. Redirect targets do not count.
func (r *Registry) HasHostForURL(u *url.URL) bool {
	var exact *novarysearch.Policy
	for _, id := range r.order {
		if exact.AreEquivalent(r.hosts[id].InitialURL(), u) {
			return true
		}
	}
	return false
}

// Candidate returns a snapshot of a live candidate.
func (r *Registry) Candidate(id types.CandidateID) (types.CandidateSnapshot, error) {
	h, err := r.lookup(id)
	if err != nil {
		return types.CandidateSnapshot{}, err
	}
	return h.Snapshot(), nil
}

// Candidates returns snapshots of every live candidate in creation order.
func (r *Registry) Candidates() []types.CandidateSnapshot {
	out := make([]types.CandidateSnapshot, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.hosts[id].Snapshot())
	}
	return out
}

// Visibility returns the last reported container visibility.
func (r *Registry) Visibility() types.Visibility { return r.visibility }

// MemoryPressure returns the last reported system memory pressure level.
func (r *Registry) MemoryPressure() types.MemoryPressureLevel { return r.limiter.Pressure() }

// PendingCandidates returns the candidates waiting for a navigation slot, oldest first.
func (r *Registry) PendingCandidates() []types.CandidateID { return r.limiter.Pending() }

// Shutdown tears the registry down with the container: every candidate is cancelled, every activation attempt falls
// back and all later mutations fail with `types.ErrRegistryShutdown`. A zero status defaults to
// `FinalStatusTabClosedWithoutUserGesture`. Shutdown is idempotent.
func (r *Registry) Shutdown(status types.FinalStatus) error {
	if r.notifying > 0 {
		return types.ErrReentrantMutation
	}
	if r.shutdown {
		return nil
	}
	if status == types.FinalStatusUnspecified {
		status = types.FinalStatusTabClosedWithoutUserGesture
	}
	r.cancelMany(slices.Clone(r.order), func(*host.Host) types.FinalStatus { return status })
	for _, navID := range slices.Sorted(maps.Keys(r.attempts)) {
		r.fallback(r.attempts[navID], "registry shut down")
	}
	for _, t := range r.bgTimers {
		t.Stop()
	}
	r.shutdown = true
	r.logger.V(logging.DEFAULT).Info("Registry shut down", "finalStatus", status)
	return nil
}

// --- Cancellation ---

// cancel cancels one candidate and starts whatever it promoted out of the pending queue.
func (r *Registry) cancel(id types.CandidateID, status types.FinalStatus) {
	r.startPromoted(r.cancelHost(id, status))
}

// cancelMany cancels ids in order. Promotions are applied once every id is gone, so no cancelled candidate is started.
func (r *Registry) cancelMany(ids []types.CandidateID, statusOf func(*host.Host) types.FinalStatus) {
	var promoted []types.CandidateID
	for _, id := range ids {
		h, ok := r.hosts[id]
		if !ok {
			continue
		}
		promoted = append(promoted, r.cancelHost(id, statusOf(h))...)
	}
	r.startPromoted(promoted)
}

// cancelHost cancels and forgets one candidate. Activation attempts that selected it fall back.
func (r *Registry) cancelHost(id types.CandidateID, status types.FinalStatus) []types.CandidateID {
	h, ok := r.hosts[id]
	if !ok {
		return nil
	}
	h.Cancel(status)
	r.remove(id)
	r.delegate.DestroyFrameTree(id, status)
	promoted := r.limiter.Release(id)

	for _, navID := range slices.Sorted(maps.Keys(r.attempts)) {
		if a := r.attempts[navID]; a.candidate == id {
			r.fallback(a, "candidate cancelled: "+status.String())
		}
	}
	return promoted
}

func (r *Registry) remove(id types.CandidateID) {
	delete(r.hosts, id)
	r.order = slices.DeleteFunc(r.order, func(other types.CandidateID) bool { return other == id })
}
