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

// Package limiter implements the prerender admission policy: per-class quotas, the speculation-rules pending queue,
// trigger-time memory checks and the embedder host blocklist.
//
// The limiter is owned by a single registry and lives on its task sequence. It never cancels anything itself; it
// returns decisions that the registry carries out, so counters and queues only change through the registry's
// admission, promotion and cancellation paths.
package limiter

import (
	"container/list"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/pkg/prerender/contracts"
	"github.com/prerender-dev/prerender/pkg/prerender/site"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

// QuotaClass is the quota a candidate counts against.
type QuotaClass int

const (
	QuotaEager QuotaClass = iota
	QuotaNonEager
	QuotaEmbedder
)

func (c QuotaClass) String() string {
	switch c {
	case QuotaEager:
		return "Eager"
	case QuotaNonEager:
		return "NonEager"
	case QuotaEmbedder:
		return "Embedder"
	default:
		return "UnknownQuotaClass(" + strconv.Itoa(int(c)) + ")"
	}
}

// ClassOf returns the quota class of a candidate.
func ClassOf(attrs types.Attributes) QuotaClass {
	switch {
	case attrs.TriggerType == types.TriggerEmbedder:
		return QuotaEmbedder
	case attrs.Eagerness.IsEager():
		return QuotaEager
	default:
		return QuotaNonEager
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	// Reject is set when the candidate must not be admitted.
	Reject types.FinalStatus
	// Evict names a running candidate that must be cancelled with
	// `FinalStatusMaxNumOfRunningNonEagerPrerendersExceeded` before the new one is admitted.
	Evict types.CandidateID
}

// Rejected reports whether the decision refuses admission.
func (d Decision) Rejected() bool { return d.Reject != types.FinalStatusUnspecified }

// Limiter tracks admitted candidates against the configured quotas.
type Limiter struct {
	config  Config
	monitor contracts.MemoryMonitor
	logger  logr.Logger

	pressure types.MemoryPressureLevel
	blocked  map[string]struct{}

	// admitted holds admitted candidate ids per class, oldest first.
	admitted map[QuotaClass]*list.List
	// handles locates an admitted id in its class list.
	handles map[types.CandidateID]*list.Element
	classes map[types.CandidateID]QuotaClass

	// pending is the FIFO queue of speculation-rule candidates waiting to start their initial navigation.
	pending        *list.List
	pendingHandles map[types.CandidateID]*list.Element
	// navigating is the set of speculation-rule candidates whose initial navigation is in flight.
	navigating map[types.CandidateID]struct{}
}

// New creates a limiter. A nil monitor disables the memory headroom checks.
func New(config Config, monitor contracts.MemoryMonitor, logger logr.Logger) *Limiter {
	l := &Limiter{
		config:         config.Clone(),
		monitor:        monitor,
		logger:         logger.WithName("limiter"),
		blocked:        make(map[string]struct{}, len(config.BlockedEmbedderHosts)),
		admitted:       make(map[QuotaClass]*list.List, 3),
		handles:        make(map[types.CandidateID]*list.Element),
		classes:        make(map[types.CandidateID]QuotaClass),
		pending:        list.New(),
		pendingHandles: make(map[types.CandidateID]*list.Element),
		navigating:     make(map[types.CandidateID]struct{}),
	}
	for _, c := range []QuotaClass{QuotaEager, QuotaNonEager, QuotaEmbedder} {
		l.admitted[c] = list.New()
	}
	for _, h := range config.BlockedEmbedderHosts {
		l.blocked[site.RegistrableDomain(h)] = struct{}{}
	}
	return l
}

// --- Admission ---

// Check decides whether a candidate may be admitted. It does not change any state.
func (l *Limiter) Check(attrs types.Attributes) Decision {
	class := ClassOf(attrs)

	if class == QuotaEmbedder && attrs.URL != nil {
		if _, ok := l.blocked[site.RegistrableDomain(attrs.URL.Hostname())]; ok {
			return Decision{Reject: types.FinalStatusEmbedderHostDisallowed}
		}
	}

	if !attrs.DebuggerAttached {
		if status := l.checkMemory(); status != types.FinalStatusUnspecified {
			return Decision{Reject: status}
		}
	}

	if l.admitted[class].Len() < l.quota(class) {
		return Decision{}
	}
	switch class {
	case QuotaEager:
		return Decision{Reject: types.FinalStatusMaxNumOfRunningEagerPrerendersExceeded}
	case QuotaEmbedder:
		return Decision{Reject: types.FinalStatusMaxNumOfRunningEmbedderPrerendersExceeded}
	default:
		oldest := l.admitted[QuotaNonEager].Front()
		if oldest == nil {
			return Decision{Reject: types.FinalStatusMaxNumOfRunningNonEagerPrerendersExceeded}
		}
		return Decision{Evict: oldest.Value.(types.CandidateID)}
	}
}

func (l *Limiter) checkMemory() types.FinalStatus {
	if l.pressure == types.MemoryPressureCritical {
		return types.FinalStatusMemoryPressureOnTrigger
	}
	if l.monitor == nil {
		return types.FinalStatusUnspecified
	}
	sample, ok := l.monitor.Sample()
	if !ok {
		return types.FinalStatusUnspecified
	}
	if l.config.MinTotalMemoryBytes > 0 && sample.TotalBytes < l.config.MinTotalMemoryBytes {
		return types.FinalStatusLowEndDevice
	}
	if l.config.MinAvailableMemoryPercent > 0 && sample.AvailablePercent() < l.config.MinAvailableMemoryPercent {
		return types.FinalStatusMemoryLimitExceeded
	}
	return types.FinalStatusUnspecified
}

func (l *Limiter) quota(c QuotaClass) int {
	switch c {
	case QuotaEager:
		return l.config.MaxRunningEager
	case QuotaNonEager:
		return l.config.MaxRunningNonEager
	default:
		return l.config.MaxRunningEmbedder
	}
}

// Admit records an admitted candidate. It returns true when the candidate may start its initial navigation now and
// false when it was placed in the pending queue. Callers must have applied the Check decision first.
func (l *Limiter) Admit(id types.CandidateID, attrs types.Attributes) (startNow bool) {
	class := ClassOf(attrs)
	l.handles[id] = l.admitted[class].PushBack(id)
	l.classes[id] = class

	if class == QuotaEmbedder {
		return true
	}
	if l.hasNavigationSlot() {
		l.navigating[id] = struct{}{}
		return true
	}
	l.pendingHandles[id] = l.pending.PushBack(id)
	l.logger.V(logging.DEBUG).Info("Candidate queued", "candidateID", id, "pending", l.pending.Len())
	return false
}

func (l *Limiter) hasNavigationSlot() bool {
	return l.config.MaxConcurrentInitialNavigations == 0 ||
		len(l.navigating) < l.config.MaxConcurrentInitialNavigations
}

// InitialNavigationFinished frees the navigation slot of id and returns the candidates promoted from the pending
// queue, oldest first.
func (l *Limiter) InitialNavigationFinished(id types.CandidateID) []types.CandidateID {
	if _, ok := l.navigating[id]; !ok {
		return nil
	}
	delete(l.navigating, id)
	return l.promote()
}

// Release forgets id (cancelled or activated) and returns the candidates promoted from the pending queue.
func (l *Limiter) Release(id types.CandidateID) []types.CandidateID {
	if e, ok := l.handles[id]; ok {
		l.admitted[l.classes[id]].Remove(e)
		delete(l.handles, id)
		delete(l.classes, id)
	}
	if e, ok := l.pendingHandles[id]; ok {
		l.pending.Remove(e)
		delete(l.pendingHandles, id)
	}
	return l.InitialNavigationFinished(id)
}

func (l *Limiter) promote() []types.CandidateID {
	var promoted []types.CandidateID
	for l.pending.Len() > 0 && l.hasNavigationSlot() {
		front := l.pending.Front()
		id := front.Value.(types.CandidateID)
		l.pending.Remove(front)
		delete(l.pendingHandles, id)
		l.navigating[id] = struct{}{}
		promoted = append(promoted, id)
	}
	if len(promoted) > 0 {
		l.logger.V(logging.DEBUG).Info("Promoted pending candidates", "candidateIDs", promoted)
	}
	return promoted
}

// --- Memory Pressure ---

// SetPressure records the latest pressure level and reports whether every candidate must now be cancelled.
func (l *Limiter) SetPressure(level types.MemoryPressureLevel) (cancelAll bool) {
	prev := l.pressure
	l.pressure = level
	if prev != level {
		l.logger.V(logging.DEFAULT).Info("Memory pressure level changed", "from", prev, "to", level)
	}
	return level == types.MemoryPressureCritical
}

// Pressure returns the latest pressure level.
func (l *Limiter) Pressure() types.MemoryPressureLevel { return l.pressure }

// --- Introspection ---

// Admitted returns the number of admitted candidates in a class.
func (l *Limiter) Admitted(c QuotaClass) int { return l.admitted[c].Len() }

// Pending returns the pending queue, oldest first.
func (l *Limiter) Pending() []types.CandidateID {
	out := make([]types.CandidateID, 0, l.pending.Len())
	for e := l.pending.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(types.CandidateID))
	}
	return out
}

// Navigating returns the number of speculation-rule initial navigations in flight.
func (l *Limiter) Navigating() int { return len(l.navigating) }
