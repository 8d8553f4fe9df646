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

// Package metrics exports registry events as Prometheus metrics.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	compbasemetrics "k8s.io/component-base/metrics"

	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

const (
	// --- Subsystems ---
	PrerenderComponent = "prerender"

	FinalStatusTotalMetric      = PrerenderComponent + "_final_status_total"
	StateTransitionsTotalMetric = PrerenderComponent + "_state_transitions_total"
	ProtocolErrorsTotalMetric   = PrerenderComponent + "_protocol_errors_total"
	HeaderWaitDurationMetric    = PrerenderComponent + "_header_wait_duration_seconds"
)

// HeaderWaitBuckets span the configurable header-wait bound, from 1ms to 5s.
var HeaderWaitBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

func helpMsgWithStability(msg string, level compbasemetrics.StabilityLevel) string {
	return fmt.Sprintf("[%v] %v", level, msg)
}

// Observer is a registry observer that records Prometheus metrics. Like every observer it runs on the registry's
// sequence; the collectors themselves are safe to scrape concurrently.
type Observer struct {
	finalStatus      *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	protocolErrors   *prometheus.CounterVec
	headerWait       *prometheus.HistogramVec

	waitStarted map[types.CandidateID]time.Time
}

// NewObserver creates the collectors and registers them with reg.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		finalStatus: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: PrerenderComponent,
				Name:      "final_status_total",
				Help:      helpMsgWithStability("Counter of prerender candidates reaching a final status, by trigger type.", compbasemetrics.ALPHA),
			},
			[]string{"trigger_type", "final_status"},
		),
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: PrerenderComponent,
				Name:      "state_transitions_total",
				Help:      helpMsgWithStability("Counter of prerender candidate state transitions, by destination state.", compbasemetrics.ALPHA),
			},
			[]string{"state"},
		),
		protocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: PrerenderComponent,
				Name:      "protocol_errors_total",
				Help:      helpMsgWithStability("Counter of unexpected capability requests from prerendering pages.", compbasemetrics.ALPHA),
			},
			[]string{"interface"},
		),
		headerWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: PrerenderComponent,
				Name:      "header_wait_duration_seconds",
				Help:      helpMsgWithStability("Distribution of how long activations waited for candidate response headers, by outcome.", compbasemetrics.ALPHA),
				Buckets:   HeaderWaitBuckets,
			},
			[]string{"outcome"},
		),
		waitStarted: make(map[types.CandidateID]time.Time),
	}
	for _, c := range []prometheus.Collector{o.finalStatus, o.stateTransitions, o.protocolErrors, o.headerWait} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register prerender metrics - %w", err)
		}
	}
	return o, nil
}

// OnEvent implements contracts.Observer.
func (o *Observer) OnEvent(ev types.Event) {
	switch ev.Kind {
	case types.EventStateChanged:
		o.stateTransitions.WithLabelValues(ev.NewState.String()).Inc()
		if ev.NewState.IsTerminal() {
			o.finalStatus.WithLabelValues(ev.TriggerType.String(), ev.FinalStatus.String()).Inc()
			delete(o.waitStarted, ev.CandidateID)
		}
	case types.EventNotTriggered:
		o.finalStatus.WithLabelValues(ev.TriggerType.String(), ev.FinalStatus.String()).Inc()
	case types.EventProtocolError:
		o.protocolErrors.WithLabelValues(ev.Interface).Inc()
	case types.EventHeaderWaitStarted:
		o.waitStarted[ev.CandidateID] = ev.Time
	case types.EventHeaderWaitFinished:
		started, ok := o.waitStarted[ev.CandidateID]
		if !ok {
			return
		}
		delete(o.waitStarted, ev.CandidateID)
		o.headerWait.WithLabelValues(ev.HeaderWaitReason.String()).Observe(ev.Time.Sub(started).Seconds())
	}
}
