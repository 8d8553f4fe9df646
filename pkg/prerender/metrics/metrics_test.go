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

package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"k8s.io/component-base/metrics/testutil"

	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

func newTestObserver(t *testing.T) (*Observer, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	o, err := NewObserver(reg)
	require.NoError(t, err)
	return o, reg
}

func terminal(id types.CandidateID, trigger types.TriggerType, status types.FinalStatus, state types.State) types.Event {
	return types.Event{
		Kind:        types.EventStateChanged,
		CandidateID: id,
		TriggerType: trigger,
		OldState:    types.StateReady,
		NewState:    state,
		FinalStatus: status,
	}
}

func TestObserver_FinalStatus(t *testing.T) {
	t.Parallel()
	o, reg := newTestObserver(t)

	o.OnEvent(terminal(1, types.TriggerSpeculationRule, types.FinalStatusActivated, types.StateActivated))
	o.OnEvent(terminal(2, types.TriggerSpeculationRule, types.FinalStatusOtherPrerenderedPageActivated, types.StateCancelled))
	o.OnEvent(terminal(3, types.TriggerEmbedder, types.FinalStatusTimeoutBackgrounded, types.StateCancelled))
	o.OnEvent(types.Event{Kind: types.EventNotTriggered, TriggerType: types.TriggerSpeculationRule, FinalStatus: types.FinalStatusHoldback})

	want := `
# HELP prerender_final_status_total [ALPHA] Counter of prerender candidates reaching a final status, by trigger type.
# TYPE prerender_final_status_total counter
prerender_final_status_total{final_status="Activated",trigger_type="SpeculationRule"} 1
prerender_final_status_total{final_status="Holdback",trigger_type="SpeculationRule"} 1
prerender_final_status_total{final_status="OtherPrerenderedPageActivated",trigger_type="SpeculationRule"} 1
prerender_final_status_total{final_status="TimeoutBackgrounded",trigger_type="Embedder"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want), FinalStatusTotalMetric))
}

func TestObserver_StateTransitionsAndProtocolErrors(t *testing.T) {
	t.Parallel()
	o, reg := newTestObserver(t)

	o.OnEvent(types.Event{Kind: types.EventStateChanged, CandidateID: 1, NewState: types.StateNavigatingInitial})
	o.OnEvent(types.Event{Kind: types.EventStateChanged, CandidateID: 2, NewState: types.StateNavigatingInitial})
	o.OnEvent(types.Event{Kind: types.EventProtocolError, CandidateID: 1, Interface: "blink.mojom.FileChooser"})

	want := `
# HELP prerender_state_transitions_total [ALPHA] Counter of prerender candidate state transitions, by destination state.
# TYPE prerender_state_transitions_total counter
prerender_state_transitions_total{state="NavigatingInitial"} 2
# HELP prerender_protocol_errors_total [ALPHA] Counter of unexpected capability requests from prerendering pages.
# TYPE prerender_protocol_errors_total counter
prerender_protocol_errors_total{interface="blink.mojom.FileChooser"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want),
		StateTransitionsTotalMetric, ProtocolErrorsTotalMetric))
}

func TestObserver_HeaderWaitDuration(t *testing.T) {
	t.Parallel()
	o, reg := newTestObserver(t)
	start := time.Unix(1700000000, 0)

	o.OnEvent(types.Event{Kind: types.EventHeaderWaitStarted, CandidateID: 7, Time: start,
		HeaderWaitReason: types.HeaderWaitWithTimeout})
	o.OnEvent(types.Event{Kind: types.EventHeaderWaitFinished, CandidateID: 7, Time: start.Add(200 * time.Millisecond),
		HeaderWaitReason: types.HeaderWaitHeadersReceived})
	// A finish without a recorded start is ignored.
	o.OnEvent(types.Event{Kind: types.EventHeaderWaitFinished, CandidateID: 8, Time: start,
		HeaderWaitReason: types.HeaderWaitAborted})

	want := `
# HELP prerender_header_wait_duration_seconds [ALPHA] Distribution of how long activations waited for candidate response headers, by outcome.
# TYPE prerender_header_wait_duration_seconds histogram
prerender_header_wait_duration_seconds_bucket{outcome="HeadersReceived",le="0.001"} 0
prerender_header_wait_duration_seconds_bucket{outcome="HeadersReceived",le="0.005"} 0
prerender_header_wait_duration_seconds_bucket{outcome="HeadersReceived",le="0.01"} 0
prerender_header_wait_duration_seconds_bucket{outcome="HeadersReceived",le="0.025"} 0
prerender_header_wait_duration_seconds_bucket{outcome="HeadersReceived",le="0.05"} 0
prerender_header_wait_duration_seconds_bucket{outcome="HeadersReceived",le="0.1"} 0
prerender_header_wait_duration_seconds_bucket{outcome="HeadersReceived",le="0.25"} 1
prerender_header_wait_duration_seconds_bucket{outcome="HeadersReceived",le="0.5"} 1
prerender_header_wait_duration_seconds_bucket{outcome="HeadersReceived",le="1"} 1
prerender_header_wait_duration_seconds_bucket{outcome="HeadersReceived",le="2.5"} 1
prerender_header_wait_duration_seconds_bucket{outcome="HeadersReceived",le="5"} 1
prerender_header_wait_duration_seconds_bucket{outcome="HeadersReceived",le="+Inf"} 1
prerender_header_wait_duration_seconds_sum{outcome="HeadersReceived"} 0.2
prerender_header_wait_duration_seconds_count{outcome="HeadersReceived"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want), HeaderWaitDurationMetric))
}

func TestNewObserver_FailsOnDuplicateRegistration(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	_, err := NewObserver(reg)
	require.NoError(t, err)
	_, err = NewObserver(reg)
	require.Error(t, err)
}
