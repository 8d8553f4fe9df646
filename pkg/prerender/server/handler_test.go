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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/pkg/prerender/contracts"
	"github.com/prerender-dev/prerender/pkg/prerender/decider"
	"github.com/prerender-dev/prerender/pkg/prerender/journal"
	"github.com/prerender-dev/prerender/pkg/prerender/registry"
	"github.com/prerender-dev/prerender/pkg/prerender/taskrunner"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

const pageURL = "https://a.test/page"

// fakeFrameTrees records started navigations. It is only touched from the task sequence.
type fakeFrameTrees struct {
	started map[types.CandidateID]types.NavigationID
}

var _ contracts.FrameTreeDelegate = &fakeFrameTrees{}

func (f *fakeFrameTrees) StartNavigation(id types.CandidateID, navID types.NavigationID, _ *url.URL) {
	f.started[id] = navID
}

func (f *fakeFrameTrees) DestroyFrameTree(id types.CandidateID, _ types.FinalStatus) {
	delete(f.started, id)
}

type serverTestHarness struct {
	t          *testing.T
	runner     *taskrunner.Runner
	registry   *registry.Registry
	frameTrees *fakeFrameTrees
	handler    http.Handler
	server     *httptest.Server
}

func newServerTestHarness(t *testing.T, activationTimeout time.Duration,
	opts ...registry.ConfigOption,
) *serverTestHarness {
	t.Helper()
	return newHarness(t, activationTimeout, true, opts...)
}

// newManualServerTestHarness leaves the task sequence undrained; the test runs it with `runner.RunPending`.
func newManualServerTestHarness(t *testing.T, activationTimeout time.Duration) *serverTestHarness {
	t.Helper()
	return newHarness(t, activationTimeout, false)
}

func newHarness(t *testing.T, activationTimeout time.Duration, drain bool,
	opts ...registry.ConfigOption,
) *serverTestHarness {
	t.Helper()
	logger := logging.NewTestLogger()
	config, err := registry.NewConfig(opts...)
	require.NoError(t, err)

	h := &serverTestHarness{
		t:          t,
		runner:     taskrunner.New(),
		frameTrees: &fakeFrameTrees{started: make(map[types.CandidateID]types.NavigationID)},
	}
	h.registry, err = registry.New(config, h.runner, h.frameTrees, logger)
	require.NoError(t, err)
	d := decider.New(h.registry, logger)
	h.registry.AddObserver(d)
	j, err := journal.OpenInMemory(logger)
	require.NoError(t, err)
	h.registry.AddObserver(j.Observer(h.registry.ID()))

	ctx, cancel := context.WithCancel(context.Background())
	if drain {
		go h.runner.Run(ctx)
	}
	h.handler = NewHandler(h.runner, h.registry, d, j, logger, activationTimeout).Routes()
	h.server = httptest.NewServer(h.handler)
	t.Cleanup(func() {
		h.server.Close()
		cancel()
		_ = j.Close()
	})
	return h
}

func (h *serverTestHarness) do(method, path string, body any) (int, []byte) {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(h.t, err)
	resp, err := h.server.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp.StatusCode, out
}

func decodeInto[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func (h *serverTestHarness) add(req CandidateRequest) types.CandidateID {
	h.t.Helper()
	status, body := h.do(http.MethodPost, "/v1/candidates", req)
	require.Equal(h.t, http.StatusCreated, status, string(body))
	return decodeInto[CandidateResponse](h.t, body).ID
}

func (h *serverTestHarness) state(id types.CandidateID) (string, int) {
	h.t.Helper()
	status, body := h.do(http.MethodGet, fmt.Sprintf("/v1/candidates/%s", id), nil)
	if status != http.StatusOK {
		return "", status
	}
	return decodeInto[Candidate](h.t, body).State, status
}

// commit reports the candidate's initial navigation as committed, as a page loader would.
func (h *serverTestHarness) commit(id types.CandidateID) {
	h.t.Helper()
	var err error
	require.NoError(h.t, h.runner.Do(context.Background(), func() {
		navID := h.frameTrees.started[id]
		if err = h.registry.OnHeadersReceived(id, navID, http.StatusOK, http.Header{}); err != nil {
			return
		}
		err = h.registry.OnNavigationCommitted(id, navID, nil)
	}))
	require.NoError(h.t, err)
}

func TestHandler_Candidates(t *testing.T) {
	t.Parallel()

	t.Run("ShouldStartImmediateCandidate", func(t *testing.T) {
		t.Parallel()
		h := newServerTestHarness(t, time.Second)
		id := h.add(CandidateRequest{URL: pageURL})
		assert.True(t, id.Valid())

		state, _ := h.state(id)
		assert.Equal(t, types.StateNavigatingInitial.String(), state)

		status, body := h.do(http.MethodGet, "/v1/candidates", nil)
		require.Equal(t, http.StatusOK, status)
		list := decodeInto[[]Candidate](t, body)
		require.Len(t, list, 1)
		assert.Equal(t, pageURL, list[0].InitialURL)
		assert.Equal(t, "SpeculationRule", list[0].TriggerType)
	})

	t.Run("ShouldReturnExistingCandidate_WhenTriggeredTwice", func(t *testing.T) {
		t.Parallel()
		h := newServerTestHarness(t, time.Second)
		first := h.add(CandidateRequest{URL: pageURL, TriggerType: "Embedder"})
		second := h.add(CandidateRequest{URL: pageURL, TriggerType: "Embedder"})
		assert.Equal(t, first, second)
	})

	t.Run("ShouldHoldModerateRuleUntilHover", func(t *testing.T) {
		t.Parallel()
		h := newServerTestHarness(t, time.Second)
		status, body := h.do(http.MethodPost, "/v1/candidates", CandidateRequest{URL: pageURL, Eagerness: "Moderate"})
		require.Equal(t, http.StatusAccepted, status, string(body))
		assert.True(t, decodeInto[CandidateResponse](t, body).Held)

		status, body = h.do(http.MethodGet, "/v1/rules", nil)
		require.Equal(t, http.StatusOK, status)
		rules := decodeInto[[]Rule](t, body)
		require.Len(t, rules, 1)
		assert.Equal(t, "Moderate", rules[0].Eagerness)
		assert.False(t, rules[0].Candidate.Valid())

		status, body = h.do(http.MethodPost, "/v1/signals", SignalRequest{Signal: "PointerHover", URL: pageURL})
		require.Equal(t, http.StatusOK, status, string(body))
		created := decodeInto[struct {
			Created []types.CandidateID `json:"created"`
		}](t, body).Created
		require.Len(t, created, 1)

		state, _ := h.state(created[0])
		assert.Equal(t, types.StateNavigatingInitial.String(), state)
	})

	t.Run("ShouldRemoveCandidate_WhenRuleIsWithdrawn", func(t *testing.T) {
		t.Parallel()
		h := newServerTestHarness(t, time.Second)
		id := h.add(CandidateRequest{URL: pageURL, TargetHint: "_self"})

		status, _ := h.do(http.MethodDelete, "/v1/rules?url="+url.QueryEscape(pageURL), nil)
		assert.Equal(t, http.StatusNoContent, status)
		_, status = h.state(id)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("ShouldDeleteCandidate", func(t *testing.T) {
		t.Parallel()
		h := newServerTestHarness(t, time.Second)
		id := h.add(CandidateRequest{URL: pageURL, TriggerType: "Embedder"})

		status, _ := h.do(http.MethodDelete, fmt.Sprintf("/v1/candidates/%s", id), nil)
		assert.Equal(t, http.StatusNoContent, status)
		_, status = h.state(id)
		assert.Equal(t, http.StatusNotFound, status)
		status, _ = h.do(http.MethodDelete, fmt.Sprintf("/v1/candidates/%s", id), nil)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("ShouldReportFinalStatus_WhenRejected", func(t *testing.T) {
		t.Parallel()
		h := newServerTestHarness(t, time.Second)
		status, body := h.do(http.MethodPost, "/v1/candidates", CandidateRequest{URL: "ftp://a.test/file"})
		require.Equal(t, http.StatusConflict, status, string(body))
		assert.Equal(t, "InvalidSchemeNavigation", decodeInto[CandidateResponse](t, body).FinalStatus)
	})

	t.Run("ShouldReportHoldback", func(t *testing.T) {
		t.Parallel()
		h := newServerTestHarness(t, time.Second, registry.WithHoldback(true))
		status, body := h.do(http.MethodPost, "/v1/candidates", CandidateRequest{URL: pageURL})
		require.Equal(t, http.StatusOK, status, string(body))
		resp := decodeInto[CandidateResponse](t, body)
		assert.True(t, resp.HeldBack)
		assert.Equal(t, "Holdback", resp.FinalStatus)
	})

	badRequests := []struct {
		name string
		body any
	}{
		{name: "ShouldRejectMissingURL", body: CandidateRequest{}},
		{name: "ShouldRejectRelativeURL", body: CandidateRequest{URL: "/page"}},
		{name: "ShouldRejectUnknownEagerness", body: CandidateRequest{URL: pageURL, Eagerness: "Eventually"}},
		{name: "ShouldRejectUnknownTargetHint", body: CandidateRequest{URL: pageURL, TargetHint: "_parent"}},
		{name: "ShouldRejectUnknownFields", body: map[string]string{"url": pageURL, "priority": "high"}},
	}
	for _, tc := range badRequests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newServerTestHarness(t, time.Second)
			status, body := h.do(http.MethodPost, "/v1/candidates", tc.body)
			assert.Equal(t, http.StatusBadRequest, status, string(body))
		})
	}
}

func TestHandler_Navigations(t *testing.T) {
	t.Parallel()

	t.Run("ShouldActivateReadyCandidate", func(t *testing.T) {
		t.Parallel()
		h := newServerTestHarness(t, time.Second)
		id := h.add(CandidateRequest{URL: pageURL})
		h.commit(id)

		status, body := h.do(http.MethodPost, "/v1/navigations", NavigationRequest{URL: pageURL})
		require.Equal(t, http.StatusOK, status, string(body))
		resp := decodeInto[NavigationResponse](t, body)
		assert.True(t, resp.Activated)
		assert.Equal(t, id, resp.CandidateID)
		assert.Equal(t, pageURL, resp.URL)

		_, status = h.state(id)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("ShouldLoadNormally_WhenNothingMatches", func(t *testing.T) {
		t.Parallel()
		h := newServerTestHarness(t, time.Second)
		status, body := h.do(http.MethodPost, "/v1/navigations", NavigationRequest{URL: "https://a.test/other"})
		require.Equal(t, http.StatusOK, status, string(body))
		resp := decodeInto[NavigationResponse](t, body)
		assert.False(t, resp.Activated)
		assert.NotZero(t, resp.NavigationID)
	})

	t.Run("ShouldWaitForCandidateNavigation", func(t *testing.T) {
		t.Parallel()
		h := newServerTestHarness(t, 5*time.Second)
		id := h.add(CandidateRequest{URL: pageURL})

		type result struct {
			status int
			body   []byte
		}
		done := make(chan result, 1)
		go func() {
			status, body := h.do(http.MethodPost, "/v1/navigations", NavigationRequest{URL: pageURL})
			done <- result{status, body}
		}()

		require.Eventually(t, func() bool {
			state, _ := h.state(id)
			return state == types.StateReserved.String()
		}, 5*time.Second, 10*time.Millisecond)
		h.commit(id)

		select {
		case r := <-done:
			require.Equal(t, http.StatusOK, r.status, string(r.body))
			resp := decodeInto[NavigationResponse](t, r.body)
			assert.True(t, resp.Activated)
			assert.Equal(t, id, resp.CandidateID)
		case <-time.After(5 * time.Second):
			t.Fatal("activation did not resume")
		}
	})

	t.Run("ShouldAbandonActivation_WhenWaitTimesOut", func(t *testing.T) {
		t.Parallel()
		h := newServerTestHarness(t, 50*time.Millisecond)
		id := h.add(CandidateRequest{URL: pageURL})

		status, body := h.do(http.MethodPost, "/v1/navigations", NavigationRequest{URL: pageURL})
		require.Equal(t, http.StatusOK, status, string(body))
		resp := decodeInto[NavigationResponse](t, body)
		assert.False(t, resp.Activated)
		assert.Equal(t, "activation timed out", resp.Reason)

		_, status = h.state(id)
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestHandler_AbandonedNavigations(t *testing.T) {
	t.Parallel()

	t.Run("ShouldLeaveCandidateUnreserved_WhenCallerLeavesBeforeSelection", func(t *testing.T) {
		t.Parallel()
		h := newManualServerTestHarness(t, time.Second)
		u, err := url.Parse(pageURL)
		require.NoError(t, err)

		var id types.CandidateID
		h.runner.Post(func() {
			id, err = h.registry.AddCandidate(types.Attributes{
				URL:         u,
				TriggerType: types.TriggerSpeculationRule,
				Eagerness:   types.EagernessImmediate,
			})
		})
		h.runner.RunPending()
		require.NoError(t, err)
		h.runner.Post(func() {
			navID := h.frameTrees.started[id]
			if err = h.registry.OnHeadersReceived(id, navID, http.StatusOK, http.Header{}); err == nil {
				err = h.registry.OnNavigationCommitted(id, navID, nil)
			}
		})
		h.runner.RunPending()
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		b, err := json.Marshal(NavigationRequest{URL: pageURL})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/v1/navigations", bytes.NewReader(b)).WithContext(ctx)
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

		h.runner.RunPending()
		snapshot, err := h.registry.Candidate(id)
		require.NoError(t, err)
		assert.Equal(t, types.StateReady, snapshot.State)

		var selected types.CandidateID
		h.runner.Post(func() {
			selected, err = h.registry.FindPotentialHostToActivate(context.Background(),
				types.Navigation{ID: h.registry.NewNavigationID(), URL: u})
		})
		h.runner.RunPending()
		require.NoError(t, err)
		assert.Equal(t, id, selected)
	})

	t.Run("ShouldCancelReservedCandidate_WhenCallerLeavesWhileDeferred", func(t *testing.T) {
		t.Parallel()
		h := newServerTestHarness(t, 5*time.Second)
		id := h.add(CandidateRequest{URL: pageURL})

		b, err := json.Marshal(NavigationRequest{URL: pageURL})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.server.URL+"/v1/navigations", bytes.NewReader(b))
		require.NoError(t, err)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if resp, err := h.server.Client().Do(req); err == nil {
				resp.Body.Close()
			}
		}()

		require.Eventually(t, func() bool {
			state, _ := h.state(id)
			return state == types.StateReserved.String()
		}, 5*time.Second, 10*time.Millisecond)
		cancel()
		<-done

		require.Eventually(t, func() bool {
			_, status := h.state(id)
			return status == http.StatusNotFound
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestHandler_ContainerSignals(t *testing.T) {
	t.Parallel()

	t.Run("ShouldCancelEverything_OnCriticalMemoryPressure", func(t *testing.T) {
		t.Parallel()
		h := newServerTestHarness(t, time.Second)
		id := h.add(CandidateRequest{URL: pageURL})

		status, _ := h.do(http.MethodPut, "/v1/memory-pressure", map[string]string{"level": "Critical"})
		assert.Equal(t, http.StatusNoContent, status)
		_, status = h.state(id)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("ShouldAcceptVisibilityChange", func(t *testing.T) {
		t.Parallel()
		h := newServerTestHarness(t, time.Second)
		status, _ := h.do(http.MethodPut, "/v1/visibility", map[string]string{"visibility": "Hidden"})
		assert.Equal(t, http.StatusNoContent, status)

		var got types.Visibility
		require.NoError(t, h.runner.Do(context.Background(), func() { got = h.registry.Visibility() }))
		assert.Equal(t, types.VisibilityHidden, got)
	})

	t.Run("ShouldRejectUnknownVisibility", func(t *testing.T) {
		t.Parallel()
		h := newServerTestHarness(t, time.Second)
		status, _ := h.do(http.MethodPut, "/v1/visibility", map[string]string{"visibility": "Minimized"})
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestHandler_Capabilities(t *testing.T) {
	t.Parallel()
	h := newServerTestHarness(t, time.Second)
	id := h.add(CandidateRequest{URL: pageURL})

	status, body := h.do(http.MethodPost, fmt.Sprintf("/v1/candidates/%s/capabilities", id),
		CapabilityRequest{Interface: "network.mojom.URLLoaderFactory"})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "Grant", decodeInto[map[string]string](t, body)["policy"])

	status, _ = h.do(http.MethodPost, "/v1/candidates/999/capabilities",
		CapabilityRequest{Interface: "network.mojom.URLLoaderFactory"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHandler_Events(t *testing.T) {
	t.Parallel()
	h := newServerTestHarness(t, time.Second)
	id := h.add(CandidateRequest{URL: pageURL})
	status, _ := h.do(http.MethodDelete, fmt.Sprintf("/v1/candidates/%s", id), nil)
	require.Equal(t, http.StatusNoContent, status)

	status, body := h.do(http.MethodGet, "/v1/events", nil)
	require.Equal(t, http.StatusOK, status)
	records := decodeInto[[]journal.Record](t, body)
	require.NotEmpty(t, records)
	last := records[len(records)-1]
	assert.Equal(t, types.StateCancelled.String(), last.NewState)
	assert.Equal(t, types.FinalStatusTriggerDestroyed.String(), last.FinalStatus)

	status, body = h.do(http.MethodGet, fmt.Sprintf("/v1/events?after=%d&limit=1", records[0].Seq), nil)
	require.Equal(t, http.StatusOK, status)
	page := decodeInto[[]journal.Record](t, body)
	require.Len(t, page, 1)
	assert.Equal(t, records[1].Seq, page[0].Seq)

	status, body = h.do(http.MethodGet, "/v1/events?after=18446744073709551615", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decodeInto[[]journal.Record](t, body))

	status, _ = h.do(http.MethodGet, "/v1/events?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}
