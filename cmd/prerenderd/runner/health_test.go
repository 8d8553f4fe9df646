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
// Package runnable adapts long-running servers to manager.Runnable so the daemon can start and stop them as a group.
package runner

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/version"
)

func TestHealthServer_Check(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ready   bool
		service string
		want    healthPb.HealthCheckResponse_ServingStatus
	}{
		{name: "ShouldBeLive_WhenNotReady", service: LivenessCheckService, want: healthPb.HealthCheckResponse_SERVING},
		{name: "ShouldNotBeReady_BeforeStartup", service: ReadinessCheckService, want: healthPb.HealthCheckResponse_NOT_SERVING},
		{name: "ShouldBeReady_AfterStartup", ready: true, service: ReadinessCheckService, want: healthPb.HealthCheckResponse_SERVING},
		{name: "ShouldTreatEmptyServiceAsReadiness", ready: true, service: "", want: healthPb.HealthCheckResponse_SERVING},
		{name: "ShouldServeDaemonService", service: version.ServiceName, want: healthPb.HealthCheckResponse_NOT_SERVING},
		{name: "ShouldRejectUnknownService", ready: true, service: "ext_proc", want: healthPb.HealthCheckResponse_SERVICE_UNKNOWN},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ready := &atomic.Bool{}
			ready.Store(tc.ready)
			s := &healthServer{logger: logging.NewTestLogger(), ready: ready}
			resp, err := s.Check(context.Background(), &healthPb.HealthCheckRequest{Service: tc.service})
			require.NoError(t, err)
			assert.Equal(t, tc.want, resp.Status)
		})
	}
}

func TestHealthServer_List(t *testing.T) {
	t.Parallel()
	ready := &atomic.Bool{}
	ready.Store(true)
	s := &healthServer{logger: logging.NewTestLogger(), ready: ready}
	resp, err := s.List(context.Background(), &healthPb.HealthListRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Statuses, 3)
	for service, st := range resp.Statuses {
		assert.Equal(t, healthPb.HealthCheckResponse_SERVING, st.Status, service)
	}
}
