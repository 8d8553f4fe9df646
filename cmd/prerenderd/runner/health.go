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
	"fmt"
	"sync/atomic"

	"github.com/go-logr/logr"
	"google.golang.org/grpc/codes"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/version"
)

const (
	LivenessCheckService  = "liveness"
	ReadinessCheckService = "readiness"
)

// healthServer reports the daemon live while it can answer, and ready while the registry accepts work.
type healthServer struct {
	logger logr.Logger
	ready  *atomic.Bool
}

func (s *healthServer) Check(_ context.Context, in *healthPb.HealthCheckRequest) (*healthPb.HealthCheckResponse, error) {
	var checkName string
	var isPassing bool

	switch in.Service {
	case LivenessCheckService:
		checkName = "liveness"
		isPassing = true
	case ReadinessCheckService:
		checkName = "readiness"
		isPassing = s.ready.Load()
	case "", version.ServiceName: // Load balancers use an empty service name for overall health.
		checkName = "overall"
		isPassing = s.ready.Load()
	default:
		s.logger.V(logging.DEFAULT).Info("gRPC health check requested unknown service",
			"available-services", []string{LivenessCheckService, ReadinessCheckService, version.ServiceName},
			"requested-service", in.Service)
		return &healthPb.HealthCheckResponse{Status: healthPb.HealthCheckResponse_SERVICE_UNKNOWN}, nil
	}

	if !isPassing {
		s.logger.V(logging.DEFAULT).Info(fmt.Sprintf("gRPC %s check not serving", checkName), "service", in.Service)
		return &healthPb.HealthCheckResponse{Status: healthPb.HealthCheckResponse_NOT_SERVING}, nil
	}
	s.logger.V(logging.TRACE).Info(fmt.Sprintf("gRPC %s check serving", checkName), "service", in.Service)
	return &healthPb.HealthCheckResponse{Status: healthPb.HealthCheckResponse_SERVING}, nil
}

func (s *healthServer) List(ctx context.Context, _ *healthPb.HealthListRequest) (*healthPb.HealthListResponse, error) {
	statuses := make(map[string]*healthPb.HealthCheckResponse)
	for _, service := range []string{version.ServiceName, LivenessCheckService, ReadinessCheckService} {
		resp, err := s.Check(ctx, &healthPb.HealthCheckRequest{Service: service})
		if err != nil {
			return nil, err
		}
		statuses[service] = resp
	}
	return &healthPb.HealthListResponse{Statuses: statuses}, nil
}

func (s *healthServer) Watch(in *healthPb.HealthCheckRequest, srv healthPb.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "Watch is not implemented")
}
