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
package runnable

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

// shutdownGracePeriod bounds how long an HTTP server may drain in-flight requests.
const shutdownGracePeriod = 5 * time.Second

// GRPCServer converts the given gRPC server into a runnable.
// The server name is just being used for logging.
func GRPCServer(name string, srv *grpc.Server, port int) manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return fmt.Errorf("gRPC server failed to listen - %w", err)
		}
		return ServeGRPC(ctx, name, srv, lis)
	})
}

// ServeGRPC serves srv on lis until ctx is done, then stops it gracefully.
func ServeGRPC(ctx context.Context, name string, srv *grpc.Server, lis net.Listener) error {
	// Use "name" key as that is what manager.Server does as well.
	log := ctrl.Log.WithValues("name", name)
	log.Info("gRPC server listening", "addr", lis.Addr().String())

	// Terminate the server on context closed.
	// Make sure the goroutine does not leak.
	doneCh := make(chan struct{})
	defer close(doneCh)
	go func() {
		select {
		case <-ctx.Done():
			log.Info("gRPC server shutting down")
			srv.GracefulStop()
		case <-doneCh:
		}
	}()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC server failed - %w", err)
	}
	log.Info("gRPC server terminated")
	return nil
}

// HTTPServer converts the given HTTP server into a runnable. TLS is served when srv.TLSConfig carries a certificate.
func HTTPServer(name string, srv *http.Server, port int) manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return fmt.Errorf("HTTP server failed to listen - %w", err)
		}
		return ServeHTTP(ctx, name, srv, lis)
	})
}

// ServeHTTP serves srv on lis until ctx is done, then drains it.
func ServeHTTP(ctx context.Context, name string, srv *http.Server, lis net.Listener) error {
	log := ctrl.Log.WithValues("name", name)
	secure := srv.TLSConfig != nil && (len(srv.TLSConfig.Certificates) > 0 || srv.TLSConfig.GetCertificate != nil)
	log.Info("HTTP server listening", "addr", lis.Addr().String(), "secure", secure)

	errCh := make(chan error, 1)
	go func() {
		if secure {
			errCh <- srv.ServeTLS(lis, "", "")
		} else {
			errCh <- srv.Serve(lis)
		}
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed - %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("HTTP server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown failed - %w", err)
	}
	<-errCh
	log.Info("HTTP server terminated")
	return nil
}
