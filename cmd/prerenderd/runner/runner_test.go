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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/pkg/prerender/limiter"
	"github.com/prerender-dev/prerender/pkg/prerender/server"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

func testOptions(t *testing.T, args ...string) *server.Options {
	t.Helper()
	fs := pflag.NewFlagSet(t.Name(), pflag.ContinueOnError)
	opts := server.NewOptions()
	opts.AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	require.NoError(t, opts.Complete())
	require.NoError(t, opts.Validate())
	return opts
}

func testRunner() *Runner {
	return &Runner{promRegistry: prometheus.NewRegistry()}
}

func TestLoadRegistryConfig(t *testing.T) {
	logger := logging.NewTestLogger()

	t.Run("ShouldUseDefaults_WhenNoConfigIsGiven", func(t *testing.T) {
		cfg, err := loadRegistryConfig(testOptions(t), logger)
		require.NoError(t, err)
		assert.Equal(t, limiter.DefaultMaxRunningEager, cfg.Limits.MaxRunningEager)
	})

	t.Run("ShouldLoadText", func(t *testing.T) {
		cfg, err := loadRegistryConfig(testOptions(t, "--config-text", "limits:\n  maxRunningEager: 5\n"), logger)
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Limits.MaxRunningEager)
	})

	t.Run("ShouldLoadFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "prerender.yaml")
		require.NoError(t, os.WriteFile(path, []byte("limits:\n  maxRunningEager: 7\n"), 0o600))
		cfg, err := loadRegistryConfig(testOptions(t, "--config-file", path), logger)
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Limits.MaxRunningEager)
	})

	t.Run("ShouldFail_WhenFileIsMissing", func(t *testing.T) {
		_, err := loadRegistryConfig(testOptions(t, "--config-file", filepath.Join(t.TempDir(), "absent.yaml")), logger)
		assert.Error(t, err)
	})
}

func TestSetup(t *testing.T) {
	t.Run("ShouldApplyInitialVisibility", func(t *testing.T) {
		opts := testOptions(t, "--initial-visibility", "Hidden", "--disable-memory-watch")
		d, err := testRunner().setup(opts, logging.NewTestLogger())
		require.NoError(t, err)
		t.Cleanup(func() { _ = d.journal.Close() })

		assert.Nil(t, d.watcher)
		require.Equal(t, 1, d.seq.RunPending())
		assert.Equal(t, types.VisibilityHidden, d.registry.Visibility())
	})

	t.Run("ShouldPersistJournal_WhenPathIsGiven", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "journal")
		d, err := testRunner().setup(testOptions(t, "--journal-path", dir), logging.NewTestLogger())
		require.NoError(t, err)
		require.NoError(t, d.journal.Close())

		assert.NotNil(t, d.watcher)
		assert.DirExists(t, dir)
	})

	t.Run("ShouldFail_WhenConfigIsInvalid", func(t *testing.T) {
		opts := testOptions(t, "--config-text", "limits:\n  maxRunningEager: -1\n")
		_, err := testRunner().setup(opts, logging.NewTestLogger())
		assert.Error(t, err)
	})
}

func TestDaemon_Run(t *testing.T) {
	opts := testOptions(t, "--http-port", "0", "--grpc-health-port", "0", "--metrics-port", "0", "--disable-memory-watch")
	d, err := testRunner().setup(opts, logging.NewTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx, prometheus.NewRegistry()) }()

	require.Eventually(t, d.ready.Load, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.False(t, d.ready.Load())
}
