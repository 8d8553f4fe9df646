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

package memory

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/pkg/prerender/contracts"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

// WatcherConfig configures a pressure Watcher.
type WatcherConfig struct {
	// Interval between samples.
	Interval time.Duration
	// ModerateAvailablePercent is the available-memory share below which pressure is Moderate.
	ModerateAvailablePercent float64
	// CriticalAvailablePercent is the available-memory share below which pressure is Critical.
	CriticalAvailablePercent float64
}

// DefaultWatcherConfig returns the thresholds used by the daemon.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{Interval: 5 * time.Second, ModerateAvailablePercent: 15, CriticalAvailablePercent: 5}
}

func (c WatcherConfig) validate() error {
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.CriticalAvailablePercent < 0 || c.ModerateAvailablePercent > 100 ||
		c.CriticalAvailablePercent > c.ModerateAvailablePercent {
		return errors.New("thresholds must satisfy 0 <= critical <= moderate <= 100")
	}
	return nil
}

// Watcher periodically samples a monitor and reports pressure level changes.
type Watcher struct {
	config   WatcherConfig
	monitor  contracts.MemoryMonitor
	clock    clock.WithTicker
	logger   logr.Logger
	onChange func(types.MemoryPressureLevel)
	last     types.MemoryPressureLevel
}

// NewWatcher creates a watcher. onChange is called from the watcher's goroutine; callers forward it onto their task
// sequence.
func NewWatcher(config WatcherConfig, monitor contracts.MemoryMonitor, clk clock.WithTicker, logger logr.Logger,
	onChange func(types.MemoryPressureLevel)) (*Watcher, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Watcher{
		config:   config,
		monitor:  monitor,
		clock:    clk,
		logger:   logger.WithName("memory-watcher"),
		onChange: onChange,
	}, nil
}

// Level classifies a sample.
func (w *Watcher) Level(s contracts.MemorySample) types.MemoryPressureLevel {
	pct := s.AvailablePercent()
	switch {
	case pct < w.config.CriticalAvailablePercent:
		return types.MemoryPressureCritical
	case pct < w.config.ModerateAvailablePercent:
		return types.MemoryPressureModerate
	default:
		return types.MemoryPressureNone
	}
}

// Poll samples once and reports a change, if any.
func (w *Watcher) Poll() {
	s, ok := w.monitor.Sample()
	if !ok {
		w.logger.V(logging.TRACE).Info("No memory sample available")
		return
	}
	level := w.Level(s)
	if level == w.last {
		return
	}
	w.logger.V(logging.DEFAULT).Info("Memory pressure changed", "from", w.last, "to", level,
		"availablePercent", s.AvailablePercent())
	w.last = level
	w.onChange(level)
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.config.Interval)
	defer ticker.Stop()
	w.Poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			w.Poll()
		}
	}
}
