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

package limiter

import (
	"fmt"
	"slices"

	"go.uber.org/multierr"
)

// --- Defaults ---

const (
	// DefaultMaxRunningEager is the default quota of immediate speculation-rule candidates.
	DefaultMaxRunningEager = 10
	// DefaultMaxRunningNonEager is the default quota of moderate and conservative speculation-rule candidates.
	DefaultMaxRunningNonEager = 2
	// DefaultMaxRunningEmbedder is the default quota of embedder candidates.
	DefaultMaxRunningEmbedder = 2
	// DefaultMaxConcurrentInitialNavigations runs speculation-rule initial navigations one at a time.
	DefaultMaxConcurrentInitialNavigations = 1
	// DefaultMinTotalMemoryBytes marks devices below 1 GiB as low-end.
	DefaultMinTotalMemoryBytes uint64 = 1 << 30
	// DefaultMinAvailableMemoryPercent is the headroom required to admit a new candidate.
	DefaultMinAvailableMemoryPercent float64 = 10
)

// Config holds the limiter's quotas and thresholds.
type Config struct {
	// MaxRunningEager bounds admitted immediate speculation-rule candidates. Exceeding it rejects the newest candidate.
	MaxRunningEager int
	// MaxRunningNonEager bounds admitted moderate/conservative candidates. Exceeding it evicts the oldest one.
	MaxRunningNonEager int
	// MaxRunningEmbedder bounds admitted embedder candidates. Exceeding it rejects the newest candidate.
	MaxRunningEmbedder int
	// MaxConcurrentInitialNavigations bounds speculation-rule candidates whose initial navigation is in flight. Others
	// wait in the FIFO pending queue. Zero means unbounded. Embedder candidates are never queued.
	MaxConcurrentInitialNavigations int
	// MinTotalMemoryBytes rejects admission on devices with less total memory. Zero disables the check.
	MinTotalMemoryBytes uint64
	// MinAvailableMemoryPercent rejects admission when less memory is available. Zero disables the check.
	MinAvailableMemoryPercent float64
	// BlockedEmbedderHosts are hosts whose registrable domain embedder triggers may not target.
	BlockedEmbedderHosts []string
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() Config {
	return Config{
		MaxRunningEager:                 DefaultMaxRunningEager,
		MaxRunningNonEager:              DefaultMaxRunningNonEager,
		MaxRunningEmbedder:              DefaultMaxRunningEmbedder,
		MaxConcurrentInitialNavigations: DefaultMaxConcurrentInitialNavigations,
		MinTotalMemoryBytes:             DefaultMinTotalMemoryBytes,
		MinAvailableMemoryPercent:       DefaultMinAvailableMemoryPercent,
	}
}

// Validate checks the configuration, aggregating every problem found.
func (c Config) Validate() error {
	var errs error
	if c.MaxRunningEager < 1 {
		errs = multierr.Append(errs, fmt.Errorf("maxRunningEager must be at least 1, got %d", c.MaxRunningEager))
	}
	if c.MaxRunningNonEager < 1 {
		errs = multierr.Append(errs, fmt.Errorf("maxRunningNonEager must be at least 1, got %d", c.MaxRunningNonEager))
	}
	if c.MaxRunningEmbedder < 1 {
		errs = multierr.Append(errs, fmt.Errorf("maxRunningEmbedder must be at least 1, got %d", c.MaxRunningEmbedder))
	}
	if c.MaxConcurrentInitialNavigations < 0 {
		errs = multierr.Append(errs, fmt.Errorf("maxConcurrentInitialNavigations must not be negative, got %d",
			c.MaxConcurrentInitialNavigations))
	}
	if c.MinAvailableMemoryPercent < 0 || c.MinAvailableMemoryPercent > 100 {
		errs = multierr.Append(errs, fmt.Errorf("minAvailableMemoryPercent must be within [0, 100], got %v",
			c.MinAvailableMemoryPercent))
	}
	return errs
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	c.BlockedEmbedderHosts = slices.Clone(c.BlockedEmbedderHosts)
	return c
}
