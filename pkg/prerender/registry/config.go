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

package registry

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"go.uber.org/multierr"

	"github.com/prerender-dev/prerender/pkg/prerender/capability"
	"github.com/prerender-dev/prerender/pkg/prerender/limiter"
)

// --- Defaults ---

const (
	// defaultHeaderWaitTimeout bounds how long an activation navigation is held on a candidate's response headers after
	// a provisional No-Vary-Search hint match.
	defaultHeaderWaitTimeout time.Duration = 500 * time.Millisecond
	// defaultBackgroundTimeoutSpeculationRules is how long speculation-rule candidates survive in a hidden container.
	defaultBackgroundTimeoutSpeculationRules time.Duration = 180 * time.Second
	// defaultBackgroundTimeoutEmbedder is how long embedder candidates survive in a hidden container.
	defaultBackgroundTimeoutEmbedder time.Duration = 18 * time.Second
)

// --- Configuration ---

// Config holds the configuration of a `Registry`. It is immutable once passed to `New`.
type Config struct {
	// Limits are the admission quotas and memory thresholds.
	Limits limiter.Config

	// HeaderWaitTimeout bounds a header-wait episode. When it elapses the awaited candidate is cancelled with
	// `FinalStatusHeaderWaitTimeout` and the activation falls back.
	// Optional: Defaults to `defaultHeaderWaitTimeout` (500ms).
	HeaderWaitTimeout time.Duration

	// BackgroundTimeoutSpeculationRules cancels speculation-rule candidates after the container has been continuously
	// non-visible for this long.
	// Optional: Defaults to `defaultBackgroundTimeoutSpeculationRules` (180s).
	BackgroundTimeoutSpeculationRules time.Duration

	// BackgroundTimeoutEmbedder is the embedder counterpart of `BackgroundTimeoutSpeculationRules`.
	// Optional: Defaults to `defaultBackgroundTimeoutEmbedder` (18s).
	BackgroundTimeoutEmbedder time.Duration

	// EnableNoVarySearchHint allows provisional matching on the trigger's No-Vary-Search hint before response headers
	// arrive.
	EnableNoVarySearchHint bool

	// Holdback records every new trigger as not attempted instead of admitting it.
	Holdback bool

	// CapabilityOverrides replaces rows of the default capability policy table.
	CapabilityOverrides map[string]capability.Rule
}

// ConfigOption defines a functional option for configuring the registry.
type ConfigOption func(*Config) error

// WithLimits sets the admission quotas and memory thresholds.
func WithLimits(limits limiter.Config) ConfigOption {
	return func(c *Config) error {
		c.Limits = limits.Clone()
		return nil
	}
}

// WithHeaderWaitTimeout sets the header-wait bound.
func WithHeaderWaitTimeout(d time.Duration) ConfigOption {
	return func(c *Config) error {
		if d <= 0 {
			return errors.New("headerWaitTimeout must be positive")
		}
		c.HeaderWaitTimeout = d
		return nil
	}
}

// WithBackgroundTimeouts sets the per-category background timeouts.
func WithBackgroundTimeouts(speculationRules, embedder time.Duration) ConfigOption {
	return func(c *Config) error {
		if speculationRules <= 0 || embedder <= 0 {
			return errors.New("background timeouts must be positive")
		}
		c.BackgroundTimeoutSpeculationRules = speculationRules
		c.BackgroundTimeoutEmbedder = embedder
		return nil
	}
}

// WithNoVarySearchHint toggles provisional hint matching.
func WithNoVarySearchHint(enabled bool) ConfigOption {
	return func(c *Config) error {
		c.EnableNoVarySearchHint = enabled
		return nil
	}
}

// WithHoldback toggles holdback.
func WithHoldback(enabled bool) ConfigOption {
	return func(c *Config) error {
		c.Holdback = enabled
		return nil
	}
}

// WithCapabilityOverride replaces one row of the capability policy table.
func WithCapabilityOverride(iface string, rule capability.Rule) ConfigOption {
	return func(c *Config) error {
		if iface == "" {
			return errors.New("capability override requires an interface name")
		}
		if c.CapabilityOverrides == nil {
			c.CapabilityOverrides = make(map[string]capability.Rule)
		}
		c.CapabilityOverrides[iface] = rule
		return nil
	}
}

// --- Constructors ---

// NewConfig creates a new Config populated with system defaults, applies the provided options, and validates the
// result.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := &Config{
		Limits:                            limiter.DefaultConfig(),
		HeaderWaitTimeout:                 defaultHeaderWaitTimeout,
		BackgroundTimeoutSpeculationRules: defaultBackgroundTimeoutSpeculationRules,
		BackgroundTimeoutEmbedder:         defaultBackgroundTimeoutEmbedder,
		EnableNoVarySearchHint:            true,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid registry config: %w", err)
	}
	return c, nil
}

// --- Validation ---

func (c *Config) validate() error {
	errs := c.Limits.Validate()
	if c.HeaderWaitTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("headerWaitTimeout must be positive"))
	}
	if c.BackgroundTimeoutSpeculationRules <= 0 {
		errs = multierr.Append(errs, errors.New("backgroundTimeoutSpeculationRules must be positive"))
	}
	if c.BackgroundTimeoutEmbedder <= 0 {
		errs = multierr.Append(errs, errors.New("backgroundTimeoutEmbedder must be positive"))
	}
	return errs
}

// Clone returns a deep copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Limits = c.Limits.Clone()
	clone.CapabilityOverrides = maps.Clone(c.CapabilityOverrides)
	return &clone
}
