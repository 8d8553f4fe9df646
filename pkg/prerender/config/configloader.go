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

// Package config loads the registry configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/prerender-dev/prerender/pkg/prerender/capability"
	"github.com/prerender-dev/prerender/pkg/prerender/limiter"
	"github.com/prerender-dev/prerender/pkg/prerender/registry"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

// File is the on-disk schema. Every field is optional; unset fields keep the registry defaults.
type File struct {
	Limits             *Limits              `yaml:"limits,omitempty"`
	HeaderWaitTimeout  *string              `yaml:"headerWaitTimeout,omitempty"`
	BackgroundTimeouts *BackgroundTimeouts  `yaml:"backgroundTimeouts,omitempty"`
	NoVarySearchHint   *bool                `yaml:"noVarySearchHint,omitempty"`
	Holdback           *bool                `yaml:"holdback,omitempty"`
	Capabilities       []CapabilityOverride `yaml:"capabilities,omitempty"`
}

type Limits struct {
	MaxRunningEager                 *int     `yaml:"maxRunningEager,omitempty"`
	MaxRunningNonEager              *int     `yaml:"maxRunningNonEager,omitempty"`
	MaxRunningEmbedder              *int     `yaml:"maxRunningEmbedder,omitempty"`
	MaxConcurrentInitialNavigations *int     `yaml:"maxConcurrentInitialNavigations,omitempty"`
	MinTotalMemoryBytes             *uint64  `yaml:"minTotalMemoryBytes,omitempty"`
	MinAvailableMemoryPercent       *float64 `yaml:"minAvailableMemoryPercent,omitempty"`
	BlockedEmbedderHosts            []string `yaml:"blockedEmbedderHosts,omitempty"`
}

type BackgroundTimeouts struct {
	SpeculationRules *string `yaml:"speculationRules,omitempty"`
	Embedder         *string `yaml:"embedder,omitempty"`
}

// CapabilityOverride replaces one row of the capability policy table.
type CapabilityOverride struct {
	Interface string `yaml:"interface"`
	Policy    string `yaml:"policy"`
	// FinalStatus is required when Policy is Cancel.
	FinalStatus string `yaml:"finalStatus,omitempty"`
}

// LoadConfig parses configBytes and returns a validated registry configuration.
func LoadConfig(configBytes []byte, logger logr.Logger) (*registry.Config, error) {
	raw, err := loadRawConfig(configBytes)
	if err != nil {
		return nil, err
	}
	logger.Info("Loaded configuration", "config", raw)

	opts, err := raw.options()
	if err != nil {
		return nil, fmt.Errorf("the configuration is invalid - %w", err)
	}
	return registry.NewConfig(opts...)
}

func loadRawConfig(configBytes []byte) (*File, error) {
	raw := &File{}
	dec := yaml.NewDecoder(bytes.NewReader(configBytes))
	dec.KnownFields(true)
	if err := dec.Decode(raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("the configuration is invalid - %w", err)
	}
	return raw, nil
}

// options converts the file into registry options, aggregating every field error.
func (f *File) options() ([]registry.ConfigOption, error) {
	var (
		opts []registry.ConfigOption
		errs error
	)

	limits := limiter.DefaultConfig()
	if l := f.Limits; l != nil {
		setIfPresent(&limits.MaxRunningEager, l.MaxRunningEager)
		setIfPresent(&limits.MaxRunningNonEager, l.MaxRunningNonEager)
		setIfPresent(&limits.MaxRunningEmbedder, l.MaxRunningEmbedder)
		setIfPresent(&limits.MaxConcurrentInitialNavigations, l.MaxConcurrentInitialNavigations)
		setIfPresent(&limits.MinTotalMemoryBytes, l.MinTotalMemoryBytes)
		setIfPresent(&limits.MinAvailableMemoryPercent, l.MinAvailableMemoryPercent)
		limits.BlockedEmbedderHosts = l.BlockedEmbedderHosts
	}
	opts = append(opts, registry.WithLimits(limits))

	if f.HeaderWaitTimeout != nil {
		d, err := parseDuration("headerWaitTimeout", *f.HeaderWaitTimeout)
		errs = multierr.Append(errs, err)
		if err == nil {
			opts = append(opts, registry.WithHeaderWaitTimeout(d))
		}
	}

	if bt := f.BackgroundTimeouts; bt != nil {
		defaults, _ := registry.NewConfig()
		speculationRules, embedder := defaults.BackgroundTimeoutSpeculationRules, defaults.BackgroundTimeoutEmbedder
		var err error
		if bt.SpeculationRules != nil {
			speculationRules, err = parseDuration("backgroundTimeouts.speculationRules", *bt.SpeculationRules)
			errs = multierr.Append(errs, err)
		}
		if bt.Embedder != nil {
			var embedderErr error
			embedder, embedderErr = parseDuration("backgroundTimeouts.embedder", *bt.Embedder)
			errs = multierr.Append(errs, embedderErr)
		}
		opts = append(opts, registry.WithBackgroundTimeouts(speculationRules, embedder))
	}

	if f.NoVarySearchHint != nil {
		opts = append(opts, registry.WithNoVarySearchHint(*f.NoVarySearchHint))
	}
	if f.Holdback != nil {
		opts = append(opts, registry.WithHoldback(*f.Holdback))
	}

	for i, c := range f.Capabilities {
		rule, err := c.rule()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("capabilities[%d]: %w", i, err))
			continue
		}
		opts = append(opts, registry.WithCapabilityOverride(c.Interface, rule))
	}

	if errs != nil {
		return nil, errs
	}
	return opts, nil
}

func (c CapabilityOverride) rule() (capability.Rule, error) {
	if c.Interface == "" {
		return capability.Rule{}, errors.New("missing 'interface'")
	}
	policy, err := capability.ParsePolicy(c.Policy)
	if err != nil {
		return capability.Rule{}, err
	}
	rule := capability.Rule{Policy: policy}
	switch {
	case policy == capability.Cancel && c.FinalStatus == "":
		return capability.Rule{}, fmt.Errorf("interface '%s' cancels but has no 'finalStatus'", c.Interface)
	case policy != capability.Cancel && c.FinalStatus != "":
		return capability.Rule{}, fmt.Errorf("interface '%s' sets 'finalStatus' but does not cancel", c.Interface)
	case policy == capability.Cancel:
		if rule.Status, err = types.ParseFinalStatus(c.FinalStatus); err != nil {
			return capability.Rule{}, err
		}
	}
	return rule, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

func setIfPresent[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
