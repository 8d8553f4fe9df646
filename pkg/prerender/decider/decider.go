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

// Package decider gates speculation rules on their eagerness before they reach the registry.
//
// Immediate rules become candidates as soon as they are declared. Moderate rules wait for the user to hover a link to
// the rule's URL (or press on it); conservative rules wait for a pointer-down. A rule that is removed takes its
// candidate with it.
package decider

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-logr/logr"

	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/pkg/prerender/novarysearch"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

// Registry is the part of the registry API the decider drives.
type Registry interface {
	AddCandidate(attrs types.Attributes) (types.CandidateID, error)
	RemoveCandidate(id types.CandidateID, status types.FinalStatus) error
}

// Signal is a user interaction with a link.
type Signal int

const (
	// SignalPointerHover triggers moderate rules.
	SignalPointerHover Signal = iota
	// SignalPointerDown triggers moderate and conservative rules.
	SignalPointerDown
)

func (s Signal) String() string {
	switch s {
	case SignalPointerHover:
		return "PointerHover"
	case SignalPointerDown:
		return "PointerDown"
	default:
		return fmt.Sprintf("UnknownSignal(%d)", int(s))
	}
}

// ParseSignal is the inverse of `Signal.String`, case-insensitive.
func ParseSignal(s string) (Signal, error) {
	for sig := SignalPointerHover; sig <= SignalPointerDown; sig++ {
		if strings.EqualFold(s, sig.String()) {
			return sig, nil
		}
	}
	return 0, fmt.Errorf("unknown signal %q", s)
}

// triggers reports whether s is strong enough for a rule of eagerness e.
func (s Signal) triggers(e types.Eagerness) bool {
	switch e {
	case types.EagernessImmediate:
		return true
	case types.EagernessModerate:
		return s == SignalPointerHover || s == SignalPointerDown
	default:
		return s == SignalPointerDown
	}
}

type ruleKey struct {
	url    string
	target types.TargetHint
}

type rule struct {
	attrs     types.Attributes
	candidate types.CandidateID
}

// RuleStatus is a read-only view of a declared rule.
type RuleStatus struct {
	URL       string
	Eagerness types.Eagerness
	Candidate types.CandidateID
}

// Decider holds declared speculation rules. Like the registry, it must only be used from the registry's sequence.
type Decider struct {
	registry Registry
	logger   logr.Logger
	rules    map[ruleKey]*rule
	order    []ruleKey
}

// New creates a decider feeding registry.
func New(registry Registry, logger logr.Logger) *Decider {
	return &Decider{
		registry: registry,
		logger:   logger.WithName("decider"),
		rules:    make(map[ruleKey]*rule),
	}
}

func keyOf(attrs types.Attributes) ruleKey {
	u := *attrs.URL
	u.Fragment = ""
	u.RawFragment = ""
	return ruleKey{url: u.String(), target: attrs.TargetHint}
}

// AddRule declares a speculation rule. An immediate rule is handed to the registry at once and its candidate id is
// returned; a held rule returns an invalid id. An admission error is returned as is and the rule stays declared so a
// later signal can retry it.
func (d *Decider) AddRule(attrs types.Attributes) (types.CandidateID, error) {
	if attrs.URL == nil {
		return 0, fmt.Errorf("%w: rule has no URL", types.ErrInvalidURL)
	}
	if attrs.TriggerType == types.TriggerEmbedder {
		return 0, errors.New("embedder triggers bypass the decider")
	}
	key := keyOf(attrs)
	r := &rule{attrs: attrs}
	if old, exists := d.rules[key]; exists {
		r.candidate = old.candidate
	} else {
		d.order = append(d.order, key)
	}
	d.rules[key] = r
	d.logger.V(logging.DEBUG).Info("Rule declared", "url", key.url, "eagerness", attrs.Eagerness)

	if !attrs.Eagerness.IsEager() || r.candidate.Valid() {
		return r.candidate, nil
	}
	if err := d.trigger(r); err != nil {
		return 0, err
	}
	return r.candidate, nil
}

// RemoveRule withdraws a rule. A candidate it created is removed with `FinalStatusSpeculationRuleRemoved`.
func (d *Decider) RemoveRule(u *url.URL, target types.TargetHint) error {
	key := keyOf(types.Attributes{URL: u, TargetHint: target})
	r, ok := d.rules[key]
	if !ok {
		return nil
	}
	delete(d.rules, key)
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	if !r.candidate.Valid() {
		return nil
	}
	err := d.registry.RemoveCandidate(r.candidate, types.FinalStatusSpeculationRuleRemoved)
	if errors.Is(err, types.ErrCandidateNotFound) {
		return nil
	}
	return err
}

// OnSignal applies a user interaction with a link to u. Every untriggered rule for u that the signal is strong enough
// for is handed to the registry. It returns the candidates created.
func (d *Decider) OnSignal(signal Signal, u *url.URL) ([]types.CandidateID, error) {
	var (
		created []types.CandidateID
		errs    []error
		exact   *novarysearch.Policy
	)
	for _, key := range d.order {
		r := d.rules[key]
		if r.candidate.Valid() || !signal.triggers(r.attrs.Eagerness) || !exact.AreEquivalent(r.attrs.URL, u) {
			continue
		}
		if err := d.trigger(r); err != nil {
			errs = append(errs, err)
			continue
		}
		created = append(created, r.candidate)
	}
	return created, errors.Join(errs...)
}

// OnEvent forgets the candidate of a rule once the registry reports it terminal, so a later signal can trigger the
// rule again. The decider registers itself as a registry observer for this.
func (d *Decider) OnEvent(ev types.Event) {
	if ev.Kind != types.EventStateChanged || !ev.NewState.IsTerminal() {
		return
	}
	for _, r := range d.rules {
		if r.candidate == ev.CandidateID {
			r.candidate = 0
		}
	}
}

func (d *Decider) trigger(r *rule) error {
	id, err := d.registry.AddCandidate(r.attrs)
	if err != nil {
		d.logger.V(logging.VERBOSE).Info("Rule not admitted", "url", r.attrs.URL.String(), "err", err.Error())
		return err
	}
	r.candidate = id
	return nil
}

// Rules returns the declared rules in declaration order.
func (d *Decider) Rules() []RuleStatus {
	out := make([]RuleStatus, 0, len(d.order))
	for _, key := range d.order {
		r := d.rules[key]
		out = append(out, RuleStatus{URL: key.url, Eagerness: r.attrs.Eagerness, Candidate: r.candidate})
	}
	return out
}
