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

package types

import (
	"fmt"
	"strconv"
	"strings"
)

// CandidateID identifies a single prerender candidate within a registry.
// The zero value is never a valid id.
type CandidateID int64

// Valid reports whether the id refers to an allocated candidate.
func (id CandidateID) Valid() bool { return id > 0 }

func (id CandidateID) String() string { return strconv.FormatInt(int64(id), 10) }

// NavigationID identifies a navigation, either the activating navigation in the primary page or a navigation running
// inside a candidate's own frame tree.
type NavigationID int64

func (id NavigationID) String() string { return strconv.FormatInt(int64(id), 10) }

// --- Trigger Types ---

// TriggerType is the source that requested a candidate.
type TriggerType int

const (
	// TriggerSpeculationRule is a speculation rule declared by the page's main world.
	TriggerSpeculationRule TriggerType = iota
	// TriggerSpeculationRuleFromIsolatedWorld is a speculation rule injected from an isolated world (extensions).
	TriggerSpeculationRuleFromIsolatedWorld
	// TriggerSpeculationRuleFromAutoSpeculationRules is a speculation rule generated by the browser itself.
	TriggerSpeculationRuleFromAutoSpeculationRules
	// TriggerEmbedder is a request from the embedding application (omnibox, new tab page, ...).
	TriggerEmbedder
)

func (t TriggerType) String() string {
	switch t {
	case TriggerSpeculationRule:
		return "SpeculationRule"
	case TriggerSpeculationRuleFromIsolatedWorld:
		return "SpeculationRuleFromIsolatedWorld"
	case TriggerSpeculationRuleFromAutoSpeculationRules:
		return "SpeculationRuleFromAutoSpeculationRules"
	case TriggerEmbedder:
		return "Embedder"
	default:
		return "UnknownTriggerType(" + strconv.Itoa(int(t)) + ")"
	}
}

// IsSpeculationRule reports whether the trigger belongs to the speculation-rules family.
func (t TriggerType) IsSpeculationRule() bool {
	return t == TriggerSpeculationRule ||
		t == TriggerSpeculationRuleFromIsolatedWorld ||
		t == TriggerSpeculationRuleFromAutoSpeculationRules
}

// Category returns the trigger category used for background timers and the pending queue.
func (t TriggerType) Category() TriggerCategory {
	if t == TriggerEmbedder {
		return CategoryEmbedder
	}
	return CategorySpeculationRules
}

// ParseTriggerType is the inverse of `TriggerType.String`, case-insensitive.
func ParseTriggerType(s string) (TriggerType, error) {
	for t := TriggerSpeculationRule; t <= TriggerEmbedder; t++ {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown trigger type %q", s)
}

// TriggerCategory groups trigger types that share a background timer and a pending queue.
type TriggerCategory int

const (
	CategorySpeculationRules TriggerCategory = iota
	CategoryEmbedder
)

func (c TriggerCategory) String() string {
	switch c {
	case CategorySpeculationRules:
		return "SpeculationRules"
	case CategoryEmbedder:
		return "Embedder"
	default:
		return "UnknownCategory(" + strconv.Itoa(int(c)) + ")"
	}
}

// AllTriggerCategories lists every category in a stable order.
var AllTriggerCategories = []TriggerCategory{CategorySpeculationRules, CategoryEmbedder}

// --- Eagerness ---

// Eagerness is the urgency declared by a speculation rule.
type Eagerness int

const (
	// EagernessImmediate candidates are admitted as soon as the rule is seen.
	EagernessImmediate Eagerness = iota
	// EagernessModerate candidates are admitted on hover or pointer-down.
	EagernessModerate
	// EagernessConservative candidates are admitted on pointer-down only.
	EagernessConservative
)

func (e Eagerness) String() string {
	switch e {
	case EagernessImmediate:
		return "Immediate"
	case EagernessModerate:
		return "Moderate"
	case EagernessConservative:
		return "Conservative"
	default:
		return "UnknownEagerness(" + strconv.Itoa(int(e)) + ")"
	}
}

// IsEager reports whether the eagerness counts against the eager quota.
func (e Eagerness) IsEager() bool { return e == EagernessImmediate }

// ParseEagerness is the inverse of `Eagerness.String`, case-insensitive.
func ParseEagerness(s string) (Eagerness, error) {
	for e := EagernessImmediate; e <= EagernessConservative; e++ {
		if strings.EqualFold(s, e.String()) {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown eagerness %q", s)
}

// --- Target Hint ---

// TargetHint is the container an activation is expected to land in.
type TargetHint int

const (
	TargetSameTab TargetHint = iota
	TargetNewTab
)

func (h TargetHint) String() string {
	switch h {
	case TargetSameTab:
		return "SameTab"
	case TargetNewTab:
		return "NewTab"
	default:
		return "UnknownTargetHint(" + strconv.Itoa(int(h)) + ")"
	}
}

// ParseTargetHint is the inverse of `TargetHint.String`, case-insensitive. The empty string maps to SameTab.
func ParseTargetHint(s string) (TargetHint, error) {
	switch {
	case s == "", strings.EqualFold(s, "SameTab"), strings.EqualFold(s, "_self"):
		return TargetSameTab, nil
	case strings.EqualFold(s, "NewTab"), strings.EqualFold(s, "_blank"):
		return TargetNewTab, nil
	}
	return 0, fmt.Errorf("unknown target hint %q", s)
}

// --- Container Signals ---

// Visibility of the page container that owns a registry.
type Visibility int

const (
	VisibilityVisible Visibility = iota
	VisibilityOccluded
	VisibilityHidden
)

func (v Visibility) String() string {
	switch v {
	case VisibilityVisible:
		return "Visible"
	case VisibilityOccluded:
		return "Occluded"
	case VisibilityHidden:
		return "Hidden"
	default:
		return "UnknownVisibility(" + strconv.Itoa(int(v)) + ")"
	}
}

// ParseVisibility is the inverse of `Visibility.String`, case-insensitive.
func ParseVisibility(s string) (Visibility, error) {
	for v := VisibilityVisible; v <= VisibilityHidden; v++ {
		if strings.EqualFold(s, v.String()) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown visibility %q", s)
}

// MemoryPressureLevel is the system memory pressure signal.
type MemoryPressureLevel int

const (
	MemoryPressureNone MemoryPressureLevel = iota
	// MemoryPressureModerate is advisory only.
	MemoryPressureModerate
	// MemoryPressureCritical cancels every candidate and blocks admission.
	MemoryPressureCritical
)

func (l MemoryPressureLevel) String() string {
	switch l {
	case MemoryPressureNone:
		return "None"
	case MemoryPressureModerate:
		return "Moderate"
	case MemoryPressureCritical:
		return "Critical"
	default:
		return "UnknownMemoryPressure(" + strconv.Itoa(int(l)) + ")"
	}
}

// ParseMemoryPressureLevel is the inverse of `MemoryPressureLevel.String`, case-insensitive.
func ParseMemoryPressureLevel(s string) (MemoryPressureLevel, error) {
	for l := MemoryPressureNone; l <= MemoryPressureCritical; l++ {
		if strings.EqualFold(s, l.String()) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown memory pressure level %q", s)
}

// ProcessGoneReason describes how a renderer process terminated.
type ProcessGoneReason int

const (
	ProcessCrashed ProcessGoneReason = iota
	ProcessKilled
)

func (r ProcessGoneReason) String() string {
	switch r {
	case ProcessCrashed:
		return "Crashed"
	case ProcessKilled:
		return "Killed"
	default:
		return "UnknownProcessGoneReason(" + strconv.Itoa(int(r)) + ")"
	}
}

// NavigationFailure classifies a navigation that ended without committing.
type NavigationFailure int

const (
	FailureNetworkError NavigationFailure = iota
	FailureCertificateError
	FailureLoginAuthRequested
	FailureClientCertRequested
	FailureDownload
	// FailureStopped is an explicit stop (`window.stop()`) or main-frame load failure.
	FailureStopped
	FailureMixedContent
)

func (f NavigationFailure) String() string {
	switch f {
	case FailureNetworkError:
		return "NetworkError"
	case FailureCertificateError:
		return "CertificateError"
	case FailureLoginAuthRequested:
		return "LoginAuthRequested"
	case FailureClientCertRequested:
		return "ClientCertRequested"
	case FailureDownload:
		return "Download"
	case FailureStopped:
		return "Stopped"
	case FailureMixedContent:
		return "MixedContent"
	default:
		return "UnknownNavigationFailure(" + strconv.Itoa(int(f)) + ")"
	}
}
