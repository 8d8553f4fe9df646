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
	"net/url"
	"time"
)

// Attributes are the trigger-supplied inputs of a candidate. They are immutable once the candidate is admitted.
type Attributes struct {
	// URL is the registered URL. Matching is always performed against it, never against a redirect target.
	URL *url.URL
	// TriggerType identifies the trigger family.
	TriggerType TriggerType
	// EmbedderSuffix is an opaque label for embedder triggers, used only for reporting.
	EmbedderSuffix string
	// Eagerness is the urgency declared by the rule. Embedder triggers are always treated as eager.
	Eagerness Eagerness
	// TargetHint is the container the candidate expects to be activated in.
	TargetHint TargetHint
	// NoVarySearchHint is the raw `expects_no_vary_search` value, empty when absent.
	NoVarySearchHint string
	// InitiatorOrigin is the origin of the triggering page. Nil for embedder triggers.
	InitiatorOrigin *url.URL
	// TriggerSource is an opaque identifier of the trigger instance (document, rule set) used by
	// `Registry.CancelAllForTrigger`.
	TriggerSource string
	// DebuggerAttached bypasses the trigger-time memory checks.
	DebuggerAttached bool
}

// IsEager reports whether the candidate counts against the eager or embedder quota rather than the non-eager one.
func (a Attributes) IsEager() bool {
	return a.TriggerType == TriggerEmbedder || a.Eagerness.IsEager()
}

// Navigation describes a primary-page navigation that may activate a candidate.
type Navigation struct {
	ID  NavigationID
	URL *url.URL
	// Disposition is where the navigation lands. A same-tab navigation never activates a new-tab candidate and vice
	// versa.
	Disposition TargetHint
	// HasOpener is set for a `target=_blank` navigation without `rel=noopener`.
	HasOpener bool
	// HasAuxiliaryBrowsingContexts is set when the primary page has opened windows that keep a reference to it.
	HasAuxiliaryBrowsingContexts bool
}

// CandidateSnapshot is a read-only copy of a candidate's externally visible fields.
type CandidateSnapshot struct {
	ID                  CandidateID
	InitialURL          string
	CommittedURL        string
	TriggerType         TriggerType
	Eagerness           Eagerness
	TargetHint          TargetHint
	State               State
	WereHeadersReceived bool
	LoadCompleted       bool
	PendingNavigationID NavigationID
	CreatedAt           time.Time
}

// HistoryEntry is the single session-history entry of a candidate.
type HistoryEntry struct {
	URL string
	// Replacements counts how many times the entry was replaced by in-page or cross-document navigations.
	Replacements int
}
