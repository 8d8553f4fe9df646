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

package host

import (
	"net/url"
	"strconv"

	"github.com/prerender-dev/prerender/pkg/prerender/novarysearch"
)

// MatchKind is the result of matching a navigation target against a candidate.
type MatchKind int

const (
	MatchNone MatchKind = iota
	// MatchExact means the target equals the registered URL (fragments aside).
	MatchExact
	// MatchHint is a provisional match on the trigger's No-Vary-Search hint, made before response headers arrived.
	// It must be confirmed or revoked once they do.
	MatchHint
	// MatchHeader is an authoritative match on the response's No-Vary-Search header.
	MatchHeader
)

func (k MatchKind) String() string {
	switch k {
	case MatchNone:
		return "None"
	case MatchExact:
		return "Exact"
	case MatchHint:
		return "Hint"
	case MatchHeader:
		return "Header"
	default:
		return "UnknownMatchKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Matched reports whether the kind is any kind of match.
func (k MatchKind) Matched() bool { return k != MatchNone }

// Provisional reports whether the match still awaits confirmation by response headers.
func (k MatchKind) Provisional() bool { return k == MatchHint }

// MatchURL decides whether target identifies this candidate. Matching is always against the registered URL, never a
// redirect target. The result depends only on target and on whether headers were received, so repeated calls agree.
func (h *Host) MatchURL(target *url.URL) MatchKind {
	var exact *novarysearch.Policy
	if exact.AreEquivalent(h.attrs.URL, target) {
		return MatchExact
	}
	if !h.headersReceived {
		if h.env.EnableNoVarySearchHint && h.hint != nil && h.hint.AreEquivalent(h.attrs.URL, target) {
			return MatchHint
		}
		return MatchNone
	}
	if h.noVarySearch != nil && h.noVarySearch.AreEquivalent(h.attrs.URL, target) {
		return MatchHeader
	}
	return MatchNone
}
