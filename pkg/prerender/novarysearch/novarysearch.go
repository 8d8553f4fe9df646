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

// Package novarysearch parses `No-Vary-Search` policies and decides whether two URLs are equivalent under one.
//
// The header is an RFC 8941 dictionary with three recognised members:
//
//	params            every query parameter may differ (wildcard)
//	params=("a" "b")  only the listed parameters may differ
//	except=("c")      with the wildcard, the listed parameters must still match
//	key-order         parameter order may differ
//
// Unknown members are ignored. The same syntax is used for the speculation-rules `expects_no_vary_search` hint.
package novarysearch

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"

	"github.com/dunglas/httpsfv"
)

// HeaderName is the response header carrying the authoritative policy.
const HeaderName = "No-Vary-Search"

var (
	// ErrInvalidPolicy indicates the value could not be parsed. Callers treat an invalid policy as absent.
	ErrInvalidPolicy = errors.New("invalid No-Vary-Search value")
	// ErrExceptWithoutParams indicates `except` was used without the `params` wildcard.
	ErrExceptWithoutParams = errors.New("No-Vary-Search except requires params to be true")
)

// Policy is a parsed No-Vary-Search value.
type Policy struct {
	// IgnoreAllParams is the `params` wildcard.
	IgnoreAllParams bool
	// IgnoredParams are the parameters that may differ when IgnoreAllParams is false.
	IgnoredParams []string
	// VaryParams are the parameters that must still match when IgnoreAllParams is true.
	VaryParams []string
	// IgnoreKeyOrder is the `key-order` member.
	IgnoreKeyOrder bool
}

// IsDefault reports whether the policy is equivalent to no policy at all.
func (p *Policy) IsDefault() bool {
	return p == nil || (!p.IgnoreAllParams && len(p.IgnoredParams) == 0 && !p.IgnoreKeyOrder)
}

// Parse parses a header or hint value. An empty value yields a nil policy and no error.
func Parse(value string) (*Policy, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	dict, err := httpsfv.UnmarshalDictionary([]string{value})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}

	p := &Policy{}
	if m, ok := dict.Get("key-order"); ok {
		b, err := boolMember(m, "key-order")
		if err != nil {
			return nil, err
		}
		p.IgnoreKeyOrder = b
	}

	if m, ok := dict.Get("params"); ok {
		switch v := m.(type) {
		case httpsfv.Item:
			b, ok := v.Value.(bool)
			if !ok {
				return nil, fmt.Errorf("%w: params must be a boolean or an inner list", ErrInvalidPolicy)
			}
			p.IgnoreAllParams = b
		case httpsfv.InnerList:
			names, err := stringList(v, "params")
			if err != nil {
				return nil, err
			}
			p.IgnoredParams = names
		default:
			return nil, fmt.Errorf("%w: unsupported params member", ErrInvalidPolicy)
		}
	}

	if m, ok := dict.Get("except"); ok {
		if !p.IgnoreAllParams {
			return nil, ErrExceptWithoutParams
		}
		il, ok := m.(httpsfv.InnerList)
		if !ok {
			return nil, fmt.Errorf("%w: except must be an inner list", ErrInvalidPolicy)
		}
		names, err := stringList(il, "except")
		if err != nil {
			return nil, err
		}
		p.VaryParams = names
	}
	return p, nil
}

func boolMember(m httpsfv.Member, name string) (bool, error) {
	item, ok := m.(httpsfv.Item)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidPolicy, name)
	}
	b, ok := item.Value.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidPolicy, name)
	}
	return b, nil
}

func stringList(il httpsfv.InnerList, name string) ([]string, error) {
	out := make([]string, 0, len(il.Items))
	for _, item := range il.Items {
		s, ok := item.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s entries must be strings", ErrInvalidPolicy, name)
		}
		// Names are compared in their decoded form, the same way query keys are.
		decoded, err := url.QueryUnescape(s)
		if err != nil {
			decoded = s
		}
		out = append(out, decoded)
	}
	return out, nil
}

// AreEquivalent reports whether a and b identify the same resource under the policy. A nil policy only accepts URLs
// that are equal apart from their fragment.
func (p *Policy) AreEquivalent(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	if !sameExceptQuery(a, b) {
		return false
	}
	if p == nil {
		return a.RawQuery == b.RawQuery
	}
	qa := p.reduce(parseQuery(a.RawQuery))
	qb := p.reduce(parseQuery(b.RawQuery))
	return slices.Equal(qa, qb)
}

type queryPair struct {
	name  string
	value string
}

// parseQuery decodes a query string keeping order and duplicates.
func parseQuery(raw string) []queryPair {
	if raw == "" {
		return nil
	}
	var pairs []queryPair
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		if n, err := url.QueryUnescape(name); err == nil {
			name = n
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		pairs = append(pairs, queryPair{name: name, value: value})
	}
	return pairs
}

func (p *Policy) reduce(pairs []queryPair) []queryPair {
	out := pairs[:0:0]
	for _, kv := range pairs {
		if p.ignores(kv.name) {
			continue
		}
		out = append(out, kv)
	}
	if p.IgnoreKeyOrder {
		sort.SliceStable(out, func(i, j int) bool { return out[i].name < out[j].name })
	}
	return out
}

func (p *Policy) ignores(name string) bool {
	if p.IgnoreAllParams {
		return !slices.Contains(p.VaryParams, name)
	}
	return slices.Contains(p.IgnoredParams, name)
}

func sameExceptQuery(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		a.User.String() == b.User.String() &&
		strings.EqualFold(a.Host, b.Host) &&
		a.EscapedPath() == b.EscapedPath() &&
		a.Opaque == b.Opaque
}
