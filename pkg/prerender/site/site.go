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

// Package site implements the origin and site comparisons that gate prerender navigations.
package site

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

const (
	// OptInHeader is the response header a same-site cross-origin destination uses to opt in to being prerendered.
	OptInHeader = "Supports-Loading-Mode"
	// OptInToken is the value of OptInHeader that grants the opt-in.
	OptInToken = "credentialed-prerender"
)

// IsHTTPFamily reports whether u can be prerendered at all.
func IsHTTPFamily(u *url.URL) bool {
	if u == nil {
		return false
	}
	s := strings.ToLower(u.Scheme)
	return (s == "http" || s == "https") && u.Hostname() != ""
}

// effectivePort returns the explicit port or the scheme default.
func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}

// SameOrigin reports whether a and b share scheme, host and port.
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		effectivePort(a) == effectivePort(b)
}

// RegistrableDomain returns the eTLD+1 of host. IP addresses and hosts that are themselves a public suffix (including
// single-label hosts such as "localhost") are returned unchanged.
func RegistrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" || net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

// SameSite reports whether a and b share scheme and registrable domain.
func SameSite(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		RegistrableDomain(a.Hostname()) == RegistrableDomain(b.Hostname())
}

// Relation classifies a destination relative to a reference origin.
type Relation int

const (
	RelationSameOrigin Relation = iota
	RelationSameSiteCrossOrigin
	RelationCrossSite
)

func (r Relation) String() string {
	switch r {
	case RelationSameOrigin:
		return "SameOrigin"
	case RelationSameSiteCrossOrigin:
		return "SameSiteCrossOrigin"
	default:
		return "CrossSite"
	}
}

// Classify returns the relation of dest to ref.
func Classify(ref, dest *url.URL) Relation {
	switch {
	case SameOrigin(ref, dest):
		return RelationSameOrigin
	case SameSite(ref, dest):
		return RelationSameSiteCrossOrigin
	default:
		return RelationCrossSite
	}
}

// HasOptIn reports whether the response headers opt in to credentialed prerendering.
func HasOptIn(h http.Header) bool {
	for _, v := range h.Values(OptInHeader) {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), OptInToken) {
				return true
			}
		}
	}
	return false
}

// Origin returns u reduced to scheme and host.
func Origin(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	return &url.URL{Scheme: strings.ToLower(u.Scheme), Host: strings.ToLower(u.Host)}
}
