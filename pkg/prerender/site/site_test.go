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

package site

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func parse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func TestClassify(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		ref  string
		dest string
		want Relation
	}{
		{name: "identical origin", ref: "https://www.example.com/a", dest: "https://www.example.com/b", want: RelationSameOrigin},
		{name: "default port is explicit", ref: "https://example.com", dest: "https://example.com:443/x", want: RelationSameOrigin},
		{name: "subdomain", ref: "https://www.example.com", dest: "https://cdn.example.com", want: RelationSameSiteCrossOrigin},
		{name: "different port", ref: "https://example.com", dest: "https://example.com:8443", want: RelationSameSiteCrossOrigin},
		{name: "scheme differs", ref: "https://example.com", dest: "http://example.com", want: RelationCrossSite},
		{name: "different registrable domain", ref: "https://example.com", dest: "https://example.org", want: RelationCrossSite},
		{name: "private suffix", ref: "https://a.github.io", dest: "https://b.github.io", want: RelationCrossSite},
		{name: "multi-label suffix", ref: "https://a.example.co.uk", dest: "https://b.example.co.uk", want: RelationSameSiteCrossOrigin},
		{name: "ip addresses", ref: "http://127.0.0.1:8080", dest: "http://127.0.0.1:9090", want: RelationSameSiteCrossOrigin},
		{name: "localhost", ref: "http://localhost:1", dest: "http://localhost:2", want: RelationSameSiteCrossOrigin},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Classify(parse(t, tc.ref), parse(t, tc.dest)))
		})
	}
}

func TestIsHTTPFamily(t *testing.T) {
	t.Parallel()

	assert.True(t, IsHTTPFamily(parse(t, "https://example.com")))
	assert.True(t, IsHTTPFamily(parse(t, "HTTP://example.com")))
	assert.False(t, IsHTTPFamily(parse(t, "data:text/html,hi")))
	assert.False(t, IsHTTPFamily(parse(t, "file:///etc/passwd")))
	assert.False(t, IsHTTPFamily(parse(t, "/relative")))
	assert.False(t, IsHTTPFamily(nil))
}

func TestHasOptIn(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	assert.False(t, HasOptIn(h))
	h.Set(OptInHeader, "uncredentialed-prefetch")
	assert.False(t, HasOptIn(h))
	h.Set(OptInHeader, "uncredentialed-prefetch, Credentialed-Prerender")
	assert.True(t, HasOptIn(h))
}

func TestRegistrableDomain(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example.com", RegistrableDomain("a.b.example.com"))
	assert.Equal(t, "example.com", RegistrableDomain("Example.COM."))
	assert.Equal(t, "10.0.0.1", RegistrableDomain("10.0.0.1"))
	assert.Equal(t, "localhost", RegistrableDomain("localhost"))
}
