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

package novarysearch

import (
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestParse(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		value     string
		want      *Policy
		expectErr error
	}{
		{name: "empty value", value: "", want: nil},
		{name: "wildcard", value: "params", want: &Policy{IgnoreAllParams: true}},
		{name: "explicit false", value: "params=?0", want: &Policy{}},
		{name: "listed params", value: `params=("x" "utm_source")`, want: &Policy{IgnoredParams: []string{"x", "utm_source"}}},
		{
			name:  "wildcard with except",
			value: `params, except=("id")`,
			want:  &Policy{IgnoreAllParams: true, VaryParams: []string{"id"}},
		},
		{name: "key order", value: "key-order", want: &Policy{IgnoreKeyOrder: true}},
		{name: "percent encoded names are decoded", value: `params=("a%20b")`, want: &Policy{IgnoredParams: []string{"a b"}}},
		{name: "unknown members are ignored", value: `params=("x"), future=1`, want: &Policy{IgnoredParams: []string{"x"}}},
		{name: "except without wildcard", value: `except=("x")`, expectErr: ErrExceptWithoutParams},
		{name: "params with a token", value: "params=x", expectErr: ErrInvalidPolicy},
		{name: "non-string list entry", value: "params=(x)", expectErr: ErrInvalidPolicy},
		{name: "key-order with a string", value: `key-order="yes"`, expectErr: ErrInvalidPolicy},
		{name: "syntax error", value: `params=("x"`, expectErr: ErrInvalidPolicy},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tc.value)
			if tc.expectErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tc.expectErr)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tc.value, diff)
			}
		})
	}
}

func TestPolicy_AreEquivalent(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		policy string
		a, b   string
		want   bool
	}{
		{name: "no policy, identical", a: "https://a.test/p?x=1", b: "https://a.test/p?x=1", want: true},
		{name: "no policy, differing query", a: "https://a.test/p?x=1", b: "https://a.test/p?x=2", want: false},
		{name: "no policy, fragment ignored", a: "https://a.test/p?x=1#top", b: "https://a.test/p?x=1", want: true},
		{name: "ignored param differs", policy: `params=("x")`, a: "https://a.test/a?x=5", b: "https://a.test/a?x=3", want: true},
		{name: "ignored param absent on one side", policy: `params=("x")`, a: "https://a.test/a?x=5", b: "https://a.test/a", want: true},
		{name: "other param differs", policy: `params=("x")`, a: "https://a.test/a?x=5&y=1", b: "https://a.test/a?x=3&y=2", want: false},
		{name: "path differs", policy: "params", a: "https://a.test/a?x=1", b: "https://a.test/b?x=1", want: false},
		{name: "host differs", policy: "params", a: "https://a.test/a", b: "https://b.test/a", want: false},
		{name: "wildcard", policy: "params", a: "https://a.test/a?x=1&y=2", b: "https://a.test/a?z=3", want: true},
		{name: "wildcard with except, except matches", policy: `params, except=("id")`, a: "https://a.test/a?id=1&x=1", b: "https://a.test/a?x=2&id=1", want: true},
		{name: "wildcard with except, except differs", policy: `params, except=("id")`, a: "https://a.test/a?id=1", b: "https://a.test/a?id=2", want: false},
		{name: "order matters by default", policy: `params=("z")`, a: "https://a.test/a?x=1&y=2", b: "https://a.test/a?y=2&x=1", want: false},
		{name: "key-order ignores order", policy: "key-order", a: "https://a.test/a?x=1&y=2", b: "https://a.test/a?y=2&x=1", want: true},
		{name: "key-order keeps duplicate order", policy: "key-order", a: "https://a.test/a?x=1&x=2", b: "https://a.test/a?x=2&x=1", want: false},
		{name: "plus decodes to space", policy: "key-order", a: "https://a.test/a?q=a+b", b: "https://a.test/a?q=a%20b", want: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := Parse(tc.policy)
			require.NoError(t, err)
			a, b := mustURL(t, tc.a), mustURL(t, tc.b)
			assert.Equal(t, tc.want, p.AreEquivalent(a, b))
			assert.Equal(t, tc.want, p.AreEquivalent(b, a), "equivalence should be symmetric")
		})
	}
}

func TestPolicy_IsDefault(t *testing.T) {
	t.Parallel()

	var nilPolicy *Policy
	assert.True(t, nilPolicy.IsDefault())
	assert.True(t, (&Policy{}).IsDefault())
	assert.False(t, (&Policy{IgnoreKeyOrder: true}).IsDefault())
	assert.False(t, (&Policy{IgnoredParams: []string{"x"}}).IsDefault())
}
