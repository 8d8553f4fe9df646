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

package limiter

import (
	"net/url"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prerender-dev/prerender/pkg/prerender/contracts"
	"github.com/prerender-dev/prerender/pkg/prerender/memory"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

var healthyMemory = memory.StaticMonitor{MemorySample: contracts.MemorySample{TotalBytes: 8 << 30, AvailableBytes: 4 << 30}}

func attrs(raw string, trigger types.TriggerType, eagerness types.Eagerness) types.Attributes {
	u, _ := url.Parse(raw)
	return types.Attributes{URL: u, TriggerType: trigger, Eagerness: eagerness}
}

func eager(raw string) types.Attributes {
	return attrs(raw, types.TriggerSpeculationRule, types.EagernessImmediate)
}

func moderate(raw string) types.Attributes {
	return attrs(raw, types.TriggerSpeculationRule, types.EagernessModerate)
}

func embedder(raw string) types.Attributes {
	return attrs(raw, types.TriggerEmbedder, types.EagernessImmediate)
}

func newTestLimiter(t *testing.T, mutate func(*Config), monitor contracts.MemoryMonitor) *Limiter {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxConcurrentInitialNavigations = 0
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())
	return New(cfg, monitor, logr.Discard())
}

func TestClassOf(t *testing.T) {
	t.Parallel()
	assert.Equal(t, QuotaEager, ClassOf(eager("https://a.test")))
	assert.Equal(t, QuotaNonEager, ClassOf(moderate("https://a.test")))
	assert.Equal(t, QuotaNonEager, ClassOf(attrs("https://a.test", types.TriggerSpeculationRule, types.EagernessConservative)))
	assert.Equal(t, QuotaEmbedder, ClassOf(embedder("https://a.test")))
}

func TestLimiter_Quotas(t *testing.T) {
	t.Parallel()

	t.Run("ShouldRejectNewestEager_WhenQuotaIsFull", func(t *testing.T) {
		t.Parallel()
		l := newTestLimiter(t, func(c *Config) { c.MaxRunningEager = 4 }, healthyMemory)
		for i := 1; i <= 4; i++ {
			a := eager("https://a.test/" + string(rune('a'+i)))
			require.False(t, l.Check(a).Rejected())
			assert.True(t, l.Admit(types.CandidateID(i), a))
		}
		d := l.Check(eager("https://a.test/fifth"))
		assert.Equal(t, types.FinalStatusMaxNumOfRunningEagerPrerendersExceeded, d.Reject)

		promoted := l.Release(2)
		assert.Empty(t, promoted, "releasing an eager candidate must not promote anything")
		assert.False(t, l.Check(eager("https://a.test/fifth")).Rejected(), "a released slot should admit again")
	})

	t.Run("ShouldEvictOldestNonEager_WhenQuotaIsFull", func(t *testing.T) {
		t.Parallel()
		l := newTestLimiter(t, func(c *Config) { c.MaxRunningNonEager = 2 }, healthyMemory)
		l.Admit(1, moderate("https://a.test/1"))
		l.Admit(2, moderate("https://a.test/2"))
		d := l.Check(moderate("https://a.test/3"))
		assert.False(t, d.Rejected())
		assert.Equal(t, types.CandidateID(1), d.Evict)
	})

	t.Run("ShouldTrackClassesIndependently", func(t *testing.T) {
		t.Parallel()
		l := newTestLimiter(t, func(c *Config) {
			c.MaxRunningEager = 1
			c.MaxRunningEmbedder = 1
		}, healthyMemory)
		l.Admit(1, eager("https://a.test/1"))
		assert.False(t, l.Check(embedder("https://a.test/2")).Rejected())
		l.Admit(2, embedder("https://a.test/2"))
		assert.Equal(t, types.FinalStatusMaxNumOfRunningEmbedderPrerendersExceeded,
			l.Check(embedder("https://a.test/3")).Reject)
		assert.Equal(t, 1, l.Admitted(QuotaEager))
		assert.Equal(t, 1, l.Admitted(QuotaEmbedder))
	})
}

func TestLimiter_PendingQueue(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(t, func(c *Config) { c.MaxConcurrentInitialNavigations = 1 }, healthyMemory)
	assert.True(t, l.Admit(1, eager("https://a.test/1")))
	assert.False(t, l.Admit(2, eager("https://a.test/2")))
	assert.False(t, l.Admit(3, moderate("https://a.test/3")))
	assert.True(t, l.Admit(4, embedder("https://a.test/4")), "embedder candidates are never queued")
	assert.Equal(t, []types.CandidateID{2, 3}, l.Pending())
	assert.Equal(t, 1, l.Navigating())

	assert.Empty(t, l.InitialNavigationFinished(4), "embedder candidates hold no navigation slot")
	assert.Equal(t, []types.CandidateID{2}, l.InitialNavigationFinished(1))
	assert.Empty(t, l.InitialNavigationFinished(1), "finishing twice must be a no-op")

	assert.Empty(t, l.Release(3), "releasing a pending candidate frees no slot")
	assert.Empty(t, l.Pending())
	assert.Empty(t, l.Release(2))
	assert.Zero(t, l.Navigating())
}

func TestLimiter_Memory(t *testing.T) {
	t.Parallel()

	t.Run("ShouldRejectUnderCriticalPressure", func(t *testing.T) {
		t.Parallel()
		l := newTestLimiter(t, nil, healthyMemory)
		assert.False(t, l.SetPressure(types.MemoryPressureModerate))
		assert.False(t, l.Check(eager("https://a.test")).Rejected(), "moderate pressure is advisory")
		assert.True(t, l.SetPressure(types.MemoryPressureCritical))
		assert.Equal(t, types.MemoryPressureCritical, l.Pressure())
		assert.Equal(t, types.FinalStatusMemoryPressureOnTrigger, l.Check(eager("https://a.test")).Reject)

		bypass := eager("https://a.test")
		bypass.DebuggerAttached = true
		assert.False(t, l.Check(bypass).Rejected(), "an attached debugger bypasses memory checks")
	})

	t.Run("ShouldRejectLowEndDevice", func(t *testing.T) {
		t.Parallel()
		small := memory.StaticMonitor{MemorySample: contracts.MemorySample{TotalBytes: 512 << 20, AvailableBytes: 400 << 20}}
		l := newTestLimiter(t, nil, small)
		assert.Equal(t, types.FinalStatusLowEndDevice, l.Check(eager("https://a.test")).Reject)
	})

	t.Run("ShouldRejectBelowHeadroom", func(t *testing.T) {
		t.Parallel()
		tight := memory.StaticMonitor{MemorySample: contracts.MemorySample{TotalBytes: 8 << 30, AvailableBytes: 100 << 20}}
		l := newTestLimiter(t, nil, tight)
		assert.Equal(t, types.FinalStatusMemoryLimitExceeded, l.Check(eager("https://a.test")).Reject)
	})

	t.Run("ShouldSkipChecks_WhenNoSampleIsAvailable", func(t *testing.T) {
		t.Parallel()
		l := newTestLimiter(t, nil, memory.StaticMonitor{})
		assert.False(t, l.Check(eager("https://a.test")).Rejected())
	})
}

func TestLimiter_EmbedderBlocklist(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(t, func(c *Config) { c.BlockedEmbedderHosts = []string{"www.blocked.test"} }, healthyMemory)
	assert.Equal(t, types.FinalStatusEmbedderHostDisallowed, l.Check(embedder("https://cdn.blocked.test/x")).Reject,
		"the blocklist matches by registrable domain")
	assert.False(t, l.Check(eager("https://cdn.blocked.test/x")).Rejected(), "only embedder triggers consult the blocklist")
	assert.False(t, l.Check(embedder("https://allowed.test/x")).Rejected())
	assert.Zero(t, l.Admitted(QuotaEmbedder), "a rejected candidate has no running-count impact")
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.MaxRunningEager = 0
	cfg.MaxRunningEmbedder = -1
	cfg.MinAvailableMemoryPercent = 101
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxRunningEager")
	assert.Contains(t, err.Error(), "maxRunningEmbedder")
	assert.Contains(t, err.Error(), "minAvailableMemoryPercent")
}
