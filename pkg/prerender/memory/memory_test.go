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

package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/prerender-dev/prerender/pkg/prerender/contracts"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

const sampleMeminfo = `MemTotal:       16000000 kB
MemFree:         1000000 kB
MemAvailable:    4000000 kB
Buffers:          200000 kB
Cached:          2000000 kB
`

func TestParseMeminfo(t *testing.T) {
	t.Parallel()

	t.Run("ShouldPreferMemAvailable", func(t *testing.T) {
		t.Parallel()
		s, ok := parseMeminfo(strings.NewReader(sampleMeminfo))
		require.True(t, ok)
		assert.Equal(t, uint64(16000000*1024), s.TotalBytes)
		assert.Equal(t, uint64(4000000*1024), s.AvailableBytes)
		assert.InDelta(t, 25.0, s.AvailablePercent(), 0.001)
	})

	t.Run("ShouldEstimate_WhenMemAvailableIsMissing", func(t *testing.T) {
		t.Parallel()
		in := "MemTotal: 1000 kB\nMemFree: 100 kB\nBuffers: 50 kB\nCached: 150 kB\n"
		s, ok := parseMeminfo(strings.NewReader(in))
		require.True(t, ok)
		assert.Equal(t, uint64(300*1024), s.AvailableBytes)
	})

	t.Run("ShouldFail_WhenMemTotalIsMissing", func(t *testing.T) {
		t.Parallel()
		_, ok := parseMeminfo(strings.NewReader("garbage\nMemFree: x kB\n"))
		assert.False(t, ok)
	})
}

func TestProcSampler(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "meminfo")
	require.NoError(t, os.WriteFile(path, []byte(sampleMeminfo), 0o600))
	s, ok := (&ProcSampler{Path: path}).Sample()
	require.True(t, ok)
	assert.Equal(t, uint64(16000000*1024), s.TotalBytes)

	_, ok = (&ProcSampler{Path: filepath.Join(t.TempDir(), "missing")}).Sample()
	assert.False(t, ok)
}

type switchableMonitor struct {
	sample contracts.MemorySample
}

func (m *switchableMonitor) Sample() (contracts.MemorySample, bool) { return m.sample, true }

func TestWatcher(t *testing.T) {
	t.Parallel()

	mon := &switchableMonitor{sample: contracts.MemorySample{TotalBytes: 100, AvailableBytes: 50}}
	fakeClock := testclock.NewFakeClock(time.Now())
	var levels []types.MemoryPressureLevel
	w, err := NewWatcher(DefaultWatcherConfig(), mon, fakeClock, logr.Discard(), func(l types.MemoryPressureLevel) {
		levels = append(levels, l)
	})
	require.NoError(t, err)

	w.Poll()
	assert.Empty(t, levels, "no change from the initial None level should be reported")

	mon.sample.AvailableBytes = 10
	w.Poll()
	mon.sample.AvailableBytes = 9
	w.Poll()
	mon.sample.AvailableBytes = 2
	w.Poll()
	mon.sample.AvailableBytes = 60
	w.Poll()

	assert.Equal(t, []types.MemoryPressureLevel{
		types.MemoryPressureModerate,
		types.MemoryPressureCritical,
		types.MemoryPressureNone,
	}, levels)
}

func TestNewWatcher_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewWatcher(WatcherConfig{Interval: 0}, StaticMonitor{}, nil, logr.Discard(), nil)
	assert.Error(t, err)
	_, err = NewWatcher(WatcherConfig{Interval: time.Second, ModerateAvailablePercent: 5, CriticalAvailablePercent: 10},
		StaticMonitor{}, nil, logr.Discard(), nil)
	assert.Error(t, err)
}
