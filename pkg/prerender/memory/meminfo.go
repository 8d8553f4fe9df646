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

// Package memory samples system memory and derives the pressure signal fed to the prerender registry.
package memory

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/prerender-dev/prerender/pkg/prerender/contracts"
)

// DefaultMeminfoPath is the Linux memory summary file.
const DefaultMeminfoPath = "/proc/meminfo"

// ProcSampler reads a meminfo-formatted file. It implements `contracts.MemoryMonitor`.
type ProcSampler struct {
	Path string
}

var _ contracts.MemoryMonitor = (*ProcSampler)(nil)

// NewProcSampler returns a sampler for DefaultMeminfoPath.
func NewProcSampler() *ProcSampler {
	return &ProcSampler{Path: DefaultMeminfoPath}
}

// Sample is best-effort: if the file is unavailable or parsing fails, ok is false.
func (s *ProcSampler) Sample() (contracts.MemorySample, bool) {
	f, err := os.Open(s.Path)
	if err != nil {
		return contracts.MemorySample{}, false
	}
	defer f.Close()
	return parseMeminfo(f)
}

// parseMeminfo extracts MemTotal and MemAvailable. Kernels older than 3.14 lack MemAvailable, in which case
// MemFree + Buffers + Cached is used as the estimate.
func parseMeminfo(r io.Reader) (contracts.MemorySample, bool) {
	vals := make(map[string]uint64)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		// Format: "Key:    123 kB" (also sometimes without kB suffix).
		key, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		if len(fields) > 1 && strings.EqualFold(fields[1], "kB") {
			n *= 1024
		}
		vals[strings.TrimSpace(key)] = n
	}
	if sc.Err() != nil {
		return contracts.MemorySample{}, false
	}

	total, ok := vals["MemTotal"]
	if !ok || total == 0 {
		return contracts.MemorySample{}, false
	}
	avail, ok := vals["MemAvailable"]
	if !ok {
		avail = vals["MemFree"] + vals["Buffers"] + vals["Cached"]
	}
	return contracts.MemorySample{TotalBytes: total, AvailableBytes: avail}, true
}

// StaticMonitor always reports the same sample. A zero TotalBytes reports no reading.
type StaticMonitor struct {
	contracts.MemorySample
}

func (m StaticMonitor) Sample() (contracts.MemorySample, bool) {
	return m.MemorySample, m.TotalBytes > 0
}
