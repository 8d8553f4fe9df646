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

// Package contracts defines the interfaces between the prerender registry and the collaborators it does not own: the
// layer that actually loads pages, the telemetry consumers, the memory sampler and the task sequence.
package contracts

import (
	"net/url"

	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

// FrameTreeDelegate is implemented by the page-loading layer.
//
// All methods are called from the registry's task sequence and must not block. Results are reported back through the
// registry's renderer API (`OnRedirectReceived`, `OnHeadersReceived`, ...), posted onto the same sequence.
type FrameTreeDelegate interface {
	// StartNavigation begins the initial navigation of a candidate's hidden frame tree.
	StartNavigation(id types.CandidateID, navID types.NavigationID, u *url.URL)
	// DestroyFrameTree tears down a cancelled candidate, including its new-tab container if any. It is called exactly
	// once per cancelled candidate and never for an activated one.
	DestroyFrameTree(id types.CandidateID, status types.FinalStatus)
}

// Observer consumes registry events. Observers are notified synchronously, in registration order, from inside the
// transition that produced the event. They must not call mutating registry methods directly.
type Observer interface {
	OnEvent(ev types.Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ev types.Event)

func (f ObserverFunc) OnEvent(ev types.Event) { f(ev) }

// MemorySample is a point-in-time reading of system memory.
type MemorySample struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

// AvailablePercent returns the available share of total memory in [0, 100].
func (s MemorySample) AvailablePercent() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.AvailableBytes) * 100 / float64(s.TotalBytes)
}

// MemoryMonitor samples system memory. `ok` is false when no reading is available, in which case memory checks are
// skipped.
type MemoryMonitor interface {
	Sample() (sample MemorySample, ok bool)
}

// Sequence accepts tasks for serialized execution.
type Sequence interface {
	Post(task func())
}
