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

package registry

import (
	"time"

	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/pkg/prerender/host"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

// --- Container Signals ---

// OnContainerVisibilityChanged records the container's visibility. Leaving `VisibilityVisible` starts one background
// timer per trigger category; returning to it stops both. Moving between occluded and hidden keeps the running timers.
func (r *Registry) OnContainerVisibilityChanged(v types.Visibility) error {
	if err := r.guard(); err != nil {
		return err
	}
	prev := r.visibility
	r.visibility = v
	if prev == v {
		return nil
	}
	r.logger.V(logging.DEBUG).Info("Container visibility changed", "from", prev, "to", v)

	switch {
	case v == types.VisibilityVisible:
		for _, t := range r.bgTimers {
			t.Stop()
		}
	case prev == types.VisibilityVisible:
		for _, category := range types.AllTriggerCategories {
			r.bgTimers[category].Start(r.backgroundTimeout(category), func() { r.onBackgroundTimeout(category) })
		}
	}
	return nil
}

func (r *Registry) backgroundTimeout(c types.TriggerCategory) time.Duration {
	if c == types.CategoryEmbedder {
		return r.config.BackgroundTimeoutEmbedder
	}
	return r.config.BackgroundTimeoutSpeculationRules
}

func (r *Registry) onBackgroundTimeout(c types.TriggerCategory) {
	if r.shutdown || r.visibility == types.VisibilityVisible {
		return
	}
	var ids []types.CandidateID
	for _, id := range r.order {
		if r.hosts[id].Attributes().TriggerType.Category() == c {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	r.logger.V(logging.VERBOSE).Info("Background timeout elapsed", "category", c, "candidates", len(ids))
	r.cancelMany(ids, func(*host.Host) types.FinalStatus { return types.FinalStatusTimeoutBackgrounded })
}

// OnMemoryPressureChanged records the system memory pressure level. Moderate pressure is advisory; critical pressure
// cancels every candidate and rejects new triggers until it clears.
func (r *Registry) OnMemoryPressureChanged(level types.MemoryPressureLevel) error {
	if err := r.guard(); err != nil {
		return err
	}
	if !r.limiter.SetPressure(level) {
		return nil
	}
	r.cancelMany(append([]types.CandidateID(nil), r.order...), func(*host.Host) types.FinalStatus {
		return types.FinalStatusMemoryPressureAfterTriggered
	})
	return nil
}
