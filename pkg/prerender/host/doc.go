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

// Package host implements the lifecycle of a single prerender candidate.
//
// # State machine
//
//	TriggeredButPending ─┐
//	Initializing ────────┴─> NavigatingInitial ─> [WaitingForHeaders] ─> Ready ─> Reserved ─> Activated
//	                                    └───────────────────────────────────────────┘
//	(every non-terminal state) ─> Cancelled(FinalStatus)
//
// NavigatingInitial may be reserved directly: the activation then waits for the initial navigation to commit.
// WaitingForHeaders is only entered while an activation attempt is blocked on this candidate's response headers after
// a provisional No-Vary-Search hint match.
//
// # Policy checks
//
// Every main-frame navigation in the candidate (the initial one and any the page starts itself) is checked against
// the reference origin (the triggering page, or the registered URL for embedder triggers):
//   - each redirect hop must stay same-site;
//   - the final response must not be 204, 205 or an error status;
//   - a same-site cross-origin final response must carry the `Supports-Loading-Mode: credentialed-prerender` opt-in.
//
// # Ownership
//
// Hosts are owned by a registry and live on its task sequence. Handlers never cancel the host themselves; they return
// the `types.FinalStatus` the registry must cancel with, so registry-owned counters and queues only change through the
// registry.
package host
