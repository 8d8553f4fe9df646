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

// Package registry provides the concrete implementation of the prerender host registry: the per-container owner of
// every prerender candidate, and the coordinator that hands a candidate over to a matching primary-page navigation.
//
// # Activation protocol
//
// A primary-page navigation N interacts with the registry in three steps, all on the registry's task sequence:
//
//  1. `FindPotentialHostToActivate(N)` picks the first-created eligible candidate whose registered URL matches N.
//  2. `NotifyCommitDeferred(N, resume)` is the commit-deferring condition. It reserves the candidate (cancelling every
//     other candidate) and returns `Proceed`, or returns `Pending` while it waits for the candidate's response headers
//     (provisional No-Vary-Search hint match) or for a navigation still running inside the candidate. A pending
//     condition posts resume exactly once.
//  3. `ResumeOrCancelActivation(N)` activates the candidate, or reports that N must fall back to an ordinary load.
//
// `CancelActivation(N)` abandons the protocol at any point.
//
// # Exclusivity
//
// At most one candidate is `Reserved` at any time: reserving one cancels all the others in the same task, and a
// reserved or header-waiting candidate is never selected again.
//
// # Reentrancy
//
// Observers are notified synchronously from inside the transition that produced the event. A mutating call made from
// inside a notification fails with `types.ErrReentrantMutation`; observers queue such work with `PostTask`.
package registry
