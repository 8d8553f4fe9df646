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

// Package types defines the core data structures, identifiers, enums and sentinel errors shared by the prerender
// packages.
//
// The most important concepts are:
//
//   - `CandidateID`: The opaque handle of a single speculative page load. Ids are allocated in strictly increasing
//     order, so comparing two ids also compares their creation order. A cancelled candidate's id is never reused.
//   - `State`: The lifecycle position of a candidate, from `StateTriggeredButPending` through `StateActivated` or
//     `StateCancelled`.
//   - `FinalStatus`: The terminal outcome of a candidate. Every cancellation carries exactly one `FinalStatus`;
//     successful activation is `FinalStatusActivated`.
//   - `Event`: The structured record emitted on every observable change, consumed by telemetry collaborators.
//
// Cancellation is never an error to the trigger or to the navigation pipeline. Errors in this package describe
// rejected API calls (unknown ids, admission failures, re-entrant mutation), not candidate outcomes.
package types
