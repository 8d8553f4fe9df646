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

package types

import (
	"errors"
	"fmt"
)

// --- High-Level Outcome Errors ---

var (
	// ErrRejected indicates a candidate was not admitted. Errors returned by `Registry.AddCandidate` that signify
	// admission failure wrap this error and a `*CancellationError` carrying the reason.
	//
	// Callers should use `errors.Is(err, ErrRejected)` to check for this general class of failure.
	ErrRejected = errors.New("prerender candidate rejected")

	// ErrHoldback indicates the candidate was deliberately not triggered. It does not wrap `ErrRejected`: holdback is a
	// "not attempted" outcome, not a failure.
	ErrHoldback = errors.New("prerender candidate held back")
)

// --- Registry API Errors ---

var (
	// ErrCandidateNotFound indicates the id does not refer to a live candidate. Cancelled and activated candidates are
	// removed from the registry immediately, so this is also the answer for any terminal candidate.
	ErrCandidateNotFound = errors.New("prerender candidate not found")

	// ErrRegistryShutdown indicates the registry's container has been torn down.
	ErrRegistryShutdown = errors.New("prerender registry is shut down")

	// ErrReentrantMutation indicates an observer attempted to mutate the registry from inside its own notification.
	// Observers must queue such mutations with `Registry.PostTask`.
	ErrReentrantMutation = errors.New("registry mutated from inside an observer notification")

	// ErrInvalidURL indicates a URL argument could not be used (unparsable or missing a host).
	ErrInvalidURL = errors.New("invalid url")

	// ErrNavigationMismatch indicates a renderer report referenced a navigation the candidate is not running.
	ErrNavigationMismatch = errors.New("navigation id does not match the candidate's navigation")

	// ErrInvalidTransition indicates a renderer report arrived in a state where it cannot apply.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// --- Activation Errors ---

var (
	// ErrNoActivationAttempt indicates the navigation id has no recorded activation attempt.
	ErrNoActivationAttempt = errors.New("no activation attempt for navigation")

	// ErrActivationCancelled indicates the selected candidate disappeared or was cancelled before commit. The navigation
	// must fall back to an ordinary load.
	ErrActivationCancelled = errors.New("activation cancelled; fall back to ordinary navigation")

	// ErrActivationNotReady indicates `ResumeOrCancelActivation` was called while the attempt is still deferred.
	ErrActivationNotReady = errors.New("activation is still deferred")
)

// --- Capability Errors ---

var (
	// ErrUnexpectedCapability is a protocol error: an interface that must never be requested by a non-active page was
	// requested. It is diagnostic only and never cancels the candidate by itself.
	ErrUnexpectedCapability = errors.New("unexpected capability request from prerendering page")
)

// CancellationError carries the final status that caused a candidate to be refused or discarded.
type CancellationError struct {
	Status FinalStatus
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("prerender cancelled: %s", e.Status)
}

// NewRejection returns an admission error that wraps both `ErrRejected` and a `*CancellationError`.
func NewRejection(status FinalStatus) error {
	return fmt.Errorf("%w: %w", ErrRejected, &CancellationError{Status: status})
}

// StatusFromError extracts the final status carried by err, if any.
func StatusFromError(err error) (FinalStatus, bool) {
	var ce *CancellationError
	if errors.As(err, &ce) {
		return ce.Status, true
	}
	return FinalStatusUnspecified, false
}
