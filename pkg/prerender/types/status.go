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
	"fmt"
	"strconv"
	"strings"
)

// State is the lifecycle position of a candidate.
type State int

const (
	// StateTriggeredButPending is a candidate admitted by the limiter but held in the registry's pending queue. Its
	// frame tree exists but no navigation has been started.
	StateTriggeredButPending State = iota
	// StateInitializing is a candidate whose frame tree is created and whose initial navigation is about to start.
	StateInitializing
	// StateNavigatingInitial is a candidate whose initial navigation is in flight.
	StateNavigatingInitial
	// StateWaitingForHeaders is a candidate an activation attempt is blocked on until its authoritative No-Vary-Search
	// header arrives.
	StateWaitingForHeaders
	// StateReady is a candidate whose initial navigation committed.
	StateReady
	// StateReserved is a candidate exclusively selected by an activation attempt.
	StateReserved
	// StateActivated is terminal success.
	StateActivated
	// StateCancelled is terminal failure; the event carries the `FinalStatus`.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateTriggeredButPending:
		return "TriggeredButPending"
	case StateInitializing:
		return "Initializing"
	case StateNavigatingInitial:
		return "NavigatingInitial"
	case StateWaitingForHeaders:
		return "WaitingForHeaders"
	case StateReady:
		return "Ready"
	case StateReserved:
		return "Reserved"
	case StateActivated:
		return "Activated"
	case StateCancelled:
		return "Cancelled"
	default:
		return "UnknownState(" + strconv.Itoa(int(s)) + ")"
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool { return s == StateActivated || s == StateCancelled }

// IsStarted reports whether the candidate's initial navigation has been started.
func (s State) IsStarted() bool {
	return s != StateTriggeredButPending && s != StateInitializing && !s.IsTerminal()
}

// StatusCategory groups final statuses for dashboards and for deciding how an outcome is reported.
type StatusCategory int

const (
	StatusCategorySuccess StatusCategory = iota
	StatusCategoryNavigation
	StatusCategoryPolicy
	StatusCategoryResource
	StatusCategoryExternal
	// StatusCategoryNotAttempted marks outcomes that are recorded but are not cancellations (holdback).
	StatusCategoryNotAttempted
)

func (c StatusCategory) String() string {
	switch c {
	case StatusCategorySuccess:
		return "Success"
	case StatusCategoryNavigation:
		return "Navigation"
	case StatusCategoryPolicy:
		return "Policy"
	case StatusCategoryResource:
		return "Resource"
	case StatusCategoryExternal:
		return "External"
	case StatusCategoryNotAttempted:
		return "NotAttempted"
	default:
		return "UnknownStatusCategory(" + strconv.Itoa(int(c)) + ")"
	}
}

// FinalStatus is the terminal outcome of a candidate. The values are a low-cardinality label suitable for metrics.
type FinalStatus int

const (
	FinalStatusUnspecified FinalStatus = iota
	FinalStatusActivated

	// --- Navigation outcome ---

	FinalStatusNavigationBadHTTPStatus
	FinalStatusInvalidSchemeNavigation
	FinalStatusCrossSiteRedirectInInitialNavigation
	FinalStatusSameSiteCrossOriginRedirectNotOptInInInitialNavigation
	FinalStatusSameSiteCrossOriginNavigationNotOptInInInitialNavigation
	FinalStatusNavigationRequestNetworkError
	FinalStatusLoginAuthRequested
	FinalStatusClientCertRequested
	FinalStatusSSLCertificateError
	FinalStatusDownload
	FinalStatusStop

	// --- Policy and capability ---

	FinalStatusMojoBinderPolicy
	FinalStatusMixedContent
	FinalStatusPluginUsed
	FinalStatusLowEndDevice
	FinalStatusMemoryPressureOnTrigger
	FinalStatusMemoryPressureAfterTriggered
	FinalStatusCrossSiteNavigationInInitialNavigation
	FinalStatusCrossSiteNavigationInMainFrameNavigation
	FinalStatusCrossSiteRedirectInMainFrameNavigation
	FinalStatusSameSiteCrossOriginRedirectNotOptInInMainFrameNavigation
	FinalStatusSameSiteCrossOriginNavigationNotOptInInMainFrameNavigation
	FinalStatusActivatedWithAuxiliaryBrowsingContexts
	FinalStatusActivationNavigationParameterMismatch

	// --- Resource and scheduling ---

	FinalStatusMaxNumOfRunningEagerPrerendersExceeded
	FinalStatusMaxNumOfRunningNonEagerPrerendersExceeded
	FinalStatusMaxNumOfRunningEmbedderPrerendersExceeded
	FinalStatusEmbedderHostDisallowed
	FinalStatusMemoryLimitExceeded

	// --- External interference ---

	FinalStatusRendererProcessCrashed
	FinalStatusRendererProcessKilled
	FinalStatusPrimaryMainFrameRendererProcessCrashed
	FinalStatusPrimaryMainFrameRendererProcessKilled
	FinalStatusTriggerDestroyed
	FinalStatusSpeculationRuleRemoved
	FinalStatusTabClosedWithoutUserGesture
	FinalStatusTimeoutBackgrounded
	FinalStatusActivatedBeforeStarted
	FinalStatusActivatedDuringMainFrameNavigation
	FinalStatusActivationNavigationDestroyedBeforeSuccess
	FinalStatusOtherPrerenderedPageActivated
	FinalStatusPendingCandidateDiscarded
	FinalStatusHeaderWaitTimeout

	// --- Not attempted ---

	FinalStatusHoldback

	finalStatusCount
)

type finalStatusInfo struct {
	name     string
	category StatusCategory
}

var finalStatusTable = [finalStatusCount]finalStatusInfo{
	FinalStatusUnspecified: {"Unspecified", StatusCategoryExternal},
	FinalStatusActivated:   {"Activated", StatusCategorySuccess},

	FinalStatusNavigationBadHTTPStatus:                                  {"NavigationBadHttpStatus", StatusCategoryNavigation},
	FinalStatusInvalidSchemeNavigation:                                  {"InvalidSchemeNavigation", StatusCategoryNavigation},
	FinalStatusCrossSiteRedirectInInitialNavigation:                     {"CrossSiteRedirectInInitialNavigation", StatusCategoryNavigation},
	FinalStatusSameSiteCrossOriginRedirectNotOptInInInitialNavigation:   {"SameSiteCrossOriginRedirectNotOptInInInitialNavigation", StatusCategoryNavigation},
	FinalStatusSameSiteCrossOriginNavigationNotOptInInInitialNavigation: {"SameSiteCrossOriginNavigationNotOptInInInitialNavigation", StatusCategoryNavigation},
	FinalStatusNavigationRequestNetworkError:                            {"NavigationRequestNetworkError", StatusCategoryNavigation},
	FinalStatusLoginAuthRequested:                                       {"LoginAuthRequested", StatusCategoryNavigation},
	FinalStatusClientCertRequested:                                      {"ClientCertRequested", StatusCategoryNavigation},
	FinalStatusSSLCertificateError:                                      {"SslCertificateError", StatusCategoryNavigation},
	FinalStatusDownload:                                                 {"Download", StatusCategoryNavigation},
	FinalStatusStop:                                                     {"Stop", StatusCategoryNavigation},

	FinalStatusMojoBinderPolicy:                                         {"MojoBinderPolicy", StatusCategoryPolicy},
	FinalStatusMixedContent:                                             {"MixedContent", StatusCategoryPolicy},
	FinalStatusPluginUsed:                                               {"PluginUsed", StatusCategoryPolicy},
	FinalStatusLowEndDevice:                                             {"LowEndDevice", StatusCategoryPolicy},
	FinalStatusMemoryPressureOnTrigger:                                  {"MemoryPressureOnTrigger", StatusCategoryPolicy},
	FinalStatusMemoryPressureAfterTriggered:                             {"MemoryPressureAfterTriggered", StatusCategoryPolicy},
	FinalStatusCrossSiteNavigationInInitialNavigation:                   {"CrossSiteNavigationInInitialNavigation", StatusCategoryPolicy},
	FinalStatusCrossSiteNavigationInMainFrameNavigation:                 {"CrossSiteNavigationInMainFrameNavigation", StatusCategoryPolicy},
	FinalStatusCrossSiteRedirectInMainFrameNavigation:                   {"CrossSiteRedirectInMainFrameNavigation", StatusCategoryPolicy},
	FinalStatusSameSiteCrossOriginRedirectNotOptInInMainFrameNavigation: {"SameSiteCrossOriginRedirectNotOptInInMainFrameNavigation", StatusCategoryPolicy},
	FinalStatusSameSiteCrossOriginNavigationNotOptInInMainFrameNavigation: {
		"SameSiteCrossOriginNavigationNotOptInInMainFrameNavigation", StatusCategoryPolicy,
	},
	FinalStatusActivatedWithAuxiliaryBrowsingContexts: {"ActivatedWithAuxiliaryBrowsingContexts", StatusCategoryPolicy},
	FinalStatusActivationNavigationParameterMismatch:  {"ActivationNavigationParameterMismatch", StatusCategoryPolicy},

	FinalStatusMaxNumOfRunningEagerPrerendersExceeded:    {"MaxNumOfRunningEagerPrerendersExceeded", StatusCategoryResource},
	FinalStatusMaxNumOfRunningNonEagerPrerendersExceeded: {"MaxNumOfRunningNonEagerPrerendersExceeded", StatusCategoryResource},
	FinalStatusMaxNumOfRunningEmbedderPrerendersExceeded: {"MaxNumOfRunningEmbedderPrerendersExceeded", StatusCategoryResource},
	FinalStatusEmbedderHostDisallowed:                    {"EmbedderHostDisallowed", StatusCategoryResource},
	FinalStatusMemoryLimitExceeded:                       {"MemoryLimitExceeded", StatusCategoryResource},

	FinalStatusRendererProcessCrashed:                     {"RendererProcessCrashed", StatusCategoryExternal},
	FinalStatusRendererProcessKilled:                      {"RendererProcessKilled", StatusCategoryExternal},
	FinalStatusPrimaryMainFrameRendererProcessCrashed:     {"PrimaryMainFrameRendererProcessCrashed", StatusCategoryExternal},
	FinalStatusPrimaryMainFrameRendererProcessKilled:      {"PrimaryMainFrameRendererProcessKilled", StatusCategoryExternal},
	FinalStatusTriggerDestroyed:                           {"TriggerDestroyed", StatusCategoryExternal},
	FinalStatusSpeculationRuleRemoved:                     {"SpeculationRuleRemoved", StatusCategoryExternal},
	FinalStatusTabClosedWithoutUserGesture:                {"TabClosedWithoutUserGesture", StatusCategoryExternal},
	FinalStatusTimeoutBackgrounded:                        {"TimeoutBackgrounded", StatusCategoryExternal},
	FinalStatusActivatedBeforeStarted:                     {"ActivatedBeforeStarted", StatusCategoryExternal},
	FinalStatusActivatedDuringMainFrameNavigation:         {"ActivatedDuringMainFrameNavigation", StatusCategoryExternal},
	FinalStatusActivationNavigationDestroyedBeforeSuccess: {"ActivationNavigationDestroyedBeforeSuccess", StatusCategoryExternal},
	FinalStatusOtherPrerenderedPageActivated:              {"OtherPrerenderedPageActivated", StatusCategoryExternal},
	FinalStatusPendingCandidateDiscarded:                  {"PendingCandidateDiscarded", StatusCategoryExternal},
	FinalStatusHeaderWaitTimeout:                          {"HeaderWaitTimeout", StatusCategoryExternal},

	FinalStatusHoldback: {"Holdback", StatusCategoryNotAttempted},
}

func (s FinalStatus) String() string {
	if s < 0 || s >= finalStatusCount {
		return "UnknownFinalStatus(" + strconv.Itoa(int(s)) + ")"
	}
	return finalStatusTable[s].name
}

// ParseFinalStatus is the inverse of `FinalStatus.String`, case-insensitive.
func ParseFinalStatus(s string) (FinalStatus, error) {
	for st := FinalStatusUnspecified + 1; st < finalStatusCount; st++ {
		if strings.EqualFold(s, finalStatusTable[st].name) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown final status %q", s)
}

// Category returns the taxonomy group of the status.
func (s FinalStatus) Category() StatusCategory {
	if s < 0 || s >= finalStatusCount {
		return StatusCategoryExternal
	}
	return finalStatusTable[s].category
}

// IsCancellation reports whether the status describes a cancelled candidate.
func (s FinalStatus) IsCancellation() bool {
	c := s.Category()
	return c != StatusCategorySuccess && c != StatusCategoryNotAttempted
}

// FinalStatusFromProcessGone maps a renderer termination to its final status.
func FinalStatusFromProcessGone(reason ProcessGoneReason, primary bool) FinalStatus {
	switch {
	case primary && reason == ProcessKilled:
		return FinalStatusPrimaryMainFrameRendererProcessKilled
	case primary:
		return FinalStatusPrimaryMainFrameRendererProcessCrashed
	case reason == ProcessKilled:
		return FinalStatusRendererProcessKilled
	default:
		return FinalStatusRendererProcessCrashed
	}
}

// FinalStatusFromNavigationFailure maps a failed navigation to its final status.
func FinalStatusFromNavigationFailure(f NavigationFailure) FinalStatus {
	switch f {
	case FailureCertificateError:
		return FinalStatusSSLCertificateError
	case FailureLoginAuthRequested:
		return FinalStatusLoginAuthRequested
	case FailureClientCertRequested:
		return FinalStatusClientCertRequested
	case FailureDownload:
		return FinalStatusDownload
	case FailureStopped:
		return FinalStatusStop
	case FailureMixedContent:
		return FinalStatusMixedContent
	default:
		return FinalStatusNavigationRequestNetworkError
	}
}
