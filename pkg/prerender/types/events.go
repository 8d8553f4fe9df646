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
	"strconv"
	"time"
)

// EventKind distinguishes the records emitted to observers.
type EventKind int

const (
	// EventStateChanged is emitted on every candidate state transition, including the creation transition (from
	// `StateInitializing`, reported with `Created` set).
	EventStateChanged EventKind = iota
	// EventHeaderWaitStarted opens a header-wait episode. Exactly one `EventHeaderWaitFinished` follows.
	EventHeaderWaitStarted
	// EventHeaderWaitFinished closes a header-wait episode.
	EventHeaderWaitFinished
	// EventNotTriggered records a trigger that was deliberately not acted upon (holdback).
	EventNotTriggered
	// EventProtocolError records an unexpected capability request.
	EventProtocolError
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "StateChanged"
	case EventHeaderWaitStarted:
		return "HeaderWaitStarted"
	case EventHeaderWaitFinished:
		return "HeaderWaitFinished"
	case EventNotTriggered:
		return "NotTriggered"
	case EventProtocolError:
		return "ProtocolError"
	default:
		return "UnknownEventKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// HeaderWaitReason annotates header-wait events.
type HeaderWaitReason int

const (
	HeaderWaitReasonNone HeaderWaitReason = iota
	// HeaderWaitWithTimeout is the reason of every started event.
	HeaderWaitWithTimeout
	HeaderWaitHeadersReceived
	HeaderWaitTimeoutElapsed
	// HeaderWaitAborted ends an episode whose candidate was cancelled, or whose activation navigation went away.
	HeaderWaitAborted
)

func (r HeaderWaitReason) String() string {
	switch r {
	case HeaderWaitReasonNone:
		return "None"
	case HeaderWaitWithTimeout:
		return "WithTimeout"
	case HeaderWaitHeadersReceived:
		return "HeadersReceived"
	case HeaderWaitTimeoutElapsed:
		return "TimeoutElapsed"
	case HeaderWaitAborted:
		return "Aborted"
	default:
		return "UnknownHeaderWaitReason(" + strconv.Itoa(int(r)) + ")"
	}
}

// Event is a structured record of an observable change in a registry.
type Event struct {
	Kind        EventKind
	Time        time.Time
	CandidateID CandidateID
	URL         string
	TriggerType TriggerType

	// Created marks the first state event of a candidate.
	Created  bool
	OldState State
	NewState State
	// FinalStatus is set when NewState is terminal, and for `EventNotTriggered`.
	FinalStatus FinalStatus

	HeaderWaitReason HeaderWaitReason
	// Interface names the capability involved in a `MojoBinderPolicy` cancellation or a protocol error.
	Interface string
}
