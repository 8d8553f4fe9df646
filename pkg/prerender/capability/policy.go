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

// Package capability classifies requests a prerendering page makes to browser-mediated interfaces.
//
// The classification is a static table rather than per-interface dispatch so the full policy can be read, reviewed and
// tested in one place.
package capability

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

// Policy is the decision for a capability request made while a candidate is not yet activated.
type Policy int

const (
	// Grant requests are serviced immediately.
	Grant Policy = iota
	// Defer requests are queued and serviced synchronously at activation.
	Defer
	// Cancel requests cancel the candidate.
	Cancel
	// Unexpected requests are protocol errors: the interface must never be reached from a non-active page.
	Unexpected
)

func (p Policy) String() string {
	switch p {
	case Grant:
		return "Grant"
	case Defer:
		return "Defer"
	case Cancel:
		return "Cancel"
	case Unexpected:
		return "Unexpected"
	default:
		return "UnknownPolicy(" + strconv.Itoa(int(p)) + ")"
	}
}

// ParsePolicy is the inverse of `Policy.String`, case-insensitive.
func ParsePolicy(s string) (Policy, error) {
	for p := Grant; p <= Unexpected; p++ {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown capability policy %q", s)
}

// Rule is one row of the policy table.
type Rule struct {
	Policy Policy
	// Status is the final status used when Policy is Cancel.
	Status types.FinalStatus
}

// Well-known interface names.
const (
	InterfaceURLLoaderFactory    = "network.mojom.URLLoaderFactory"
	InterfaceCacheStorage        = "blink.mojom.CacheStorage"
	InterfaceIDBFactory          = "blink.mojom.IDBFactory"
	InterfaceFileSystemManager   = "blink.mojom.FileSystemManager"
	InterfaceLocalFrameHost      = "blink.mojom.LocalFrameHost"
	InterfaceBroadcastChannel    = "blink.mojom.BroadcastChannelProvider"
	InterfaceGeolocation         = "device.mojom.Geolocation"
	InterfaceWakeLock            = "blink.mojom.WakeLockService"
	InterfaceMediaSession        = "blink.mojom.MediaSessionService"
	InterfaceAudioContextManager = "blink.mojom.AudioContextManager"
	InterfaceClipboardHost       = "blink.mojom.ClipboardHost"
	InterfaceCreateNewWindow     = "blink.mojom.CreateNewWindow"
	InterfacePopupWidgetHost     = "blink.mojom.PopupWidgetHost"
	InterfaceNotificationService = "blink.mojom.NotificationService"
	InterfacePepperHost          = "content.mojom.PepperHost"
	InterfaceDownload            = "blink.mojom.DownloadURL"
	InterfaceClientCertificate   = "network.mojom.ClientCertificateResponder"
	InterfaceModalDialog         = "blink.mojom.ModalDialog"
	InterfaceFileChooser         = "blink.mojom.FileChooser"
	InterfaceKeyboardLock        = "blink.mojom.KeyboardLockService"
	InterfacePointerLock         = "blink.mojom.PointerLockContext"
)

// DefaultPolicy applies to interfaces missing from the table.
const DefaultPolicy = Defer

// defaultTable is the built-in policy table.
var defaultTable = map[string]Rule{
	InterfaceURLLoaderFactory:  {Policy: Grant},
	InterfaceCacheStorage:      {Policy: Grant},
	InterfaceIDBFactory:        {Policy: Grant},
	InterfaceFileSystemManager: {Policy: Grant},
	InterfaceLocalFrameHost:    {Policy: Grant},
	InterfaceBroadcastChannel:  {Policy: Grant},

	InterfaceGeolocation:         {Policy: Defer},
	InterfaceWakeLock:            {Policy: Defer},
	InterfaceMediaSession:        {Policy: Defer},
	InterfaceAudioContextManager: {Policy: Defer},
	InterfaceClipboardHost:       {Policy: Defer},

	InterfaceCreateNewWindow:     {Policy: Cancel, Status: types.FinalStatusMojoBinderPolicy},
	InterfacePopupWidgetHost:     {Policy: Cancel, Status: types.FinalStatusMojoBinderPolicy},
	InterfaceNotificationService: {Policy: Cancel, Status: types.FinalStatusMojoBinderPolicy},
	InterfaceModalDialog:         {Policy: Cancel, Status: types.FinalStatusMojoBinderPolicy},
	InterfacePepperHost:          {Policy: Cancel, Status: types.FinalStatusPluginUsed},
	InterfaceDownload:            {Policy: Cancel, Status: types.FinalStatusDownload},
	InterfaceClientCertificate:   {Policy: Cancel, Status: types.FinalStatusClientCertRequested},

	InterfaceFileChooser:  {Policy: Unexpected},
	InterfaceKeyboardLock: {Policy: Unexpected},
	InterfacePointerLock:  {Policy: Unexpected},
}

// Table is an immutable interface-name to rule mapping.
type Table struct {
	rules map[string]Rule
}

// NewTable returns the built-in table with overrides applied on top.
func NewTable(overrides map[string]Rule) *Table {
	rules := make(map[string]Rule, len(defaultTable)+len(overrides))
	for k, v := range defaultTable {
		rules[k] = v
	}
	for k, v := range overrides {
		if v.Policy == Cancel && v.Status == types.FinalStatusUnspecified {
			v.Status = types.FinalStatusMojoBinderPolicy
		}
		rules[k] = v
	}
	return &Table{rules: rules}
}

// Lookup classifies a request for the named interface.
func (t *Table) Lookup(iface string) Rule {
	if r, ok := t.rules[iface]; ok {
		return r
	}
	return Rule{Policy: DefaultPolicy}
}

// Len returns the number of explicit rules.
func (t *Table) Len() int { return len(t.rules) }
