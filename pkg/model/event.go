// Copyright 2025 INSA Automation Corp
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import "time"

// Reading is one key's measurement within a telemetry event. Exactly one of
// Numeric and Text is set.
type Reading struct {
	Numeric *float64 `json:"numeric,omitempty"`
	Text    *string  `json:"text,omitempty"`
	Unit    string   `json:"unit,omitempty"`
	Quality *float64 `json:"quality,omitempty"`
}

// TelemetryEvent is the normalized record every protocol adapter produces.
// TenantID may be empty when the adapter could not resolve it; the ingestion
// pipeline then resolves it from the device binding or drops the event.
type TelemetryEvent struct {
	TenantID       string
	DeviceID       string
	Readings       map[string]Reading
	Timestamp      time.Time
	SourceProtocol Protocol
	// Raw is the opaque original payload, kept for audit.
	Raw []byte
}

// Action is one notification target configured on a rule.
type Action struct {
	Channel string `json:"channel"`           // email, sms, webhook
	Email   string `json:"email,omitempty"`   // channel=email
	Phone   string `json:"phone,omitempty"`   // channel=sms
	URL     string `json:"url,omitempty"`     // channel=webhook
	Secret  string `json:"secret,omitempty"`  // webhook signing secret
	Name    string `json:"name,omitempty"`    // webhook display name
}
