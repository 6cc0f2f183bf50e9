// Copyright 2025 Google LLC
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

package noc

import (
	"github.com/GoogleCloudPlatform/argus/pkg/alerts"
)

// Wire levels for the two alert statuses. The receiver maps level 3 to an
// incident-opening event and level 0 to an incident-closing one.
const (
	LevelCreate = 3
	LevelCancel = 0
)

// Payload is the NOC send document.
type Payload struct {
	Custom1        string `json:"custom1"`
	Custom2        string `json:"custom2"`
	HostName       string `json:"hostName"`
	Level          int    `json:"level"`
	Message        string `json:"message"`
	Severity       string `json:"severity"`
	Source         string `json:"source"`
	SuppressionKey string `json:"suppressionKey"`
	Visible        bool   `json:"visible"`
}

// VerifyFilter is the verify-endpoint request document: the payload shape
// plus the userTga fields, always sent empty.
type VerifyFilter struct {
	Payload

	UserTga1 string `json:"userTga1"`
	UserTga2 string `json:"userTga2"`
	UserTga3 string `json:"userTga3"`
}

// PayloadFromAlert builds the wire payload from the alert's template with the
// runtime overrides applied: the level follows the status, the message
// prefers the description, and source and suppression key always come from
// the alert itself.
func PayloadFromAlert(a alerts.Alert) Payload {
	p := Payload{
		Custom1:        a.Payload.Custom1,
		Custom2:        a.Payload.Custom2,
		HostName:       a.Payload.HostName,
		Severity:       a.Payload.Severity,
		Visible:        a.Payload.Visible,
		Message:        a.Message(),
		Source:         a.Source,
		SuppressionKey: a.Fingerprint,
	}
	if a.Status == alerts.StatusCreate {
		p.Level = LevelCreate
	} else {
		p.Level = LevelCancel
	}
	return p
}

// Matches reports whether the received payload agrees with the sent one on
// the fields the verify phase requires: suppression key, level and source.
// All other fields are free to differ.
func (p Payload) Matches(got Payload) bool {
	return p.SuppressionKey == got.SuppressionKey &&
		p.Level == got.Level &&
		p.Source == got.Source
}
