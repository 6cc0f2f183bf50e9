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

// Package alerts holds the alert data model, the priority-ordered in-memory
// alerts vector and the per-(fingerprint,status) suppression cache.
package alerts

import (
	"time"

	"github.com/prometheus/common/model"
)

// Status is the lifecycle state of an alert.
type Status string

const (
	// StatusCreate marks a firing alert that opens an incident downstream.
	StatusCreate Status = "CREATE"
	// StatusCancel marks a resolved alert that closes an incident downstream.
	StatusCancel Status = "CANCEL"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusCreate || s == StatusCancel
}

// AnnotationSuppressWindow is the alert annotation carrying a per-alert
// suppression window as a duration string.
const AnnotationSuppressWindow = "suppress_window"

// NocBehavior is the downstream payload template attached to an alert. Empty
// fields are filled from client configuration defaults before sending.
type NocBehavior struct {
	Custom1  string `yaml:"custom1" json:"custom1"`
	Custom2  string `yaml:"custom2" json:"custom2"`
	HostName string `yaml:"hostName" json:"hostName"`
	Level    int    `yaml:"level" json:"level"`
	Message  string `yaml:"message" json:"message"`
	Severity string `yaml:"severity" json:"severity"`
	Source   string `yaml:"source" json:"source"`
	Visible  bool   `yaml:"visible" json:"visible"`
}

// Alert is the health assertion carried end to end, from the emitting source
// through the vector to the downstream NOC send.
type Alert struct {
	// Fingerprint is the stable identity of the alert across replicas and
	// ticks; it is the vector's primary key and the NOC suppression key.
	Fingerprint string `json:"fingerprint"`
	// Priority orders alerts; lower means more important. Infrastructure
	// alerts use the -10..-6 range, Prometheus alerts are >= 0.
	Priority int    `json:"priority"`
	Name     string `json:"name"`
	Source   string `json:"source"`
	Status   Status `json:"status"`

	// Summary is the fallback wire message when Description is empty.
	Summary     string `json:"summary"`
	Description string `json:"description"`

	Payload   NocBehavior `json:"payload"`
	SendToNoc bool        `json:"sendToNoc"`

	// SuppressWindow, when set, overrides annotation and default-derived
	// suppression. An explicit zero disables suppression entirely.
	SuppressWindow *time.Duration `json:"suppressWindow,omitempty"`

	Annotations map[string]string `json:"annotations,omitempty"`

	Timestamp         time.Time `json:"timestamp"`
	LastSeenTick      int64     `json:"lastSeenTick"`
	LastSeenTimestamp time.Time `json:"lastSeenTimestamp"`

	// ExecutionID is an opaque correlation string assigned once when a
	// source first ingests the alert; it travels unchanged to the NOC send.
	ExecutionID string `json:"executionId"`
}

// Message returns the wire message for the alert, preferring Description.
func (a Alert) Message() string {
	if a.Description != "" {
		return a.Description
	}
	return a.Summary
}

// WindowDefaults carries the per-status default suppression windows derived
// from the default NOC behavior configuration.
type WindowDefaults struct {
	Create time.Duration
	Cancel time.Duration
}

func (d WindowDefaults) forStatus(s Status) time.Duration {
	if s == StatusCancel {
		return d.Cancel
	}
	return d.Create
}

// ParseWindow parses a suppression window string of the form
// <decimal><unit> with unit in s|m|h|d. The empty string parses to zero,
// meaning no suppression. The second return value is false when the string
// cannot be parsed, in which case callers fall back to defaults.
func ParseWindow(s string) (time.Duration, bool) {
	if s == "" {
		return 0, true
	}
	d, err := model.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return time.Duration(d), true
}

// EffectiveSuppressWindow resolves the suppression window for the alert: the
// explicit field wins, then the suppress_window annotation, then the
// per-status default.
func (a Alert) EffectiveSuppressWindow(defaults WindowDefaults) time.Duration {
	if a.SuppressWindow != nil {
		return *a.SuppressWindow
	}
	if raw, ok := a.Annotations[AnnotationSuppressWindow]; ok {
		if w, ok := ParseWindow(raw); ok {
			return w
		}
	}
	return defaults.forStatus(a.Status)
}
