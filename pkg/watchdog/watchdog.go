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

// Package watchdog tracks the Prometheus "Watchdog" heartbeat alert and
// raises an alert when it goes missing. State is two-tiered: ingress only
// records the heartbeat tick, while the periodic check is the sole writer of
// the watchdog fingerprint into the alerts vector. This trades a one-tick
// reaction delay for freedom from ingress races.
package watchdog

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/GoogleCloudPlatform/argus/pkg/alerts"
)

// Fingerprint is the fixed alerts-vector key for the watchdog alert.
const Fingerprint = "watchdog"

// Priority of the watchdog alert within the infrastructure range.
const Priority = -7

// Status describes the watchdog heartbeat state.
type Status string

const (
	// StatusInitializing is reported while the startup grace period runs.
	StatusInitializing Status = "INITIALIZING"
	// StatusHealthy means a heartbeat arrived within the timeout.
	StatusHealthy Status = "HEALTHY"
	// StatusMissing means no heartbeat arrived within the timeout, or ever.
	StatusMissing Status = "MISSING"
)

// TickSource is the slice of the central timer the watchdog depends on.
type TickSource interface {
	TickCount() int64
	HeartbeatTimestamp() time.Time
	IsGracePeriodActive() bool
}

// Options configures the watchdog.
type Options struct {
	// AlertName is the Prometheus alert name that feeds the heartbeat.
	AlertName string
	// TimeoutTicks is the tick budget between heartbeats; also the check
	// interval. Floored at 1.
	TimeoutTicks int64
	// CreateBehavior and CancelBehavior are the payload templates for the
	// emitted alert per status.
	CreateBehavior alerts.NocBehavior
	CancelBehavior alerts.NocBehavior
}

// Watchdog holds tier-1 heartbeat state and runs the tier-2 expiration check.
type Watchdog struct {
	logger log.Logger
	ticks  TickSource
	vector *alerts.Vector
	opts   Options

	mtx               sync.Mutex
	lastHeartbeatTick int64
	heartbeatSeen     bool
	wasExpired        bool
	executionID       string
}

// New returns a Watchdog.
func New(logger log.Logger, ticks TickSource, vector *alerts.Vector, opts Options) *Watchdog {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.TimeoutTicks < 1 {
		opts.TimeoutTicks = 1
	}
	if opts.AlertName == "" {
		opts.AlertName = "Watchdog"
	}
	return &Watchdog{logger: logger, ticks: ticks, vector: vector, opts: opts}
}

// AlertName returns the Prometheus alert name that feeds the heartbeat.
func (w *Watchdog) AlertName() string {
	return w.opts.AlertName
}

// RecordHeartbeat notes that a heartbeat arrived at the current tick. It
// deliberately does not touch the alerts vector; only the periodic check
// does.
func (w *Watchdog) RecordHeartbeat() {
	tick := w.ticks.TickCount()
	w.mtx.Lock()
	w.lastHeartbeatTick = tick
	w.heartbeatSeen = true
	w.mtx.Unlock()

	level.Debug(w.logger).Log("msg", "watchdog heartbeat recorded", "tick", tick)
}

// Status derives the current heartbeat state.
func (w *Watchdog) Status() Status {
	if w.ticks.IsGracePeriodActive() {
		return StatusInitializing
	}
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.statusLocked(w.ticks.TickCount())
}

func (w *Watchdog) statusLocked(tick int64) Status {
	if !w.heartbeatSeen {
		return StatusMissing
	}
	if tick-w.lastHeartbeatTick < w.opts.TimeoutTicks {
		return StatusHealthy
	}
	return StatusMissing
}

// LastHeartbeatTick returns the tier-1 state for status readers.
func (w *Watchdog) LastHeartbeatTick() (int64, bool) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.lastHeartbeatTick, w.heartbeatSeen
}

// Check is the tier-2 expiration state machine. Registered as a grace-aware
// central timer callback with interval TimeoutTicks.
func (w *Watchdog) Check(_ context.Context, tick int64, correlationID string) {
	w.mtx.Lock()

	status := w.statusLocked(tick)
	if w.ticks.IsGracePeriodActive() {
		status = StatusInitializing
	}
	expired := status == StatusMissing
	if expired && !w.wasExpired {
		level.Warn(w.logger).Log("msg", "watchdog heartbeat missing", "tick", tick,
			"timeout_ticks", w.opts.TimeoutTicks, "correlation_id", correlationID)
	} else if !expired && w.wasExpired {
		level.Info(w.logger).Log("msg", "watchdog heartbeat recovered", "tick", tick, "correlation_id", correlationID)
	}
	transitioned := expired != w.wasExpired
	w.wasExpired = expired

	if w.executionID == "" || transitioned {
		w.executionID = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	executionID := w.executionID
	w.mtx.Unlock()

	var (
		alertStatus = alerts.StatusCancel
		behavior    = w.opts.CancelBehavior
		summary     = "Prometheus watchdog heartbeat is healthy"
	)
	if expired {
		alertStatus = alerts.StatusCreate
		behavior = w.opts.CreateBehavior
		summary = "Prometheus watchdog heartbeat is missing"
	}

	err := w.vector.UpdateAlert(alerts.Alert{
		Fingerprint: Fingerprint,
		Priority:    Priority,
		Name:        w.opts.AlertName,
		Source:      "watchdog",
		Status:      alertStatus,
		Summary:     summary,
		Payload:     behavior,
		SendToNoc:   true,
		Timestamp:   w.ticks.HeartbeatTimestamp(),
		ExecutionID: executionID,
	})
	if err != nil {
		level.Warn(w.logger).Log("msg", "updating watchdog alert failed", "err", err, "correlation_id", correlationID)
	}
}
