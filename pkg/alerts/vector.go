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

package alerts

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrEmptyFingerprint is returned for alerts without a stable identity.
	ErrEmptyFingerprint = errors.New("alert fingerprint must not be empty")
)

// Vector is the priority-ordered mapping of fingerprint to active alert. It
// is the single serialization point for alert state: every mutation takes the
// vector lock and stamps LastSeenTick/LastSeenTimestamp from the tick source.
type Vector struct {
	logger   log.Logger
	ticks    TickSource
	supp     *SuppressionCache
	ttlTicks int64

	mtx sync.Mutex
	m   map[string]Alert

	created  prometheus.Counter
	resolved prometheus.Counter
	expired  prometheus.Counter
}

// NewVector returns an empty vector. ttlTicks bounds how long an entry may go
// without being re-seen before cleanup evicts it; zero disables TTL eviction.
func NewVector(logger log.Logger, reg prometheus.Registerer, ticks TickSource, supp *SuppressionCache, ttlTicks int64) *Vector {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	v := &Vector{
		logger:   logger,
		ticks:    ticks,
		supp:     supp,
		ttlTicks: ttlTicks,
		m:        map[string]Alert{},
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_alerts_created_total",
			Help: "Alerts newly created or re-fired in the alerts vector.",
		}),
		resolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_alerts_resolved_total",
			Help: "Alerts removed from the alerts vector after resolution.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_alerts_expired_total",
			Help: "Alerts evicted from the alerts vector by TTL cleanup.",
		}),
	}
	if reg != nil {
		reg.MustRegister(v.created, v.resolved, v.expired)
	}
	return v
}

// UpdateAlert applies the vector's upsert policy:
//
//   - empty fingerprints and unknown statuses are rejected,
//   - a CANCEL never introduces a new entry,
//   - CANCEL over CANCEL only refreshes LastSeen,
//   - otherwise the alert is upserted and the lifecycle change logged.
func (v *Vector) UpdateAlert(a Alert) error {
	if a.Fingerprint == "" {
		level.Warn(v.logger).Log("msg", "rejecting alert without fingerprint", "name", a.Name, "source", a.Source)
		return ErrEmptyFingerprint
	}
	if !a.Status.Valid() {
		level.Warn(v.logger).Log("msg", "rejecting alert with unknown status",
			"fingerprint", a.Fingerprint, "status", a.Status)
		return fmt.Errorf("alert %q: unknown status %q", a.Fingerprint, a.Status)
	}

	v.mtx.Lock()
	defer v.mtx.Unlock()

	a.LastSeenTick = v.ticks.TickCount()
	a.LastSeenTimestamp = v.ticks.HeartbeatTimestamp()

	prev, exists := v.m[a.Fingerprint]
	if !exists {
		if a.Status == StatusCancel {
			// A CANCEL for an unknown fingerprint has nothing to close.
			level.Debug(v.logger).Log("msg", "ignoring cancel for unknown alert", "fingerprint", a.Fingerprint)
			return nil
		}
		v.m[a.Fingerprint] = a
		v.created.Inc()
		level.Info(v.logger).Log("msg", "alert created", "fingerprint", a.Fingerprint,
			"name", a.Name, "source", a.Source, "priority", a.Priority, "execution_id", a.ExecutionID)
		return nil
	}

	if prev.Status == StatusCancel && a.Status == StatusCancel {
		// Refresh visibility only; no state change worth logging again.
		prev.LastSeenTick = a.LastSeenTick
		prev.LastSeenTimestamp = a.LastSeenTimestamp
		v.m[a.Fingerprint] = prev
		return nil
	}

	// Keep the original creation timestamp while the incident is unchanged so
	// snapshot ordering stays stable across refreshes.
	if prev.Status == a.Status {
		a.Timestamp = prev.Timestamp
	}
	v.m[a.Fingerprint] = a

	switch {
	case prev.Status == StatusCancel && a.Status == StatusCreate:
		v.created.Inc()
		level.Info(v.logger).Log("msg", "alert created", "fingerprint", a.Fingerprint,
			"name", a.Name, "source", a.Source, "priority", a.Priority,
			"previous_status", prev.Status, "execution_id", a.ExecutionID)
	case prev.Status == StatusCreate && a.Status == StatusCancel:
		level.Info(v.logger).Log("msg", "alert resolved", "fingerprint", a.Fingerprint,
			"name", a.Name, "source", a.Source, "execution_id", a.ExecutionID)
	default:
		level.Debug(v.logger).Log("msg", "alert refreshed", "fingerprint", a.Fingerprint, "status", a.Status)
	}
	return nil
}

// Get returns the current alert for the fingerprint.
func (v *Vector) Get(fingerprint string) (Alert, bool) {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	a, ok := v.m[fingerprint]
	return a, ok
}

// RemoveAlert atomically removes the fingerprint from the vector and clears
// its suppression entries. It reports whether an entry was removed.
func (v *Vector) RemoveAlert(fingerprint string) bool {
	v.mtx.Lock()
	_, ok := v.m[fingerprint]
	if ok {
		delete(v.m, fingerprint)
	}
	v.mtx.Unlock()

	if !ok {
		return false
	}
	if v.supp != nil {
		v.supp.ClearFingerprint(fingerprint)
	}
	v.resolved.Inc()
	level.Debug(v.logger).Log("msg", "alert removed", "fingerprint", fingerprint)
	return true
}

// GetSnapshot returns a materialized copy of all alerts ordered by priority
// ascending, then creation timestamp ascending. This ordering is the
// authoritative priority used downstream.
func (v *Vector) GetSnapshot() []Alert {
	v.mtx.Lock()
	snapshot := make([]Alert, 0, len(v.m))
	for _, a := range v.m {
		snapshot = append(snapshot, a)
	}
	v.mtx.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].Priority != snapshot[j].Priority {
			return snapshot[i].Priority < snapshot[j].Priority
		}
		return snapshot[i].Timestamp.Before(snapshot[j].Timestamp)
	})
	return snapshot
}

// CleanupExpiredAlerts evicts entries that have not been re-seen within the
// TTL, clearing their suppression entries as well.
func (v *Vector) CleanupExpiredAlerts() {
	if v.ttlTicks <= 0 {
		return
	}
	currentTick := v.ticks.TickCount()

	v.mtx.Lock()
	var expired []Alert
	for fp, a := range v.m {
		if currentTick-a.LastSeenTick > v.ttlTicks {
			expired = append(expired, a)
			delete(v.m, fp)
		}
	}
	v.mtx.Unlock()

	for _, a := range expired {
		if v.supp != nil {
			v.supp.ClearFingerprint(a.Fingerprint)
		}
		v.expired.Inc()
		level.Warn(v.logger).Log("msg", "alert expired from vector", "fingerprint", a.Fingerprint,
			"name", a.Name, "last_seen_tick", a.LastSeenTick, "current_tick", currentTick)
	}
}

// Count returns the number of active alerts.
func (v *Vector) Count() int {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	return len(v.m)
}

// Clear empties the vector. Test surface.
func (v *Vector) Clear() {
	v.mtx.Lock()
	v.m = map[string]Alert{}
	v.mtx.Unlock()
}
