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
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/argus/pkg/alerts"
)

// Snapshotter periodically reads the alerts vector and turns its state into
// queue decisions. Per invocation at most one CREATE is enqueued: the
// highest-priority active incident not inside its suppression window. This is
// an intentional rate limit; concurrent incidents drain across successive
// snapshots in priority order. All unsuppressed CANCELs are drained together
// since they close incidents rather than open them.
type Snapshotter struct {
	logger log.Logger
	ticks  alerts.TickSource
	vector *alerts.Vector
	supp   *alerts.SuppressionCache
	queue  *Queue
}

// NewSnapshotter wires a snapshotter.
func NewSnapshotter(logger log.Logger, ticks alerts.TickSource, vector *alerts.Vector, supp *alerts.SuppressionCache, queue *Queue) *Snapshotter {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Snapshotter{logger: logger, ticks: ticks, vector: vector, supp: supp, queue: queue}
}

// Snapshot runs one snapshot pass. Registered as a grace-aware central timer
// callback.
func (s *Snapshotter) Snapshot(_ context.Context, _ int64, correlationID string) {
	s.vector.CleanupExpiredAlerts()

	var (
		snapshot       = s.vector.GetSnapshot()
		snapshotTime   = s.ticks.HeartbeatTimestamp()
		createEnqueued bool
		cancels        []alerts.Alert
	)
	for i := range snapshot {
		a := snapshot[i]
		switch a.Status {
		case alerts.StatusCreate:
			if createEnqueued {
				continue
			}
			// A suppressed create yields to the next one down the priority
			// order so concurrent incidents keep draining.
			if s.supp.WasRecentlyProcessed(a) {
				level.Info(s.logger).Log("msg", "suppressing create within window",
					"fingerprint", a.Fingerprint, "correlation_id", correlationID)
				continue
			}
			s.queue.Enqueue(Decision{
				Kind:          DecisionCreate,
				Alert:         a,
				SnapshotTime:  snapshotTime,
				CorrelationID: correlationID,
			})
			s.supp.MarkAsProcessed(a)
			level.Debug(s.logger).Log("msg", "enqueued create", "fingerprint", a.Fingerprint,
				"priority", a.Priority, "correlation_id", correlationID)
			createEnqueued = true
		case alerts.StatusCancel:
			cancels = append(cancels, a)
		}
	}

	var pending []alerts.Alert
	for _, a := range cancels {
		if s.supp.WasRecentlyProcessed(a) {
			continue
		}
		pending = append(pending, a)
	}
	if len(pending) > 0 {
		s.queue.Enqueue(Decision{
			Kind:          DecisionCancels,
			Alerts:        pending,
			SnapshotTime:  snapshotTime,
			CorrelationID: correlationID,
		})
		for _, a := range pending {
			s.supp.MarkAsProcessed(a)
		}
		level.Debug(s.logger).Log("msg", "enqueued cancels", "count", len(pending), "correlation_id", correlationID)
	}
}
