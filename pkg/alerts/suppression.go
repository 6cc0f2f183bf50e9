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
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// TickSource provides the current tick count and the wall clock observed at
// the last tick. The central timer implements it.
type TickSource interface {
	TickCount() int64
	HeartbeatTimestamp() time.Time
}

type suppressionEntry struct {
	processedAtTick int64
	windowTicks     int64
}

// SuppressionCache remembers which (fingerprint, status) pairs were recently
// handed to the dispatcher so the snapshot does not re-enqueue them within
// their window. Entries are overwritten on re-mark and cleared on outcome;
// there is no background sweeper.
type SuppressionCache struct {
	logger       log.Logger
	ticks        TickSource
	tickInterval time.Duration
	defaults     WindowDefaults

	mtx     sync.Mutex
	entries map[string]suppressionEntry
}

// NewSuppressionCache returns an empty cache. tickInterval is the duration of
// one tick of the supplied tick source.
func NewSuppressionCache(logger log.Logger, ticks TickSource, tickInterval time.Duration, defaults WindowDefaults) *SuppressionCache {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	return &SuppressionCache{
		logger:       logger,
		ticks:        ticks,
		tickInterval: tickInterval,
		defaults:     defaults,
		entries:      map[string]suppressionEntry{},
	}
}

func suppressionKey(fingerprint string, status Status) string {
	return fmt.Sprintf("%s:%s", fingerprint, status)
}

// WasRecentlyProcessed reports whether the alert's (fingerprint, status) pair
// was marked within its effective suppression window. A zero window never
// suppresses.
func (c *SuppressionCache) WasRecentlyProcessed(a Alert) bool {
	window := a.EffectiveSuppressWindow(c.defaults)
	if window <= 0 {
		return false
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()

	e, ok := c.entries[suppressionKey(a.Fingerprint, a.Status)]
	if !ok {
		return false
	}
	return c.ticks.TickCount()-e.processedAtTick < e.windowTicks
}

// MarkAsProcessed records the alert as processed at the current tick. Alerts
// whose effective window is zero are not recorded.
func (c *SuppressionCache) MarkAsProcessed(a Alert) {
	window := a.EffectiveSuppressWindow(c.defaults)
	if window <= 0 {
		return
	}
	windowTicks := int64(window / c.tickInterval)
	if windowTicks < 1 {
		windowTicks = 1
	}
	c.mtx.Lock()
	c.entries[suppressionKey(a.Fingerprint, a.Status)] = suppressionEntry{
		processedAtTick: c.ticks.TickCount(),
		windowTicks:     windowTicks,
	}
	c.mtx.Unlock()

	level.Debug(c.logger).Log("msg", "marked alert as processed",
		"fingerprint", a.Fingerprint, "status", a.Status, "window_ticks", windowTicks)
}

// UnmarkAsProcessed removes the single (fingerprint, status) entry, allowing
// the next snapshot to retry the alert.
func (c *SuppressionCache) UnmarkAsProcessed(a Alert) {
	c.mtx.Lock()
	delete(c.entries, suppressionKey(a.Fingerprint, a.Status))
	c.mtx.Unlock()
}

// ClearFingerprint removes both the CREATE and CANCEL entries for the
// fingerprint. Called when an alert leaves the vector.
func (c *SuppressionCache) ClearFingerprint(fingerprint string) {
	c.mtx.Lock()
	delete(c.entries, suppressionKey(fingerprint, StatusCreate))
	delete(c.entries, suppressionKey(fingerprint, StatusCancel))
	c.mtx.Unlock()
}

// Len returns the number of live entries. Test surface.
func (c *SuppressionCache) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.entries)
}
