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

package ticker

import (
	"sort"
	"sync"
)

// LivenessEntry records the last successful execution of a callback.
type LivenessEntry struct {
	Name                  string `json:"name"`
	LastExecutionTick     int64  `json:"lastExecutionTick"`
	ExpectedIntervalTicks int64  `json:"expectedIntervalTicks"`
}

// healthyAt reports whether the entry is considered healthy at the given
// tick. An entry turns unhealthy once its age reaches twice the expected
// interval.
func (e LivenessEntry) healthyAt(tick int64) bool {
	return tick-e.LastExecutionTick < 2*e.ExpectedIntervalTicks
}

// Liveness tracks the last execution tick of every registered callback.
// Callbacks stamp it themselves on success or handled failure; an uncaught
// panic skips the stamp and surfaces here.
type Liveness struct {
	mtx sync.RWMutex
	m   map[string]LivenessEntry
}

// NewLiveness returns an empty liveness vector.
func NewLiveness() *Liveness {
	return &Liveness{m: map[string]LivenessEntry{}}
}

// RecordExecution overwrites the entry for the named callback.
func (l *Liveness) RecordExecution(name string, expectedIntervalTicks, currentTick int64) {
	l.mtx.Lock()
	l.m[name] = LivenessEntry{
		Name:                  name,
		LastExecutionTick:     currentTick,
		ExpectedIntervalTicks: expectedIntervalTicks,
	}
	l.mtx.Unlock()
}

// IsHealthy reports whether every tracked callback has executed recently
// enough at the given tick.
func (l *Liveness) IsHealthy(currentTick int64) bool {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	for _, e := range l.m {
		if !e.healthyAt(currentTick) {
			return false
		}
	}
	return true
}

// UnhealthyCallbacks returns the entries whose age reached twice their
// expected interval, sorted by name for stable output.
func (l *Liveness) UnhealthyCallbacks(currentTick int64) []LivenessEntry {
	l.mtx.RLock()
	var unhealthy []LivenessEntry
	for _, e := range l.m {
		if !e.healthyAt(currentTick) {
			unhealthy = append(unhealthy, e)
		}
	}
	l.mtx.RUnlock()

	sort.Slice(unhealthy, func(i, j int) bool { return unhealthy[i].Name < unhealthy[j].Name })
	return unhealthy
}

// Snapshot returns a copy of all entries, sorted by name.
func (l *Liveness) Snapshot() []LivenessEntry {
	l.mtx.RLock()
	entries := make([]LivenessEntry, 0, len(l.m))
	for _, e := range l.m {
		entries = append(entries, e)
	}
	l.mtx.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Count returns the number of tracked callbacks.
func (l *Liveness) Count() int {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return len(l.m)
}
