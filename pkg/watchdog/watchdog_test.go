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

package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/argus/pkg/alerts"
)

type fakeTicks struct {
	tick  int64
	ts    time.Time
	grace bool
}

func (f *fakeTicks) TickCount() int64              { return f.tick }
func (f *fakeTicks) HeartbeatTimestamp() time.Time { return f.ts }
func (f *fakeTicks) IsGracePeriodActive() bool     { return f.grace }

func newFixture(timeoutTicks int64) (*Watchdog, *fakeTicks, *alerts.Vector) {
	ticks := &fakeTicks{ts: time.Unix(1700000000, 0)}
	supp := alerts.NewSuppressionCache(nil, ticks, time.Second, alerts.WindowDefaults{})
	vector := alerts.NewVector(nil, nil, ticks, supp, 0)
	w := New(nil, ticks, vector, Options{TimeoutTicks: timeoutTicks})
	return w, ticks, vector
}

func TestStatusDerivation(t *testing.T) {
	w, ticks, _ := newFixture(60)

	ticks.grace = true
	require.Equal(t, StatusInitializing, w.Status())

	ticks.grace = false
	require.Equal(t, StatusMissing, w.Status())

	ticks.tick = 100
	w.RecordHeartbeat()
	require.Equal(t, StatusHealthy, w.Status())

	ticks.tick = 159
	require.Equal(t, StatusHealthy, w.Status())
	ticks.tick = 160
	require.Equal(t, StatusMissing, w.Status())
}

func TestCheckEmitsCreateWhenMissing(t *testing.T) {
	w, ticks, vector := newFixture(60)
	ticks.tick = 120

	w.Check(context.Background(), 120, "c1")

	a, ok := vector.Get(Fingerprint)
	require.True(t, ok)
	require.Equal(t, alerts.StatusCreate, a.Status)
	require.Equal(t, Priority, a.Priority)
	require.True(t, a.SendToNoc)
	require.NotEmpty(t, a.ExecutionID)
}

func TestCheckHealthyCancelDoesNotIntroduce(t *testing.T) {
	w, ticks, vector := newFixture(60)
	ticks.tick = 10
	w.RecordHeartbeat()

	// A CANCEL for a fingerprint the vector never saw is a no-op.
	w.Check(context.Background(), 20, "c1")
	require.Zero(t, vector.Count())
}

func TestMissingThenRecovered(t *testing.T) {
	w, ticks, vector := newFixture(60)

	ticks.tick = 100
	w.Check(context.Background(), 100, "c1")
	created, ok := vector.Get(Fingerprint)
	require.True(t, ok)
	require.Equal(t, alerts.StatusCreate, created.Status)

	// A heartbeat arrives; the next check within the timeout cancels the
	// alert. At tick 159 the heartbeat is 59 ticks old, one below the limit.
	w.RecordHeartbeat()
	ticks.tick = 159
	w.Check(context.Background(), 159, "c2")
	cancelled, ok := vector.Get(Fingerprint)
	require.True(t, ok)
	require.Equal(t, alerts.StatusCancel, cancelled.Status)
	require.NotEqual(t, created.ExecutionID, cancelled.ExecutionID)
}

func TestExecutionIDStableWithoutTransition(t *testing.T) {
	w, ticks, vector := newFixture(60)

	ticks.tick = 100
	w.Check(context.Background(), 100, "c1")
	first, _ := vector.Get(Fingerprint)

	ticks.tick = 160
	w.Check(context.Background(), 160, "c2")
	second, _ := vector.Get(Fingerprint)
	require.Equal(t, first.ExecutionID, second.ExecutionID)
}

func TestGracePeriodReportsInitializing(t *testing.T) {
	w, ticks, vector := newFixture(60)
	ticks.grace = true

	// Even when invoked during grace, the check must not raise a missing
	// heartbeat alert.
	w.Check(context.Background(), 5, "c1")
	require.Zero(t, vector.Count())
	require.Equal(t, StatusInitializing, w.Status())
}
