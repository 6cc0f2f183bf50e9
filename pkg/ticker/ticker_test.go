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
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func newTestTicker(t *testing.T, opts Options) *Ticker {
	t.Helper()
	return newTicker(nil, prometheus.NewRegistry(), testingclock.NewFakeClock(time.Unix(1700000000, 0)), opts)
}

// waitForIdleCallbacks blocks until no callback invocation is in flight, so
// tick-by-tick tests observe each tick's effects before driving the next one.
func waitForIdleCallbacks(t *testing.T, tk *Ticker) {
	t.Helper()
	require.Eventually(t, func() bool {
		tk.mtx.Lock()
		callbacks := make([]*registeredCallback, len(tk.callbacks))
		copy(callbacks, tk.callbacks)
		tk.mtx.Unlock()
		for _, cb := range callbacks {
			cb.mtx.Lock()
			running := cb.running
			cb.mtx.Unlock()
			if running {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	tk := newTestTicker(t, Options{})

	cb := Callback{Name: "poll", IntervalTicks: 1, Fn: func(context.Context, int64, string) {}}
	require.NoError(t, tk.Register(cb))
	require.Error(t, tk.Register(cb))

	require.Error(t, tk.Register(Callback{Name: "", IntervalTicks: 1, Fn: cb.Fn}))
	require.Error(t, tk.Register(Callback{Name: "bad-interval", IntervalTicks: 0, Fn: cb.Fn}))
	require.Error(t, tk.Register(Callback{Name: "nil-fn", IntervalTicks: 1}))
}

func TestCallbackInterval(t *testing.T) {
	tk := newTestTicker(t, Options{})

	var (
		mtx   sync.Mutex
		ticks []int64
	)
	require.NoError(t, tk.Register(Callback{
		Name:          "every-3",
		IntervalTicks: 3,
		Fn: func(_ context.Context, tick int64, _ string) {
			mtx.Lock()
			ticks = append(ticks, tick)
			mtx.Unlock()
		},
	}))

	for i := 0; i < 7; i++ {
		tk.doTick(context.Background())
		waitForIdleCallbacks(t, tk)
	}
	mtx.Lock()
	defer mtx.Unlock()
	require.Equal(t, []int64{3, 6}, ticks)
}

func TestGracePeriodSkipsAwareCallbacks(t *testing.T) {
	tk := newTestTicker(t, Options{GracePeriodTicks: 3})

	var (
		mtx              sync.Mutex
		graceTicks       []int64
		eagerTicks       []int64
		recordInvocation = func(dst *[]int64) CallbackFunc {
			return func(_ context.Context, tick int64, _ string) {
				mtx.Lock()
				*dst = append(*dst, tick)
				mtx.Unlock()
			}
		}
	)
	require.NoError(t, tk.Register(Callback{
		Name: "grace-aware", IntervalTicks: 1, GracePeriodAware: true,
		Fn: recordInvocation(&graceTicks),
	}))
	require.NoError(t, tk.Register(Callback{
		Name: "eager", IntervalTicks: 1,
		Fn: recordInvocation(&eagerTicks),
	}))

	require.True(t, tk.IsGracePeriodActive())
	for i := 0; i < 5; i++ {
		tk.doTick(context.Background())
		waitForIdleCallbacks(t, tk)
	}
	require.False(t, tk.IsGracePeriodActive())

	// Eager fires on all 5 ticks, grace-aware only on ticks 3..5.
	mtx.Lock()
	defer mtx.Unlock()
	require.Equal(t, []int64{1, 2, 3, 4, 5}, eagerTicks)
	require.Equal(t, []int64{3, 4, 5}, graceTicks)
}

func TestOverlappingInvocationsDropped(t *testing.T) {
	tk := newTestTicker(t, Options{})

	var (
		started = make(chan struct{})
		release = make(chan struct{})
		count   int
		mtx     sync.Mutex
	)
	require.NoError(t, tk.Register(Callback{
		Name: "slow", IntervalTicks: 1,
		Fn: func(context.Context, int64, string) {
			mtx.Lock()
			count++
			mtx.Unlock()
			started <- struct{}{}
			<-release
		},
	}))

	tk.doTick(context.Background())
	<-started
	// Callback still running: the next two ticks must drop the invocation.
	tk.doTick(context.Background())
	tk.doTick(context.Background())
	require.Equal(t, float64(2), testutil.ToFloat64(tk.callbacksSkipped.WithLabelValues("slow")))

	close(release)
	waitForIdleCallbacks(t, tk)

	// After release the next tick runs it again.
	tk.doTick(context.Background())
	<-started
	waitForIdleCallbacks(t, tk)

	mtx.Lock()
	defer mtx.Unlock()
	require.Equal(t, 2, count)
}

func TestCallbackPanicIsContained(t *testing.T) {
	tk := newTestTicker(t, Options{})

	invocations := 0
	require.NoError(t, tk.Register(Callback{
		Name: "panicky", IntervalTicks: 1,
		Fn: func(context.Context, int64, string) {
			invocations++
			panic("boom")
		},
	}))
	// The running lock must be released despite the panic, so every tick
	// produces a fresh invocation.
	for i := 0; i < 2; i++ {
		tk.doTick(context.Background())
		waitForIdleCallbacks(t, tk)
	}
	require.Equal(t, 2, invocations)
	require.Equal(t, float64(2), testutil.ToFloat64(tk.callbackErrors.WithLabelValues("panicky")))
}

func TestCorrelationIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^tick-\d{5}-[0-9a-f]{8}$`)
	for _, tick := range []int64{1, 42, 99999, 123456} {
		id := newCorrelationID(tick)
		if tick <= 99999 {
			require.Regexp(t, re, id)
		}
	}
	// Same tick, distinct random suffixes.
	require.NotEqual(t, newCorrelationID(7), newCorrelationID(7))
}

func TestSharedCorrelationIDPerTick(t *testing.T) {
	tk := newTestTicker(t, Options{})

	ids := make(chan string, 2)
	fn := func(_ context.Context, _ int64, correlationID string) { ids <- correlationID }
	require.NoError(t, tk.Register(Callback{Name: "a", IntervalTicks: 1, Fn: fn}))
	require.NoError(t, tk.Register(Callback{Name: "b", IntervalTicks: 1, Fn: fn}))

	tk.doTick(context.Background())
	first, second := <-ids, <-ids
	require.Equal(t, first, second)
}
