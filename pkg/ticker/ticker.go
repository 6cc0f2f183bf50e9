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

// Package ticker implements the central 1-second scheduler that drives all
// periodic work in the sidecar, together with the liveness vector used for
// self-diagnosis of stuck callbacks.
package ticker

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"
)

// CallbackFunc is invoked on the callback's interval. tick is the current
// tick count and correlationID is shared by all callbacks launched in the
// same tick.
type CallbackFunc func(ctx context.Context, tick int64, correlationID string)

// Callback describes a unit of periodic work registered with the Ticker.
type Callback struct {
	// Name uniquely identifies the callback within the registry.
	Name string
	// IntervalTicks is how many ticks pass between invocations. Must be >= 1.
	IntervalTicks int64
	// GracePeriodAware callbacks are fully skipped while the startup grace
	// period is active.
	GracePeriodAware bool
	Fn               CallbackFunc
}

type registeredCallback struct {
	Callback

	mtx     sync.Mutex
	running bool
}

// tryAcquire marks the callback running unless a prior invocation still is.
func (c *registeredCallback) tryAcquire() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.running {
		return false
	}
	c.running = true
	return true
}

func (c *registeredCallback) release() {
	c.mtx.Lock()
	c.running = false
	c.mtx.Unlock()
}

// Options configures a Ticker.
type Options struct {
	// TickInterval is the duration of a single tick. Defaults to one second.
	TickInterval time.Duration
	// GracePeriodTicks is the number of ticks during which grace-aware
	// callbacks are skipped after startup.
	GracePeriodTicks int64
}

// Ticker maintains a monotonically increasing tick count and dispatches
// registered callbacks on their intervals. Launches within one tick happen in
// registration order but run concurrently; successive invocations of the same
// callback are serialized by a per-callback running lock, with overlapping
// invocations dropped rather than queued.
type Ticker struct {
	logger log.Logger
	clock  clock.WithTicker
	opts   Options

	mtx       sync.Mutex
	tick      int64
	heartbeat time.Time
	graceOver bool
	callbacks []*registeredCallback
	names     map[string]struct{}

	ticksTotal       prometheus.Counter
	callbacksSkipped *prometheus.CounterVec
	callbackErrors   *prometheus.CounterVec
}

// New returns a Ticker. A nil logger is replaced by a nop logger and a nil
// registerer skips metric registration.
func New(logger log.Logger, reg prometheus.Registerer, opts Options) *Ticker {
	return newTicker(logger, reg, clock.RealClock{}, opts)
}

func newTicker(logger log.Logger, reg prometheus.Registerer, c clock.WithTicker, opts Options) *Ticker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.TickInterval == 0 {
		opts.TickInterval = time.Second
	}
	t := &Ticker{
		logger: logger,
		clock:  c,
		opts:   opts,
		names:  map[string]struct{}{},
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_ticks_total",
			Help: "Total number of ticks processed by the central timer.",
		}),
		callbacksSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_callbacks_skipped_total",
			Help: "Callback invocations dropped because a prior invocation was still running.",
		}, []string{"callback"}),
		callbackErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_callback_errors_total",
			Help: "Callback invocations that terminated with a panic.",
		}, []string{"callback"}),
	}
	if reg != nil {
		reg.MustRegister(t.ticksTotal, t.callbacksSkipped, t.callbackErrors)
	}
	return t
}

// Register adds a callback to the registry. Registrations with a name that is
// already taken are rejected.
func (t *Ticker) Register(cb Callback) error {
	if cb.Name == "" {
		return fmt.Errorf("callback name must not be empty")
	}
	if cb.IntervalTicks < 1 {
		return fmt.Errorf("callback %q: interval ticks must be >= 1, got %d", cb.Name, cb.IntervalTicks)
	}
	if cb.Fn == nil {
		return fmt.Errorf("callback %q: function must not be nil", cb.Name)
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if _, ok := t.names[cb.Name]; ok {
		level.Warn(t.logger).Log("msg", "rejecting duplicate callback registration", "callback", cb.Name)
		return fmt.Errorf("callback %q already registered", cb.Name)
	}
	t.names[cb.Name] = struct{}{}
	t.callbacks = append(t.callbacks, &registeredCallback{Callback: cb})
	return nil
}

// TickCount returns the current tick count.
func (t *Ticker) TickCount() int64 {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.tick
}

// HeartbeatTimestamp returns the wall clock time observed at the last tick.
func (t *Ticker) HeartbeatTimestamp() time.Time {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.heartbeat
}

// TickInterval returns the duration of one tick.
func (t *Ticker) TickInterval() time.Duration {
	return t.opts.TickInterval
}

// GracePeriodTicks returns the configured startup grace period in ticks.
func (t *Ticker) GracePeriodTicks() int64 {
	return t.opts.GracePeriodTicks
}

// IsGracePeriodActive reports whether the startup grace period is still
// active. Once the tick count reaches the grace period length it latches
// false.
func (t *Ticker) IsGracePeriodActive() bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return !t.graceOver
}

// Run executes the tick loop until the context is canceled. Cancellation
// propagates to in-flight callbacks through their context.
func (t *Ticker) Run(ctx context.Context) error {
	ticker := t.clock.NewTicker(t.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			t.doTick(ctx)
		}
	}
}

// doTick advances the tick count once and dispatches due callbacks.
func (t *Ticker) doTick(ctx context.Context) {
	t.mtx.Lock()
	t.tick++
	t.heartbeat = t.clock.Now()
	if !t.graceOver && t.tick >= t.opts.GracePeriodTicks {
		t.graceOver = true
	}
	var (
		tick      = t.tick
		grace     = !t.graceOver
		callbacks = make([]*registeredCallback, len(t.callbacks))
	)
	copy(callbacks, t.callbacks)
	t.mtx.Unlock()

	t.ticksTotal.Inc()

	// All callbacks launched within one tick share a single correlation ID.
	correlationID := newCorrelationID(tick)

	for _, cb := range callbacks {
		if tick%cb.IntervalTicks != 0 {
			continue
		}
		if cb.GracePeriodAware && grace {
			continue
		}
		if !cb.tryAcquire() {
			t.callbacksSkipped.WithLabelValues(cb.Name).Inc()
			level.Warn(t.logger).Log("msg", "skipping callback, prior invocation still running",
				"callback", cb.Name, "tick", tick, "correlation_id", correlationID)
			continue
		}
		go t.invoke(ctx, cb, tick, correlationID)
	}
}

// invoke runs a single callback invocation and releases its running lock.
// Panics are counted and logged but deliberately do not stamp the liveness
// vector; a repeatedly panicking callback thus turns unhealthy within two of
// its intervals.
func (t *Ticker) invoke(ctx context.Context, cb *registeredCallback, tick int64, correlationID string) {
	defer cb.release()
	defer func() {
		if r := recover(); r != nil {
			t.callbackErrors.WithLabelValues(cb.Name).Inc()
			level.Error(t.logger).Log("msg", "callback panicked", "callback", cb.Name,
				"tick", tick, "correlation_id", correlationID, "panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	cb.Fn(ctx, tick, correlationID)
}

// newCorrelationID builds a per-tick correlation identifier of the form
// tick-<5-digit-tick>-<8-char-random>.
func newCorrelationID(tick int64) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("tick-%05d-%s", tick, suffix)
}
