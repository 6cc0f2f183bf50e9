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

// Package noc implements the downstream NOC integration: the wire payload,
// the HTTP client, the shared circuit breaker, the snapshot selector and the
// single-consumer decision queue with its two-phase send/verify dispatcher.
package noc

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultFailureThreshold trips the circuit breaker after this many
// consecutive failures unless configured otherwise.
const DefaultFailureThreshold = 3

// Health is the NOC circuit breaker: a consecutive-failure counter shared by
// the heartbeat and alert send paths. It is healthy while the counter stays
// below the threshold; a single success resets it.
type Health struct {
	logger    log.Logger
	threshold int64

	mtx      sync.Mutex
	failures int64

	healthyGauge prometheus.Gauge
}

// NewHealth returns a circuit breaker with the given threshold; non-positive
// thresholds fall back to the default.
func NewHealth(logger log.Logger, reg prometheus.Registerer, threshold int) *Health {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	h := &Health{
		logger:    logger,
		threshold: int64(threshold),
		healthyGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "argus_noc_healthy",
			Help: "Whether the NOC circuit breaker is currently healthy (1) or tripped (0).",
		}),
	}
	h.healthyGauge.Set(1)
	if reg != nil {
		reg.MustRegister(h.healthyGauge)
	}
	return h
}

// RecordFailure increments the consecutive-failure counter and logs the
// healthy-to-tripped edge.
func (h *Health) RecordFailure() {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	wasHealthy := h.failures < h.threshold
	h.failures++
	if wasHealthy && h.failures >= h.threshold {
		h.healthyGauge.Set(0)
		level.Warn(h.logger).Log("msg", "NOC circuit breaker tripped",
			"consecutive_failures", h.failures, "threshold", h.threshold)
	}
}

// RecordSuccess resets the counter and logs the tripped-to-healthy edge.
func (h *Health) RecordSuccess() {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	wasTripped := h.failures >= h.threshold
	h.failures = 0
	if wasTripped {
		h.healthyGauge.Set(1)
		level.Info(h.logger).Log("msg", "NOC circuit breaker recovered")
	}
}

// IsHealthy reports whether the consecutive-failure counter is below the
// threshold.
func (h *Health) IsHealthy() bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.failures < h.threshold
}

// ConsecutiveFailures returns the current counter value.
func (h *Health) ConsecutiveFailures() int64 {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.failures
}

// FailureThreshold returns the configured threshold.
func (h *Health) FailureThreshold() int64 {
	return h.threshold
}
