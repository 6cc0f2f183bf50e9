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

// Package heartbeat implements the self-diagnosing heartbeat service: a NOC
// heartbeat through the regular two-phase protocol plus a leader-only
// on-disk heartbeat file consumed by an external monitor. When the liveness
// vector or the NOC circuit breaker degrades, the service writes one final
// diagnostic file and goes quiet until recovery.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoogleCloudPlatform/argus/pkg/noc"
	"github.com/GoogleCloudPlatform/argus/pkg/ticker"
)

// SuppressionKey identifies the heartbeat exchange downstream.
const SuppressionKey = "argus-heartbeat"

// Unhealthy reasons written into the final diagnostic file.
const (
	ReasonLivenessFailure = "LIVENESS_FAILURE"
	ReasonNocFailure      = "NOC_FAILURE"
)

// Exchanger runs the two-phase send/verify protocol for one payload. The NOC
// dispatcher satisfies this.
type Exchanger interface {
	Exchange(ctx context.Context, key string, p noc.Payload) error
}

// Options configures the heartbeat service.
type Options struct {
	// FileEnabled and FilePath control the leader-only heartbeat file.
	FileEnabled bool
	FilePath    string
	// HTTPEnabled controls the NOC heartbeat exchange.
	HTTPEnabled bool
	// Message and Source go into the NOC heartbeat payload.
	Message string
	Source  string
}

// BreakerDocument is the circuit breaker section of the heartbeat file.
type BreakerDocument struct {
	IsHealthy           bool  `json:"isHealthy"`
	ConsecutiveFailures int64 `json:"consecutiveFailures"`
	FailureThreshold    int64 `json:"failureThreshold"`
}

// LivenessDocument is the liveness vector section of the heartbeat file.
type LivenessDocument struct {
	IsHealthy        bool                   `json:"isHealthy"`
	TotalCount       int                    `json:"totalCount"`
	HealthyCount     int                    `json:"healthyCount"`
	UnhealthyCount   int                    `json:"unhealthyCount"`
	Callbacks        []ticker.LivenessEntry `json:"callbacks"`
	UnhealthyDetails []ticker.LivenessEntry `json:"unhealthyDetails,omitempty"`
}

// Document is the heartbeat file content. External monitors parse it and
// alert when the file stops updating or reports UNHEALTHY.
type Document struct {
	Tick              int64            `json:"tick"`
	CorrelationID     string           `json:"correlationId"`
	Status            string           `json:"status"`
	UnhealthyReason   string           `json:"unhealthyReason,omitempty"`
	NocCircuitBreaker BreakerDocument  `json:"nocCircuitBreaker"`
	LivenessVector    LivenessDocument `json:"livenessVector"`
}

// Service is the heartbeat callback. Both leader and follower run it; only
// the leader writes files.
type Service struct {
	logger    log.Logger
	liveness  *ticker.Liveness
	health    *noc.Health
	leader    noc.LeaderStatus
	exchanger Exchanger
	opts      Options

	// Edge state, touched only by the single callback invocation at a time.
	wasLivenessUnhealthy bool
	wasBreakerTripped    bool

	filesWritten prometheus.Counter
}

// New returns the heartbeat service.
func New(logger log.Logger, reg prometheus.Registerer, liveness *ticker.Liveness, health *noc.Health, leader noc.LeaderStatus, exchanger Exchanger, opts Options) (*Service, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.FileEnabled && opts.FilePath == "" {
		return nil, fmt.Errorf("heartbeat file enabled but no destination path configured")
	}
	if opts.Message == "" {
		opts.Message = "argus heartbeat"
	}
	if opts.Source == "" {
		opts.Source = "argus"
	}
	s := &Service{
		logger:    logger,
		liveness:  liveness,
		health:    health,
		leader:    leader,
		exchanger: exchanger,
		opts:      opts,
		filesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_heartbeat_files_written_total",
			Help: "Heartbeat files written, final diagnostics included.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.filesWritten)
	}
	return s, nil
}

// Tick runs one heartbeat round. Registered as a non-grace-aware central
// timer callback.
func (s *Service) Tick(ctx context.Context, tick int64, correlationID string) {
	unhealthy := s.liveness.UnhealthyCallbacks(tick)

	if len(unhealthy) > 0 {
		if !s.wasLivenessUnhealthy {
			s.wasLivenessUnhealthy = true
			level.Warn(s.logger).Log("msg", "liveness degraded, writing final diagnostic",
				"unhealthy_callbacks", len(unhealthy), "tick", tick, "correlation_id", correlationID)
			s.writeFile(tick, correlationID, ReasonLivenessFailure, unhealthy)
		}
		// Quiet until the stalled callbacks resume stamping.
		return
	}
	if s.wasLivenessUnhealthy {
		s.wasLivenessUnhealthy = false
		level.Info(s.logger).Log("msg", "liveness recovered, resuming heartbeats", "tick", tick, "correlation_id", correlationID)
	}

	if s.opts.HTTPEnabled && s.exchanger != nil {
		p := noc.Payload{
			Level:          noc.LevelCancel,
			Message:        s.opts.Message,
			Source:         s.opts.Source,
			SuppressionKey: SuppressionKey,
			Visible:        false,
		}
		if err := s.exchanger.Exchange(ctx, SuppressionKey, p); err != nil {
			level.Warn(s.logger).Log("msg", "NOC heartbeat failed", "err", err, "correlation_id", correlationID)
		}
	}

	if !s.health.IsHealthy() {
		if !s.wasBreakerTripped {
			s.wasBreakerTripped = true
			level.Warn(s.logger).Log("msg", "circuit breaker tripped, writing final diagnostic",
				"tick", tick, "correlation_id", correlationID)
			s.writeFile(tick, correlationID, ReasonNocFailure, nil)
		}
		return
	}
	if s.wasBreakerTripped {
		s.wasBreakerTripped = false
		level.Info(s.logger).Log("msg", "circuit breaker recovered, resuming file heartbeats",
			"tick", tick, "correlation_id", correlationID)
	}

	s.writeFile(tick, correlationID, "", nil)
}

// writeFile writes the heartbeat document atomically via temp file and
// rename. Leader-only; no-op when the file output is disabled.
func (s *Service) writeFile(tick int64, correlationID, unhealthyReason string, unhealthy []ticker.LivenessEntry) {
	if !s.opts.FileEnabled || !s.leader.IsLeader() {
		return
	}

	doc := s.document(tick, correlationID, unhealthyReason, unhealthy)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		level.Error(s.logger).Log("msg", "marshaling heartbeat document failed", "err", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.opts.FilePath), 0o755); err != nil {
		level.Warn(s.logger).Log("msg", "creating heartbeat directory failed", "err", err)
		return
	}
	tmp := s.opts.FilePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		level.Warn(s.logger).Log("msg", "writing heartbeat file failed", "err", err)
		return
	}
	if err := os.Rename(tmp, s.opts.FilePath); err != nil {
		level.Warn(s.logger).Log("msg", "renaming heartbeat file failed", "err", err)
		return
	}
	s.filesWritten.Inc()
}

func (s *Service) document(tick int64, correlationID, unhealthyReason string, unhealthy []ticker.LivenessEntry) Document {
	all := s.liveness.Snapshot()
	status := "HEALTHY"
	if unhealthyReason != "" {
		status = "UNHEALTHY"
	}
	return Document{
		Tick:            tick,
		CorrelationID:   correlationID,
		Status:          status,
		UnhealthyReason: unhealthyReason,
		NocCircuitBreaker: BreakerDocument{
			IsHealthy:           s.health.IsHealthy(),
			ConsecutiveFailures: s.health.ConsecutiveFailures(),
			FailureThreshold:    s.health.FailureThreshold(),
		},
		LivenessVector: LivenessDocument{
			IsHealthy:        len(unhealthy) == 0,
			TotalCount:       len(all),
			HealthyCount:     len(all) - len(unhealthy),
			UnhealthyCount:   len(unhealthy),
			Callbacks:        all,
			UnhealthyDetails: unhealthy,
		},
	}
}
