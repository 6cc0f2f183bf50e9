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

// Package web exposes the HTTP surface: the Alertmanager-compatible push
// endpoint, JSON status readers, Kubernetes probes and Prometheus metrics.
package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoogleCloudPlatform/argus/pkg/alerts"
	"github.com/GoogleCloudPlatform/argus/pkg/noc"
	"github.com/GoogleCloudPlatform/argus/pkg/sources"
	"github.com/GoogleCloudPlatform/argus/pkg/ticker"
	"github.com/GoogleCloudPlatform/argus/pkg/watchdog"
)

// TickSource is the slice of the central timer the status readers expose.
type TickSource interface {
	TickCount() int64
	HeartbeatTimestamp() time.Time
	IsGracePeriodActive() bool
}

// LeaderStatus is the slice of leader election the status readers expose.
type LeaderStatus interface {
	IsLeader() bool
	Holder() string
	Identity() string
}

// Options wires the handler to its collaborators.
type Options struct {
	Ticks    TickSource
	Liveness *ticker.Liveness
	Health   *noc.Health
	Leader   LeaderStatus
	Watchdog *watchdog.Watchdog
	K8sLayer *sources.K8sLayer
	Push     *sources.PromPush
	Vector   *alerts.Vector
	Gatherer prometheus.Gatherer
}

// Handler serves the argus HTTP API.
type Handler struct {
	logger log.Logger
	opts   Options
	router chi.Router
}

// New builds the router.
func New(logger log.Logger, opts Options) *Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	h := &Handler{logger: logger, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/api/v2/alerts", h.postAlerts)
	r.Get("/api/alerts", h.getAlerts)
	r.Get("/api/health", h.getHealth)
	r.Get("/api/watchdog", h.getWatchdog)
	r.Get("/api/k8s/health", h.getK8sHealth)
	r.Get("/livez", h.livez)
	r.Get("/readyz", h.readyz)
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	h.router = r
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Warn(h.logger).Log("msg", "encoding response failed", "err", err)
	}
}

// postAlerts accepts an Alertmanager-v2-compatible batch. The response is
// always empty; per-alert filtering happens in the ingestor.
func (h *Handler) postAlerts(w http.ResponseWriter, r *http.Request) {
	var batch []sources.PostedAlert
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, "malformed alert batch", http.StatusBadRequest)
		return
	}
	h.opts.Push.Ingest(batch)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) getAlerts(w http.ResponseWriter, _ *http.Request) {
	snapshot := h.opts.Vector.GetSnapshot()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(snapshot),
		"alerts": snapshot,
	})
}

func (h *Handler) getHealth(w http.ResponseWriter, _ *http.Request) {
	tick := h.opts.Ticks.TickCount()
	unhealthy := h.opts.Liveness.UnhealthyCallbacks(tick)

	h.writeJSON(w, http.StatusOK, map[string]any{
		"tick":              tick,
		"lastTickAt":        h.opts.Ticks.HeartbeatTimestamp(),
		"gracePeriodActive": h.opts.Ticks.IsGracePeriodActive(),
		"isLeader":          h.opts.Leader.IsLeader(),
		"leaseHolder":       h.opts.Leader.Holder(),
		"identity":          h.opts.Leader.Identity(),
		"livenessVector": map[string]any{
			"isHealthy":        len(unhealthy) == 0,
			"callbacks":        h.opts.Liveness.Snapshot(),
			"unhealthyDetails": unhealthy,
		},
		"nocCircuitBreaker": map[string]any{
			"isHealthy":           h.opts.Health.IsHealthy(),
			"consecutiveFailures": h.opts.Health.ConsecutiveFailures(),
			"failureThreshold":    h.opts.Health.FailureThreshold(),
		},
	})
}

func (h *Handler) getWatchdog(w http.ResponseWriter, _ *http.Request) {
	lastTick, seen := h.opts.Watchdog.LastHeartbeatTick()
	resp := map[string]any{
		"status":    h.opts.Watchdog.Status(),
		"alertName": h.opts.Watchdog.AlertName(),
	}
	if seen {
		resp["lastHeartbeatTick"] = lastTick
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getK8sHealth(w http.ResponseWriter, _ *http.Request) {
	results := h.opts.K8sLayer.Results()
	healthy := true
	for _, r := range results {
		healthy = healthy && r.Healthy
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"isHealthy": healthy,
		"checks":    results,
	})
}

func (h *Handler) livez(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readyz reports 503 while any registered callback is stalled, so Kubernetes
// routes traffic away from a wedged replica.
func (h *Handler) readyz(w http.ResponseWriter, _ *http.Request) {
	tick := h.opts.Ticks.TickCount()
	if unhealthy := h.opts.Liveness.UnhealthyCallbacks(tick); len(unhealthy) > 0 {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":           "unavailable",
			"unhealthyDetails": unhealthy,
		})
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
