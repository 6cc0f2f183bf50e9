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

// Package sources contains the alert emitters feeding the alerts vector: the
// Kubernetes layer probe, the Alertmanager push ingestor and the status
// filesystem probe.
package sources

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/GoogleCloudPlatform/argus/pkg/alerts"
)

// Fingerprints and priorities of the Kubernetes layer checks. Lower priority
// means more important; the API being unreachable outranks a single unhealthy
// workload.
const (
	FingerprintK8sAPI        = "k8s-layer-api"
	FingerprintK8sPrometheus = "k8s-layer-prometheus"
	FingerprintK8sKSM        = "k8s-layer-ksm"

	PriorityK8sAPI        = -10
	PriorityK8sPrometheus = -9
	PriorityK8sKSM        = -8
)

// newExecutionID returns a short random correlation string for source runs.
func newExecutionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// RestartTrackingOptions bounds how many container restarts within a sliding
// observation window still count as healthy.
type RestartTrackingOptions struct {
	// WindowSize is the number of polling cycles kept per check. Zero
	// disables restart tracking.
	WindowSize int
	// RestartThreshold is the number of restarts within the window at which
	// the check flips unhealthy.
	RestartThreshold int
}

// K8sLayerOptions configures the Kubernetes layer probe.
type K8sLayerOptions struct {
	// Namespace the monitored workloads run in.
	Namespace string
	// PrometheusSelector and KSMSelector are label selectors for the
	// monitored pods.
	PrometheusSelector string
	KSMSelector        string

	RestartTracking RestartTrackingOptions

	// CreateBehavior and CancelBehavior are the payload templates attached to
	// the emitted alerts.
	CreateBehavior alerts.NocBehavior
	CancelBehavior alerts.NocBehavior
}

// CheckResult is the outcome of one layer check, kept for status readers.
type CheckResult struct {
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	Healthy     bool      `json:"healthy"`
	Detail      string    `json:"detail,omitempty"`
	CheckedAt   time.Time `json:"checkedAt"`
}

// restartWindow is a sliding window of observed cumulative restart counts.
type restartWindow struct {
	counts []int
	size   int
}

func (w *restartWindow) observe(total int) {
	w.counts = append(w.counts, total)
	if len(w.counts) > w.size {
		w.counts = w.counts[1:]
	}
}

// delta returns restarts accumulated across the window.
func (w *restartWindow) delta() int {
	if len(w.counts) < 2 {
		return 0
	}
	d := w.counts[len(w.counts)-1] - w.counts[0]
	if d < 0 {
		// Counter went backwards, e.g. the pod was replaced.
		return 0
	}
	return d
}

// K8sLayer probes the Kubernetes control plane and the monitored monitoring
// workloads and keeps the corresponding alerts current in the vector.
type K8sLayer struct {
	logger log.Logger
	client kubernetes.Interface
	ticks  alerts.TickSource
	vector *alerts.Vector
	opts   K8sLayerOptions

	mtx     sync.Mutex
	windows map[string]*restartWindow
	lastRun []CheckResult
}

// NewK8sLayer returns the Kubernetes layer probe.
func NewK8sLayer(logger log.Logger, client kubernetes.Interface, ticks alerts.TickSource, vector *alerts.Vector, opts K8sLayerOptions) (*K8sLayer, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if client == nil {
		return nil, fmt.Errorf("no kubernetes client configured")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("namespace must not be empty")
	}
	if opts.PrometheusSelector == "" {
		opts.PrometheusSelector = "app.kubernetes.io/name=prometheus"
	}
	if opts.KSMSelector == "" {
		opts.KSMSelector = "app.kubernetes.io/name=kube-state-metrics"
	}
	// A windowed tracker with no threshold would flag every poll unhealthy.
	if opts.RestartTracking.WindowSize > 0 && opts.RestartTracking.RestartThreshold < 1 {
		opts.RestartTracking.RestartThreshold = 1
	}
	return &K8sLayer{
		logger:  logger,
		client:  client,
		ticks:   ticks,
		vector:  vector,
		opts:    opts,
		windows: map[string]*restartWindow{},
	}, nil
}

// Results returns the outcomes of the most recent polling cycle.
func (k *K8sLayer) Results() []CheckResult {
	k.mtx.Lock()
	defer k.mtx.Unlock()
	out := make([]CheckResult, len(k.lastRun))
	copy(out, k.lastRun)
	return out
}

// Poll runs all layer checks in parallel and upserts one alert per check.
// Registered as a non-grace-aware central timer callback. Every check always
// emits either CREATE or CANCEL so the vector reflects current state.
func (k *K8sLayer) Poll(ctx context.Context, tick int64, correlationID string) {
	executionID := newExecutionID()

	type check struct {
		name        string
		fingerprint string
		priority    int
		run         func(context.Context) (bool, string)
	}
	checks := []check{
		{"kubernetes API", FingerprintK8sAPI, PriorityK8sAPI, k.checkAPI},
		{"prometheus pods", FingerprintK8sPrometheus, PriorityK8sPrometheus, func(ctx context.Context) (bool, string) {
			return k.checkPods(ctx, FingerprintK8sPrometheus, k.opts.PrometheusSelector)
		}},
		{"kube-state-metrics pods", FingerprintK8sKSM, PriorityK8sKSM, func(ctx context.Context) (bool, string) {
			return k.checkPods(ctx, FingerprintK8sKSM, k.opts.KSMSelector)
		}},
	}

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c check) {
			defer wg.Done()
			healthy, detail := c.run(ctx)
			results[i] = CheckResult{
				Name:        c.name,
				Fingerprint: c.fingerprint,
				Healthy:     healthy,
				Detail:      detail,
				CheckedAt:   k.ticks.HeartbeatTimestamp(),
			}
		}(i, c)
	}
	wg.Wait()

	for i, r := range results {
		status := alerts.StatusCancel
		behavior := k.opts.CancelBehavior
		if !r.Healthy {
			status = alerts.StatusCreate
			behavior = k.opts.CreateBehavior
			level.Warn(k.logger).Log("msg", "kubernetes layer check failed", "check", r.Name,
				"detail", r.Detail, "correlation_id", correlationID)
		}
		err := k.vector.UpdateAlert(alerts.Alert{
			Fingerprint: r.Fingerprint,
			Priority:    checks[i].priority,
			Name:        r.Name,
			Source:      "k8s-layer",
			Status:      status,
			Summary:     r.Detail,
			Payload:     behavior,
			SendToNoc:   true,
			Timestamp:   r.CheckedAt,
			ExecutionID: executionID,
		})
		if err != nil {
			level.Warn(k.logger).Log("msg", "updating layer alert failed", "check", r.Name, "err", err)
		}
	}

	k.mtx.Lock()
	k.lastRun = results
	k.mtx.Unlock()
}

func (k *K8sLayer) checkAPI(_ context.Context) (bool, string) {
	v, err := k.client.Discovery().ServerVersion()
	if err != nil {
		return false, fmt.Sprintf("API server unreachable: %v", err)
	}
	return true, fmt.Sprintf("API server %s reachable", v.GitVersion)
}

func (k *K8sLayer) checkPods(ctx context.Context, fingerprint, selector string) (bool, string) {
	pods, err := k.client.CoreV1().Pods(k.opts.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return false, fmt.Sprintf("listing pods %q failed: %v", selector, err)
	}
	if len(pods.Items) == 0 {
		return false, fmt.Sprintf("no pods match %q in namespace %q", selector, k.opts.Namespace)
	}

	var ready, restarts int
	for _, pod := range pods.Items {
		if podReady(&pod) {
			ready++
		}
		for _, cs := range pod.Status.ContainerStatuses {
			restarts += int(cs.RestartCount)
		}
	}
	if ready == 0 {
		return false, fmt.Sprintf("0/%d pods ready for %q", len(pods.Items), selector)
	}

	if k.opts.RestartTracking.WindowSize > 0 {
		k.mtx.Lock()
		w, ok := k.windows[fingerprint]
		if !ok {
			w = &restartWindow{size: k.opts.RestartTracking.WindowSize}
			k.windows[fingerprint] = w
		}
		w.observe(restarts)
		delta := w.delta()
		k.mtx.Unlock()

		if delta >= k.opts.RestartTracking.RestartThreshold {
			return false, fmt.Sprintf("%d restarts within window for %q", delta, selector)
		}
	}
	return true, fmt.Sprintf("%d/%d pods ready for %q", ready, len(pods.Items), selector)
}

func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
