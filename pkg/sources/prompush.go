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

package sources

import (
	"encoding/json"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/alertmanager/api/v2/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"

	"github.com/GoogleCloudPlatform/argus/pkg/alerts"
)

// Label and annotation keys understood by the push ingestor.
const (
	labelPlatform      = "platform"
	labelAlertname     = "alertname"
	annotationPriority = "priority"
	annotationSummary  = "summary"
	annotationDesc     = "description"

	// platformValue is the label value selecting alerts addressed to us.
	platformValue = "argus"
)

// Alert statuses on the Alertmanager v2 wire.
const (
	promStatusFiring   = "firing"
	promStatusResolved = "resolved"
)

// PostedAlert is one element of the Alertmanager-v2-compatible push body. The
// senders we accept from additionally carry the alert status and fingerprint,
// which plain PostableAlert does not.
type PostedAlert struct {
	models.PostableAlert

	Status      string `json:"status,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// UnmarshalJSON decodes the embedded PostableAlert and then the extra fields.
// The model's generated decoder is promoted through the embedding and would
// otherwise drop status and fingerprint.
func (a *PostedAlert) UnmarshalJSON(data []byte) error {
	if err := a.PostableAlert.UnmarshalJSON(data); err != nil {
		return err
	}
	var extra struct {
		Status      string `json:"status"`
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	a.Status = extra.Status
	a.Fingerprint = extra.Fingerprint
	return nil
}

// HeartbeatSink receives watchdog heartbeats extracted from the push stream.
type HeartbeatSink interface {
	AlertName() string
	RecordHeartbeat()
}

// PromPush converts pushed Alertmanager alerts into vector updates. It is
// event-driven and never touches the central timer.
type PromPush struct {
	logger   log.Logger
	ticks    alerts.TickSource
	vector   *alerts.Vector
	watchdog HeartbeatSink

	createBehavior alerts.NocBehavior
	cancelBehavior alerts.NocBehavior

	received prometheus.Counter
	filtered prometheus.Counter
}

// NewPromPush returns the push ingestor. The behaviors are the DefaultNoc
// payload templates applied per status.
func NewPromPush(logger log.Logger, reg prometheus.Registerer, ticks alerts.TickSource, vector *alerts.Vector, watchdog HeartbeatSink, createBehavior, cancelBehavior alerts.NocBehavior) *PromPush {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	p := &PromPush{
		logger:         logger,
		ticks:          ticks,
		vector:         vector,
		watchdog:       watchdog,
		createBehavior: createBehavior,
		cancelBehavior: cancelBehavior,
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_alerts_received_total",
			Help: "Number of alerts received on the push endpoint.",
		}),
		filtered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_alerts_filtered_total",
			Help: "Number of pushed alerts dropped for lacking the argus platform label.",
		}),
	}
	if reg != nil {
		reg.MustRegister(p.received, p.filtered)
	}
	return p
}

// Ingest processes one pushed batch. Alerts not addressed to the argus
// platform are counted and dropped; watchdog heartbeats feed only the
// watchdog; everything else is upserted into the vector with a fresh
// per-alert execution ID.
func (p *PromPush) Ingest(batch []PostedAlert) {
	for _, pa := range batch {
		p.received.Inc()

		if pa.Labels[labelPlatform] != platformValue {
			p.filtered.Inc()
			continue
		}

		status, ok := statusFromWire(pa.Status)
		if !ok {
			level.Warn(p.logger).Log("msg", "dropping alert with unknown status", "status", pa.Status,
				"alertname", pa.Labels[labelAlertname])
			continue
		}

		name := pa.Labels[labelAlertname]
		if p.watchdog != nil && name == p.watchdog.AlertName() {
			if status == alerts.StatusCreate {
				p.watchdog.RecordHeartbeat()
			}
			continue
		}

		a := p.convert(pa, name, status)
		if err := p.vector.UpdateAlert(a); err != nil {
			level.Warn(p.logger).Log("msg", "updating pushed alert failed", "err", err, "alertname", name)
		}
	}
}

func (p *PromPush) convert(pa PostedAlert, name string, status alerts.Status) alerts.Alert {
	behavior := p.createBehavior
	if status == alerts.StatusCancel {
		behavior = p.cancelBehavior
	}

	annotations := make(map[string]string, len(pa.Annotations))
	for k, v := range pa.Annotations {
		annotations[k] = v
	}

	return alerts.Alert{
		Fingerprint: fingerprintFor(pa),
		Priority:    priorityFrom(annotations),
		Name:        name,
		Source:      "prometheus",
		Status:      status,
		Summary:     annotations[annotationSummary],
		Description: annotations[annotationDesc],
		Payload:     behavior,
		SendToNoc:   true,
		Annotations: annotations,
		Timestamp:   p.ticks.HeartbeatTimestamp(),
		ExecutionID: newExecutionID(),
	}
}

func statusFromWire(s string) (alerts.Status, bool) {
	switch s {
	case promStatusFiring:
		return alerts.StatusCreate, true
	case promStatusResolved:
		return alerts.StatusCancel, true
	}
	return "", false
}

// fingerprintFor prefers the fingerprint the sender computed; otherwise it is
// derived from the label set, matching Prometheus semantics.
func fingerprintFor(pa PostedAlert) string {
	if pa.Fingerprint != "" {
		return pa.Fingerprint
	}
	ls := make(model.LabelSet, len(pa.Labels))
	for k, v := range pa.Labels {
		ls[model.LabelName(k)] = model.LabelValue(v)
	}
	return ls.Fingerprint().String()
}

// priorityFrom reads the priority annotation. Pushed alerts always rank at or
// below the infrastructure checks, so negative values are clamped to zero.
func priorityFrom(annotations map[string]string) int {
	raw, ok := annotations[annotationPriority]
	if !ok {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
