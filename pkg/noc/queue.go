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

package noc

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoogleCloudPlatform/argus/pkg/alerts"
)

// DecisionKind tags the decision variant.
type DecisionKind int

const (
	// DecisionCreate carries the single highest-priority CREATE of a snapshot.
	DecisionCreate DecisionKind = iota + 1
	// DecisionCancels carries all unsuppressed CANCELs of a snapshot.
	DecisionCancels
)

// Decision is one unit of work produced by the snapshot and consumed by the
// dispatcher.
type Decision struct {
	Kind          DecisionKind
	Alert         alerts.Alert
	Alerts        []alerts.Alert
	SnapshotTime  time.Time
	CorrelationID string
}

// Queue is a FIFO of decisions drained by exactly one dispatcher worker.
type Queue struct {
	mtx   sync.Mutex
	items []Decision
	depth prometheus.Gauge
}

// NewQueue returns an empty queue.
func NewQueue(reg prometheus.Registerer) *Queue {
	q := &Queue{
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "argus_noc_queue_depth",
			Help: "Number of decisions waiting in the NOC dispatch queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(q.depth)
	}
	return q
}

// Enqueue appends a decision.
func (q *Queue) Enqueue(d Decision) {
	q.mtx.Lock()
	q.items = append(q.items, d)
	q.depth.Set(float64(len(q.items)))
	q.mtx.Unlock()
}

func (q *Queue) dequeue() (Decision, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if len(q.items) == 0 {
		return Decision{}, false
	}
	d := q.items[0]
	q.items = q.items[1:]
	q.depth.Set(float64(len(q.items)))
	return d, true
}

// Len returns the number of queued decisions.
func (q *Queue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.items)
}

// LeaderStatus is the slice of leader election the dispatcher depends on.
type LeaderStatus interface {
	IsLeader() bool
}

// DispatcherOptions tune the worker loop.
type DispatcherOptions struct {
	// Enabled is the master kill switch for all NOC HTTP traffic. When
	// false, cancels still remove their alerts from the vector.
	Enabled bool
	// IdleWait is how long the worker sleeps when the queue is empty.
	// Defaults to 100ms.
	IdleWait time.Duration
	// ErrorBackoff is how long the worker sleeps after a failed dispatch.
	// Defaults to one second.
	ErrorBackoff time.Duration
}

// Dispatcher drains the queue and runs the two-phase send/verify protocol
// per alert: phase one (send) only on the leader, phase two (verify) on both
// leader and follower. Phase-two outcomes drive the circuit breaker,
// suppression retries and vector removal.
type Dispatcher struct {
	logger log.Logger
	queue  *Queue
	vector *alerts.Vector
	supp   *alerts.SuppressionCache
	health *Health
	client *Client
	leader LeaderStatus
	opts   DispatcherOptions

	// Payloads sent in phase one, keyed by fingerprint. Read during phase
	// two, also by the follower which never populated it.
	sentMtx sync.Mutex
	sent    map[string]Payload

	sendFailures   prometheus.Counter
	verifyFailures prometheus.Counter
	dispatched     prometheus.Counter
}

// NewDispatcher wires the dispatcher to its collaborators.
func NewDispatcher(
	logger log.Logger,
	reg prometheus.Registerer,
	queue *Queue,
	vector *alerts.Vector,
	supp *alerts.SuppressionCache,
	health *Health,
	client *Client,
	leader LeaderStatus,
	opts DispatcherOptions,
) *Dispatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = 100 * time.Millisecond
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = time.Second
	}
	d := &Dispatcher{
		logger: logger,
		queue:  queue,
		vector: vector,
		supp:   supp,
		health: health,
		client: client,
		leader: leader,
		opts:   opts,
		sent:   map[string]Payload{},
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_noc_send_failures_total",
			Help: "Failed phase-one NOC send attempts.",
		}),
		verifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_noc_verify_failures_total",
			Help: "Failed phase-two NOC verify attempts, including comparison mismatches.",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_noc_decisions_dispatched_total",
			Help: "Decisions taken off the NOC queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(d.sendFailures, d.verifyFailures, d.dispatched)
	}
	return d
}

// Run drains the queue until the context is canceled. Decisions are
// processed strictly in enqueue order, one at a time.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		dec, ok := d.queue.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.opts.IdleWait):
			}
			continue
		}
		d.dispatched.Inc()
		if err := d.process(ctx, dec); err != nil {
			level.Warn(d.logger).Log("msg", "dispatch failed, backing off",
				"correlation_id", dec.CorrelationID, "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.opts.ErrorBackoff):
			}
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, dec Decision) error {
	switch dec.Kind {
	case DecisionCreate:
		return d.dispatchCreate(ctx, dec)
	case DecisionCancels:
		var lastErr error
		for _, a := range dec.Alerts {
			if err := d.dispatchCancel(ctx, dec, a); err != nil {
				lastErr = err
			}
		}
		return lastErr
	default:
		level.Warn(d.logger).Log("msg", "discarding unknown decision kind",
			"kind", int(dec.Kind), "correlation_id", dec.CorrelationID)
		return nil
	}
}

// currentAlert re-reads the alert by fingerprint and checks it still matches
// the decision's intent. The lag between snapshot and dispatch makes this
// re-check necessary.
func (d *Dispatcher) currentAlert(fingerprint string, want alerts.Status, correlationID string) (alerts.Alert, bool) {
	cur, ok := d.vector.Get(fingerprint)
	if !ok || cur.Status != want {
		level.Debug(d.logger).Log("msg", "dropping stale decision", "fingerprint", fingerprint,
			"wanted_status", want, "present", ok, "correlation_id", correlationID)
		return alerts.Alert{}, false
	}
	return cur, true
}

func (d *Dispatcher) dispatchCreate(ctx context.Context, dec Decision) error {
	cur, ok := d.currentAlert(dec.Alert.Fingerprint, alerts.StatusCreate, dec.CorrelationID)
	if !ok {
		return nil
	}
	if !cur.SendToNoc || !d.opts.Enabled {
		return nil
	}
	if err := d.Exchange(ctx, cur.Fingerprint, PayloadFromAlert(cur)); err != nil {
		// Allow the next snapshot to retry the create.
		d.supp.UnmarkAsProcessed(cur)
		return err
	}
	// A successful CREATE round-trip leaves the alert active in the vector
	// until a future CANCEL closes it.
	return nil
}

func (d *Dispatcher) dispatchCancel(ctx context.Context, dec Decision, a alerts.Alert) error {
	cur, ok := d.currentAlert(a.Fingerprint, alerts.StatusCancel, dec.CorrelationID)
	if !ok {
		return nil
	}
	if !cur.SendToNoc || !d.opts.Enabled {
		// No HTTP round-trip required; the incident is closed locally.
		d.vector.RemoveAlert(cur.Fingerprint)
		d.dropSent(cur.Fingerprint)
		return nil
	}
	if err := d.Exchange(ctx, cur.Fingerprint, PayloadFromAlert(cur)); err != nil {
		// Keep the alert so the next snapshot retries the cancel.
		d.supp.UnmarkAsProcessed(cur)
		return err
	}
	d.vector.RemoveAlert(cur.Fingerprint)
	d.dropSent(cur.Fingerprint)
	return nil
}

// Exchange runs the two-phase protocol for one payload under the given
// cache key. Phase one posts to the send endpoint on the leader only; its
// failure is logged but does not short-circuit phase two, as the receiver may
// have accepted the write despite an error. Phase two verifies against the
// previously sent payload, or the given one when none was cached (typically
// on the follower). The outcome is recorded on the circuit breaker.
func (d *Dispatcher) Exchange(ctx context.Context, key string, p Payload) error {
	p = d.client.FillDefaults(p)

	if d.leader.IsLeader() {
		if err := d.client.Send(ctx, p); err != nil {
			d.sendFailures.Inc()
			level.Warn(d.logger).Log("msg", "NOC send failed", "suppression_key", p.SuppressionKey, "err", err)
		} else {
			d.storeSent(key, p)
		}
	}

	sent, ok := d.loadSent(key)
	if !ok {
		sent = p
	}
	if err := d.client.Verify(ctx, sent); err != nil {
		d.verifyFailures.Inc()
		d.health.RecordFailure()
		return err
	}
	d.health.RecordSuccess()
	return nil
}

func (d *Dispatcher) storeSent(key string, p Payload) {
	d.sentMtx.Lock()
	d.sent[key] = p
	d.sentMtx.Unlock()
}

func (d *Dispatcher) loadSent(key string) (Payload, bool) {
	d.sentMtx.Lock()
	defer d.sentMtx.Unlock()
	p, ok := d.sent[key]
	return p, ok
}

func (d *Dispatcher) dropSent(key string) {
	d.sentMtx.Lock()
	delete(d.sent, key)
	d.sentMtx.Unlock()
}
