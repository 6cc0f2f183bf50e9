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

// Package lease implements leader election on top of a Kubernetes
// coordination.k8s.io/v1 Lease. All replicas run the same renewal step on
// the central timer; exactly one of them holds the lease at a time.
package lease

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"
)

// Options configures a Lease.
type Options struct {
	// LeaseName is the Lease resource name.
	LeaseName string
	// Namespace the Lease lives in.
	Namespace string
	// Identity is this replica's holder identity.
	Identity string
	// LeaseDuration is how long a lease is considered held after its last
	// renewal. Must exceed the renewal interval.
	LeaseDuration time.Duration
}

// DefaultIdentity returns the replica identity: the POD_NAME environment
// variable when present, otherwise a fresh random identifier.
func DefaultIdentity() string {
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	return "argus-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Lease acquires and renews the Kubernetes lease and publishes leadership
// transitions to registered hooks. Transitions are edge-triggered: hooks run
// only on an actual flip of the leader flag.
type Lease struct {
	logger log.Logger
	client kubernetes.Interface
	opts   Options
	clock  clock.PassiveClock

	mtx           sync.Mutex
	isLeader      bool
	currentHolder string
	changeHooks   []func(isLeader bool)

	leaderGauge prometheus.Gauge
	transitions prometheus.Counter
}

// New validates the options and returns a Lease.
func New(logger log.Logger, reg prometheus.Registerer, client kubernetes.Interface, opts Options) (*Lease, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if client == nil {
		return nil, fmt.Errorf("no kubernetes client configured")
	}
	if opts.LeaseName == "" || opts.Namespace == "" {
		return nil, fmt.Errorf("lease name and namespace must not be empty")
	}
	if opts.Identity == "" {
		opts.Identity = DefaultIdentity()
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 30 * time.Second
	}
	l := &Lease{
		logger: logger,
		client: client,
		opts:   opts,
		clock:  clock.RealClock{},
		leaderGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "argus_leader",
			Help: "Whether this replica currently holds the leader lease.",
		}),
		transitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_leader_transitions_total",
			Help: "Number of leadership transitions observed by this replica.",
		}),
	}
	if reg != nil {
		reg.MustRegister(l.leaderGauge, l.transitions)
	}
	return l, nil
}

// Register adds a hook invoked on leadership transitions. Hooks run under
// the lease lock and must not block.
func (l *Lease) Register(h func(isLeader bool)) {
	l.mtx.Lock()
	l.changeHooks = append(l.changeHooks, h)
	l.mtx.Unlock()
}

// IsLeader reports whether this replica currently holds the lease.
func (l *Lease) IsLeader() bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.isLeader
}

// Holder returns the identity last observed as the lease holder.
func (l *Lease) Holder() string {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.currentHolder
}

// Identity returns this replica's holder identity.
func (l *Lease) Identity() string {
	return l.opts.Identity
}

func (l *Lease) setLeader() {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.currentHolder = l.opts.Identity
	if l.isLeader {
		return
	}
	l.isLeader = true
	l.leaderGauge.Set(1)
	l.transitions.Inc()
	level.Info(l.logger).Log("msg", "gained leadership", "identity", l.opts.Identity)
	for _, h := range l.changeHooks {
		h(true)
	}
}

func (l *Lease) unsetLeader(holder string) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.currentHolder = holder
	if !l.isLeader {
		return
	}
	l.isLeader = false
	l.leaderGauge.Set(0)
	l.transitions.Inc()
	level.Info(l.logger).Log("msg", "lost leadership", "identity", l.opts.Identity, "holder", holder)
	for _, h := range l.changeHooks {
		h(false)
	}
}

// Tick runs one step of the acquire/renew state machine. Registered as a
// non-grace-aware central timer callback on the renewal interval.
func (l *Lease) Tick(ctx context.Context, _ int64, correlationID string) {
	if l.IsLeader() {
		l.renew(ctx, correlationID)
	} else {
		l.acquire(ctx, correlationID)
	}
}

func (l *Lease) renew(ctx context.Context, correlationID string) {
	leases := l.client.CoordinationV1().Leases(l.opts.Namespace)

	lease, err := leases.Get(ctx, l.opts.LeaseName, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		level.Warn(l.logger).Log("msg", "lease disappeared, demoting", "correlation_id", correlationID)
		l.unsetLeader("")
		return
	case err != nil:
		level.Warn(l.logger).Log("msg", "reading lease for renewal failed", "err", err, "correlation_id", correlationID)
		return
	}

	if holder := ptr.Deref(lease.Spec.HolderIdentity, ""); holder != l.opts.Identity {
		level.Warn(l.logger).Log("msg", "lease holder changed, demoting", "holder", holder, "correlation_id", correlationID)
		l.unsetLeader(holder)
		return
	}

	now := metav1.NewMicroTime(l.clock.Now())
	lease.Spec.RenewTime = &now
	if _, err := leases.Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		if apierrors.IsConflict(err) || apierrors.IsNotFound(err) {
			level.Warn(l.logger).Log("msg", "lease renewal rejected, demoting", "err", err, "correlation_id", correlationID)
			l.unsetLeader("")
			return
		}
		level.Warn(l.logger).Log("msg", "lease renewal failed", "err", err, "correlation_id", correlationID)
		return
	}
	level.Debug(l.logger).Log("msg", "lease renewed", "correlation_id", correlationID)
}

func (l *Lease) acquire(ctx context.Context, correlationID string) {
	leases := l.client.CoordinationV1().Leases(l.opts.Namespace)
	now := metav1.NewMicroTime(l.clock.Now())

	lease, err := leases.Get(ctx, l.opts.LeaseName, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		_, err := leases.Create(ctx, &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{Name: l.opts.LeaseName, Namespace: l.opts.Namespace},
			Spec: coordinationv1.LeaseSpec{
				HolderIdentity:       ptr.To(l.opts.Identity),
				LeaseDurationSeconds: ptr.To(int32(l.opts.LeaseDuration / time.Second)),
				AcquireTime:          &now,
				RenewTime:            &now,
			},
		}, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			// Someone else created it first; evaluate the fresh lease now
			// instead of waiting a full renewal interval.
			l.acquire(ctx, correlationID)
			return
		}
		if err != nil {
			level.Warn(l.logger).Log("msg", "creating lease failed", "err", err, "correlation_id", correlationID)
			return
		}
		l.setLeader()
		return
	case err != nil:
		level.Warn(l.logger).Log("msg", "reading lease for acquisition failed", "err", err, "correlation_id", correlationID)
		return
	}

	var (
		holder  = ptr.Deref(lease.Spec.HolderIdentity, "")
		expired = lease.Spec.RenewTime == nil ||
			l.clock.Now().Sub(lease.Spec.RenewTime.Time) > l.opts.LeaseDuration
	)
	if !expired && holder != l.opts.Identity {
		l.unsetLeader(holder)
		return
	}

	// The lease expired or we held it before: claim it. Keep the prior
	// acquire time when re-claiming our own lease.
	if holder != l.opts.Identity || lease.Spec.AcquireTime == nil {
		lease.Spec.AcquireTime = &now
	}
	lease.Spec.HolderIdentity = ptr.To(l.opts.Identity)
	lease.Spec.RenewTime = &now
	lease.Spec.LeaseDurationSeconds = ptr.To(int32(l.opts.LeaseDuration / time.Second))

	if _, err := leases.Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		if apierrors.IsConflict(err) {
			// Lost the claim race; stay follower.
			return
		}
		level.Warn(l.logger).Log("msg", "claiming lease failed", "err", err, "correlation_id", correlationID)
		return
	}
	l.setLeader()
}

// Resign demotes locally without touching the lease resource. Called on
// shutdown; the lease simply expires for the remaining replicas.
func (l *Lease) Resign() {
	l.unsetLeader("")
}
