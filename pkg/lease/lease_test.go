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

package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	testingclock "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"
)

const (
	testNamespace = "monitoring"
	testLease     = "argus-leader"
)

func newTestLease(t *testing.T, client kubernetes.Interface, identity string, fc *testingclock.FakePassiveClock) *Lease {
	t.Helper()
	l, err := New(nil, nil, client, Options{
		LeaseName:     testLease,
		Namespace:     testNamespace,
		Identity:      identity,
		LeaseDuration: 30 * time.Second,
	})
	require.NoError(t, err)
	l.clock = fc
	return l
}

func getLease(t *testing.T, client kubernetes.Interface) *coordinationv1.Lease {
	t.Helper()
	lease, err := client.CoordinationV1().Leases(testNamespace).Get(context.Background(), testLease, metav1.GetOptions{})
	require.NoError(t, err)
	return lease
}

func TestAcquireMissingLease(t *testing.T) {
	client := fake.NewSimpleClientset()
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	l := newTestLease(t, client, "pod-a", fc)

	var events []bool
	l.Register(func(isLeader bool) { events = append(events, isLeader) })

	l.Tick(context.Background(), 10, "c1")
	require.True(t, l.IsLeader())
	require.Equal(t, []bool{true}, events)

	lease := getLease(t, client)
	require.Equal(t, "pod-a", ptr.Deref(lease.Spec.HolderIdentity, ""))
	require.Equal(t, int32(30), ptr.Deref(lease.Spec.LeaseDurationSeconds, 0))
	require.NotNil(t, lease.Spec.AcquireTime)
	require.NotNil(t, lease.Spec.RenewTime)
}

func TestFollowerRespectsFreshLease(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	now := metav1.NewMicroTime(fc.Now())
	client := fake.NewSimpleClientset(&coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: testLease, Namespace: testNamespace},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       ptr.To("pod-b"),
			LeaseDurationSeconds: ptr.To(int32(30)),
			RenewTime:            &now,
		},
	})
	l := newTestLease(t, client, "pod-a", fc)

	l.Tick(context.Background(), 10, "c1")
	require.False(t, l.IsLeader())
	require.Equal(t, "pod-b", l.Holder())
}

func TestCreateConflictEvaluatedSameTick(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	client := fake.NewSimpleClientset()
	// Another replica wins the create race. The conflict must be resolved by
	// re-reading the lease within the same tick, not on the next interval.
	client.PrependReactor("create", "leases", func(k8stesting.Action) (bool, runtime.Object, error) {
		now := metav1.NewMicroTime(fc.Now())
		if err := client.Tracker().Add(&coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{Name: testLease, Namespace: testNamespace},
			Spec: coordinationv1.LeaseSpec{
				HolderIdentity:       ptr.To("pod-b"),
				LeaseDurationSeconds: ptr.To(int32(30)),
				RenewTime:            &now,
			},
		}); err != nil {
			return true, nil, err
		}
		return true, nil, apierrors.NewAlreadyExists(coordinationv1.Resource("leases"), testLease)
	})
	l := newTestLease(t, client, "pod-a", fc)

	l.Tick(context.Background(), 10, "c1")
	require.False(t, l.IsLeader())
	require.Equal(t, "pod-b", l.Holder())
}

func TestTakeoverOfExpiredLease(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	stale := metav1.NewMicroTime(fc.Now().Add(-2 * time.Minute))
	client := fake.NewSimpleClientset(&coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: testLease, Namespace: testNamespace},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       ptr.To("pod-b"),
			LeaseDurationSeconds: ptr.To(int32(30)),
			AcquireTime:          &stale,
			RenewTime:            &stale,
		},
	})
	l := newTestLease(t, client, "pod-a", fc)

	l.Tick(context.Background(), 10, "c1")
	require.True(t, l.IsLeader())

	lease := getLease(t, client)
	require.Equal(t, "pod-a", ptr.Deref(lease.Spec.HolderIdentity, ""))
	// A takeover resets the acquire time.
	require.True(t, lease.Spec.AcquireTime.Time.After(stale.Time))
}

func TestReclaimOwnLeaseKeepsAcquireTime(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	acquired := metav1.NewMicroTime(fc.Now().Add(-10 * time.Minute))
	renewed := metav1.NewMicroTime(fc.Now().Add(-time.Minute))
	client := fake.NewSimpleClientset(&coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: testLease, Namespace: testNamespace},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       ptr.To("pod-a"),
			LeaseDurationSeconds: ptr.To(int32(30)),
			AcquireTime:          &acquired,
			RenewTime:            &renewed,
		},
	})
	// Fresh process with the same identity, e.g. after a restart.
	l := newTestLease(t, client, "pod-a", fc)

	l.Tick(context.Background(), 10, "c1")
	require.True(t, l.IsLeader())

	lease := getLease(t, client)
	require.Equal(t, acquired.Time.Unix(), lease.Spec.AcquireTime.Time.Unix())
}

func TestRenewalUpdatesRenewTime(t *testing.T) {
	client := fake.NewSimpleClientset()
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	l := newTestLease(t, client, "pod-a", fc)

	l.Tick(context.Background(), 10, "c1")
	require.True(t, l.IsLeader())
	first := getLease(t, client).Spec.RenewTime.Time

	fc.SetTime(fc.Now().Add(10 * time.Second))
	l.Tick(context.Background(), 20, "c2")
	require.True(t, l.IsLeader())
	require.True(t, getLease(t, client).Spec.RenewTime.Time.After(first))
}

func TestLeaderDemotesWhenHolderChanges(t *testing.T) {
	client := fake.NewSimpleClientset()
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	l := newTestLease(t, client, "pod-a", fc)

	var events []bool
	l.Register(func(isLeader bool) { events = append(events, isLeader) })

	l.Tick(context.Background(), 10, "c1")
	require.True(t, l.IsLeader())

	// Another replica stole the lease.
	lease := getLease(t, client)
	lease.Spec.HolderIdentity = ptr.To("pod-b")
	_, err := client.CoordinationV1().Leases(testNamespace).Update(context.Background(), lease, metav1.UpdateOptions{})
	require.NoError(t, err)

	l.Tick(context.Background(), 20, "c2")
	require.False(t, l.IsLeader())
	require.Equal(t, "pod-b", l.Holder())
	require.Equal(t, []bool{true, false}, events)
}

func TestLeaderDemotesWhenLeaseDeleted(t *testing.T) {
	client := fake.NewSimpleClientset()
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	l := newTestLease(t, client, "pod-a", fc)

	l.Tick(context.Background(), 10, "c1")
	require.True(t, l.IsLeader())

	require.NoError(t, client.CoordinationV1().Leases(testNamespace).Delete(context.Background(), testLease, metav1.DeleteOptions{}))
	l.Tick(context.Background(), 20, "c2")
	require.False(t, l.IsLeader())
}

func TestTransitionsAreEdgeTriggered(t *testing.T) {
	client := fake.NewSimpleClientset()
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	l := newTestLease(t, client, "pod-a", fc)

	var events []bool
	l.Register(func(isLeader bool) { events = append(events, isLeader) })

	// Repeated renewals while leading must not re-publish the transition.
	for i := 0; i < 5; i++ {
		l.Tick(context.Background(), int64(10*i), "c")
		fc.SetTime(fc.Now().Add(10 * time.Second))
	}
	require.Equal(t, []bool{true}, events)

	// Resigning twice publishes one transition.
	l.Resign()
	l.Resign()
	require.Equal(t, []bool{true, false}, events)
}

func TestValidation(t *testing.T) {
	_, err := New(nil, nil, nil, Options{LeaseName: "x", Namespace: "y"})
	require.Error(t, err)

	client := fake.NewSimpleClientset()
	_, err = New(nil, nil, client, Options{Namespace: "y"})
	require.Error(t, err)
	_, err = New(nil, nil, client, Options{LeaseName: "x"})
	require.Error(t, err)

	l, err := New(nil, nil, client, Options{LeaseName: "x", Namespace: "y"})
	require.NoError(t, err)
	require.NotEmpty(t, l.Identity())
}
