// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reducer

import (
	"context"
	"io"
	"net/netip"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/istio-ztunnel/ztunnel-core/pkg/identity"
	"github.com/istio-ztunnel/ztunnel-core/pkg/netaddr"
	"github.com/istio-ztunnel/ztunnel-core/pkg/rbac"
	"github.com/istio-ztunnel/ztunnel-core/pkg/service"
	"github.com/istio-ztunnel/ztunnel-core/pkg/state"
	"github.com/istio-ztunnel/ztunnel-core/pkg/workload"
)

func discardLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeCA struct {
	prefetched []identity.Identity
	err        error
}

func (c *fakeCA) Prefetch(_ context.Context, id identity.Identity) error {
	c.prefetched = append(c.prefetched, id)
	return c.err
}

func newWorkload(uid, ip, node string, status workload.HealthStatus) *workload.Workload {
	return &workload.Workload{
		UID: uid, IPs: []netip.Addr{netip.MustParseAddr(ip)}, Network: "default",
		Node: node, Status: status,
		TrustDomain: "cluster.local", Namespace: "prod", ServiceAccount: "web",
	}
}

func TestInsertHealthyWorkloadDerivesEndpoints(t *testing.T) {
	store := state.New()
	r := New(store, nil, "node-a", discardLog())

	w := newWorkload("pod-a", "10.0.0.1", "node-a", workload.Healthy)
	rejected := r.ApplyWorkloads([]WorkloadUpdate{{
		Upsert: &WorkloadUpsert{Workload: w, VIPs: map[string]map[uint16]uint16{"10.0.0.100": {80: 8080}}},
	}})
	assert.Empty(t, rejected)

	_, ok := store.FindWorkloadByAddress(netaddr.New("default", netip.MustParseAddr("10.0.0.1")))
	require.True(t, ok)

	// Register the VIP as a service so FindUpstream can resolve it.
	store.InsertService(&service.Service{
		Name: "web", Namespace: "prod", Hostname: "web.prod.svc",
		VIPs: []netaddr.Address{netaddr.New("default", netip.MustParseAddr("10.0.0.100"))},
	})
	up, ok := store.FindUpstream("default", netip.MustParseAddr("10.0.0.100"), 80, 0)
	require.True(t, ok)
	assert.Equal(t, "pod-a", up.Workload.UID)
}

func TestInsertUnhealthyWorkloadContributesNoEndpoints(t *testing.T) {
	store := state.New()
	r := New(store, nil, "node-a", discardLog())

	w := newWorkload("pod-a", "10.0.0.1", "node-a", workload.Unhealthy)
	r.ApplyWorkloads([]WorkloadUpdate{{
		Upsert: &WorkloadUpsert{Workload: w, VIPs: map[string]map[uint16]uint16{"10.0.0.100": {80: 8080}}},
	}})

	store.InsertService(&service.Service{
		Name: "web", Namespace: "prod", Hostname: "web.prod.svc",
		VIPs: []netaddr.Address{netaddr.New("default", netip.MustParseAddr("10.0.0.100"))},
	})
	_, ok := store.FindUpstream("default", netip.MustParseAddr("10.0.0.100"), 80, 0)
	assert.False(t, ok)
}

func TestHealthToggleRoundTripAddsThenRemovesVIPMembership(t *testing.T) {
	store := state.New()
	r := New(store, nil, "node-a", discardLog())
	vipUpsert := map[string]map[uint16]uint16{"10.0.0.100": {80: 8080}}
	store.InsertService(&service.Service{
		Name: "web", Namespace: "prod", Hostname: "web.prod.svc",
		VIPs: []netaddr.Address{netaddr.New("default", netip.MustParseAddr("10.0.0.100"))},
	})

	healthy := newWorkload("pod-a", "10.0.0.1", "node-a", workload.Healthy)
	r.ApplyWorkloads([]WorkloadUpdate{{Upsert: &WorkloadUpsert{Workload: healthy, VIPs: vipUpsert}}})
	_, ok := store.FindUpstream("default", netip.MustParseAddr("10.0.0.100"), 80, 0)
	require.True(t, ok, "healthy workload should be a VIP member")

	unhealthy := newWorkload("pod-a", "10.0.0.1", "node-a", workload.Unhealthy)
	r.ApplyWorkloads([]WorkloadUpdate{{Upsert: &WorkloadUpsert{Workload: unhealthy, VIPs: vipUpsert}}})
	_, ok = store.FindUpstream("default", netip.MustParseAddr("10.0.0.100"), 80, 0)
	assert.False(t, ok, "workload gone unhealthy should drop out of VIP membership")

	healthyAgain := newWorkload("pod-a", "10.0.0.1", "node-a", workload.Healthy)
	r.ApplyWorkloads([]WorkloadUpdate{{Upsert: &WorkloadUpsert{Workload: healthyAgain, VIPs: vipUpsert}}})
	_, ok = store.FindUpstream("default", netip.MustParseAddr("10.0.0.100"), 80, 0)
	assert.True(t, ok, "workload healthy again should rejoin VIP membership")
}

func TestUpsertTearsDownPreviousEndpointsBeforeReplacing(t *testing.T) {
	store := state.New()
	r := New(store, nil, "node-a", discardLog())
	store.InsertService(&service.Service{
		Name: "web", Namespace: "prod", Hostname: "web.prod.svc",
		VIPs: []netaddr.Address{netaddr.New("default", netip.MustParseAddr("10.0.0.100"))},
	})

	w := newWorkload("pod-a", "10.0.0.1", "node-a", workload.Healthy)
	r.ApplyWorkloads([]WorkloadUpdate{{
		Upsert: &WorkloadUpsert{Workload: w, VIPs: map[string]map[uint16]uint16{"10.0.0.100": {80: 8080}}},
	}})

	// Re-upsert the same UID with no VIPs at all: the old endpoint must be
	// torn down, not left dangling under the new record.
	moved := newWorkload("pod-a", "10.0.0.1", "node-a", workload.Healthy)
	r.ApplyWorkloads([]WorkloadUpdate{{
		Upsert: &WorkloadUpsert{Workload: moved, VIPs: nil},
	}})

	_, ok := store.FindUpstream("default", netip.MustParseAddr("10.0.0.100"), 80, 0)
	assert.False(t, ok)
}

func TestRemoveKeyDisambiguatesWorkloadThenService(t *testing.T) {
	store := state.New()
	r := New(store, nil, "node-a", discardLog())

	w := newWorkload("pod-a", "10.0.0.1", "node-a", workload.Healthy)
	r.ApplyWorkloads([]WorkloadUpdate{{Upsert: &WorkloadUpsert{Workload: w}}})

	r.ApplyAddresses([]AddressUpdate{{IsRemove: true, RemoveKey: "pod-a"}})
	_, ok := store.FindWorkloadByAddress(netaddr.New("default", netip.MustParseAddr("10.0.0.1")))
	assert.False(t, ok, "remove key matching a workload UID should remove the workload")

	store.InsertService(&service.Service{Name: "web", Namespace: "prod", Hostname: "web.prod.svc"})
	r.ApplyAddresses([]AddressUpdate{{IsRemove: true, RemoveKey: "prod/web.prod.svc"}})
	_, ok = store.RemoveService(netaddr.NamespacedHostname{Namespace: "prod", Hostname: "web.prod.svc"})
	assert.False(t, ok, "service should already have been removed by the namespace/hostname remove key")
}

func TestCertPrefetchOnlyForLocalNode(t *testing.T) {
	store := state.New()
	ca := &fakeCA{}
	r := New(store, ca, "node-a", discardLog())

	local := newWorkload("pod-a", "10.0.0.1", "node-a", workload.Healthy)
	remote := newWorkload("pod-b", "10.0.0.2", "node-b", workload.Healthy)
	r.ApplyWorkloads([]WorkloadUpdate{
		{Upsert: &WorkloadUpsert{Workload: local}},
		{Upsert: &WorkloadUpsert{Workload: remote}},
	})

	require.Len(t, ca.prefetched, 1)
	assert.Equal(t, local.Identity(), ca.prefetched[0])
}

func TestCertPrefetchFailureIsNonFatal(t *testing.T) {
	store := state.New()
	ca := &fakeCA{err: assertionError("ca down")}
	r := New(store, ca, "node-a", discardLog())

	w := newWorkload("pod-a", "10.0.0.1", "node-a", workload.Healthy)
	rejected := r.ApplyWorkloads([]WorkloadUpdate{{Upsert: &WorkloadUpsert{Workload: w}}})
	assert.Empty(t, rejected, "a prefetch failure must not reject the workload upsert")

	_, ok := store.FindWorkloadByAddress(netaddr.New("default", netip.MustParseAddr("10.0.0.1")))
	assert.True(t, ok)
}

type assertionError string

func (e assertionError) Error() string { return string(e) }

func TestApplyAuthorizations(t *testing.T) {
	store := state.New()
	r := New(store, nil, "node-a", discardLog())

	policy := &rbac.Authorization{Name: "allow-all", Scope: rbac.Global, Rules: []rbac.Rule{{Action: rbac.Allow, PrincipalsAllowed: []string{"*"}}}}
	r.ApplyAuthorizations([]AuthorizationUpdate{{Upsert: policy}})

	w := newWorkload("pod-a", "10.0.0.1", "node-a", workload.Healthy)
	policies := store.PoliciesFor(w)
	require.Len(t, policies, 1)
	assert.Equal(t, "allow-all", policies[0].Name)

	r.ApplyAuthorizations([]AuthorizationUpdate{{IsRemove: true, RemoveKey: "/allow-all"}})
	assert.Empty(t, store.PoliciesFor(w))
}

func TestDeriveEndpointsRejectsMalformedVIP(t *testing.T) {
	store := state.New()
	r := New(store, nil, "node-a", discardLog())

	w := newWorkload("pod-a", "10.0.0.1", "node-a", workload.Healthy)
	rejected := r.ApplyWorkloads([]WorkloadUpdate{{
		Upsert: &WorkloadUpsert{Workload: w, VIPs: map[string]map[uint16]uint16{"not-an-ip": {80: 8080}}},
	}})
	require.Len(t, rejected, 1)
	assert.Equal(t, "pod-a", rejected[0].Key)
}
