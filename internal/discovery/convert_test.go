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

package discovery

import (
	"io"
	"net/netip"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/istio-ztunnel/ztunnel-core/pkg/netaddr"
	"github.com/istio-ztunnel/ztunnel-core/pkg/reducer"
	"github.com/istio-ztunnel/ztunnel-core/pkg/state"
	"github.com/istio-ztunnel/ztunnel-core/pkg/workload"
)

func discardLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestToWorkloadConvertsAllFields(t *testing.T) {
	w, err := toWorkload(&WireWorkload{
		UID: "pod-a", IPs: []string{"10.0.0.1"}, Healthy: true, Tunneled: true,
		TrustDomain: "cluster.local", Namespace: "prod", ServiceAccount: "web", Network: "default",
		WaypointAddress: "default/10.0.0.50", WaypointPort: 15008,
	})
	require.NoError(t, err)
	assert.Equal(t, workload.Healthy, w.Status)
	assert.Equal(t, workload.Tunneled, w.Protocol)
	require.NotNil(t, w.Waypoint)
	addr, err := w.Waypoint.ResolvedAddress()
	require.NoError(t, err)
	assert.Equal(t, netaddr.New("default", netip.MustParseAddr("10.0.0.50")), addr)
}

func TestToWorkloadUnhealthyByDefault(t *testing.T) {
	w, err := toWorkload(&WireWorkload{UID: "pod-a", IPs: []string{"10.0.0.1"}})
	require.NoError(t, err)
	assert.Equal(t, workload.Unhealthy, w.Status)
}

func TestToWorkloadRejectsMalformedIP(t *testing.T) {
	_, err := toWorkload(&WireWorkload{UID: "pod-a", IPs: []string{"garbage"}})
	require.Error(t, err)
}

func TestToGatewayAddressHostnameForm(t *testing.T) {
	gw, err := toGatewayAddress("prod/waypoint.prod.svc", 15008)
	require.NoError(t, err)
	_, err = gw.ResolvedAddress()
	assert.Error(t, err)
}

func TestToGatewayAddressEmptyYieldsNil(t *testing.T) {
	gw, err := toGatewayAddress("", 0)
	require.NoError(t, err)
	assert.Nil(t, gw)
}

func TestToServiceConvertsEndpointsAndVIPs(t *testing.T) {
	svc, err := toService(&WireService{
		Name: "web", Namespace: "prod", Hostname: "web.prod.svc",
		VIPs: []string{"default/10.0.0.100"},
		Endpoints: map[string]WireEndpoint{
			"default/10.0.0.1": {Ports: map[uint16]uint16{80: 8080}},
		},
	})
	require.NoError(t, err)
	require.Len(t, svc.VIPs, 1)
	ep, ok := svc.Endpoints[netaddr.New("default", netip.MustParseAddr("10.0.0.1"))]
	require.True(t, ok)
	assert.Equal(t, svc.VIPs[0], ep.VIP)
}

func TestToAuthorizationRejectsUnknownScope(t *testing.T) {
	_, err := toAuthorization(&WireAuthorization{Name: "x", Scope: "bogus"})
	require.Error(t, err)
}

func TestToAuthorizationRejectsUnknownAction(t *testing.T) {
	_, err := toAuthorization(&WireAuthorization{Name: "x", Rules: []WireRule{{Action: "bogus"}}})
	require.Error(t, err)
}

func TestToAuthorizationConvertsSourceIPPrefixes(t *testing.T) {
	a, err := toAuthorization(&WireAuthorization{
		Name: "x", Scope: "namespace",
		Rules: []WireRule{{Action: "deny", SourceIPs: []string{"10.0.0.0/24"}}},
	})
	require.NoError(t, err)
	require.Len(t, a.Rules, 1)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), a.Rules[0].SourceIPs[0])
}

func TestApplyBatchAppliesAllThreeKindsAndCollectsRejections(t *testing.T) {
	store := state.New()
	r := reducer.New(store, nil, "node-a", discardLog())

	batch := &Batch{Updates: []Update{
		{Kind: KindWorkload, Workload: &WireWorkload{UID: "pod-a", IPs: []string{"10.0.0.1"}, Healthy: true, TrustDomain: "cluster.local", Namespace: "prod", ServiceAccount: "web", Network: "default"}},
		{Kind: KindWorkload, Workload: &WireWorkload{UID: "pod-b", IPs: []string{"not-an-ip"}}},
		{Kind: KindAddress, Address: &WireAddress{Service: &WireService{Name: "web", Namespace: "prod", Hostname: "web.prod.svc"}}},
		{Kind: KindAuthorization, Authorization: &WireAuthorization{Name: "allow-all", Scope: "global", Rules: []WireRule{{Action: "allow", PrincipalsAllowed: []string{"*"}}}}},
	}}

	rejected := applyBatch(r, batch)
	require.Len(t, rejected, 1)
	assert.Equal(t, "pod-b", rejected[0].Key)

	_, ok := store.FindWorkloadByAddress(netaddr.New("default", netip.MustParseAddr("10.0.0.1")))
	assert.True(t, ok)
}

func TestApplyBatchRemovesByKey(t *testing.T) {
	store := state.New()
	r := reducer.New(store, nil, "node-a", discardLog())

	r.ApplyWorkloads([]reducer.WorkloadUpdate{{Upsert: &reducer.WorkloadUpsert{Workload: &workload.Workload{
		UID: "pod-a", IPs: []netip.Addr{netip.MustParseAddr("10.0.0.1")}, Network: "default",
	}}}})

	rejected := applyBatch(r, &Batch{Updates: []Update{
		{Kind: KindWorkload, RemoveKey: "pod-a"},
	}})
	assert.Empty(t, rejected)
	_, ok := store.FindWorkloadByAddress(netaddr.New("default", netip.MustParseAddr("10.0.0.1")))
	assert.False(t, ok)
}

func TestApplyBatchRejectsUnknownKind(t *testing.T) {
	store := state.New()
	r := reducer.New(store, nil, "node-a", discardLog())

	rejected := applyBatch(r, &Batch{Updates: []Update{{Kind: "bogus"}}})
	require.Len(t, rejected, 1)
}
