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

package localconfig

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
)

func discardLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func mustNetaddr(network, ip string) netaddr.Address {
	return netaddr.New(network, netip.MustParseAddr(ip))
}

const validDoc = `
workloads:
  - uid: pod-a
    workloadIps: ["10.0.0.1"]
    trustDomain: cluster.local
    namespace: prod
    serviceAccount: web
    network: default
    vips:
      "10.0.0.100":
        80: 8080
services:
  - name: web
    namespace: prod
    hostname: web.prod.svc
    vips: ["default/10.0.0.100"]
policies:
  - name: allow-all
    scope: global
    rules:
      - action: allow
        principalsAllowed: ["*"]
`

func TestLoadBytesAppliesWorkloadsServicesAndPolicies(t *testing.T) {
	store := state.New()
	r := reducer.New(store, nil, "node-a", discardLog())

	require.NoError(t, LoadBytes([]byte(validDoc), r))

	up, ok := store.FindUpstream("default", netip.MustParseAddr("10.0.0.100"), 80, 0)
	require.True(t, ok)
	assert.Equal(t, "pod-a", up.Workload.UID)

	w, ok := store.FindWorkloadByAddress(mustNetaddr("default", "10.0.0.1"))
	require.True(t, ok)
	policies := store.PoliciesFor(w)
	require.Len(t, policies, 1)
	assert.Equal(t, "allow-all", policies[0].Name)
}

func TestLoadBytesRejectsMalformedWorkloadIP(t *testing.T) {
	store := state.New()
	r := reducer.New(store, nil, "node-a", discardLog())

	const doc = `
workloads:
  - uid: pod-a
    workloadIps: ["not-an-ip"]
`
	err := LoadBytes([]byte(doc), r)
	require.Error(t, err)
}

func TestLoadBytesRejectsMalformedVIP(t *testing.T) {
	store := state.New()
	r := reducer.New(store, nil, "node-a", discardLog())

	const doc = `
workloads:
  - uid: pod-a
    workloadIps: ["10.0.0.1"]
    vips:
      "not-an-ip":
        80: 8080
`
	err := LoadBytes([]byte(doc), r)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	store := state.New()
	r := reducer.New(store, nil, "node-a", discardLog())

	err := Load("/nonexistent/path/to/config.yaml", r)
	require.Error(t, err)
}

func TestParseGatewayAddressForm(t *testing.T) {
	gw, err := parseGateway("default/10.0.0.50", 15008)
	require.NoError(t, err)
	require.NotNil(t, gw)
	assert.Equal(t, uint16(15008), gw.Port)
	addr, err := gw.ResolvedAddress()
	require.NoError(t, err)
	assert.Equal(t, mustNetaddr("default", "10.0.0.50"), addr)
}

func TestParseGatewayHostnameForm(t *testing.T) {
	gw, err := parseGateway("prod/waypoint.prod.svc", 15008)
	require.NoError(t, err)
	require.NotNil(t, gw)
	_, err = gw.ResolvedAddress()
	assert.Error(t, err, "hostname-form gateways are unsupported and should surface as a resolution error")
}

func TestParseGatewayEmptyStringYieldsNil(t *testing.T) {
	gw, err := parseGateway("", 0)
	require.NoError(t, err)
	assert.Nil(t, gw)
}

func TestParseGatewayRejectsUnrecognizedForm(t *testing.T) {
	_, err := parseGateway("garbage", 0)
	assert.Error(t, err)
}

func TestParseScopeAndAction(t *testing.T) {
	t.Run("scope", func(t *testing.T) {
		_, err := parseScope("bogus")
		assert.Error(t, err)
	})
	t.Run("action", func(t *testing.T) {
		_, err := parseAction("bogus")
		assert.Error(t, err)
	})
}
