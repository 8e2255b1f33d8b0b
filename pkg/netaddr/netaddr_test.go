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

package netaddr

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressStringAndParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		network string
		ip      string
	}{
		{name: "ipv4", network: "default", ip: "10.0.0.1"},
		{name: "ipv6", network: "default", ip: "2001:db8::1"},
		{name: "named network", network: "cluster-a", ip: "192.168.1.1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ip, err := netip.ParseAddr(tc.ip)
			require.NoError(t, err)

			addr := New(tc.network, ip)
			parsed, err := Parse(addr.String())
			require.NoError(t, err)

			if diff := cmp.Diff(addr, parsed, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
				t.Errorf("Parse(String()) round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseRejectsMissingSeparator(t *testing.T) {
	_, err := Parse("not-a-network-ip-pair")
	require.Error(t, err)
}

func TestParseRejectsInvalidIP(t *testing.T) {
	_, err := Parse("default/not-an-ip")
	require.Error(t, err)
}

func TestParseNamespacedHostname(t *testing.T) {
	got, ok := ParseNamespacedHostname("prod/web.example.com")
	require.True(t, ok)
	assert.Equal(t, NamespacedHostname{Namespace: "prod", Hostname: "web.example.com"}, got)
	assert.Equal(t, "prod/web.example.com", got.String())

	_, ok = ParseNamespacedHostname("no-separator")
	assert.False(t, ok)
}

func TestFromBytes(t *testing.T) {
	v4, err := FromBytes([]byte{10, 0, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", v4.String())

	v6, err := FromBytes(make([]byte, 16))
	require.NoError(t, err)
	assert.True(t, v6.Is6())

	_, err = FromBytes([]byte{1, 2, 3})
	require.Error(t, err)
	var parseErr *ByteAddressParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 3, parseErr.Len)
}

func TestToStdIP(t *testing.T) {
	addr := netip.MustParseAddr("10.0.0.1")
	stdIP := ToStdIP(addr)
	assert.Equal(t, "10.0.0.1", stdIP.String())
}
