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

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmptyDocumentYieldsDefaults(t *testing.T) {
	p, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), *p)
}

func TestParseOverridesOnlyNamedFields(t *testing.T) {
	doc := `
network: west
discovery:
  mode: grpc
  address: controlplane:15010
`
	p, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "west", p.Network)
	assert.Equal(t, DiscoveryGRPC, p.Discovery.Mode)
	assert.Equal(t, "controlplane:15010", p.Discovery.Address)
	// Untouched fields keep their defaults.
	assert.Equal(t, Defaults().Inbound.ListenAddr, p.Inbound.ListenAddr)
	assert.Equal(t, Defaults().CA.TrustDomain, p.CA.TrustDomain)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader("bogusField: true"))
	require.Error(t, err)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse(strings.NewReader("network: [unterminated"))
	require.Error(t, err)
}

func TestValidateDefaultsFailWithoutLocalConfigPath(t *testing.T) {
	p := Defaults()
	err := p.Validate()
	require.Error(t, err, "DiscoveryLocal with no local-config-path must fail validation")
}

func TestValidateLocalModeRequiresLocalConfigPath(t *testing.T) {
	p := Defaults()
	p.Discovery.LocalConfigPath = "/etc/ztunnel/mesh.yaml"
	assert.NoError(t, p.Validate())
}

func TestValidateGRPCModeRequiresAddress(t *testing.T) {
	p := Defaults()
	p.Discovery.Mode = DiscoveryGRPC
	require.Error(t, p.Validate())

	p.Discovery.Address = "controlplane:15010"
	assert.NoError(t, p.Validate())
}

func TestValidateRejectsUnknownDiscoveryMode(t *testing.T) {
	p := Defaults()
	p.Discovery.Mode = "bogus"
	require.Error(t, p.Validate())
}

func TestValidateRequiresListenAddrAndTrustDomain(t *testing.T) {
	p := Defaults()
	p.Discovery.LocalConfigPath = "/etc/ztunnel/mesh.yaml"
	p.Inbound.ListenAddr = ""
	require.Error(t, p.Validate())

	p = Defaults()
	p.Discovery.LocalConfigPath = "/etc/ztunnel/mesh.yaml"
	p.CA.TrustDomain = ""
	require.Error(t, p.Validate())
}

func TestInboundParametersTimeoutParsesEmptyAsDefault(t *testing.T) {
	p := InboundParameters{}
	assert.True(t, p.Timeout().UseDefault())
}

func TestInboundParametersTimeoutParsesExplicitDuration(t *testing.T) {
	p := InboundParameters{TLSHandshakeTimeout: "5s"}
	assert.Equal(t, 5*time.Second, p.Timeout().Duration())
}

func TestDiscoveryModeValidate(t *testing.T) {
	assert.NoError(t, DiscoveryLocal.Validate())
	assert.NoError(t, DiscoveryGRPC.Validate())
	assert.Error(t, DiscoveryMode("bogus").Validate())
}
