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

// Package config defines the on-disk configuration file format, following
// pkg/config.Parameters' shape: a YAML document decoded strictly onto a
// struct of defaults, then validated.
package config

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/istio-ztunnel/ztunnel-core/internal/timeout"
)

// DiscoveryMode selects which transport the local node uses to learn mesh
// state.
type DiscoveryMode string

const (
	// DiscoveryLocal reads a static YAML document (internal/localconfig)
	// instead of connecting to a control plane; useful for tests and
	// single-node demos.
	DiscoveryLocal DiscoveryMode = "local"
	// DiscoveryGRPC streams updates from a control plane over the
	// internal/discovery gRPC transport.
	DiscoveryGRPC DiscoveryMode = "grpc"
)

// Validate the discovery mode.
func (m DiscoveryMode) Validate() error {
	switch m {
	case DiscoveryLocal, DiscoveryGRPC:
		return nil
	default:
		return fmt.Errorf("invalid discovery mode %q", m)
	}
}

// Parameters is the top-level configuration file format for a ztunnel-core
// node.
type Parameters struct {
	// Network is this node's network name: inbound destination workloads
	// are looked up in the store under this network.
	Network string `yaml:"network,omitempty"`

	// NodeName identifies this node to the discovery transport and is
	// used by the reducer to decide which workloads are node-local.
	NodeName string `yaml:"node-name,omitempty"`

	Inbound   InboundParameters   `yaml:"inbound,omitempty"`
	Discovery DiscoveryParameters `yaml:"discovery,omitempty"`
	CA        CAParameters        `yaml:"ca,omitempty"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug,omitempty"`
}

// InboundParameters configures the HBONE listener (pkg/inbound).
type InboundParameters struct {
	ListenAddr string `yaml:"address,omitempty"`

	WindowSize            int32  `yaml:"window-size,omitempty"`
	ConnectionWindowSize  int32  `yaml:"connection-window-size,omitempty"`
	MaxFrameSize          uint32 `yaml:"frame-size,omitempty"`

	// TLSHandshakeTimeout is a timeout.Parse-compatible string: empty
	// means the inbound package default, "infinity" disables it.
	TLSHandshakeTimeout string `yaml:"tls-handshake-timeout,omitempty"`

	// EnableOriginalSource toggles use of IP_TRANSPARENT/original-source
	// socket options when dialing upstream (pkg/tunnel, internal/socket).
	// Non-goal in this build: internal/socket.PassthroughOps always
	// reports false, so setting this true has no effect yet.
	EnableOriginalSource bool `yaml:"enable-original-source,omitempty"`
}

// Timeout parses TLSHandshakeTimeout via internal/timeout's standard rules.
func (p InboundParameters) Timeout() timeout.Setting {
	return timeout.Parse(p.TLSHandshakeTimeout)
}

// DiscoveryParameters configures how the node learns mesh state.
type DiscoveryParameters struct {
	Mode DiscoveryMode `yaml:"mode,omitempty"`

	// LocalConfigPath is used when Mode is DiscoveryLocal.
	LocalConfigPath string `yaml:"local-config-path,omitempty"`

	// Address is the control-plane gRPC address, used when Mode is
	// DiscoveryGRPC.
	Address string `yaml:"address,omitempty"`
}

// CAParameters configures the certificate provider (pkg/spiffecerts).
type CAParameters struct {
	TrustDomain string        `yaml:"trust-domain,omitempty"`
	LeafTTL     time.Duration `yaml:"leaf-ttl,omitempty"`
}

// Defaults returns a Parameters with every field set to its production
// default, mirroring pkg/config.Defaults().
func Defaults() Parameters {
	return Parameters{
		Network:  "default",
		NodeName: "",
		Inbound: InboundParameters{
			ListenAddr:           "0.0.0.0:15008",
			WindowSize:           1 << 20,
			ConnectionWindowSize: 1 << 24,
			MaxFrameSize:         1 << 20,
		},
		Discovery: DiscoveryParameters{
			Mode: DiscoveryLocal,
		},
		CA: CAParameters{
			TrustDomain: "cluster.local",
			LeafTTL:     24 * time.Hour,
		},
	}
}

// Parse decodes a YAML configuration document from in, starting from
// Defaults() so any field the document omits keeps its default value.
// Decoding is strict: unknown fields are a parse error, same as
// pkg/config.Parse's SetStrict(true).
func Parse(in io.Reader) (*Parameters, error) {
	conf := Defaults()
	decoder := yaml.NewDecoder(in)
	decoder.KnownFields(true)

	if err := decoder.Decode(&conf); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return &conf, nil
}

// Validate checks the Parameters for internal consistency.
func (p *Parameters) Validate() error {
	if err := p.Discovery.Mode.Validate(); err != nil {
		return err
	}
	if p.Discovery.Mode == DiscoveryLocal && p.Discovery.LocalConfigPath == "" {
		return fmt.Errorf("discovery.local-config-path is required when discovery.mode is %q", DiscoveryLocal)
	}
	if p.Discovery.Mode == DiscoveryGRPC && p.Discovery.Address == "" {
		return fmt.Errorf("discovery.address is required when discovery.mode is %q", DiscoveryGRPC)
	}
	if p.Inbound.ListenAddr == "" {
		return fmt.Errorf("inbound.address is required")
	}
	if p.CA.TrustDomain == "" {
		return fmt.Errorf("ca.trust-domain is required")
	}
	return nil
}
