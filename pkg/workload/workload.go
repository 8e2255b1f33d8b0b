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

// Package workload holds the data model for a single addressable mesh
// endpoint (a pod or VM) and the gateway-address sum type used to point at
// waypoints and network gateways.
package workload

import (
	"fmt"
	"net/netip"

	"github.com/istio-ztunnel/ztunnel-core/pkg/identity"
	"github.com/istio-ztunnel/ztunnel-core/pkg/netaddr"
)

// Protocol is the tunnel protocol a workload expects inbound traffic to
// arrive as.
type Protocol int

const (
	// TCP is a plain, untunnelled workload.
	TCP Protocol = iota
	// Tunneled workloads expect HBONE (mTLS-over-HTTP/2 CONNECT).
	Tunneled
)

// HealthStatus is the workload's current reachability as reported by
// discovery.
type HealthStatus int

const (
	Healthy HealthStatus = iota
	Unhealthy
)

// Destination is the sum type backing a GatewayAddress: either a resolved
// network address or a symbolic namespaced hostname. Modelled as a sum via an
// interface so callers can't construct a GatewayAddress with both or neither
// set.
type Destination interface {
	isDestination()
}

type AddressDestination struct {
	Address netaddr.Address
}

func (AddressDestination) isDestination() {}

type HostnameDestination struct {
	Hostname netaddr.NamespacedHostname
}

func (HostnameDestination) isDestination() {}

// GatewayAddress points at a waypoint or network-gateway workload.
type GatewayAddress struct {
	Destination Destination
	Port        uint16
}

// UnsupportedFeatureError marks a gateway address form this implementation
// does not resolve (currently: hostname-form waypoints/gateways). Per spec
// §7 this is non-fatal: callers treat it as "no waypoint/gateway" for gating
// purposes but log it at warn.
type UnsupportedFeatureError struct {
	Feature string
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("unsupported feature: %s", e.Feature)
}

// ResolvedAddress returns the gateway's network address, or an
// *UnsupportedFeatureError if it is hostname-form.
func (g *GatewayAddress) ResolvedAddress() (netaddr.Address, error) {
	if g == nil {
		return netaddr.Address{}, fmt.Errorf("nil gateway address")
	}
	switch d := g.Destination.(type) {
	case AddressDestination:
		return d.Address, nil
	case HostnameDestination:
		return netaddr.Address{}, &UnsupportedFeatureError{Feature: "hostname lookup not supported yet"}
	default:
		return netaddr.Address{}, fmt.Errorf("nonempty gateway address is missing address")
	}
}

// Workload represents a single addressable endpoint (a pod/VM).
type Workload struct {
	UID  string
	IPs  []netip.Addr

	Waypoint       *GatewayAddress
	NetworkGateway *GatewayAddress

	Protocol Protocol

	TrustDomain    string
	Namespace      string
	ServiceAccount string
	Network        string

	WorkloadName      string
	WorkloadType      string
	CanonicalName     string
	CanonicalRevision string
	Node              string
	ClusterID         string

	AuthorizationPolicies []string

	Status HealthStatus
}

// Identity returns the workload's mTLS subject / cert-issuance key.
func (w *Workload) Identity() identity.Identity {
	return identity.Identity{
		TrustDomain:    w.TrustDomain,
		Namespace:      w.Namespace,
		ServiceAccount: w.ServiceAccount,
	}
}

// Clone returns a deep-enough copy suitable for callers holding the record
// past a snapshot read's lifetime (see spec §3 Ownership).
func (w *Workload) Clone() *Workload {
	if w == nil {
		return nil
	}
	cp := *w
	cp.IPs = append([]netip.Addr(nil), w.IPs...)
	cp.AuthorizationPolicies = append([]string(nil), w.AuthorizationPolicies...)
	if w.Waypoint != nil {
		wp := *w.Waypoint
		cp.Waypoint = &wp
	}
	if w.NetworkGateway != nil {
		ng := *w.NetworkGateway
		cp.NetworkGateway = &ng
	}
	return &cp
}

func (w *Workload) String() string {
	return fmt.Sprintf("Workload{%s uid=%s}", w.WorkloadName, w.UID)
}

// NetworkAddresses returns every (network, ip) key this workload occupies in
// the per-network workload index (invariant I1).
func (w *Workload) NetworkAddresses() []netaddr.Address {
	out := make([]netaddr.Address, 0, len(w.IPs))
	for _, ip := range w.IPs {
		out = append(out, netaddr.New(w.Network, ip))
	}
	return out
}
