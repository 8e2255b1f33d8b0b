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

// Package service holds the virtual-IP front ("Service") and its endpoints.
package service

import (
	"fmt"

	"github.com/istio-ztunnel/ztunnel-core/pkg/netaddr"
)

// Endpoint is a tuple (service-VIP, backing-workload-address, per-endpoint
// ports).
type Endpoint struct {
	VIP     netaddr.Address
	Address netaddr.Address
	// Ports maps service-port -> target-port for this endpoint.
	Ports map[uint16]uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("Endpoint{vip=%s addr=%s}", e.VIP, e.Address)
}

// Service is a virtual-IP front for a set of endpoints.
type Service struct {
	Name      string
	Namespace string
	Hostname  string

	// VIPs is the set of network addresses that front this service. A
	// service may have multiple VIPs (invariant I4: no two services share a
	// VIP).
	VIPs []netaddr.Address

	// Ports maps service-port -> target-port, used as the fallback when an
	// endpoint does not carry its own per-endpoint port mapping.
	Ports map[uint16]uint16

	// Endpoints is keyed by endpoint NetworkAddress (invariant I3).
	Endpoints map[netaddr.Address]Endpoint
}

// NamespacedHostname returns the service's secondary index key.
func (s *Service) NamespacedHostname() netaddr.NamespacedHostname {
	return netaddr.NamespacedHostname{Namespace: s.Namespace, Hostname: s.Hostname}
}

// Clone returns a deep copy safe for callers to retain past a snapshot read.
func (s *Service) Clone() *Service {
	if s == nil {
		return nil
	}
	cp := *s
	cp.VIPs = append([]netaddr.Address(nil), s.VIPs...)
	cp.Ports = cloneU16Map(s.Ports)
	cp.Endpoints = make(map[netaddr.Address]Endpoint, len(s.Endpoints))
	for k, v := range s.Endpoints {
		ep := v
		ep.Ports = cloneU16Map(v.Ports)
		cp.Endpoints[k] = ep
	}
	return &cp
}

func cloneU16Map(m map[uint16]uint16) map[uint16]uint16 {
	out := make(map[uint16]uint16, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
