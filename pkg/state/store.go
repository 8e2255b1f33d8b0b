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

// Package state implements the in-memory mesh registry (C1): workloads,
// services, and authorization policies, with the staged-VIP algorithm that
// lets endpoints arrive before the service record that will claim them.
//
// The store is the only shared mutable resource in this proxy (spec §5): a
// sync.RWMutex guards it so that reads, which happen on every connection,
// share the lock, while writes (discovery updates) are rare and exclusive.
package state

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync"

	"github.com/istio-ztunnel/ztunnel-core/pkg/netaddr"
	"github.com/istio-ztunnel/ztunnel-core/pkg/rbac"
	"github.com/istio-ztunnel/ztunnel-core/pkg/service"
	"github.com/istio-ztunnel/ztunnel-core/pkg/workload"
)

// Address is the result of fetch_address: either a workload or a service
// front, modelled explicitly as a sum rather than two optional fields (spec
// design note "tagged-union connection source" applies equally here).
type Address struct {
	Workload *workload.Workload
	Service  *service.Service
}

// Upstream is the result of find_upstream: the resolved workload, the
// network address bytes should be sent to, and the target port.
type Upstream struct {
	Workload *workload.Workload
	Address  netaddr.Address
	Port     uint16
}

// Store is the mesh state store (C1).
type Store struct {
	mu sync.RWMutex

	workloads      map[netaddr.Address]*workload.Workload
	workloadsByUID map[string]*workload.Workload

	services      map[netaddr.NamespacedHostname]*service.Service
	servicesByVIP map[netaddr.Address]*service.Service

	// stagedEndpoints holds endpoints derived from workloads whose parent
	// service has not yet been observed (spec I5), keyed by VIP then by
	// endpoint address.
	stagedEndpoints map[netaddr.Address]map[netaddr.Address]service.Endpoint

	// endpointVIPs is a reverse index from an endpoint's own address to the
	// VIP(s) (service or staging bucket) it is currently registered under,
	// so RemoveEndpoint doesn't need a full scan.
	endpointVIPs map[netaddr.Address]map[netaddr.Address]struct{}

	policies            map[string]*rbac.Authorization
	policiesByNamespace map[string]map[string]struct{}
}

// New returns an empty store. There is no persistence: the store is fully
// rebuildable from discovery.
func New() *Store {
	return &Store{
		workloads:           make(map[netaddr.Address]*workload.Workload),
		workloadsByUID:      make(map[string]*workload.Workload),
		services:            make(map[netaddr.NamespacedHostname]*service.Service),
		servicesByVIP:       make(map[netaddr.Address]*service.Service),
		stagedEndpoints:     make(map[netaddr.Address]map[netaddr.Address]service.Endpoint),
		endpointVIPs:        make(map[netaddr.Address]map[netaddr.Address]struct{}),
		policies:            make(map[string]*rbac.Authorization),
		policiesByNamespace: make(map[string]map[string]struct{}),
	}
}

// FindWorkloadByAddress is an O(1) lookup into the per-network workload
// index (invariant I1).
func (s *Store) FindWorkloadByAddress(addr netaddr.Address) (*workload.Workload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workloads[addr]
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

// FindWorkloadByUID is an O(1) lookup into the UID index (invariant I2).
func (s *Store) FindWorkloadByUID(uid string) (*workload.Workload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workloadsByUID[uid]
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

// FetchAddress resolves addr first against the workload index, then against
// the service-VIP index.
func (s *Store) FetchAddress(addr netaddr.Address) (Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.workloads[addr]; ok {
		return Address{Workload: w.Clone()}, true
	}
	if svc, ok := s.servicesByVIP[addr]; ok {
		return Address{Service: svc.Clone()}, true
	}
	return Address{}, false
}

// FindUpstream resolves a VIP to a uniformly-random healthy endpoint and its
// backing workload; if addr is not a VIP it is treated as a direct workload
// address and fallbackPort is used as the target port.
func (s *Store) FindUpstream(network string, ip netip.Addr, port uint16, fallbackPort uint16) (Upstream, bool) {
	vip := netaddr.New(network, ip)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if svc, ok := s.servicesByVIP[vip]; ok {
		return s.findUpstreamFromService(svc, port)
	}

	if w, ok := s.workloads[vip]; ok {
		return Upstream{Workload: w.Clone(), Address: vip, Port: fallbackPort}, true
	}
	return Upstream{}, false
}

// findUpstreamFromService must be called with mu held for reading.
func (s *Store) findUpstreamFromService(svc *service.Service, port uint16) (Upstream, bool) {
	type candidate struct {
		ep netaddr.Address
		w  *workload.Workload
		tp uint16
	}
	var candidates []candidate
	for epAddr, ep := range svc.Endpoints {
		w, ok := s.workloads[epAddr]
		if !ok || w.Status != workload.Healthy {
			// I6: unhealthy workloads contribute no endpoints.
			continue
		}
		targetPort, ok := ep.Ports[port]
		if !ok {
			targetPort, ok = svc.Ports[port]
			if !ok {
				continue
			}
		}
		candidates = append(candidates, candidate{ep: epAddr, w: w, tp: targetPort})
	}
	if len(candidates) == 0 {
		return Upstream{}, false
	}
	pick := candidates[rand.N(len(candidates))]
	return Upstream{Workload: pick.w.Clone(), Address: pick.ep, Port: pick.tp}, true
}

// PoliciesFor returns the union of global-scope, the workload's
// namespace-scope, and workload-selector policies named on the workload
// (spec §4.1).
func (s *Store) PoliciesFor(w *workload.Workload) []*rbac.Authorization {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []*rbac.Authorization
	add := func(key string) {
		if _, dup := seen[key]; dup {
			return
		}
		if p, ok := s.policies[key]; ok {
			seen[key] = struct{}{}
			out = append(out, p)
		}
	}
	for name := range s.policiesByNamespace[""] {
		add(name)
	}
	for name := range s.policiesByNamespace[w.Namespace] {
		add(name)
	}
	for _, name := range w.AuthorizationPolicies {
		add(name)
	}
	return out
}

// InsertWorkload upserts w into the workload indices only (I1, I2). It does
// not touch service endpoints; deriving and re-deriving endpoints from a
// workload's VIPs is the reducer's job (spec design note on cyclic
// references: cross-references are lookups, maintained by the reducer).
func (s *Store) InsertWorkload(w *workload.Workload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeWorkloadLocked(w.UID)
	cp := w.Clone()
	for _, addr := range cp.NetworkAddresses() {
		s.workloads[addr] = cp
	}
	s.workloadsByUID[cp.UID] = cp
}

// RemoveWorkload removes a workload from the workload indices and returns
// the prior record (so the caller/reducer can tear down its endpoints using
// the previous record, per spec's staged-VIP algorithm).
func (s *Store) RemoveWorkload(uid string) (*workload.Workload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeWorkloadLocked(uid)
}

func (s *Store) removeWorkloadLocked(uid string) (*workload.Workload, bool) {
	prev, ok := s.workloadsByUID[uid]
	if !ok {
		return nil, false
	}
	delete(s.workloadsByUID, uid)
	for _, addr := range prev.NetworkAddresses() {
		delete(s.workloads, addr)
	}
	return prev, true
}

// InsertService upserts svc. Any staged endpoints for its VIPs are promoted
// into its endpoint map and cleared from staging (I5); endpoints carried by
// a prior copy of the service for VIPs that remain are preserved; endpoints
// for VIPs that were dropped from the VIP set are discarded, not re-staged
// (the prior record is the authority on "known VIPs").
func (s *Store) InsertService(svc *service.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := svc.Clone()
	if cp.Endpoints == nil {
		cp.Endpoints = make(map[netaddr.Address]service.Endpoint)
	}

	prev, hadPrev := s.services[cp.NamespacedHostname()]
	prevVIPs := make(map[netaddr.Address]struct{})
	if hadPrev {
		for _, v := range prev.VIPs {
			prevVIPs[v] = struct{}{}
		}
	}

	newVIPs := make(map[netaddr.Address]struct{}, len(cp.VIPs))
	for _, vip := range cp.VIPs {
		newVIPs[vip] = struct{}{}

		// Carry over endpoints from the prior copy of this same service.
		if hadPrev {
			if prevSvc, ok := s.servicesByVIP[vip]; ok && prevSvc == prev {
				for addr, ep := range prevSvc.Endpoints {
					cp.Endpoints[addr] = ep
					s.addEndpointIndex(addr, vip)
				}
			}
		}

		// Promote any staged endpoints for this VIP (I5).
		if staged, ok := s.stagedEndpoints[vip]; ok {
			for addr, ep := range staged {
				cp.Endpoints[addr] = ep
				s.addEndpointIndex(addr, vip)
			}
			delete(s.stagedEndpoints, vip)
		}

		s.servicesByVIP[vip] = cp
	}

	// VIPs present on the previous record but dropped from the new one: the
	// prior record is authoritative, so their endpoints are discarded, not
	// re-staged.
	for vip := range prevVIPs {
		if _, still := newVIPs[vip]; still {
			continue
		}
		delete(s.servicesByVIP, vip)
		if prevSvc, ok := s.services[prev.NamespacedHostname()]; ok {
			for addr := range prevSvc.Endpoints {
				if prevSvc.Endpoints[addr].VIP == vip {
					s.removeEndpointIndex(addr, vip)
				}
			}
		}
	}

	s.services[cp.NamespacedHostname()] = cp
}

// RemoveService removes the service keyed by key, discarding its endpoints
// and clearing its VIPs from the VIP index.
func (s *Store) RemoveService(key netaddr.NamespacedHostname) (*service.Service, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[key]
	if !ok {
		return nil, false
	}
	delete(s.services, key)
	for _, vip := range svc.VIPs {
		delete(s.servicesByVIP, vip)
	}
	for addr := range svc.Endpoints {
		for _, vip := range svc.VIPs {
			s.removeEndpointIndex(addr, vip)
		}
	}
	return svc, true
}

// InsertEndpoint writes ep into its VIP's service endpoint map if the
// service is already known, or into the staging area otherwise (I5).
func (s *Store) InsertEndpoint(ep service.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if svc, ok := s.servicesByVIP[ep.VIP]; ok {
		svc.Endpoints[ep.Address] = ep
		s.addEndpointIndex(ep.Address, ep.VIP)
		return
	}
	bucket, ok := s.stagedEndpoints[ep.VIP]
	if !ok {
		bucket = make(map[netaddr.Address]service.Endpoint)
		s.stagedEndpoints[ep.VIP] = bucket
	}
	bucket[ep.Address] = ep
	s.addEndpointIndex(ep.Address, ep.VIP)
}

// RemoveEndpoint removes every registration of addr, whether it currently
// lives in a service's endpoint map or in the staging area.
func (s *Store) RemoveEndpoint(addr netaddr.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vips := s.endpointVIPs[addr]
	for vip := range vips {
		if svc, ok := s.servicesByVIP[vip]; ok {
			delete(svc.Endpoints, addr)
			continue
		}
		if bucket, ok := s.stagedEndpoints[vip]; ok {
			delete(bucket, addr)
			if len(bucket) == 0 {
				delete(s.stagedEndpoints, vip)
			}
		}
	}
	delete(s.endpointVIPs, addr)
}

func (s *Store) addEndpointIndex(addr, vip netaddr.Address) {
	set, ok := s.endpointVIPs[addr]
	if !ok {
		set = make(map[netaddr.Address]struct{})
		s.endpointVIPs[addr] = set
	}
	set[vip] = struct{}{}
}

func (s *Store) removeEndpointIndex(addr, vip netaddr.Address) {
	set, ok := s.endpointVIPs[addr]
	if !ok {
		return
	}
	delete(set, vip)
	if len(set) == 0 {
		delete(s.endpointVIPs, addr)
	}
}

// InsertAuthorization upserts a policy into the primary index and the
// by-namespace reverse index (I7).
func (s *Store) InsertAuthorization(a *rbac.Authorization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeAuthorizationLocked(a.Key())
	key := a.Key()
	s.policies[key] = a
	if nsKey, ok := a.NamespaceKey(); ok {
		set, exists := s.policiesByNamespace[nsKey]
		if !exists {
			set = make(map[string]struct{})
			s.policiesByNamespace[nsKey] = set
		}
		set[key] = struct{}{}
	}
}

// RemoveAuthorization removes the policy keyed by key ("namespace/name").
func (s *Store) RemoveAuthorization(key string) (*rbac.Authorization, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeAuthorizationLocked(key)
}

func (s *Store) removeAuthorizationLocked(key string) (*rbac.Authorization, bool) {
	a, ok := s.policies[key]
	if !ok {
		return nil, false
	}
	delete(s.policies, key)
	if nsKey, ok := a.NamespaceKey(); ok {
		if set, exists := s.policiesByNamespace[nsKey]; exists {
			delete(set, key)
			if len(set) == 0 {
				delete(s.policiesByNamespace, nsKey)
			}
		}
	}
	return a, true
}

// NumVIPs, NumServices, and NumStagedVIPs are debug/testing counters, mirrored
// from the original implementation's test helpers.
func (s *Store) NumVIPs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.servicesByVIP)
}

func (s *Store) NumServices() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.services)
}

func (s *Store) NumStagedVIPs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stagedEndpoints)
}

func (s *Store) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("Store{workloads=%d services=%d staged=%d policies=%d}",
		len(s.workloads), len(s.services), len(s.stagedEndpoints), len(s.policies))
}
