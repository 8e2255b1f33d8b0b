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

// Package reducer implements C2: it turns a stream of typed discovery
// updates into mutations of the state store, preserving the invariants
// across ordering races documented in spec.md §3 (staged VIPs, overlapping
// VIP re-keying, unhealthy-host exclusion).
package reducer

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/istio-ztunnel/ztunnel-core/pkg/netaddr"
	"github.com/istio-ztunnel/ztunnel-core/pkg/rbac"
	"github.com/istio-ztunnel/ztunnel-core/pkg/service"
	"github.com/istio-ztunnel/ztunnel-core/pkg/identity"
	"github.com/istio-ztunnel/ztunnel-core/pkg/state"
	"github.com/istio-ztunnel/ztunnel-core/pkg/workload"
)

// CertificateAuthority is the capability used to prefetch certificates for
// newly-upserted local workloads (spec §4.2 "Certificate prefetch"). It is
// the same capability C3 uses to obtain acceptors; the reducer only ever
// calls Prefetch.
type CertificateAuthority interface {
	Prefetch(ctx context.Context, id identity.Identity) error
}

// WorkloadUpsert carries a workload resource plus its virtual-IP mapping, as
// discovery presents them together (the wire schema keeps VIPs as a
// sibling map on the workload resource, not a field of workload.Workload
// itself; see original_source's `virtual_ips: HashMap<String, PortList>`).
// Keys are "[network/]ip"; an absent network prefix means the workload's own
// network.
type WorkloadUpsert struct {
	Workload *workload.Workload
	VIPs     map[string]map[uint16]uint16
}

// ServiceUpsert carries a service resource.
type ServiceUpsert struct {
	Service *service.Service
}

// AddressUpsert is the tagged union backing the "Address" resource kind:
// exactly one of Workload or Service is set.
type AddressUpsert struct {
	Workload *WorkloadUpsert
	Service  *ServiceUpsert
}

// WorkloadUpdate is either Upsert(WorkloadUpsert) or Remove(key).
type WorkloadUpdate struct {
	Upsert    *WorkloadUpsert
	RemoveKey string
	IsRemove  bool
}

// AddressUpdate is either Upsert(AddressUpsert) or Remove(key).
type AddressUpdate struct {
	Upsert    *AddressUpsert
	RemoveKey string
	IsRemove  bool
}

// AuthorizationUpdate is either Upsert(*rbac.Authorization) or Remove(key).
type AuthorizationUpdate struct {
	Upsert    *rbac.Authorization
	RemoveKey string
	IsRemove  bool
}

// RejectedConfig reports a single batch item the reducer could not apply,
// with its reason, for return to the discovery transport. The reducer never
// aborts a batch on a rejection.
type RejectedConfig struct {
	Key    string
	Reason error
}

// Reducer applies discovery updates to a Store under its exclusive write
// path (every Store mutator already takes the store's write lock per call;
// the reducer adds no additional locking of its own).
type Reducer struct {
	store     *state.Store
	certs     CertificateAuthority
	localNode string
	log       logrus.FieldLogger
}

// New returns a Reducer writing to store. localNode is this process's node
// name (spec §4.2: certs are only prefetched for workloads local to this
// node). certs may be nil, in which case prefetch is skipped entirely.
func New(store *state.Store, certs CertificateAuthority, localNode string, log logrus.FieldLogger) *Reducer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reducer{store: store, certs: certs, localNode: localNode, log: log}
}

// ApplyWorkloads applies a batch of direct Workload updates.
func (r *Reducer) ApplyWorkloads(updates []WorkloadUpdate) []RejectedConfig {
	var rejected []RejectedConfig
	for _, u := range updates {
		var err error
		var key string
		if u.IsRemove {
			key = u.RemoveKey
			r.remove(u.RemoveKey)
		} else {
			key = u.Upsert.Workload.UID
			err = r.insertWorkload(u.Upsert)
		}
		if err != nil {
			rejected = append(rejected, RejectedConfig{Key: key, Reason: err})
		}
	}
	return rejected
}

// ApplyAddresses applies a batch of Address (Workload|Service) updates.
func (r *Reducer) ApplyAddresses(updates []AddressUpdate) []RejectedConfig {
	var rejected []RejectedConfig
	for _, u := range updates {
		if u.IsRemove {
			r.remove(u.RemoveKey)
			continue
		}
		var err error
		var key string
		switch {
		case u.Upsert.Workload != nil:
			key = u.Upsert.Workload.Workload.UID
			err = r.insertWorkload(u.Upsert.Workload)
		case u.Upsert.Service != nil:
			key = u.Upsert.Service.Service.NamespacedHostname().String()
			r.insertService(u.Upsert.Service)
		default:
			err = errors.New("address update carries neither workload nor service")
		}
		if err != nil {
			rejected = append(rejected, RejectedConfig{Key: key, Reason: err})
		}
	}
	return rejected
}

// ApplyAuthorizations applies a batch of Authorization updates.
func (r *Reducer) ApplyAuthorizations(updates []AuthorizationUpdate) []RejectedConfig {
	var rejected []RejectedConfig
	for _, u := range updates {
		if u.IsRemove {
			r.store.RemoveAuthorization(u.RemoveKey)
			continue
		}
		r.store.InsertAuthorization(u.Upsert)
	}
	return rejected
}

func (r *Reducer) insertWorkload(u *WorkloadUpsert) error {
	w := u.Workload

	// Remove-then-insert: tear down any endpoints derived from the previous
	// record before the new one replaces it, using the previous record's
	// IPs/network (spec design note on VIP changes on upsert).
	r.removeWorkloadAndEndpoints(w.UID)

	r.store.InsertWorkload(w)

	if w.Status == workload.Healthy {
		endpoints, err := deriveEndpoints(w, u.VIPs)
		if err != nil {
			return err
		}
		for _, ep := range endpoints {
			r.store.InsertEndpoint(ep)
		}
	}
	// Unhealthy workloads are inserted but contribute no endpoints (I6).

	if r.certs != nil && w.Node == r.localNode {
		id := w.Identity()
		if err := r.certs.Prefetch(context.Background(), id); err != nil {
			// Non-fatal: the listener path will lazily fetch (spec §4.2).
			r.log.WithError(err).WithField("identity", id.URI()).Info("certificate prefetch failed")
		}
	}
	return nil
}

func (r *Reducer) insertService(u *ServiceUpsert) {
	r.store.InsertService(u.Service)
}

// remove implements the remove-key disambiguation algorithm of spec §4.2:
// try as a workload UID first; otherwise, if the key is exactly
// "namespace/hostname" (a single '/', neither side containing one), treat it
// as a service key. Anything else is a malformed workload UID and is
// silently ignored (logged at trace).
func (r *Reducer) remove(key string) {
	if r.removeWorkloadAndEndpoints(key) {
		return
	}

	parts := strings.Split(key, "/")
	if len(parts) != 2 {
		r.log.WithField("key", key).Trace("remove key is not a workload UID or a namespace/hostname; ignoring")
		return
	}
	ns, hostname := parts[0], parts[1]
	if _, ok := r.store.RemoveService(netaddr.NamespacedHostname{Namespace: ns, Hostname: hostname}); !ok {
		r.log.WithField("key", key).Warn("tried to remove service, but it was not found")
	}
}

// removeWorkloadAndEndpoints removes the workload keyed by uid (if any) and
// all endpoints it contributed to any service. Reports whether a workload
// was found.
func (r *Reducer) removeWorkloadAndEndpoints(uid string) bool {
	prev, ok := r.store.RemoveWorkload(uid)
	if !ok {
		return false
	}
	for _, ip := range prev.IPs {
		r.store.RemoveEndpoint(netaddr.New(prev.Network, ip))
	}
	return true
}

// deriveEndpoints expands a workload's VIP map into one Endpoint per
// (VIP, workload IP) pair, the way original_source's `service_endpoints`
// helper does: a VIP key may carry an explicit "network/ip" form, defaulting
// to the workload's own network when absent.
func deriveEndpoints(w *workload.Workload, vips map[string]map[uint16]uint16) ([]service.Endpoint, error) {
	var out []service.Endpoint
	for rawVIP, ports := range vips {
		vipNetwork, vipIPStr := w.Network, rawVIP
		if network, ip, ok := strings.Cut(rawVIP, "/"); ok {
			vipNetwork, vipIPStr = network, ip
		}
		vipAddrStr := vipNetwork + "/" + vipIPStr
		vip, err := netaddr.Parse(vipAddrStr)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing vip %q", rawVIP)
		}
		for _, addr := range w.NetworkAddresses() {
			out = append(out, service.Endpoint{
				VIP:     vip,
				Address: addr,
				Ports:   cloneU16Map(ports),
			})
		}
	}
	return out, nil
}

func cloneU16Map(m map[uint16]uint16) map[uint16]uint16 {
	out := make(map[uint16]uint16, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
