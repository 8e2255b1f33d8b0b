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
	"net/netip"
	"strings"

	"github.com/pkg/errors"

	"github.com/istio-ztunnel/ztunnel-core/pkg/netaddr"
	"github.com/istio-ztunnel/ztunnel-core/pkg/rbac"
	"github.com/istio-ztunnel/ztunnel-core/pkg/reducer"
	"github.com/istio-ztunnel/ztunnel-core/pkg/service"
	"github.com/istio-ztunnel/ztunnel-core/pkg/workload"
)

func toWorkload(w *WireWorkload) (*workload.Workload, error) {
	ips := make([]netip.Addr, 0, len(w.IPs))
	for _, s := range w.IPs {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, errors.Wrapf(err, "workload ip %q", s)
		}
		ips = append(ips, addr)
	}
	status := workload.Unhealthy
	if w.Healthy {
		status = workload.Healthy
	}
	protocol := workload.TCP
	if w.Tunneled {
		protocol = workload.Tunneled
	}
	out := &workload.Workload{
		UID:                   w.UID,
		IPs:                   ips,
		Protocol:              protocol,
		TrustDomain:           w.TrustDomain,
		Namespace:             w.Namespace,
		ServiceAccount:        w.ServiceAccount,
		Network:               w.Network,
		WorkloadName:          w.WorkloadName,
		WorkloadType:          w.WorkloadType,
		CanonicalName:         w.CanonicalName,
		CanonicalRevision:     w.CanonicalRevision,
		Node:                  w.Node,
		ClusterID:             w.ClusterID,
		AuthorizationPolicies: w.AuthorizationPolicies,
		Status:                status,
	}
	gw, err := toGatewayAddress(w.WaypointAddress, w.WaypointPort)
	if err != nil {
		return nil, err
	}
	out.Waypoint = gw
	gw, err = toGatewayAddress(w.NetworkGatewayAddress, w.NetworkGatewayPort)
	if err != nil {
		return nil, err
	}
	out.NetworkGateway = gw
	return out, nil
}

func toGatewayAddress(raw string, port uint16) (*workload.GatewayAddress, error) {
	if raw == "" {
		return nil, nil
	}
	if addr, err := netaddr.Parse(raw); err == nil {
		return &workload.GatewayAddress{Destination: workload.AddressDestination{Address: addr}, Port: port}, nil
	}
	ns, host, ok := strings.Cut(raw, "/")
	if !ok {
		return nil, errors.Errorf("gateway address %q is neither a network address nor namespace/hostname", raw)
	}
	return &workload.GatewayAddress{
		Destination: workload.HostnameDestination{Hostname: netaddr.NamespacedHostname{Namespace: ns, Hostname: host}},
		Port:        port,
	}, nil
}

func toService(s *WireService) (*service.Service, error) {
	vips := make([]netaddr.Address, 0, len(s.VIPs))
	for _, v := range s.VIPs {
		addr, err := netaddr.Parse(v)
		if err != nil {
			return nil, errors.Wrapf(err, "vip %q", v)
		}
		vips = append(vips, addr)
	}
	var primaryVIP netaddr.Address
	if len(vips) > 0 {
		primaryVIP = vips[0]
	}
	endpoints := make(map[netaddr.Address]service.Endpoint, len(s.Endpoints))
	for addrStr, ep := range s.Endpoints {
		addr, err := netaddr.Parse(addrStr)
		if err != nil {
			return nil, errors.Wrapf(err, "endpoint address %q", addrStr)
		}
		endpoints[addr] = service.Endpoint{VIP: primaryVIP, Address: addr, Ports: ep.Ports}
	}
	return &service.Service{
		Name:      s.Name,
		Namespace: s.Namespace,
		Hostname:  s.Hostname,
		VIPs:      vips,
		Ports:     s.Ports,
		Endpoints: endpoints,
	}, nil
}

func toAuthorization(a *WireAuthorization) (*rbac.Authorization, error) {
	var scope rbac.Scope
	switch a.Scope {
	case "", "global":
		scope = rbac.Global
	case "namespace":
		scope = rbac.Namespace
	case "workloadSelector":
		scope = rbac.WorkloadSelector
	default:
		return nil, errors.Errorf("unknown policy scope %q", a.Scope)
	}
	rules := make([]rbac.Rule, 0, len(a.Rules))
	for _, r := range a.Rules {
		var action rbac.Action
		switch r.Action {
		case "", "allow":
			action = rbac.Allow
		case "deny":
			action = rbac.Deny
		default:
			return nil, errors.Errorf("unknown rule action %q", r.Action)
		}
		prefixes := make([]netip.Prefix, 0, len(r.SourceIPs))
		for _, s := range r.SourceIPs {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, errors.Wrapf(err, "source ip %q", s)
			}
			prefixes = append(prefixes, p)
		}
		rules = append(rules, rbac.Rule{
			Action:            action,
			PrincipalsAllowed: r.PrincipalsAllowed,
			NotPrincipals:     r.NotPrincipals,
			SourceIPs:         prefixes,
		})
	}
	return &rbac.Authorization{Name: a.Name, Namespace: a.Namespace, Scope: scope, Rules: rules}, nil
}

// applyBatch converts and applies one wire batch to r, returning the
// combined rejection list across all three resource kinds (spec §4.2: the
// reducer never aborts a batch on a single rejection).
func applyBatch(r *reducer.Reducer, batch *Batch) []reducer.RejectedConfig {
	var rejected []reducer.RejectedConfig
	var workloadUpdates []reducer.WorkloadUpdate
	var addressUpdates []reducer.AddressUpdate
	var authUpdates []reducer.AuthorizationUpdate

	for _, u := range batch.Updates {
		switch u.Kind {
		case KindWorkload:
			if u.RemoveKey != "" {
				workloadUpdates = append(workloadUpdates, reducer.WorkloadUpdate{IsRemove: true, RemoveKey: u.RemoveKey})
				continue
			}
			w, err := toWorkload(u.Workload)
			if err != nil {
				rejected = append(rejected, reducer.RejectedConfig{Key: u.Workload.UID, Reason: err})
				continue
			}
			workloadUpdates = append(workloadUpdates, reducer.WorkloadUpdate{
				Upsert: &reducer.WorkloadUpsert{Workload: w, VIPs: u.Workload.VIPs},
			})
		case KindAddress:
			if u.RemoveKey != "" {
				addressUpdates = append(addressUpdates, reducer.AddressUpdate{IsRemove: true, RemoveKey: u.RemoveKey})
				continue
			}
			switch {
			case u.Address.Workload != nil:
				w, err := toWorkload(u.Address.Workload)
				if err != nil {
					rejected = append(rejected, reducer.RejectedConfig{Key: u.Address.Workload.UID, Reason: err})
					continue
				}
				addressUpdates = append(addressUpdates, reducer.AddressUpdate{
					Upsert: &reducer.AddressUpsert{Workload: &reducer.WorkloadUpsert{Workload: w, VIPs: u.Address.Workload.VIPs}},
				})
			case u.Address.Service != nil:
				s, err := toService(u.Address.Service)
				if err != nil {
					rejected = append(rejected, reducer.RejectedConfig{Key: u.Address.Service.Hostname, Reason: err})
					continue
				}
				addressUpdates = append(addressUpdates, reducer.AddressUpdate{
					Upsert: &reducer.AddressUpsert{Service: &reducer.ServiceUpsert{Service: s}},
				})
			default:
				rejected = append(rejected, reducer.RejectedConfig{Reason: errors.New("address update carries neither workload nor service")})
			}
		case KindAuthorization:
			if u.RemoveKey != "" {
				authUpdates = append(authUpdates, reducer.AuthorizationUpdate{IsRemove: true, RemoveKey: u.RemoveKey})
				continue
			}
			a, err := toAuthorization(u.Authorization)
			if err != nil {
				rejected = append(rejected, reducer.RejectedConfig{Key: u.Authorization.Name, Reason: err})
				continue
			}
			authUpdates = append(authUpdates, reducer.AuthorizationUpdate{Upsert: a})
		default:
			rejected = append(rejected, reducer.RejectedConfig{Reason: errors.Errorf("unknown resource kind %q", u.Kind)})
		}
	}

	rejected = append(rejected, r.ApplyWorkloads(workloadUpdates)...)
	rejected = append(rejected, r.ApplyAddresses(addressUpdates)...)
	rejected = append(rejected, r.ApplyAuthorizations(authUpdates)...)
	return rejected
}
