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

// Package localconfig is a local-file discovery transport, the YAML
// alternative to the streaming gRPC transport used for tests and standalone
// runs (spec §6 "Local configuration file (testing)"). It is a direct port
// of original_source's LocalClient/LocalConfig/LocalWorkload, reading the
// same top-level schema with gopkg.in/yaml.v3 in place of serde_yaml.
package localconfig

import (
	"net/netip"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/istio-ztunnel/ztunnel-core/pkg/netaddr"
	"github.com/istio-ztunnel/ztunnel-core/pkg/rbac"
	"github.com/istio-ztunnel/ztunnel-core/pkg/reducer"
	"github.com/istio-ztunnel/ztunnel-core/pkg/service"
	"github.com/istio-ztunnel/ztunnel-core/pkg/workload"
)

// rawWorkload mirrors LocalWorkload: a flattened workload record plus its
// VIP map (service-port -> target-port per VIP).
type rawWorkload struct {
	UID               string            `yaml:"uid"`
	IPs               []string          `yaml:"workloadIps"`
	TrustDomain       string            `yaml:"trustDomain"`
	Namespace         string            `yaml:"namespace"`
	ServiceAccount    string            `yaml:"serviceAccount"`
	Network           string            `yaml:"network"`
	WorkloadName      string            `yaml:"workloadName"`
	WorkloadType      string            `yaml:"workloadType"`
	CanonicalName     string            `yaml:"canonicalName"`
	CanonicalRevision string            `yaml:"canonicalRevision"`
	Node              string            `yaml:"node"`
	ClusterID         string            `yaml:"clusterId"`
	Tunneled          bool              `yaml:"tunnelProtocol"`
	Healthy           *bool             `yaml:"healthy"`
	Policies          []string          `yaml:"authorizationPolicies"`
	WaypointAddr      string                        `yaml:"waypointAddress"`
	WaypointPort      uint16                        `yaml:"waypointPort"`
	GatewayAddr       string                        `yaml:"networkGatewayAddress"`
	GatewayPort       uint16                        `yaml:"networkGatewayPort"`
	VIPs              map[string]map[uint16]uint16  `yaml:"vips"`
}

type rawEndpoint struct {
	Address string           `yaml:"address"`
	Ports   map[uint16]uint16 `yaml:"ports"`
}

type rawService struct {
	Name      string                 `yaml:"name"`
	Namespace string                 `yaml:"namespace"`
	Hostname  string                 `yaml:"hostname"`
	VIPs      []string               `yaml:"vips"`
	Ports     map[uint16]uint16      `yaml:"ports"`
	Endpoints map[string]rawEndpoint `yaml:"endpoints"`
}

type rawRule struct {
	Action            string   `yaml:"action"`
	PrincipalsAllowed []string `yaml:"principalsAllowed"`
	NotPrincipals     []string `yaml:"notPrincipals"`
	SourceIPs         []string `yaml:"sourceIps"`
}

type rawAuthorization struct {
	Name      string    `yaml:"name"`
	Namespace string    `yaml:"namespace"`
	Scope     string    `yaml:"scope"`
	Rules     []rawRule `yaml:"rules"`
}

// document is the top-level YAML schema: "workloads", "services", "policies".
type document struct {
	Workloads []rawWorkload      `yaml:"workloads"`
	Services  []rawService       `yaml:"services"`
	Policies  []rawAuthorization `yaml:"policies"`
}

// Load reads a local config document from path and applies it to r as a
// single batch of upserts, exactly as the streaming transport would.
func Load(path string, r *reducer.Reducer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "localconfig: reading file")
	}
	return LoadBytes(data, r)
}

// LoadBytes parses data as a local config document and applies it to r.
func LoadBytes(data []byte, r *reducer.Reducer) error {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.Wrap(err, "localconfig: parsing yaml")
	}

	var workloadUpdates []reducer.WorkloadUpdate
	for _, rw := range doc.Workloads {
		w, vips, err := rw.toWorkload()
		if err != nil {
			return errors.Wrapf(err, "localconfig: workload %q", rw.UID)
		}
		workloadUpdates = append(workloadUpdates, reducer.WorkloadUpdate{
			Upsert: &reducer.WorkloadUpsert{Workload: w, VIPs: vips},
		})
	}
	if rejected := r.ApplyWorkloads(workloadUpdates); len(rejected) > 0 {
		return errors.Errorf("localconfig: %d workload(s) rejected: %+v", len(rejected), rejected)
	}

	var authUpdates []reducer.AuthorizationUpdate
	for _, ra := range doc.Policies {
		a, err := ra.toAuthorization()
		if err != nil {
			return errors.Wrapf(err, "localconfig: policy %q", ra.Name)
		}
		authUpdates = append(authUpdates, reducer.AuthorizationUpdate{Upsert: a})
	}
	r.ApplyAuthorizations(authUpdates)

	var addrUpdates []reducer.AddressUpdate
	for _, rs := range doc.Services {
		svc, err := rs.toService()
		if err != nil {
			return errors.Wrapf(err, "localconfig: service %q", rs.Hostname)
		}
		addrUpdates = append(addrUpdates, reducer.AddressUpdate{
			Upsert: &reducer.AddressUpsert{Service: &reducer.ServiceUpsert{Service: svc}},
		})
	}
	if rejected := r.ApplyAddresses(addrUpdates); len(rejected) > 0 {
		return errors.Errorf("localconfig: %d service(s) rejected: %+v", len(rejected), rejected)
	}

	return nil
}

func (rw rawWorkload) toWorkload() (*workload.Workload, map[string]map[uint16]uint16, error) {
	ips := make([]netip.Addr, 0, len(rw.IPs))
	for _, s := range rw.IPs {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "workload ip %q", s)
		}
		ips = append(ips, addr)
	}
	status := workload.Healthy
	if rw.Healthy != nil && !*rw.Healthy {
		status = workload.Unhealthy
	}
	protocol := workload.TCP
	if rw.Tunneled {
		protocol = workload.Tunneled
	}
	w := &workload.Workload{
		UID:                   rw.UID,
		IPs:                   ips,
		Protocol:              protocol,
		TrustDomain:           rw.TrustDomain,
		Namespace:             rw.Namespace,
		ServiceAccount:        rw.ServiceAccount,
		Network:               rw.Network,
		WorkloadName:          rw.WorkloadName,
		WorkloadType:          rw.WorkloadType,
		CanonicalName:         rw.CanonicalName,
		CanonicalRevision:     rw.CanonicalRevision,
		Node:                  rw.Node,
		ClusterID:             rw.ClusterID,
		AuthorizationPolicies: rw.Policies,
		Status:                status,
	}
	if gw, err := parseGateway(rw.WaypointAddr, rw.WaypointPort); err != nil {
		return nil, nil, err
	} else {
		w.Waypoint = gw
	}
	if gw, err := parseGateway(rw.GatewayAddr, rw.GatewayPort); err != nil {
		return nil, nil, err
	} else {
		w.NetworkGateway = gw
	}
	return w, rw.VIPs, nil
}

// parseGateway resolves a "network/ip" or "namespace/hostname" string into
// a GatewayAddress, or returns nil if raw is empty.
func parseGateway(raw string, port uint16) (*workload.GatewayAddress, error) {
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

func (ra rawAuthorization) toAuthorization() (*rbac.Authorization, error) {
	scope, err := parseScope(ra.Scope)
	if err != nil {
		return nil, err
	}
	rules := make([]rbac.Rule, 0, len(ra.Rules))
	for _, rr := range ra.Rules {
		action, err := parseAction(rr.Action)
		if err != nil {
			return nil, err
		}
		prefixes := make([]netip.Prefix, 0, len(rr.SourceIPs))
		for _, s := range rr.SourceIPs {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, errors.Wrapf(err, "source ip %q", s)
			}
			prefixes = append(prefixes, p)
		}
		rules = append(rules, rbac.Rule{
			Action:            action,
			PrincipalsAllowed: rr.PrincipalsAllowed,
			NotPrincipals:     rr.NotPrincipals,
			SourceIPs:         prefixes,
		})
	}
	return &rbac.Authorization{Name: ra.Name, Namespace: ra.Namespace, Scope: scope, Rules: rules}, nil
}

func parseScope(s string) (rbac.Scope, error) {
	switch s {
	case "", "global":
		return rbac.Global, nil
	case "namespace":
		return rbac.Namespace, nil
	case "workloadSelector":
		return rbac.WorkloadSelector, nil
	default:
		return 0, errors.Errorf("unknown policy scope %q", s)
	}
}

func parseAction(s string) (rbac.Action, error) {
	switch s {
	case "", "allow":
		return rbac.Allow, nil
	case "deny":
		return rbac.Deny, nil
	default:
		return 0, errors.Errorf("unknown rule action %q", s)
	}
}

func (rs rawService) toService() (*service.Service, error) {
	vips := make([]netaddr.Address, 0, len(rs.VIPs))
	for _, v := range rs.VIPs {
		addr, err := netaddr.Parse(v)
		if err != nil {
			return nil, errors.Wrapf(err, "vip %q", v)
		}
		vips = append(vips, addr)
	}
	endpoints := make(map[netaddr.Address]service.Endpoint, len(rs.Endpoints))
	for addrStr, ep := range rs.Endpoints {
		addr, err := netaddr.Parse(addrStr)
		if err != nil {
			return nil, errors.Wrapf(err, "endpoint address %q", addrStr)
		}
		var vip netaddr.Address
		if len(vips) > 0 {
			vip = vips[0]
		}
		endpoints[addr] = service.Endpoint{VIP: vip, Address: addr, Ports: ep.Ports}
	}
	return &service.Service{
		Name:      rs.Name,
		Namespace: rs.Namespace,
		Hostname:  rs.Hostname,
		VIPs:      vips,
		Ports:     rs.Ports,
		Endpoints: endpoints,
	}, nil
}
