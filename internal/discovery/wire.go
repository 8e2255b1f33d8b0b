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

// Package discovery is the streaming gRPC discovery transport (spec §6
// "Discovery update schema (consumed)"): typed Address/Workload/Authorization
// upserts and removes, carried over a bidi-streaming RPC. No protobuf
// definitions were retrieved alongside the spec, so the wire messages below
// are a hand-written, struct-tagged envelope, carried with a small JSON
// grpc.Codec rather than protobuf — the RPC shape (streaming, service
// registration, interceptors) still follows google.golang.org/grpc and
// grpc_prometheus exactly as the teacher's xDS server does.
package discovery

// Kind is the discriminator for a wireUpdate's resource kind.
type Kind string

const (
	KindWorkload      Kind = "workload"
	KindAddress       Kind = "address"
	KindAuthorization Kind = "authorization"
)

// WireWorkload is the over-the-wire workload resource, paired with its VIP
// map exactly as original_source's XdsWorkload.virtual_ips does.
type WireWorkload struct {
	UID                   string              `json:"uid"`
	IPs                   []string            `json:"workloadIps"`
	WaypointAddress       string              `json:"waypointAddress,omitempty"`
	WaypointPort          uint16              `json:"waypointPort,omitempty"`
	NetworkGatewayAddress string              `json:"networkGatewayAddress,omitempty"`
	NetworkGatewayPort    uint16              `json:"networkGatewayPort,omitempty"`
	Tunneled              bool                `json:"tunnelProtocol,omitempty"`
	TrustDomain           string              `json:"trustDomain"`
	Namespace             string              `json:"namespace"`
	ServiceAccount        string              `json:"serviceAccount"`
	Network               string              `json:"network"`
	WorkloadName          string              `json:"workloadName"`
	WorkloadType          string              `json:"workloadType"`
	CanonicalName         string              `json:"canonicalName"`
	CanonicalRevision     string              `json:"canonicalRevision"`
	Node                  string              `json:"node"`
	ClusterID             string              `json:"clusterId"`
	Healthy               bool                `json:"healthy"`
	AuthorizationPolicies []string            `json:"authorizationPolicies,omitempty"`
	VIPs                  map[string]map[uint16]uint16 `json:"virtualIps,omitempty"`
}

// WireEndpoint is a single service endpoint entry over the wire.
type WireEndpoint struct {
	Address string            `json:"address"`
	Ports   map[uint16]uint16 `json:"ports"`
}

// WireService is the over-the-wire service resource.
type WireService struct {
	Name      string                  `json:"name"`
	Namespace string                  `json:"namespace"`
	Hostname  string                  `json:"hostname"`
	VIPs      []string                `json:"vips"`
	Ports     map[uint16]uint16       `json:"ports"`
	Endpoints map[string]WireEndpoint `json:"endpoints,omitempty"`
}

// WireAddress is the tagged union backing the "Address" resource kind.
type WireAddress struct {
	Workload *WireWorkload `json:"workload,omitempty"`
	Service  *WireService  `json:"service,omitempty"`
}

// WireAuthorization mirrors rbac.Authorization for the wire, with Action/
// Scope as their string spellings instead of the Go enum's int encoding.
type WireAuthorization struct {
	Name      string     `json:"name"`
	Namespace string     `json:"namespace"`
	Scope     string     `json:"scope"`
	Rules     []WireRule `json:"rules"`
}

type WireRule struct {
	Action            string   `json:"action"`
	PrincipalsAllowed []string `json:"principalsAllowed,omitempty"`
	NotPrincipals     []string `json:"notPrincipals,omitempty"`
	SourceIPs         []string `json:"sourceIps,omitempty"`
}

// Update is one entry in a batch: Upsert xor Remove is set, for the
// resource kind named by Kind.
type Update struct {
	Kind      Kind               `json:"kind"`
	RemoveKey string             `json:"removeKey,omitempty"`
	Workload  *WireWorkload      `json:"workload,omitempty"`
	Address   *WireAddress       `json:"address,omitempty"`
	Authorization *WireAuthorization `json:"authorization,omitempty"`
}

// Batch is a single message on the stream: a set of updates the server
// applies as one batch (spec §4.2 "a per-batch list of rejected items").
type Batch struct {
	Updates []Update `json:"updates"`
}

// Rejection mirrors reducer.RejectedConfig for the wire.
type Rejection struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// Ack is the client's per-batch response to the server, or, with Resync set
// and no Rejected entries, an on-demand fetch poke asking the server to push
// a fresh batch outside its normal cadence (spec §5 "fetch_workload may await
// a pending on-demand XDS response").
type Ack struct {
	Rejected []Rejection `json:"rejected,omitempty"`
	Resync   bool        `json:"resync,omitempty"`
}
