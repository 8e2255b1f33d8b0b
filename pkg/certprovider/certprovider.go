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

// Package certprovider implements C3: per-accept selection of a mutual-TLS
// acceptor, keyed by the destination workload's identity. Certificate
// issuance mechanics are out of scope (spec §1) and are treated purely as
// the CertificateAuthority capability.
package certprovider

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/netip"

	"github.com/istio-ztunnel/ztunnel-core/pkg/identity"
	"github.com/istio-ztunnel/ztunnel-core/pkg/netaddr"
	"github.com/istio-ztunnel/ztunnel-core/pkg/workload"
)

// CertificateAuthority is the injected capability that turns an identity
// into a ready-to-use mTLS server acceptor. Concrete implementations (an
// Istio CA client, a local test CA) are supplied at startup; test doubles
// replace it wholesale (spec design note on capabilities).
type CertificateAuthority interface {
	// Prefetch asks the CA to warm its cache for id. Errors are non-fatal.
	Prefetch(ctx context.Context, id identity.Identity) error
	// AcceptorConfig returns a *tls.Config configured to present id's
	// certificate and to require and verify a client certificate.
	AcceptorConfig(ctx context.Context, id identity.Identity) (*tls.Config, error)
}

// WorkloadLookup is the subset of the state store C3 needs: resolving the
// destination IP to a workload on "our" network. A miss awaits a pending
// on-demand discovery fetch before being reported (spec §5); *state.Store
// alone never resolves a miss, so production wires this to a
// *state.DemandStore.
type WorkloadLookup interface {
	FetchWorkload(ctx context.Context, addr netaddr.Address) (*workload.Workload, bool)
}

// CertificateLookupError means no workload was found for the destination
// address a connection was accepted on; the handshake is aborted before TLS
// begins (spec §7).
type CertificateLookupError struct {
	Address netaddr.Address
}

func (e *CertificateLookupError) Error() string {
	return fmt.Sprintf("certificate lookup: no workload for address %s", e.Address)
}

// Provider implements fetch_acceptor.
type Provider struct {
	Network string // "our" network: inbound traffic is, by definition, on it.
	Store   WorkloadLookup
	CA      CertificateAuthority
}

// New returns a Provider resolving destination identities against store on
// network, using ca to mint acceptors.
func New(network string, store WorkloadLookup, ca CertificateAuthority) *Provider {
	return &Provider{Network: network, Store: store, CA: ca}
}

// FetchAcceptor obtains the original destination IP of the accepted socket,
// looks it up on "our" network, and returns a *tls.Config pinned to that
// workload's identity, requiring and verifying a client certificate.
func (p *Provider) FetchAcceptor(ctx context.Context, origDst netip.AddrPort) (*tls.Config, error) {
	addr := netaddr.New(p.Network, origDst.Addr())
	w, ok := p.Store.FetchWorkload(ctx, addr)
	if !ok {
		return nil, &CertificateLookupError{Address: addr}
	}
	cfg, err := p.CA.AcceptorConfig(ctx, w.Identity())
	if err != nil {
		return nil, err
	}
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}
