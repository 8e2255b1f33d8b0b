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

// Package rbac implements the authorization policy data model (C4's inputs)
// and the connection tuple policy is evaluated against.
package rbac

import (
	"fmt"
	"net/netip"

	"github.com/istio-ztunnel/ztunnel-core/pkg/identity"
)

// Scope controls which workloads a policy applies to.
type Scope int

const (
	Global Scope = iota
	Namespace
	WorkloadSelector
)

// Action is whether a matching rule allows or denies the connection.
type Action int

const (
	Allow Action = iota
	Deny
)

// Rule is a single match predicate. Empty slices mean "don't care" (matches
// anything) for that dimension, mirroring Istio AuthorizationPolicy rule
// semantics.
type Rule struct {
	Action            Action
	PrincipalsAllowed []string // SPIFFE identity URIs or bare service-account names; "*" matches any peer that presented an identity.
	NotPrincipals     []string
	SourceIPs         []netip.Prefix
}

// Authorization is a single RBAC policy.
type Authorization struct {
	Name      string
	Namespace string
	Scope     Scope
	Rules     []Rule
}

// Key is the primary index key: "namespace/name".
func (a *Authorization) Key() string {
	return fmt.Sprintf("%s/%s", a.Namespace, a.Name)
}

// NamespaceKey is the by-namespace reverse-index key (invariant I7): the
// policy's namespace, or "" for global scope. Workload-selector policies
// have no namespace key at all.
func (a *Authorization) NamespaceKey() (key string, ok bool) {
	switch a.Scope {
	case Global:
		return "", true
	case Namespace:
		return a.Namespace, true
	default:
		return "", false
	}
}

// Connection is the tuple policy (and waypoint/gateway gating) is evaluated
// against.
type Connection struct {
	// SrcIdentity is the peer identity extracted from the client cert SAN,
	// the zero Identity if no client cert was presented.
	SrcIdentity identity.Identity
	SrcIP       netip.Addr
	DstNetwork  string
	Dst         netip.AddrPort
}

func (c Connection) String() string {
	src := c.SrcIdentity.String()
	if c.SrcIdentity.IsZero() {
		src = "None"
	}
	return fmt.Sprintf("src=%s srcip=%s dst=%s/%s", src, c.SrcIP, c.DstNetwork, c.Dst)
}

// matches reports whether rule matches conn.
func (r Rule) matches(conn Connection) bool {
	if len(r.PrincipalsAllowed) > 0 {
		ok := false
		for _, p := range r.PrincipalsAllowed {
			if principalMatches(p, conn.SrcIdentity) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, np := range r.NotPrincipals {
		if principalMatches(np, conn.SrcIdentity) {
			return false
		}
	}
	if len(r.SourceIPs) > 0 {
		ok := false
		for _, prefix := range r.SourceIPs {
			if prefix.Contains(conn.SrcIP) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func principalMatches(pattern string, id identity.Identity) bool {
	if id.IsZero() {
		return false
	}
	if pattern == "*" {
		return true
	}
	return pattern == id.URI() || pattern == id.ServiceAccount
}

// Evaluate implements C4: assert(connection) -> bool. A matching Deny rule
// always denies. Otherwise the connection is allowed if some Allow rule
// matches, or if the selected policies carry no Allow rules at all
// (default-allow when no policies select the workload, and also when only
// Deny rules are selected and none of them matched).
func Evaluate(policies []*Authorization, conn Connection) bool {
	if len(policies) == 0 {
		return true
	}
	anyAllow := false
	for _, p := range policies {
		for _, r := range p.Rules {
			if !r.matches(conn) {
				continue
			}
			switch r.Action {
			case Deny:
				return false
			case Allow:
				anyAllow = true
			}
		}
	}
	// A policy that selects the workload but whose rules never matched (so
	// contributed neither an allow nor a deny) still counts as "a policy
	// applies"; Istio policies are allow-lists, so failing to match any rule
	// in an Allow-only policy set is itself a deny once at least one
	// allow-capable policy exists but none of its rules matched.
	hasAllowPolicy := false
	for _, p := range policies {
		for _, r := range p.Rules {
			if r.Action == Allow {
				hasAllowPolicy = true
			}
		}
	}
	if hasAllowPolicy {
		return anyAllow
	}
	return true
}
