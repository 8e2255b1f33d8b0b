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

package rbac

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/istio-ztunnel/ztunnel-core/pkg/identity"
)

func testIdentity(sa string) identity.Identity {
	return identity.Identity{TrustDomain: "cluster.local", Namespace: "prod", ServiceAccount: sa}
}

func TestEvaluateNoPoliciesDefaultAllow(t *testing.T) {
	conn := Connection{SrcIdentity: testIdentity("client")}
	assert.True(t, Evaluate(nil, conn))
}

func TestEvaluateAllowMatchingPrincipal(t *testing.T) {
	policy := &Authorization{
		Name: "allow-client", Namespace: "prod", Scope: Namespace,
		Rules: []Rule{{Action: Allow, PrincipalsAllowed: []string{testIdentity("client").URI()}}},
	}
	conn := Connection{SrcIdentity: testIdentity("client")}
	assert.True(t, Evaluate([]*Authorization{policy}, conn))

	other := Connection{SrcIdentity: testIdentity("other")}
	assert.False(t, Evaluate([]*Authorization{policy}, other))
}

func TestEvaluateDenyWins(t *testing.T) {
	allow := &Authorization{
		Name: "allow-all", Scope: Global,
		Rules: []Rule{{Action: Allow, PrincipalsAllowed: []string{"*"}}},
	}
	deny := &Authorization{
		Name: "deny-client", Scope: Global,
		Rules: []Rule{{Action: Deny, PrincipalsAllowed: []string{testIdentity("client").URI()}}},
	}
	conn := Connection{SrcIdentity: testIdentity("client")}
	assert.False(t, Evaluate([]*Authorization{allow, deny}, conn))

	other := Connection{SrcIdentity: testIdentity("other")}
	assert.True(t, Evaluate([]*Authorization{allow, deny}, other))
}

func TestEvaluateNotPrincipalsExcludes(t *testing.T) {
	policy := &Authorization{
		Name: "allow-not-client", Scope: Global,
		Rules: []Rule{{Action: Allow, PrincipalsAllowed: []string{"*"}, NotPrincipals: []string{testIdentity("client").URI()}}},
	}
	conn := Connection{SrcIdentity: testIdentity("client")}
	assert.False(t, Evaluate([]*Authorization{policy}, conn))
}

func TestEvaluateSourceIPMatch(t *testing.T) {
	policy := &Authorization{
		Name: "allow-subnet", Scope: Global,
		Rules: []Rule{{Action: Allow, SourceIPs: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")}}},
	}
	in := Connection{SrcIP: netip.MustParseAddr("10.0.0.5")}
	assert.True(t, Evaluate([]*Authorization{policy}, in))

	out := Connection{SrcIP: netip.MustParseAddr("10.0.1.5")}
	assert.False(t, Evaluate([]*Authorization{policy}, out))
}

func TestEvaluateWildcardRequiresNonZeroIdentity(t *testing.T) {
	policy := &Authorization{
		Name: "allow-all", Scope: Global,
		Rules: []Rule{{Action: Allow, PrincipalsAllowed: []string{"*"}}},
	}
	noCert := Connection{}
	assert.False(t, Evaluate([]*Authorization{policy}, noCert))
}

func TestEvaluateUnmatchedAllowOnlyPolicyDenies(t *testing.T) {
	policy := &Authorization{
		Name: "allow-specific", Scope: Global,
		Rules: []Rule{{Action: Allow, PrincipalsAllowed: []string{testIdentity("allowed").URI()}}},
	}
	conn := Connection{SrcIdentity: testIdentity("other")}
	assert.False(t, Evaluate([]*Authorization{policy}, conn))
}

func TestAuthorizationNamespaceKey(t *testing.T) {
	tests := []struct {
		name    string
		auth    Authorization
		wantKey string
		wantOK  bool
	}{
		{name: "global", auth: Authorization{Scope: Global}, wantKey: "", wantOK: true},
		{name: "namespace", auth: Authorization{Scope: Namespace, Namespace: "prod"}, wantKey: "prod", wantOK: true},
		{name: "workload selector", auth: Authorization{Scope: WorkloadSelector}, wantKey: "", wantOK: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			key, ok := tc.auth.NamespaceKey()
			assert.Equal(t, tc.wantKey, key)
			assert.Equal(t, tc.wantOK, ok)
		})
	}
}

func TestAuthorizationKey(t *testing.T) {
	a := &Authorization{Name: "foo", Namespace: "bar"}
	assert.Equal(t, "bar/foo", a.Key())
}

func TestConnectionStringRendersNoneForZeroIdentity(t *testing.T) {
	conn := Connection{
		SrcIP:      netip.MustParseAddr("10.0.0.5"),
		DstNetwork: "default",
		Dst:        netip.MustParseAddrPort("10.0.0.6:8080"),
	}
	assert.Contains(t, conn.String(), "src=None")
}
