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

// Package identity implements the SPIFFE-form cryptographic identity used as
// the mTLS subject and the certificate-issuance key.
package identity

import (
	"fmt"
	"strings"
)

// Identity is the triple (trust-domain, namespace, service-account).
type Identity struct {
	TrustDomain    string
	Namespace      string
	ServiceAccount string
}

// URI renders the SPIFFE URI SAN form: spiffe://<trust-domain>/ns/<namespace>/sa/<service-account>.
func (i Identity) URI() string {
	return fmt.Sprintf("spiffe://%s/ns/%s/sa/%s", i.TrustDomain, i.Namespace, i.ServiceAccount)
}

func (i Identity) String() string {
	return i.URI()
}

// IsZero reports whether i carries no identity at all (absent client cert).
func (i Identity) IsZero() bool {
	return i == Identity{}
}

// ParseSPIFFE parses a "spiffe://<trust-domain>/ns/<namespace>/sa/<service-account>"
// URI SAN, as presented in a peer leaf certificate. It returns false if uri is
// not of that form.
func ParseSPIFFE(uri string) (Identity, bool) {
	const prefix = "spiffe://"
	if !strings.HasPrefix(uri, prefix) {
		return Identity{}, false
	}
	rest := uri[len(prefix):]
	trustDomain, rest, ok := strings.Cut(rest, "/ns/")
	if !ok {
		return Identity{}, false
	}
	namespace, rest, ok := strings.Cut(rest, "/sa/")
	if !ok {
		return Identity{}, false
	}
	serviceAccount := rest
	if trustDomain == "" || namespace == "" || serviceAccount == "" {
		return Identity{}, false
	}
	return Identity{TrustDomain: trustDomain, Namespace: namespace, ServiceAccount: serviceAccount}, true
}
