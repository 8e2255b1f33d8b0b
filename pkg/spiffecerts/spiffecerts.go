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

// Package spiffecerts is a CertificateAuthority implementation (spec §9
// "capability traits") that mints short-lived X.509 certificates carrying a
// SPIFFE URI SAN rather than the DNS SANs a web-PKI CA would use. It is
// adapted from the RSA keypair generation in Contour's certgen package,
// dropping everything certgen did beyond minting a keypair (Kubernetes
// Secret output, YAML/PEM file writing) since none of it is meaningful
// inside the data plane's own process.
package spiffecerts

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/istio-ztunnel/ztunnel-core/pkg/identity"
)

const keySize = 2048

// CA is an in-memory root that signs per-identity leaf certificates on
// demand, suitable for tests and for environments that have not yet wired a
// real mesh CA client.
type CA struct {
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	rootPEM  tls.Certificate

	ttl time.Duration

	mu    sync.Mutex
	cache map[identity.Identity]*tls.Certificate
}

// NewCA generates a fresh self-signed root valid for validFor, typically far
// longer than any leaf's ttl.
func NewCA(commonName string, validFor time.Duration, leafTTL time.Duration) (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, errors.Wrap(err, "generating root key")
	}
	now := time.Now()
	serial := newSerial(now)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			SerialNumber: serial.String(),
		},
		NotBefore:             now.UTC().Add(-time.Hour),
		NotAfter:              now.UTC().Add(validFor),
		SubjectKeyId:          bigIntHash(key.N),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "self-signing root")
	}
	root, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "parsing root")
	}
	return &CA{
		rootCert: root,
		rootKey:  key,
		rootPEM:  tls.Certificate{Certificate: [][]byte{der}},
		ttl:      leafTTL,
		cache:    make(map[identity.Identity]*tls.Certificate),
	}, nil
}

// Prefetch mints and caches a leaf certificate for id ahead of its first use
// (spec §4.2 "certificate prefetch").
func (c *CA) Prefetch(_ context.Context, id identity.Identity) error {
	_, err := c.leafFor(id)
	return err
}

// AcceptorConfig returns a *tls.Config presenting id's leaf certificate and
// requiring a client certificate (the caller, C3, sets ClientAuth; this
// config is a template).
func (c *CA) AcceptorConfig(_ context.Context, id identity.Identity) (*tls.Config, error) {
	leaf, err := c.leafFor(id)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(c.rootCert)
	return &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func (c *CA) leafFor(id identity.Identity) (*tls.Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if leaf, ok := c.cache[id]; ok && leaf.Leaf != nil && time.Now().Before(leaf.Leaf.NotAfter) {
		return leaf, nil
	}
	leaf, err := c.mintLeaf(id)
	if err != nil {
		return nil, err
	}
	c.cache[id] = leaf
	return leaf, nil
}

func (c *CA) mintLeaf(id identity.Identity) (*tls.Certificate, error) {
	uri, err := url.Parse(id.URI())
	if err != nil {
		return nil, errors.Wrapf(err, "identity %s is not a valid URI", id.URI())
	}

	key, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, errors.Wrap(err, "generating leaf key")
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: newSerial(now),
		Subject: pkix.Name{
			CommonName: id.ServiceAccount,
		},
		NotBefore:    now.UTC().Add(-time.Minute),
		NotAfter:     now.UTC().Add(c.ttl),
		SubjectKeyId: bigIntHash(key.N),
		KeyUsage: x509.KeyUsageDigitalSignature |
			x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		URIs:        []*url.URL{uri},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, c.rootCert, &key.PublicKey, c.rootKey)
	if err != nil {
		return nil, errors.Wrap(err, "signing leaf")
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "parsing signed leaf")
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, c.rootPEM.Certificate[0]},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func newSerial(now time.Time) *big.Int {
	return big.NewInt(int64(now.UnixNano()))
}

func bigIntHash(n *big.Int) []byte {
	h := sha1.New()
	h.Write(n.Bytes())
	return h.Sum(nil)
}

// DialerConfig returns a *tls.Config suitable for a client connecting as id,
// trusting the CA's own root — used by tests that dial the inbound listener
// end to end.
func (c *CA) DialerConfig(id identity.Identity) (*tls.Config, error) {
	leaf, err := c.leafFor(id)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(c.rootCert)
	return &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
		ServerName:   fmt.Sprintf("%s.internal", id.ServiceAccount),
		InsecureSkipVerify: true, // server cert SAN is a SPIFFE URI, not a DNS name the stdlib verifier checks by hostname.
	}, nil
}
