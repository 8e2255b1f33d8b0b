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

// Package netaddr provides the network-qualified addressing primitives used
// to key the mesh state store: addresses are never globally unique across
// networks, so every lookup carries its network name alongside the IP.
package netaddr

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/pkg/errors"
)

// Address is the pair (network-name, IP). IPs are not globally unique across
// networks; every lookup in the state store is network-qualified.
type Address struct {
	Network string
	IP      netip.Addr
}

// New returns the network-qualified address for network and ip.
func New(network string, ip netip.Addr) Address {
	return Address{Network: network, IP: ip}
}

func (a Address) String() string {
	return fmt.Sprintf("%s/%s", a.Network, a.IP)
}

// Parse parses the "network/ip" wire form produced by String.
func Parse(s string) (Address, error) {
	network, ip, ok := strings.Cut(s, "/")
	if !ok {
		return Address{}, errors.Errorf("netaddr: invalid address %q, want network/ip", s)
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Address{}, errors.Wrapf(err, "netaddr: invalid address %q", s)
	}
	return Address{Network: network, IP: addr}, nil
}

// NamespacedHostname is the (namespace, hostname) secondary key for services.
type NamespacedHostname struct {
	Namespace string
	Hostname  string
}

func (n NamespacedHostname) String() string {
	return fmt.Sprintf("%s/%s", n.Namespace, n.Hostname)
}

// ParseNamespacedHostname parses the "namespace/hostname" wire form.
func ParseNamespacedHostname(s string) (NamespacedHostname, bool) {
	ns, host, ok := strings.Cut(s, "/")
	if !ok {
		return NamespacedHostname{}, false
	}
	return NamespacedHostname{Namespace: ns, Hostname: host}, true
}

// ByteAddressParseError is returned by FromBytes when the input is not a
// valid 4-byte (IPv4) or 16-byte (IPv6) address. It carries the offending
// length so callers can log or test against it (spec P5).
type ByteAddressParseError struct {
	Len int
}

func (e *ByteAddressParseError) Error() string {
	return fmt.Sprintf("netaddr: failed to parse address, had %d bytes", e.Len)
}

// FromBytes converts a raw 4- or 16-byte slice (as carried on the discovery
// wire) into an IP. Any other length is a *ByteAddressParseError carrying the
// original length.
func FromBytes(b []byte) (netip.Addr, error) {
	switch len(b) {
	case 4:
		var a [4]byte
		copy(a[:], b)
		return netip.AddrFrom4(a), nil
	case 16:
		var a [16]byte
		copy(a[:], b)
		return netip.AddrFrom16(a), nil
	default:
		return netip.Addr{}, &ByteAddressParseError{Len: len(b)}
	}
}

// ToStdIP is a convenience conversion used at the boundary with stdlib net
// APIs (net.Conn, net.TCPAddr) which still speak net.IP.
func ToStdIP(a netip.Addr) net.IP {
	return net.IP(a.AsSlice())
}
