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

// Package socket is the SocketOps capability (spec §1, §4.5, §9): the
// transparent-socket syscalls (original-destination retrieval,
// original-source bind) are platform-specific and out of the core's scope.
// This package defines the capability surface and a portable net.Conn-based
// implementation; a Linux build with SO_ORIGINAL_DST would satisfy the same
// interface.
package socket

import (
	"net"
	"net/netip"

	"github.com/pkg/errors"
)

// Ops is the capability injected into the inbound listener and tunnel
// handler for retrieving the pre-NAT destination of an accepted connection,
// and for determining whether original-source binding is available.
type Ops interface {
	// OriginalDestination returns the destination address the client
	// connected to before any transparent redirect.
	OriginalDestination(conn net.Conn) (netip.AddrPort, error)
	// SupportsOriginalSource reports whether the kernel/process permits
	// binding outbound connects to an arbitrary (non-local) source address
	// (spec §4.5 "Socket options").
	SupportsOriginalSource() bool
}

// ErrUnsupported is returned by implementations that cannot determine the
// original destination on the current platform.
var ErrUnsupported = errors.New("socket: original destination retrieval not supported on this platform")

// PassthroughOps is a SocketOps implementation for environments without
// transparent-proxy redirection: the "original destination" is simply the
// address the listener itself is bound to handle (every inbound connection
// already targets it directly), and original-source spoofing is never
// available.
type PassthroughOps struct{}

// OriginalDestination implements Ops by reading the local address the
// connection was accepted on — correct when the proxy is reached directly
// rather than via iptables/nftables REDIRECT.
func (PassthroughOps) OriginalDestination(conn net.Conn) (netip.AddrPort, error) {
	addr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, errors.Errorf("socket: unexpected local address type %T", conn.LocalAddr())
	}
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return netip.AddrPort{}, errors.Errorf("socket: could not convert %v to netip.Addr", addr.IP)
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(addr.Port)), nil
}

// SupportsOriginalSource always returns false: transparent binding requires
// platform-specific socket options this implementation does not set.
func (PassthroughOps) SupportsOriginalSource() bool {
	return false
}
