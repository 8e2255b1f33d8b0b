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

// Package tunnel implements C6: the per-request decision pipeline that
// parses an inner CONNECT request, enforces waypoint/gateway/RBAC gating,
// opens the upstream socket, and splices bytes until either side closes or
// drain cancels the copy.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/istio-ztunnel/ztunnel-core/internal/metrics"
	"github.com/istio-ztunnel/ztunnel-core/pkg/identity"
	"github.com/istio-ztunnel/ztunnel-core/pkg/netaddr"
	"github.com/istio-ztunnel/ztunnel-core/pkg/rbac"
	"github.com/istio-ztunnel/ztunnel-core/pkg/state"
	"github.com/istio-ztunnel/ztunnel-core/pkg/workload"
)

// StoreReader is the subset of the state store C6 reads. A miss on
// FetchWorkload awaits a pending on-demand discovery fetch before being
// reported (spec §5 "policy reads that miss and trigger on-demand
// discovery"); production wires this to a *state.DemandStore.
type StoreReader interface {
	FetchWorkload(ctx context.Context, addr netaddr.Address) (*workload.Workload, bool)
	FetchAddress(addr netaddr.Address) (state.Address, bool)
	PoliciesFor(w *workload.Workload) []*rbac.Authorization
}

// UpstreamDialer opens the real connection to the destination workload.
// Implementations bind to source when useSource is true and the listener's
// SocketOps capability reported original-source support (spec §4.5, §4.6
// step 8).
type UpstreamDialer interface {
	DialUpstream(ctx context.Context, addr netip.AddrPort, source netip.Addr, useSource bool) (net.Conn, error)
}

// NetDialer is the default UpstreamDialer: a plain TCP dial, optionally
// bound to a specific local address when the kernel permits it.
type NetDialer struct {
	Timeout time.Duration
}

func (d NetDialer) DialUpstream(ctx context.Context, addr netip.AddrPort, source netip.Addr, useSource bool) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout}
	if useSource && source.IsValid() {
		dialer.LocalAddr = &net.TCPAddr{IP: source.AsSlice()}
	}
	return dialer.DialContext(ctx, "tcp", addr.String())
}

// Request is the parsed view of a single inner CONNECT request, independent
// of the HTTP/2 machinery that produced it.
type Request struct {
	// Authority is the raw "IP:port" string carried by the CONNECT verb.
	Authority string
	// Headers carries at minimum "baggage" and "forwarded".
	Headers http.Header
	// PeerIdentity is the identity extracted from the client's leaf
	// certificate SAN, or the zero Identity if no client cert was presented.
	PeerIdentity identity.Identity
	// PeerIP is the TCP-level peer address (used as source IP unless
	// from_waypoint trusts a Forwarded header instead).
	PeerIP netip.Addr
	// OriginalDestination is the accepted socket's pre-tunnel destination,
	// which every inner authority on that connection must agree with on IP.
	OriginalDestination netip.AddrPort
}

// ResponseWriter lets the HTTP/2 server adapter and tests each supply their
// own way of emitting the inner response code and handing off the upgraded
// byte stream.
type ResponseWriter interface {
	// WriteStatus sends the inner response code. Called exactly once.
	WriteStatus(code int) error
	// Stream returns the raw bidirectional channel, valid only once
	// WriteStatus(200) has been called.
	Stream() io.ReadWriteCloser
}

// Source is the tagged union of ways a connection reaches the tunnel
// handler (spec §9 "tagged-union connection source"): Hbone for tunnelled
// network traffic, DirectPath for the intra-node shortcut that skips the
// inner-request pipeline entirely.
type Source interface {
	isSource()
}

// Hbone is network traffic arriving as an inner CONNECT request.
type Hbone struct {
	Request *Request
	Writer  ResponseWriter
}

func (Hbone) isSource() {}

// DirectPath is the intra-node shortcut: the caller has already resolved
// and authorized authority, and hands over a raw stream (spec §4.6 "direct
// path shortcut").
type DirectPath struct {
	Stream    io.ReadWriteCloser
	Authority netip.AddrPort
}

func (DirectPath) isSource() {}

// Baggage is the parsed W3C baggage header (spec §6).
type Baggage struct {
	ClusterID    string
	Namespace    string
	WorkloadName string
	Revision     string
}

// IsZero reports whether no recognized baggage key was present.
func (b Baggage) IsZero() bool {
	return b == Baggage{}
}

// String renders b for the connection-open access log, "None" when empty so
// the log line stays a fixed shape whether or not the peer sent baggage.
func (b Baggage) String() string {
	if b.IsZero() {
		return "None"
	}
	return fmt.Sprintf("cluster=%s,namespace=%s,workload=%s,revision=%s", b.ClusterID, b.Namespace, b.WorkloadName, b.Revision)
}

// ParseBaggage parses a "k=v,k=v" baggage header into the four attributes
// the tunnel protocol recognizes; unrecognized keys are ignored.
func ParseBaggage(header string) Baggage {
	var b Baggage
	for _, kv := range strings.Split(header, ",") {
		kv = strings.TrimSpace(kv)
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "k8s.cluster.id":
			b.ClusterID = v
		case "k8s.namespace.name":
			b.Namespace = v
		case "k8s.workload.name":
			b.WorkloadName = v
		case "service.revision":
			b.Revision = v
		}
	}
	return b
}

// parseForwardedFor extracts the "for=" parameter from an RFC 7239
// Forwarded header; only the first value is consulted.
func parseForwardedFor(header string) (netip.Addr, bool) {
	for _, part := range strings.Split(header, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || strings.TrimSpace(k) != "for" {
			continue
		}
		v = strings.Trim(strings.TrimSpace(v), `"`)
		v = strings.TrimPrefix(v, "[")
		if host, _, err := net.SplitHostPort(v); err == nil {
			v = host
		}
		v = strings.TrimSuffix(v, "]")
		addr, err := netip.ParseAddr(v)
		if err != nil {
			continue
		}
		return addr, true
	}
	return netip.Addr{}, false
}

// Handler implements C6.
type Handler struct {
	Network string
	Store   StoreReader
	Dialer  UpstreamDialer
	Metrics *metrics.Metrics
	Log     logrus.FieldLogger

	// DrainDeadline bounds how long an in-flight splice is allowed to run
	// after drain fires before it is forced closed (spec §5 "hard drain
	// deadline").
	DrainDeadline time.Duration
}

// decision is everything the splice phase needs, captured once so the
// splice never re-reads the store mid-connection (spec §5 ordering
// guarantees).
type decision struct {
	upstreamAddr netip.AddrPort
	fromWaypoint bool
	fromGateway  bool
	sourceIP     netip.Addr
	useSourceIP  bool
	peerIdentity identity.Identity
	baggage      Baggage
}

// Serve dispatches src to the Hbone or DirectPath pipeline.
func (h *Handler) Serve(ctx context.Context, src Source, drain <-chan struct{}) error {
	switch s := src.(type) {
	case Hbone:
		return h.serveHbone(ctx, s.Request, s.Writer, drain)
	case DirectPath:
		return h.serveDirectPath(ctx, s.Stream, s.Authority, drain)
	default:
		return fmt.Errorf("tunnel: unrecognized connection source %T", src)
	}
}

// statusError lets serveHbone report both the status code owed to the peer
// and the reason for logging/metrics, uniformly.
type statusError struct {
	code   int
	reason string
	err    error
}

func (e *statusError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.reason, e.err)
	}
	return e.reason
}

func (h *Handler) serveHbone(ctx context.Context, req *Request, rw ResponseWriter, drain <-chan struct{}) error {
	d, serr := h.decide(ctx, req)
	if serr != nil {
		h.recordStatus(serr)
		_ = rw.WriteStatus(serr.code)
		return serr
	}

	// Dial the upstream before writing any status: once 200 is written the
	// peer considers the tunnel open, so a dial failure must surface as 503
	// (spec §7 UpstreamConnect) rather than a connection that silently never
	// carries data.
	upstream, err := h.Dialer.DialUpstream(ctx, d.upstreamAddr, d.sourceIP, d.useSourceIP)
	if err != nil {
		serr := &statusError{code: http.StatusServiceUnavailable, reason: "upstream connect failed", err: err}
		h.recordStatus(serr)
		if h.Metrics != nil {
			h.Metrics.ConnectionsOpened.WithLabelValues("upstream_connect_failed").Inc()
		}
		_ = rw.WriteStatus(serr.code)
		return serr
	}

	if err := rw.WriteStatus(http.StatusOK); err != nil {
		upstream.Close()
		return err
	}
	h.recordStatus(&statusError{code: http.StatusOK, reason: "ok"})

	return h.relay(rw.Stream(), upstream, d, drain)
}

func (h *Handler) serveDirectPath(ctx context.Context, stream io.ReadWriteCloser, authority netip.AddrPort, drain <-chan struct{}) error {
	d := decision{upstreamAddr: authority}
	upstream, err := h.Dialer.DialUpstream(ctx, d.upstreamAddr, d.sourceIP, d.useSourceIP)
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.ConnectionsOpened.WithLabelValues("upstream_connect_failed").Inc()
		}
		return fmt.Errorf("tunnel: upstream connect to %s: %w", d.upstreamAddr, err)
	}
	return h.relay(stream, upstream, d, drain)
}

// decide runs the ten-step decision pipeline (spec §4.6) for an Hbone
// request, short of emitting the 200 and splicing.
func (h *Handler) decide(ctx context.Context, req *Request) (decision, *statusError) {
	// Step 1: parse authority into (IP, port).
	hostStr, portStr, err := net.SplitHostPort(req.Authority)
	if err != nil {
		return decision{}, &statusError{code: http.StatusBadRequest, reason: "malformed authority", err: err}
	}
	ip, err := netip.ParseAddr(hostStr)
	if err != nil {
		return decision{}, &statusError{code: http.StatusBadRequest, reason: "malformed authority ip", err: err}
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return decision{}, &statusError{code: http.StatusBadRequest, reason: "malformed authority port", err: err}
	}

	// Step 2: authority IP must match the accepted socket's original
	// destination. Port may legitimately differ.
	if ip != req.OriginalDestination.Addr() {
		return decision{}, &statusError{code: http.StatusBadRequest, reason: "authority ip does not match original destination"}
	}

	// Step 3: the upstream workload must be known, directly, on our network.
	// A miss awaits a pending on-demand discovery fetch (spec §5) before
	// being reported as unknown.
	addr := netaddr.New(h.Network, ip)
	w, ok := h.Store.FetchWorkload(ctx, addr)
	if !ok {
		return decision{}, &statusError{code: http.StatusNotFound, reason: "destination unknown"}
	}

	// Steps 4-5: waypoint/gateway provenance.
	fromWaypoint := h.matchesGateway(ctx, w.Waypoint, req.PeerIdentity)
	fromGateway := h.matchesGateway(ctx, w.NetworkGateway, req.PeerIdentity)

	// Step 6: policy, unless the connection arrived via a co-trusted
	// waypoint or gateway.
	if !fromWaypoint && !fromGateway {
		conn := rbac.Connection{
			SrcIdentity: req.PeerIdentity,
			SrcIP:       req.PeerIP,
			DstNetwork:  h.Network,
			Dst:         netip.AddrPortFrom(ip, uint16(port)),
		}
		if !rbac.Evaluate(h.Store.PoliciesFor(w), conn) {
			h.Log.WithField("connection", conn.String()).Info("policy denied")
			return decision{}, &statusError{code: http.StatusUnauthorized, reason: "policy denied"}
		}
	}

	// Step 7: a workload with a waypoint must be reached via it.
	if w.Waypoint != nil && !fromWaypoint {
		h.Log.WithField("workload", w.UID).Info("bypassed waypoint")
		return decision{}, &statusError{code: http.StatusUnauthorized, reason: "bypassed waypoint"}
	}

	// Step 8: source IP. from_gateway suppresses source-workload lookup
	// entirely (spec §9 open question, preserved): the source network is
	// unknown across gateways, so no Forwarded trust is extended there.
	sourceIP := req.PeerIP
	useSource := false
	if fromWaypoint {
		if fwd, ok := parseForwardedFor(req.Headers.Get("forwarded")); ok {
			sourceIP = fwd
			useSource = true
		}
	}

	// Step 9: baggage is parsed for the connection-open access log; a
	// malformed or absent header is not fatal to the connection, it just
	// yields a zero Baggage.
	baggage := ParseBaggage(req.Headers.Get("baggage"))

	return decision{
		upstreamAddr: netip.AddrPortFrom(ip, uint16(port)),
		fromWaypoint: fromWaypoint,
		fromGateway:  fromGateway,
		sourceIP:     sourceIP,
		useSourceIP:  useSource,
		peerIdentity: req.PeerIdentity,
		baggage:      baggage,
	}, nil
}

// matchesGateway resolves gw (direct address or service VIP, spec §4.6 step
// 4) and reports whether peer's identity matches the gateway workload's
// identity, or any of its service's endpoint workloads.
func (h *Handler) matchesGateway(ctx context.Context, gw *workload.GatewayAddress, peer identity.Identity) bool {
	if gw == nil || peer.IsZero() {
		return false
	}
	addr, err := gw.ResolvedAddress()
	if err != nil {
		h.Log.WithError(err).Warn("unsupported gateway address form")
		return false
	}
	fetched, ok := h.Store.FetchAddress(addr)
	if !ok {
		return false
	}
	if fetched.Workload != nil {
		return fetched.Workload.Identity() == peer
	}
	if fetched.Service != nil {
		for epAddr := range fetched.Service.Endpoints {
			if ew, ok := h.Store.FetchWorkload(ctx, epAddr); ok && ew.Identity() == peer {
				return true
			}
		}
	}
	return false
}

// identityOrNone renders id for the access log, "None" for the zero Identity
// (no client certificate presented) rather than an empty spiffe:// URI.
func identityOrNone(id identity.Identity) string {
	if id.IsZero() {
		return "None"
	}
	return id.String()
}

func (h *Handler) recordStatus(e *statusError) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.TunnelResponseCodes.WithLabelValues(strconv.Itoa(e.code)).Inc()
}

// relay copies bytes between stream and the already-dialed upstream in both
// directions until EOF, drain, or the hard drain deadline (spec §4.6 step
// 10, §5 cancellation). The upstream dial happens in the caller, before any
// status is written to stream's peer (spec §7 UpstreamConnect must be
// reported as 503, which is only possible before the 200 is sent).
func (h *Handler) relay(stream io.ReadWriteCloser, upstream net.Conn, d decision, drain <-chan struct{}) error {
	start := time.Now()
	defer stream.Close()
	defer upstream.Close()

	if h.Metrics != nil {
		h.Metrics.ConnectionsOpened.WithLabelValues("ok").Inc()
	}
	h.Log.WithFields(logrus.Fields{
		"dst":     d.upstreamAddr,
		"src":     identityOrNone(d.peerIdentity),
		"baggage": d.baggage.String(),
	}).Info("connection opened")

	done := make(chan struct{})
	if drain != nil {
		go func() {
			select {
			case <-drain:
				deadline := h.DrainDeadline
				if deadline <= 0 {
					deadline = 30 * time.Second
				}
				select {
				case <-time.After(deadline):
					stream.Close()
					upstream.Close()
				case <-done:
				}
			case <-done:
			}
		}()
	}

	var wg sync.WaitGroup
	var upBytes, downBytes int64
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, _ := io.Copy(upstream, stream)
		upBytes = n
		closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(stream, upstream)
		downBytes = n
		closeWrite(stream)
	}()
	wg.Wait()
	close(done)

	if h.Metrics != nil {
		h.Metrics.BytesTransferred.WithLabelValues("up").Add(float64(upBytes))
		h.Metrics.BytesTransferred.WithLabelValues("down").Add(float64(downBytes))
		h.Metrics.ConnectionDuration.Observe(time.Since(start).Seconds())
		h.Metrics.ConnectionsClosed.WithLabelValues("eof").Inc()
	}
	return nil
}

type closeWriter interface {
	CloseWrite() error
}

// closeWrite half-closes c's write side if it supports it, so the peer sees
// EOF on its read without tearing down the other direction.
func closeWrite(c io.Writer) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}
