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

// Package inbound implements C5: the accept loop that drives each socket
// through ACCEPTED -> TLS_HANDSHAKING -> SERVING -> CLOSED, and races the
// drain coordinator against in-flight service.
package inbound

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/istio-ztunnel/ztunnel-core/internal/socket"
	"github.com/istio-ztunnel/ztunnel-core/internal/timeout"
	"github.com/istio-ztunnel/ztunnel-core/pkg/drain"
	"github.com/istio-ztunnel/ztunnel-core/pkg/identity"
	"github.com/istio-ztunnel/ztunnel-core/pkg/tunnel"
)

// AcceptorSource is C3's capability surface as consumed by the listener:
// given the socket's original destination, produce a *tls.Config pinned to
// the destination workload's identity.
type AcceptorSource interface {
	FetchAcceptor(ctx context.Context, origDst netip.AddrPort) (*tls.Config, error)
}

// Config bundles the listener's tunable settings (spec §6 "Environment/config
// inputs").
type Config struct {
	ListenAddr           string
	WindowSize           int32
	ConnectionWindowSize int32
	MaxFrameSize         uint32
	TLSHandshakeTimeout  timeout.Setting
}

// Listener implements the accept loop.
type Listener struct {
	cfg     Config
	certs   AcceptorSource
	socket  socket.Ops
	handler *tunnel.Handler
	drainer *drain.Coordinator
	log     logrus.FieldLogger

	mu          sync.Mutex
	connWG      sync.WaitGroup
	drainedOnce sync.Once
}

// New returns a Listener ready to Serve.
func New(cfg Config, certs AcceptorSource, ops socket.Ops, handler *tunnel.Handler, drainer *drain.Coordinator, log logrus.FieldLogger) *Listener {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Listener{cfg: cfg, certs: certs, socket: ops, handler: handler, drainer: drainer, log: log}
}

// handshakeTimeout resolves the configured TLS handshake timeout, defaulting
// to 10s per spec §5.
func (l *Listener) handshakeTimeout() time.Duration {
	switch {
	case l.cfg.TLSHandshakeTimeout.IsDisabled():
		return 0
	case l.cfg.TLSHandshakeTimeout.UseDefault():
		return 10 * time.Second
	default:
		return l.cfg.TLSHandshakeTimeout.Duration()
	}
}

// Serve runs the accept loop until ctx is cancelled or the drain coordinator
// fires. It binds its own listen socket at cfg.ListenAddr.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("inbound: bind %s: %w", l.cfg.ListenAddr, err)
	}
	return l.ServeListener(ctx, ln)
}

// ServeListener runs the accept loop over an already-bound listener, letting
// tests supply an in-memory one.
func (l *Listener) ServeListener(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	var drainCh <-chan struct{}
	var handle *drain.Handle
	if l.drainer != nil {
		handle, drainCh = l.drainer.Register()
		defer handle.Done()
	}

	acceptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-drainCh:
		case <-ctx.Done():
		}
		cancel()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-acceptCtx.Done():
				l.connWG.Wait()
				l.logDrained()
				return nil
			default:
				return fmt.Errorf("inbound: accept: %w", err)
			}
		}
		l.connWG.Add(1)
		go func() {
			defer l.connWG.Done()
			l.serveConn(ctx, conn, drainCh)
		}()
	}
}

func (l *Listener) logDrained() {
	l.drainedOnce.Do(func() {
		l.log.Info("all inbound connections drained")
	})
}

// serveConn drives a single accepted socket through the state machine
// (spec §4.5).
func (l *Listener) serveConn(ctx context.Context, conn net.Conn, drainCh <-chan struct{}) {
	defer conn.Close()

	log := l.log.WithField("conn", uuid.New().String())

	origDst, err := l.socket.OriginalDestination(conn)
	if err != nil {
		log.WithError(err).Debug("could not determine original destination")
		return
	}

	hctx := ctx
	var cancel context.CancelFunc
	if t := l.handshakeTimeout(); t > 0 {
		hctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	tlsCfg, err := l.certs.FetchAcceptor(hctx, origDst)
	if err != nil {
		log.WithError(err).WithField("dst", origDst).Info("certificate lookup failed")
		return
	}

	tlsConn := tls.Server(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		log.WithError(err).Debug("tls handshake failed")
		return
	}

	peer := peerIdentityFromConn(tlsConn)

	srv := &http2.Server{
		MaxReadFrameSize:            l.cfg.MaxFrameSize,
		MaxUploadBufferPerConnection: l.cfg.ConnectionWindowSize,
		MaxUploadBufferPerStream:     l.cfg.WindowSize,
	}

	h := &connHandler{listener: l, peer: peer, origDst: origDst}
	opts := &http2.ServeConnOpts{Context: ctx, Handler: h}

	serveDone := make(chan struct{})
	go func() {
		srv.ServeConn(tlsConn, opts)
		close(serveDone)
	}()

	select {
	case <-drainCh:
		// Graceful: stop accepting new inner requests on this connection but
		// let the in-flight ones (tracked inside connHandler) finish, then
		// force-close if they run past the hard deadline.
		h.stopAcceptingNewStreams()
		select {
		case <-serveDone:
		case <-time.After(30 * time.Second):
			tlsConn.Close()
			<-serveDone
		}
	case <-serveDone:
	}
}

// peerIdentityFromConn extracts the SPIFFE identity from the verified peer
// certificate chain, or the zero Identity if no client cert was presented
// (spec §6 "absence of a client certificate yields an empty peer identity").
func peerIdentityFromConn(conn *tls.Conn) identity.Identity {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return identity.Identity{}
	}
	leaf := state.PeerCertificates[0]
	for _, uri := range leaf.URIs {
		if id, ok := identity.ParseSPIFFE(uri.String()); ok {
			return id
		}
	}
	return identity.Identity{}
}

// connHandler adapts a single HTTP/2 connection's CONNECT streams to
// tunnel.Handler, implementing http.Handler.
type connHandler struct {
	listener *Listener
	peer     identity.Identity
	origDst  netip.AddrPort

	mu      sync.Mutex
	draining bool
}

func (h *connHandler) stopAcceptingNewStreams() {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()
}

func (h *connHandler) isDraining() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.draining
}

func (h *connHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if h.isDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	peerIP, _ := netip.ParseAddrPort(r.RemoteAddr)

	req := &tunnel.Request{
		Authority:           r.Host,
		Headers:             r.Header,
		PeerIdentity:        h.peer,
		PeerIP:              peerIP.Addr(),
		OriginalDestination: h.origDst,
	}
	if req.Authority == "" {
		req.Authority = r.RequestURI
	}

	rw := &http2ResponseWriter{w: w, r: r}
	_ = h.listener.handler.Serve(r.Context(), tunnel.Hbone{Request: req, Writer: rw}, nil)
}

// http2ResponseWriter adapts a net/http ResponseWriter on a CONNECT stream
// to tunnel.ResponseWriter: writing the status flushes headers immediately,
// and Stream exposes the full-duplex body as a raw byte channel (the "lazy
// byte stream" upgrade of spec §9).
type http2ResponseWriter struct {
	w http.ResponseWriter
	r *http.Request
}

func (rw *http2ResponseWriter) WriteStatus(code int) error {
	rw.w.WriteHeader(code)
	if f, ok := rw.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (rw *http2ResponseWriter) Stream() io.ReadWriteCloser {
	return struct {
		io.Reader
		io.Writer
		io.Closer
	}{
		Reader: rw.r.Body,
		Writer: flushWriter{rw.w},
		Closer: rw.r.Body,
	}
}

// flushWriter flushes after every write so the peer observes bytes as they
// are produced rather than buffered until the handler returns.
type flushWriter struct {
	w http.ResponseWriter
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if f, ok := fw.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}
