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

package discovery

import (
	"sync/atomic"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

// staticServer is a minimal discovery control-plane stand-in, in the same
// shape as the teacher's xdsHandler: a per-connection counter for log
// correlation, pushing its fixed batch sequence down every new connection
// and logging whatever gets acked back (internal/grpc/xds.go "stream" loop,
// generalized from Envoy's pull-then-push xDS exchange to a plain push
// sequence since this schema has no resource-name filtering to negotiate).
// It exists for exercising Transport against a real streaming connection in
// tests; production ztunnel only ever plays the client side of this RPC.
type staticServer struct {
	logrus.FieldLogger
	batches     []*Batch
	acks        chan *Ack
	connections uint64
}

// NewServer returns a Server that pushes batches, in order, to every client
// that connects, forwarding each Ack it reads back onto acks if non-nil.
func NewServer(batches []*Batch, acks chan *Ack, log logrus.FieldLogger) Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &staticServer{FieldLogger: log, batches: batches, acks: acks}
}

func (s *staticServer) StreamUpdates(stream StreamUpdatesServer) error {
	id := atomic.AddUint64(&s.connections, 1)
	log := s.WithField("connection", id)
	log.Info("discovery stream opened")

	for _, batch := range s.batches {
		if err := stream.Send(batch); err != nil {
			return err
		}
		ack, err := stream.Recv()
		if err != nil {
			log.WithError(err).Info("discovery stream closed")
			return err
		}
		if len(ack.Rejected) > 0 {
			log.WithField("rejected", len(ack.Rejected)).Info("batch acked with rejections")
		}
		if s.acks != nil {
			s.acks <- ack
		}
	}
	return nil
}

// NewGRPCServer wires a Server onto a fresh *grpc.Server with Prometheus
// stream/unary interceptors, following internal/grpc.NewAPI's construction
// exactly (metrics registration, interceptor wiring) but registering this
// package's single streaming service instead of the five Envoy xDS ones.
func NewGRPCServer(srv Server, registry prometheus.Registerer, opts ...grpc.ServerOption) *grpc.Server {
	metrics := grpc_prometheus.NewServerMetrics()
	if registry != nil {
		registry.MustRegister(metrics)
	}
	opts = append(opts,
		grpc.StreamInterceptor(metrics.StreamServerInterceptor()),
		grpc.UnaryInterceptor(metrics.UnaryServerInterceptor()),
	)
	g := grpc.NewServer(opts...)
	RegisterServer(g, srv)
	metrics.InitializeMetrics(g)
	return g
}
