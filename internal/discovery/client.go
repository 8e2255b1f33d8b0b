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
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/istio-ztunnel/ztunnel-core/pkg/netaddr"
	"github.com/istio-ztunnel/ztunnel-core/pkg/reducer"
)

// Transport drives a single StreamUpdates connection, applying every batch
// the control plane pushes to a local reducer and acking each one back, and
// lets callers push on-demand fetch requests (spec §5 "fetch_workload may
// await a pending on-demand XDS response") by sending an Ack with Resync set
// — in this schema there is no separate request/response pairing, so
// on-demand fetch is best-effort: it asks the server to push sooner, it does
// not itself wait for or return the resulting batch.
type Transport struct {
	client  Client
	reducer *reducer.Reducer
	log     logrus.FieldLogger

	mu      sync.Mutex
	stream  StreamUpdatesClient
	sendMu  sync.Mutex
}

// NewTransport returns a Transport that applies updates from client to r.
func NewTransport(client Client, r *reducer.Reducer, log logrus.FieldLogger) *Transport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Transport{client: client, reducer: r, log: log}
}

// Run opens the stream and applies batches until ctx is cancelled or the
// stream errors, following internal/grpc/xds.go's stream-loop shape:
// receive, apply, send ack, repeat, with "stream terminated" logged once on
// exit either way.
func (t *Transport) Run(ctx context.Context) error {
	stream, err := t.client.StreamUpdates(ctx)
	if err != nil {
		return errors.Wrap(err, "discovery: opening stream")
	}
	t.mu.Lock()
	t.stream = stream
	t.mu.Unlock()

	for {
		batch, err := stream.Recv()
		if err != nil {
			t.log.WithError(err).Info("discovery stream terminated")
			return err
		}
		rejected := applyBatch(t.reducer, batch)
		ack := &Ack{}
		for _, r := range rejected {
			ack.Rejected = append(ack.Rejected, Rejection{Key: r.Key, Reason: r.Reason.Error()})
		}
		if len(rejected) > 0 {
			t.log.WithField("rejected", len(rejected)).Info("batch applied with rejections")
		}
		if err := t.send(ack); err != nil {
			return err
		}
	}
}

// send serializes writes onto the stream: Run's per-batch ack and Fetch's
// resync poke both call it from different goroutines, and a ClientStream
// permits only one concurrent Send.
func (t *Transport) send(ack *Ack) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("discovery: transport not running")
	}
	return stream.Send(ack)
}

// Fetch implements state.OnDemandFetcher by sending an Ack with Resync set,
// prompting the server to push a fresh batch ahead of its normal cadence;
// Run's own receive loop applies whatever comes back, so Fetch itself never
// reads the stream (a ClientStream has exactly one valid reader).
func (t *Transport) Fetch(ctx context.Context, addr netaddr.Address) error {
	if err := t.send(&Ack{Resync: true}); err != nil {
		return errors.Wrapf(err, "discovery: on-demand fetch for %s", addr)
	}
	return nil
}
