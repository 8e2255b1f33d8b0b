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

// Package metrics holds the Prometheus collectors the data plane records
// against (spec §7: "Every error surfaced to a peer as HTTP status is also
// recorded in metrics"), following Contour's pattern of a single package
// owning collector construction and registration (internal/metrics in the
// teacher repo).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the inbound data plane writes to.
type Metrics struct {
	ConnectionsOpened   *prometheus.CounterVec
	ConnectionsClosed   *prometheus.CounterVec
	BytesTransferred    *prometheus.CounterVec
	ConnectionDuration  prometheus.Histogram
	TunnelResponseCodes *prometheus.CounterVec
}

// NewMetrics constructs and registers every collector against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ztunnel_connections_opened_total",
			Help: "Total inbound connections accepted, by result.",
		}, []string{"result"}),
		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ztunnel_connections_closed_total",
			Help: "Total inbound connections closed, by reason.",
		}, []string{"reason"}),
		BytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ztunnel_bytes_transferred_total",
			Help: "Bytes relayed between tunnel and upstream socket.",
		}, []string{"direction"}),
		ConnectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ztunnel_connection_duration_seconds",
			Help:    "Duration of a spliced tunnel connection.",
			Buckets: prometheus.DefBuckets,
		}),
		TunnelResponseCodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ztunnel_tunnel_response_codes_total",
			Help: "CONNECT responses emitted on the inner stream, by code.",
		}, []string{"code"}),
	}
	reg.MustRegister(m.ConnectionsOpened, m.ConnectionsClosed, m.BytesTransferred, m.ConnectionDuration, m.TunnelResponseCodes)
	return m
}
