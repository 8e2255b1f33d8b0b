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

package state

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/istio-ztunnel/ztunnel-core/pkg/netaddr"
	"github.com/istio-ztunnel/ztunnel-core/pkg/workload"
)

// OnDemandFetcher requests a single resource from the discovery transport
// out of band, for a reader that missed in the store (spec §5: "policy
// reads that miss and trigger on-demand discovery"). Implementations push
// the resolved resource through the normal reducer path; Fetch's error
// reports only whether the request could be made, and the resource may
// arrive after Fetch has returned.
type OnDemandFetcher interface {
	Fetch(ctx context.Context, addr netaddr.Address) error
}

// DemandStore wraps a Store with an optional OnDemandFetcher. Concurrent
// misses for the same address are collapsed into a single in-flight fetch
// via singleflight so a burst of connections to a not-yet-known workload
// doesn't fan out into one discovery request per connection.
type DemandStore struct {
	*Store
	fetcher OnDemandFetcher
	group   singleflight.Group
}

// NewDemandStore returns a DemandStore over store. fetcher may be nil, in
// which case misses are simply reported as misses (as in a Store used
// directly).
func NewDemandStore(store *Store, fetcher OnDemandFetcher) *DemandStore {
	return &DemandStore{Store: store, fetcher: fetcher}
}

// FetchWorkload looks up addr, and if it is absent and an OnDemandFetcher is
// configured, awaits a pending on-demand discovery response before retrying
// once.
func (d *DemandStore) FetchWorkload(ctx context.Context, addr netaddr.Address) (*workload.Workload, bool) {
	if w, ok := d.Store.FindWorkloadByAddress(addr); ok {
		return w, true
	}
	if d.fetcher == nil {
		return nil, false
	}
	_, _, _ = d.group.Do(addr.String(), func() (interface{}, error) {
		return nil, d.fetcher.Fetch(ctx, addr)
	})
	return d.Store.FindWorkloadByAddress(addr)
}
