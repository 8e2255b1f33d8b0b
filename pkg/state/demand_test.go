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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/istio-ztunnel/ztunnel-core/pkg/netaddr"
)

func TestDemandStoreReturnsImmediatelyOnHit(t *testing.T) {
	s := New()
	s.InsertWorkload(workloadFixture("pod-a", "10.0.0.1"))
	ds := NewDemandStore(s, nil)

	w, ok := ds.FetchWorkload(context.Background(), netaddr.New("default", mustAddr("10.0.0.1")))
	require.True(t, ok)
	assert.Equal(t, "pod-a", w.UID)
}

func TestDemandStoreMissWithNoFetcherReportsMiss(t *testing.T) {
	s := New()
	ds := NewDemandStore(s, nil)

	_, ok := ds.FetchWorkload(context.Background(), netaddr.New("default", mustAddr("10.0.0.1")))
	assert.False(t, ok)
}

type fetcherFunc func(ctx context.Context, addr netaddr.Address) error

func (f fetcherFunc) Fetch(ctx context.Context, addr netaddr.Address) error { return f(ctx, addr) }

func TestDemandStoreFetchesOnMissThenFindsTheInsertedWorkload(t *testing.T) {
	s := New()
	addr := netaddr.New("default", mustAddr("10.0.0.1"))
	fetch := fetcherFunc(func(ctx context.Context, got netaddr.Address) error {
		assert.Equal(t, addr, got)
		s.InsertWorkload(workloadFixture("pod-a", "10.0.0.1"))
		return nil
	})
	ds := NewDemandStore(s, fetch)

	w, ok := ds.FetchWorkload(context.Background(), addr)
	require.True(t, ok)
	assert.Equal(t, "pod-a", w.UID)
}

func TestDemandStoreCollapsesConcurrentMissesIntoOneFetch(t *testing.T) {
	s := New()
	addr := netaddr.New("default", mustAddr("10.0.0.1"))
	var calls int64
	release := make(chan struct{})
	fetch := fetcherFunc(func(ctx context.Context, got netaddr.Address) error {
		atomic.AddInt64(&calls, 1)
		<-release
		s.InsertWorkload(workloadFixture("pod-a", "10.0.0.1"))
		return nil
	})
	ds := NewDemandStore(s, fetch)

	const concurrency = 10
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			_, _ = ds.FetchWorkload(context.Background(), addr)
		}()
	}
	// Give every goroutine a chance to observe the miss and join the
	// in-flight singleflight call before letting the leader's fetch proceed.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "concurrent misses for the same address should collapse into one Fetch call")
}
