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

// Package drain implements C7: a single-producer, many-consumer
// edge-triggered shutdown notification with completion tracking, in the
// spirit of internal/workgroup's shared-stop-channel idiom but carrying the
// two distinct edges (start, completed) the drain protocol needs instead of
// workgroup's single Run-until-first-exit semantics.
package drain

import "sync"

// Coordinator broadcasts a single "start draining" edge to any number of
// registered consumers, and lets the producer await every consumer's
// "completed" edge (its handle being dropped).
type Coordinator struct {
	mu       sync.Mutex
	signal   chan struct{}
	signaled bool
	wg       sync.WaitGroup
}

// New returns a ready-to-use Coordinator.
func New() *Coordinator {
	return &Coordinator{signal: make(chan struct{})}
}

// Handle is held by a consumer for the lifetime of the work it registered
// for. Done must be called exactly once, regardless of whether drain fired.
type Handle struct {
	c    *Coordinator
	once sync.Once
}

// Register adds a consumer and returns its Handle plus a channel that is
// closed when the producer calls Start.
func (c *Coordinator) Register() (*Handle, <-chan struct{}) {
	c.wg.Add(1)
	return &Handle{c: c}, c.signalChan()
}

func (c *Coordinator) signalChan() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signal
}

// Done marks this consumer's work as complete. Safe to call more than once;
// only the first call is effective.
func (h *Handle) Done() {
	h.once.Do(h.c.wg.Done)
}

// Start broadcasts the "start draining" edge to every registered consumer.
// Safe to call more than once; only the first call has effect.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signaled {
		return
	}
	c.signaled = true
	close(c.signal)
}

// Signaled reports whether Start has already fired.
func (c *Coordinator) Signaled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaled
}

// WaitComplete blocks until every registered consumer has called Done on its
// Handle. It is only meaningful to call after Start.
func (c *Coordinator) WaitComplete() {
	c.wg.Wait()
}
