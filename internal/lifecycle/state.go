// Copyright 2025 Tom Barlow
//
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

package lifecycle

import (
	"sync"
	"time"

	"github.com/tombee/snooze/internal/platform"
)

// serviceEntry holds the process-wide mutable lifecycle state for one
// backend service. All fields are guarded by mu; start/stop operations and
// batch bookkeeping for the service are serialized through it. State is not
// persisted across process restarts — a fresh entry starts Unknown.
type serviceEntry struct {
	mu sync.Mutex

	// state is the last observed lifecycle state.
	state platform.State

	// refCount is the number of active batch scopes.
	refCount int

	// startedByBatch is true when the current running cycle was initiated
	// by a batch scope; only then does the last scope exit stop the backend.
	startedByBatch bool

	lastStarted time.Time
	lastStopped time.Time
}

// registry maps service IDs to their entries. Entries for distinct services
// are independent; one service's lock never blocks another's.
type registry struct {
	mu      sync.Mutex
	entries map[string]*serviceEntry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*serviceEntry)}
}

// entry returns the entry for serviceID, creating it in the Unknown state
// on first use.
func (r *registry) entry(serviceID string) *serviceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[serviceID]
	if !ok {
		e = &serviceEntry{state: platform.StateUnknown}
		r.entries[serviceID] = e
	}
	return e
}

// Snapshot is a point-in-time view of a service's lifecycle state,
// exposed via the status endpoint.
type Snapshot struct {
	ServiceID      string         `json:"service_id"`
	State          platform.State `json:"state"`
	BatchDepth     int            `json:"batch_depth"`
	StartedByBatch bool           `json:"started_by_batch"`
	LastStarted    time.Time      `json:"last_started,omitzero"`
	LastStopped    time.Time      `json:"last_stopped,omitzero"`
}

// Snapshot returns the controller's current view of its service.
func (c *Controller) Snapshot() Snapshot {
	e := c.reg.entry(c.serviceID)
	e.mu.Lock()
	defer e.mu.Unlock()

	return Snapshot{
		ServiceID:      c.serviceID,
		State:          e.state,
		BatchDepth:     e.refCount,
		StartedByBatch: e.startedByBatch,
		LastStarted:    e.lastStarted,
		LastStopped:    e.lastStopped,
	}
}
