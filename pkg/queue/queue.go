// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue implements the bounded single-consumer visit queue.
//
// Admission order is authoritative: every admitted visit receives a
// monotonically increasing arrival number used downstream as the final
// tie-break for tree placement. The queue holds no durable state; it is
// empty on every process start.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/trailmem/trailmem/pkg/model"
)

// ErrFull is returned when the queue is at capacity. Ingress translates
// it into a 503 so the sender retries.
var ErrFull = errors.New("visit queue is full")

// Queue is a bounded FIFO of visits with a single consumer.
type Queue struct {
	mu      sync.Mutex
	ch      chan model.Visit
	arrival uint64
	total   atomic.Uint64
}

// New creates a queue with the given capacity.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan model.Visit, capacity)}
}

// TryEnqueue admits a visit without blocking. On success it stamps the
// visit's arrival number and returns the queue depth after admission.
func (q *Queue) TryEnqueue(v model.Visit) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ch) == cap(q.ch) {
		return 0, ErrFull
	}

	q.arrival++
	v.Arrival = q.arrival
	q.ch <- v
	q.total.Add(1)
	return len(q.ch), nil
}

// Dequeue blocks until a visit is available or the context is done.
func (q *Queue) Dequeue(ctx context.Context) (model.Visit, error) {
	select {
	case v := <-q.ch:
		return v, nil
	case <-ctx.Done():
		return model.Visit{}, ctx.Err()
	}
}

// TryDequeue returns the next visit without blocking. Used by the
// shutdown drain loop.
func (q *Queue) TryDequeue() (model.Visit, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		return model.Visit{}, false
	}
}

// Depth is the number of visits currently waiting.
func (q *Queue) Depth() int { return len(q.ch) }

// Capacity is the maximum number of queued visits.
func (q *Queue) Capacity() int { return cap(q.ch) }

// Total is the number of visits admitted since start.
func (q *Queue) Total() uint64 { return q.total.Load() }
