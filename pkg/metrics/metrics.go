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

// Package metrics exposes pipeline counters on the ingress /metrics
// endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every pipeline instrument. A single instance is shared
// by ingress, processor, and coordinator.
type Metrics struct {
	Registry *prometheus.Registry

	VisitsTotal     prometheus.Counter
	VisitsRejected  prometheus.Counter
	QueueDepth      prometheus.Gauge
	OrphansActive   prometheus.Gauge
	OrphansExpired  prometheus.Counter
	PagesPersisted  prometheus.Counter
	PagesFiltered   prometheus.Counter
	PagesDuplicate  prometheus.Counter
	LMFailures      prometheus.Counter
	PendingDeferred prometheus.Counter
}

// New registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		VisitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "trailmem_visits_total",
			Help: "Total visits accepted into the queue",
		}),
		VisitsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "trailmem_visits_rejected_total",
			Help: "Total visits rejected because the queue was full",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trailmem_queue_depth",
			Help: "Visits currently waiting in the queue",
		}),
		OrphansActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trailmem_orphans_active",
			Help: "Visits currently deferred waiting for a parent",
		}),
		OrphansExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "trailmem_orphans_expired_total",
			Help: "Deferred visits dropped by age or retry budget",
		}),
		PagesPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "trailmem_pages_persisted_total",
			Help: "Pages kept and written to both stores",
		}),
		PagesFiltered: factory.NewCounter(prometheus.CounterOpts{
			Name: "trailmem_pages_filtered_total",
			Help: "Pages recorded as filtered, no content stored",
		}),
		PagesDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Name: "trailmem_pages_duplicate_total",
			Help: "Visits dropped as duplicates of an already placed page",
		}),
		LMFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "trailmem_lm_failures_total",
			Help: "Language model calls that exhausted their retries",
		}),
		PendingDeferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "trailmem_pending_writes_total",
			Help: "Structured writes deferred to the unreconciled log",
		}),
	}
}
