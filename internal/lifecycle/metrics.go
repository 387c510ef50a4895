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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// backendStarts tracks control-plane start operations issued
	backendStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snooze_backend_starts_total",
			Help: "Total backend start operations by service ID",
		},
		[]string{"service_id"},
	)

	// backendStops tracks control-plane stop operations issued
	backendStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snooze_backend_stops_total",
			Help: "Total backend stop operations by service ID",
		},
		[]string{"service_id"},
	)

	// stopWarnings tracks cleanup stops that failed
	stopWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snooze_stop_warnings_total",
			Help: "Total failed stop operations reported as warnings by service ID",
		},
		[]string{"service_id"},
	)

	// readinessTimeouts tracks probes that never saw a healthy backend
	readinessTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snooze_readiness_timeouts_total",
			Help: "Total readiness waits that elapsed without a healthy probe by service ID",
		},
		[]string{"service_id"},
	)

	// readinessWait observes how long the backend took to become healthy
	readinessWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snooze_readiness_wait_seconds",
			Help:    "Time from start operation until the first healthy probe",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		},
		[]string{"service_id"},
	)

	// invocations tracks workflow invocations by outcome
	invocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snooze_workflow_invocations_total",
			Help: "Total workflow invocations by workflow ID and outcome",
		},
		[]string{"workflow", "outcome"},
	)

	// batchDepth tracks the current batch reference count
	batchDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snooze_batch_depth",
			Help: "Current number of active batch scopes by service ID",
		},
		[]string{"service_id"},
	)
)
