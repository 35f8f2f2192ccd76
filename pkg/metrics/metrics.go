/*
Copyright 2025 The Launchpad Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var buildsTotal = promauto.With(prometheus.DefaultRegisterer).NewCounterVec(
	prometheus.CounterOpts{
		Name: "launchpad_builds_total",
		Help: "Total image builds by terminal result.",
	},
	[]string{"result"},
)

var buildCacheHitsTotal = promauto.With(prometheus.DefaultRegisterer).NewCounter(
	prometheus.CounterOpts{
		Name: "launchpad_build_cache_hits_total",
		Help: "Total build submissions short-circuited by the image cache.",
	},
)

var buildsInFlight = promauto.With(prometheus.DefaultRegisterer).NewGauge(
	prometheus.GaugeOpts{
		Name: "launchpad_builds_in_flight",
		Help: "Builds currently executing in the worker pool.",
	},
)

var endpointPhase = promauto.With(prometheus.DefaultRegisterer).NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "launchpad_endpoint_phase",
		Help: "Current rollout phase per endpoint (1 for the active phase).",
	},
	[]string{"endpoint", "phase"},
)

var routerRequestsTotal = promauto.With(prometheus.DefaultRegisterer).NewCounterVec(
	prometheus.CounterOpts{
		Name: "launchpad_router_requests_total",
		Help: "Total routed inference requests by outcome.",
	},
	[]string{"endpoint", "outcome"},
)

var routerInFlight = promauto.With(prometheus.DefaultRegisterer).NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "launchpad_router_in_flight_requests",
		Help: "Inference requests currently in flight per endpoint.",
	},
	[]string{"endpoint"},
)

// RecordBuildResult counts one terminal build outcome.
func RecordBuildResult(result string) {
	buildsTotal.WithLabelValues(result).Inc()
}

// RecordBuildCacheHit counts a submission served from the image cache.
func RecordBuildCacheHit() {
	buildCacheHitsTotal.Inc()
}

// BuildStarted and BuildFinished track worker pool occupancy.
func BuildStarted()  { buildsInFlight.Inc() }
func BuildFinished() { buildsInFlight.Dec() }

// SetEndpointPhase marks the active phase for an endpoint, clearing the
// previous one.
func SetEndpointPhase(endpoint string, previous string, current string) {
	if previous != "" && previous != current {
		endpointPhase.WithLabelValues(endpoint, previous).Set(0)
	}
	endpointPhase.WithLabelValues(endpoint, current).Set(1)
}

// RecordRouterRequest counts one routing decision.
func RecordRouterRequest(endpoint string, outcome string) {
	routerRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// RouterRequestStarted and RouterRequestFinished track the in-flight gauge
// that doubles as the autoscaler's load signal.
func RouterRequestStarted(endpoint string)  { routerInFlight.WithLabelValues(endpoint).Inc() }
func RouterRequestFinished(endpoint string) { routerInFlight.WithLabelValues(endpoint).Dec() }
