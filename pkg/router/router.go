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

// Package router maps inbound inference requests to serving endpoints.
// Routing is a stateless lookup plus forward: no buffering or queueing
// happens here, that is the inference runtime's job.
package router

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/launchpad-ml/launchpad/pkg/apis/serving/v1alpha1"
	"github.com/launchpad-ml/launchpad/pkg/metrics"
)

var log = logf.Log.WithName("GatewayRouter")

// StatusSource resolves endpoint status snapshots. The endpoint manager
// satisfies it; the router never reads live cluster state.
type StatusSource interface {
	Get(name string) (v1alpha1.Endpoint, bool)
}

// Router forwards inference requests to Ready or Updating endpoints and
// rejects everything else. It also tracks per-endpoint in-flight request
// concurrency, which doubles as the autoscaler's load signal.
type Router struct {
	source    StatusSource
	transport http.RoundTripper

	mu       sync.RWMutex
	inFlight map[string]int64
}

func New(source StatusSource) *Router {
	return &Router{
		source:    source,
		transport: http.DefaultTransport,
		inFlight:  map[string]int64{},
	}
}

// InFlight reports the current request concurrency for an endpoint.
func (r *Router) InFlight(endpoint string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return float64(r.inFlight[endpoint])
}

// Handler returns the gateway's HTTP surface.
func (r *Router) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	mux.Post("/v1/endpoints/{endpoint}/predict", r.Predict)
	mux.Get("/v1/endpoints/{endpoint}", r.Status)
	return mux
}

// Predict forwards an inference request to the endpoint's cluster address.
func (r *Router) Predict(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "endpoint")
	ep, ok := r.source.Get(name)
	if !ok {
		metrics.RecordRouterRequest(name, "unknown")
		writeError(w, http.StatusNotFound, &v1alpha1.EndpointUnavailableError{Endpoint: name})
		return
	}
	if !ep.Status.Phase.Serving() {
		metrics.RecordRouterRequest(name, "rejected")
		writeError(w, http.StatusServiceUnavailable,
			&v1alpha1.EndpointUnavailableError{Endpoint: name, Phase: ep.Status.Phase})
		return
	}

	target, err := url.Parse(ep.Status.Address)
	if err != nil || ep.Status.Address == "" {
		metrics.RecordRouterRequest(name, "rejected")
		writeError(w, http.StatusServiceUnavailable,
			&v1alpha1.EndpointUnavailableError{Endpoint: name, Phase: ep.Status.Phase})
		return
	}

	r.track(name, 1)
	metrics.RouterRequestStarted(name)
	defer func() {
		r.track(name, -1)
		metrics.RouterRequestFinished(name)
	}()

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = r.transport
	proxy.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, err error) {
		log.Error(err, "forwarding failed", "endpoint", name)
		metrics.RecordRouterRequest(name, "error")
		w.WriteHeader(http.StatusBadGateway)
	}
	req.URL.Path = "/predict"
	metrics.RecordRouterRequest(name, "forwarded")
	proxy.ServeHTTP(w, req)
}

// Status reports the endpoint's observed status snapshot.
func (r *Router) Status(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "endpoint")
	ep, ok := r.source.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, &v1alpha1.EndpointUnavailableError{Endpoint: name})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ep); err != nil {
		log.Error(err, "encoding endpoint status", "endpoint", name)
	}
}

func (r *Router) track(endpoint string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight[endpoint] += delta
	if r.inFlight[endpoint] < 0 {
		r.inFlight[endpoint] = 0
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
