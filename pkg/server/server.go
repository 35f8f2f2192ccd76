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

// Package server exposes the orchestrator's HTTP surface: the deployment
// admin API, the gateway routes and operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/launchpad-ml/launchpad/pkg/apis/serving/v1alpha1"
	"github.com/launchpad-ml/launchpad/pkg/controller/endpoint"
	"github.com/launchpad-ml/launchpad/pkg/router"
)

var log = logf.Log.WithName("Server")

// Server serves the admin and gateway HTTP surface.
type Server struct {
	manager *endpoint.Manager
	gateway *router.Router
	addr    string
	server  *http.Server
}

func New(manager *endpoint.Manager, gateway *router.Router, addr string) *Server {
	return &Server{manager: manager, gateway: gateway, addr: addr}
}

// Handler builds the full mux.
func (s *Server) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.Put("/v1/endpoints/{endpoint}", s.handleApply)
	mux.Delete("/v1/endpoints/{endpoint}", s.handleTerminate)
	mux.Get("/v1/endpoints/{endpoint}", s.gateway.Status)
	mux.Get("/v1/endpoints", s.handleList)
	mux.Post("/v1/endpoints/{endpoint}/predict", s.gateway.Predict)
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleApply(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "endpoint")
	var spec v1alpha1.EndpointSpec
	if err := json.NewDecoder(req.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decoding endpoint spec"))
		return
	}
	if err := s.manager.Apply(req.Context(), name, spec); err != nil {
		var invalid *v1alpha1.InvalidBundleError
		if errors.As(err, &invalid) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTerminate(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "endpoint")
	if err := s.manager.Terminate(req.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.manager.List()); err != nil {
		log.Error(err, "encoding endpoint list")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
