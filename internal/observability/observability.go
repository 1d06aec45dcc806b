// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package observability exposes the health and statistics HTTP surface:
// component readiness, ingest/drop counters, and the hot-stats snapshot,
// chi-routed in the same style as the push ingestor.
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sentinel/internal/publish"
)

// ComponentCheck reports whether a named dependency (an adapter, the
// durable log, the KV store) is currently reachable.
type ComponentCheck struct {
	Name  string
	Check func(ctx context.Context) bool
}

// Server serves /healthz, /readyz, /statistics and /metrics.
type Server struct {
	checks []ComponentCheck
	stats  *publish.Stats
}

// New builds a Server. checks are evaluated fresh on every /readyz call;
// stats may be nil if the hot-stats KV is not configured.
func New(checks []ComponentCheck, stats *publish.Stats) *Server {
	return &Server{checks: checks, stats: stats}
}

// Mount registers routes on r, following the proxy's sub-router-with-
// middleware convention.
func (s *Server) Mount(r chi.Router) {
	r.Group(func(g chi.Router) {
		g.Use(middleware.Recoverer)
		g.Use(middleware.RequestID)

		g.Get("/healthz", s.handleHealthz)
		g.Get("/readyz", s.handleReadyz)
		g.Handle("/metrics", promhttp.Handler())

		g.Route("/statistics", func(sub chi.Router) {
			sub.Use(middleware.Timeout(5 * time.Second))
			sub.Get("/", s.handleStatistics)
		})
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReadyz reports per-component reachability; the overall status is
// "ready" only if every check passes.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	components := make(map[string]bool, len(s.checks))
	ready := true
	for _, c := range s.checks {
		ok := c.Check(ctx)
		components[c.Name] = ok
		if !ok {
			ready = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	status := "ready"
	if !ready {
		status = "not_ready"
	}
	json.NewEncoder(w).Encode(map[string]any{"status": status, "components": components})
}

// handleStatistics serves the hot-stats snapshot: protocol/direction
// distribution and recent alerts.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.stats == nil {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{})
		return
	}

	ctx := r.Context()
	protoDist, err := s.stats.ProtocolDistribution(ctx)
	if err != nil {
		protoDist = map[string]int64{}
	}
	dirDist, err := s.stats.DirectionDistribution(ctx)
	if err != nil {
		dirDist = map[string]int64{}
	}
	alerts, err := s.stats.RecentAlerts(ctx, 20)
	if err != nil {
		alerts = nil
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"protocol_distribution":  protoDist,
		"direction_distribution": dirDist,
		"recent_alerts":          alerts,
	})
}
