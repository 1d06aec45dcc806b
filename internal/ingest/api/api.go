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

// Package api serves the HTTP push ingestor: a single endpoint accepting
// one record or a JSON array of records, grounded on
// the proxy's chi router composition.
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"sentinel/internal/cim"
	"sentinel/internal/ingest"
	"sentinel/internal/telemetry"
)

// pushedEvent is the wire shape accepted on POST /ingest. SourceIP, DestIP
// and Protocol are required; the remaining fields are best-effort.
type pushedEvent struct {
	SourceIP  string `json:"source_ip"`
	DestIP    string `json:"dest_ip"`
	Protocol  string `json:"protocol"`
	SrcPort   int    `json:"src_port"`
	DestPort  int    `json:"dest_port"`
	Bytes     int64  `json:"bytes"`
	Packets   int64  `json:"packets"`
	EventTime int64  `json:"event_time_unix_ms"`
}

// Handler wires the push ingestor onto a chi.Router.
type Handler struct {
	queue *ingest.Queue
	log   *zap.Logger
}

// New builds a Handler publishing accepted events onto q.
func New(q *ingest.Queue, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{queue: q, log: log}
}

// Mount registers routes under r, in the proxy's style: a dedicated
// sub-router with request-scoped recovery, request IDs, and a bounded
// handler timeout.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/ingest", func(sub chi.Router) {
		sub.Use(middleware.Recoverer)
		sub.Use(middleware.RequestID)
		sub.Use(middleware.Timeout(10 * time.Second))
		sub.Post("/", h.handlePush)
	})
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	trimmed := bytes.TrimSpace(body)

	var events []pushedEvent
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &events); err != nil {
			writeError(w, http.StatusBadRequest, "malformed event array")
			return
		}
	} else {
		var single pushedEvent
		if err := json.Unmarshal(trimmed, &single); err != nil {
			writeError(w, http.StatusBadRequest, "malformed event")
			return
		}
		events = []pushedEvent{single}
	}

	accepted := 0
	rejected := 0
	for _, pe := range events {
		if h.publish(pe) {
			accepted++
		} else {
			rejected++
		}
	}

	telemetry.IngestEventsTotal.WithLabelValues(string(cim.SourceAPI)).Add(float64(accepted))
	if rejected > 0 {
		telemetry.IngestDropsTotal.WithLabelValues(string(cim.SourceAPI), "malformed").Add(float64(rejected))
	}

	w.Header().Set("Content-Type", "application/json")
	if accepted == 0 {
		w.WriteHeader(http.StatusBadRequest)
	} else {
		w.WriteHeader(http.StatusAccepted)
	}
	json.NewEncoder(w).Encode(map[string]int{"accepted": accepted, "rejected": rejected})
}

func (h *Handler) publish(pe pushedEvent) bool {
	if pe.SourceIP == "" || pe.DestIP == "" || pe.Protocol == "" {
		return false
	}
	ev := cim.RawEvent{
		Source:   cim.SourceAPI,
		SrcIP:    pe.SourceIP,
		DestIP:   pe.DestIP,
		SrcPort:  pe.SrcPort,
		DestPort: pe.DestPort,
		Protocol: pe.Protocol,
		ProtoNum: -1,
		Bytes:    pe.Bytes,
		Packets:  pe.Packets,
	}
	if pe.EventTime > 0 {
		ev.EventTime = time.UnixMilli(pe.EventTime)
	} else {
		ev.EventTime = time.Now()
	}
	h.queue.Push(ev)
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
