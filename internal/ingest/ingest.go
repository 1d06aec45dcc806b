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

// Package ingest defines the shared bounded-queue sink every concrete
// ingestor (pcap, netflow, sflow, api) publishes RawEvents through, under
// a drop-oldest backpressure policy.
package ingest

import (
	"sentinel/internal/cim"
	"sentinel/internal/telemetry"
)

// Queue is a bounded channel of RawEvents with drop-oldest backpressure:
// when full, the oldest queued event is discarded to make room for the
// newest. The discarded event is counted in sentinel_queue_drops_total
// under the incoming event's source; if the newest event still finds the
// queue full, it is counted in sentinel_ingest_drops_total with reason
// "queue_full".
type Queue struct {
	ch chan cim.RawEvent
}

// NewQueue allocates a Queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan cim.RawEvent, capacity)}
}

// Push enqueues ev, dropping the oldest queued event first if full.
func (q *Queue) Push(ev cim.RawEvent) {
	telemetry.IngestEventsTotal.WithLabelValues(string(ev.Source)).Inc()
	select {
	case q.ch <- ev:
		return
	default:
	}
	select {
	case <-q.ch:
		telemetry.QueueDropsTotal.WithLabelValues(string(ev.Source)).Inc()
	default:
	}
	select {
	case q.ch <- ev:
	default:
		telemetry.IngestDropsTotal.WithLabelValues(string(ev.Source), "queue_full").Inc()
	}
}

// C exposes the receive side for a consumer loop.
func (q *Queue) C() <-chan cim.RawEvent { return q.ch }
