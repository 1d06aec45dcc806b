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

// Package telemetry holds the Prometheus collectors shared across every
// stage of the data plane. Counters are registered once at package scope,
// the way the rate limiter's churn package registers its own, so every
// stage can import this package and record without threading a registry
// reference through every constructor.
package telemetry

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	IngestEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_ingest_events_total",
		Help: "Raw events accepted per source kind.",
	}, []string{"source"})

	IngestDropsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_ingest_drops_total",
		Help: "Raw events dropped per source kind and reason.",
	}, []string{"source", "reason"})

	NormalizeFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_normalize_failures_total",
		Help: "Records that failed normalization, by reason.",
	}, []string{"reason"})

	LateDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_late_dropped_total",
		Help: "Events dropped for arriving past the watermark lateness bound.",
	}, []string{"source"})

	QueueDropsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_queue_drops_total",
		Help: "Events dropped because a bounded queue was full.",
	}, []string{"queue"})

	WatermarkSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_watermark_unix_seconds",
		Help: "Current per-source watermark, as unix seconds.",
	}, []string{"source"})

	WindowsClosedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_windows_closed_total",
		Help: "Windows closed and emitted, by kind.",
	}, []string{"kind"})

	AnomaliesEmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_anomalies_emitted_total",
		Help: "Anomaly events emitted, by type and severity.",
	}, []string{"type", "severity"})

	AnomaliesDedupedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_anomalies_deduped_total",
		Help: "Anomaly emissions suppressed by the dedup cache, by type.",
	}, []string{"type"})

	PolicyOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_policy_ops_total",
		Help: "Policy orchestrator operations, by op and outcome.",
	}, []string{"op", "outcome"})

	AdapterAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_adapter_available",
		Help: "1 if the vendor adapter reports itself available, else 0.",
	}, []string{"vendor"})

	AdapterCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_adapter_calls_total",
		Help: "Adapter calls, by vendor, op, and outcome.",
	}, []string{"vendor", "op", "outcome"})

	PublishQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_publish_queue_depth",
		Help: "Current depth of the publisher's outbound queue, by topic.",
	}, []string{"topic"})

	PublishDropsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_publish_drops_total",
		Help: "Records dropped because the publisher queue stayed full past its deadline.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(
		IngestEventsTotal,
		IngestDropsTotal,
		NormalizeFailuresTotal,
		LateDroppedTotal,
		QueueDropsTotal,
		WatermarkSeconds,
		WindowsClosedTotal,
		AnomaliesEmittedTotal,
		AnomaliesDedupedTotal,
		PolicyOpsTotal,
		AdapterAvailable,
		AdapterCallsTotal,
		PublishQueueDepth,
		PublishDropsTotal,
	)
}

// Stripe is a padded atomic counter cell for spreading one hot counter
// across shards. Cache-line padding avoids false sharing between adjacent
// stripes. No stage in this module uses it, and nothing folds stripe
// values into a Prometheus counter.
type Stripe struct {
	Val atomic.Int64
	_   [120]byte
}
