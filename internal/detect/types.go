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

// Package detect implements the streaming anomaly heuristics: one small
// interface, five concrete evaluators, and a dedup cache.
// Grounded on the rate limiter's churn telemetry aggregation (sync.Map
// keyed accumulation with idle-scan eviction) generalized from a KPI
// exporter to a rule-threshold evaluator.
package detect

import "time"

// Type is one of the five anomaly kinds the engine emits.
type Type string

const (
	TypeSynFlood       Type = "syn_flood"
	TypePortScan       Type = "port_scan"
	TypeLargePayload   Type = "large_payload"
	TypeRateSpike      Type = "rate_spike"
	TypeUnusualEntropy Type = "unusual_entropy"
)

// Severity is the qualitative impact level of an AnomalyEvent.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is an AnomalyEvent: identity is (Type, SubjectKey, WindowOrTime).
type Event struct {
	Type        Type
	SubjectKey  string
	WindowStart time.Time
	Timestamp   time.Time
	Severity    Severity
	Evidence    map[string]any
}
