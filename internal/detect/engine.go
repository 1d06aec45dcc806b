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

package detect

import (
	"math"
	"sort"
	"sync"
	"time"

	"sentinel/internal/cim"
	"sentinel/internal/flow"
	"sentinel/internal/telemetry"
	"sentinel/internal/window"
)

// Thresholds mirrors config.ThresholdConfig, kept decoupled from the
// config package so detect has no dependency on CLI/Viper wiring.
type Thresholds struct {
	SynFlood      int64
	PortScan      int64
	LargePayload  int64
	RateSpike     int64
	EntropyZScore float64
	EntropyEWMA   float64
	DedupTTL      time.Duration
}

// Sink receives emitted, deduplicated AnomalyEvents.
type Sink interface {
	OnAnomaly(Event)
}

// ewma tracks a rolling mean/variance baseline for z-score comparison,
// updated with exponential weighting (alpha).
type ewma struct {
	mean, variance float64
	initialized    bool
}

func (e *ewma) update(alpha, x float64) (z float64) {
	if !e.initialized {
		e.mean = x
		e.variance = 0
		e.initialized = true
		return 0
	}
	diff := x - e.mean
	e.mean += alpha * diff
	e.variance = (1 - alpha) * (e.variance + alpha*diff*diff)
	std := math.Sqrt(e.variance)
	if std == 0 {
		return 0
	}
	return diff / std
}

// Engine evaluates all five detectors and feeds confirmed, deduplicated
// anomalies to a Sink. It implements window.Emitter so the stream
// processor can drive it inline per event and at window close.
type Engine struct {
	th    Thresholds
	sink  Sink
	dedup *DedupCache

	mu          sync.Mutex
	synTimes    map[string][]time.Time          // src_ip -> recent SYN timestamps
	scanPorts   map[string]map[int]time.Time    // src_ip -> dest_port -> last seen
	scanOrder   map[string][]int                // src_ip -> ports in first-seen order
	entropyBase map[string]*ewma                // flow key group -> baseline per field
}

// NewEngine builds an Engine with the given thresholds, publishing
// confirmed anomalies to sink.
func NewEngine(th Thresholds, sink Sink) *Engine {
	if th.DedupTTL <= 0 {
		th.DedupTTL = 60 * time.Minute
	}
	return &Engine{
		th:          th,
		sink:        sink,
		dedup:       NewDedupCache(th.DedupTTL),
		synTimes:    make(map[string][]time.Time),
		scanPorts:   make(map[string]map[int]time.Time),
		scanOrder:   make(map[string][]int),
		entropyBase: make(map[string]*ewma),
	}
}

// OnEvent implements window.Emitter: it runs the stateless/per-event
// detectors (SYN flood, port scan, large payload) inline after admission.
func (e *Engine) OnEvent(r cim.Record, agg *flow.Aggregate) {
	now := r.EventTime
	if now.IsZero() {
		now = time.Now()
	}

	if r.Transport == cim.TransportTCP && r.TCPFlags&flow.FlagSYN != 0 && r.TCPFlags&flow.FlagACK == 0 {
		e.observeSyn(r.SrcIP, now)
	}
	e.observePortScan(r.SrcIP, r.DestPort, now)

	if r.Bytes >= e.th.LargePayload {
		e.emit(Event{
			Type:       TypeLargePayload,
			SubjectKey: r.SrcIP,
			Timestamp:  now,
			Severity:   SeverityLow,
			Evidence:   map[string]any{"bytes": r.Bytes, "dest_ip": r.DestIP},
		}, now)
	}
}

func (e *Engine) observeSyn(srcIP string, now time.Time) {
	e.mu.Lock()
	times := append(e.synTimes[srcIP], now)
	cutoff := now.Add(-60 * time.Second)
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.synTimes[srcIP] = kept
	count := int64(len(kept))
	e.mu.Unlock()

	if count >= e.th.SynFlood {
		e.emit(Event{
			Type:       TypeSynFlood,
			SubjectKey: srcIP,
			Timestamp:  now,
			Severity:   SeverityHigh,
			Evidence:   map[string]any{"syn_count": count},
		}, now)
	}
}

func (e *Engine) observePortScan(srcIP string, destPort int, now time.Time) {
	cutoff := now.Add(-5 * time.Minute)
	e.mu.Lock()
	ports, ok := e.scanPorts[srcIP]
	if !ok {
		ports = make(map[int]time.Time)
		e.scanPorts[srcIP] = ports
	}
	if _, seen := ports[destPort]; !seen {
		e.scanOrder[srcIP] = append(e.scanOrder[srcIP], destPort)
	}
	ports[destPort] = now
	for p, t := range ports {
		if t.Before(cutoff) {
			delete(ports, p)
		}
	}
	order := e.scanOrder[srcIP]
	filteredOrder := order[:0]
	for _, p := range order {
		if _, ok := ports[p]; ok {
			filteredOrder = append(filteredOrder, p)
		}
	}
	e.scanOrder[srcIP] = filteredOrder
	distinct := int64(len(ports))
	first20 := make([]int, 0, 20)
	for i, p := range filteredOrder {
		if i >= 20 {
			break
		}
		first20 = append(first20, p)
	}
	e.mu.Unlock()

	if distinct >= e.th.PortScan {
		sort.Ints(first20)
		e.emit(Event{
			Type:       TypePortScan,
			SubjectKey: srcIP,
			Timestamp:  now,
			Severity:   SeverityMedium,
			Evidence:   map[string]any{"unique_ports_scanned": distinct, "first_ports": first20},
		}, now)
	}
}

// OnWindowClose implements window.Emitter: it runs the window-close
// detectors (rate spike, unusual entropy).
func (e *Engine) OnWindowClose(fv window.FeatureVector) {
	subject := fv.FlowKey.String()

	if fv.Window.Kind == window.KindTumbling1m {
		rate := float64(fv.PacketCount) / 60.0
		if rate > float64(e.th.RateSpike) {
			e.emit(Event{
				Type:        TypeRateSpike,
				SubjectKey:  subject,
				WindowStart: fv.Window.Start,
				Timestamp:   fv.Window.End,
				Severity:    SeverityMedium,
				Evidence:    map[string]any{"packets_per_second": rate},
			}, fv.Window.End)
		}
	}

	if fv.Window.Kind == window.KindTumbling5m {
		dstIPZ := e.updateBaseline(subject+"|dst_ip", fv.DstIPEntropy)
		dstPortZ := e.updateBaseline(subject+"|dst_port", fv.DstPortEntropy)
		if math.Abs(dstIPZ) > e.th.EntropyZScore || math.Abs(dstPortZ) > e.th.EntropyZScore {
			e.emit(Event{
				Type:        TypeUnusualEntropy,
				SubjectKey:  subject,
				WindowStart: fv.Window.Start,
				Timestamp:   fv.Window.End,
				Severity:    SeverityMedium,
				Evidence: map[string]any{
					"dst_ip_entropy": fv.DstIPEntropy, "dst_ip_zscore": dstIPZ,
					"dst_port_entropy": fv.DstPortEntropy, "dst_port_zscore": dstPortZ,
				},
			}, fv.Window.End)
		}
	}
}

func (e *Engine) updateBaseline(key string, value float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.entropyBase[key]
	if !ok {
		b = &ewma{}
		e.entropyBase[key] = b
	}
	return b.update(e.th.EntropyEWMA, value)
}

func (e *Engine) emit(ev Event, now time.Time) {
	if !e.dedup.Admit(ev.Type, ev.SubjectKey, ev.WindowStart, now) {
		telemetry.AnomaliesDedupedTotal.WithLabelValues(string(ev.Type)).Inc()
		return
	}
	telemetry.AnomaliesEmittedTotal.WithLabelValues(string(ev.Type), string(ev.Severity)).Inc()
	if e.sink != nil {
		e.sink.OnAnomaly(ev)
	}
}
