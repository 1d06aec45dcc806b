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

package window

import (
	"context"
	"sync"
	"time"

	"sentinel/internal/cim"
	"sentinel/internal/flow"
	"sentinel/internal/telemetry"
)

// Sizes bundles the fixed window sizes the processor runs.
type Sizes struct {
	Tumbling1m, Tumbling5m, Tumbling15m time.Duration
	Sliding5m, SlidingStep              time.Duration
	NetworkLateness, FlowLateness       time.Duration
}

// Emitter receives FeatureVectors at window close and raw CIM records as
// they are admitted, so the anomaly engine can run inline after each
// event insert and again at each window close.
type Emitter interface {
	OnEvent(cim.Record, *flow.Aggregate)
	OnWindowClose(FeatureVector)
}

// Processor is the stream processor: it assigns admitted CIM records to
// tumbling and sliding windows, maintains the flow state store, tracks
// per-source watermarks, and closes windows once the watermark clears
// them. Grounded on the rate limiter's Worker ticker-driven commit cycle.
type Processor struct {
	store      *flow.Store
	watermarks *WatermarkTracker
	sizes      Sizes
	emitter    Emitter

	mu       sync.Mutex
	lastSeen map[flow.Key]time.Time // previous event time per key, for IAT

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewProcessor builds a Processor over store, emitting windows through
// emitter, using the configured window sizes and lateness tolerances.
func NewProcessor(store *flow.Store, emitter Emitter, sizes Sizes) *Processor {
	return &Processor{
		store:      store,
		watermarks: NewWatermarkTracker(),
		sizes:      sizes,
		emitter:    emitter,
		lastSeen:   make(map[flow.Key]time.Time),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func (p *Processor) latenessFor(source cim.SourceKind) time.Duration {
	switch source {
	case cim.SourcePCAP:
		return p.sizes.NetworkLateness
	default:
		return p.sizes.FlowLateness
	}
}

// Ingest admits one CIM record: it checks lateness against the
// per-source watermark, assigns the record to every applicable window,
// updates each window's Aggregate, advances the watermark, and invokes
// the emitter's per-event hook (the anomaly engine's inline path).
func (p *Processor) Ingest(r cim.Record) {
	source := string(r.Source)
	lateness := p.latenessFor(r.Source)

	if p.watermarks.IsLate(source, r.EventTime, lateness) {
		telemetry.LateDroppedTotal.WithLabelValues(source).Inc()
		return
	}

	key := flow.KeyFromRecord(r)

	p.mu.Lock()
	prev, hadPrev := p.lastSeen[key]
	p.lastSeen[key] = r.EventTime
	p.mu.Unlock()

	var iat time.Duration
	if hadPrev {
		iat = r.EventTime.Sub(prev)
		if iat < 0 {
			iat = 0
		}
	}

	keyGroup := key.Bidirectional().String()
	descs := AssignTumbling(r.EventTime, keyGroup, map[Kind]time.Duration{
		KindTumbling1m:  p.sizes.Tumbling1m,
		KindTumbling5m:  p.sizes.Tumbling5m,
		KindTumbling15m: p.sizes.Tumbling15m,
	})
	descs = append(descs, AssignSliding(r.EventTime, keyGroup, p.sizes.Sliding5m, p.sizes.SlidingStep)...)

	var lastAgg *flow.Aggregate
	for _, d := range descs {
		kind, start := d.ID()
		wid := flow.WindowID{Kind: kind, Start: start}
		p.store.Access(key, wid, func(agg *flow.Aggregate) {
			agg.Update(r, iat)
			lastAgg = agg
		})
	}

	p.watermarks.Observe(source, r.EventTime)
	telemetry.WatermarkSeconds.WithLabelValues(source).Set(float64(p.watermarks.Watermark(source)) / 1e9)

	if p.emitter != nil && lastAgg != nil {
		p.emitter.OnEvent(r, lastAgg)
	}
}

// windowEnd computes a window's end time from its id and the configured
// sizes, since end is a pure function of kind and start.
func (p *Processor) windowEnd(kind string, start int64) (time.Time, time.Duration) {
	startT := time.Unix(0, start)
	switch Kind(kind) {
	case KindTumbling1m:
		return startT.Add(p.sizes.Tumbling1m), p.sizes.Tumbling1m
	case KindTumbling5m:
		return startT.Add(p.sizes.Tumbling5m), p.sizes.Tumbling5m
	case KindTumbling15m:
		return startT.Add(p.sizes.Tumbling15m), p.sizes.Tumbling15m
	case KindSliding5m1m:
		return startT.Add(p.sizes.Sliding5m), p.sizes.Sliding5m
	default:
		return startT, 0
	}
}

// CloseDue scans the store for windows whose end, plus allowed lateness,
// has fallen behind the relevant watermark, emits their FeatureVector,
// and removes them from the store. Run periodically by the caller (see
// cmd/sentinel's wiring), mirroring the rate limiter Worker's commitLoop.
func (p *Processor) CloseDue() {
	type closeItem struct {
		key  flow.Key
		win  flow.WindowID
		desc Descriptor
		agg  flow.Aggregate
	}
	var due []closeItem

	globalWM := p.globalWatermark()
	p.store.ForEachWindow(func(key flow.Key, win flow.WindowID, agg *flow.Aggregate) {
		end, _ := p.windowEnd(win.Kind, win.Start)
		if globalWM <= end.Add(p.sizes.FlowLateness).UnixNano() {
			return
		}
		if agg.Packets == 0 {
			return // empty flow: skip emission
		}
		due = append(due, closeItem{
			key:  key,
			win:  win,
			desc: Descriptor{Kind: Kind(win.Kind), Start: time.Unix(0, win.Start), End: end, KeyGroup: key.Bidirectional().String()},
			agg:  *agg,
		})
	})

	for _, it := range due {
		fv := ComputeFeatureVector(&it.agg, it.desc)
		if p.emitter != nil {
			p.emitter.OnWindowClose(fv)
		}
		telemetry.WindowsClosedTotal.WithLabelValues(it.win.Kind).Inc()
		p.store.Remove(it.key, it.win)
	}
}

// globalWatermark returns the minimum watermark across every source that
// has reported at least one event, the conservative bound a window must
// clear before any source could still deliver an in-window event to it.
func (p *Processor) globalWatermark() int64 {
	snap := p.watermarks.Snapshot()
	var min int64 = -1
	for _, t := range snap {
		n := t.UnixNano()
		if min == -1 || n < min {
			min = n
		}
	}
	if min == -1 {
		return 0
	}
	return min
}

// Run starts the periodic close-cycle loop; it returns once ctx is
// cancelled, after a final CloseDue sweep (the shutdown grace flush).
func (p *Processor) Run(ctx context.Context, tick time.Duration) {
	defer close(p.doneCh)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.CloseDue()
			return
		case <-p.stopCh:
			p.CloseDue()
			return
		case <-ticker.C:
			p.CloseDue()
		}
	}
}

// Stop requests Run to exit and waits for it to finish.
func (p *Processor) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	<-p.doneCh
}

// Watermarks exposes the tracker for observability endpoints.
func (p *Processor) Watermarks() *WatermarkTracker { return p.watermarks }
