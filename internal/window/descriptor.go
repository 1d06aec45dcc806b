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

// Package window implements tumbling and sliding event-time windows with
// watermark-based closing, and the FeatureVector computed at window close.
// Grounded on the rate limiter's Worker commit cycle (ticker-driven scan,
// threshold-gated flush) generalized from a single scalar-vector pair to
// per-window flow aggregates.
package window

import (
	"fmt"
	"time"
)

// Kind names one of the fixed window shapes the processor supports.
type Kind string

const (
	KindTumbling1m  Kind = "tumbling-1m"
	KindTumbling5m  Kind = "tumbling-5m"
	KindTumbling15m Kind = "tumbling-15m"
	KindSliding5m1m Kind = "sliding-5m/1m"
	KindSession     Kind = "session"
)

// Descriptor identifies one window instance: its kind, its event-time
// span, and the flow key group it aggregates.
type Descriptor struct {
	Kind     Kind
	Start    time.Time
	End      time.Time
	KeyGroup string
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s[%s,%s)/%s", d.Kind, d.Start.Format(time.RFC3339Nano), d.End.Format(time.RFC3339Nano), d.KeyGroup)
}

// ID returns a stable identifier for the window instance, independent of
// the flow it aggregates, used as flow.WindowID.Start/Kind.
func (d Descriptor) ID() (kind string, startNanos int64) {
	return string(d.Kind), d.Start.UnixNano()
}

// tumblingBoundaries returns the [start, end) tumbling window containing t
// for the given size, aligned to the Unix epoch.
func tumblingBoundaries(t time.Time, size time.Duration) (time.Time, time.Time) {
	n := t.UnixNano()
	s := int64(size)
	startNanos := (n / s) * s
	return time.Unix(0, startNanos), time.Unix(0, startNanos+s)
}

// slidingBoundaries returns every sliding window of the given size and
// step that contains t.
func slidingBoundaries(t time.Time, size, step time.Duration) []Descriptor {
	n := t.UnixNano()
	sizeN := int64(size)
	stepN := int64(step)
	// The latest window-start at or before t that still covers t, then walk
	// backward while start+size still covers t and start is step-aligned.
	latestStart := (n / stepN) * stepN
	var out []Descriptor
	for start := latestStart; start > n-sizeN; start -= stepN {
		if start < 0 {
			break
		}
		s := time.Unix(0, start)
		e := time.Unix(0, start+sizeN)
		if t.Before(s) || !t.Before(e) {
			continue
		}
		out = append(out, Descriptor{Kind: KindSliding5m1m, Start: s, End: e})
	}
	return out
}

// AssignTumbling returns the tumbling-window descriptors (1m, 5m, 15m)
// that event time t is assigned to, for the given key group.
func AssignTumbling(t time.Time, keyGroup string, sizes map[Kind]time.Duration) []Descriptor {
	out := make([]Descriptor, 0, len(sizes))
	for kind, size := range sizes {
		s, e := tumblingBoundaries(t, size)
		out = append(out, Descriptor{Kind: kind, Start: s, End: e, KeyGroup: keyGroup})
	}
	return out
}

// AssignSliding returns the sliding-window descriptors that event time t
// falls into, for the given key group.
func AssignSliding(t time.Time, keyGroup string, size, step time.Duration) []Descriptor {
	descs := slidingBoundaries(t, size, step)
	for i := range descs {
		descs[i].KeyGroup = keyGroup
	}
	return descs
}
