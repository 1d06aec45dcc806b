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

package flow

import (
	"math"
	"sort"
)

// Moments accumulates count/mean/variance online via Welford's algorithm,
// numerically stable in place of storing every sample.
type Moments struct {
	Count int64
	Mean  float64
	M2    float64
	Min   float64
	Max   float64
}

// Add folds value v into the running moments.
func (m *Moments) Add(v float64) {
	if m.Count == 0 {
		m.Min, m.Max = v, v
	} else {
		if v < m.Min {
			m.Min = v
		}
		if v > m.Max {
			m.Max = v
		}
	}
	m.Count++
	delta := v - m.Mean
	m.Mean += delta / float64(m.Count)
	delta2 := v - m.Mean
	m.M2 += delta * delta2
}

// Variance returns the population variance, 0 for fewer than 2 samples.
func (m *Moments) Variance() float64 {
	if m.Count < 2 {
		return 0
	}
	return m.M2 / float64(m.Count)
}

// StdDev returns the population standard deviation.
func (m *Moments) StdDev() float64 { return math.Sqrt(m.Variance()) }

// QuantileSketch holds up to maxExact raw samples for exact quantiles;
// beyond that cap it downsamples via reservoir sampling, giving exact
// quantiles only while the sample count stays at or below 1024.
type QuantileSketch struct {
	maxExact int
	samples  []float64
	seen     int64
	rngState uint64
}

// NewQuantileSketch builds a sketch retaining up to maxExact exact samples.
func NewQuantileSketch(maxExact int) *QuantileSketch {
	if maxExact <= 0 {
		maxExact = 1024
	}
	return &QuantileSketch{maxExact: maxExact, rngState: 0x9E3779B97F4A7C15}
}

// Add folds one sample into the sketch.
func (q *QuantileSketch) Add(v float64) {
	q.seen++
	if len(q.samples) < q.maxExact {
		q.samples = append(q.samples, v)
		return
	}
	// Reservoir sampling beyond the exact cap: replace a uniformly chosen
	// existing slot with probability maxExact/seen.
	j := q.nextRand() % uint64(q.seen)
	if j < uint64(q.maxExact) {
		q.samples[j] = v
	}
}

func (q *QuantileSketch) nextRand() uint64 {
	// xorshift64*, deterministic and allocation-free.
	x := q.rngState
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	q.rngState = x
	return x * 2685821657736338717
}

// Quantile returns the p-quantile (0<=p<=1) of the retained samples via
// nearest-rank selection on a sorted copy. Returns 0 if empty.
func (q *QuantileSketch) Quantile(p float64) float64 {
	n := len(q.samples)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, q.samples)
	sort.Float64s(sorted)
	idx := int(p * float64(n-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

