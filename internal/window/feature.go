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
	"math"

	"sentinel/internal/cim"
	"sentinel/internal/flow"
)

// FeatureVector is the named set of statistical/behavioral features
// emitted once per (flow, window) pair at window close.
type FeatureVector struct {
	FlowKey   flow.Key
	Window    Descriptor
	Transport cim.Transport

	PacketCount int64
	TotalBytes  int64

	SizeMean, SizeStd, SizeMin, SizeMax       float64
	SizeP25, SizeP50, SizeP75                 float64
	IATMean, IATStd, IATMin, IATMax           float64

	ByteRate   float64
	PacketRate float64

	SrcIPEntropy   float64
	DstIPEntropy   float64
	SrcPortEntropy float64
	DstPortEntropy float64

	SynRatio, AckRatio, FinRatio, RstRatio, PshRatio, UrgRatio float64

	FanOutPorts int
	FanOutHosts int

	DurationSeconds float64
}

// ComputeFeatureVector derives a FeatureVector from a closed Aggregate,
// including its tie-break rules (empty flow skipped by the caller; zero
// duration => zero rates, never divide by
// zero; NaN/Inf replaced with 0).
func ComputeFeatureVector(agg *flow.Aggregate, desc Descriptor) FeatureVector {
	fv := FeatureVector{
		FlowKey:     agg.Key,
		Window:      desc,
		Transport:   agg.Key.Transport,
		PacketCount: agg.Packets,
		TotalBytes:  agg.TotalBytes,
	}

	fv.SizeMean = safe(agg.SizeMoments.Mean)
	fv.SizeStd = safe(agg.SizeMoments.StdDev())
	fv.SizeMin = safe(agg.SizeMoments.Min)
	fv.SizeMax = safe(agg.SizeMoments.Max)
	fv.SizeP25 = safe(agg.SizeSketch.Quantile(0.25))
	fv.SizeP50 = safe(agg.SizeSketch.Quantile(0.50))
	fv.SizeP75 = safe(agg.SizeSketch.Quantile(0.75))

	fv.IATMean = safe(agg.IATMoments.Mean)
	fv.IATStd = safe(agg.IATMoments.StdDev())
	fv.IATMin = safe(agg.IATMoments.Min)
	fv.IATMax = safe(agg.IATMoments.Max)

	duration := agg.Duration()
	fv.DurationSeconds = duration.Seconds()
	if duration > 0 {
		fv.ByteRate = safe(float64(agg.TotalBytes) / duration.Seconds())
		fv.PacketRate = safe(float64(agg.Packets) / duration.Seconds())
	}

	fv.SrcIPEntropy = safe(agg.SrcIPEntropy.Entropy())
	fv.DstIPEntropy = safe(agg.DstIPEntropy.Entropy())
	fv.SrcPortEntropy = safe(agg.SrcPortEntropy.Entropy())
	fv.DstPortEntropy = safe(agg.DstPortEntropy.Entropy())

	if agg.Key.Transport == cim.TransportTCP && agg.Packets > 0 {
		n := float64(agg.Packets)
		fv.SynRatio = safe(float64(agg.FlagCounts[flow.FlagSYN]) / n)
		fv.AckRatio = safe(float64(agg.FlagCounts[flow.FlagACK]) / n)
		fv.FinRatio = safe(float64(agg.FlagCounts[flow.FlagFIN]) / n)
		fv.RstRatio = safe(float64(agg.FlagCounts[flow.FlagRST]) / n)
		fv.PshRatio = safe(float64(agg.FlagCounts[flow.FlagPSH]) / n)
		fv.UrgRatio = safe(float64(agg.FlagCounts[flow.FlagURG]) / n)
	}

	fv.FanOutPorts = len(agg.DistinctDestPorts)
	fv.FanOutHosts = len(agg.DistinctDestHosts)

	return fv
}

// safe replaces NaN/Inf with 0 so a FeatureVector never carries either.
func safe(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
