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
	"strconv"
	"time"

	"sentinel/internal/cim"
)

// FlagMask bits identify the TCP flags tracked individually.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
)

// Aggregate is the per-(FlowKey, window) running state. The flow state
// store owns all Aggregates; windows hold references only.
type Aggregate struct {
	Key Key

	Packets    int64
	TotalBytes int64

	FlagCounts map[uint8]int64

	SizeMoments Moments
	IATMoments  Moments
	SizeSketch  *QuantileSketch

	FirstSeen time.Time
	LastSeen  time.Time

	SrcIPEntropy   *SymbolTable
	DstIPEntropy   *SymbolTable
	SrcPortEntropy *SymbolTable
	DstPortEntropy *SymbolTable

	DistinctDestPorts map[int]struct{}
	DistinctDestHosts map[string]struct{}
}

// NewAggregate allocates a zeroed Aggregate for key.
func NewAggregate(key Key) *Aggregate {
	return &Aggregate{
		Key:               key,
		FlagCounts:        make(map[uint8]int64),
		SizeSketch:        NewQuantileSketch(1024),
		SrcIPEntropy:      NewSymbolTable(),
		DstIPEntropy:      NewSymbolTable(),
		SrcPortEntropy:    NewSymbolTable(),
		DstPortEntropy:    NewSymbolTable(),
		DistinctDestPorts: make(map[int]struct{}),
		DistinctDestHosts: make(map[string]struct{}),
	}
}

// Update folds one CIM record into the aggregate. iat is the clamped
// inter-arrival time since the previous event on this flow (0 for the
// first event); callers clip negative IAT to 0 before calling, the
// clock-skew tie-break.
func (a *Aggregate) Update(r cim.Record, iat time.Duration) {
	a.Packets += r.Packets
	a.TotalBytes += r.Bytes

	if r.Transport == cim.TransportTCP {
		for _, mask := range []uint8{FlagFIN, FlagSYN, FlagRST, FlagPSH, FlagACK, FlagURG} {
			if r.TCPFlags&mask != 0 {
				a.FlagCounts[mask]++
			}
		}
	}

	a.SizeMoments.Add(float64(r.Bytes))
	a.SizeSketch.Add(float64(r.Bytes))
	if iat > 0 || !a.LastSeen.IsZero() {
		if iat < 0 {
			iat = 0
		}
		a.IATMoments.Add(float64(iat))
	}

	if a.FirstSeen.IsZero() || r.EventTime.Before(a.FirstSeen) {
		a.FirstSeen = r.EventTime
	}
	if r.EventTime.After(a.LastSeen) {
		a.LastSeen = r.EventTime
	}

	a.SrcIPEntropy.Add(r.SrcIP)
	a.DstIPEntropy.Add(r.DestIP)
	a.SrcPortEntropy.Add(strconv.Itoa(r.SrcPort))
	a.DstPortEntropy.Add(strconv.Itoa(r.DestPort))

	a.DistinctDestPorts[r.DestPort] = struct{}{}
	a.DistinctDestHosts[r.DestIP] = struct{}{}
}

// Duration returns LastSeen - FirstSeen, 0 if either is unset.
func (a *Aggregate) Duration() time.Duration {
	if a.FirstSeen.IsZero() || a.LastSeen.IsZero() {
		return 0
	}
	d := a.LastSeen.Sub(a.FirstSeen)
	if d < 0 {
		return 0
	}
	return d
}
