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

// Package cim defines the canonical information model record and the
// transient RawEvent it is normalized from, grounded on collector.py's
// CIMNormalizer.
package cim

import "time"

// SourceKind names the ingestor that produced a RawEvent or CIMRecord.
type SourceKind string

const (
	SourcePCAP      SourceKind = "pcap"
	SourceNetFlowV5 SourceKind = "netflow_v5"
	SourceNetFlowV9 SourceKind = "netflow_v9"
	SourceSFlow     SourceKind = "sflow"
	SourceAPI       SourceKind = "api"
)

// Direction classifies a CIM record relative to the internal network.
type Direction string

const (
	DirInbound  Direction = "inbound"
	DirOutbound Direction = "outbound"
	DirInternal Direction = "internal"
	DirExternal Direction = "external"
)

// Transport is the symbolic transport-protocol name. Unknown protocol
// numbers are rendered as proto_<n>.
type Transport string

const (
	TransportTCP    Transport = "TCP"
	TransportUDP    Transport = "UDP"
	TransportICMP   Transport = "ICMP"
	TransportOther  Transport = "OTHER"
)

// RawEvent is the transient, per-packet/per-record payload an ingestor
// produces. It never leaves the ingestor: the normalizer consumes it and
// produces a CIMRecord.
type RawEvent struct {
	Source       SourceKind
	ArrivalTime  time.Time
	ExporterAddr string

	SrcIP      string
	DestIP     string
	SrcPort    int
	DestPort   int
	ProtoNum   int // IP protocol number, -1 if unknown
	Protocol   string // symbolic override (API ingestor), empty otherwise
	Bytes      int64
	Packets    int64
	TCPFlags   uint8
	EventTime  time.Time // best-effort event time, zero if unavailable
	DurationMS int64     // observed duration in milliseconds, 0 if unknown
}

// Record is a canonical CIM record: the normalizer's sole output type.
type Record struct {
	EventID   string
	EventTime time.Time
	Source    SourceKind

	SrcIP    string
	DestIP   string
	SrcPort  int
	DestPort int
	Transport Transport

	Bytes    int64
	Packets  int64
	Direction Direction
	TCPFlags uint8
	Duration time.Duration

	IsInternal bool
	RawHash    string
}
