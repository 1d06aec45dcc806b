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

// Package pcap decodes raw L2 frames into cim.RawEvent. No packet-capture
// binding (gopacket, libpcap cgo, AF_PACKET syscalls) appears anywhere in
// the retrieved example corpus, so frame acquisition is abstracted behind
// FrameSource and decoding uses only encoding/binary — the one ingestor
// surface documented in DESIGN.md as standard-library-only.
package pcap

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"go.uber.org/zap"

	"sentinel/internal/cim"
	"sentinel/internal/ingest"
	"sentinel/internal/sentinelerr"
	"sentinel/internal/telemetry"
)

const ethTypeIPv4 = 0x0800

// CaptureMeta carries per-frame metadata a real capture library would
// supply alongside the frame bytes.
type CaptureMeta struct {
	Timestamp time.Time
	Interface string
}

// FrameSource abstracts frame acquisition so Listener never binds to a
// specific OS capture API.
type FrameSource interface {
	ReadFrame(ctx context.Context) ([]byte, CaptureMeta, error)
}

// Listener decodes frames pulled from a FrameSource and pushes RawEvents
// onto q.
type Listener struct {
	source FrameSource
	queue  *ingest.Queue
	log    *zap.Logger
}

// New builds a Listener over source, publishing decoded events to q.
func New(source FrameSource, q *ingest.Queue, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{source: source, queue: q, log: log}
}

// Run reads frames until ctx is cancelled. Malformed frames are counted
// and dropped silently, never propagated.
func (l *Listener) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, meta, err := l.source.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Warn("frame read failed", zap.Error(err))
			continue
		}

		ev, err := decodeFrame(frame, meta)
		if err != nil {
			telemetry.IngestDropsTotal.WithLabelValues(string(cim.SourcePCAP), "malformed").Inc()
			continue
		}
		l.queue.Push(ev)
	}
}

// decodeFrame decodes Ethernet + IPv4, and TCP/UDP/ICMP within it.
// Non-IPv4 EtherTypes are counted here under reason "non_ipv4" and returned
// as a MalformedInput error, which Run counts again under reason
// "malformed" before moving on; they never stop the ingestor loop.
func decodeFrame(frame []byte, meta CaptureMeta) (cim.RawEvent, error) {
	if len(frame) < 14 {
		return cim.RawEvent{}, sentinelerr.New(sentinelerr.KindMalformedInput, "pcap.decodeFrame", errShortHeader("ethernet"))
	}
	etherType := binary.BigEndian.Uint16(frame[12:14])
	if etherType != ethTypeIPv4 {
		telemetry.IngestDropsTotal.WithLabelValues(string(cim.SourcePCAP), "non_ipv4").Inc()
		return cim.RawEvent{}, sentinelerr.New(sentinelerr.KindMalformedInput, "pcap.decodeFrame", errShortHeader("ethertype"))
	}

	ip := frame[14:]
	ev, err := decodeIPv4(ip)
	if err != nil {
		return cim.RawEvent{}, err
	}
	ev.Source = cim.SourcePCAP
	ev.ArrivalTime = meta.Timestamp
	ev.ExporterAddr = meta.Interface
	if ev.EventTime.IsZero() {
		ev.EventTime = meta.Timestamp
	}
	return ev, nil
}

func decodeIPv4(ip []byte) (cim.RawEvent, error) {
	if len(ip) < 20 {
		return cim.RawEvent{}, sentinelerr.New(sentinelerr.KindMalformedInput, "pcap.decodeIPv4", errShortHeader("ipv4"))
	}
	versionIHL := ip[0]
	version := versionIHL >> 4
	ihl := int(versionIHL&0x0f) * 4
	if version != 4 || ihl < 20 || len(ip) < ihl {
		return cim.RawEvent{}, sentinelerr.New(sentinelerr.KindMalformedInput, "pcap.decodeIPv4", errShortHeader("ipv4 ihl"))
	}

	totalLen := int(binary.BigEndian.Uint16(ip[2:4]))
	protoNum := int(ip[9])
	srcIP := net.IP(ip[12:16]).String()
	destIP := net.IP(ip[16:20]).String()

	ev := cim.RawEvent{
		SrcIP:    srcIP,
		DestIP:   destIP,
		ProtoNum: protoNum,
		Bytes:    int64(totalLen),
		Packets:  1,
	}

	payload := ip[ihl:]
	switch protoNum {
	case 6: // TCP
		if len(payload) < 20 {
			return ev, nil // short transport header: keep IP-level fields, per best-effort emission
		}
		ev.SrcPort = int(binary.BigEndian.Uint16(payload[0:2]))
		ev.DestPort = int(binary.BigEndian.Uint16(payload[2:4]))
		ev.TCPFlags = payload[13] & 0x3f
	case 17: // UDP
		if len(payload) < 8 {
			return ev, nil
		}
		ev.SrcPort = int(binary.BigEndian.Uint16(payload[0:2]))
		ev.DestPort = int(binary.BigEndian.Uint16(payload[2:4]))
	case 1: // ICMP
		if len(payload) < 2 {
			return ev, nil
		}
		// type/code folded into ports for downstream symmetry: type in
		// SrcPort, code in DestPort, matching collector.py's convention
		// for ICMP "port" fields.
		ev.SrcPort = int(payload[0])
		ev.DestPort = int(payload[1])
	}
	return ev, nil
}

type errShortHeader string

func (e errShortHeader) Error() string { return "short " + string(e) + " header" }
