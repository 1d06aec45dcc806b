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

// Package netflow decodes NetFlow v5 and v9 UDP export packets into
// cim.RawEvent, grounded on collector.py's NetFlowCollector.
package netflow

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

const (
	v5HeaderLen = 24
	v5RecordLen = 48
	v9HeaderLen = 20
)

// protocolNames maps IP protocol numbers to the symbolic names
// collector.py's PROTOCOL_MAP table uses. Numbers absent from the table
// render as proto_<n>.
var protocolNames = map[int]string{
	1:   "ICMP",
	6:   "TCP",
	17:  "UDP",
	47:  "GRE",
	50:  "ESP",
	51:  "AH",
	58:  "ICMPv6",
	89:  "OSPF",
	132: "SCTP",
}

// Listener is a UDP NetFlow collector for v5 and v9 export packets.
type Listener struct {
	conn      *net.UDPConn
	queue     *ingest.Queue
	log       *zap.Logger
	templates *templateCache
}

// Listen binds addr (e.g. ":2055") and returns a ready Listener.
func Listen(addr string, q *ingest.Queue, log *zap.Logger) (*Listener, error) {
	if log == nil {
		log = zap.NewNop()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, sentinelerr.New(sentinelerr.KindFatal, "netflow.Listen", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, sentinelerr.New(sentinelerr.KindFatal, "netflow.Listen", err)
	}
	return &Listener{conn: conn, queue: q, log: log, templates: newTemplateCache()}, nil
}

// Close releases the UDP socket.
func (l *Listener) Close() error { return l.conn.Close() }

// Run reads export packets until ctx is cancelled, using a 1 s read
// deadline so cancellation is observed promptly.
func (l *Listener) Run(ctx context.Context) {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, exporter, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			l.log.Warn("netflow read failed", zap.Error(err))
			continue
		}

		events, err := l.decode(buf[:n], exporter.IP.String())
		if err != nil {
			telemetry.IngestDropsTotal.WithLabelValues("netflow", "malformed").Inc()
			continue
		}
		for _, ev := range events {
			l.queue.Push(ev)
		}
	}
}

func (l *Listener) decode(packet []byte, exporterAddr string) ([]cim.RawEvent, error) {
	if len(packet) < 2 {
		return nil, sentinelerr.New(sentinelerr.KindMalformedInput, "netflow.decode", errShort)
	}
	version := binary.BigEndian.Uint16(packet[0:2])
	switch version {
	case 5:
		return decodeV5(packet, exporterAddr)
	case 9:
		return l.templates.decodeV9(packet, exporterAddr)
	default:
		return nil, sentinelerr.New(sentinelerr.KindUnsupportedVersion, "netflow.decode", errUnsupportedVersion(version))
	}
}

// decodeV5 parses a v5 packet: 24-byte header followed by count 48-byte
// flow records, per collector.py's _parse_netflow_v5.
func decodeV5(packet []byte, exporterAddr string) ([]cim.RawEvent, error) {
	if len(packet) < v5HeaderLen {
		return nil, sentinelerr.New(sentinelerr.KindMalformedInput, "netflow.decodeV5", errShort)
	}
	count := int(binary.BigEndian.Uint16(packet[2:4]))
	sysUptimeMS := binary.BigEndian.Uint32(packet[4:8])
	unixSecs := binary.BigEndian.Uint32(packet[8:12])

	need := v5HeaderLen + count*v5RecordLen
	if len(packet) < need {
		return nil, sentinelerr.New(sentinelerr.KindMalformedInput, "netflow.decodeV5", errShort)
	}

	out := make([]cim.RawEvent, 0, count)
	for i := 0; i < count; i++ {
		rec := packet[v5HeaderLen+i*v5RecordLen : v5HeaderLen+(i+1)*v5RecordLen]
		srcIP := net.IP(rec[0:4]).String()
		dstIP := net.IP(rec[4:8]).String()
		dPkts := binary.BigEndian.Uint32(rec[16:20])
		dOctets := binary.BigEndian.Uint32(rec[20:24])
		first := binary.BigEndian.Uint32(rec[24:28])
		last := binary.BigEndian.Uint32(rec[28:32])
		srcPort := binary.BigEndian.Uint16(rec[32:34])
		dstPort := binary.BigEndian.Uint16(rec[34:36])
		tcpFlags := rec[37]
		protoNum := int(rec[38])

		eventTime := v5Timestamp(unixSecs, sysUptimeMS, last)
		durationMS := int64(last) - int64(first)
		if durationMS < 0 {
			durationMS = 0
		}

		ev := cim.RawEvent{
			Source:       cim.SourceNetFlowV5,
			ExporterAddr: exporterAddr,
			SrcIP:        srcIP,
			DestIP:       dstIP,
			SrcPort:      int(srcPort),
			DestPort:     int(dstPort),
			ProtoNum:     protoNum,
			Protocol:     protocolName(protoNum),
			Bytes:        int64(dOctets),
			Packets:      int64(dPkts),
			TCPFlags:     tcpFlags,
			EventTime:    eventTime,
			DurationMS:   durationMS,
		}
		out = append(out, ev)
	}
	return out, nil
}

// v5Timestamp converts a sysUptime-relative millisecond field to an
// absolute event time: unix_secs - (sys_uptime - field)/1000, per
// collector.py's _uptime_to_unix.
func v5Timestamp(unixSecs, sysUptimeMS, fieldMS uint32) time.Time {
	deltaMS := int64(sysUptimeMS) - int64(fieldMS)
	return time.Unix(int64(unixSecs), 0).Add(-time.Duration(deltaMS) * time.Millisecond)
}

func protocolName(n int) string {
	if name, ok := protocolNames[n]; ok {
		return name
	}
	return unknownProtoName(n)
}

func unknownProtoName(n int) string {
	return "proto_" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

type errUnsupportedVersion uint16

func (e errUnsupportedVersion) Error() string {
	return "unsupported netflow version " + itoa(int(e))
}

type errStr string

func (e errStr) Error() string { return string(e) }

const errShort = errStr("short netflow packet")
