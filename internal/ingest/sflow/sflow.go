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

// Package sflow decodes sFlow v5 datagrams into cim.RawEvent, grounded on
// collector.py's SFlowCollector. Only flow samples (sample type 1) carry
// 5-tuple data; counter samples (type 2) are skipped but their length is
// honored to keep sample framing aligned.
package sflow

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
	datagramHeaderLen = 28 // version, addr type, agent addr(4), sub agent id, seq, uptime, num samples
	sampleFlow        = 1
	sampleCounter     = 2
)

// Listener is a UDP sFlow v5 collector.
type Listener struct {
	conn  *net.UDPConn
	queue *ingest.Queue
	log   *zap.Logger
}

// Listen binds addr (e.g. ":6343").
func Listen(addr string, q *ingest.Queue, log *zap.Logger) (*Listener, error) {
	if log == nil {
		log = zap.NewNop()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, sentinelerr.New(sentinelerr.KindFatal, "sflow.Listen", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, sentinelerr.New(sentinelerr.KindFatal, "sflow.Listen", err)
	}
	return &Listener{conn: conn, queue: q, log: log}, nil
}

// Close releases the UDP socket.
func (l *Listener) Close() error { return l.conn.Close() }

// Run reads datagrams until ctx is cancelled.
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
			l.log.Warn("sflow read failed", zap.Error(err))
			continue
		}

		events, err := decode(buf[:n], exporter.IP.String())
		if err != nil {
			telemetry.IngestDropsTotal.WithLabelValues("sflow", "malformed").Inc()
			continue
		}
		for _, ev := range events {
			l.queue.Push(ev)
		}
	}
}

// decode parses a v5 datagram: fixed header, agent uptime, then
// num_samples (type, length)-framed samples. Only flow samples yield
// events.
func decode(datagram []byte, exporterAddr string) ([]cim.RawEvent, error) {
	if len(datagram) < 4 {
		return nil, sentinelerr.New(sentinelerr.KindMalformedInput, "sflow.decode", errShort)
	}
	version := binary.BigEndian.Uint32(datagram[0:4])
	if version != 5 {
		return nil, sentinelerr.New(sentinelerr.KindUnsupportedVersion, "sflow.decode", errUnsupportedVersion(version))
	}
	if len(datagram) < datagramHeaderLen {
		return nil, sentinelerr.New(sentinelerr.KindMalformedInput, "sflow.decode", errShort)
	}

	numSamples := int(binary.BigEndian.Uint32(datagram[24:28]))
	offset := datagramHeaderLen
	now := time.Now()

	var out []cim.RawEvent
	for i := 0; i < numSamples && offset+8 <= len(datagram); i++ {
		sampleType := binary.BigEndian.Uint32(datagram[offset : offset+4])
		sampleLen := int(binary.BigEndian.Uint32(datagram[offset+4 : offset+8]))
		body := datagram[offset+8:]
		if sampleLen < 0 || sampleLen > len(body) {
			break
		}
		body = body[:sampleLen]

		if sampleType == sampleFlow {
			if ev, ok := decodeFlowSample(body, exporterAddr, now); ok {
				out = append(out, ev)
			}
		}
		// sampleCounter and any other type: framing already honored via
		// sampleLen, nothing further to extract.

		offset += 8 + sampleLen
	}
	return out, nil
}

// decodeFlowSample extracts the raw packet header embedded in a flow
// sample's first flow record, per collector.py's _parse_flow_sample. The
// sample carries a sampling rate and a nested raw-packet-header record;
// only the IPv4 5-tuple within that header is decoded here.
func decodeFlowSample(body []byte, exporterAddr string, now time.Time) (cim.RawEvent, bool) {
	// Flow sample layout: sequence(4), source_id(4), sampling_rate(4),
	// sample_pool(4), drops(4), input_if(4), output_if(4),
	// num_flow_records(4), then flow records.
	const flowSampleHeaderLen = 32
	if len(body) < flowSampleHeaderLen {
		return cim.RawEvent{}, false
	}
	numRecords := int(binary.BigEndian.Uint32(body[28:32]))
	offset := flowSampleHeaderLen
	for i := 0; i < numRecords && offset+8 <= len(body); i++ {
		recordFormat := binary.BigEndian.Uint32(body[offset : offset+4])
		recordLen := int(binary.BigEndian.Uint32(body[offset+4 : offset+8]))
		recordBody := body[offset+8:]
		if recordLen < 0 || recordLen > len(recordBody) {
			break
		}
		recordBody = recordBody[:recordLen]

		if recordFormat == 1 { // raw packet header
			if ev, ok := decodeRawPacketRecord(recordBody, exporterAddr, now); ok {
				return ev, true
			}
		}
		offset += 8 + recordLen
	}
	return cim.RawEvent{}, false
}

// decodeRawPacketRecord parses the raw-packet-header flow record:
// header_protocol(4), frame_length(4), stripped(4), header_length(4),
// then the captured Ethernet+IPv4 header bytes.
func decodeRawPacketRecord(rec []byte, exporterAddr string, now time.Time) (cim.RawEvent, bool) {
	const rawHeaderPrefix = 16
	if len(rec) < rawHeaderPrefix {
		return cim.RawEvent{}, false
	}
	frameLength := binary.BigEndian.Uint32(rec[4:8])
	headerLength := int(binary.BigEndian.Uint32(rec[12:16]))
	if rawHeaderPrefix+headerLength > len(rec) {
		headerLength = len(rec) - rawHeaderPrefix
	}
	frame := rec[rawHeaderPrefix : rawHeaderPrefix+headerLength]

	if len(frame) < 14+20 {
		return cim.RawEvent{}, false
	}
	etherType := binary.BigEndian.Uint16(frame[12:14])
	if etherType != 0x0800 {
		return cim.RawEvent{}, false
	}
	ip := frame[14:]
	ihl := int(ip[0]&0x0f) * 4
	if ihl < 20 || len(ip) < ihl {
		return cim.RawEvent{}, false
	}
	protoNum := int(ip[9])
	srcIP := net.IP(ip[12:16]).String()
	destIP := net.IP(ip[16:20]).String()

	ev := cim.RawEvent{
		Source:       cim.SourceSFlow,
		ExporterAddr: exporterAddr,
		SrcIP:        srcIP,
		DestIP:       destIP,
		ProtoNum:     protoNum,
		Bytes:        int64(frameLength),
		Packets:      1,
		EventTime:    now,
	}

	payload := ip[ihl:]
	switch protoNum {
	case 6:
		if len(payload) >= 20 {
			ev.SrcPort = int(binary.BigEndian.Uint16(payload[0:2]))
			ev.DestPort = int(binary.BigEndian.Uint16(payload[2:4]))
			ev.TCPFlags = payload[13] & 0x3f
		}
	case 17:
		if len(payload) >= 8 {
			ev.SrcPort = int(binary.BigEndian.Uint16(payload[0:2]))
			ev.DestPort = int(binary.BigEndian.Uint16(payload[2:4]))
		}
	}
	return ev, true
}

type errStr string

func (e errStr) Error() string { return string(e) }

const errShort = errStr("short sflow datagram")

type errUnsupportedVersion uint32

func (e errUnsupportedVersion) Error() string { return "unsupported sflow version" }
