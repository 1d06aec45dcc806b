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

package sflow

import (
	"encoding/binary"
	"net"
	"testing"
)

func buildRawPacketRecord(srcIP, dstIP string, srcPort, dstPort int) []byte {
	frame := make([]byte, 14+20+20)
	binary.BigEndian.PutUint16(frame[12:14], 0x0800)
	frame[14] = 0x45 // version 4, ihl 5
	copy(frame[14+12:14+16], net.ParseIP(srcIP).To4())
	copy(frame[14+16:14+20], net.ParseIP(dstIP).To4())
	frame[14+9] = 6 // TCP
	binary.BigEndian.PutUint16(frame[14+20:14+22], uint16(srcPort))
	binary.BigEndian.PutUint16(frame[14+22:14+24], uint16(dstPort))

	rec := make([]byte, 16+len(frame))
	binary.BigEndian.PutUint32(rec[4:8], uint32(len(frame)))
	binary.BigEndian.PutUint32(rec[12:16], uint32(len(frame)))
	copy(rec[16:], frame)
	return rec
}

func buildFlowSample(rawRecord []byte) []byte {
	sample := make([]byte, 32+8+len(rawRecord))
	binary.BigEndian.PutUint32(sample[28:32], 1) // num flow records
	binary.BigEndian.PutUint32(sample[32:36], 1) // record format: raw packet header
	binary.BigEndian.PutUint32(sample[36:40], uint32(len(rawRecord)))
	copy(sample[40:], rawRecord)
	return sample
}

func buildDatagram(samples [][]byte) []byte {
	datagram := make([]byte, datagramHeaderLen)
	binary.BigEndian.PutUint32(datagram[0:4], 5)
	binary.BigEndian.PutUint32(datagram[24:28], uint32(len(samples)))
	for _, s := range samples {
		header := make([]byte, 8)
		binary.BigEndian.PutUint32(header[0:4], sampleFlow)
		binary.BigEndian.PutUint32(header[4:8], uint32(len(s)))
		datagram = append(datagram, header...)
		datagram = append(datagram, s...)
	}
	return datagram
}

func TestDecode_FlowSampleExtractsFiveTuple(t *testing.T) {
	raw := buildRawPacketRecord("192.168.1.10", "8.8.8.8", 51234, 53)
	sample := buildFlowSample(raw)
	datagram := buildDatagram([][]byte{sample})

	events, err := decode(datagram, "10.0.0.1")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.SrcIP != "192.168.1.10" || ev.DestIP != "8.8.8.8" {
		t.Fatalf("unexpected 5-tuple: %+v", ev)
	}
	if ev.SrcPort != 51234 || ev.DestPort != 53 {
		t.Fatalf("unexpected ports: %+v", ev)
	}
}

func TestDecode_UnsupportedVersionFails(t *testing.T) {
	datagram := make([]byte, 4)
	binary.BigEndian.PutUint32(datagram[0:4], 4)
	if _, err := decode(datagram, "10.0.0.1"); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}
