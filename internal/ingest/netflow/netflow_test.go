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

package netflow

import (
	"encoding/binary"
	"net"
	"testing"
)

// buildV5Packet assembles a single-record NetFlow v5 export packet for
// 10.0.0.5:4455 -> 203.0.113.9:443, TCP.
func buildV5Packet() []byte {
	packet := make([]byte, v5HeaderLen+v5RecordLen)
	binary.BigEndian.PutUint16(packet[0:2], 5)  // version
	binary.BigEndian.PutUint16(packet[2:4], 1)  // count
	binary.BigEndian.PutUint32(packet[4:8], 120000)  // sys uptime ms
	binary.BigEndian.PutUint32(packet[8:12], 1700000000) // unix secs

	rec := packet[v5HeaderLen:]
	copy(rec[0:4], net.ParseIP("10.0.0.5").To4())
	copy(rec[4:8], net.ParseIP("203.0.113.9").To4())
	binary.BigEndian.PutUint32(rec[16:20], 7)      // dPkts
	binary.BigEndian.PutUint32(rec[20:24], 4200)   // dOctets
	binary.BigEndian.PutUint32(rec[24:28], 118000) // first
	binary.BigEndian.PutUint32(rec[28:32], 119500) // last
	binary.BigEndian.PutUint16(rec[32:34], 4455)   // srcport
	binary.BigEndian.PutUint16(rec[34:36], 443)    // dstport
	rec[37] = 0x18                                 // tcp flags (PSH, ACK)
	rec[38] = 6                                    // protocol: TCP
	return packet
}

func TestDecodeV5_SingleRecord(t *testing.T) {
	events, err := decodeV5(buildV5Packet(), "192.0.2.1")
	if err != nil {
		t.Fatalf("decodeV5: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 record, got %d", len(events))
	}
	ev := events[0]
	if ev.SrcIP != "10.0.0.5" || ev.DestIP != "203.0.113.9" {
		t.Fatalf("unexpected 5-tuple: %+v", ev)
	}
	if ev.SrcPort != 4455 || ev.DestPort != 443 {
		t.Fatalf("unexpected ports: %+v", ev)
	}
	if ev.Protocol != "TCP" || ev.ProtoNum != 6 {
		t.Fatalf("unexpected protocol: %+v", ev)
	}
	if ev.Bytes != 4200 || ev.Packets != 7 {
		t.Fatalf("unexpected counters: %+v", ev)
	}
	if ev.DurationMS != 1500 {
		t.Fatalf("expected duration 1500ms, got %d", ev.DurationMS)
	}
	if ev.TCPFlags != 0x18 {
		t.Fatalf("unexpected tcp flags: %x", ev.TCPFlags)
	}
}

func TestDecodeV5_UnknownProtocolRendersFallback(t *testing.T) {
	packet := buildV5Packet()
	packet[v5HeaderLen+38] = 200 // unassigned protocol number
	events, err := decodeV5(packet, "192.0.2.1")
	if err != nil {
		t.Fatalf("decodeV5: %v", err)
	}
	if events[0].Protocol != "proto_200" {
		t.Fatalf("expected fallback name, got %q", events[0].Protocol)
	}
}

func TestDecode_UnsupportedVersionFails(t *testing.T) {
	l := &Listener{templates: newTemplateCache()}
	packet := make([]byte, v9HeaderLen)
	binary.BigEndian.PutUint16(packet[0:2], 7)
	if _, err := l.decode(packet, "192.0.2.1"); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestDecodeV9_TemplateThenData(t *testing.T) {
	cache := newTemplateCache()

	// Template flowset: one template, id 256, 4 fields.
	tmplBody := make([]byte, 4+4*4)
	binary.BigEndian.PutUint16(tmplBody[0:2], 256) // template id
	binary.BigEndian.PutUint16(tmplBody[2:4], 4)   // field count
	binary.BigEndian.PutUint16(tmplBody[4:6], fieldIPv4SrcAddr)
	binary.BigEndian.PutUint16(tmplBody[6:8], 4)
	binary.BigEndian.PutUint16(tmplBody[8:10], fieldIPv4DstAddr)
	binary.BigEndian.PutUint16(tmplBody[10:12], 4)
	binary.BigEndian.PutUint16(tmplBody[12:14], fieldInBytes)
	binary.BigEndian.PutUint16(tmplBody[14:16], 4)
	binary.BigEndian.PutUint16(tmplBody[16:18], fieldProtocol)
	binary.BigEndian.PutUint16(tmplBody[18:20], 1)

	templatePacket := buildV9Header(1)
	templateFlowset := buildFlowset(0, tmplBody)
	templatePacket = append(templatePacket, templateFlowset...)

	if _, err := cache.decodeV9(templatePacket, "192.0.2.1"); err != nil {
		t.Fatalf("template decode: %v", err)
	}

	dataBody := make([]byte, 13)
	copy(dataBody[0:4], net.ParseIP("10.1.1.1").To4())
	copy(dataBody[4:8], net.ParseIP("10.1.1.2").To4())
	binary.BigEndian.PutUint32(dataBody[8:12], 9000)
	dataBody[12] = 17 // UDP

	dataPacket := buildV9Header(1)
	dataFlowset := buildFlowset(256, dataBody)
	dataPacket = append(dataPacket, dataFlowset...)

	events, err := cache.decodeV9(dataPacket, "192.0.2.1")
	if err != nil {
		t.Fatalf("data decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 record, got %d", len(events))
	}
	ev := events[0]
	if ev.SrcIP != "10.1.1.1" || ev.DestIP != "10.1.1.2" {
		t.Fatalf("unexpected 5-tuple: %+v", ev)
	}
	if ev.Bytes != 9000 || ev.Protocol != "UDP" {
		t.Fatalf("unexpected fields: %+v", ev)
	}
}

func buildV9Header(sourceID uint32) []byte {
	h := make([]byte, v9HeaderLen)
	binary.BigEndian.PutUint16(h[0:2], 9)
	binary.BigEndian.PutUint32(h[4:8], 60000)
	binary.BigEndian.PutUint32(h[8:12], 1700000000)
	binary.BigEndian.PutUint32(h[16:20], sourceID)
	return h
}

func buildFlowset(id uint16, body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint16(out[0:2], id)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))
	copy(out[4:], body)
	return out
}
