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

package detect

import (
	"testing"
	"time"

	"sentinel/internal/cim"
	"sentinel/internal/flow"
)

type recordingSink struct {
	events []Event
}

func (s *recordingSink) OnAnomaly(e Event) { s.events = append(s.events, e) }

// TestEngine_SynFlood checks that 150 SYN-only events from one source,
// 100ms apart, emit exactly one syn_flood anomaly once the threshold is
// crossed, with no duplicate within the dedup window.
func TestEngine_SynFlood(t *testing.T) {
	sink := &recordingSink{}
	eng := NewEngine(Thresholds{SynFlood: 100, PortScan: 50, LargePayload: 10000, RateSpike: 1000, EntropyZScore: 3, EntropyEWMA: 0.1}, sink)

	base := time.Unix(1700000000, 0)
	agg := flow.NewAggregate(flow.Key{SrcIP: "192.168.1.200", DestIP: "10.0.0.1", DestPort: 80, Transport: cim.TransportTCP})
	for i := 0; i < 150; i++ {
		r := cim.Record{
			Source: cim.SourceAPI, SrcIP: "192.168.1.200", DestIP: "10.0.0.1",
			DestPort: 80, Transport: cim.TransportTCP, Bytes: 40, Packets: 1,
			TCPFlags: flow.FlagSYN, EventTime: base.Add(time.Duration(i) * 100 * time.Millisecond),
		}
		eng.OnEvent(r, agg)
	}

	var synFloodEvents int
	for _, e := range sink.events {
		if e.Type == TypeSynFlood {
			synFloodEvents++
			if e.SubjectKey != "192.168.1.200" {
				t.Errorf("subject = %s, want 192.168.1.200", e.SubjectKey)
			}
		}
	}
	if synFloodEvents != 1 {
		t.Fatalf("got %d syn_flood emissions, want exactly 1", synFloodEvents)
	}
}

// TestEngine_PortScan checks that 100 events to distinct ports from one
// source emit a port_scan anomaly listing 20 ports.
func TestEngine_PortScan(t *testing.T) {
	sink := &recordingSink{}
	eng := NewEngine(Thresholds{SynFlood: 100, PortScan: 50, LargePayload: 10000, RateSpike: 1000, EntropyZScore: 3, EntropyEWMA: 0.1}, sink)

	base := time.Unix(1700000000, 0)
	agg := flow.NewAggregate(flow.Key{SrcIP: "192.168.1.150", DestIP: "10.0.0.1", Transport: cim.TransportTCP})
	for port := 1; port <= 100; port++ {
		r := cim.Record{
			Source: cim.SourceAPI, SrcIP: "192.168.1.150", DestIP: "10.0.0.1",
			DestPort: port, Transport: cim.TransportTCP, Bytes: 40, Packets: 1,
			TCPFlags: flow.FlagSYN, EventTime: base.Add(time.Duration(port) * time.Millisecond),
		}
		eng.OnEvent(r, agg)
	}

	var found *Event
	for i := range sink.events {
		if sink.events[i].Type == TypePortScan {
			found = &sink.events[i]
			break
		}
	}
	if found == nil {
		t.Fatal("expected a port_scan anomaly")
	}
	ports, _ := found.Evidence["first_ports"].([]int)
	if len(ports) != 20 {
		t.Fatalf("got %d first_ports, want 20", len(ports))
	}
}

// TestEngine_LargePayload checks that the large-payload detector is
// stateless: it evaluates each event independently of prior events.
func TestEngine_LargePayload(t *testing.T) {
	sink := &recordingSink{}
	eng := NewEngine(Thresholds{SynFlood: 100, PortScan: 50, LargePayload: 10000, RateSpike: 1000, EntropyZScore: 3, EntropyEWMA: 0.1}, sink)
	agg := flow.NewAggregate(flow.Key{})
	eng.OnEvent(cim.Record{SrcIP: "1.2.3.4", DestIP: "5.6.7.8", Bytes: 20000, EventTime: time.Now()}, agg)
	if len(sink.events) != 1 || sink.events[0].Type != TypeLargePayload {
		t.Fatalf("expected one large_payload event, got %+v", sink.events)
	}
}
