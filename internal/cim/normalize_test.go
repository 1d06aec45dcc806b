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

package cim

import (
	"testing"
	"time"
)

// TestNormalize_InternalDirection checks that the emitted is_internal field
// equals the conjunction of RFC1918/loopback membership of both endpoints.
func TestNormalize_InternalDirection(t *testing.T) {
	cases := []struct {
		name      string
		src, dst  string
		wantDir   Direction
		wantInt   bool
	}{
		{"both internal", "10.0.0.5", "10.0.0.6", DirInternal, true},
		{"src only internal", "10.0.0.5", "8.8.8.8", DirOutbound, false},
		{"dst only internal", "8.8.8.8", "10.0.0.5", DirInbound, false},
		{"neither internal", "8.8.8.8", "1.1.1.1", DirExternal, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec, err := Normalize(RawEvent{
				Source: SourceAPI, SrcIP: c.src, DestIP: c.dst,
				SrcPort: 1234, DestPort: 80, ProtoNum: 6,
				EventTime: time.Unix(1700000000, 0),
			})
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if rec.Direction != c.wantDir {
				t.Errorf("direction = %s, want %s", rec.Direction, c.wantDir)
			}
			if rec.IsInternal != c.wantInt {
				t.Errorf("is_internal = %v, want %v", rec.IsInternal, c.wantInt)
			}
		})
	}
}

func TestNormalize_InvalidRecordBothUnparseable(t *testing.T) {
	_, err := Normalize(RawEvent{Source: SourceAPI, SrcIP: "", DestIP: "", ProtoNum: -1})
	if err == nil {
		t.Fatal("expected InvalidRecord error")
	}
}

func TestNormalize_RawHashStable(t *testing.T) {
	ev := RawEvent{Source: SourceAPI, SrcIP: "10.0.0.1", DestIP: "10.0.0.2", SrcPort: 1, DestPort: 2, ProtoNum: 6}
	r1, _ := Normalize(ev)
	r2, _ := Normalize(ev)
	if r1.RawHash != r2.RawHash {
		t.Fatalf("raw_hash not stable: %s vs %s", r1.RawHash, r2.RawHash)
	}
}

func TestTransportForProto_Unknown(t *testing.T) {
	if got := TransportForProto(250); got != "proto_250" {
		t.Fatalf("got %s, want proto_250", got)
	}
}
