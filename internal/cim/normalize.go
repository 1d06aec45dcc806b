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
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"time"

	"sentinel/internal/sentinelerr"
)

// protocolMap covers ICMP, TCP and UDP only. Every other protocol number,
// including the ones the NetFlow decoder's protocolNames table names (GRE,
// ESP, AH, ICMPv6, OSPF, SCTP), renders as "proto_<n>" here.
var protocolMap = map[int]Transport{
	1:  TransportICMP,
	6:  TransportTCP,
	17: TransportUDP,
}

// TransportForProto renders an IP protocol number as its symbolic name,
// falling back to "proto_<n>" the way NetFlow parsing names unknown
// protocols.
func TransportForProto(n int) Transport {
	if t, ok := protocolMap[n]; ok {
		return t
	}
	return Transport(fmt.Sprintf("proto_%d", n))
}

// IsInternal reports whether ip falls in RFC1918 private space or loopback.
func IsInternal(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	if addr.IsLoopback() {
		return true
	}
	if addr.Is4() || addr.Is4In6() {
		a4 := addr.As4()
		switch {
		case a4[0] == 10:
			return true
		case a4[0] == 172 && a4[1] >= 16 && a4[1] <= 31:
			return true
		case a4[0] == 192 && a4[1] == 168:
			return true
		}
	}
	return false
}

// classifyDirection derives the record direction from endpoint internal-ness: both
// internal -> internal, src only -> outbound, dst only -> inbound, else
// external.
func classifyDirection(srcInternal, dstInternal bool) Direction {
	switch {
	case srcInternal && dstInternal:
		return DirInternal
	case srcInternal:
		return DirOutbound
	case dstInternal:
		return DirInbound
	default:
		return DirExternal
	}
}

// EventID computes "evt_" + hex(sha256(src:dst:sport:dport:ns))[0:16], a
// deterministic per-event identity.
func EventID(srcIP, dstIP string, srcPort, dstPort int, eventTime time.Time) string {
	basis := fmt.Sprintf("%s:%s:%d:%d:%d", srcIP, dstIP, srcPort, dstPort, eventTime.UnixNano())
	sum := sha256.Sum256([]byte(basis))
	return "evt_" + hex.EncodeToString(sum[:])[:16]
}

// RawHash computes hex(md5(5-tuple)), the deduplication hash carried on
// every CIM Record.
func RawHash(srcIP, dstIP string, srcPort, dstPort int, transport Transport) string {
	basis := fmt.Sprintf("%s:%s:%d:%d:%s", srcIP, dstIP, srcPort, dstPort, transport)
	sum := md5.Sum([]byte(basis))
	return hex.EncodeToString(sum[:])
}

// Normalize converts a RawEvent into a canonical Record. It fails only when
// both endpoints are unparseable and no protocol is known; otherwise it is
// best-effort and always returns a Record.
func Normalize(ev RawEvent) (Record, error) {
	srcOK := validIP(ev.SrcIP)
	dstOK := validIP(ev.DestIP)
	hasProto := ev.ProtoNum >= 0 || ev.Protocol != ""

	if !srcOK && !dstOK && !hasProto {
		return Record{}, sentinelerr.New(sentinelerr.KindInvalidRecord, "cim.Normalize",
			fmt.Errorf("both endpoints unparseable and protocol absent"))
	}

	eventTime := ev.EventTime
	if eventTime.IsZero() {
		eventTime = ev.ArrivalTime
	}

	var transport Transport
	switch {
	case ev.Protocol != "":
		transport = Transport(ev.Protocol)
	case ev.ProtoNum >= 0:
		transport = TransportForProto(ev.ProtoNum)
	default:
		transport = TransportOther
	}

	srcInternal := srcOK && IsInternal(ev.SrcIP)
	dstInternal := dstOK && IsInternal(ev.DestIP)

	direction := classifyDirection(srcInternal, dstInternal)
	if !srcOK && !dstOK {
		direction = DirExternal
	}

	rec := Record{
		EventID:    EventID(ev.SrcIP, ev.DestIP, ev.SrcPort, ev.DestPort, eventTime),
		EventTime:  eventTime,
		Source:     ev.Source,
		SrcIP:      ev.SrcIP,
		DestIP:     ev.DestIP,
		SrcPort:    ev.SrcPort,
		DestPort:   ev.DestPort,
		Transport:  transport,
		Bytes:      ev.Bytes,
		Packets:    ev.Packets,
		Direction:  direction,
		TCPFlags:   ev.TCPFlags,
		Duration:   time.Duration(ev.DurationMS) * time.Millisecond,
		IsInternal: srcInternal && dstInternal,
		RawHash:    RawHash(ev.SrcIP, ev.DestIP, ev.SrcPort, ev.DestPort, transport),
	}
	return rec, nil
}

func validIP(s string) bool {
	if s == "" {
		return false
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

// PortInRange reports whether p is a valid transport port number.
func PortInRange(p int) bool { return p >= 0 && p <= 65535 }
