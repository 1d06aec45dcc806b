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
	"sync"
	"time"

	"sentinel/internal/cim"
	"sentinel/internal/sentinelerr"
)

// Field type numbers from the subset of the NetFlow v9 IPFIX-derived
// information model collector.py's NetFlowV9Template recognizes. Fields
// outside this set are skipped using their declared length.
const (
	fieldInBytes      = 1
	fieldInPkts       = 2
	fieldProtocol     = 4
	fieldTCPFlags     = 6
	fieldL4SrcPort    = 7
	fieldIPv4SrcAddr  = 8
	fieldL4DstPort    = 11
	fieldIPv4DstAddr  = 12
	fieldLastSwitched = 21
	fieldFirstSwitched = 22
)

type fieldSpec struct {
	fieldType uint16
	length    uint16
}

type template struct {
	fields []fieldSpec
}

type templateKey struct {
	exporter string
	sourceID uint32
	id       uint16
}

// templateCache holds per-exporter v9 templates, keyed by
// (exporter address, source_id, template_id), per collector.py's
// _template_cache.
type templateCache struct {
	mu    sync.Mutex
	store map[templateKey]template
}

func newTemplateCache() *templateCache {
	return &templateCache{store: make(map[templateKey]template)}
}

// decodeV9 walks a v9 export packet's flowsets: template flowsets update
// the cache, data flowsets are decoded against a previously cached
// template. Data flowsets referencing an unknown template are skipped,
// not errored, since the template may arrive in a later packet.
func (c *templateCache) decodeV9(packet []byte, exporterAddr string) ([]cim.RawEvent, error) {
	if len(packet) < v9HeaderLen {
		return nil, sentinelerr.New(sentinelerr.KindMalformedInput, "netflow.decodeV9", errShort)
	}
	sysUptimeMS := binary.BigEndian.Uint32(packet[4:8])
	unixSecs := binary.BigEndian.Uint32(packet[8:12])
	sourceID := binary.BigEndian.Uint32(packet[16:20])

	var out []cim.RawEvent
	offset := v9HeaderLen
	for offset+4 <= len(packet) {
		flowsetID := binary.BigEndian.Uint16(packet[offset : offset+2])
		length := int(binary.BigEndian.Uint16(packet[offset+2 : offset+4]))
		if length < 4 || offset+length > len(packet) {
			break
		}
		body := packet[offset+4 : offset+length]

		switch {
		case flowsetID == 0:
			c.ingestTemplates(exporterAddr, sourceID, body)
		case flowsetID == 1:
			// options template flowset: not a data source for CIM records, skipped.
		default:
			key := templateKey{exporter: exporterAddr, sourceID: sourceID, id: flowsetID}
			c.mu.Lock()
			tmpl, ok := c.store[key]
			c.mu.Unlock()
			if ok {
				records := decodeV9Data(tmpl, body, unixSecs, sysUptimeMS, exporterAddr)
				out = append(out, records...)
			}
		}
		offset += length
	}
	return out, nil
}

func (c *templateCache) ingestTemplates(exporterAddr string, sourceID uint32, body []byte) {
	pos := 0
	for pos+4 <= len(body) {
		templateID := binary.BigEndian.Uint16(body[pos : pos+2])
		fieldCount := int(binary.BigEndian.Uint16(body[pos+2 : pos+4]))
		pos += 4

		fields := make([]fieldSpec, 0, fieldCount)
		for i := 0; i < fieldCount && pos+4 <= len(body); i++ {
			ft := binary.BigEndian.Uint16(body[pos : pos+2])
			fl := binary.BigEndian.Uint16(body[pos+2 : pos+4])
			fields = append(fields, fieldSpec{fieldType: ft, length: fl})
			pos += 4
		}

		key := templateKey{exporter: exporterAddr, sourceID: sourceID, id: templateID}
		c.mu.Lock()
		c.store[key] = template{fields: fields}
		c.mu.Unlock()
	}
}

func decodeV9Data(tmpl template, body []byte, unixSecs, sysUptimeMS uint32, exporterAddr string) []cim.RawEvent {
	recordLen := 0
	for _, f := range tmpl.fields {
		recordLen += int(f.length)
	}
	if recordLen == 0 {
		return nil
	}

	var out []cim.RawEvent
	pos := 0
	for pos+recordLen <= len(body) {
		ev := cim.RawEvent{Source: cim.SourceNetFlowV9, ExporterAddr: exporterAddr, ProtoNum: -1}
		var firstMS, lastMS uint32

		fieldOffset := pos
		for _, f := range tmpl.fields {
			raw := body[fieldOffset : fieldOffset+int(f.length)]
			switch f.fieldType {
			case fieldIPv4SrcAddr:
				if len(raw) == 4 {
					ev.SrcIP = net.IP(raw).String()
				}
			case fieldIPv4DstAddr:
				if len(raw) == 4 {
					ev.DestIP = net.IP(raw).String()
				}
			case fieldL4SrcPort:
				ev.SrcPort = int(beUint(raw))
			case fieldL4DstPort:
				ev.DestPort = int(beUint(raw))
			case fieldProtocol:
				ev.ProtoNum = int(beUint(raw))
			case fieldTCPFlags:
				if len(raw) >= 1 {
					ev.TCPFlags = raw[len(raw)-1]
				}
			case fieldInBytes:
				ev.Bytes = int64(beUint(raw))
			case fieldInPkts:
				ev.Packets = int64(beUint(raw))
			case fieldFirstSwitched:
				firstMS = uint32(beUint(raw))
			case fieldLastSwitched:
				lastMS = uint32(beUint(raw))
			}
			fieldOffset += int(f.length)
		}

		if ev.ProtoNum >= 0 {
			ev.Protocol = protocolName(ev.ProtoNum)
		}
		if lastMS != 0 {
			ev.EventTime = v5Timestamp(unixSecs, sysUptimeMS, lastMS)
		}
		if lastMS != 0 && firstMS != 0 {
			d := int64(lastMS) - int64(firstMS)
			if d > 0 {
				ev.DurationMS = d
			}
		}
		if ev.EventTime.IsZero() {
			ev.EventTime = time.Unix(int64(unixSecs), 0)
		}

		out = append(out, ev)
		pos += recordLen
	}
	return out
}

func beUint(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}
