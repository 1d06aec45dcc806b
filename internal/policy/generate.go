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

package policy

import (
	"time"

	"github.com/google/uuid"
)

// GenerateRules expands an Intent into the Cartesian product of its
// source/destination/protocol selectors, grounded on rule_generator.py's
// generate().
func GenerateRules(intent Intent, now time.Time) []Rule {
	sources := parseSources(intent.Selector)
	destPorts := parseDestPorts(intent.Selector)
	protocols := parseProtocols(intent.Selector)

	if len(sources) == 0 {
		sources = []string{"0.0.0.0/0"} // under-specified source -> permissive rule
	}
	if len(destPorts) == 0 {
		destPorts = []int{0} // 0 means "any port"
	}

	var expires *time.Time
	if intent.Duration > 0 {
		e := now.Add(intent.Duration)
		expires = &e
	}

	var rules []Rule
	for _, src := range sources {
		for _, port := range destPorts {
			for _, proto := range protocols {
				rules = append(rules, Rule{
					ID:        uuid.New(),
					Source:    src,
					DestIP:    intent.Selector.DestIP,
					DestPort:  port,
					Protocol:  proto,
					Action:    intent.Action,
					Direction: DirectionIngress,
					Priority:  intent.Priority,
					CreatedAt: now,
					ExpiresAt: expires,
					CreatedBy: intent.CreatedBy,
				})
			}
		}
	}
	return rules
}

func parseSources(sel Selector) []string {
	var out []string
	if sel.SourceIP != "" {
		out = append(out, sel.SourceIP)
	}
	out = append(out, sel.SourceIPs...)
	if sel.SourceNetwork != "" {
		out = append(out, sel.SourceNetwork)
	}
	return out
}

func parseDestPorts(sel Selector) []int {
	var out []int
	if sel.DestPort != 0 {
		out = append(out, sel.DestPort)
	}
	out = append(out, sel.DestPorts...)
	if sel.PortRangeStart > 0 && sel.PortRangeEnd >= sel.PortRangeStart {
		for p := sel.PortRangeStart; p <= sel.PortRangeEnd; p++ {
			out = append(out, p)
		}
	}
	return out
}

func parseProtocols(sel Selector) []Protocol {
	var protos []Protocol
	if sel.Protocol != "" {
		protos = append(protos, sel.Protocol)
	}
	protos = append(protos, sel.Protocols...)
	if len(protos) == 0 {
		protos = []Protocol{ProtocolAny}
	}
	var out []Protocol
	for _, p := range protos {
		if p == ProtocolAny || p == Protocol("all") {
			out = append(out, ProtocolTCP, ProtocolUDP, ProtocolICMP)
			continue
		}
		out = append(out, p)
	}
	return out
}
