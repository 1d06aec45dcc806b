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

// Package policy implements the policy orchestrator: PolicyIntent -> Rule
// generation -> validation -> conflict detection -> vendor apply ->
// versioned persistence -> expiry reaping, grounded on
// original_source/.../policy-orchestrator/policies/policy_engine.py.
package policy

import (
	"time"

	"github.com/google/uuid"
)

// Action is one of the eight rule actions the generator can produce. LOG
// is present here even though the original Python rule_generator.py's
// VALID_ACTIONS list omits it (see DESIGN.md).
type Action string

const (
	ActionAllow     Action = "ALLOW"
	ActionDeny      Action = "DENY"
	ActionDrop      Action = "DROP"
	ActionReject    Action = "REJECT"
	ActionRateLimit Action = "RATE_LIMIT"
	ActionLog       Action = "LOG"
	ActionQuarantine Action = "QUARANTINE"
	ActionMonitor   Action = "MONITOR"
)

var validActions = map[Action]bool{
	ActionAllow: true, ActionDeny: true, ActionDrop: true, ActionReject: true,
	ActionRateLimit: true, ActionLog: true, ActionQuarantine: true, ActionMonitor: true,
}

// Direction is the traffic direction a Rule applies to.
type Direction string

const (
	DirectionIngress Direction = "ingress"
	DirectionEgress  Direction = "egress"
)

// Protocol is a rule-level protocol selector; ANY/ALL expand to the three
// concrete protocols at generation time.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolICMP Protocol = "icmp"
	ProtocolAny  Protocol = "any"
)

var validProtocols = map[Protocol]bool{
	ProtocolTCP: true, ProtocolUDP: true, ProtocolICMP: true, ProtocolAny: true,
}

// Selector names the source/destination match criteria of a PolicyIntent
// or a generated Rule.
type Selector struct {
	SourceIP      string   `json:"source_ip,omitempty"`
	SourceIPs     []string `json:"source_ips,omitempty"`
	SourceNetwork string   `json:"source_network,omitempty"`

	DestIP    string `json:"dest_ip,omitempty"`
	DestPort  int    `json:"dest_port,omitempty"`
	DestPorts []int  `json:"dest_ports,omitempty"`
	PortRangeStart int `json:"port_range_start,omitempty"`
	PortRangeEnd   int `json:"port_range_end,omitempty"`

	Protocol  Protocol   `json:"protocol,omitempty"`
	Protocols []Protocol `json:"protocols,omitempty"`
}

// Intent is a PolicyIntent: the externally supplied desired policy state.
type Intent struct {
	ID       string        `json:"id"`
	Action   Action        `json:"action"`
	Selector Selector      `json:"selector"`
	Priority int           `json:"priority"`
	Duration time.Duration `json:"duration,omitempty"`
	Vendors  []string      `json:"vendors"`

	OriginatingDecision string  `json:"originating_decision,omitempty"`
	Confidence          float64 `json:"confidence,omitempty"`

	CreatedBy string `json:"created_by,omitempty"`
}

// Rule is a single firewall rule generated from an Intent.
type Rule struct {
	ID        uuid.UUID `json:"rule_id"`
	Source    string    `json:"source"` // IP or CIDR
	DestIP    string    `json:"dest_ip,omitempty"`
	DestPort  int       `json:"dest_port,omitempty"`
	Protocol  Protocol  `json:"protocol"`
	Action    Action    `json:"action"`
	Direction Direction `json:"direction"`
	Priority  int       `json:"priority"`

	PacketsPerSecond int `json:"pps,omitempty"`
	Burst            int `json:"burst,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedBy string     `json:"created_by,omitempty"`
}

// ShortID renders the first 64 bits of the rule_id in hex: a UUID-128
// with only its first 64 bits presented.
func (r Rule) ShortID() string {
	b := r.ID[:8]
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 16)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

// Status is a Policy's lifecycle state.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
	StatusDeleted    Status = "deleted"
)

// Policy is the persisted, versioned aggregate of Rules derived from one
// Intent (and its subsequent updates).
type Policy struct {
	ID      string `json:"policy_id"`
	Name    string `json:"name"`
	Version int    `json:"version"`
	Status  Status `json:"status"`

	Intent  Intent `json:"intent"`
	Rules   []Rule `json:"rules"`
	Vendors []string `json:"vendors"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Warning is a non-fatal validation finding.
type Warning struct {
	RuleIndex int    `json:"rule_index"`
	Message   string `json:"message"`
}

// Conflict is a ConflictRecord: a pair of mutually inconsistent rules
// indexing to the same selector key.
type Conflict struct {
	IndexKey        string `json:"index_key"`
	ExistingPolicyID string `json:"existing_policy_id"`
	ExistingAction  Action `json:"existing_action"`
	CandidateAction Action `json:"candidate_action"`
}

// Statistics mirrors policy_engine.py's get_statistics.
type Statistics struct {
	TotalPolicies int            `json:"total_policies"`
	ActiveCount   int            `json:"active_count"`
	ByAction      map[Action]int `json:"by_action"`
}
