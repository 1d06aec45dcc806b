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
	"fmt"
	"net/netip"

	"sentinel/internal/sentinelerr"
)

// ReservedPorts mirrors policy_validator.py's RESERVED_PORTS set exactly.
var ReservedPorts = map[int]bool{
	22: true, 80: true, 443: true, 3306: true, 5432: true, 6379: true, 27017: true,
}

// Validate checks every rule against the policy constraints, returning a
// ValidationFailure error on the first hard failure and the
// accumulated non-fatal warnings otherwise.
func Validate(rules []Rule) ([]Warning, error) {
	var warnings []Warning
	rulesWithoutExpiry := 0

	for i, r := range rules {
		if !validActions[r.Action] {
			return nil, sentinelerr.New(sentinelerr.KindValidationFailure, "policy.Validate",
				fmt.Errorf("rule %d: invalid action %q", i, r.Action))
		}
		if !validProtocols[r.Protocol] {
			return nil, sentinelerr.New(sentinelerr.KindValidationFailure, "policy.Validate",
				fmt.Errorf("rule %d: invalid protocol %q", i, r.Protocol))
		}
		if !validIPOrCIDR(r.Source) {
			return nil, sentinelerr.New(sentinelerr.KindValidationFailure, "policy.Validate",
				fmt.Errorf("rule %d: invalid source %q", i, r.Source))
		}
		if r.DestIP != "" && !validIPOrCIDR(r.DestIP) {
			return nil, sentinelerr.New(sentinelerr.KindValidationFailure, "policy.Validate",
				fmt.Errorf("rule %d: invalid dest_ip %q", i, r.DestIP))
		}
		if r.DestPort != 0 && (r.DestPort < 1 || r.DestPort > 65535) {
			return nil, sentinelerr.New(sentinelerr.KindValidationFailure, "policy.Validate",
				fmt.Errorf("rule %d: dest_port %d out of range", i, r.DestPort))
		}
		if r.Action == ActionRateLimit {
			if r.PacketsPerSecond < 1 {
				return nil, sentinelerr.New(sentinelerr.KindValidationFailure, "policy.Validate",
					fmt.Errorf("rule %d: RATE_LIMIT requires packets_per_second >= 1", i))
			}
			if r.Burst < 1 {
				return nil, sentinelerr.New(sentinelerr.KindValidationFailure, "policy.Validate",
					fmt.Errorf("rule %d: RATE_LIMIT requires burst >= 1", i))
			}
		}
		if r.ExpiresAt != nil && !r.ExpiresAt.After(r.CreatedAt) {
			return nil, sentinelerr.New(sentinelerr.KindValidationFailure, "policy.Validate",
				fmt.Errorf("rule %d: expires_at must be after created_at", i))
		}

		if warn := securityBestPractices(i, r); warn != "" {
			warnings = append(warnings, Warning{RuleIndex: i, Message: warn})
		}
		if r.ExpiresAt == nil {
			rulesWithoutExpiry++
		}
	}

	if rulesWithoutExpiry > 5 {
		warnings = append(warnings, Warning{
			RuleIndex: -1,
			Message:   fmt.Sprintf("%d rules have no expiry configured", rulesWithoutExpiry),
		})
	}

	return warnings, nil
}

func securityBestPractices(idx int, r Rule) string {
	if (r.Action == ActionDeny || r.Action == ActionDrop || r.Action == ActionReject) && r.DestPort != 0 && ReservedPorts[r.DestPort] {
		return fmt.Sprintf("rule blocks well-known service port %d", r.DestPort)
	}
	if r.Action == ActionAllow && (r.Source == "0.0.0.0/0" || r.Source == "0.0.0.0") {
		return "ALLOW rule from 0.0.0.0/0 permits traffic from any source"
	}
	return ""
}

func validIPOrCIDR(s string) bool {
	if s == "" {
		return true
	}
	if _, err := netip.ParsePrefix(s); err == nil {
		return true
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}
