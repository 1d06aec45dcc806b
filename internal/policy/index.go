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

import "fmt"

// IndexKey computes the selector-key index entry:
// (source_cidr|*):(dest_ip|*):(dest_port|*):protocol.
func IndexKey(r Rule) string {
	src := r.Source
	if src == "" {
		src = "*"
	}
	dst := r.DestIP
	if dst == "" {
		dst = "*"
	}
	port := "*"
	if r.DestPort != 0 {
		port = fmt.Sprintf("%d", r.DestPort)
	}
	return fmt.Sprintf("%s:%s:%s:%s", src, dst, port, r.Protocol)
}

// isMonitorLike reports whether action is exempt from conflict
// consideration: a conflict requires both actions to be something other
// than MONITOR/LOG.
func isMonitorLike(a Action) bool { return a == ActionMonitor || a == ActionLog }

// actionsConflict reports whether two actions on the same selector key
// are mutually inconsistent.
func actionsConflict(a, b Action) bool {
	if a == b {
		return false
	}
	if isMonitorLike(a) || isMonitorLike(b) {
		return false
	}
	return true
}

// existingRule pairs a Rule with the id of the policy that owns it, for
// conflict reporting.
type existingRule struct {
	policyID string
	rule     Rule
}
