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

package aws

import (
	"context"
	"testing"

	"sentinel/internal/policy"
	"sentinel/internal/sentinelerr"
)

// TestAddRule_DenyIsNoOp checks that a DENY rule against an AWS Security
// Group never reaches the network and surfaces as a permanent,
// non-retryable adapter error.
func TestAddRule_DenyIsNoOp(t *testing.T) {
	a := &Adapter{handles: make(map[string]appliedPermission)} // svc left nil: any network call panics the test

	err := a.AddRule(context.Background(), policy.Rule{Action: policy.ActionDeny})
	if err == nil {
		t.Fatal("expected error for DENY on AWS SG")
	}
	if !sentinelerr.Is(err, sentinelerr.KindAdapterPermanent) {
		t.Fatalf("expected KindAdapterPermanent, got %v", sentinelerr.KindOf(err))
	}
	if len(a.handles) != 0 {
		t.Fatal("DENY no-op must not register a handle")
	}
}

func TestTranslatePermission_ICMPUsesWildcardPorts(t *testing.T) {
	perm := translatePermission(policy.Rule{Protocol: policy.ProtocolICMP, Source: "10.0.0.0/8"})
	if perm.FromPort == nil || *perm.FromPort != -1 || perm.ToPort == nil || *perm.ToPort != -1 {
		t.Fatalf("expected wildcard ICMP ports, got from=%v to=%v", perm.FromPort, perm.ToPort)
	}
}

func TestTranslatePermission_DefaultsToOpenCIDR(t *testing.T) {
	perm := translatePermission(policy.Rule{Protocol: policy.ProtocolTCP, DestPort: 443})
	if len(perm.IpRanges) != 1 || *perm.IpRanges[0].CidrIp != "0.0.0.0/0" {
		t.Fatalf("expected default 0.0.0.0/0 cidr, got %+v", perm.IpRanges)
	}
}
