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

// Package firewall defines the vendor-agnostic adapter contract and a
// shared retry helper; concrete vendors live in the iptables, nftables,
// aws, azure, and gcp subpackages.
package firewall

import (
	"context"
	"time"

	"sentinel/internal/policy"
	"sentinel/internal/sentinelerr"
)

// Adapter is the common vendor contract. Every concrete
// adapter also satisfies policy.Adapter (Name/IsAvailable/AddRule/
// RemoveRule) so it can be handed directly to policy.NewOrchestrator.
type Adapter interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	AddRule(ctx context.Context, r policy.Rule) error
	RemoveRule(ctx context.Context, r policy.Rule) error
	ListRules(ctx context.Context) ([]policy.Rule, error)
	ClearManaged(ctx context.Context) (removed int, errs []error)
}

// DefaultCallTimeout bounds a single adapter call at the 30 s default.
const DefaultCallTimeout = 30 * time.Second

// AsyncCallTimeout bounds polled async cloud operations (GCP operation
// polling) at a 120 s override.
const AsyncCallTimeout = 120 * time.Second

// WithRetry retries op up to 3 attempts total with exponential backoff
// (100 ms * 2^n, capped at 2 s), but only when op fails with
// sentinelerr.KindAdapterTransient. Permanent failures return
// immediately.
func WithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	const maxAttempts = 3
	backoff := 100 * time.Millisecond
	const backoffCap = 2 * time.Second

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !sentinelerr.Is(err, sentinelerr.KindAdapterTransient) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
	return err
}

// ManagedTag produces the comment/description string every adapter tags
// its rules with, so ClearManaged and lookups can find SENTINEL-owned
// state without a local cache surviving a restart.
func ManagedTag(ruleID string) string { return "SENTINEL:" + ruleID }
