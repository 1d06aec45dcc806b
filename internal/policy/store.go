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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Persisted state layout:
//   policy:<id>             -> current Policy JSON
//   policy_version:<id>:<n> -> historic Policy JSON snapshot (kept <=30 days)
//   rule_index:<key>        -> set of policy ids whose rules match that key
const historyRetention = 30 * 24 * time.Hour

// Store persists Policy state in Redis, grounded on
// policy_engine.py's key layout and generalized from the rate limiter's
// direct go-redis client usage (internal/ratelimiter/persistence/clients.go's
// GoRedisEvaler) rather than its logging/demo indirection.
type Store struct {
	rdb *redis.Client
}

// NewStore wraps an existing *redis.Client.
func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func policyKey(id string) string        { return fmt.Sprintf("policy:%s", id) }
func versionKey(id string, v int) string { return fmt.Sprintf("policy_version:%s:%d", id, v) }
func ruleIndexKey(key string) string    { return fmt.Sprintf("rule_index:%s", key) }

// SavePolicy writes p as the current policy, snapshots it into version
// history, and sets a TTL if p.ExpiresAt is set.
func (s *Store) SavePolicy(ctx context.Context, p Policy) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("policy.Store.SavePolicy: marshal: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, policyKey(p.ID), body, 0)
	pipe.Set(ctx, versionKey(p.ID, p.Version), body, historyRetention)
	if p.ExpiresAt != nil {
		ttl := time.Until(*p.ExpiresAt)
		if ttl > 0 {
			pipe.Expire(ctx, policyKey(p.ID), ttl)
		}
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("policy.Store.SavePolicy: %w", err)
	}
	return nil
}

// GetPolicy reads the current policy by id.
func (s *Store) GetPolicy(ctx context.Context, id string) (Policy, error) {
	body, err := s.rdb.Get(ctx, policyKey(id)).Bytes()
	if err != nil {
		return Policy{}, fmt.Errorf("policy.Store.GetPolicy(%s): %w", id, err)
	}
	var p Policy
	if err := json.Unmarshal(body, &p); err != nil {
		return Policy{}, fmt.Errorf("policy.Store.GetPolicy(%s): unmarshal: %w", id, err)
	}
	return p, nil
}

// GetVersion reads a specific historic version of a policy.
func (s *Store) GetVersion(ctx context.Context, id string, version int) (Policy, error) {
	body, err := s.rdb.Get(ctx, versionKey(id, version)).Bytes()
	if err != nil {
		return Policy{}, fmt.Errorf("policy.Store.GetVersion(%s,%d): %w", id, version, err)
	}
	var p Policy
	if err := json.Unmarshal(body, &p); err != nil {
		return Policy{}, fmt.Errorf("policy.Store.GetVersion(%s,%d): unmarshal: %w", id, version, err)
	}
	return p, nil
}

// DeletePolicy removes the current-policy key but leaves version history
// in place for any in-flight rollback or audit read.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, policyKey(id)).Err(); err != nil {
		return fmt.Errorf("policy.Store.DeletePolicy(%s): %w", id, err)
	}
	return nil
}

// IndexRules adds policyID to the selector-key index for each of rules.
func (s *Store) IndexRules(ctx context.Context, policyID string, rules []Rule) error {
	pipe := s.rdb.Pipeline()
	for _, r := range rules {
		pipe.SAdd(ctx, ruleIndexKey(IndexKey(r)), policyID)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("policy.Store.IndexRules: %w", err)
	}
	return nil
}

// UnindexRules removes policyID from the selector-key index for each of
// rules, part of the update/delete contract.
func (s *Store) UnindexRules(ctx context.Context, policyID string, rules []Rule) error {
	pipe := s.rdb.Pipeline()
	for _, r := range rules {
		pipe.SRem(ctx, ruleIndexKey(IndexKey(r)), policyID)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("policy.Store.UnindexRules: %w", err)
	}
	return nil
}

// PolicyIDsForKey returns the policy ids currently indexed under key.
func (s *Store) PolicyIDsForKey(ctx context.Context, key string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, ruleIndexKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("policy.Store.PolicyIDsForKey(%s): %w", key, err)
	}
	return ids, nil
}

// ListPolicyIDs scans every policy:<id> key and returns the ids.
func (s *Store) ListPolicyIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.rdb.Scan(ctx, 0, "policy:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ids = append(ids, key[len("policy:"):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("policy.Store.ListPolicyIDs: %w", err)
	}
	return ids, nil
}
