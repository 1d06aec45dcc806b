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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sentinel/internal/sentinelerr"
	"sentinel/internal/telemetry"
)

// Adapter is the vendor-facing surface the orchestrator applies Rules
// through. Concrete implementations live under internal/firewall.
type Adapter interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	AddRule(ctx context.Context, r Rule) error
	RemoveRule(ctx context.Context, r Rule) error
}

// ApplyResult reports the per-vendor outcome of applying a Policy's rules.
type ApplyResult struct {
	Vendor  string
	Applied int
	Failed  int
	Errors  []error
}

// Orchestrator implements the full policy state machine: generate ->
// validate -> conflict-check -> sandbox -> apply -> persist.
// Mutation is serialized by mu because the selector-key index and version
// counters are shared mutable state, grounded on the single-writer
// invariant policy_engine.py relies on via its process-local lock.
type Orchestrator struct {
	store    *Store
	adapters []Adapter
	log      *zap.Logger

	mu sync.Mutex
}

// NewOrchestrator wires a Store and the set of vendor Adapters the
// orchestrator may apply rules through.
func NewOrchestrator(store *Store, adapters []Adapter, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{store: store, adapters: adapters, log: log}
}

// CreatePolicy runs the full pipeline for a new Intent: generate, merge,
// validate, conflict-check, sandbox-dry-run, apply, persist, index.
//
// force skips the conflict check: the operator explicitly overrides it.
func (o *Orchestrator) CreatePolicy(ctx context.Context, intent Intent, force bool) (Policy, []Warning, []Conflict, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	rules := GenerateRules(intent, now)
	rules = MergeRules(rules)

	warnings, err := Validate(rules)
	if err != nil {
		return Policy{}, nil, nil, err
	}

	conflicts, err := o.checkConflictsLocked(ctx, rules, "")
	if err != nil {
		return Policy{}, warnings, nil, err
	}
	if len(conflicts) > 0 && !force {
		return Policy{}, warnings, conflicts, sentinelerr.New(sentinelerr.KindConflictDetected, "policy.Orchestrator.CreatePolicy",
			fmt.Errorf("%d conflicting rule(s), retry with force to override", len(conflicts)))
	}

	id := uuid.New().String()
	p := Policy{
		ID:        id,
		Name:      intent.ID,
		Version:   1,
		Status:    StatusActive,
		Intent:    intent,
		Rules:     rules,
		Vendors:   intent.Vendors,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if exp := earliestExpiry(rules); exp != nil {
		p.ExpiresAt = exp
	}

	results := o.applyLocked(ctx, p, true)
	for _, r := range results {
		if r.Failed > 0 {
			o.log.Warn("policy apply had failures", zap.String("vendor", r.Vendor), zap.Int("failed", r.Failed))
		}
	}

	if err := o.store.SavePolicy(ctx, p); err != nil {
		return Policy{}, warnings, conflicts, err
	}
	if err := o.store.IndexRules(ctx, p.ID, p.Rules); err != nil {
		return Policy{}, warnings, conflicts, err
	}

	telemetry.PolicyOpsTotal.WithLabelValues("create", "ok").Inc()
	return p, warnings, conflicts, nil
}

// UpdatePolicy supersedes the current version of id with a freshly
// generated rule set from a new Intent, bumping Version and retaining the
// prior version in history.
func (o *Orchestrator) UpdatePolicy(ctx context.Context, id string, intent Intent, force bool) (Policy, []Warning, []Conflict, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	existing, err := o.store.GetPolicy(ctx, id)
	if err != nil {
		return Policy{}, nil, nil, sentinelerr.New(sentinelerr.KindNotFound, "policy.Orchestrator.UpdatePolicy", err)
	}

	now := time.Now()
	rules := MergeRules(GenerateRules(intent, now))
	warnings, err := Validate(rules)
	if err != nil {
		return Policy{}, nil, nil, err
	}

	conflicts, err := o.checkConflictsLocked(ctx, rules, id)
	if err != nil {
		return Policy{}, warnings, nil, err
	}
	if len(conflicts) > 0 && !force {
		return Policy{}, warnings, conflicts, sentinelerr.New(sentinelerr.KindConflictDetected, "policy.Orchestrator.UpdatePolicy",
			fmt.Errorf("%d conflicting rule(s), retry with force to override", len(conflicts)))
	}

	if err := o.store.UnindexRules(ctx, id, existing.Rules); err != nil {
		return Policy{}, warnings, conflicts, err
	}
	for _, r := range existing.Rules {
		o.removeFromAdaptersLocked(ctx, existing, r)
	}

	updated := existing
	updated.Version++
	updated.Status = StatusActive
	updated.Intent = intent
	updated.Rules = rules
	updated.UpdatedAt = now
	if exp := earliestExpiry(rules); exp != nil {
		updated.ExpiresAt = exp
	} else {
		updated.ExpiresAt = nil
	}

	o.applyLocked(ctx, updated, true)

	if err := o.store.SavePolicy(ctx, updated); err != nil {
		return Policy{}, warnings, conflicts, err
	}
	if err := o.store.IndexRules(ctx, updated.ID, updated.Rules); err != nil {
		return Policy{}, warnings, conflicts, err
	}

	telemetry.PolicyOpsTotal.WithLabelValues("update", "ok").Inc()
	return updated, warnings, conflicts, nil
}

// DeletePolicy removes the vendor-side rules, un-indexes, and marks the
// policy Status deleted (version history is retained).
func (o *Orchestrator) DeletePolicy(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, err := o.store.GetPolicy(ctx, id)
	if err != nil {
		return sentinelerr.New(sentinelerr.KindNotFound, "policy.Orchestrator.DeletePolicy", err)
	}

	for _, r := range p.Rules {
		o.removeFromAdaptersLocked(ctx, p, r)
	}
	if err := o.store.UnindexRules(ctx, id, p.Rules); err != nil {
		return err
	}

	p.Status = StatusDeleted
	p.UpdatedAt = time.Now()
	p.Rules = nil
	if err := o.store.SavePolicy(ctx, p); err != nil {
		return err
	}
	if err := o.store.DeletePolicy(ctx, id); err != nil {
		return err
	}

	telemetry.PolicyOpsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}

// RollbackPolicy restores a historic version of a policy as a new current
// version and re-applies its rules. Deterministic given the same target
// version.
func (o *Orchestrator) RollbackPolicy(ctx context.Context, id string, toVersion int) (Policy, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	target, err := o.store.GetVersion(ctx, id, toVersion)
	if err != nil {
		return Policy{}, sentinelerr.New(sentinelerr.KindNotFound, "policy.Orchestrator.RollbackPolicy", err)
	}

	current, err := o.store.GetPolicy(ctx, id)
	if err == nil {
		for _, r := range current.Rules {
			o.removeFromAdaptersLocked(ctx, current, r)
		}
		_ = o.store.UnindexRules(ctx, id, current.Rules)
	}

	rolled := target
	if err == nil {
		rolled.Version = current.Version + 1
	} else {
		rolled.Version = target.Version + 1
	}
	rolled.Status = StatusActive
	rolled.UpdatedAt = time.Now()

	o.applyLocked(ctx, rolled, true)

	if err := o.store.SavePolicy(ctx, rolled); err != nil {
		return Policy{}, err
	}
	if err := o.store.IndexRules(ctx, rolled.ID, rolled.Rules); err != nil {
		return Policy{}, err
	}

	telemetry.PolicyOpsTotal.WithLabelValues("rollback", "ok").Inc()
	return rolled, nil
}

// GetPolicy returns the current version of a policy.
func (o *Orchestrator) GetPolicy(ctx context.Context, id string) (Policy, error) {
	p, err := o.store.GetPolicy(ctx, id)
	if err != nil {
		return Policy{}, sentinelerr.New(sentinelerr.KindNotFound, "policy.Orchestrator.GetPolicy", err)
	}
	return p, nil
}

// ListPolicies returns every active policy, sorted by descending priority,
// mirroring policy_engine.py's get_all_policies.
func (o *Orchestrator) ListPolicies(ctx context.Context) ([]Policy, error) {
	ids, err := o.store.ListPolicyIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Policy, 0, len(ids))
	for _, id := range ids {
		p, err := o.store.GetPolicy(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Intent.Priority > out[j].Intent.Priority })
	return out, nil
}

// GetStatistics mirrors policy_engine.py's get_statistics.
func (o *Orchestrator) GetStatistics(ctx context.Context) (Statistics, error) {
	policies, err := o.ListPolicies(ctx)
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{ByAction: make(map[Action]int)}
	stats.TotalPolicies = len(policies)
	for _, p := range policies {
		if p.Status == StatusActive {
			stats.ActiveCount++
		}
		for _, r := range p.Rules {
			stats.ByAction[r.Action]++
		}
	}
	return stats, nil
}

// CheckConflicts exposes the conflict check as a standalone dry-run
// operation without mutating state.
func (o *Orchestrator) CheckConflicts(ctx context.Context, intent Intent) ([]Conflict, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rules := MergeRules(GenerateRules(intent, time.Now()))
	return o.checkConflictsLocked(ctx, rules, "")
}

// checkConflictsLocked looks up the selector-key index for each candidate
// rule and flags any indexed rule whose action is mutually inconsistent.
// excludePolicyID lets UpdatePolicy ignore conflicts against its own
// prior version.
func (o *Orchestrator) checkConflictsLocked(ctx context.Context, candidates []Rule, excludePolicyID string) ([]Conflict, error) {
	var conflicts []Conflict
	for _, cand := range candidates {
		key := IndexKey(cand)
		ids, err := o.store.PolicyIDsForKey(ctx, key)
		if err != nil {
			return nil, err
		}
		for _, pid := range ids {
			if pid == excludePolicyID {
				continue
			}
			existing, err := o.store.GetPolicy(ctx, pid)
			if err != nil {
				continue
			}
			for _, er := range existing.Rules {
				if IndexKey(er) != key {
					continue
				}
				if actionsConflict(er.Action, cand.Action) {
					conflicts = append(conflicts, Conflict{
						IndexKey:         key,
						ExistingPolicyID: pid,
						ExistingAction:   er.Action,
						CandidateAction:  cand.Action,
					})
				}
			}
		}
	}
	return conflicts, nil
}

// applyLocked applies p's rules to every adapter named in p.Vendors (or
// all available adapters if Vendors is empty), under a sandboxed-dry-run-
// before-live-apply contract: live=true performs a real AddRule; the
// sandbox check itself is each Adapter's IsAvailable.
func (o *Orchestrator) applyLocked(ctx context.Context, p Policy, live bool) []ApplyResult {
	var results []ApplyResult
	for _, a := range o.selectAdapters(p.Vendors) {
		res := ApplyResult{Vendor: a.Name()}
		if !a.IsAvailable(ctx) {
			res.Errors = append(res.Errors, fmt.Errorf("adapter %s unavailable", a.Name()))
			telemetry.AdapterAvailable.WithLabelValues(a.Name()).Set(0)
			results = append(results, res)
			continue
		}
		telemetry.AdapterAvailable.WithLabelValues(a.Name()).Set(1)
		for _, r := range p.Rules {
			if !live {
				res.Applied++
				continue
			}
			rule := r
			if err := withRetry(ctx, func(ctx context.Context) error { return a.AddRule(ctx, rule) }); err != nil {
				telemetry.AdapterCallsTotal.WithLabelValues(a.Name(), "add_rule", "error").Inc()
				res.Failed++
				res.Errors = append(res.Errors, err)
				o.log.Warn("adapter apply failed", zap.String("vendor", a.Name()), zap.String("rule", r.ShortID()), zap.Error(err))
				continue
			}
			telemetry.AdapterCallsTotal.WithLabelValues(a.Name(), "add_rule", "ok").Inc()
			res.Applied++
		}
		results = append(results, res)
	}
	return results
}

func (o *Orchestrator) removeFromAdaptersLocked(ctx context.Context, p Policy, r Rule) {
	for _, a := range o.selectAdapters(p.Vendors) {
		if !a.IsAvailable(ctx) {
			continue
		}
		if err := withRetry(ctx, func(ctx context.Context) error { return a.RemoveRule(ctx, r) }); err != nil {
			telemetry.AdapterCallsTotal.WithLabelValues(a.Name(), "remove_rule", "error").Inc()
			o.log.Warn("adapter remove failed", zap.String("vendor", a.Name()), zap.String("rule", r.ShortID()), zap.Error(err))
			continue
		}
		telemetry.AdapterCallsTotal.WithLabelValues(a.Name(), "remove_rule", "ok").Inc()
	}
}

func (o *Orchestrator) selectAdapters(vendors []string) []Adapter {
	if len(vendors) == 0 {
		return o.adapters
	}
	want := make(map[string]bool, len(vendors))
	for _, v := range vendors {
		want[v] = true
	}
	var out []Adapter
	for _, a := range o.adapters {
		if want[a.Name()] {
			out = append(out, a)
		}
	}
	return out
}

// withRetry applies the same backoff policy as firewall.WithRetry, kept
// as an unexported duplicate here because internal/firewall imports
// internal/policy for Rule and a reverse import would cycle. Only
// sentinelerr.KindAdapterTransient failures are retried, up to 3
// attempts total, with 100ms*2^n backoff capped at 2s.
func withRetry(ctx context.Context, op func(ctx context.Context) error) error {
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

func earliestExpiry(rules []Rule) *time.Time {
	var earliest *time.Time
	for _, r := range rules {
		if r.ExpiresAt == nil {
			continue
		}
		if earliest == nil || r.ExpiresAt.Before(*earliest) {
			e := *r.ExpiresAt
			earliest = &e
		}
	}
	return earliest
}

// ReapExpired removes policies whose ExpiresAt has passed, per the expiry
// reaper described in SPEC_FULL.md §4.5.
func (o *Orchestrator) ReapExpired(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids, err := o.store.ListPolicyIDs(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	reaped := 0
	for _, id := range ids {
		p, err := o.store.GetPolicy(ctx, id)
		if err != nil {
			continue
		}
		if p.ExpiresAt == nil || p.ExpiresAt.After(now) {
			continue
		}
		for _, r := range p.Rules {
			o.removeFromAdaptersLocked(ctx, p, r)
		}
		_ = o.store.UnindexRules(ctx, id, p.Rules)
		p.Status = StatusDeleted
		p.Rules = nil
		_ = o.store.SavePolicy(ctx, p)
		_ = o.store.DeletePolicy(ctx, id)
		reaped++
	}
	return reaped, nil
}

// Run starts the expiry reaper loop, ticking every interval until ctx is
// cancelled.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := o.ReapExpired(ctx)
			if err != nil {
				o.log.Warn("expiry reaper failed", zap.Error(err))
				continue
			}
			if n > 0 {
				o.log.Info("reaped expired policies", zap.Int("count", n))
			}
		}
	}
}
