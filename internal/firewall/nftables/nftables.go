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

// Package nftables implements the firewall.Adapter contract against the
// "inet sentinel" table, shelling out to the nft binary the same way the
// iptables subpackage wraps iptables.
package nftables

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"sentinel/internal/firewall"
	"sentinel/internal/policy"
	"sentinel/internal/sentinelerr"
)

const tableName = "inet sentinel"

// Adapter shells out to nft, serializing calls through its own mutex.
type Adapter struct {
	binary string
	mu     sync.Mutex
}

// New returns an Adapter invoking the named binary ("nft" if empty).
func New(binary string) *Adapter {
	if binary == "" {
		binary = "nft"
	}
	return &Adapter{binary: binary}
}

func (a *Adapter) Name() string { return "nftables" }

func (a *Adapter) IsAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath(a.binary); err != nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ensureTableLocked(ctx) == nil
}

// ensureTableLocked creates "inet sentinel" with its input/output chains
// hooked at priority -10, idempotently.
func (a *Adapter) ensureTableLocked(ctx context.Context) error {
	script := fmt.Sprintf(`
add table %s
add chain %s sentinel_input { type filter hook input priority -10; policy accept; }
add chain %s sentinel_output { type filter hook output priority -10; policy accept; }
`, tableName, tableName, tableName)
	return a.runScript(ctx, script)
}

// AddRule appends a translated rule to sentinel_input (ingress) or
// sentinel_output (egress).
func (a *Adapter) AddRule(ctx context.Context, r policy.Rule) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	expr, err := translateRule(r)
	if err != nil {
		return sentinelerr.New(sentinelerr.KindAdapterPermanent, "nftables.AddRule", err)
	}
	chain := "sentinel_input"
	if r.Direction == policy.DirectionEgress {
		chain = "sentinel_output"
	}
	script := fmt.Sprintf("add rule %s %s %s", tableName, chain, expr)
	if err := a.runScript(ctx, script); err != nil {
		return sentinelerr.New(sentinelerr.KindAdapterTransient, "nftables.AddRule", err)
	}
	return nil
}

// RemoveRule finds every handle tagged with r's managed comment across
// both chains and deletes them by handle, since nft edits require a
// numeric handle rather than a rule expression match.
func (a *Adapter) RemoveRule(ctx context.Context, r policy.Rule) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	tag := firewall.ManagedTag(r.ShortID())
	for _, chain := range []string{"sentinel_input", "sentinel_output"} {
		handles, err := a.handlesForTag(ctx, chain, tag)
		if err != nil {
			return sentinelerr.New(sentinelerr.KindAdapterTransient, "nftables.RemoveRule", err)
		}
		for _, h := range handles {
			script := fmt.Sprintf("delete rule %s %s handle %d", tableName, chain, h)
			if err := a.runScript(ctx, script); err != nil {
				return sentinelerr.New(sentinelerr.KindAdapterTransient, "nftables.RemoveRule", err)
			}
		}
	}
	return nil
}

// ListRules returns the managed-rule comments currently present, the
// full Rule value is not recoverable from nft's listing alone.
func (a *Adapter) ListRules(ctx context.Context) ([]policy.Rule, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var rules []policy.Rule
	for _, chain := range []string{"sentinel_input", "sentinel_output"} {
		lines, err := a.listChain(ctx, chain)
		if err != nil {
			return nil, sentinelerr.New(sentinelerr.KindAdapterTransient, "nftables.ListRules", err)
		}
		for _, line := range lines {
			if strings.Contains(line, "SENTINEL:") {
				idx := strings.Index(line, "SENTINEL:")
				rules = append(rules, policy.Rule{CreatedBy: line[idx:]})
			}
		}
	}
	return rules, nil
}

// ClearManaged deletes every SENTINEL-tagged rule in both chains.
func (a *Adapter) ClearManaged(ctx context.Context) (int, []error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	var errs []error
	for _, chain := range []string{"sentinel_input", "sentinel_output"} {
		handles, err := a.handlesForTag(ctx, chain, "SENTINEL:")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, h := range handles {
			script := fmt.Sprintf("delete rule %s %s handle %d", tableName, chain, h)
			if err := a.runScript(ctx, script); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errs
}

func (a *Adapter) handlesForTag(ctx context.Context, chain, tag string) ([]int, error) {
	lines, err := a.listChainWithHandles(ctx, chain)
	if err != nil {
		return nil, err
	}
	var handles []int
	for _, line := range lines {
		if !strings.Contains(line, tag) {
			continue
		}
		if h, ok := parseHandle(line); ok {
			handles = append(handles, h)
		}
	}
	return handles, nil
}

func (a *Adapter) listChain(ctx context.Context, chain string) ([]string, error) {
	return a.listChainWithHandles(ctx, chain)
}

func (a *Adapter) listChainWithHandles(ctx context.Context, chain string) ([]string, error) {
	cmd := exec.CommandContext(ctx, a.binary, "-a", "list", "chain", "inet", "sentinel", chain)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	var lines []string
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func (a *Adapter) runScript(ctx context.Context, script string) error {
	cmd := exec.CommandContext(ctx, a.binary, "-f", "-")
	cmd.Stdin = strings.NewReader(script)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("nft: %w: %s", err, stderr.String())
	}
	return nil
}

func parseHandle(line string) (int, bool) {
	idx := strings.LastIndex(line, "# handle ")
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[idx+len("# handle "):]))
	if err != nil {
		return 0, false
	}
	return n, true
}

// translateRule builds the nft rule expression tail for r.
func translateRule(r policy.Rule) (string, error) {
	var parts []string
	if r.Source != "" {
		parts = append(parts, fmt.Sprintf("ip saddr %s", r.Source))
	}
	if r.DestIP != "" {
		parts = append(parts, fmt.Sprintf("ip daddr %s", r.DestIP))
	}
	if r.Protocol != policy.ProtocolAny && r.Protocol != "" && r.DestPort != 0 {
		parts = append(parts, fmt.Sprintf("%s dport %d", r.Protocol, r.DestPort))
	}

	var verb string
	switch r.Action {
	case policy.ActionAllow:
		verb = "accept"
	case policy.ActionDeny, policy.ActionDrop:
		verb = "drop"
	case policy.ActionReject:
		verb = "reject"
	case policy.ActionLog:
		verb = "log"
	case policy.ActionRateLimit:
		pps := r.PacketsPerSecond
		if pps < 1 {
			pps = 1
		}
		parts = append(parts, fmt.Sprintf("limit rate %d/second", pps))
		verb = "accept"
	default:
		return "", fmt.Errorf("nftables: unsupported action %q", r.Action)
	}

	parts = append(parts, verb, fmt.Sprintf(`comment "%s"`, firewall.ManagedTag(r.ShortID())))
	return strings.Join(parts, " "), nil
}
