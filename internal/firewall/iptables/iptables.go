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

// Package iptables implements the firewall.Adapter contract against a
// dedicated SENTINEL chain, shelling out to the iptables binary the same
// way linkerd2's CNI plugin wraps it: os/exec plus bufio.Scanner parsing,
// never a cgo binding.
package iptables

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"sentinel/internal/firewall"
	"sentinel/internal/policy"
	"sentinel/internal/sentinelerr"
)

const chainName = "SENTINEL"

// Adapter shells out to the iptables binary, guarding the binary's own
// global-lock requirement with mu: concurrent calls into one adapter
// instance are serialized.
type Adapter struct {
	binary string
	mu     sync.Mutex
}

// New returns an Adapter invoking the named binary ("iptables" if empty).
func New(binary string) *Adapter {
	if binary == "" {
		binary = "iptables"
	}
	return &Adapter{binary: binary}
}

func (a *Adapter) Name() string { return "iptables" }

// IsAvailable reports whether the binary resolves on PATH and the
// SENTINEL chain can be ensured to exist.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath(a.binary); err != nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ensureChainLocked(ctx) == nil
}

// ensureChainLocked creates the SENTINEL chain and hooks it from INPUT
// and OUTPUT, idempotently.
func (a *Adapter) ensureChainLocked(ctx context.Context) error {
	_ = a.run(ctx, "-N", chainName) // ignore "chain exists" failures
	if err := a.run(ctx, "-C", "INPUT", "-j", chainName); err != nil {
		if err := a.run(ctx, "-A", "INPUT", "-j", chainName); err != nil {
			return err
		}
	}
	if err := a.run(ctx, "-C", "OUTPUT", "-j", chainName); err != nil {
		if err := a.run(ctx, "-A", "OUTPUT", "-j", chainName); err != nil {
			return err
		}
	}
	return nil
}

// AddRule appends a translated rule to the SENTINEL chain.
func (a *Adapter) AddRule(ctx context.Context, r policy.Rule) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	args, err := translateRule(r)
	if err != nil {
		return sentinelerr.New(sentinelerr.KindAdapterPermanent, "iptables.AddRule", err)
	}
	if err := a.run(ctx, append([]string{"-A", chainName}, args...)...); err != nil {
		return sentinelerr.New(sentinelerr.KindAdapterTransient, "iptables.AddRule", err)
	}
	return nil
}

// RemoveRule deletes every rule in the SENTINEL chain tagged with r's
// managed comment.
func (a *Adapter) RemoveRule(ctx context.Context, r policy.Rule) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	out, err := a.list(ctx)
	if err != nil {
		return sentinelerr.New(sentinelerr.KindAdapterTransient, "iptables.RemoveRule", err)
	}
	tag := firewall.ManagedTag(r.ShortID())
	for _, line := range out {
		if !strings.Contains(line, tag) {
			continue
		}
		delArgs := append([]string{"-D", chainName}, parseSpec(line)...)
		if err := a.run(ctx, delArgs...); err != nil {
			return sentinelerr.New(sentinelerr.KindAdapterTransient, "iptables.RemoveRule", err)
		}
	}
	return nil
}

// ListRules returns the rule ids currently tagged in the SENTINEL chain.
// It cannot reconstruct full Rule values from iptables output alone
// (iptables does not echo back the original selectors losslessly), so each
// returned rule carries only the text of its `iptables -S` line from
// "SENTINEL:" to the end of the line as CreatedBy; callers
// needing full Rule state should consult the policy store instead.
func (a *Adapter) ListRules(ctx context.Context) ([]policy.Rule, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out, err := a.list(ctx)
	if err != nil {
		return nil, sentinelerr.New(sentinelerr.KindAdapterTransient, "iptables.ListRules", err)
	}
	var rules []policy.Rule
	for _, line := range out {
		if !strings.Contains(line, "SENTINEL:") {
			continue
		}
		idx := strings.Index(line, "SENTINEL:")
		rules = append(rules, policy.Rule{CreatedBy: line[idx:]})
	}
	return rules, nil
}

// ClearManaged flushes every rule in the SENTINEL chain.
func (a *Adapter) ClearManaged(ctx context.Context) (int, []error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out, err := a.list(ctx)
	if err != nil {
		return 0, []error{err}
	}
	removed := 0
	var errs []error
	for _, line := range out {
		if !strings.Contains(line, "SENTINEL:") {
			continue
		}
		delArgs := append([]string{"-D", chainName}, parseSpec(line)...)
		if err := a.run(ctx, delArgs...); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

func (a *Adapter) list(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, a.binary, "-S", chainName)
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

func (a *Adapter) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, a.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", a.binary, strings.Join(args, " "), err, stderr.String())
	}
	return nil
}

// translateRule builds the -A SENTINEL argument tail for r.
func translateRule(r policy.Rule) ([]string, error) {
	var args []string
	if r.Source != "" {
		args = append(args, "-s", r.Source)
	}
	if r.Protocol != policy.ProtocolAny && r.Protocol != "" {
		args = append(args, "-p", string(r.Protocol))
	}
	if r.DestPort != 0 {
		args = append(args, "--dport", fmt.Sprintf("%d", r.DestPort))
	}
	if r.DestIP != "" {
		args = append(args, "-d", r.DestIP)
	}

	switch r.Action {
	case policy.ActionAllow:
		args = append(args, "-j", "ACCEPT")
	case policy.ActionDeny, policy.ActionDrop:
		args = append(args, "-j", "DROP")
	case policy.ActionReject:
		args = append(args, "-j", "REJECT")
	case policy.ActionLog:
		args = append(args, "-j", "LOG")
	case policy.ActionRateLimit:
		pps := r.PacketsPerSecond
		if pps < 1 {
			pps = 1
		}
		burst := r.Burst
		if burst < 1 {
			burst = 1
		}
		args = append(args, "-m", "limit",
			"--limit", fmt.Sprintf("%d/sec", pps),
			"--limit-burst", fmt.Sprintf("%d", burst),
			"-j", "ACCEPT")
	default:
		return nil, fmt.Errorf("iptables: unsupported action %q", r.Action)
	}

	args = append(args, "-m", "comment", "--comment", firewall.ManagedTag(r.ShortID()))
	return args, nil
}

// parseSpec turns an `-A SENTINEL ...` listing line (as returned by
// `iptables -S`) back into the argument tail usable with -D.
func parseSpec(line string) []string {
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == "-A" && i+1 < len(fields) {
			return fields[i+2:]
		}
	}
	return nil
}
