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

// Package gcp implements the firewall.Adapter contract against a GCP VPC
// Firewall. No cloud.google.com/go/compute client appears anywhere in the
// retrieved corpus, so this talks to the compute/v1 REST surface directly
// with net/http, authenticated the same way the azure subpackage is:
// golang.org/x/oauth2/clientcredentials.
package gcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"sentinel/internal/firewall"
	"sentinel/internal/policy"
	"sentinel/internal/sentinelerr"
)

const computeBase = "https://compute.googleapis.com/compute/v1"

// Config names the project/network an Adapter manages and the client
// credential parameters used to authenticate.
type Config struct {
	Project      string
	Network      string
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// Adapter manages firewall rules in one GCP VPC network.
type Adapter struct {
	cfg    Config
	client *http.Client

	mu      sync.Mutex
	handles map[string]string // ShortID -> rule name
}

// New builds an Adapter using client-credential OAuth2 against cfg.TokenURL.
func New(cfg Config) *Adapter {
	ccCfg := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       []string{"https://www.googleapis.com/auth/compute"},
	}
	return &Adapter{cfg: cfg, client: ccCfg.Client(context.Background()), handles: make(map[string]string)}
}

func (a *Adapter) Name() string { return "gcp" }

func (a *Adapter) IsAvailable(ctx context.Context) bool {
	url := fmt.Sprintf("%s/projects/%s/global/networks/%s", computeBase, a.cfg.Project, a.cfg.Network)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// AddRule inserts a firewall rule named sentinel-<rule_id>. ALLOW/
// RATE_LIMIT populate "allowed", every
// other action populates "denied". Insert is an async operation, polled
// to completion within firewall.AsyncCallTimeout.
func (a *Adapter) AddRule(ctx context.Context, r policy.Rule) error {
	name := fmt.Sprintf("sentinel-%s", r.ShortID())
	protocol := "all"
	switch r.Protocol {
	case policy.ProtocolTCP:
		protocol = "tcp"
	case policy.ProtocolUDP:
		protocol = "udp"
	case policy.ProtocolICMP:
		protocol = "icmp"
	}

	rule := map[string]any{
		"name":         name,
		"network":      fmt.Sprintf("projects/%s/global/networks/%s", a.cfg.Project, a.cfg.Network),
		"direction":    directionOf(r.Direction),
		"priority":     r.Priority,
		"description":  firewall.ManagedTag(r.ShortID()),
		"sourceRanges": []string{sourceOf(r)},
	}
	portRule := map[string]any{"IPProtocol": protocol}
	if r.DestPort != 0 {
		portRule["ports"] = []string{fmt.Sprintf("%d", r.DestPort)}
	}
	if isAllowed(r.Action) {
		rule["allowed"] = []map[string]any{portRule}
	} else {
		rule["denied"] = []map[string]any{portRule}
	}

	url := fmt.Sprintf("%s/projects/%s/global/firewalls", computeBase, a.cfg.Project)
	if err := a.doAsync(ctx, http.MethodPost, url, rule); err != nil {
		return err
	}

	a.mu.Lock()
	a.handles[r.ShortID()] = name
	a.mu.Unlock()
	return nil
}

// RemoveRule deletes the firewall rule associated with r.
func (a *Adapter) RemoveRule(ctx context.Context, r policy.Rule) error {
	a.mu.Lock()
	name, ok := a.handles[r.ShortID()]
	a.mu.Unlock()
	if !ok {
		name = fmt.Sprintf("sentinel-%s", r.ShortID())
	}
	url := fmt.Sprintf("%s/projects/%s/global/firewalls/%s", computeBase, a.cfg.Project, name)
	if err := a.doAsync(ctx, http.MethodDelete, url, nil); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.handles, r.ShortID())
	a.mu.Unlock()
	return nil
}

// ListRules returns the rules this Adapter instance has created.
func (a *Adapter) ListRules(ctx context.Context) ([]policy.Rule, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rules := make([]policy.Rule, 0, len(a.handles))
	for id := range a.handles {
		rules = append(rules, policy.Rule{CreatedBy: firewall.ManagedTag(id)})
	}
	return rules, nil
}

// ClearManaged deletes every rule this Adapter instance created.
func (a *Adapter) ClearManaged(ctx context.Context) (int, []error) {
	a.mu.Lock()
	names := make(map[string]string, len(a.handles))
	for id, name := range a.handles {
		names[id] = name
	}
	a.mu.Unlock()

	removed := 0
	var errs []error
	for id, name := range names {
		url := fmt.Sprintf("%s/projects/%s/global/firewalls/%s", computeBase, a.cfg.Project, name)
		if err := a.doAsync(ctx, http.MethodDelete, url, nil); err != nil {
			errs = append(errs, err)
			continue
		}
		a.mu.Lock()
		delete(a.handles, id)
		a.mu.Unlock()
		removed++
	}
	return removed, errs
}

// doAsync issues req and, if it started a GCP long-running operation,
// polls operations.get until done or firewall.AsyncCallTimeout elapses,
// the default being 120 s.
func (a *Adapter) doAsync(ctx context.Context, method, url string, body any) error {
	ctx, cancel := context.WithTimeout(ctx, firewall.AsyncCallTimeout)
	defer cancel()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return sentinelerr.New(sentinelerr.KindAdapterPermanent, "gcp.doAsync", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return sentinelerr.New(sentinelerr.KindAdapterPermanent, "gcp.doAsync", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return sentinelerr.New(sentinelerr.KindAdapterTransient, "gcp.doAsync", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return sentinelerr.New(sentinelerr.KindAdapterTransient, "gcp.doAsync", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return sentinelerr.New(sentinelerr.KindAdapterPermanent, "gcp.doAsync", fmt.Errorf("status %d", resp.StatusCode))
	}

	var op struct {
		SelfLink string `json:"selfLink"`
		Status   string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		return nil // not an operation envelope; treat as already complete
	}
	if op.Status == "DONE" || op.SelfLink == "" {
		return nil
	}
	return a.pollOperation(ctx, op.SelfLink)
}

func (a *Adapter) pollOperation(ctx context.Context, selfLink string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return sentinelerr.New(sentinelerr.KindAdapterTransient, "gcp.pollOperation", ctx.Err())
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, selfLink, nil)
			if err != nil {
				return sentinelerr.New(sentinelerr.KindAdapterPermanent, "gcp.pollOperation", err)
			}
			resp, err := a.client.Do(req)
			if err != nil {
				continue
			}
			var op struct {
				Status string `json:"status"`
				Error  *struct {
					Errors []struct{ Message string }
				} `json:"error"`
			}
			decodeErr := json.NewDecoder(resp.Body).Decode(&op)
			resp.Body.Close()
			if decodeErr != nil {
				continue
			}
			if op.Error != nil && len(op.Error.Errors) > 0 {
				return sentinelerr.New(sentinelerr.KindAdapterPermanent, "gcp.pollOperation", fmt.Errorf("%s", op.Error.Errors[0].Message))
			}
			if op.Status == "DONE" {
				return nil
			}
		}
	}
}

func isAllowed(a policy.Action) bool {
	return a == policy.ActionAllow || a == policy.ActionRateLimit
}

func sourceOf(r policy.Rule) string {
	if r.Source != "" {
		return r.Source
	}
	return "0.0.0.0/0"
}

func directionOf(d policy.Direction) string {
	if d == policy.DirectionEgress {
		return "EGRESS"
	}
	return "INGRESS"
}
