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

// Package azure implements the firewall.Adapter contract against an Azure
// Network Security Group. No Azure SDK for Go appears anywhere in the
// retrieved corpus, so this talks to the plain ARM REST surface with
// net/http, authenticated via golang.org/x/oauth2/clientcredentials (the
// same package linkerd2's go.mod carries transitively, promoted to direct
// here).
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/oauth2/clientcredentials"

	"sentinel/internal/firewall"
	"sentinel/internal/policy"
	"sentinel/internal/sentinelerr"
)

const armBase = "https://management.azure.com"
const apiVersion = "2023-09-01"
const startPriority = 1000

// Config names the NSG an Adapter manages and the client-credential
// parameters used to authenticate against Azure AD.
type Config struct {
	TenantID       string
	ClientID       string
	ClientSecret   string
	SubscriptionID string
	ResourceGroup  string
	NSGName        string
}

// Adapter manages security rules on one Network Security Group via the
// ARM REST API.
type Adapter struct {
	cfg    Config
	client *http.Client

	mu       sync.Mutex
	priority int64
	handles  map[string]string // ShortID -> rule name
}

// New builds an Adapter using client-credential OAuth2 against Azure AD.
func New(cfg Config) *Adapter {
	ccCfg := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Scopes:       []string{"https://management.azure.com/.default"},
	}
	return &Adapter{
		cfg:      cfg,
		client:   ccCfg.Client(context.Background()),
		priority: startPriority,
		handles:  make(map[string]string),
	}
}

func (a *Adapter) Name() string { return "azure" }

func (a *Adapter) IsAvailable(ctx context.Context) bool {
	url := fmt.Sprintf("%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Network/networkSecurityGroups/%s?api-version=%s",
		armBase, a.cfg.SubscriptionID, a.cfg.ResourceGroup, a.cfg.NSGName, apiVersion)
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

// AddRule creates a security rule named sentinel-<rule_id>. Priority
// auto-increments from 1000,
// ALLOW maps to Allow and everything else to Deny.
func (a *Adapter) AddRule(ctx context.Context, r policy.Rule) error {
	access := "Deny"
	if r.Action == policy.ActionAllow {
		access = "Allow"
	}
	protocol := "*"
	switch r.Protocol {
	case policy.ProtocolTCP:
		protocol = "Tcp"
	case policy.ProtocolUDP:
		protocol = "Udp"
	case policy.ProtocolICMP:
		protocol = "Icmp"
	}
	source := r.Source
	if source == "" {
		source = "*"
	}
	destPort := "*"
	if r.DestPort != 0 {
		destPort = fmt.Sprintf("%d", r.DestPort)
	}
	dest := r.DestIP
	if dest == "" {
		dest = "*"
	}

	name := fmt.Sprintf("sentinel-%s", r.ShortID())
	priority := atomic.AddInt64(&a.priority, 1) - 1

	body := map[string]any{
		"properties": map[string]any{
			"protocol":                 protocol,
			"sourceAddressPrefix":      source,
			"sourcePortRange":          "*",
			"destinationAddressPrefix": dest,
			"destinationPortRange":     destPort,
			"access":                   access,
			"priority":                 priority,
			"direction":                directionOf(r.Direction),
			"description":              firewall.ManagedTag(r.ShortID()),
		},
	}

	url := a.ruleURL(name)
	if err := a.doJSON(ctx, http.MethodPut, url, body); err != nil {
		return err
	}

	a.mu.Lock()
	a.handles[r.ShortID()] = name
	a.mu.Unlock()
	return nil
}

// RemoveRule deletes the security rule associated with r.
func (a *Adapter) RemoveRule(ctx context.Context, r policy.Rule) error {
	a.mu.Lock()
	name, ok := a.handles[r.ShortID()]
	a.mu.Unlock()
	if !ok {
		name = fmt.Sprintf("sentinel-%s", r.ShortID())
	}
	if err := a.doJSON(ctx, http.MethodDelete, a.ruleURL(name), nil); err != nil {
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
		if err := a.doJSON(ctx, http.MethodDelete, a.ruleURL(name), nil); err != nil {
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

func (a *Adapter) ruleURL(name string) string {
	return fmt.Sprintf("%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Network/networkSecurityGroups/%s/securityRules/%s?api-version=%s",
		armBase, a.cfg.SubscriptionID, a.cfg.ResourceGroup, a.cfg.NSGName, name, apiVersion)
}

func (a *Adapter) doJSON(ctx context.Context, method, url string, body any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return sentinelerr.New(sentinelerr.KindAdapterPermanent, "azure.doJSON", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return sentinelerr.New(sentinelerr.KindAdapterPermanent, "azure.doJSON", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return sentinelerr.New(sentinelerr.KindAdapterTransient, "azure.doJSON", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return sentinelerr.New(sentinelerr.KindAdapterTransient, "azure.doJSON", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return sentinelerr.New(sentinelerr.KindAdapterPermanent, "azure.doJSON", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

func directionOf(d policy.Direction) string {
	if d == policy.DirectionEgress {
		return "Outbound"
	}
	return "Inbound"
}
