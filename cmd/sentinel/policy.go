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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"sentinel/internal/config"
	"sentinel/internal/firewall/aws"
	"sentinel/internal/firewall/azure"
	"sentinel/internal/firewall/gcp"
	"sentinel/internal/firewall/iptables"
	"sentinel/internal/firewall/nftables"
	"sentinel/internal/policy"
	"sentinel/internal/sentinellog"
)

// newPolicyCmd builds the "policy" subcommand group, a direct command-line
// path to the orchestrator for operators who want to create, inspect, or
// roll back policies without going through the HTTP ingest plane.
func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Create, inspect, and roll back firewall policies",
	}
	cmd.AddCommand(newPolicyCreateCmd())
	cmd.AddCommand(newPolicyUpdateCmd())
	cmd.AddCommand(newPolicyDeleteCmd())
	cmd.AddCommand(newPolicyRollbackCmd())
	cmd.AddCommand(newPolicyGetCmd())
	cmd.AddCommand(newPolicyListCmd())
	cmd.AddCommand(newPolicyValidateCmd())
	cmd.AddCommand(newPolicyCheckConflictsCmd())
	return cmd
}

// newPolicyValidateCmd runs rule generation, merge, and validation offline,
// without a KV store or live adapters: useful for checking an intent before
// committing to "create".
func newPolicyValidateCmd() *cobra.Command {
	f := &intentFlags{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Generate and validate the rules an intent would produce, without applying them",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules := policy.MergeRules(policy.GenerateRules(f.toIntent(""), time.Now()))
			warnings, err := policy.Validate(rules)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(int(config.ExitValidationFailure))
			}
			printJSON(map[string]any{"rules": rules, "warnings": warnings})
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

// openOrchestrator loads config, dials the KV store, builds the configured
// adapter set, and returns a ready Orchestrator. It exits the process with
// config.ExitUnavailableDep if the KV store cannot be reached, mirroring
// runServe's startup sequence.
func openOrchestrator() (*policy.Orchestrator, *redis.Client, error) {
	cfg, err := config.Load(nil, configFile)
	if err != nil {
		os.Exit(int(config.ExitInvalidConfig))
	}
	log, err := sentinellog.New(sentinellog.Options{Development: cfg.Development})
	if err != nil {
		return nil, nil, fmt.Errorf("logger init: %w", err)
	}

	if cfg.KVEndpoint == "" {
		fmt.Fprintln(os.Stderr, "policy: no kv_endpoint configured")
		os.Exit(int(config.ExitUnavailableDep))
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.KVEndpoint})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "policy: kv store unreachable: %v\n", err)
		os.Exit(int(config.ExitUnavailableDep))
	}

	var adapters []policy.Adapter
	switch cfg.Adapter.Type {
	case "iptables":
		adapters = append(adapters, iptables.New("iptables"))
	case "nftables":
		adapters = append(adapters, nftables.New("nft"))
	case "aws":
		a, err := aws.New(aws.Config{Region: cfg.Adapter.AWS.Region, SecurityGroupID: cfg.Adapter.AWS.SecurityGroupID})
		if err == nil {
			adapters = append(adapters, a)
		}
	case "azure":
		adapters = append(adapters, azure.New(azure.Config{
			TenantID: cfg.Adapter.Azure.TenantID, ClientID: cfg.Adapter.Azure.ClientID,
			ClientSecret: cfg.Adapter.Azure.ClientSecret, SubscriptionID: cfg.Adapter.Azure.Subscription,
			ResourceGroup: cfg.Adapter.Azure.ResourceGroup, NSGName: cfg.Adapter.Azure.NSGName,
		}))
	case "gcp":
		adapters = append(adapters, gcp.New(gcp.Config{
			Project: cfg.Adapter.GCP.Project, Network: cfg.Adapter.GCP.Network,
			ClientID: cfg.Adapter.GCP.ClientID, ClientSecret: cfg.Adapter.GCP.ClientSecret,
			TokenURL: cfg.Adapter.GCP.TokenURL,
		}))
	default:
		adapters = append(adapters, iptables.New("iptables"), nftables.New("nft"))
	}

	store := policy.NewStore(rdb)
	return policy.NewOrchestrator(store, adapters, log.Named("policy")), rdb, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// intentFlags are the command-line knobs shared by create and update,
// mapped onto policy.Intent.
type intentFlags struct {
	action     string
	sourceIP   string
	sourceCIDR string
	destIP     string
	destPort   int
	protocol   string
	priority   int
	duration   time.Duration
	vendors    string
	force      bool
}

func (f *intentFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.action, "action", "DENY", "ALLOW|DENY|DROP|REJECT|RATE_LIMIT|LOG|QUARANTINE|MONITOR")
	cmd.Flags().StringVar(&f.sourceIP, "source-ip", "", "source IP to match")
	cmd.Flags().StringVar(&f.sourceCIDR, "source-network", "", "source CIDR to match")
	cmd.Flags().StringVar(&f.destIP, "dest-ip", "", "destination IP to match")
	cmd.Flags().IntVar(&f.destPort, "dest-port", 0, "destination port to match")
	cmd.Flags().StringVar(&f.protocol, "protocol", "any", "tcp|udp|icmp|any")
	cmd.Flags().IntVar(&f.priority, "priority", 100, "rule priority, lower wins")
	cmd.Flags().DurationVar(&f.duration, "duration", 0, "policy lifetime, 0 for permanent")
	cmd.Flags().StringVar(&f.vendors, "vendors", "", "comma-separated vendor adapter names, empty for all configured")
	cmd.Flags().BoolVar(&f.force, "force", false, "skip the conflict check")
}

func (f *intentFlags) toIntent(id string) policy.Intent {
	var vendors []string
	if f.vendors != "" {
		vendors = strings.Split(f.vendors, ",")
	}
	return policy.Intent{
		ID:       id,
		Action:   policy.Action(strings.ToUpper(f.action)),
		Priority: f.priority,
		Duration: f.duration,
		Vendors:  vendors,
		Selector: policy.Selector{
			SourceIP:      f.sourceIP,
			SourceNetwork: f.sourceCIDR,
			DestIP:        f.destIP,
			DestPort:      f.destPort,
			Protocol:      policy.Protocol(strings.ToLower(f.protocol)),
		},
	}
}

func newPolicyCreateCmd() *cobra.Command {
	f := &intentFlags{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a policy from an intent and apply it to configured adapters",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, rdb, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer rdb.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			p, warnings, conflicts, err := orch.CreatePolicy(ctx, f.toIntent(""), f.force)
			if err != nil {
				if len(conflicts) > 0 {
					printJSON(map[string]any{"conflicts": conflicts})
					os.Exit(int(config.ExitValidationFailure))
				}
				fmt.Fprintln(os.Stderr, err)
				os.Exit(int(config.ExitValidationFailure))
			}
			printJSON(map[string]any{"policy": p, "warnings": warnings})
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newPolicyUpdateCmd() *cobra.Command {
	f := &intentFlags{}
	var id string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update an existing policy by ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, rdb, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer rdb.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			p, warnings, conflicts, err := orch.UpdatePolicy(ctx, id, f.toIntent(id), f.force)
			if err != nil {
				if len(conflicts) > 0 {
					printJSON(map[string]any{"conflicts": conflicts})
					os.Exit(int(config.ExitValidationFailure))
				}
				fmt.Fprintln(os.Stderr, err)
				os.Exit(int(config.ExitValidationFailure))
			}
			printJSON(map[string]any{"policy": p, "warnings": warnings})
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "policy ID to update")
	cmd.MarkFlagRequired("id")
	f.register(cmd)
	return cmd
}

func newPolicyDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a policy and withdraw its rules from every adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, rdb, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer rdb.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := orch.DeletePolicy(ctx, id); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(int(config.ExitValidationFailure))
			}
			fmt.Println("deleted", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "policy ID to delete")
	cmd.MarkFlagRequired("id")
	return cmd
}

func newPolicyRollbackCmd() *cobra.Command {
	var id string
	var version int
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Roll back a policy to a prior version and reapply its rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, rdb, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer rdb.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			p, err := orch.RollbackPolicy(ctx, id, version)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(int(config.ExitValidationFailure))
			}
			printJSON(p)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "policy ID to roll back")
	cmd.Flags().IntVar(&version, "version", 0, "version number to restore")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("version")
	return cmd
}

func newPolicyGetCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Fetch a single policy by ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, rdb, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer rdb.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			p, err := orch.GetPolicy(ctx, id)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(int(config.ExitValidationFailure))
			}
			printJSON(p)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "policy ID to fetch")
	cmd.MarkFlagRequired("id")
	return cmd
}

func newPolicyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every active policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, rdb, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer rdb.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			ps, err := orch.ListPolicies(ctx)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(int(config.ExitValidationFailure))
			}
			printJSON(ps)
			return nil
		},
	}
	return cmd
}

func newPolicyCheckConflictsCmd() *cobra.Command {
	f := &intentFlags{}
	cmd := &cobra.Command{
		Use:   "check-conflicts",
		Short: "Check whether an intent would conflict with an existing policy, without applying it",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, rdb, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer rdb.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			conflicts, err := orch.CheckConflicts(ctx, f.toIntent(""))
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(int(config.ExitValidationFailure))
			}
			printJSON(conflicts)
			if len(conflicts) > 0 {
				os.Exit(int(config.ExitValidationFailure))
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}
