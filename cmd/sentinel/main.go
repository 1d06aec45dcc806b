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

// Package main is SENTINEL's CLI entrypoint: a cobra root command with a
// "serve" subcommand that runs the full data plane, and a "policy"
// subcommand group for direct orchestrator operations, grounded on
// smart-mcp-proxy's cobra root command composition.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
	development bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sentinel",
		Short: "SENTINEL network threat detection and response data plane",
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&development, "development", false, "use human-readable console logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newPolicyCmd())
	return root
}
