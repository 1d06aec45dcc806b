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

// Package config declares SENTINEL's typed configuration and loads it with
// Viper from flags, environment variables (SENTINEL_ prefix), and an
// optional YAML file, the way smart-mcp-proxy's loader composes the same
// three sources.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Duration wraps time.Duration so it marshals as a human string ("5m")
// instead of a raw integer of nanoseconds.
type Duration struct{ time.Duration }

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Duration.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// WindowConfig enumerates the fixed window sizes configured explicitly.
type WindowConfig struct {
	Tumbling1m   time.Duration `mapstructure:"tumbling_1m"`
	Tumbling5m   time.Duration `mapstructure:"tumbling_5m"`
	Tumbling15m  time.Duration `mapstructure:"tumbling_15m"`
	Sliding5m    time.Duration `mapstructure:"sliding_5m"`
	SlidingStep  time.Duration `mapstructure:"sliding_step"`
	SessionGap   time.Duration `mapstructure:"session_gap"`
	NetworkLate  time.Duration `mapstructure:"network_lateness"`
	FlowLateness time.Duration `mapstructure:"flow_lateness"`
}

// ThresholdConfig enumerates the anomaly detector thresholds.
type ThresholdConfig struct {
	SynFlood      int64   `mapstructure:"syn_flood"`
	PortScan      int64   `mapstructure:"port_scan"`
	LargePayload  int64   `mapstructure:"large_payload"`
	RateSpike     int64   `mapstructure:"rate_threshold"`
	EntropyZScore float64 `mapstructure:"entropy_zscore"`
	EntropyEWMA   float64 `mapstructure:"entropy_ewma_alpha"`
	DedupTTL      time.Duration `mapstructure:"dedup_ttl"`
}

// AWSConfig, AzureConfig, GCPConfig carry per-vendor adapter parameters.
type AWSConfig struct {
	Region          string `mapstructure:"region"`
	SecurityGroupID string `mapstructure:"security_group_id"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type AzureConfig struct {
	Subscription  string `mapstructure:"subscription"`
	ResourceGroup string `mapstructure:"resource_group"`
	NSGName       string `mapstructure:"nsg_name"`
	TenantID      string `mapstructure:"tenant_id"`
	ClientID      string `mapstructure:"client_id"`
	ClientSecret  string `mapstructure:"client_secret"`
}

type GCPConfig struct {
	Project         string `mapstructure:"project"`
	Network         string `mapstructure:"network"`
	CredentialsPath string `mapstructure:"credentials_path"`
	ClientID        string `mapstructure:"client_id"`
	ClientSecret    string `mapstructure:"client_secret"`
	TokenURL        string `mapstructure:"token_url"`
}

// AdapterConfig selects and parameterizes the firewall vendor adapter.
type AdapterConfig struct {
	Type    string      `mapstructure:"type"` // auto|iptables|nftables|aws|azure|gcp
	AWS     AWSConfig   `mapstructure:"aws"`
	Azure   AzureConfig `mapstructure:"azure"`
	GCP     GCPConfig   `mapstructure:"gcp"`
	Sandbox bool        `mapstructure:"sandbox_enabled"`
}

// Config is the full configuration surface for the data plane.
type Config struct {
	IngestInterfaces []string `mapstructure:"ingest_interfaces"`
	NetFlowPort      int      `mapstructure:"netflow_port"`
	SFlowPort        int      `mapstructure:"sflow_port"`
	APIAddr          string   `mapstructure:"api_addr"`

	DurableLogEndpoint string `mapstructure:"durable_log_endpoint"`
	KVEndpoint         string `mapstructure:"kv_endpoint"`

	ShardCount  int          `mapstructure:"shard_count"`
	Parallelism int          `mapstructure:"parallelism"`
	Windows     WindowConfig `mapstructure:"windows"`

	Thresholds ThresholdConfig `mapstructure:"thresholds"`
	Adapter    AdapterConfig   `mapstructure:"adapter"`

	AutoRollbackErrorRate float64 `mapstructure:"auto_rollback_error_rate"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
	Development bool   `mapstructure:"development"`
}

// Defaults returns the built-in default configuration values.
func Defaults() Config {
	return Config{
		NetFlowPort: 2055,
		SFlowPort:   6343,
		APIAddr:     ":8443",

		DurableLogEndpoint: "",
		KVEndpoint:         "",

		ShardCount:  0, // 0 => derive from Parallelism at startup
		Parallelism: 0, // 0 => runtime.NumCPU()

		Windows: WindowConfig{
			Tumbling1m:   1 * time.Minute,
			Tumbling5m:   5 * time.Minute,
			Tumbling15m:  15 * time.Minute,
			Sliding5m:    5 * time.Minute,
			SlidingStep:  1 * time.Minute,
			SessionGap:   5 * time.Minute,
			NetworkLate:  5 * time.Second,
			FlowLateness: 30 * time.Second,
		},

		Thresholds: ThresholdConfig{
			SynFlood:      100,
			PortScan:      50,
			LargePayload:  10000,
			RateSpike:     1000,
			EntropyZScore: 3.0,
			EntropyEWMA:   0.1,
			DedupTTL:      60 * time.Minute,
		},

		Adapter: AdapterConfig{
			Type:    "auto",
			Sandbox: false,
		},

		AutoRollbackErrorRate: 0.5,
		MetricsAddr:           "",
		LogLevel:              "info",
	}
}

// Load builds a Config from defaults, an optional config file, environment
// variables prefixed SENTINEL_, and bound flags, in ascending priority —
// mirroring smart-mcp-proxy's loader composition.
func Load(flags *pflag.FlagSet, configFile string) (Config, error) {
	v := viper.New()
	def := Defaults()
	setDefaults(v, def)

	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("config: binding flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("netflow_port", def.NetFlowPort)
	v.SetDefault("sflow_port", def.SFlowPort)
	v.SetDefault("api_addr", def.APIAddr)
	v.SetDefault("shard_count", def.ShardCount)
	v.SetDefault("parallelism", def.Parallelism)

	v.SetDefault("windows.tumbling_1m", def.Windows.Tumbling1m)
	v.SetDefault("windows.tumbling_5m", def.Windows.Tumbling5m)
	v.SetDefault("windows.tumbling_15m", def.Windows.Tumbling15m)
	v.SetDefault("windows.sliding_5m", def.Windows.Sliding5m)
	v.SetDefault("windows.sliding_step", def.Windows.SlidingStep)
	v.SetDefault("windows.session_gap", def.Windows.SessionGap)
	v.SetDefault("windows.network_lateness", def.Windows.NetworkLate)
	v.SetDefault("windows.flow_lateness", def.Windows.FlowLateness)

	v.SetDefault("thresholds.syn_flood", def.Thresholds.SynFlood)
	v.SetDefault("thresholds.port_scan", def.Thresholds.PortScan)
	v.SetDefault("thresholds.large_payload", def.Thresholds.LargePayload)
	v.SetDefault("thresholds.rate_threshold", def.Thresholds.RateSpike)
	v.SetDefault("thresholds.entropy_zscore", def.Thresholds.EntropyZScore)
	v.SetDefault("thresholds.entropy_ewma_alpha", def.Thresholds.EntropyEWMA)
	v.SetDefault("thresholds.dedup_ttl", def.Thresholds.DedupTTL)

	v.SetDefault("adapter.type", def.Adapter.Type)
	v.SetDefault("adapter.sandbox_enabled", def.Adapter.Sandbox)

	v.SetDefault("auto_rollback_error_rate", def.AutoRollbackErrorRate)
	v.SetDefault("log_level", def.LogLevel)
}

// ExitCode maps a validation/availability failure to a process exit code.
type ExitCode int

const (
	ExitOK                ExitCode = 0
	ExitInvalidConfig      ExitCode = 2
	ExitUnavailableDep     ExitCode = 3
	ExitValidationFailure  ExitCode = 4
)
