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
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sentinel/internal/cim"
	"sentinel/internal/config"
	"sentinel/internal/detect"
	"sentinel/internal/firewall/aws"
	"sentinel/internal/firewall/azure"
	"sentinel/internal/firewall/gcp"
	"sentinel/internal/firewall/iptables"
	"sentinel/internal/firewall/nftables"
	"sentinel/internal/flow"
	"sentinel/internal/ingest"
	ingestapi "sentinel/internal/ingest/api"
	"sentinel/internal/ingest/netflow"
	"sentinel/internal/ingest/sflow"
	"sentinel/internal/observability"
	"sentinel/internal/policy"
	"sentinel/internal/publish"
	"sentinel/internal/sentinellog"
	"sentinel/internal/window"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SENTINEL data plane: ingest, detect, and enforce",
		RunE:  runServe,
	}
	return cmd
}

// anomalySink bridges detect.Engine's output to the durable-log publisher
// and the hot-stats recent-alerts list.
type anomalySink struct {
	pub   *publish.Publisher
	stats *publish.Stats
	log   *zap.Logger
}

func (s *anomalySink) OnAnomaly(ev detect.Event) {
	if err := s.pub.Publish(publish.TopicAnomalies, ev.SubjectKey, ev); err != nil {
		s.log.Warn("anomaly publish dropped", zap.Error(err))
	}
	if s.stats != nil {
		summary := fmt.Sprintf("%s subject=%s severity=%s", ev.Type, ev.SubjectKey, ev.Severity)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.stats.RecordAlert(ctx, summary); err != nil {
			s.log.Warn("alert recording failed", zap.Error(err))
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags(), configFile)
	if err != nil {
		os.Exit(int(config.ExitInvalidConfig))
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	cfg.Development = cfg.Development || development

	level := zapcore.InfoLevel
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	log, err := sentinellog.New(sentinellog.Options{Development: cfg.Development, Level: level})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rdb *redis.Client
	if cfg.KVEndpoint != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.KVEndpoint})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error("kv store unreachable", zap.Error(err))
			os.Exit(int(config.ExitUnavailableDep))
		}
	}

	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	shardCount := cfg.ShardCount
	if shardCount <= 0 {
		shardCount = parallelism * 2
	}

	producer := publish.NewLogProducer(log.Named("publish"))
	publisher := publish.NewPublisher(producer, 4096, parallelism)
	defer publisher.Close()

	var stats *publish.Stats
	if rdb != nil {
		stats = publish.NewStats(rdb)
	}

	store := flow.NewStore(shardCount)
	engine := detect.NewEngine(detect.Thresholds{
		SynFlood:      cfg.Thresholds.SynFlood,
		PortScan:      cfg.Thresholds.PortScan,
		LargePayload:  cfg.Thresholds.LargePayload,
		RateSpike:     cfg.Thresholds.RateSpike,
		EntropyZScore: cfg.Thresholds.EntropyZScore,
		EntropyEWMA:   cfg.Thresholds.EntropyEWMA,
		DedupTTL:      cfg.Thresholds.DedupTTL,
	}, &anomalySink{pub: publisher, stats: stats, log: log.Named("detect")})

	processor := window.NewProcessor(store, engine, window.Sizes{
		Tumbling1m:      cfg.Windows.Tumbling1m,
		Tumbling5m:      cfg.Windows.Tumbling5m,
		Tumbling15m:     cfg.Windows.Tumbling15m,
		Sliding5m:       cfg.Windows.Sliding5m,
		SlidingStep:     cfg.Windows.SlidingStep,
		NetworkLateness: cfg.Windows.NetworkLate,
		FlowLateness:    cfg.Windows.FlowLateness,
	})
	go processor.Run(ctx, 1*time.Second)
	defer processor.Stop()

	queue := ingest.NewQueue(16384)
	go normalizeLoop(ctx, queue, processor, publisher, stats, log.Named("normalize"))

	var adapters []policy.Adapter
	switch cfg.Adapter.Type {
	case "iptables":
		adapters = append(adapters, iptables.New("iptables"))
	case "nftables":
		adapters = append(adapters, nftables.New("nft"))
	case "aws":
		a, err := aws.New(aws.Config{Region: cfg.Adapter.AWS.Region, SecurityGroupID: cfg.Adapter.AWS.SecurityGroupID})
		if err != nil {
			log.Warn("aws adapter init failed", zap.Error(err))
		} else {
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

	var orchestrator *policy.Orchestrator
	if rdb != nil {
		policyStore := policy.NewStore(rdb)
		orchestrator = policy.NewOrchestrator(policyStore, adapters, log.Named("policy"))
		go orchestrator.Run(ctx, 30*time.Second)
	}

	var listeners []interface{ Close() error }
	if cfg.NetFlowPort > 0 {
		nf, err := netflow.Listen(fmt.Sprintf(":%d", cfg.NetFlowPort), queue, log.Named("netflow"))
		if err != nil {
			log.Warn("netflow listener failed to start", zap.Error(err))
		} else {
			listeners = append(listeners, nf)
			go nf.Run(ctx)
		}
	}
	if cfg.SFlowPort > 0 {
		sf, err := sflow.Listen(fmt.Sprintf(":%d", cfg.SFlowPort), queue, log.Named("sflow"))
		if err != nil {
			log.Warn("sflow listener failed to start", zap.Error(err))
		} else {
			listeners = append(listeners, sf)
			go sf.Run(ctx)
		}
	}

	router := chi.NewRouter()
	ingestapi.New(queue, log.Named("api")).Mount(router)

	var checks []observability.ComponentCheck
	if rdb != nil {
		checks = append(checks, observability.ComponentCheck{
			Name: "kv_store",
			Check: func(ctx context.Context) bool { return rdb.Ping(ctx).Err() == nil },
		})
	}
	for _, a := range adapters {
		a := a
		checks = append(checks, observability.ComponentCheck{
			Name:  "adapter_" + a.Name(),
			Check: func(ctx context.Context) bool { return a.IsAvailable(ctx) },
		})
	}
	observability.New(checks, stats).Mount(router)

	httpServer := &http.Server{Addr: cfg.APIAddr, Handler: router}
	go func() {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("api server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	cancel()
	for _, l := range listeners {
		l.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("api shutdown failed", zap.Error(err))
	}
	if rdb != nil {
		rdb.Close()
	}
	return nil
}

// normalizeLoop drains raw events, normalizes them to CIM records, feeds
// the stream processor, and republishes normalized traffic on the durable
// log: the ingest-to-normalize pipeline stage.
func normalizeLoop(ctx context.Context, q *ingest.Queue, processor *window.Processor, pub *publish.Publisher, stats *publish.Stats, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q.C():
			if !ok {
				return
			}
			rec, err := cim.Normalize(ev)
			if err != nil {
				log.Debug("normalize rejected", zap.Error(err))
				continue
			}
			processor.Ingest(rec)
			if err := pub.Publish(publish.TopicNormalizedTraffic, rec.EventID, rec); err != nil {
				log.Debug("normalized record publish dropped", zap.Error(err))
			}
			if stats != nil {
				statsCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
				_ = stats.RecordTraffic(statsCtx, rec)
				cancel()
			}
		}
	}
}
