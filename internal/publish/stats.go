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

package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sentinel/internal/cim"
)

const hotStatsTTL = 60 * time.Minute

// Stats writes the hot statistics key/value surface:
// short-TTL per-source/per-destination counters, protocol and direction
// distribution, and a capped recent-alerts list. It is advisory; its
// loss does not affect pipeline correctness, so every call here is
// fire-and-forget from the caller's perspective (errors are returned for
// logging, never for control flow).
type Stats struct {
	rdb *redis.Client
}

// NewStats wraps an existing *redis.Client.
func NewStats(rdb *redis.Client) *Stats { return &Stats{rdb: rdb} }

// RecordTraffic updates the hot counters for one normalized record using
// a single pipelined round trip, amortizing per-op round-trip cost across
// the multiple writes one event triggers.
func (s *Stats) RecordTraffic(ctx context.Context, r cim.Record) error {
	pipe := s.rdb.Pipeline()

	srcKey := fmt.Sprintf("traffic:src:%s", r.SrcIP)
	dstKey := fmt.Sprintf("traffic:dst:%s", r.DestIP)
	protoKey := "traffic:protocol_dist"
	dirKey := "traffic:direction_dist"

	pipe.HIncrBy(ctx, srcKey, "packets", r.Packets)
	pipe.HIncrBy(ctx, srcKey, "bytes", r.Bytes)
	pipe.Expire(ctx, srcKey, hotStatsTTL)

	pipe.HIncrBy(ctx, dstKey, "packets", r.Packets)
	pipe.HIncrBy(ctx, dstKey, "bytes", r.Bytes)
	pipe.Expire(ctx, dstKey, hotStatsTTL)

	pipe.HIncrBy(ctx, protoKey, string(r.Transport), 1)
	pipe.Expire(ctx, protoKey, hotStatsTTL)

	pipe.HIncrBy(ctx, dirKey, string(r.Direction), 1)
	pipe.Expire(ctx, dirKey, hotStatsTTL)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("publish.Stats.RecordTraffic: %w", err)
	}
	return nil
}

// RecordAlert pushes a summary of an emitted anomaly onto the capped
// recent-alerts list.
func (s *Stats) RecordAlert(ctx context.Context, summary string) error {
	const key = "traffic:recent_alerts"
	const maxAlerts = 100

	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, key, summary)
	pipe.LTrim(ctx, key, 0, maxAlerts-1)
	pipe.Expire(ctx, key, hotStatsTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("publish.Stats.RecordAlert: %w", err)
	}
	return nil
}

// RecentAlerts returns up to limit of the most recently recorded alerts.
func (s *Stats) RecentAlerts(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	out, err := s.rdb.LRange(ctx, "traffic:recent_alerts", 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("publish.Stats.RecentAlerts: %w", err)
	}
	return out, nil
}

// ProtocolDistribution returns the protocol-dist hash as counts.
func (s *Stats) ProtocolDistribution(ctx context.Context) (map[string]int64, error) {
	return s.hashAsInts(ctx, "traffic:protocol_dist")
}

// DirectionDistribution returns the direction-dist hash as counts.
func (s *Stats) DirectionDistribution(ctx context.Context) (map[string]int64, error) {
	return s.hashAsInts(ctx, "traffic:direction_dist")
}

func (s *Stats) hashAsInts(ctx context.Context, key string) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("publish.Stats.hashAsInts(%s): %w", key, err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		var n int64
		fmt.Sscanf(v, "%d", &n)
		out[k] = n
	}
	return out, nil
}
