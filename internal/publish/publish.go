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

// Package publish implements the durable-log event topic abstraction,
// grounded on the rate limiter's KafkaPersister: a minimal producer
// interface rather than a concrete broker binding, so the topic
// abstraction is testable without a live Kafka cluster.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sentinel/internal/telemetry"
)

// Topic names one of the four durable-log topics the pipeline publishes.
type Topic string

const (
	TopicNormalizedTraffic Topic = "normalized_traffic"
	TopicExtractedFeatures Topic = "extracted_features"
	TopicAnomalies         Topic = "anomalies"
	TopicPolicyEvents      Topic = "policy_events"
)

// Producer is a minimal abstraction over a durable-log client, mirrored
// one-for-one on the rate limiter's KafkaProducer interface: the topic
// abstraction never imports a concrete broker library, it is wired at
// the binary's composition root.
type Producer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// envelope is the stable-keys JSON wrapper every published record uses.
// Numeric fields never downcast below the source record's precision.
type envelope struct {
	PublishedAt int64           `json:"published_at_unix_ms"`
	Payload     json.RawMessage `json:"payload"`
}

// Publisher queues records for async publish, applying a bounded-block
// backpressure policy: send blocks up to maxBlock, then drops with a
// counter increment, protecting the stream processor from a
// stalled sink.
type Publisher struct {
	producer Producer
	queue    chan queuedRecord
	maxBlock time.Duration
	doneCh   chan struct{}
}

type queuedRecord struct {
	topic Topic
	key   string
	value json.RawMessage
}

// NewPublisher starts a Publisher with one queue of queueDepth records
// shared by every topic, drained by workers goroutines, and a 500 ms
// max-block.
func NewPublisher(producer Producer, queueDepth int, workers int) *Publisher {
	if workers < 1 {
		workers = 1
	}
	p := &Publisher{
		producer: producer,
		queue:    make(chan queuedRecord, queueDepth),
		maxBlock: 500 * time.Millisecond,
		doneCh:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.drain()
	}
	return p
}

// Publish marshals record as the envelope payload and enqueues it under
// topic, keyed by key. It blocks up to p.maxBlock on a full queue, then
// drops the record and counts it.
func (p *Publisher) Publish(topic Topic, key string, record any) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("publish.Publisher.Publish: marshal: %w", err)
	}
	qr := queuedRecord{topic: topic, key: key, value: body}

	select {
	case p.queue <- qr:
		telemetry.PublishQueueDepth.WithLabelValues(string(topic)).Set(float64(len(p.queue)))
		return nil
	default:
	}

	timer := time.NewTimer(p.maxBlock)
	defer timer.Stop()
	select {
	case p.queue <- qr:
		telemetry.PublishQueueDepth.WithLabelValues(string(topic)).Set(float64(len(p.queue)))
		return nil
	case <-timer.C:
		telemetry.PublishDropsTotal.WithLabelValues(string(topic)).Inc()
		return fmt.Errorf("publish.Publisher.Publish: queue full for %d, record dropped", p.maxBlock)
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case <-p.doneCh:
			return
		case qr := <-p.queue:
			env := envelope{PublishedAt: time.Now().UnixMilli(), Payload: qr.value}
			body, err := json.Marshal(env)
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = p.producer.Produce(ctx, string(qr.topic), []byte(qr.key), body, map[string]string{"content-type": "application/json"})
			cancel()
		}
	}
}

// Close stops the drain workers. In-flight queued records are dropped.
func (p *Publisher) Close() { close(p.doneCh) }

// LogProducer is a Producer that logs every record instead of publishing
// it to a broker, grounded on the rate limiter's NewMockPersister, which
// "prints commits to the console" in place of a real persistence backend.
// It is the default Producer when no durable-log endpoint is configured.
type LogProducer struct {
	log *zap.Logger
}

// NewLogProducer builds a LogProducer.
func NewLogProducer(log *zap.Logger) *LogProducer {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogProducer{log: log}
}

func (p *LogProducer) Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	p.log.Debug("publish", zap.String("topic", topic), zap.ByteString("key", key), zap.Int("bytes", len(value)))
	return nil
}
