// Package kafka publishes materialization lifecycle events so downstream
// consumers (dashboards, notification hooks) can follow pipeline runs
// without polling the catalog. Publishing is optional: an empty broker list
// yields a disabled publisher whose methods are no-ops.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// Event type suffixes, appended to the configured topic prefix.
const (
	topicAssetMaterialized = "asset.materialized"
	topicAssetFailed       = "asset.failed"
	topicRunCompleted      = "run.completed"
)

// writerAPI abstracts kafka.Writer so tests can capture messages.
type writerAPI interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher emits run lifecycle events as JSON messages keyed by run id.
type Publisher struct {
	writer  writerAPI
	prefix  string
	enabled bool
	logger  logging.Logger
}

// NewPublisher builds a publisher from configuration. With no brokers
// configured the publisher is disabled and every publish is a no-op.
func NewPublisher(cfg config.KafkaConfig, log logging.Logger) *Publisher {
	if len(cfg.Brokers) == 0 {
		return &Publisher{logger: log}
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  maxRetries,
		WriteTimeout: writeTimeout,
		Async:        false,
	}
	log.Info("event publisher enabled",
		logging.Int("brokers", len(cfg.Brokers)),
		logging.String("topic_prefix", cfg.TopicPrefix))
	return &Publisher{writer: w, prefix: cfg.TopicPrefix, enabled: true, logger: log}
}

func newPublisherWithWriter(w writerAPI, prefix string, log logging.Logger) *Publisher {
	return &Publisher{writer: w, prefix: prefix, enabled: true, logger: log}
}

// Enabled reports whether events will actually be published.
func (p *Publisher) Enabled() bool { return p.enabled }

func (p *Publisher) Close() error {
	if !p.enabled {
		return nil
	}
	return p.writer.Close()
}

func (p *Publisher) publish(ctx context.Context, topicSuffix, key string, payload any) error {
	if !p.enabled {
		return nil
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode event")
	}
	msg := kafka.Message{
		Topic: p.prefix + "." + topicSuffix,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrap(err, errors.ErrCodeEventPublish, "failed to publish event").WithDetail(msg.Topic)
	}
	return nil
}

// materializedEvent is the asset.materialized payload.
type materializedEvent struct {
	RunID string                 `json:"run_id"`
	Meta  *types.Materialization `json:"materialization"`
}

// failedEvent is the asset.failed payload.
type failedEvent struct {
	RunID  string `json:"run_id"`
	Asset  string `json:"asset"`
	Reason string `json:"reason"`
}

func (p *Publisher) AssetMaterialized(ctx context.Context, runID string, m *types.Materialization) error {
	return p.publish(ctx, topicAssetMaterialized, runID, materializedEvent{RunID: runID, Meta: m})
}

func (p *Publisher) AssetFailed(ctx context.Context, runID, asset, reason string) error {
	return p.publish(ctx, topicAssetFailed, runID, failedEvent{RunID: runID, Asset: asset, Reason: reason})
}

func (p *Publisher) RunCompleted(ctx context.Context, run *types.Run) error {
	return p.publish(ctx, topicRunCompleted, run.RunID, run)
}
