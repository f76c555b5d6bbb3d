// Package events publishes relay change envelopes to Kafka for
// downstream consumers. Publishing is best-effort and fire-and-forget:
// a failed produce is logged and never blocks or fails the write path
// that triggered it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"idrelay/internal/platform/config"
)

// Event types emitted on the fanout topic.
const (
	TypeRecordUpdated     = "record-updated"
	TypeRecordInvalidated = "record-invalidated"
	TypeStatsUpdated      = "stats-updated"
)

// Envelope is the wire format on the fanout topic.
type Envelope struct {
	Type       string          `json:"type"`
	SubjectKey string          `json:"subject_key,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Publisher produces envelopes to one topic. A nil Publisher is valid
// and drops everything, so callers never need to branch on whether the
// sink is configured.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// New connects a producer, or returns (nil, nil) when no brokers are
// configured.
func New(cfg config.KafkaConfig, logger *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Publisher{client: client, topic: cfg.Topic, logger: logger}, nil
}

// Emit produces one envelope asynchronously. Failures are logged.
func (p *Publisher) Emit(ctx context.Context, eventType, subjectKey string, payload json.RawMessage) {
	if p == nil {
		return
	}
	env := Envelope{
		Type:       eventType,
		SubjectKey: subjectKey,
		Timestamp:  time.Now(),
		Payload:    payload,
	}
	value, err := json.Marshal(env)
	if err != nil {
		p.logger.Warn("marshal fanout envelope failed", "type", eventType, "error", err)
		return
	}
	rec := &kgo.Record{Key: []byte(subjectKey), Value: value}
	p.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Warn("fanout produce failed", "type", eventType, "error", err)
		}
	})
}

// Close flushes outstanding produces and releases the client.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("kafka flush on close failed", "error", err)
	}
	p.client.Close()
}
