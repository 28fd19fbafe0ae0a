// Package events publishes call events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/basita512/Conversational-IVR/internal/models"
	"github.com/basita512/Conversational-IVR/internal/observability/metrics"
	"github.com/basita512/Conversational-IVR/internal/schema"
)

// Publisher publishes transcript, action and session events to separate
// Kafka topics, keyed by call ID so a call's events stay ordered.
type Publisher struct {
	writerTranscript *kafka.Writer
	writerAction     *kafka.Writer
	writerSession    *kafka.Writer
	principal        string
	topicTranscript  string
	topicAction      string
	topicSession     string
	enabled          bool
	validator        *schema.Validator
	metrics          *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers         []string
	TopicTranscript string
	TopicAction     string
	TopicSession    string
	Principal       string
	Enabled         bool
}

// New creates a Kafka event publisher. A nil or disabled config yields a
// log-only publisher.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics
	v := schema.New()

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{validator: v, metrics: m}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			principal:       cfg.Principal,
			topicTranscript: cfg.TopicTranscript,
			topicAction:     cfg.TopicAction,
			topicSession:    cfg.TopicSession,
			validator:       v,
			metrics:         m,
		}
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicTranscript", cfg.TopicTranscript).
		Str("topicAction", cfg.TopicAction).
		Str("topicSession", cfg.TopicSession).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerTranscript: newWriter(cfg.TopicTranscript),
		writerAction:     newWriter(cfg.TopicAction),
		writerSession:    newWriter(cfg.TopicSession),
		principal:        cfg.Principal,
		topicTranscript:  cfg.TopicTranscript,
		topicAction:      cfg.TopicAction,
		topicSession:     cfg.TopicSession,
		enabled:          true,
		validator:        v,
		metrics:          m,
	}
}

// PublishTranscript publishes the gated text of a chunk.
func (p *Publisher) PublishTranscript(ctx context.Context, ev models.TranscriptEvent) error {
	return p.publish(ctx, p.writerTranscript, p.topicTranscript, ev.EventType, ev.CallID, ev)
}

// PublishAction publishes the decision applied to a call.
func (p *Publisher) PublishAction(ctx context.Context, ev models.ActionEvent) error {
	return p.publish(ctx, p.writerAction, p.topicAction, ev.EventType, ev.CallID, ev)
}

// PublishSession publishes a session start or end.
func (p *Publisher) PublishSession(ctx context.Context, ev models.SessionEvent) error {
	return p.publish(ctx, p.writerSession, p.topicSession, ev.EventType, ev.CallID, ev)
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	start := time.Now()

	if err := p.validator.Validate(event); err != nil {
		log.Error().Err(err).Str("topic", topic).Str("callId", key).Msg("Dropping invalid event")
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	// If Kafka is disabled, just log
	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes all Kafka writers.
func (p *Publisher) Close() error {
	var err error
	for name, w := range map[string]*kafka.Writer{
		"transcript": p.writerTranscript,
		"action":     p.writerAction,
		"session":    p.writerSession,
	} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			log.Error().Err(e).Str("writer", name).Msg("Error closing Kafka writer")
			err = e
		}
	}
	return err
}
