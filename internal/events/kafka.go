// Package events publishes persisted violation records to Kafka.
package events

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"geoattest/internal/store"
)

// EventViolationRecorded is the event type of every published record.
const EventViolationRecorded = "violation.recorded"

// MessageWriter is the subset of kafka.Writer used by KafkaPublisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures a KafkaPublisher.
type Config struct {
	Brokers      []string
	Topic        string
	ClientID     string
	WriteTimeout time.Duration
	MaxAttempts  int
}

// ViolationEvent is the published message body.
type ViolationEvent struct {
	EventType   string                 `json:"event_type"`
	PublishedAt time.Time              `json:"published_at"`
	Record      *store.ViolationRecord `json:"record"`
	RecordHash  string                 `json:"record_hash"`
}

// KafkaPublisher writes one message per violation record, keyed by subject
// so a subject's records stay ordered within a partition.
type KafkaPublisher struct {
	writer MessageWriter
	topic  string
	now    func() time.Time
}

// NewKafkaPublisher creates a publisher backed by a kafka.Writer.
func NewKafkaPublisher(cfg Config) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events: no kafka brokers configured")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("events: kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: cfg.WriteTimeout,
		MaxAttempts:  cfg.MaxAttempts,
	}
	if cfg.ClientID != "" {
		w.Transport = &kafka.Transport{ClientID: cfg.ClientID}
	}
	return NewPublisher(w, cfg.Topic), nil
}

// NewPublisher wraps an existing writer.
func NewPublisher(w MessageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, now: time.Now}
}

// PublishViolation writes rec as a JSON event.
func (p *KafkaPublisher) PublishViolation(ctx context.Context, rec *store.ViolationRecord) error {
	if rec == nil {
		return errors.New("events: nil record")
	}
	value, err := json.Marshal(ViolationEvent{
		EventType:   EventViolationRecorded,
		PublishedAt: p.now().UTC(),
		Record:      rec,
		RecordHash:  hex.EncodeToString(rec.RecordHash[:]),
	})
	if err != nil {
		return fmt.Errorf("marshal violation event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(rec.SubjectID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventViolationRecorded)},
			{Key: "violation_id", Value: []byte(rec.ID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
