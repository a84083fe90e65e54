// Package notify publishes committed entity changes to Kafka and applies the
// changes other processes publish, so that every process evicts stale
// identity entries.
package notify

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/goliatone/go-relational-cache/errors"
)

// Op is the kind of committed write.
type Op string

const (
	OpCreate      Op = "create"
	OpUpdate      Op = "update"
	OpRemove      Op = "remove"
	OpRemoveWhere Op = "remove_where"
)

// Change describes one committed write. Key is the identity key of the
// affected entity; it is empty for OpRemoveWhere.
type Change struct {
	Entity string    `json:"entity"`
	Op     Op        `json:"op"`
	Key    string    `json:"key,omitempty"`
	Origin string    `json:"origin"`
	Time   time.Time `json:"time"`
}

// Handler applies a change published by another process.
type Handler func(ctx context.Context, ch Change) error

// Config holds the Kafka settings.
type Config struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	GroupID      string        `yaml:"group_id"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks"`
	MinBytes     int           `yaml:"min_bytes"`
	MaxBytes     int           `yaml:"max_bytes"`
	MaxWait      time.Duration `yaml:"max_wait"`
}

// Validate checks the settings needed to connect.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Brokers, validation.Required),
		validation.Field(&c.Topic, validation.Required),
		validation.Field(&c.RequiredAcks, validation.In(-1, 0, 1)),
	)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Kafka publishes and consumes Change messages on one topic.
type Kafka struct {
	writer messageWriter
	reader messageReader
	origin string
	topic  string
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewKafka builds the writer and reader for cfg. Each process gets its own
// consumer group unless cfg.GroupID is set, so every process sees every change.
func NewKafka(cfg Config, logger *slog.Logger) (*Kafka, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Mark(err, errors.Validation, "kafka notifications")
	}
	origin := uuid.NewString()
	if cfg.GroupID == "" {
		cfg.GroupID = "relcache-" + origin
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  3,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     cfg.MaxWait,
		StartOffset: kafka.LastOffset,
	})

	return newKafka(writer, reader, origin, cfg.Topic, logger), nil
}

func newKafka(w messageWriter, r messageReader, origin, topic string, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{
		writer: w,
		reader: r,
		origin: origin,
		topic:  topic,
		logger: logger.With("topic", topic),
	}
}

// Origin identifies this process in published changes.
func (k *Kafka) Origin() string { return k.origin }

// Publish writes ch keyed by entity so changes to one entity stay ordered.
func (k *Kafka) Publish(ctx context.Context, ch Change) error {
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return errors.New(errors.Store, "notifier is closed")
	}

	ch.Origin = k.origin
	if ch.Time.IsZero() {
		ch.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ch)
	if err != nil {
		return errors.Wrap(err, "encoding change")
	}

	msg := kafka.Message{
		Key:   []byte(ch.Entity),
		Value: data,
		Time:  ch.Time,
		Headers: []kafka.Header{
			{Key: "op", Value: []byte(ch.Op)},
			{Key: "entity", Value: []byte(ch.Entity)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Mark(err, errors.Transient, "publishing change")
	}
	k.logger.Debug("change published", "entity", ch.Entity, "op", ch.Op, "key", ch.Key)
	return nil
}

// Subscribe reads changes until ctx is done, calling handler for every change
// another process published. Malformed messages and handler failures are
// logged and skipped.
func (k *Kafka) Subscribe(ctx context.Context, handler Handler) error {
	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, context.Canceled) {
				return nil
			}
			return errors.Mark(err, errors.Transient, "reading changes")
		}

		var ch Change
		if err := json.Unmarshal(msg.Value, &ch); err != nil {
			k.logger.Warn("skipping malformed change", "offset", msg.Offset, "error", err)
			continue
		}
		if ch.Origin == k.origin {
			continue
		}
		if err := handler(ctx, ch); err != nil {
			k.logger.Warn("applying change failed", "entity", ch.Entity, "key", ch.Key, "error", err)
		}
	}
}

// Close flushes the writer and stops the reader.
func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true

	werr := k.writer.Close()
	rerr := k.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
