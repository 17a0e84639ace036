// Package kafka publishes pipeline events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/tendant/simple-ledger/pkg/simpleledger"
	"github.com/tendant/simple-ledger/pkg/simpleledger/clock"
)

// DefaultTopic is used when NewSink is given an empty topic.
const DefaultTopic = "ledger.pipeline"

// Event types
const (
	EventUploadCompleted = "upload.completed"
	EventUploadFailed    = "upload.failed"
	EventRecordCommitted = "record.committed"
	EventCommitFailed    = "commit.failed"
)

// Event is the JSON value of every message. Messages are keyed by
// transaction id so all events for one upload land on one partition.
type Event struct {
	Type        string    `json:"type"`
	ContentID   string    `json:"content_id"`
	DataSize    int       `json:"data_size,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	RecordKind  string    `json:"record_kind,omitempty"`
	RecordID    string    `json:"record_id,omitempty"`
	OwnerID     int64     `json:"owner_id,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Writer is the subset of *kafkago.Writer used by Sink.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Sink is a simpleledger.EventSink writing to Kafka.
type Sink struct {
	writer Writer
	clock  clock.Clock
}

var _ simpleledger.EventSink = (*Sink)(nil)

// NewSink creates a synchronous writer to topic on brokers.
func NewSink(brokers []string, topic string) *Sink {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		Async:        false,
	}
	return NewSinkWithWriter(w, clock.Real())
}

// NewSinkWithWriter wraps an existing writer.
func NewSinkWithWriter(w Writer, c clock.Clock) *Sink {
	if c == nil {
		c = clock.Real()
	}
	return &Sink{writer: w, clock: c}
}

func (s *Sink) UploadCompleted(ctx context.Context, tx *simpleledger.ContentTransaction) error {
	return s.publish(ctx, Event{
		Type:        EventUploadCompleted,
		ContentID:   tx.ID,
		DataSize:    tx.DataSize,
		ContentType: tx.ContentType,
	})
}

func (s *Sink) UploadFailed(ctx context.Context, txID string, err error) error {
	return s.publish(ctx, Event{
		Type:      EventUploadFailed,
		ContentID: txID,
		ErrorKind: string(simpleledger.KindOf(err)),
		Error:     errString(err),
	})
}

func (s *Sink) RecordCommitted(ctx context.Context, result *simpleledger.CommitResult) error {
	return s.publish(ctx, Event{
		Type:       EventRecordCommitted,
		ContentID:  string(result.MediaRef),
		RecordKind: string(result.Kind),
		RecordID:   result.RecordID.String(),
		OwnerID:    result.OwnerID,
	})
}

func (s *Sink) CommitFailed(ctx context.Context, id simpleledger.ContentID, mutation simpleledger.RecordMutation, err error) error {
	return s.publish(ctx, Event{
		Type:       EventCommitFailed,
		ContentID:  string(id),
		RecordKind: string(mutation.Kind),
		RecordID:   recordID(mutation.RecordID),
		OwnerID:    mutation.OwnerID,
		ErrorKind:  string(simpleledger.KindOf(err)),
		Error:      errString(err),
	})
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	if s.writer == nil {
		return nil
	}
	return s.writer.Close()
}

func (s *Sink) publish(ctx context.Context, ev Event) error {
	ev.At = s.clock.Now().UTC()
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	msg := kafkago.Message{
		Key:   []byte(ev.ContentID),
		Value: b,
		Time:  ev.At,
		Headers: []kafkago.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	return nil
}

func recordID(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
