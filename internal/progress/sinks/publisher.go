package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/answerability-auditor/internal/audit"
	"github.com/JakeFAU/answerability-auditor/internal/progress"
)

// Message is the payload published for externally interesting events.
type Message struct {
	Type  string         `json:"type"`
	Event progress.Event `json:"event"`
}

// Event types published by PublisherSink.
const (
	TypeAuditCompleted = "audit.completed"
	TypeAuditFailed    = "audit.failed"
	TypeWatchdogAlert  = "watchdog.alert"
)

// PublisherSink forwards completions, terminal failures, and alerts to a
// message topic. Other stages stay local.
type PublisherSink struct {
	pub   audit.Publisher
	topic string
}

// NewPublisherSink creates a sink publishing to topic.
func NewPublisherSink(pub audit.Publisher, topic string) *PublisherSink {
	return &PublisherSink{pub: pub, topic: topic}
}

// Consume implements progress.Sink. Every event is attempted; failures are joined.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		var kind string
		switch evt.Stage {
		case progress.StageAuditDone:
			kind = TypeAuditCompleted
		case progress.StageWatchdogFail:
			kind = TypeAuditFailed
		case progress.StageAlert:
			kind = TypeWatchdogAlert
		default:
			continue
		}
		if _, err := s.pub.Publish(ctx, s.topic, Message{Type: kind, Event: evt}); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements progress.Sink.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}

// EventType implements the typed-payload hook used by the Pub/Sub publisher.
func (m Message) EventType() string {
	return m.Type
}
