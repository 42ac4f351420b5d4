package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/acme/outbound-fax-dispatch/internal/eventbus"
	"github.com/acme/outbound-fax-dispatch/pkg/logger"
)

// EventPublisher bridges the in-process event bus to the Kafka audit
// topic so lifecycle events outlive the process.
type EventPublisher struct {
	log    *logger.Logger
	writer *kafka.Writer
	subID  int64
}

// NewEventPublisher constructs a publisher for the given topic.
func NewEventPublisher(log *logger.Logger, k *Kafka, topic string) *EventPublisher {
	if log == nil {
		log = logger.Nop()
	}
	return &EventPublisher{
		log:    log.Named("audit-publisher"),
		writer: k.NewWriter(topic),
	}
}

// Attach subscribes the publisher to every event on the bus. Publishing
// happens on the subscriber goroutine; a broker outage slows the
// subscriber queue, never the emitter.
func (p *EventPublisher) Attach(bus *eventbus.Bus) {
	p.subID = bus.Subscribe(eventbus.Wildcard, func(ev eventbus.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.Publish(ctx, ev); err != nil {
			p.log.Warn("audit publish failed", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	})
}

// Publish writes one event to the audit topic, keyed by job id so each
// job's trail stays in a single partition.
func (p *EventPublisher) Publish(ctx context.Context, ev eventbus.Event) error {
	msg := AuditMessage{
		EventType:  string(ev.Type),
		JobID:      ev.JobID,
		PluginID:   ev.PluginID,
		Status:     ev.Status,
		Fields:     ev.Fields,
		OccurredAt: ev.OccurredAt,
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("audit publisher: marshal message: %w", err)
	}
	key := []byte(ev.JobID)
	if len(key) == 0 {
		key = []byte(ev.PluginID)
	}
	record := kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("audit publisher: write message: %w", err)
	}
	return nil
}

// Detach unsubscribes from the bus.
func (p *EventPublisher) Detach(bus *eventbus.Bus) {
	if p.subID != 0 {
		bus.Unsubscribe(p.subID)
		p.subID = 0
	}
}

// Close closes the underlying writer.
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}
