// Package eventbus is the in-process publish/subscribe channel for job
// lifecycle notifications. Events carry identifiers and status codes
// only; anything matching a sensitive-data pattern is rejected at emit
// time, before queueing.
package eventbus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-fax-dispatch/internal/redact"
	apperrors "github.com/acme/outbound-fax-dispatch/pkg/errors"
	"github.com/acme/outbound-fax-dispatch/pkg/logger"
)

// Type names a category of lifecycle event.
type Type string

const (
	TypeJobQueued        Type = "job.queued"
	TypeJobSent          Type = "job.sent"
	TypeJobDelivered     Type = "job.delivered"
	TypeJobFailed        Type = "job.failed"
	TypeJobDuplicate     Type = "job.duplicate_update"
	TypePluginStarted    Type = "plugin.started"
	TypePluginStopped    Type = "plugin.stopped"
	TypePluginFailed     Type = "plugin.activation_failed"
	TypeWebhookVerified  Type = "webhook.verified"
	TypeWebhookRejected  Type = "webhook.signature_rejected"
	TypeWebhookError     Type = "webhook.processing_error"
	TypeWebhookUnknown   Type = "webhook.unknown_route"
	TypeConfigWritten    Type = "config.written"
	TypeConfigRolledBack Type = "config.rolled_back"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Event is one lifecycle notification.
type Event struct {
	Type       Type              `json:"type"`
	JobID      string            `json:"job_id,omitempty"`
	PluginID   string            `json:"plugin_id,omitempty"`
	Status     string            `json:"status,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Handler consumes events. A single handler observes its events in
// emission order.
type Handler func(Event)

type subscriber struct {
	id      int64
	evType  string
	handler Handler
	ch      chan Event
	done    chan struct{}
}

// Bus dispatches events asynchronously with per-subscriber ordering. A
// slow subscriber's queue fills and further events for it are dropped and
// counted rather than blocking the emitter.
type Bus struct {
	log       *logger.Logger
	queueSize int
	histSize  int

	mu      sync.RWMutex
	subs    map[int64]*subscriber
	nextID  int64
	history []Event
	closed  bool

	dropped atomic.Int64
}

// Option tunes bus construction.
type Option func(*Bus)

// WithQueueSize bounds each subscriber's queue depth.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithHistorySize bounds the retained event history.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.histSize = n
		}
	}
}

// New constructs an event bus.
func New(log *logger.Logger, opts ...Option) *Bus {
	if log == nil {
		log = logger.Nop()
	}
	b := &Bus{
		log:       log.Named("eventbus"),
		queueSize: 256,
		histSize:  512,
		subs:      map[int64]*subscriber{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for one event type, or every type with
// Wildcard. The returned id unsubscribes.
func (b *Bus) Subscribe(evType string, handler Handler) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{
		id:      b.nextID,
		evType:  evType,
		handler: handler,
		ch:      make(chan Event, b.queueSize),
		done:    make(chan struct{}),
	}
	b.subs[sub.id] = sub

	go func() {
		defer close(sub.done)
		for ev := range sub.ch {
			sub.handler(ev)
		}
	}()

	return sub.id
}

// Unsubscribe removes a subscription and waits for its queue to drain.
func (b *Bus) Unsubscribe(id int64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	close(sub.ch)
	<-sub.done
}

// Emit publishes an event. It never blocks on subscribers; events for a
// full subscriber queue are dropped and counted. Events carrying
// sensitive-looking data are rejected before queueing.
func (b *Bus) Emit(ev Event) error {
	if err := checkSafe(ev); err != nil {
		b.log.Warn("event rejected", zap.String("type", string(ev.Type)), zap.Error(err))
		return err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("eventbus: closed")
	}
	b.history = append(b.history, ev)
	if len(b.history) > b.histSize {
		b.history = b.history[len(b.history)-b.histSize:]
	}
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.evType == Wildcard || sub.evType == string(ev.Type) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.log.Warn("subscriber queue full, event dropped",
				zap.Int64("subscriber_id", sub.id), zap.String("type", string(ev.Type)))
		}
	}
	return nil
}

// History returns up to limit recent events, newest last, optionally
// filtered by type.
func (b *Bus) History(evType string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, ev := range b.history {
		if evType == "" || evType == Wildcard || evType == string(ev.Type) {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Dropped returns the count of events discarded due to full queues.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops dispatch and drains all subscriber queues.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
		<-sub.done
	}
}

func checkSafe(ev Event) error {
	if redact.ContainsSensitiveValue(ev.Status) || redact.ContainsSensitiveValue(ev.Error()) {
		return apperrors.Wrap(apperrors.ErrValidation, "eventbus: event contains sensitive data")
	}
	for name, value := range ev.Fields {
		if redact.IsSensitiveField(name) || redact.ContainsSensitiveValue(value) {
			return apperrors.Wrap(apperrors.ErrValidation,
				fmt.Sprintf("eventbus: event field %q contains sensitive data", name))
		}
	}
	return nil
}

// Error returns the error field, if any.
func (e Event) Error() string {
	if e.Fields == nil {
		return ""
	}
	return e.Fields["error"]
}
