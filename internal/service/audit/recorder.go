// Package audit persists lifecycle events as an append-only trail.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-fax-dispatch/internal/eventbus"
	"github.com/acme/outbound-fax-dispatch/internal/repository"
	"github.com/acme/outbound-fax-dispatch/pkg/logger"
)

// Recorder subscribes to the event bus and appends each event to the
// audit store. Events carry identifiers only, so the trail stays free of
// payload content and credentials.
type Recorder struct {
	log   *logger.Logger
	store repository.AuditStore
	subID int64
}

// NewRecorder constructs a recorder over the given store.
func NewRecorder(log *logger.Logger, store repository.AuditStore) *Recorder {
	if log == nil {
		log = logger.Nop()
	}
	return &Recorder{log: log.Named("audit"), store: store}
}

// Attach subscribes the recorder to every event on the bus.
func (r *Recorder) Attach(bus *eventbus.Bus) {
	r.subID = bus.Subscribe(eventbus.Wildcard, func(ev eventbus.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		rec := repository.AuditRecord{
			EventType:  string(ev.Type),
			JobID:      ev.JobID,
			PluginID:   ev.PluginID,
			Status:     ev.Status,
			Detail:     ev.Error(),
			OccurredAt: ev.OccurredAt,
		}
		if err := r.store.Append(ctx, rec); err != nil {
			r.log.Warn("audit append failed", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	})
}

// Detach unsubscribes from the bus.
func (r *Recorder) Detach(bus *eventbus.Bus) {
	if r.subID != 0 {
		bus.Unsubscribe(r.subID)
		r.subID = 0
	}
}
