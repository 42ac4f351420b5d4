// Package webhook routes provider callbacks to the plugin that owns
// them. Routing fails closed: a callback for a plugin that is not active
// is refused without reading its payload further, and a payload is
// trusted only after the owning plugin verifies its signature.
package webhook

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-fax-dispatch/internal/eventbus"
	"github.com/acme/outbound-fax-dispatch/internal/plugin"
	"github.com/acme/outbound-fax-dispatch/internal/plugin/manager"
	apperrors "github.com/acme/outbound-fax-dispatch/pkg/errors"
	"github.com/acme/outbound-fax-dispatch/pkg/logger"
)

const defaultRecentSize = 100

// Record is the retained metadata for one received callback. Payloads
// are never retained.
type Record struct {
	Path        string    `json:"path"`
	PluginID    string    `json:"plugin_id,omitempty"`
	JobID       string    `json:"job_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Outcome     string    `json:"outcome"`
	Duplicate   bool      `json:"duplicate,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Outcome values recorded per callback.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "signature_rejected"
	OutcomeUnknown   = "unknown_route"
	OutcomeError     = "processing_error"
	OutcomeMalformed = "malformed_payload"
)

// Router dispatches callbacks to active plugins and keeps a bounded
// in-memory trail of recent deliveries for operator inspection.
type Router struct {
	log     *logger.Logger
	mgr     *manager.Manager
	bus     *eventbus.Bus
	timeout time.Duration

	mu     sync.Mutex
	routes map[string]string
	recent []Record
	size   int
}

// New constructs a router. timeout bounds each callback's processing;
// zero means 30 seconds.
func New(log *logger.Logger, mgr *manager.Manager, bus *eventbus.Bus, timeout time.Duration) *Router {
	if log == nil {
		log = logger.Nop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Router{
		log:     log.Named("webhook"),
		mgr:     mgr,
		bus:     bus,
		timeout: timeout,
		routes:  map[string]string{},
		size:    defaultRecentSize,
	}
}

// Register binds a callback path to a plugin and returns the path. An
// empty path defaults to "/webhooks/<pluginID>". Called when an adapter
// with webhook capability starts.
func (r *Router) Register(pluginID, path string) string {
	if path == "" {
		path = "/webhooks/" + pluginID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[path] = pluginID
	return path
}

// Unregister removes a callback path. Called when the owning adapter
// stops.
func (r *Router) Unregister(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, path)
}

func (r *Router) resolve(path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.routes[path]
	return id, ok
}

// Dispatch hands one callback to the plugin registered for path. An
// unregistered path fails closed without reading the payload. The
// returned error classifies the failure for HTTP mapping; the Record is
// always retained regardless of outcome.
func (r *Router) Dispatch(ctx context.Context, path string, headers map[string]string, body []byte) (plugin.Ack, error) {
	path = strings.TrimSpace(path)
	contentType := headerValue(headers, "Content-Type")

	pluginID, ok := r.resolve(path)
	if !ok {
		err := apperrors.Wrap(apperrors.ErrUnknownRoute, "webhook: no plugin registered for path")
		r.record(Record{Path: path, ContentType: contentType, Outcome: OutcomeUnknown})
		r.emit(eventbus.Event{Type: eventbus.TypeWebhookUnknown})
		return plugin.Ack{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ack, err := r.mgr.HandleWebhook(cctx, pluginID, headers, body)
	if err != nil {
		outcome, evType := classify(err)
		r.record(Record{Path: path, PluginID: pluginID, ContentType: contentType, Outcome: outcome})
		r.emit(eventbus.Event{Type: evType, PluginID: pluginID})
		r.log.Warn("callback refused",
			zap.String("plugin_id", pluginID),
			zap.String("outcome", outcome),
			zap.Error(err))
		return plugin.Ack{}, err
	}

	outcome := OutcomeApplied
	if ack.Duplicate {
		outcome = OutcomeDuplicate
	}
	r.record(Record{
		Path:        path,
		PluginID:    pluginID,
		JobID:       ack.JobID,
		Status:      ack.Status,
		ContentType: contentType,
		Outcome:     outcome,
		Duplicate:   ack.Duplicate,
	})
	r.emit(eventbus.Event{Type: eventbus.TypeWebhookVerified, PluginID: pluginID, JobID: ack.JobID, Status: ack.Status})
	r.log.Info("callback applied",
		zap.String("plugin_id", pluginID),
		zap.String("job_id", ack.JobID),
		zap.String("status", ack.Status),
		zap.Bool("duplicate", ack.Duplicate))
	return ack, nil
}

// Recent returns the most recent callback records, newest first. limit
// of zero or less returns all retained records.
func (r *Router) Recent(limit int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		out[i] = r.recent[len(r.recent)-1-i]
	}
	return out
}

func (r *Router) record(rec Record) {
	rec.ReceivedAt = time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recent = append(r.recent, rec)
	if len(r.recent) > r.size {
		r.recent = r.recent[len(r.recent)-r.size:]
	}
}

func (r *Router) emit(ev eventbus.Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Emit(ev); err != nil {
		r.log.Warn("event emission rejected", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func classify(err error) (string, eventbus.Type) {
	switch {
	case apperrors.Is(err, apperrors.ErrInvalidSignature):
		return OutcomeRejected, eventbus.TypeWebhookRejected
	case apperrors.Is(err, apperrors.ErrNoActiveProvider), apperrors.Is(err, apperrors.ErrUnknownRoute):
		return OutcomeUnknown, eventbus.TypeWebhookUnknown
	case apperrors.Is(err, apperrors.ErrMalformedPayload), apperrors.Is(err, apperrors.ErrJobNotFound):
		return OutcomeMalformed, eventbus.TypeWebhookError
	default:
		return OutcomeError, eventbus.TypeWebhookError
	}
}
