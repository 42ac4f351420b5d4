// Package manager orchestrates provider plugins: activation per
// capability slot, dispatch of jobs to the active outbound adapter, and
// the single chokepoint where every status observation is checked against
// the forward-only job state machine.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-fax-dispatch/internal/configstore"
	"github.com/acme/outbound-fax-dispatch/internal/domain"
	"github.com/acme/outbound-fax-dispatch/internal/eventbus"
	"github.com/acme/outbound-fax-dispatch/internal/plugin"
	"github.com/acme/outbound-fax-dispatch/internal/plugin/registry"
	"github.com/acme/outbound-fax-dispatch/internal/redact"
	"github.com/acme/outbound-fax-dispatch/internal/repository"
	"github.com/acme/outbound-fax-dispatch/internal/service/dedup"
	apperrors "github.com/acme/outbound-fax-dispatch/pkg/errors"
	"github.com/acme/outbound-fax-dispatch/pkg/logger"
)

// Options tunes manager construction.
type Options struct {
	HTTPClient      *http.Client
	CallbackBaseURL string
	SendTimeout     time.Duration
}

// WebhookRegistrar receives callback-route registrations as adapters
// with webhook capability start and stop.
type WebhookRegistrar interface {
	Register(pluginID, path string) string
	Unregister(path string)
}

// active is one started adapter occupying a slot. In-flight calls hold a
// reference so a reload can swap the slot immediately and stop the old
// instance only after they finish.
type active struct {
	pluginID    string
	inst        plugin.Plugin
	webhookPath string
	inflight    sync.WaitGroup
}

type slotState struct {
	mu      sync.RWMutex
	current *active
}

// Manager is the top-level plugin orchestrator.
type Manager struct {
	log      *logger.Logger
	registry *registry.Registry
	store    *configstore.Store
	ledger   repository.JobLedger
	bus      *eventbus.Bus
	deduper  dedup.Deduper
	opts     Options

	slots    map[domain.Slot]*slotState
	jobLocks *keyedMutex

	webhooks WebhookRegistrar
}

// SetWebhookRegistrar attaches the callback router. Must be called
// before Initialize so activations can register their routes.
func (m *Manager) SetWebhookRegistrar(reg WebhookRegistrar) {
	m.webhooks = reg
}

// New constructs a manager. Initialize must be called before dispatch.
func New(
	log *logger.Logger,
	reg *registry.Registry,
	store *configstore.Store,
	ledger repository.JobLedger,
	bus *eventbus.Bus,
	deduper dedup.Deduper,
	opts Options,
) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	slots := make(map[domain.Slot]*slotState, len(domain.Slots()))
	for _, slot := range domain.Slots() {
		slots[slot] = &slotState{}
	}
	return &Manager{
		log:      log.Named("manager"),
		registry: reg,
		store:    store,
		ledger:   ledger,
		bus:      bus,
		deduper:  deduper,
		opts:     opts,
		slots:    slots,
		jobLocks: newKeyedMutex(),
	}
}

func (m *Manager) deps() plugin.Deps {
	return plugin.Deps{
		Logger:          m.log,
		HTTP:            m.opts.HTTPClient,
		Events:          m.bus,
		CallbackBaseURL: m.opts.CallbackBaseURL,
	}
}

// Initialize reconciles slots with the configuration store: every
// enabled slot is activated and every disabled slot is deactivated. One
// slot's activation failure is isolated: it is logged, reported on the
// bus, and leaves that slot inactive without aborting the rest.
func (m *Manager) Initialize(ctx context.Context) error {
	cfg, err := m.store.Read()
	if err != nil {
		return fmt.Errorf("manager: read config: %w", err)
	}

	for _, slot := range domain.Slots() {
		sc, ok := cfg.Providers[slot]
		if !ok || !sc.Enabled || sc.Plugin == "" {
			m.Deactivate(slot)
			continue
		}
		if err := m.Activate(ctx, slot, sc.Plugin, sc.Settings); err != nil {
			m.log.Error("slot activation failed",
				zap.String("slot", string(slot)),
				zap.String("plugin_id", sc.Plugin),
				zap.Error(err))
			m.emit(eventbus.Event{
				Type:     eventbus.TypePluginFailed,
				PluginID: sc.Plugin,
				Fields:   map[string]string{"slot": string(slot)},
			})
		}
	}
	return nil
}

// Activate starts pluginID in the given slot, replacing any current
// occupant. On start failure the slot keeps its previous occupant.
func (m *Manager) Activate(ctx context.Context, slot domain.Slot, pluginID string, settings map[string]string) error {
	state, ok := m.slots[slot]
	if !ok {
		return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("manager: unknown slot %q", slot))
	}

	factory, err := m.registry.Factory(pluginID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrActivation, err.Error())
	}

	inst := factory()
	if err := inst.ValidateConfig(settings); err != nil {
		return apperrors.Wrap(apperrors.ErrActivation, err.Error())
	}
	if err := inst.Start(settings, m.deps()); err != nil {
		// Stop is safe after a partial start.
		inst.Stop()
		return apperrors.Wrap(apperrors.ErrActivation, err.Error())
	}

	next := &active{pluginID: pluginID, inst: inst}
	if m.webhooks != nil && hasCapability(inst.Manifest(), plugin.CapabilityWebhook) {
		next.webhookPath = m.webhooks.Register(pluginID, "")
	}

	state.mu.Lock()
	prev := state.current
	state.current = next
	state.mu.Unlock()

	if prev != nil {
		go m.retire(prev, slot)
	}

	m.log.Info("slot activated", zap.String("slot", string(slot)), zap.String("plugin_id", pluginID))
	m.emit(eventbus.Event{
		Type:     eventbus.TypePluginStarted,
		PluginID: pluginID,
		Fields:   map[string]string{"slot": string(slot)},
	})
	_ = ctx
	return nil
}

// retire waits out in-flight calls against a replaced instance, then
// stops it. The callback route is removed only if the plugin is no
// longer active anywhere; a same-plugin reload keeps its route.
func (m *Manager) retire(a *active, slot domain.Slot) {
	a.inflight.Wait()
	a.inst.Stop()
	if m.webhooks != nil && a.webhookPath != "" && !m.pluginActive(a.pluginID) {
		m.webhooks.Unregister(a.webhookPath)
	}
	m.emit(eventbus.Event{
		Type:     eventbus.TypePluginStopped,
		PluginID: a.pluginID,
		Fields:   map[string]string{"slot": string(slot)},
	})
}

// Deactivate stops the slot's occupant, if any.
func (m *Manager) Deactivate(slot domain.Slot) {
	state, ok := m.slots[slot]
	if !ok {
		return
	}
	state.mu.Lock()
	prev := state.current
	state.current = nil
	state.mu.Unlock()

	if prev != nil {
		m.retire(prev, slot)
		m.log.Info("slot deactivated", zap.String("slot", string(slot)), zap.String("plugin_id", prev.pluginID))
	}
}

func (m *Manager) pluginActive(pluginID string) bool {
	for _, slot := range domain.Slots() {
		state := m.slots[slot]
		state.mu.RLock()
		hit := state.current != nil && state.current.pluginID == pluginID
		state.mu.RUnlock()
		if hit {
			return true
		}
	}
	return false
}

func hasCapability(man plugin.Manifest, cap string) bool {
	for _, c := range man.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// acquire pins the slot's current instance for one call.
func (m *Manager) acquire(slot domain.Slot) (*active, error) {
	state, ok := m.slots[slot]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("manager: unknown slot %q", slot))
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	if state.current == nil {
		return nil, apperrors.Wrap(apperrors.ErrNoActiveProvider, fmt.Sprintf("manager: no active provider for slot %q", slot))
	}
	state.current.inflight.Add(1)
	return state.current, nil
}

// findPlugin pins the active instance with the given plugin id, in any
// slot. Used by webhook routing.
func (m *Manager) findPlugin(pluginID string) (*active, error) {
	for _, slot := range domain.Slots() {
		state := m.slots[slot]
		state.mu.RLock()
		if state.current != nil && state.current.pluginID == pluginID {
			state.current.inflight.Add(1)
			cur := state.current
			state.mu.RUnlock()
			return cur, nil
		}
		state.mu.RUnlock()
	}
	return nil, apperrors.Wrap(apperrors.ErrNoActiveProvider, fmt.Sprintf("manager: plugin %q is not active", pluginID))
}

// ActivePlugin reports the plugin id occupying a slot, if any.
func (m *Manager) ActivePlugin(slot domain.Slot) (string, bool) {
	state, ok := m.slots[slot]
	if !ok {
		return "", false
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	if state.current == nil {
		return "", false
	}
	return state.current.pluginID, true
}

// Send dispatches a job through the active outbound adapter. The job id
// in opts is honored when present; otherwise one is generated.
func (m *Manager) Send(ctx context.Context, destination, payloadRef string, opts plugin.SendOptions) (domain.SendResult, error) {
	a, err := m.acquire(domain.SlotOutbound)
	if err != nil {
		return domain.SendResult{}, err
	}
	defer a.inflight.Done()

	jobID := opts.JobID
	if jobID == "" {
		jobID = domain.NewJobID()
	}
	opts.JobID = jobID

	job := &domain.Job{
		ID:         jobID,
		To:         destination,
		PayloadRef: payloadRef,
		Status:     domain.JobStatusQueued,
		Backend:    a.pluginID,
	}
	if err := m.ledger.Create(ctx, job); err != nil {
		return domain.SendResult{}, fmt.Errorf("manager: record job: %w", err)
	}
	m.emit(eventbus.Event{Type: eventbus.TypeJobQueued, JobID: jobID, PluginID: a.pluginID, Status: string(domain.JobStatusQueued)})

	sendCtx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
	defer cancel()

	result, err := a.inst.Send(sendCtx, destination, payloadRef, opts)
	if err != nil {
		m.recordSendFailure(ctx, jobID, err)
		return domain.SendResult{}, err
	}

	unlock := m.jobLocks.lock(jobID)
	defer unlock()

	fresh, gerr := m.ledger.Get(ctx, jobID)
	if gerr == nil {
		fresh.ProviderSID = result.ProviderSID
		fresh.Backend = result.Backend
		if domain.CanTransition(fresh.Status, domain.JobStatusInProgress) {
			fresh.Status = domain.JobStatusInProgress
		}
		if uerr := m.ledger.Update(ctx, fresh); uerr != nil {
			m.log.Error("ledger update after send failed", zap.String("job_id", jobID), zap.Error(uerr))
		}
	}

	m.log.Info("job dispatched",
		zap.String("job_id", jobID),
		zap.String("plugin_id", a.pluginID),
		zap.String("to", redact.MaskNumber(destination)),
		zap.String("provider_sid", result.ProviderSID))
	m.emit(eventbus.Event{Type: eventbus.TypeJobSent, JobID: jobID, PluginID: a.pluginID, Status: string(domain.JobStatusInProgress)})

	return result, nil
}

// recordSendFailure marks the job failed for non-retryable errors and
// leaves it queued when the caller may retry.
func (m *Manager) recordSendFailure(ctx context.Context, jobID string, sendErr error) {
	if apperrors.Retryable(sendErr) {
		return
	}
	unlock := m.jobLocks.lock(jobID)
	defer unlock()

	job, err := m.ledger.Get(ctx, jobID)
	if err != nil {
		return
	}
	if !domain.CanTransition(job.Status, domain.JobStatusFailed) {
		return
	}
	job.Status = domain.JobStatusFailed
	msg := sendErr.Error()
	job.Error = &msg
	if err := m.ledger.Update(ctx, job); err != nil {
		m.log.Error("ledger update after send failure failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	m.emit(eventbus.Event{Type: eventbus.TypeJobFailed, JobID: jobID, Status: string(domain.JobStatusFailed)})
}

// GetStatus polls the provider for a job that is not yet terminal and
// applies any observed progress. Terminal jobs answer from the ledger
// without a provider round trip.
func (m *Manager) GetStatus(ctx context.Context, jobID string) (domain.StatusResult, error) {
	job, err := m.ledger.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrJobNotFound, fmt.Sprintf("manager: job %q", jobID))
		}
		return domain.StatusResult{}, err
	}

	if job.Status.Terminal() || job.UpdatesSuppressed {
		return statusOf(job), nil
	}

	a, err := m.acquire(domain.SlotOutbound)
	if err != nil {
		return domain.StatusResult{}, err
	}
	defer a.inflight.Done()

	res, err := a.inst.GetStatus(ctx, job.ID, job.ProviderSID)
	if err != nil {
		return domain.StatusResult{}, err
	}
	res.JobID = job.ID

	updated, _, err := m.applyObservation(ctx, a.pluginID, res)
	if err != nil {
		return domain.StatusResult{}, err
	}
	return statusOf(updated), nil
}

// SuppressUpdates stops further status observations from mutating a job.
// This is the local bookkeeping form of cancellation; no provider-side
// cancel is attempted.
func (m *Manager) SuppressUpdates(ctx context.Context, jobID string) error {
	unlock := m.jobLocks.lock(jobID)
	defer unlock()

	job, err := m.ledger.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.Wrap(apperrors.ErrJobNotFound, fmt.Sprintf("manager: job %q", jobID))
		}
		return err
	}
	job.UpdatesSuppressed = true
	return m.ledger.Update(ctx, job)
}

// HandleWebhook verifies and applies one provider callback through the
// plugin's own handler. Replays of an already-applied callback are
// acknowledged as duplicates without re-applying effects.
func (m *Manager) HandleWebhook(ctx context.Context, pluginID string, headers map[string]string, body []byte) (plugin.Ack, error) {
	a, err := m.findPlugin(pluginID)
	if err != nil {
		return plugin.Ack{}, err
	}
	defer a.inflight.Done()

	res, err := a.inst.HandleWebhook(headers, body)
	if err != nil {
		return plugin.Ack{}, err
	}

	key := dedup.Key(pluginID, body)
	if m.deduper != nil {
		seen, derr := m.deduper.Seen(ctx, key)
		if derr != nil {
			m.log.Warn("webhook dedup check failed", zap.String("plugin_id", pluginID), zap.Error(derr))
		} else if seen {
			m.emit(eventbus.Event{Type: eventbus.TypeJobDuplicate, JobID: res.JobID, PluginID: pluginID, Status: string(res.Status)})
			return plugin.Ack{JobID: res.JobID, Status: string(res.Status), Duplicate: true}, nil
		}
	}

	job, changed, err := m.applyObservation(ctx, pluginID, res)
	if err != nil {
		// The delivery's effects did not land; release the key so the
		// provider's retry of the same payload is not swallowed as a
		// replay.
		if m.deduper != nil {
			if ferr := m.deduper.Forget(ctx, key); ferr != nil {
				m.log.Warn("webhook dedup release failed", zap.String("plugin_id", pluginID), zap.Error(ferr))
			}
		}
		return plugin.Ack{}, err
	}
	return plugin.Ack{JobID: job.ID, Status: string(job.Status), Duplicate: !changed}, nil
}

// applyObservation is the forward-only transition chokepoint. It resolves
// the job (by id or provider correlation id), takes the per-job lock, and
// applies the observation only if it advances the state machine. A stale
// or repeated observation is a logged no-op, not an error.
func (m *Manager) applyObservation(ctx context.Context, pluginID string, res domain.StatusResult) (*domain.Job, bool, error) {
	var job *domain.Job
	var err error
	switch {
	case res.JobID != "":
		job, err = m.ledger.Get(ctx, res.JobID)
	case res.ProviderSID != "":
		job, err = m.ledger.GetByCorrelation(ctx, pluginID, res.ProviderSID)
	default:
		return nil, false, apperrors.Wrap(apperrors.ErrMalformedPayload, "manager: observation has no job reference")
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, apperrors.Wrap(apperrors.ErrJobNotFound, "manager: observation references unknown job")
		}
		return nil, false, err
	}

	unlock := m.jobLocks.lock(job.ID)
	defer unlock()

	// Re-read under the lock; a concurrent observation may have landed.
	job, err = m.ledger.Get(ctx, job.ID)
	if err != nil {
		return nil, false, err
	}

	if job.UpdatesSuppressed {
		m.log.Info("status update suppressed", zap.String("job_id", job.ID))
		return job, false, nil
	}

	if !domain.CanTransition(job.Status, res.Status) {
		if job.Status != res.Status {
			m.log.Info("stale status observation ignored",
				zap.String("job_id", job.ID),
				zap.String("current", string(job.Status)),
				zap.String("observed", string(res.Status)))
			m.emit(eventbus.Event{Type: eventbus.TypeJobDuplicate, JobID: job.ID, PluginID: pluginID, Status: string(job.Status)})
		}
		// Pages may arrive after the terminal transition already landed.
		if res.Pages != nil && job.Pages == nil && job.Status == domain.JobStatusSuccess {
			job.Pages = res.Pages
			if uerr := m.ledger.Update(ctx, job); uerr != nil {
				return nil, false, uerr
			}
		}
		return job, false, nil
	}

	job.Status = res.Status
	if res.ProviderSID != "" {
		job.ProviderSID = res.ProviderSID
	}
	if res.Pages != nil {
		job.Pages = res.Pages
	}
	if res.Error != "" {
		msg := res.Error
		job.Error = &msg
	}
	if err := m.ledger.Update(ctx, job); err != nil {
		return nil, false, err
	}

	switch job.Status {
	case domain.JobStatusSuccess:
		m.emit(eventbus.Event{Type: eventbus.TypeJobDelivered, JobID: job.ID, PluginID: pluginID, Status: string(job.Status)})
	case domain.JobStatusFailed:
		m.emit(eventbus.Event{Type: eventbus.TypeJobFailed, JobID: job.ID, PluginID: pluginID, Status: string(job.Status)})
	}
	return job, true, nil
}

// Reload re-activates every slot currently bound to pluginID using the
// latest settings from the configuration store. Slots bound to other
// plugins are untouched; in-flight calls against replaced instances
// complete before those instances stop.
func (m *Manager) Reload(ctx context.Context, pluginID string) error {
	cfg, err := m.store.Read()
	if err != nil {
		return fmt.Errorf("manager: read config: %w", err)
	}

	var errs []error
	for _, slot := range domain.Slots() {
		current, activeNow := m.ActivePlugin(slot)
		sc := cfg.Providers[slot]
		boundNow := activeNow && current == pluginID
		boundNext := sc.Enabled && sc.Plugin == pluginID

		switch {
		case boundNext:
			if err := m.Activate(ctx, slot, pluginID, sc.Settings); err != nil {
				errs = append(errs, fmt.Errorf("slot %s: %w", slot, err))
			}
		case boundNow && !boundNext:
			m.Deactivate(slot)
		}
	}
	if len(errs) > 0 {
		return apperrors.Wrap(errors.Join(errs...), fmt.Sprintf("manager: reload %q", pluginID))
	}
	return nil
}

// ExpireStalled fails queued jobs older than olderThan. A job stays
// queued only when the provider never accepted it (a retryable send
// failure the caller did not retry); past the window it is settled as
// FAILED so it does not linger unfinished forever. Returns the number of
// jobs expired.
func (m *Manager) ExpireStalled(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	jobs, err := m.ledger.ListInStatus(ctx, domain.JobStatusQueued, limit)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	expired := 0
	for _, stale := range jobs {
		if stale.UpdatesSuppressed || stale.CreatedAt.After(cutoff) {
			continue
		}

		unlock := m.jobLocks.lock(stale.ID)
		job, err := m.ledger.Get(ctx, stale.ID)
		if err != nil || job.Status != domain.JobStatusQueued {
			unlock()
			continue
		}
		job.Status = domain.JobStatusFailed
		msg := "send not accepted within the retry window"
		job.Error = &msg
		uerr := m.ledger.Update(ctx, job)
		unlock()
		if uerr != nil {
			m.log.Error("ledger update for stalled job failed", zap.String("job_id", job.ID), zap.Error(uerr))
			continue
		}

		expired++
		m.log.Warn("queued job expired",
			zap.String("job_id", job.ID),
			zap.String("plugin_id", job.Backend),
			zap.Time("created_at", job.CreatedAt))
		m.emit(eventbus.Event{Type: eventbus.TypeJobFailed, JobID: job.ID, PluginID: job.Backend, Status: string(job.Status)})
	}
	return expired, nil
}

// SlotHealth is one slot's contribution to the health report.
type SlotHealth struct {
	PluginID string `json:"plugin_id,omitempty"`
	Active   bool   `json:"active"`
	Healthy  bool   `json:"healthy"`
	Detail   string `json:"detail,omitempty"`
}

// HealthReport aggregates per-slot health.
type HealthReport struct {
	Healthy bool                       `json:"healthy"`
	Slots   map[domain.Slot]SlotHealth `json:"slots"`
}

// HealthCheck probes each active adapter that exposes a health probe. A
// failing adapter degrades the report without interrupting dispatch.
func (m *Manager) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{Healthy: true, Slots: map[domain.Slot]SlotHealth{}}
	for _, slot := range domain.Slots() {
		state := m.slots[slot]
		state.mu.RLock()
		cur := state.current
		if cur != nil {
			cur.inflight.Add(1)
		}
		state.mu.RUnlock()

		if cur == nil {
			report.Slots[slot] = SlotHealth{Active: false, Healthy: true}
			continue
		}

		sh := SlotHealth{PluginID: cur.pluginID, Active: true, Healthy: true}
		if probe, ok := cur.inst.(plugin.HealthChecker); ok {
			if err := probe.Health(ctx); err != nil {
				sh.Healthy = false
				sh.Detail = err.Error()
				report.Healthy = false
			}
		}
		cur.inflight.Done()
		report.Slots[slot] = sh
	}
	return report
}

// Shutdown deactivates every slot.
func (m *Manager) Shutdown() {
	for _, slot := range domain.Slots() {
		m.Deactivate(slot)
	}
}

func (m *Manager) emit(ev eventbus.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Emit(ev); err != nil {
		m.log.Warn("event emission rejected", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func statusOf(job *domain.Job) domain.StatusResult {
	res := domain.StatusResult{
		JobID:       job.ID,
		ProviderSID: job.ProviderSID,
		Status:      job.Status,
		Pages:       job.Pages,
	}
	if job.Error != nil {
		res.Error = *job.Error
	}
	return res
}
