package manager

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/acme/outbound-fax-dispatch/internal/configstore"
	"github.com/acme/outbound-fax-dispatch/internal/domain"
	"github.com/acme/outbound-fax-dispatch/internal/eventbus"
	"github.com/acme/outbound-fax-dispatch/internal/plugin"
	"github.com/acme/outbound-fax-dispatch/internal/plugin/registry"
	"github.com/acme/outbound-fax-dispatch/internal/provider/faketx"
	"github.com/acme/outbound-fax-dispatch/internal/repository/memory"
	"github.com/acme/outbound-fax-dispatch/internal/service/dedup"
	apperrors "github.com/acme/outbound-fax-dispatch/pkg/errors"
)

type harness struct {
	mgr    *Manager
	store  *configstore.Store
	ledger *memory.JobLedger
	bus    *eventbus.Bus

	// every faketx instance the registry factory produced, oldest first
	instances *[]*faketx.Provider
}

// latest returns the most recently created faketx instance.
func (h *harness) latest(t *testing.T) *faketx.Provider {
	t.Helper()
	if len(*h.instances) == 0 {
		t.Fatal("no faketx instance created yet")
	}
	return (*h.instances)[len(*h.instances)-1]
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	store, err := configstore.New(configstore.Options{
		Path:      filepath.Join(dir, "providers.json"),
		BackupDir: filepath.Join(dir, "backups"),
	}, nil)
	if err != nil {
		t.Fatalf("configstore: %v", err)
	}

	instances := &[]*faketx.Provider{}
	reg := registry.New(nil)
	err = reg.Register(func() plugin.Plugin {
		p := faketx.New()
		*instances = append(*instances, p)
		return p
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ledger := memory.NewJobLedger()
	bus := eventbus.New(nil)
	t.Cleanup(bus.Close)

	mgr := New(nil, reg, store, ledger, bus, dedup.NewMemory(time.Minute), Options{})
	t.Cleanup(mgr.Shutdown)

	return &harness{mgr: mgr, store: store, ledger: ledger, bus: bus, instances: instances}
}

func (h *harness) activateOutbound(t *testing.T, settings map[string]string) {
	t.Helper()
	if settings == nil {
		settings = map[string]string{"webhook_secret": "s"}
	}
	if err := h.mgr.Activate(context.Background(), domain.SlotOutbound, faketx.ID, settings); err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func (h *harness) send(t *testing.T) domain.SendResult {
	t.Helper()
	res, err := h.mgr.Send(context.Background(), "+155500011234", "doc://payload-1", plugin.SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return res
}

func signedWebhook(t *testing.T, secret, sid, jobID, status string, pages *int) ([]byte, map[string]string) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"sid":    sid,
		"job_id": jobID,
		"status": status,
		"pages":  pages,
	})
	if err != nil {
		t.Fatalf("marshal webhook: %v", err)
	}
	headers := map[string]string{"X-Faketx-Signature": faketx.Sign(secret, body)}
	return body, headers
}

func TestSendCreatesInProgressJob(t *testing.T) {
	h := newHarness(t)
	h.activateOutbound(t, nil)

	res := h.send(t)
	if !res.Accepted || res.ProviderSID == "" {
		t.Fatalf("expected accepted result with sid, got %+v", res)
	}

	job, err := h.ledger.Get(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobStatusInProgress {
		t.Fatalf("expected in_progress, got %s", job.Status)
	}
	if job.Backend != faketx.ID || job.ProviderSID != res.ProviderSID {
		t.Fatalf("correlation not recorded: %+v", job)
	}
}

func TestSendWithoutActiveProvider(t *testing.T) {
	h := newHarness(t)

	_, err := h.mgr.Send(context.Background(), "+155500011234", "doc://p", plugin.SendOptions{})
	if !apperrors.Is(err, apperrors.ErrNoActiveProvider) {
		t.Fatalf("expected no active provider, got %v", err)
	}
}

func TestNonRetryableSendFailureMarksJobFailed(t *testing.T) {
	h := newHarness(t)
	h.activateOutbound(t, nil)

	_, err := h.mgr.Send(context.Background(), "not a number!!", "doc://p", plugin.SendOptions{})
	if !apperrors.Is(err, apperrors.ErrInvalidDestination) {
		t.Fatalf("expected invalid destination, got %v", err)
	}

	jobs, err := h.ledger.ListInStatus(context.Background(), domain.JobStatusFailed, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 failed job, got %d", len(jobs))
	}
}

func TestRetryableSendFailureLeavesJobQueued(t *testing.T) {
	h := newHarness(t)
	h.activateOutbound(t, nil)
	h.latest(t).FailNextSend(apperrors.Wrap(apperrors.ErrProviderUnavailable, "faketx: outage injected"))

	_, err := h.mgr.Send(context.Background(), "+155500011234", "doc://p", plugin.SendOptions{})
	if !apperrors.Is(err, apperrors.ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}

	jobs, err := h.ledger.ListInStatus(context.Background(), domain.JobStatusQueued, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected job left queued for retry, got %d queued", len(jobs))
	}
}

func TestWebhookAdvancesJobToSuccess(t *testing.T) {
	h := newHarness(t)
	h.activateOutbound(t, nil)
	res := h.send(t)

	pages := 3
	body, headers := signedWebhook(t, "s", res.ProviderSID, res.JobID, "success", &pages)

	ack, err := h.mgr.HandleWebhook(context.Background(), faketx.ID, headers, body)
	if err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if ack.Duplicate {
		t.Fatal("first delivery flagged as duplicate")
	}

	job, err := h.ledger.Get(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", job.Status)
	}
	if job.Pages == nil || *job.Pages != 3 {
		t.Fatalf("pages not recorded: %+v", job.Pages)
	}
}

func TestWebhookReplayIsDuplicate(t *testing.T) {
	h := newHarness(t)
	h.activateOutbound(t, nil)
	res := h.send(t)

	body, headers := signedWebhook(t, "s", res.ProviderSID, res.JobID, "success", nil)

	if _, err := h.mgr.HandleWebhook(context.Background(), faketx.ID, headers, body); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	ack, err := h.mgr.HandleWebhook(context.Background(), faketx.ID, headers, body)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !ack.Duplicate {
		t.Fatal("replayed delivery not flagged as duplicate")
	}
}

// flakyLedger fails a scripted number of Update calls before delegating.
type flakyLedger struct {
	*memory.JobLedger

	mu          sync.Mutex
	failUpdates int
}

func (l *flakyLedger) failNextUpdate() {
	l.mu.Lock()
	l.failUpdates++
	l.mu.Unlock()
}

func (l *flakyLedger) Update(ctx context.Context, job *domain.Job) error {
	l.mu.Lock()
	if l.failUpdates > 0 {
		l.failUpdates--
		l.mu.Unlock()
		return errors.New("ledger temporarily unavailable")
	}
	l.mu.Unlock()
	return l.JobLedger.Update(ctx, job)
}

func TestWebhookRetryAppliesAfterFailedApply(t *testing.T) {
	dir := t.TempDir()
	store, err := configstore.New(configstore.Options{
		Path:      filepath.Join(dir, "providers.json"),
		BackupDir: filepath.Join(dir, "backups"),
	}, nil)
	if err != nil {
		t.Fatalf("configstore: %v", err)
	}

	reg := registry.New(nil)
	if err := reg.Register(faketx.Factory()); err != nil {
		t.Fatalf("register: %v", err)
	}

	ledger := &flakyLedger{JobLedger: memory.NewJobLedger()}
	bus := eventbus.New(nil)
	t.Cleanup(bus.Close)

	mgr := New(nil, reg, store, ledger, bus, dedup.NewMemory(time.Minute), Options{})
	t.Cleanup(mgr.Shutdown)

	if err := mgr.Activate(context.Background(), domain.SlotOutbound, faketx.ID, map[string]string{"webhook_secret": "s"}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	res, err := mgr.Send(context.Background(), "+155500011234", "doc://p", plugin.SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	body, headers := signedWebhook(t, "s", res.ProviderSID, res.JobID, "success", nil)

	ledger.failNextUpdate()
	if _, err := mgr.HandleWebhook(context.Background(), faketx.ID, headers, body); err == nil {
		t.Fatal("expected apply failure on first delivery")
	}

	// The provider retries the identical payload; it must apply, not be
	// swallowed as a replay of the failed delivery.
	ack, err := mgr.HandleWebhook(context.Background(), faketx.ID, headers, body)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if ack.Duplicate {
		t.Fatal("retry of an unapplied delivery acked as duplicate")
	}

	job, err := ledger.Get(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobStatusSuccess {
		t.Fatalf("retry did not settle the job, status %s", job.Status)
	}
}

func TestWebhookBadSignatureRejected(t *testing.T) {
	h := newHarness(t)
	h.activateOutbound(t, nil)
	res := h.send(t)

	body, _ := signedWebhook(t, "s", res.ProviderSID, res.JobID, "success", nil)
	headers := map[string]string{"X-Faketx-Signature": faketx.Sign("wrong-secret", body)}

	_, err := h.mgr.HandleWebhook(context.Background(), faketx.ID, headers, body)
	if !apperrors.Is(err, apperrors.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	job, err := h.ledger.Get(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobStatusInProgress {
		t.Fatalf("unverified callback must not change state, got %s", job.Status)
	}
}

func TestStaleObservationIgnoredAfterTerminal(t *testing.T) {
	h := newHarness(t)
	h.activateOutbound(t, nil)
	res := h.send(t)

	body, headers := signedWebhook(t, "s", res.ProviderSID, res.JobID, "failed", nil)
	if _, err := h.mgr.HandleWebhook(context.Background(), faketx.ID, headers, body); err != nil {
		t.Fatalf("terminal callback: %v", err)
	}

	// A lagging success observation must not resurrect the job.
	body2, headers2 := signedWebhook(t, "s", res.ProviderSID, res.JobID, "success", nil)
	ack, err := h.mgr.HandleWebhook(context.Background(), faketx.ID, headers2, body2)
	if err != nil {
		t.Fatalf("stale callback: %v", err)
	}
	if !ack.Duplicate {
		t.Fatal("stale observation should acknowledge as duplicate")
	}

	job, _ := h.ledger.Get(context.Background(), res.JobID)
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("terminal state overwritten: %s", job.Status)
	}
}

func TestGetStatusPollsProvider(t *testing.T) {
	h := newHarness(t)
	h.activateOutbound(t, nil)
	res := h.send(t)

	pages := 2
	h.latest(t).ScriptStatus(res.ProviderSID, domain.StatusResult{
		Status: domain.JobStatusSuccess,
		Pages:  &pages,
	})

	got, err := h.mgr.GetStatus(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if got.Status != domain.JobStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", got.Status)
	}

	// Terminal now: a second call answers from the ledger even though the
	// provider would report something else.
	h.latest(t).ScriptStatus(res.ProviderSID, domain.StatusResult{Status: domain.JobStatusQueued})
	again, err := h.mgr.GetStatus(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("get status again: %v", err)
	}
	if again.Status != domain.JobStatusSuccess {
		t.Fatalf("terminal job re-polled the provider: %s", again.Status)
	}
}

func TestGetStatusUnknownJob(t *testing.T) {
	h := newHarness(t)
	h.activateOutbound(t, nil)

	_, err := h.mgr.GetStatus(context.Background(), "no-such-job")
	if !apperrors.Is(err, apperrors.ErrJobNotFound) {
		t.Fatalf("expected job not found, got %v", err)
	}
}

func TestSuppressUpdatesBlocksObservations(t *testing.T) {
	h := newHarness(t)
	h.activateOutbound(t, nil)
	res := h.send(t)

	if err := h.mgr.SuppressUpdates(context.Background(), res.JobID); err != nil {
		t.Fatalf("suppress: %v", err)
	}

	body, headers := signedWebhook(t, "s", res.ProviderSID, res.JobID, "success", nil)
	ack, err := h.mgr.HandleWebhook(context.Background(), faketx.ID, headers, body)
	if err != nil {
		t.Fatalf("webhook after suppression: %v", err)
	}
	if !ack.Duplicate {
		t.Fatal("suppressed job should acknowledge without applying")
	}

	job, _ := h.ledger.Get(context.Background(), res.JobID)
	if job.Status != domain.JobStatusInProgress {
		t.Fatalf("suppressed job mutated: %s", job.Status)
	}
}

func TestActivationFailureIsIsolated(t *testing.T) {
	h := newHarness(t)

	err := h.mgr.Activate(context.Background(), domain.SlotOutbound, faketx.ID, map[string]string{
		"webhook_secret": "s",
		"fail_start":     "true",
	})
	if !apperrors.Is(err, apperrors.ErrActivation) {
		t.Fatalf("expected activation error, got %v", err)
	}
	if _, ok := h.mgr.ActivePlugin(domain.SlotOutbound); ok {
		t.Fatal("failed activation must leave the slot empty")
	}

	// A later valid activation succeeds.
	h.activateOutbound(t, nil)
	if id, ok := h.mgr.ActivePlugin(domain.SlotOutbound); !ok || id != faketx.ID {
		t.Fatalf("slot not recovered: %q %v", id, ok)
	}
}

func TestActivateUnknownPlugin(t *testing.T) {
	h := newHarness(t)
	err := h.mgr.Activate(context.Background(), domain.SlotOutbound, "no-such-plugin", nil)
	if !apperrors.Is(err, apperrors.ErrActivation) {
		t.Fatalf("expected activation error, got %v", err)
	}
}

func TestInitializeActivatesEnabledSlots(t *testing.T) {
	h := newHarness(t)

	cfg := configstore.Default(faketx.ID, map[string]string{"webhook_secret": "boot"})
	if err := h.store.Write(cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	if err := h.mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if id, ok := h.mgr.ActivePlugin(domain.SlotOutbound); !ok || id != faketx.ID {
		t.Fatalf("outbound slot not activated: %q %v", id, ok)
	}
	if got := h.latest(t).Settings()["webhook_secret"]; got != "boot" {
		t.Fatalf("instance started with wrong settings: %q", got)
	}
}

func TestInitializeIsolatesFailingSlot(t *testing.T) {
	h := newHarness(t)

	cfg := configstore.Default(faketx.ID, map[string]string{"webhook_secret": "s"})
	cfg.Providers[domain.SlotInbound] = configstore.SlotConfig{
		Plugin:  faketx.ID,
		Enabled: true,
		Settings: map[string]string{
			"webhook_secret": "s",
			"fail_start":     "true",
		},
	}
	if err := h.store.Write(cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	if err := h.mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize must not abort on one slot: %v", err)
	}
	if _, ok := h.mgr.ActivePlugin(domain.SlotInbound); ok {
		t.Fatal("failing slot should be left inactive")
	}
	if id, ok := h.mgr.ActivePlugin(domain.SlotOutbound); !ok || id != faketx.ID {
		t.Fatalf("healthy slot not activated: %q %v", id, ok)
	}
}

func TestInitializeDeactivatesDisabledSlot(t *testing.T) {
	h := newHarness(t)
	h.activateOutbound(t, nil)

	if err := h.store.Write(configstore.Default("", nil)); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := h.mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, ok := h.mgr.ActivePlugin(domain.SlotOutbound); ok {
		t.Fatal("disabled slot still active after reconcile")
	}
}

func TestReloadPicksUpFreshSettings(t *testing.T) {
	h := newHarness(t)

	cfg := configstore.Default(faketx.ID, map[string]string{"webhook_secret": "old"})
	if err := h.store.Write(cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	if err := h.mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	before := len(*h.instances)

	next := configstore.Default(faketx.ID, map[string]string{"webhook_secret": "new"})
	if err := h.store.Write(next); err != nil {
		t.Fatalf("write new config: %v", err)
	}
	if err := h.mgr.Reload(context.Background(), faketx.ID); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if len(*h.instances) <= before {
		t.Fatal("reload did not create a fresh instance")
	}
	if got := h.latest(t).Settings()["webhook_secret"]; got != "new" {
		t.Fatalf("reload did not apply fresh settings: %q", got)
	}
}

func TestReloadCompletesInFlightSend(t *testing.T) {
	h := newHarness(t)

	cfg := configstore.Default(faketx.ID, map[string]string{"webhook_secret": "old"})
	if err := h.store.Write(cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	if err := h.mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	old := h.latest(t)
	entered, release := old.HoldSends()

	type outcome struct {
		res domain.SendResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.mgr.Send(context.Background(), "+155500011234", "doc://p", plugin.SendOptions{})
		done <- outcome{res, err}
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("send never reached the old instance")
	}

	next := configstore.Default(faketx.ID, map[string]string{"webhook_secret": "new"})
	if err := h.store.Write(next); err != nil {
		t.Fatalf("write new config: %v", err)
	}
	if err := h.mgr.Reload(context.Background(), faketx.ID); err != nil {
		t.Fatalf("reload: %v", err)
	}

	// Reload swapped the slot without waiting for the held send.
	select {
	case out := <-done:
		t.Fatalf("held send finished before release: %+v", out)
	default:
	}
	if got := h.latest(t).Settings()["webhook_secret"]; got != "new" {
		t.Fatalf("reload did not install fresh settings: %q", got)
	}

	release()

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("in-flight send failed across reload: %v", out.err)
		}
		if out.res.ProviderSID == "" {
			t.Fatalf("in-flight send returned no correlation id: %+v", out.res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight send did not complete after release")
	}
}

func TestExpireStalledFailsOldQueuedJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stale := &domain.Job{
		ID:         "stale",
		To:         "+155500011234",
		PayloadRef: "doc://p",
		Status:     domain.JobStatusQueued,
		Backend:    faketx.ID,
		CreatedAt:  time.Now().UTC().Add(-time.Hour),
	}
	fresh := &domain.Job{
		ID:         "fresh",
		To:         "+155500011234",
		PayloadRef: "doc://p",
		Status:     domain.JobStatusQueued,
		Backend:    faketx.ID,
	}
	suppressed := &domain.Job{
		ID:                "suppressed",
		To:                "+155500011234",
		PayloadRef:        "doc://p",
		Status:            domain.JobStatusQueued,
		Backend:           faketx.ID,
		UpdatesSuppressed: true,
		CreatedAt:         time.Now().UTC().Add(-time.Hour),
	}
	for _, job := range []*domain.Job{stale, fresh, suppressed} {
		if err := h.ledger.Create(ctx, job); err != nil {
			t.Fatalf("create %s: %v", job.ID, err)
		}
	}

	expired, err := h.mgr.ExpireStalled(ctx, 10*time.Minute, 50)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected exactly one expiry, got %d", expired)
	}

	got, _ := h.ledger.Get(ctx, "stale")
	if got.Status != domain.JobStatusFailed || got.Error == nil {
		t.Fatalf("stale job not settled: %+v", got)
	}
	if got, _ := h.ledger.Get(ctx, "fresh"); got.Status != domain.JobStatusQueued {
		t.Fatalf("fresh queued job must survive, got %s", got.Status)
	}
	if got, _ := h.ledger.Get(ctx, "suppressed"); got.Status != domain.JobStatusQueued {
		t.Fatalf("suppressed job must not be expired, got %s", got.Status)
	}
}

func TestReloadDeactivatesUnboundPlugin(t *testing.T) {
	h := newHarness(t)
	h.activateOutbound(t, nil)

	cfg := configstore.Default("", nil)
	if err := h.store.Write(cfg); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := h.mgr.Reload(context.Background(), faketx.ID); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := h.mgr.ActivePlugin(domain.SlotOutbound); ok {
		t.Fatal("plugin still active after its binding was removed")
	}
}

func TestHealthCheckReportsSlots(t *testing.T) {
	h := newHarness(t)
	h.activateOutbound(t, nil)

	report := h.mgr.HealthCheck(context.Background())
	if !report.Healthy {
		t.Fatalf("expected healthy report, got %+v", report)
	}
	slot := report.Slots[domain.SlotOutbound]
	if !slot.Active || slot.PluginID != faketx.ID {
		t.Fatalf("outbound slot misreported: %+v", slot)
	}
}
