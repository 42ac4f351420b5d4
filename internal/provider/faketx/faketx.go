// Package faketx is a loopback transmission provider used in tests and
// local development. It accepts every well-formed job immediately, echoes
// its settings, and lets tests script status observations and signed
// webhook callbacks.
package faketx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/acme/outbound-fax-dispatch/internal/domain"
	"github.com/acme/outbound-fax-dispatch/internal/plugin"
	apperrors "github.com/acme/outbound-fax-dispatch/pkg/errors"
)

const (
	// ID is the stable plugin identifier.
	ID = "faketx"

	signatureHeader = "X-Faketx-Signature"
)

// Provider simulates a transmission provider in-process.
type Provider struct {
	mu       sync.Mutex
	settings map[string]string
	started  bool
	nextSID  int

	// Scripted observations keyed by provider sid.
	statuses map[string]domain.StatusResult

	// Failure injection.
	failStart bool
	failSend  error

	// Send hold point, for drain tests.
	sendHold    chan struct{}
	sendEntered chan struct{}
}

// Factory returns the plugin factory for the loopback provider.
func Factory() plugin.Factory {
	return func() plugin.Plugin { return New() }
}

// New constructs an unstarted loopback provider.
func New() *Provider {
	return &Provider{statuses: map[string]domain.StatusResult{}}
}

// Manifest implements plugin.Plugin.
func (p *Provider) Manifest() plugin.Manifest {
	return plugin.Manifest{
		ID:          ID,
		Name:        "Loopback",
		Version:     "1.0.0",
		Description: "In-process loopback provider for tests and development",
		Categories:  []string{"outbound"},
		Capabilities: []string{
			plugin.CapabilitySend,
			plugin.CapabilityGetStatus,
			plugin.CapabilityWebhook,
		},
		ConfigSchema: []plugin.SettingSpec{
			{Name: "webhook_secret", Type: "string", Required: true, Secret: true},
			{Name: "fail_start", Type: "bool"},
		},
	}
}

// ValidateConfig implements plugin.Plugin.
func (p *Provider) ValidateConfig(settings map[string]string) error {
	if settings["webhook_secret"] == "" {
		return apperrors.Wrap(apperrors.ErrValidation, "faketx: missing required settings [webhook_secret]")
	}
	return nil
}

// Start implements plugin.Plugin. Setting fail_start=true injects an
// activation failure for isolation tests.
func (p *Provider) Start(settings map[string]string, _ plugin.Deps) error {
	if err := p.ValidateConfig(settings); err != nil {
		return err
	}
	if settings["fail_start"] == "true" || p.failStart {
		return apperrors.Wrap(apperrors.ErrActivation, "faketx: start failure injected")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings = settings
	p.started = true
	return nil
}

// Stop implements plugin.Plugin.
func (p *Provider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
}

// Settings returns the settings the provider was started with. Tests use
// this to verify a reload picked up fresh configuration.
func (p *Provider) Settings() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.settings))
	for k, v := range p.settings {
		out[k] = v
	}
	return out
}

// HoldSends makes every subsequent Send block just before returning.
// The returned channel receives one value each time a Send reaches the
// hold point; release unblocks all held and future sends.
func (p *Provider) HoldSends() (entered <-chan struct{}, release func()) {
	hold := make(chan struct{})
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendHold = hold
	p.sendEntered = make(chan struct{}, 16)
	return p.sendEntered, func() { close(hold) }
}

// FailNextSend makes the next Send return the given error.
func (p *Provider) FailNextSend(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failSend = err
}

// ScriptStatus sets the observation GetStatus will report for a sid.
func (p *Provider) ScriptStatus(providerSID string, res domain.StatusResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res.ProviderSID = providerSID
	p.statuses[providerSID] = res
}

// Send implements plugin.Plugin.
func (p *Provider) Send(_ context.Context, destination, payloadRef string, opts plugin.SendOptions) (domain.SendResult, error) {
	p.mu.Lock()

	if !p.started {
		p.mu.Unlock()
		return domain.SendResult{}, apperrors.Wrap(apperrors.ErrProviderUnavailable, "faketx: not started")
	}
	if p.failSend != nil {
		err := p.failSend
		p.failSend = nil
		p.mu.Unlock()
		return domain.SendResult{}, err
	}
	if !dialable(destination) {
		p.mu.Unlock()
		return domain.SendResult{}, apperrors.Wrap(apperrors.ErrInvalidDestination, "faketx: destination is not a dialable number")
	}
	if payloadRef == "" {
		p.mu.Unlock()
		return domain.SendResult{}, apperrors.Wrap(apperrors.ErrPayloadRejected, "faketx: empty payload reference")
	}

	p.nextSID++
	sid := fmt.Sprintf("fake-%d", p.nextSID)
	p.statuses[sid] = domain.StatusResult{
		JobID:       opts.JobID,
		ProviderSID: sid,
		Status:      domain.JobStatusInProgress,
	}
	hold, entered := p.sendHold, p.sendEntered
	p.mu.Unlock()

	if hold != nil {
		entered <- struct{}{}
		<-hold
	}

	return domain.SendResult{
		JobID:       opts.JobID,
		Backend:     ID,
		ProviderSID: sid,
		Accepted:    true,
		QueuedAt:    time.Now().UTC(),
	}, nil
}

// GetStatus implements plugin.Plugin.
func (p *Provider) GetStatus(_ context.Context, jobID, providerSID string) (domain.StatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrProviderUnavailable, "faketx: not started")
	}
	res, ok := p.statuses[providerSID]
	if !ok {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrJobNotFound, "faketx: unknown sid")
	}
	res.JobID = jobID
	return res, nil
}

// HandleWebhook implements plugin.Plugin. The body is a JSON document
// signed with HMAC-SHA256 under the configured webhook secret.
func (p *Provider) HandleWebhook(headers map[string]string, body []byte) (domain.StatusResult, error) {
	p.mu.Lock()
	secret := p.settings["webhook_secret"]
	started := p.started
	p.mu.Unlock()

	if !started {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrProcessing, "faketx: not started")
	}

	provided := ""
	for k, v := range headers {
		if strings.EqualFold(k, signatureHeader) {
			provided = v
			break
		}
	}
	if !verify(secret, body, provided) {
		return domain.StatusResult{}, apperrors.ErrInvalidSignature
	}

	var payload struct {
		SID    string `json:"sid"`
		JobID  string `json:"job_id"`
		Status string `json:"status"`
		Pages  *int   `json:"pages"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrMalformedPayload, "faketx: webhook body is not JSON")
	}
	if payload.SID == "" {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrMalformedPayload, "faketx: webhook missing sid")
	}

	return domain.StatusResult{
		JobID:       payload.JobID,
		ProviderSID: payload.SID,
		Status:      mapStatus(payload.Status),
		Pages:       payload.Pages,
		Error:       payload.Error,
	}, nil
}

// Sign computes the webhook signature tests attach to scripted callbacks.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verify(secret string, body []byte, provided string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(strings.ToLower(provided)))
}

func mapStatus(raw string) domain.JobStatus {
	switch strings.ToLower(raw) {
	case "queued":
		return domain.JobStatusQueued
	case "success", "delivered":
		return domain.JobStatusSuccess
	case "failed", "failure", "error":
		return domain.JobStatusFailed
	default:
		return domain.JobStatusInProgress
	}
}

func dialable(num string) bool {
	if num == "" {
		return false
	}
	digits := 0
	for _, c := range num {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '+' || c == ' ' || c == '-':
		default:
			return false
		}
	}
	return digits >= 6
}
