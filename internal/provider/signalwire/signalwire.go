// Package signalwire implements the provider contract against the
// SignalWire compatibility (Twilio-style) fax API. Callbacks are
// authenticated with a shared secret header rather than a body HMAC;
// the verification scheme stays inside this adapter so the router never
// learns provider specifics.
package signalwire

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-fax-dispatch/internal/domain"
	"github.com/acme/outbound-fax-dispatch/internal/plugin"
	"github.com/acme/outbound-fax-dispatch/internal/redact"
	apperrors "github.com/acme/outbound-fax-dispatch/pkg/errors"
	"github.com/acme/outbound-fax-dispatch/pkg/logger"
)

const (
	// ID is the stable plugin identifier.
	ID = "signalwire"

	callbackTokenHeader = "X-Callback-Token"
)

// Provider is the SignalWire adapter.
type Provider struct {
	spaceURL      string
	projectID     string
	apiToken      string
	fromNumber    string
	callbackToken string
	callbackURL   string
	baseOverride  string

	http    *http.Client
	log     *logger.Logger
	started bool
}

// Factory returns the plugin factory for SignalWire.
func Factory() plugin.Factory {
	return func() plugin.Plugin { return &Provider{} }
}

// Manifest implements plugin.Plugin.
func (p *Provider) Manifest() plugin.Manifest {
	return plugin.Manifest{
		ID:          ID,
		Name:        "SignalWire",
		Version:     "1.0.0",
		Description: "Fax transmission via the SignalWire compatibility API",
		Categories:  []string{"outbound"},
		Capabilities: []string{
			plugin.CapabilitySend,
			plugin.CapabilityGetStatus,
			plugin.CapabilityWebhook,
		},
		ConfigSchema: []plugin.SettingSpec{
			{Name: "space_url", Type: "string", Required: true},
			{Name: "project_id", Type: "string", Required: true},
			{Name: "api_token", Type: "string", Required: true, Secret: true},
			{Name: "callback_token", Type: "string", Required: true, Secret: true},
			{Name: "from_number", Type: "string"},
			{Name: "base_url", Type: "string"},
		},
	}
}

// ValidateConfig implements plugin.Plugin.
func (p *Provider) ValidateConfig(settings map[string]string) error {
	var missing []string
	for _, name := range []string{"space_url", "project_id", "api_token", "callback_token"} {
		if settings[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return apperrors.Wrap(apperrors.ErrValidation,
			fmt.Sprintf("signalwire: missing required settings %v", missing))
	}
	return nil
}

// Start implements plugin.Plugin.
func (p *Provider) Start(settings map[string]string, deps plugin.Deps) error {
	if err := p.ValidateConfig(settings); err != nil {
		return err
	}
	p.spaceURL = strings.TrimRight(strings.TrimSpace(settings["space_url"]), "/")
	p.projectID = strings.TrimSpace(settings["project_id"])
	p.apiToken = strings.TrimSpace(settings["api_token"])
	p.callbackToken = settings["callback_token"]
	p.fromNumber = strings.TrimSpace(settings["from_number"])
	p.baseOverride = strings.TrimRight(settings["base_url"], "/")
	if deps.CallbackBaseURL != "" {
		p.callbackURL = strings.TrimRight(deps.CallbackBaseURL, "/") + "/webhooks/" + ID
	}
	p.http = deps.HTTP
	if p.http == nil {
		p.http = &http.Client{Timeout: 30 * time.Second}
	}
	p.log = deps.Logger
	if p.log == nil {
		p.log = logger.Nop()
	}
	p.started = true
	return nil
}

// Stop implements plugin.Plugin.
func (p *Provider) Stop() {
	p.started = false
	p.apiToken = ""
	p.callbackToken = ""
}

func (p *Provider) compatBase() string {
	if p.baseOverride != "" {
		return p.baseOverride
	}
	return fmt.Sprintf("https://%s/api/laml/2010-04-01", p.spaceURL)
}

// Send implements plugin.Plugin.
func (p *Provider) Send(ctx context.Context, destination, payloadRef string, opts plugin.SendOptions) (domain.SendResult, error) {
	if !p.started {
		return domain.SendResult{}, apperrors.Wrap(apperrors.ErrProviderUnavailable, "signalwire: not started")
	}

	dest := normalizeNumber(destination)
	if dest == "" {
		return domain.SendResult{}, apperrors.Wrap(apperrors.ErrInvalidDestination, "signalwire: destination is not a dialable number")
	}

	form := url.Values{}
	form.Set("To", dest)
	form.Set("MediaUrl", payloadRef)
	if p.fromNumber != "" {
		form.Set("From", p.fromNumber)
	}
	if p.callbackURL != "" {
		form.Set("StatusCallback", p.callbackURL+"?job_id="+url.QueryEscape(opts.JobID))
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Faxes.json", p.compatBase(), url.PathEscape(p.projectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("signalwire: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.projectID, p.apiToken)

	resp, err := p.http.Do(req)
	if err != nil {
		return domain.SendResult{}, apperrors.Wrap(apperrors.ErrProviderUnavailable, "signalwire: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return domain.SendResult{}, apperrors.Wrap(apperrors.ErrProviderUnavailable,
			fmt.Sprintf("signalwire: API error %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return domain.SendResult{}, apperrors.Wrap(apperrors.ErrProviderRejected,
			fmt.Sprintf("signalwire: API error %d", resp.StatusCode))
	}

	var payload struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return domain.SendResult{}, apperrors.Wrap(apperrors.ErrMalformedPayload, "signalwire: unexpected response body")
	}
	if payload.SID == "" {
		return domain.SendResult{}, apperrors.Wrap(apperrors.ErrMalformedPayload, "signalwire: response missing sid")
	}

	p.log.Info("fax accepted",
		zap.String("plugin_id", ID),
		zap.String("job_id", opts.JobID),
		zap.String("to", redact.MaskNumber(dest)),
		zap.String("provider_sid", payload.SID))

	return domain.SendResult{
		JobID:       opts.JobID,
		Backend:     ID,
		ProviderSID: payload.SID,
		Accepted:    true,
		QueuedAt:    time.Now().UTC(),
	}, nil
}

// GetStatus implements plugin.Plugin.
func (p *Provider) GetStatus(ctx context.Context, jobID, providerSID string) (domain.StatusResult, error) {
	if !p.started {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrProviderUnavailable, "signalwire: not started")
	}
	if providerSID == "" {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrJobNotFound, "signalwire: no correlation id for job")
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Faxes/%s.json",
		p.compatBase(), url.PathEscape(p.projectID), url.PathEscape(providerSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.StatusResult{}, fmt.Errorf("signalwire: build request: %w", err)
	}
	req.SetBasicAuth(p.projectID, p.apiToken)

	resp, err := p.http.Do(req)
	if err != nil {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrProviderUnavailable, "signalwire: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrJobNotFound, "signalwire: unknown fax sid")
	}
	if resp.StatusCode >= 400 {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrProviderUnavailable,
			fmt.Sprintf("signalwire: API error %d", resp.StatusCode))
	}

	var payload struct {
		SID      string `json:"sid"`
		Status   string `json:"status"`
		NumPages int    `json:"num_pages"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrMalformedPayload, "signalwire: unexpected response body")
	}

	res := domain.StatusResult{
		JobID:       jobID,
		ProviderSID: providerSID,
		Status:      MapStatus(payload.Status),
	}
	if payload.NumPages > 0 {
		pages := payload.NumPages
		res.Pages = &pages
	}
	return res, nil
}

// HandleWebhook implements plugin.Plugin. The shared callback token must
// match before any payload field is trusted.
func (p *Provider) HandleWebhook(headers map[string]string, body []byte) (domain.StatusResult, error) {
	if !p.started {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrProcessing, "signalwire: not started")
	}

	provided := ""
	for k, v := range headers {
		if strings.EqualFold(k, callbackTokenHeader) {
			provided = v
			break
		}
	}
	if !hmac.Equal([]byte(provided), []byte(p.callbackToken)) {
		return domain.StatusResult{}, apperrors.ErrInvalidSignature
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrMalformedPayload, "signalwire: webhook body is not form-encoded")
	}

	sid := form.Get("FaxSid")
	if sid == "" {
		sid = form.Get("sid")
	}
	if sid == "" {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrMalformedPayload, "signalwire: webhook missing fax sid")
	}

	status := form.Get("FaxStatus")
	if status == "" {
		status = form.Get("status")
	}

	return domain.StatusResult{
		JobID:       form.Get("job_id"),
		ProviderSID: sid,
		Status:      MapStatus(status),
		Error:       form.Get("ErrorMessage"),
	}, nil
}

// MapStatus translates the Twilio-style vocabulary into canonical states.
func MapStatus(raw string) domain.JobStatus {
	switch strings.ToLower(raw) {
	case "queued":
		return domain.JobStatusQueued
	case "delivered", "success":
		return domain.JobStatusSuccess
	case "failed", "error", "canceled", "no-answer", "busy":
		return domain.JobStatusFailed
	default:
		// sending, processing, in-progress, and anything new
		return domain.JobStatusInProgress
	}
}

func normalizeNumber(num string) string {
	if strings.HasPrefix(num, "+") && len(num) >= 7 {
		return num
	}
	var digits strings.Builder
	for _, c := range num {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	if digits.Len() >= 10 {
		return "+" + digits.String()
	}
	return ""
}
