// Package phaxio implements the provider contract against the Phaxio v2
// REST API. Documents are sent by content URL; delivery callbacks are
// authenticated with an HMAC-SHA256 of the raw body under the
// X-Phaxio-Signature header.
package phaxio

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
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
	ID = "phaxio"

	defaultBaseURL = "https://api.phaxio.com/v2"

	signatureHeader = "X-Phaxio-Signature"

	sendAttempts = 3
)

// Provider is the Phaxio adapter.
type Provider struct {
	baseURL       string
	apiKey        string
	apiSecret     string
	callbackToken string
	callbackURL   string

	http    *http.Client
	log     *logger.Logger
	started bool
}

// Factory returns the plugin factory for Phaxio.
func Factory() plugin.Factory {
	return func() plugin.Plugin { return &Provider{} }
}

// Manifest implements plugin.Plugin.
func (p *Provider) Manifest() plugin.Manifest {
	return plugin.Manifest{
		ID:          ID,
		Name:        "Phaxio",
		Version:     "1.2.0",
		Description: "Cloud fax transmission via the Phaxio v2 API",
		Categories:  []string{"outbound"},
		Capabilities: []string{
			plugin.CapabilitySend,
			plugin.CapabilityGetStatus,
			plugin.CapabilityWebhook,
		},
		ConfigSchema: []plugin.SettingSpec{
			{Name: "api_key", Type: "string", Required: true, Secret: true},
			{Name: "api_secret", Type: "string", Required: true, Secret: true},
			{Name: "callback_token", Type: "string", Required: true, Secret: true},
			{Name: "base_url", Type: "string"},
		},
	}
}

// ValidateConfig implements plugin.Plugin. Credential values never appear
// in the returned error.
func (p *Provider) ValidateConfig(settings map[string]string) error {
	var missing []string
	for _, name := range []string{"api_key", "api_secret", "callback_token"} {
		if settings[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return apperrors.Wrap(apperrors.ErrValidation,
			fmt.Sprintf("phaxio: missing required settings %v", missing))
	}
	return nil
}

// Start implements plugin.Plugin.
func (p *Provider) Start(settings map[string]string, deps plugin.Deps) error {
	if err := p.ValidateConfig(settings); err != nil {
		return err
	}
	p.apiKey = settings["api_key"]
	p.apiSecret = settings["api_secret"]
	p.callbackToken = settings["callback_token"]
	p.baseURL = strings.TrimRight(settings["base_url"], "/")
	if p.baseURL == "" {
		p.baseURL = defaultBaseURL
	}
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

// Stop implements plugin.Plugin. Safe to call repeatedly.
func (p *Provider) Stop() {
	p.started = false
	p.apiKey = ""
	p.apiSecret = ""
	p.callbackToken = ""
}

// Send implements plugin.Plugin. Retries transient failures with
// exponential backoff before reporting the provider unavailable.
func (p *Provider) Send(ctx context.Context, destination, payloadRef string, opts plugin.SendOptions) (domain.SendResult, error) {
	if !p.started {
		return domain.SendResult{}, apperrors.Wrap(apperrors.ErrProviderUnavailable, "phaxio: not started")
	}

	dest, err := normalizeNumber(destination)
	if err != nil {
		return domain.SendResult{}, err
	}

	form := url.Values{}
	form.Set("to", dest)
	form.Add("content_url[]", payloadRef)
	if p.callbackURL != "" {
		form.Set("callback_url", p.callbackURL+"?job_id="+url.QueryEscape(opts.JobID))
	}

	var lastErr error
	delay := time.Second
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.SendResult{}, apperrors.Wrap(apperrors.ErrProviderUnavailable, "phaxio: send canceled")
			case <-time.After(delay):
			}
			delay = min(delay*2, 8*time.Second)
		}

		result, retryable, err := p.sendOnce(ctx, form, opts.JobID, dest)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			return domain.SendResult{}, err
		}
	}
	return domain.SendResult{}, lastErr
}

func (p *Provider) sendOnce(ctx context.Context, form url.Values, jobID, dest string) (domain.SendResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/faxes", strings.NewReader(form.Encode()))
	if err != nil {
		return domain.SendResult{}, false, fmt.Errorf("phaxio: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.apiKey, p.apiSecret)

	resp, err := p.http.Do(req)
	if err != nil {
		return domain.SendResult{}, true, apperrors.Wrap(apperrors.ErrProviderUnavailable, "phaxio: request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.SendResult{}, true, apperrors.Wrap(apperrors.ErrProviderUnavailable, "phaxio: read response")
	}

	if resp.StatusCode >= 500 {
		return domain.SendResult{}, true, apperrors.Wrap(apperrors.ErrProviderUnavailable,
			fmt.Sprintf("phaxio: API error %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return domain.SendResult{}, false, apperrors.Wrap(apperrors.ErrProviderRejected,
			fmt.Sprintf("phaxio: API error %d", resp.StatusCode))
	}

	var payload struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Data    struct {
			ID     json.Number `json:"id"`
			Status string      `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.SendResult{}, false, apperrors.Wrap(apperrors.ErrMalformedPayload, "phaxio: unexpected response body")
	}
	if !payload.Success {
		return domain.SendResult{}, false, apperrors.Wrap(apperrors.ErrProviderRejected, "phaxio: provider reported failure on send")
	}
	if payload.Data.ID.String() == "" {
		return domain.SendResult{}, false, apperrors.Wrap(apperrors.ErrMalformedPayload, "phaxio: response missing fax id")
	}

	p.log.Info("fax accepted",
		zap.String("plugin_id", ID),
		zap.String("job_id", jobID),
		zap.String("to", redact.MaskNumber(dest)),
		zap.String("provider_sid", payload.Data.ID.String()))

	return domain.SendResult{
		JobID:       jobID,
		Backend:     ID,
		ProviderSID: payload.Data.ID.String(),
		Accepted:    true,
		QueuedAt:    time.Now().UTC(),
	}, false, nil
}

// GetStatus implements plugin.Plugin. Safe to poll repeatedly.
func (p *Provider) GetStatus(ctx context.Context, jobID, providerSID string) (domain.StatusResult, error) {
	if !p.started {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrProviderUnavailable, "phaxio: not started")
	}
	if providerSID == "" {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrJobNotFound, "phaxio: no correlation id for job")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/faxes/"+url.PathEscape(providerSID), nil)
	if err != nil {
		return domain.StatusResult{}, fmt.Errorf("phaxio: build request: %w", err)
	}
	req.SetBasicAuth(p.apiKey, p.apiSecret)

	resp, err := p.http.Do(req)
	if err != nil {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrProviderUnavailable, "phaxio: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrJobNotFound, "phaxio: unknown fax id")
	}
	if resp.StatusCode >= 400 {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrProviderUnavailable,
			fmt.Sprintf("phaxio: API error %d", resp.StatusCode))
	}

	var payload struct {
		Data struct {
			ID           json.Number `json:"id"`
			Status       string      `json:"status"`
			NumPages     int         `json:"num_pages"`
			ErrorMessage string      `json:"error_message"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrMalformedPayload, "phaxio: unexpected response body")
	}

	res := domain.StatusResult{
		JobID:       jobID,
		ProviderSID: providerSID,
		Status:      MapStatus(payload.Data.Status),
		Error:       payload.Data.ErrorMessage,
	}
	if payload.Data.NumPages > 0 {
		pages := payload.Data.NumPages
		res.Pages = &pages
	}
	return res, nil
}

// HandleWebhook implements plugin.Plugin. The raw body is authenticated
// with HMAC-SHA256 under the callback token before any field is trusted.
func (p *Provider) HandleWebhook(headers map[string]string, body []byte) (domain.StatusResult, error) {
	if !p.started {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrProcessing, "phaxio: not started")
	}

	provided := headerLookup(headers, signatureHeader)
	if !VerifySignature(p.callbackToken, body, provided) {
		return domain.StatusResult{}, apperrors.ErrInvalidSignature
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrMalformedPayload, "phaxio: webhook body is not form-encoded")
	}

	get := func(keys ...string) string {
		for _, k := range keys {
			if v := form.Get(k); v != "" {
				return v
			}
		}
		return ""
	}

	sid := get("fax[id]", "id")
	if sid == "" {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrMalformedPayload, "phaxio: webhook missing fax id")
	}

	res := domain.StatusResult{
		JobID:       get("job_id"),
		ProviderSID: sid,
		Status:      MapStatus(get("fax[status]", "status")),
		Error:       get("fax[error_message]", "error_message"),
	}
	if pagesStr := get("fax[num_pages]", "num_pages"); pagesStr != "" {
		if pages, err := strconv.Atoi(pagesStr); err == nil && pages > 0 {
			res.Pages = &pages
		}
	}
	return res, nil
}

// VerifySignature checks a Phaxio callback signature in constant time.
func VerifySignature(token string, body []byte, provided string) bool {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(provided)))
}

// Sign computes the callback signature for a body. Exposed for tests and
// for the loopback tooling that replays provider callbacks.
func Sign(token string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// MapStatus translates Phaxio's status vocabulary into the canonical
// states. Unrecognized intermediate states count as in_progress so a job
// that has shown progress never appears to regress to queued.
func MapStatus(raw string) domain.JobStatus {
	switch strings.ToLower(raw) {
	case "queued":
		return domain.JobStatusQueued
	case "success", "delivered", "complete", "completed":
		return domain.JobStatusSuccess
	case "failure", "failed", "error", "canceled", "cancelled":
		return domain.JobStatusFailed
	default:
		return domain.JobStatusInProgress
	}
}

func normalizeNumber(num string) (string, error) {
	if strings.HasPrefix(num, "+") {
		if len(num) < 7 {
			return "", apperrors.Wrap(apperrors.ErrInvalidDestination, "phaxio: destination too short")
		}
		return num, nil
	}
	var digits strings.Builder
	for _, c := range num {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	if digits.Len() < 10 {
		return "", apperrors.Wrap(apperrors.ErrInvalidDestination, "phaxio: destination must have at least 10 digits")
	}
	return "+" + digits.String(), nil
}

func headerLookup(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
