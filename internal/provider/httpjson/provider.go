// Package httpjson runs externally supplied provider plugins described by
// a declarative manifest: templated HTTP actions, a status translation
// table, and a webhook verification scheme, with no provider-specific
// code in this repository.
package httpjson

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
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-fax-dispatch/internal/domain"
	"github.com/acme/outbound-fax-dispatch/internal/plugin"
	"github.com/acme/outbound-fax-dispatch/internal/redact"
	apperrors "github.com/acme/outbound-fax-dispatch/pkg/errors"
)

// Provider executes the HTTP actions declared in a Spec.
type Provider struct {
	spec     *Spec
	settings map[string]string
	deps     plugin.Deps
	started  bool
}

// Factory returns a plugin.Factory for the given spec.
func Factory(spec *Spec) plugin.Factory {
	return func() plugin.Plugin {
		return &Provider{spec: spec}
	}
}

// Manifest implements plugin.Plugin.
func (p *Provider) Manifest() plugin.Manifest {
	return p.spec.Manifest
}

// ValidateConfig checks required settings declared in the manifest schema.
func (p *Provider) ValidateConfig(settings map[string]string) error {
	var missing []string
	for _, spec := range p.spec.ConfigSchema {
		if spec.Required && settings[spec.Name] == "" {
			missing = append(missing, spec.Name)
		}
	}
	if p.spec.Webhook != nil && settings[p.spec.Webhook.SecretSetting] == "" {
		missing = append(missing, p.spec.Webhook.SecretSetting)
	}
	if len(missing) > 0 {
		return apperrors.Wrap(apperrors.ErrValidation,
			fmt.Sprintf("httpjson %s: missing required settings %v", p.spec.ID, missing))
	}
	return nil
}

// Start implements plugin.Plugin.
func (p *Provider) Start(settings map[string]string, deps plugin.Deps) error {
	if err := p.ValidateConfig(settings); err != nil {
		return err
	}
	p.settings = settings
	p.deps = deps
	p.started = true
	return nil
}

// Stop implements plugin.Plugin.
func (p *Provider) Stop() {
	p.started = false
	p.settings = nil
}

// Send implements plugin.Plugin.
func (p *Provider) Send(ctx context.Context, destination, payloadRef string, opts plugin.SendOptions) (domain.SendResult, error) {
	action := p.spec.Actions.Send
	if !p.started || action == nil {
		return domain.SendResult{}, apperrors.Wrap(apperrors.ErrProviderUnavailable,
			fmt.Sprintf("httpjson %s: send not available", p.spec.ID))
	}

	tctx := p.templateCtx(destination, payloadRef, opts.JobID, "")
	_, resp, err := p.call(ctx, action, tctx)
	if err != nil {
		return domain.SendResult{}, err
	}

	sid, _ := extractString(resp, action.Response.CorrelationID)
	rawStatus, _ := extractString(resp, action.Response.Status)

	p.deps.Logger.Info("dispatch accepted",
		zap.String("plugin_id", p.spec.ID),
		zap.String("job_id", opts.JobID),
		zap.String("to", redact.MaskNumber(destination)))

	return domain.SendResult{
		JobID:       opts.JobID,
		Backend:     p.spec.ID,
		ProviderSID: sid,
		Accepted:    true,
		QueuedAt:    time.Now().UTC(),
	}, p.acceptStatus(rawStatus)
}

// acceptStatus errors only when the provider synchronously reported a
// terminal failure for the send.
func (p *Provider) acceptStatus(raw string) error {
	if raw == "" {
		return nil
	}
	if p.mapStatus(raw) == domain.JobStatusFailed {
		return apperrors.Wrap(apperrors.ErrProviderRejected,
			fmt.Sprintf("httpjson %s: provider reported %q on send", p.spec.ID, raw))
	}
	return nil
}

// GetStatus implements plugin.Plugin.
func (p *Provider) GetStatus(ctx context.Context, jobID, providerSID string) (domain.StatusResult, error) {
	action := p.spec.Actions.GetStatus
	if !p.started || action == nil {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrProviderUnavailable,
			fmt.Sprintf("httpjson %s: get_status not available", p.spec.ID))
	}

	tctx := p.templateCtx("", "", jobID, providerSID)
	_, resp, err := p.call(ctx, action, tctx)
	if err != nil {
		return domain.StatusResult{}, err
	}

	return p.statusFromDoc(jobID, providerSID, resp, action.Response), nil
}

// HandleWebhook implements plugin.Plugin.
func (p *Provider) HandleWebhook(headers map[string]string, body []byte) (domain.StatusResult, error) {
	wh := p.spec.Webhook
	if !p.started || wh == nil {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrProcessing,
			fmt.Sprintf("httpjson %s: webhooks not supported", p.spec.ID))
	}

	secret := p.settings[wh.SecretSetting]
	provided := headerValue(headers, wh.Header)
	switch wh.Scheme {
	case "hmac_sha256":
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected)) {
			return domain.StatusResult{}, apperrors.ErrInvalidSignature
		}
	case "shared_header":
		if subtleCompare(provided, secret) != 1 {
			return domain.StatusResult{}, apperrors.ErrInvalidSignature
		}
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrMalformedPayload, "httpjson: webhook body is not JSON")
	}

	res := p.statusFromDoc("", "", doc, wh.Fields)
	if res.ProviderSID == "" {
		return domain.StatusResult{}, apperrors.Wrap(apperrors.ErrMalformedPayload, "httpjson: webhook missing correlation id")
	}
	return res, nil
}

func subtleCompare(a, b string) int {
	if hmac.Equal([]byte(a), []byte(b)) {
		return 1
	}
	return 0
}

func (p *Provider) statusFromDoc(jobID, providerSID string, doc map[string]any, rm ResponseMap) domain.StatusResult {
	res := domain.StatusResult{JobID: jobID, ProviderSID: providerSID}
	if sid, ok := extractString(doc, rm.CorrelationID); ok && sid != "" {
		res.ProviderSID = sid
	}
	raw, _ := extractString(doc, rm.Status)
	res.Status = p.mapStatus(raw)
	if pagesStr, ok := extractString(doc, rm.Pages); ok && pagesStr != "" {
		if pages, err := strconv.Atoi(pagesStr); err == nil {
			res.Pages = &pages
		}
	}
	if errMsg, ok := extractString(doc, rm.Error); ok {
		res.Error = errMsg
	}
	return res
}

func (p *Provider) mapStatus(raw string) domain.JobStatus {
	if mapped, ok := p.spec.StatusMap[strings.ToLower(raw)]; ok {
		switch domain.JobStatus(mapped) {
		case domain.JobStatusQueued, domain.JobStatusInProgress, domain.JobStatusSuccess, domain.JobStatusFailed:
			return domain.JobStatus(mapped)
		}
	}
	// Unrecognized vocabulary counts as forward progress, never a reset.
	return domain.JobStatusInProgress
}

func (p *Provider) call(ctx context.Context, action *ActionSpec, tctx map[string]string) ([]byte, map[string]any, error) {
	target := render(action.URL, tctx)
	if err := p.checkDomain(target); err != nil {
		return nil, nil, err
	}

	var bodyReader io.Reader
	contentType := ""
	switch action.BodyKind {
	case "json":
		doc := make(map[string]string, len(action.Body))
		for k, v := range action.Body {
			doc[k] = render(v, tctx)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, nil, fmt.Errorf("httpjson: marshal body: %w", err)
		}
		bodyReader = strings.NewReader(string(raw))
		contentType = "application/json"
	case "form":
		form := url.Values{}
		for k, v := range action.Body {
			form.Set(k, render(v, tctx))
		}
		bodyReader = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	timeout := time.Duration(p.spec.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(action.Method), target, bodyReader)
	if err != nil {
		return nil, nil, fmt.Errorf("httpjson: build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range action.Headers {
		req.Header.Set(k, render(v, tctx))
	}
	p.applyAuth(req)

	resp, err := p.deps.HTTP.Do(req)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrProviderUnavailable, fmt.Sprintf("httpjson %s: request failed", p.spec.ID))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrProviderUnavailable, "httpjson: read response")
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, nil, apperrors.Wrap(apperrors.ErrProviderUnavailable,
			fmt.Sprintf("httpjson %s: provider returned %d", p.spec.ID, resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, nil, apperrors.Wrap(apperrors.ErrProviderRejected,
			fmt.Sprintf("httpjson %s: provider returned %d", p.spec.ID, resp.StatusCode))
	}

	var doc map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return raw, nil, apperrors.Wrap(apperrors.ErrMalformedPayload, "httpjson: response is not JSON")
		}
	}
	return raw, doc, nil
}

func (p *Provider) applyAuth(req *http.Request) {
	switch p.spec.Auth.Scheme {
	case "basic":
		req.SetBasicAuth(p.settings["username"], p.settings["api_key"])
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+p.settings["api_key"])
	case "header":
		if p.spec.Auth.Header != "" {
			req.Header.Set(p.spec.Auth.Header, p.settings["api_key"])
		}
	}
}

func (p *Provider) checkDomain(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("httpjson: bad url: %w", err)
	}
	host := u.Hostname()
	for _, d := range p.spec.AllowedDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return nil
		}
	}
	return apperrors.Wrap(apperrors.ErrValidation,
		fmt.Sprintf("httpjson %s: host %q not in allowed domains", p.spec.ID, host))
}

func (p *Provider) templateCtx(destination, payloadRef, jobID, providerSID string) map[string]string {
	tctx := map[string]string{
		"destination":  destination,
		"payload_ref":  payloadRef,
		"job_id":       jobID,
		"provider_sid": providerSID,
	}
	if p.deps.CallbackBaseURL != "" {
		tctx["callback_url"] = strings.TrimRight(p.deps.CallbackBaseURL, "/") + "/webhooks/" + p.spec.ID
	}
	for k, v := range p.settings {
		tctx["settings."+k] = v
	}
	return tctx
}

var tplPattern = regexp.MustCompile(`\{\{\s*([^}\s]+)\s*\}\}`)

func render(template string, tctx map[string]string) string {
	return tplPattern.ReplaceAllStringFunc(template, func(m string) string {
		key := tplPattern.FindStringSubmatch(m)[1]
		return tctx[key]
	})
}

// extractString walks a dotted path through a decoded JSON document.
func extractString(doc map[string]any, path string) (string, bool) {
	if path == "" || doc == nil {
		return "", false
	}
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[part]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		return v, true
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10), true
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	case nil:
		return "", false
	default:
		return fmt.Sprintf("%v", v), true
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
