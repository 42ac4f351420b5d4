package httpjson

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/acme/outbound-fax-dispatch/internal/domain"
	"github.com/acme/outbound-fax-dispatch/internal/plugin"
	apperrors "github.com/acme/outbound-fax-dispatch/pkg/errors"
	"github.com/acme/outbound-fax-dispatch/pkg/logger"
)

func startedProvider(t *testing.T, serverURL string) *Provider {
	t.Helper()
	doc := strings.ReplaceAll(specDoc, "https://api.acme.example", serverURL)
	doc = strings.Replace(doc, `["api.acme.example"]`, `["127.0.0.1"]`, 1)

	spec, err := ParseSpec([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	p := Factory(spec)().(*Provider)
	err = p.Start(map[string]string{
		"api_key":         "tok",
		"callback_secret": "hunter2",
	}, plugin.Deps{Logger: logger.Nop(), HTTP: &http.Client{}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return p
}

func TestSendRendersTemplateAndExtractsSID(t *testing.T) {
	var gotAuth string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"id": "sid-77", "state": "waiting"},
		})
	}))
	defer srv.Close()

	p := startedProvider(t, srv.URL)

	res, err := p.Send(context.Background(), "+15551230000", "doc://x", plugin.SendOptions{JobID: "job-1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.ProviderSID != "sid-77" || !res.Accepted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("bearer auth not applied: %q", gotAuth)
	}
	if gotBody["to"] != "+15551230000" {
		t.Fatalf("destination template not rendered: %v", gotBody)
	}
}

func TestSendSurfacesSynchronousRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"id": "sid-1", "state": "dead"},
		})
	}))
	defer srv.Close()

	p := startedProvider(t, srv.URL)
	_, err := p.Send(context.Background(), "+15551230000", "doc://x", plugin.SendOptions{JobID: "j"})
	if !apperrors.Is(err, apperrors.ErrProviderRejected) {
		t.Fatalf("expected provider rejected, got %v", err)
	}
}

func TestCallClassifiesHTTPErrors(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := startedProvider(t, srv.URL)

	_, err := p.Send(context.Background(), "+1", "doc://x", plugin.SendOptions{})
	if !apperrors.Is(err, apperrors.ErrProviderUnavailable) {
		t.Fatalf("expected unavailable for 5xx, got %v", err)
	}

	status = http.StatusUnprocessableEntity
	_, err = p.Send(context.Background(), "+1", "doc://x", plugin.SendOptions{})
	if !apperrors.Is(err, apperrors.ErrProviderRejected) {
		t.Fatalf("expected rejected for 4xx, got %v", err)
	}
}

func TestGetStatusMapsVocabulary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sid-5") {
			t.Errorf("provider_sid template not rendered: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"state": "done", "pages": 4},
		})
	}))
	defer srv.Close()

	p := startedProvider(t, srv.URL)
	res, err := p.GetStatus(context.Background(), "job-5", "sid-5")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if res.Status != domain.JobStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", res.Status)
	}
	if res.Pages == nil || *res.Pages != 4 {
		t.Fatalf("pages not extracted: %v", res.Pages)
	}
}

func TestUnknownStatusCountsAsProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"state": "negotiating-carrier"},
		})
	}))
	defer srv.Close()

	p := startedProvider(t, srv.URL)
	res, err := p.GetStatus(context.Background(), "j", "s")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if res.Status != domain.JobStatusInProgress {
		t.Fatalf("unknown vocabulary must map to in_progress, got %s", res.Status)
	}
}

func TestDomainAllowlistBlocksOtherHosts(t *testing.T) {
	spec, err := ParseSpec([]byte(specDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p := Factory(spec)().(*Provider)
	if err := p.Start(map[string]string{"api_key": "k", "callback_secret": "s"}, plugin.Deps{Logger: logger.Nop(), HTTP: &http.Client{}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.spec.Actions.Send.URL = "https://evil.example/faxes"

	_, err = p.Send(context.Background(), "+1", "doc://x", plugin.SendOptions{})
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected allowlist rejection, got %v", err)
	}
}

func TestWebhookHMACVerification(t *testing.T) {
	spec, err := ParseSpec([]byte(specDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p := Factory(spec)().(*Provider)
	if err := p.Start(map[string]string{"api_key": "k", "callback_secret": "hunter2"}, plugin.Deps{Logger: logger.Nop(), HTTP: &http.Client{}}); err != nil {
		t.Fatalf("start: %v", err)
	}

	body := []byte(`{"id": "sid-9", "state": "done", "pages": 2, "message": ""}`)
	mac := hmac.New(sha256.New, []byte("hunter2"))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	res, err := p.HandleWebhook(map[string]string{"x-acme-signature": sig}, body)
	if err != nil {
		t.Fatalf("verified webhook failed: %v", err)
	}
	if res.ProviderSID != "sid-9" || res.Status != domain.JobStatusSuccess {
		t.Fatalf("webhook not parsed: %+v", res)
	}

	tampered := []byte(`{"id": "sid-9", "state": "dead"}`)
	if _, err := p.HandleWebhook(map[string]string{"x-acme-signature": sig}, tampered); !apperrors.Is(err, apperrors.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature for tampered body, got %v", err)
	}
}

func TestWebhookMissingCorrelation(t *testing.T) {
	spec, err := ParseSpec([]byte(specDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p := Factory(spec)().(*Provider)
	if err := p.Start(map[string]string{"api_key": "k", "callback_secret": "s"}, plugin.Deps{Logger: logger.Nop(), HTTP: &http.Client{}}); err != nil {
		t.Fatalf("start: %v", err)
	}

	body := []byte(`{"state": "done"}`)
	mac := hmac.New(sha256.New, []byte("s"))
	mac.Write(body)

	_, err = p.HandleWebhook(map[string]string{"X-Acme-Signature": hex.EncodeToString(mac.Sum(nil))}, body)
	if !apperrors.Is(err, apperrors.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}
}

func TestValidateConfigRequiresDeclaredSettings(t *testing.T) {
	spec, err := ParseSpec([]byte(specDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p := Factory(spec)().(*Provider)

	err = p.ValidateConfig(map[string]string{"api_key": "k"})
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if strings.Contains(err.Error(), "hunter") {
		t.Fatal("validation error leaked a setting value")
	}
}
