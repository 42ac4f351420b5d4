package phaxio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/acme/outbound-fax-dispatch/internal/domain"
	"github.com/acme/outbound-fax-dispatch/internal/plugin"
	apperrors "github.com/acme/outbound-fax-dispatch/pkg/errors"
)

func startedProvider(t *testing.T, baseURL string) *Provider {
	t.Helper()
	p := Factory()().(*Provider)
	err := p.Start(map[string]string{
		"api_key":        "key",
		"api_secret":     "secret",
		"callback_token": "cbtok",
		"base_url":       baseURL,
	}, plugin.Deps{CallbackBaseURL: "https://fax.example.com"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return p
}

func TestValidateConfigDoesNotLeakValues(t *testing.T) {
	p := Factory()().(*Provider)
	err := p.ValidateConfig(map[string]string{"api_key": "super-secret-key"})
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if msg := err.Error(); msg == "" || strings.Contains(msg, "super-secret-key") {
		t.Fatalf("error leaked a credential value: %q", msg)
	}
}

func TestSendPostsFormAndParsesID(t *testing.T) {
	var gotForm url.Values
	var gotUser, gotPass string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		_ = r.ParseForm()
		gotForm = r.PostForm
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"id": 4521, "status": "queued"},
		})
	}))
	defer srv.Close()

	p := startedProvider(t, srv.URL)
	res, err := p.Send(context.Background(), "+15558881234", "https://docs.example.com/d1.pdf", plugin.SendOptions{JobID: "job-9"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.ProviderSID != "4521" || !res.Accepted || res.Backend != ID {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotUser != "key" || gotPass != "secret" {
		t.Fatal("basic auth credentials not applied")
	}
	if gotForm.Get("to") != "+15558881234" {
		t.Fatalf("destination not posted: %v", gotForm)
	}
	if gotForm.Get("content_url[]") != "https://docs.example.com/d1.pdf" {
		t.Fatalf("content url not posted: %v", gotForm)
	}
	if cb := gotForm.Get("callback_url"); cb != "https://fax.example.com/webhooks/phaxio?job_id=job-9" {
		t.Fatalf("callback url wrong: %q", cb)
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"id": 1, "status": "queued"},
		})
	}))
	defer srv.Close()

	p := startedProvider(t, srv.URL)
	if _, err := p.Send(context.Background(), "+15558881234", "doc", plugin.SendOptions{JobID: "j"}); err != nil {
		t.Fatalf("send after retries: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestSendDoesNotRetryRejection(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	p := startedProvider(t, srv.URL)
	_, err := p.Send(context.Background(), "+15558881234", "doc", plugin.SendOptions{JobID: "j"})
	if !apperrors.Is(err, apperrors.ErrProviderRejected) {
		t.Fatalf("expected provider rejected, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("rejection must not be retried, got %d attempts", attempts)
	}
}

func TestSendInvalidDestination(t *testing.T) {
	p := startedProvider(t, "http://unused.invalid")
	_, err := p.Send(context.Background(), "12345", "doc", plugin.SendOptions{})
	if !apperrors.Is(err, apperrors.ErrInvalidDestination) {
		t.Fatalf("expected invalid destination, got %v", err)
	}
}

func TestGetStatusParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/faxes/4521" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"id": 4521, "status": "success", "num_pages": 5, "error_message": "",
			},
		})
	}))
	defer srv.Close()

	p := startedProvider(t, srv.URL)
	res, err := p.GetStatus(context.Background(), "job-9", "4521")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if res.Status != domain.JobStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", res.Status)
	}
	if res.Pages == nil || *res.Pages != 5 {
		t.Fatalf("pages not parsed: %v", res.Pages)
	}
}

func TestGetStatusWithoutCorrelation(t *testing.T) {
	p := startedProvider(t, "http://unused.invalid")
	_, err := p.GetStatus(context.Background(), "job", "")
	if !apperrors.Is(err, apperrors.ErrJobNotFound) {
		t.Fatalf("expected job not found, got %v", err)
	}
}

func TestHandleWebhookVerifiesSignature(t *testing.T) {
	p := startedProvider(t, "http://unused.invalid")

	form := url.Values{}
	form.Set("fax[id]", "4521")
	form.Set("fax[status]", "success")
	form.Set("fax[num_pages]", "2")
	form.Set("job_id", "job-9")
	body := []byte(form.Encode())

	res, err := p.HandleWebhook(map[string]string{"X-Phaxio-Signature": Sign("cbtok", body)}, body)
	if err != nil {
		t.Fatalf("verified webhook: %v", err)
	}
	if res.JobID != "job-9" || res.ProviderSID != "4521" || res.Status != domain.JobStatusSuccess {
		t.Fatalf("webhook parsed wrong: %+v", res)
	}
	if res.Pages == nil || *res.Pages != 2 {
		t.Fatalf("pages not parsed: %v", res.Pages)
	}

	// Tampered body under the original signature must be rejected.
	tampered := append([]byte(nil), body...)
	tampered = append(tampered, []byte("&fax%5Bstatus%5D=failure")...)
	if _, err := p.HandleWebhook(map[string]string{"X-Phaxio-Signature": Sign("cbtok", body)}, tampered); !apperrors.Is(err, apperrors.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	// Wrong token likewise.
	if _, err := p.HandleWebhook(map[string]string{"X-Phaxio-Signature": Sign("other", body)}, body); !apperrors.Is(err, apperrors.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature for wrong token, got %v", err)
	}
}

func TestHandleWebhookMissingFaxID(t *testing.T) {
	p := startedProvider(t, "http://unused.invalid")
	body := []byte("status=success")
	_, err := p.HandleWebhook(map[string]string{"x-phaxio-signature": Sign("cbtok", body)}, body)
	if !apperrors.Is(err, apperrors.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}
}

func TestMapStatus(t *testing.T) {
	cases := map[string]domain.JobStatus{
		"queued":            domain.JobStatusQueued,
		"success":           domain.JobStatusSuccess,
		"Delivered":         domain.JobStatusSuccess,
		"failure":           domain.JobStatusFailed,
		"canceled":          domain.JobStatusFailed,
		"inprogress":        domain.JobStatusInProgress,
		"converting":        domain.JobStatusInProgress,
		"some-novel-status": domain.JobStatusInProgress,
		"":                  domain.JobStatusInProgress,
	}
	for raw, want := range cases {
		if got := MapStatus(raw); got != want {
			t.Errorf("MapStatus(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestNormalizeNumber(t *testing.T) {
	if got, err := normalizeNumber("555-888-1234"); err != nil || got != "+5558881234" {
		t.Fatalf("normalize: %q, %v", got, err)
	}
	if _, err := normalizeNumber("123"); !apperrors.Is(err, apperrors.ErrInvalidDestination) {
		t.Fatalf("expected invalid destination, got %v", err)
	}
}
