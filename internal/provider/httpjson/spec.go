package httpjson

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/acme/outbound-fax-dispatch/internal/plugin"
)

// Spec is the declarative description of an HTTP provider, loaded from an
// external plugin directory's manifest.json. It lets operators integrate
// a REST provider without shipping code: URL templates, auth scheme,
// response field paths, and a status translation table.
type Spec struct {
	plugin.Manifest

	Auth           AuthSpec          `json:"auth"`
	AllowedDomains []string          `json:"allowed_domains"`
	TimeoutMs      int               `json:"timeout_ms"`
	Actions        ActionSet         `json:"actions"`
	StatusMap      map[string]string `json:"status_map"`
	Webhook        *WebhookSpec      `json:"webhook,omitempty"`
}

// AuthSpec selects how requests are authenticated.
type AuthSpec struct {
	Scheme string `json:"scheme"` // none|basic|bearer|header
	Header string `json:"header,omitempty"`
}

// ActionSet holds the HTTP actions a provider supports.
type ActionSet struct {
	Send      *ActionSpec `json:"send,omitempty"`
	GetStatus *ActionSpec `json:"get_status,omitempty"`
}

// ActionSpec is one templated HTTP call.
type ActionSpec struct {
	Method   string            `json:"method"`
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers,omitempty"`
	BodyKind string            `json:"body_kind,omitempty"` // json|form|none
	Body     map[string]string `json:"body,omitempty"`
	Response ResponseMap       `json:"response"`
}

// ResponseMap names dotted paths into the provider's JSON response.
type ResponseMap struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Status        string `json:"status,omitempty"`
	Pages         string `json:"pages,omitempty"`
	Error         string `json:"error,omitempty"`
}

// WebhookSpec describes callback verification and payload field paths.
type WebhookSpec struct {
	// Scheme: hmac_sha256 signs the raw body with the secret setting;
	// shared_header compares the header value against the secret setting.
	Scheme        string `json:"scheme"`
	Header        string `json:"header"`
	SecretSetting string `json:"secret_setting"`

	Fields ResponseMap `json:"fields"`
}

var idPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// ParseSpec decodes and validates an external plugin manifest document.
func ParseSpec(raw []byte) (*Spec, error) {
	spec := new(Spec)
	if err := json.Unmarshal(raw, spec); err != nil {
		return nil, fmt.Errorf("httpjson: parse manifest: %w", err)
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func (s *Spec) validate() error {
	if !idPattern.MatchString(s.ID) {
		return fmt.Errorf("httpjson: manifest id %q must be lowercase letters, digits, and hyphens", s.ID)
	}
	if s.Name == "" || s.Version == "" {
		return fmt.Errorf("httpjson: manifest %q missing name or version", s.ID)
	}
	if len(s.Categories) == 0 || len(s.Capabilities) == 0 {
		return fmt.Errorf("httpjson: manifest %q missing categories or capabilities", s.ID)
	}
	if s.Manifest.HasCapability(plugin.CapabilitySend) && s.Actions.Send == nil {
		return fmt.Errorf("httpjson: manifest %q declares send without a send action", s.ID)
	}
	if s.Manifest.HasCapability(plugin.CapabilityGetStatus) && s.Actions.GetStatus == nil {
		return fmt.Errorf("httpjson: manifest %q declares get_status without a get_status action", s.ID)
	}
	if s.Manifest.HasCapability(plugin.CapabilityWebhook) {
		if s.Webhook == nil || s.Webhook.Header == "" || s.Webhook.SecretSetting == "" {
			return fmt.Errorf("httpjson: manifest %q declares webhook without a verification scheme", s.ID)
		}
		switch s.Webhook.Scheme {
		case "hmac_sha256", "shared_header":
		default:
			return fmt.Errorf("httpjson: manifest %q has unsupported webhook scheme %q", s.ID, s.Webhook.Scheme)
		}
	}
	if len(s.AllowedDomains) == 0 {
		return fmt.Errorf("httpjson: manifest %q must declare allowed_domains", s.ID)
	}
	return nil
}
