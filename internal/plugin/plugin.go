// Package plugin defines the contract every transmission provider adapter
// satisfies, and the manifest metadata describing one.
package plugin

import (
	"context"
	"net/http"

	"github.com/acme/outbound-fax-dispatch/internal/domain"
	"github.com/acme/outbound-fax-dispatch/internal/eventbus"
	"github.com/acme/outbound-fax-dispatch/pkg/logger"
)

// Capability verbs a plugin may declare.
const (
	CapabilitySend      = "send"
	CapabilityGetStatus = "get_status"
	CapabilityWebhook   = "webhook"
)

// SettingSpec describes one configuration setting in a plugin manifest.
type SettingSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Secret   bool   `json:"secret"`
}

// Manifest is a plugin's static, public declaration of identity and
// capabilities. Immutable once loaded for a process lifetime.
type Manifest struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Version      string        `json:"version"`
	Description  string        `json:"description,omitempty"`
	Categories   []string      `json:"categories"`
	Capabilities []string      `json:"capabilities"`
	ConfigSchema []SettingSpec `json:"config_schema,omitempty"`
}

// HasCapability reports whether the manifest declares the given verb.
func (m Manifest) HasCapability(verb string) bool {
	for _, c := range m.Capabilities {
		if c == verb {
			return true
		}
	}
	return false
}

// HasCategory reports whether the manifest declares the given category.
func (m Manifest) HasCategory(cat string) bool {
	for _, c := range m.Categories {
		if c == cat {
			return true
		}
	}
	return false
}

// Deps carries the shared infrastructure injected into a plugin at start.
// Plugins log through the provided logger only, with destinations masked.
type Deps struct {
	Logger          *logger.Logger
	HTTP            *http.Client
	Events          *eventbus.Bus
	CallbackBaseURL string
}

// SendOptions carries per-send parameters beyond destination and payload.
type SendOptions struct {
	JobID string
	Extra map[string]string
}

// Plugin is the uniform adapter contract. Implementations own their
// provider's wire formats, status vocabulary, and webhook authentication
// scheme; the manager owns the job state machine.
type Plugin interface {
	// Manifest is pure and side-effect free.
	Manifest() Manifest

	// ValidateConfig rejects missing or malformed settings before Start
	// is attempted. It must never log credential values.
	ValidateConfig(settings map[string]string) error

	// Start establishes any persistent client state. On failure the
	// manager leaves the slot inactive.
	Start(settings map[string]string, deps Deps) error

	// Stop releases resources. Safe to call multiple times, including
	// after a partially failed Start.
	Stop()

	// Send performs one outbound call to the provider.
	Send(ctx context.Context, destination, payloadRef string, opts SendOptions) (domain.SendResult, error)

	// GetStatus polls the provider. Idempotent; every provider-native
	// status maps into the four canonical states, with unrecognized
	// intermediate states mapping to in_progress.
	GetStatus(ctx context.Context, jobID, providerSID string) (domain.StatusResult, error)

	// HandleWebhook verifies the callback's authenticity before trusting
	// the payload, then parses it into a status observation. On
	// verification failure it returns ErrInvalidSignature and the caller
	// mutates no job state.
	HandleWebhook(headers map[string]string, body []byte) (domain.StatusResult, error)
}

// HealthChecker is an optional probe a plugin may expose.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Factory constructs a fresh, unstarted plugin instance.
type Factory func() Plugin

// Ack is the small JSON acknowledgment returned to a provider after a
// verified webhook.
type Ack struct {
	JobID     string `json:"job_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}
