package configstore

import (
	"fmt"

	"github.com/acme/outbound-fax-dispatch/internal/domain"
	"github.com/acme/outbound-fax-dispatch/internal/redact"
	apperrors "github.com/acme/outbound-fax-dispatch/pkg/errors"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = 1

// SlotConfig binds one capability slot to a plugin and its settings.
type SlotConfig struct {
	Plugin   string            `json:"plugin"`
	Enabled  bool              `json:"enabled"`
	Settings map[string]string `json:"settings"`
}

// ProviderConfig is the persisted provider configuration document.
type ProviderConfig struct {
	Version   int                        `json:"version"`
	Providers map[domain.Slot]SlotConfig `json:"providers"`
}

// Default synthesizes a configuration from bootstrap values. Used only
// when no configuration file exists yet.
func Default(outboundPlugin string, outboundSettings map[string]string) *ProviderConfig {
	settings := map[string]string{}
	for k, v := range outboundSettings {
		settings[k] = v
	}
	cfg := &ProviderConfig{
		Version:   CurrentVersion,
		Providers: map[domain.Slot]SlotConfig{},
	}
	for _, slot := range domain.Slots() {
		cfg.Providers[slot] = SlotConfig{Settings: map[string]string{}}
	}
	if outboundPlugin != "" {
		cfg.Providers[domain.SlotOutbound] = SlotConfig{
			Plugin:   outboundPlugin,
			Enabled:  true,
			Settings: settings,
		}
	}
	return cfg
}

// Clone returns a deep copy so callers can mutate freely.
func (c *ProviderConfig) Clone() *ProviderConfig {
	out := &ProviderConfig{
		Version:   c.Version,
		Providers: make(map[domain.Slot]SlotConfig, len(c.Providers)),
	}
	for slot, sc := range c.Providers {
		settings := make(map[string]string, len(sc.Settings))
		for k, v := range sc.Settings {
			settings[k] = v
		}
		out.Providers[slot] = SlotConfig{
			Plugin:   sc.Plugin,
			Enabled:  sc.Enabled,
			Settings: settings,
		}
	}
	return out
}

// Redacted returns a copy with credential values masked, for admin views.
func (c *ProviderConfig) Redacted() *ProviderConfig {
	out := c.Clone()
	for slot, sc := range out.Providers {
		sc.Settings = redact.Settings(sc.Settings)
		out.Providers[slot] = sc
	}
	return out
}

// MergeRedacted fills settings that arrive as the redaction placeholder
// with the corresponding values from current. A GET, edit, PUT round
// trip of the redacted admin view would otherwise persist the literal
// placeholder as a credential. Explicitly changed secrets are kept.
func (c *ProviderConfig) MergeRedacted(current *ProviderConfig) {
	if current == nil {
		return
	}
	for slot, sc := range c.Providers {
		cur, ok := current.Providers[slot]
		if !ok {
			continue
		}
		for name, value := range sc.Settings {
			if value != redact.Placeholder {
				continue
			}
			if prev, ok := cur.Settings[name]; ok {
				sc.Settings[name] = prev
			}
		}
	}
}

// Validate checks structure and scans settings for sensitive personal
// data. Sensitive data is rejected, never silently stripped.
func (c *ProviderConfig) Validate() error {
	if c.Version <= 0 {
		return apperrors.Wrap(apperrors.ErrValidation, "config: missing schema version")
	}
	if len(c.Providers) == 0 {
		return apperrors.Wrap(apperrors.ErrValidation, "config: no provider slots")
	}
	for slot, sc := range c.Providers {
		if !domain.ValidSlot(string(slot)) {
			return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("config: unknown slot %q", slot))
		}
		if sc.Enabled && sc.Plugin == "" {
			return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("config: slot %q enabled without a plugin", slot))
		}
		if flagged := redact.ScanSettings(sc.Settings); len(flagged) > 0 {
			return apperrors.Wrap(apperrors.ErrValidation,
				fmt.Sprintf("config: slot %q settings contain sensitive fields %v", slot, flagged))
		}
	}
	return nil
}
