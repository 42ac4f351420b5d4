package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/acme/outbound-fax-dispatch/internal/configstore"
	"github.com/acme/outbound-fax-dispatch/internal/domain"
	"github.com/acme/outbound-fax-dispatch/internal/eventbus"
)

type pluginResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description,omitempty"`
	Categories   []string `json:"categories,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	ActiveSlots  []string `json:"active_slots,omitempty"`
}

func (h *HandlerSet) listPlugins(ctx *fiber.Ctx) error {
	activeBy := make(map[string][]string)
	for _, slot := range domain.Slots() {
		if id, ok := h.manager.ActivePlugin(slot); ok {
			activeBy[id] = append(activeBy[id], string(slot))
		}
	}

	manifests := h.registry.Discover()
	out := make([]pluginResponse, 0, len(manifests))
	for _, m := range manifests {
		out = append(out, pluginResponse{
			ID:           m.ID,
			Name:         m.Name,
			Version:      m.Version,
			Description:  m.Description,
			Categories:   m.Categories,
			Capabilities: m.Capabilities,
			ActiveSlots:  activeBy[m.ID],
		})
	}
	return ctx.JSON(fiber.Map{"plugins": out})
}

func (h *HandlerSet) reloadPlugin(ctx *fiber.Ctx) error {
	pluginID := ctx.Params("id")
	if _, err := h.registry.Manifest(pluginID); err != nil {
		return translateError(err)
	}
	if err := h.manager.Reload(ctx.Context(), pluginID); err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"plugin_id": pluginID, "reloaded": true})
}

// getConfig returns the provider configuration with secret settings
// masked. The raw values never leave the store through this surface.
func (h *HandlerSet) getConfig(ctx *fiber.Ctx) error {
	cfg, err := h.store.Read()
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(cfg.Redacted())
}

func (h *HandlerSet) putConfig(ctx *fiber.Ctx) error {
	var cfg configstore.ProviderConfig
	if err := ctx.BodyParser(&cfg); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	// Placeholder secrets from the redacted view keep their stored values.
	if current, err := h.store.Read(); err == nil {
		cfg.MergeRedacted(current)
	}

	if err := h.store.Write(&cfg); err != nil {
		return translateError(err)
	}
	h.emit(eventbus.Event{Type: eventbus.TypeConfigWritten})

	if err := h.manager.Initialize(ctx.Context()); err != nil {
		return translateError(err)
	}
	result, err := h.store.Read()
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(result.Redacted())
}

func (h *HandlerSet) listBackups(ctx *fiber.Ctx) error {
	backups, err := h.store.ListBackups()
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"backups": backups})
}

type rollbackRequest struct {
	BackupID string `json:"backup_id"`
}

// rollback restores a backup as the live configuration and re-activates
// providers from it. An empty backup_id restores the newest backup.
func (h *HandlerSet) rollback(ctx *fiber.Ctx) error {
	var req rollbackRequest
	if len(ctx.Body()) > 0 {
		if err := ctx.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	cfg, err := h.store.Rollback(req.BackupID)
	if err != nil {
		return translateError(err)
	}
	h.emit(eventbus.Event{Type: eventbus.TypeConfigRolledBack, Fields: map[string]string{"backup_id": req.BackupID}})

	if err := h.manager.Initialize(ctx.Context()); err != nil {
		return translateError(err)
	}
	return ctx.JSON(cfg.Redacted())
}

func (h *HandlerSet) emit(ev eventbus.Event) {
	bus, err := h.container.Bus()
	if err != nil {
		return
	}
	_ = bus.Emit(ev)
}
