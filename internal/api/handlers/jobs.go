package handlers

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/outbound-fax-dispatch/internal/domain"
	"github.com/acme/outbound-fax-dispatch/internal/plugin"
)

type sendJobRequest struct {
	To         string            `json:"to"`
	PayloadRef string            `json:"payload_ref"`
	Extra      map[string]string `json:"extra,omitempty"`
}

type jobResponse struct {
	JobID       string `json:"job_id"`
	Backend     string `json:"backend,omitempty"`
	ProviderSID string `json:"provider_sid,omitempty"`
	Status      string `json:"status"`
	Pages       *int   `json:"pages,omitempty"`
	Error       string `json:"error,omitempty"`
}

type auditEntryResponse struct {
	EventType  string    `json:"event_type"`
	Status     string    `json:"status,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (h *HandlerSet) sendJob(ctx *fiber.Ctx) error {
	var req sendJobRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.To) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "to is required")
	}
	if strings.TrimSpace(req.PayloadRef) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "payload_ref is required")
	}

	result, err := h.manager.Send(ctx.Context(), req.To, req.PayloadRef, plugin.SendOptions{Extra: req.Extra})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(fiber.StatusAccepted).JSON(jobResponse{
		JobID:       result.JobID,
		Backend:     result.Backend,
		ProviderSID: result.ProviderSID,
		Status:      string(domain.JobStatusInProgress),
	})
}

func (h *HandlerSet) getJob(ctx *fiber.Ctx) error {
	jobID := ctx.Params("id")

	res, err := h.manager.GetStatus(ctx.Context(), jobID)
	if err != nil {
		return translateError(err)
	}

	return ctx.JSON(jobResponse{
		JobID:       res.JobID,
		ProviderSID: res.ProviderSID,
		Status:      string(res.Status),
		Pages:       res.Pages,
		Error:       res.Error,
	})
}

// cancelJob stops further status updates from being applied to a job.
// The provider is not asked to abort transmission.
func (h *HandlerSet) cancelJob(ctx *fiber.Ctx) error {
	jobID := ctx.Params("id")

	if err := h.manager.SuppressUpdates(ctx.Context(), jobID); err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"job_id": jobID, "updates_suppressed": true})
}

func (h *HandlerSet) jobAudit(ctx *fiber.Ctx) error {
	jobID := ctx.Params("id")

	limit := 100
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "invalid limit")
		}
		limit = parsed
	}

	records, err := h.audit.ListByJob(ctx.Context(), jobID, limit)
	if err != nil {
		return translateError(err)
	}

	entries := make([]auditEntryResponse, 0, len(records))
	for _, rec := range records {
		entries = append(entries, auditEntryResponse{
			EventType:  rec.EventType,
			Status:     rec.Status,
			Detail:     rec.Detail,
			OccurredAt: rec.OccurredAt,
		})
	}
	return ctx.JSON(fiber.Map{"job_id": jobID, "events": entries})
}
