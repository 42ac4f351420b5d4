package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	apperrors "github.com/acme/outbound-fax-dispatch/pkg/errors"
)

// providerCallback receives one provider status callback. The payload is
// untrusted until the owning plugin verifies its signature; routing and
// verification failures deliberately carry no detail in the response.
func (h *HandlerSet) providerCallback(ctx *fiber.Ctx) error {
	headers := make(map[string]string)
	ctx.Request().Header.VisitAll(func(key, value []byte) {
		headers[string(key)] = string(value)
	})

	body := make([]byte, len(ctx.Body()))
	copy(body, ctx.Body())

	ack, err := h.router.Dispatch(ctx.Context(), ctx.Path(), headers, body)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrUnknownRoute), errors.Is(err, apperrors.ErrNoActiveProvider):
			return fiber.NewError(fiber.StatusNotFound, "unknown route")
		case errors.Is(err, apperrors.ErrInvalidSignature):
			return fiber.NewError(fiber.StatusBadRequest, "signature verification failed")
		case errors.Is(err, apperrors.ErrMalformedPayload), errors.Is(err, apperrors.ErrJobNotFound):
			return fiber.NewError(fiber.StatusBadRequest, "unprocessable callback")
		default:
			return fiber.NewError(fiber.StatusInternalServerError, "callback processing failed")
		}
	}

	return ctx.JSON(fiber.Map{
		"job_id":    ack.JobID,
		"status":    ack.Status,
		"duplicate": ack.Duplicate,
	})
}

func (h *HandlerSet) recentWebhooks(ctx *fiber.Ctx) error {
	limit := ctx.QueryInt("limit", 50)
	return ctx.JSON(fiber.Map{"webhooks": h.router.Recent(limit)})
}
