package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/outbound-fax-dispatch/internal/repository"
	apperrors "github.com/acme/outbound-fax-dispatch/pkg/errors"
)

func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, apperrors.ErrValidation),
		errors.Is(err, apperrors.ErrInvalidDestination),
		errors.Is(err, apperrors.ErrPayloadRejected),
		errors.Is(err, apperrors.ErrMalformedPayload):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, apperrors.ErrJobNotFound),
		errors.Is(err, apperrors.ErrPluginNotFound),
		errors.Is(err, repository.ErrNotFound),
		errors.Is(err, apperrors.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "resource not found")
	case errors.Is(err, apperrors.ErrConflict), errors.Is(err, repository.ErrConflict):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, apperrors.ErrNoActiveProvider):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, apperrors.ErrProviderRejected):
		return fiber.NewError(http.StatusBadGateway, err.Error())
	case errors.Is(err, apperrors.ErrProviderUnavailable), errors.Is(err, apperrors.ErrUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, apperrors.ErrActivation):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	default:
		return err
	}
}
