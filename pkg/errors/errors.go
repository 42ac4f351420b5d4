package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation error")
	ErrUnavailable = errors.New("service unavailable")

	// Send failures.
	ErrInvalidDestination  = errors.New("invalid destination")
	ErrPayloadRejected     = errors.New("payload rejected")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderRejected    = errors.New("provider rejected")

	// Status failures.
	ErrJobNotFound = errors.New("job not found")

	// Webhook failures.
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnknownRoute     = errors.New("unknown route")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrProcessing       = errors.New("processing error")

	// Plugin lifecycle failures.
	ErrActivation       = errors.New("activation failed")
	ErrNoActiveProvider = errors.New("no active provider")
	ErrPluginNotFound   = errors.New("plugin not found")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}

// Retryable reports whether the caller may reasonably retry the operation.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrUnavailable)
}
