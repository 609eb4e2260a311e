package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Standard sentinel errors for the error taxonomy shared across packages.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")

	// ErrNetwork marks transient transport failures (timeouts, connection
	// resets). Callers may retry; cache read paths degrade to stale data.
	ErrNetwork = errors.New("network error")

	// ErrUnauthorized marks a 401 from the remote API. It triggers exactly
	// one token refresh attempt before being surfaced.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNeedsReauthorization means the refresh attempt also failed and the
	// stored credential has been cleared. Callers must not retry with the
	// stale token; the operator has to reconnect the account.
	ErrNeedsReauthorization = errors.New("needs reauthorization")

	// ErrInvalidSignature and ErrTokenExpired are subscriber-token failures.
	// Both fail closed: the visitor is treated as anonymous.
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrTokenExpired     = errors.New("token expired")

	// ErrInvalidCode and ErrLockedOut are magic-link challenge failures.
	// Visitor-facing messages stay generic to avoid account enumeration.
	ErrInvalidCode = errors.New("invalid code")
	ErrLockedOut   = errors.New("challenge locked out")

	ErrRateLimited      = errors.New("rate limited")
	ErrRemoteValidation = errors.New("remote validation rejected")

	// ErrConfiguration is fatal and surfaced at startup, never per-request.
	ErrConfiguration = errors.New("configuration error")
)

// AppError is a structured application error with an HTTP status mapping.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`

	// RetryAfter carries the provider-supplied backoff hint for RATE_LIMITED.
	RetryAfter time.Duration `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a 404 error.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s with id %s not found", resource, id),
		Status:  http.StatusNotFound,
		Err:     ErrNotFound,
	}
}

// InvalidInput creates a 400 error.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:    "INVALID_INPUT",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     ErrInvalidInput,
	}
}

// Network creates a 502 error for transient transport failures.
func Network(err error) *AppError {
	return &AppError{
		Code:    "NETWORK_ERROR",
		Message: "remote service unreachable",
		Status:  http.StatusBadGateway,
		Err:     fmt.Errorf("%w: %w", ErrNetwork, err),
	}
}

// Unauthorized creates a 401 error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:    "UNAUTHORIZED",
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     ErrUnauthorized,
	}
}

// NeedsReauthorization creates the terminal credential error: refresh failed
// and the stored credential has been cleared.
func NeedsReauthorization() *AppError {
	return &AppError{
		Code:    "NEEDS_REAUTHORIZATION",
		Message: "account connection is no longer valid and must be reauthorized",
		Status:  http.StatusUnauthorized,
		Err:     ErrNeedsReauthorization,
	}
}

// RateLimited creates a 429 error carrying the provider's retry hint.
func RateLimited(retryAfter time.Duration) *AppError {
	return &AppError{
		Code:       "RATE_LIMITED",
		Message:    "remote service rate limit exceeded",
		Status:     http.StatusTooManyRequests,
		Err:        ErrRateLimited,
		RetryAfter: retryAfter,
	}
}

// RemoteValidation creates a 422 error for business-rule rejections by the
// remote service (e.g. a malformed email it refuses to deliver to).
func RemoteValidation(message string) *AppError {
	return &AppError{
		Code:    "REMOTE_VALIDATION",
		Message: message,
		Status:  http.StatusUnprocessableEntity,
		Err:     ErrRemoteValidation,
	}
}

// Configuration creates a fatal startup error.
func Configuration(message string) *AppError {
	return &AppError{
		Code:    "CONFIGURATION",
		Message: message,
		Status:  http.StatusInternalServerError,
		Err:     ErrConfiguration,
	}
}

// Internal creates a 500 error.
func Internal(err error) *AppError {
	return &AppError{
		Code:    "INTERNAL_ERROR",
		Message: "an internal error occurred",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// HTTPStatus returns the HTTP status code for the given error.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrNeedsReauthorization),
		errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrInvalidCode):
		return http.StatusUnauthorized
	case errors.Is(err, ErrLockedOut):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrRemoteValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNetwork):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsTransient reports whether the error is worth retrying later: network
// failures and rate limits, but never credential or validation failures.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimited)
}
