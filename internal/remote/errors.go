package remote

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/membergate/membergate/pkg/apperrors"
)

// errorEnvelope is the remote service's error body shape.
type errorEnvelope struct {
	Errors []string `json:"errors"`
}

// responseError translates a non-2xx response into the shared error taxonomy:
// 401 becomes Unauthorized (the caller's cue to refresh once), 429 becomes
// RateLimited with the provider's Retry-After hint, 4xx validation statuses
// become RemoteValidation, and everything 5xx is a transient NetworkError.
// The response body is fully consumed and closed.
func responseError(resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr != nil {
		body = nil
	}

	message := ""
	var envelope errorEnvelope
	if json.Unmarshal(body, &envelope) == nil && len(envelope.Errors) > 0 {
		message = envelope.Errors[0]
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return apperrors.Unauthorized("remote api rejected the access token")
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.RateLimited(retryAfter(resp))
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.ErrNotFound
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		if message == "" {
			message = "remote api rejected the request"
		}
		return apperrors.RemoteValidation(message)
	case resp.StatusCode >= 500:
		return apperrors.Network(fmt.Errorf("remote api status %d", resp.StatusCode))
	default:
		return fmt.Errorf("remote api status %d: %s", resp.StatusCode, string(body))
	}
}

// retryAfter reads the Retry-After header in seconds, defaulting to 30s when
// the provider sends nothing usable.
func retryAfter(resp *http.Response) time.Duration {
	const fallback = 30 * time.Second

	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
