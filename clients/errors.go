// Package clients holds the HTTP clients for the two external systems and the
// shared error taxonomy the sync engine triages failures with.
package clients

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

// APIError is any non-2xx response from either external system.
type APIError struct {
	System  string // "crm" or "rental"
	Status  int
	Code    string // remote error code when the API supplies one
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s api error %d (%s): %s", e.System, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s api error %d: %s", e.System, e.Status, e.Message)
}

// Classify maps an error onto the coarse taxonomy used by SyncError rows.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.ErrorTypeTimeout
		}
		return models.ErrorTypeConnection
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusTooManyRequests:
			return models.ErrorTypeRateLimit
		case apiErr.Status == http.StatusRequestTimeout:
			return models.ErrorTypeTimeout
		case apiErr.Status >= 400 && apiErr.Status < 500:
			return models.ErrorTypeValidation
		case apiErr.Status >= 500:
			return models.ErrorTypeAPI
		}
	}
	return models.ErrorTypeUnknown
}

func IsRateLimit(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests
}

func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsConflict reports a duplicate-value/conflict response. Synchronizers use it
// as the signal to fall back to natural-key dedup instead of creating twice.
func IsConflict(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Status == http.StatusConflict {
		return true
	}
	return apiErr.Code == "DUPLICATE_VALUE" || apiErr.Code == "CONFLICT"
}

// IsRetryable covers transient failures the transport layer may repeat:
// rate limiting, 5xx and connection/timeout problems. Validation errors are
// permanent and must never be retried.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case models.ErrorTypeRateLimit, models.ErrorTypeAPI, models.ErrorTypeConnection, models.ErrorTypeTimeout:
		return true
	}
	return false
}
