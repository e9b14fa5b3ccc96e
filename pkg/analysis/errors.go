package analysis

import (
	"errors"
	"fmt"
)

// Sentinel errors for the analysis package.
var (
	// ErrNoAPIKey is returned when the analyzer has no key.
	ErrNoAPIKey = errors.New("analysis: API key required")

	// ErrNoChoices is returned when the completion has no choices.
	ErrNoChoices = errors.New("analysis: no choices returned")

	// ErrInvalidResult is returned when the reply is not the expected JSON object.
	ErrInvalidResult = errors.New("analysis: invalid result")
)

// APIError is a non-200 response from the completions endpoint.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("analysis: API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("analysis: API error %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited returns true for HTTP 429.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == 429
}

// IsServerError returns true for HTTP 5xx.
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}
