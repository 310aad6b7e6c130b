package gmail

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
)

// AuthError indicates that OAuth credential loading or token exchange
// failed. It is fatal and never retried.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("auth error: %s", e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// APIError wraps a non-rate-limit Gmail API failure. It is fatal to
// the current call and never retried.
type APIError struct {
	Op  string
	Err error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gmail API error during %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// RateLimitError indicates that an operation exhausted its retry
// budget against 429 responses.
type RateLimitError struct {
	Op      string
	Retries int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited during %s after %d retries", e.Op, e.Retries)
}

// IsRateLimitError reports whether err is a retry-exhaustion failure.
func IsRateLimitError(err error) bool {
	var rlErr *RateLimitError
	return errors.As(err, &rlErr)
}

// ParseError indicates structural corruption in a raw message payload.
// It is caught per message by the orchestrator and never aborts a batch.
type ParseError struct {
	MessageID string
	Err       error
}

func (e *ParseError) Error() string {
	id := e.MessageID
	if id == "" {
		id = "?"
	}
	return fmt.Sprintf("parsing message %s: %v", id, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// isRateLimited reports whether err represents a Gmail API 429. The
// transport surfaces rate limits both as structured googleapi errors
// and as plain error strings, so both shapes are checked.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusTooManyRequests {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rateLimitExceeded") ||
		strings.Contains(msg, "rate limit exceeded")
}
