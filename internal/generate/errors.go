package generate

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for generation calls. Checked with errors.Is() at the
// router boundary, which converts them into user-facing messages.
var (
	// ErrNotConfigured indicates no API credential is configured.
	// User-correctable; never retried automatically.
	ErrNotConfigured = errors.New("generation backend not configured")

	// ErrRateLimited indicates local admission control rejected the call
	// before any network traffic. Callers may retry after the window.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrTimeout indicates the client-side deadline elapsed before the
	// backend answered. Distinct from a backend-reported failure.
	ErrTimeout = errors.New("generation timed out")

	// ErrEmptyResponse indicates the backend returned success with no
	// candidate text to extract.
	ErrEmptyResponse = errors.New("backend returned empty response")
)

// BackendError carries a non-success answer from the generation backend.
// The message is passed through verbatim; no automatic retry is attempted
// because quota and transient failures are indistinguishable at this layer.
type BackendError struct {
	Status  int    // HTTP-level status code reported by the backend, 0 if unknown
	Message string // backend's message, passed through
}

func (e *BackendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("backend error: %s", e.Message)
}

// FailureReason is a coarse classification of a backend failure.
type FailureReason int

const (
	// ReasonUnknown is the explicit fallback: the failure could not be
	// classified. Callers must not guess further.
	ReasonUnknown FailureReason = iota

	// ReasonQuotaExhausted indicates the backend rejected the call because
	// the account's quota is spent.
	ReasonQuotaExhausted

	// ReasonInvalidCredential indicates the backend rejected the credential.
	ReasonInvalidCredential
)

// ClassifyFailure inspects a backend error and guesses why it failed.
//
// The status code is authoritative when present. The message-text matching
// below it is a heuristic carried over from settings validation and is
// known to be fragile; when in doubt the answer is ReasonUnknown, and a
// ReasonUnknown must be treated as a real failure, never downgraded.
func ClassifyFailure(err error) FailureReason {
	var be *BackendError
	if !errors.As(err, &be) {
		return ReasonUnknown
	}

	switch be.Status {
	case 429:
		return ReasonQuotaExhausted
	case 401, 403:
		return ReasonInvalidCredential
	}

	msg := strings.ToLower(be.Message)
	switch {
	case strings.Contains(msg, "quota") || strings.Contains(msg, "resource_exhausted"):
		return ReasonQuotaExhausted
	case strings.Contains(msg, "api key not valid") || strings.Contains(msg, "unauthenticated"):
		return ReasonInvalidCredential
	}
	return ReasonUnknown
}
