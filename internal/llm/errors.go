package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/quantloft/orcad/internal/errkind"
)

// providerError carries enough context about a vendor failure to classify
// it into one of this repo's error kinds (§7).
type providerError struct {
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *providerError) Error() string {
	if e.Message != "" {
		return e.Provider + ": " + e.Message
	}
	if e.Cause != nil {
		return e.Provider + ": " + e.Cause.Error()
	}
	return e.Provider + ": request failed"
}

func (e *providerError) Unwrap() error { return e.Cause }

// classify maps an HTTP status/error from a vendor client onto this
// codebase's error taxonomy: rate limits, timeouts, and 5xx are transient;
// auth/billing/invalid-request are not retryable here (an operator must
// act); everything else that looks like un-parseable model output is the
// caller's concern, not this package's.
func classify(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return errkind.Wrap(errkind.Transient, err)
	case status == http.StatusRequestTimeout:
		return errkind.Wrap(errkind.Timeout, err)
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusPaymentRequired:
		return errkind.Wrap(errkind.Validation, err)
	case status == http.StatusBadRequest:
		return errkind.Wrap(errkind.Validation, err)
	case status == 0 && isTransportTransient(err):
		return errkind.Wrap(errkind.Transient, err)
	default:
		return errkind.Wrap(errkind.Transient, err)
	}
}

// isTransportTransient recognizes connection-level failures (no HTTP status
// available) that are worth retrying: resets, timeouts, EOF mid-stream.
func isTransportTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset", "timeout", "eof", "broken pipe"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
