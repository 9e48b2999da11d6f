package resources

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
)

// Severity says what the driver does with a step error.
type Severity int

const (
	Fatal Severity = iota
	Retryable
)

func (s Severity) String() string {
	if s == Retryable {
		return "retryable"
	}
	return "fatal"
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }
func (e *transientError) Cause() error  { return e.err }

// Transient marks err as a propagation delay that is worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// ClassifyError decides between retrying and aborting. Explicit Transient
// marks win, then rate limiting and server side failures are retried, and
// everything else (auth, validation, not found) aborts the run.
func ClassifyError(err error) Severity {
	if err == nil {
		return Fatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}

	var te *transientError
	if errors.As(err, &te) {
		return Retryable
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return Retryable
		}
		return Fatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}
	return Fatal
}

func HasErrorCode(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

func IsAlreadyExists(err error) bool {
	return HasErrorCode(err, http.StatusConflict)
}

func IsNotFound(err error) bool {
	return HasErrorCode(err, http.StatusNotFound)
}

// ErrorMentions reports whether the provider error text contains substr.
func ErrorMentions(err error, substr string) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if strings.Contains(gerr.Message, substr) || strings.Contains(gerr.Body, substr) {
			return true
		}
		for _, item := range gerr.Errors {
			if strings.Contains(item.Message, substr) {
				return true
			}
		}
		return false
	}
	return err != nil && strings.Contains(err.Error(), substr)
}

// ProviderMessage returns the provider's own error text when err came from
// a Google API, and err.Error() otherwise.
func ProviderMessage(err error) string {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Message != "" {
		return gerr.Message
	}
	return err.Error()
}
