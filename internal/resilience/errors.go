package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// Error classes used by the stage runner and the orchestrator.
const (
	ClassTransient = "transient"
	ClassPermanent = "permanent"
	ClassFatal     = "fatal"
)

// TransientError wraps an error that is safe to retry (429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// PermanentError wraps a per-record failure that retrying cannot fix, such as
// a malformed URL or an explicit 4xx.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps an error as terminal for the record it concerns.
func NewPermanentError(err error, statusCode int) *PermanentError {
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// FatalError wraps an infrastructure failure (missing credential, rejected
// API key, unwritable output) that must halt the whole stage.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// NewFatalError wraps an error as stage-fatal.
func NewFatalError(err error) *FatalError {
	return &FatalError{Err: err}
}

// IsFatal reports whether the error chain carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return err != nil && errors.As(err, &fe)
}

// IsPermanent reports whether the error chain carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return err != nil && errors.As(err, &pe)
}

// IsTransient reports whether err is worth retrying: an explicit
// TransientError, a network timeout, a reset or refused connection, or a
// message matching a known transient pattern. Permanent and fatal errors are
// never transient.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) || IsFatal(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
		"context deadline exceeded",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether a status code is a retryable
// server-side or rate-limit condition.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// FromStatus classifies a non-2xx HTTP response: rate limits and 5xx are
// transient, any other 4xx is permanent.
func FromStatus(err error, statusCode int) error {
	if err == nil {
		err = eris.Errorf("unexpected status %d", statusCode)
	}
	switch {
	case IsTransientHTTPStatus(statusCode), statusCode >= 500:
		return NewTransientError(err, statusCode)
	case statusCode >= 400:
		return NewPermanentError(err, statusCode)
	default:
		return err
	}
}

// Classify returns the error class used for record marks and ledger rows.
// Unclassified errors count as transient so the record is retried next run.
func Classify(err error) string {
	switch {
	case IsFatal(err):
		return ClassFatal
	case IsPermanent(err):
		return ClassPermanent
	default:
		return ClassTransient
	}
}
