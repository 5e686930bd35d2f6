package scrape

import (
	"errors"
	"fmt"
	"net"

	"github.com/sells-group/prospect-cli/internal/resilience"
)

// FetchError is a failed fetch of one URL. Err carries the resilience class,
// so resilience.IsPermanent reports whether the failure is terminal.
type FetchError struct {
	URL        string
	StatusCode int
	Strategy   string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s (%s): status %d: %v", e.URL, e.Strategy, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, e.Strategy, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// newFetchError classifies err by status code and network condition.
func newFetchError(rawURL, strategy string, status int, err error) *FetchError {
	switch {
	case status >= 400:
		err = resilience.FromStatus(err, status)
	case isDeadHost(err):
		err = resilience.NewPermanentError(err, 0)
	}
	return &FetchError{URL: rawURL, StatusCode: status, Strategy: strategy, Err: err}
}

func isDeadHost(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
