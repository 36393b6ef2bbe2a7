package transport

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrConnectivity         = errors.New("connectivity lost")
	ErrUnsupportedOperation = errors.New("operation not supported by transport")
	ErrClosed               = errors.New("transport closed")
	ErrInvalidRequest       = errors.New("invalid request")
)

// HTTPError is a non-success answer from the one-shot endpoint, either an
// HTTP status or an envelope Status.
type HTTPError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("venue http error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
