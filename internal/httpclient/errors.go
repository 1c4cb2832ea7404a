package httpclient

import (
	"fmt"
)

// maxErrorBodySize bounds how much of an error response body is retained.
const maxErrorBodySize = 32 * 1024

// StatusError is returned for non-2xx responses. The terminal error on
// exhaustion carries the final attempt's status and body unmodified so the
// caller sees exactly what the downstream returned.
type StatusError struct {
	// Code is the HTTP status code.
	Code int

	// Body is the response body, truncated to maxErrorBodySize.
	Body []byte
}

// Error implements error.
func (e *StatusError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// HTTPStatus returns the status code. The retry package uses it to
// classify responses as retryable (5xx, 429, 408) or terminal.
func (e *StatusError) HTTPStatus() int {
	return e.Code
}
