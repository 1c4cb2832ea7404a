package retry

import (
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// statusCoder is implemented by errors that carry an HTTP status code,
// such as httpclient.StatusError. The retry package classifies them
// without depending on the transport layer.
type statusCoder interface {
	HTTPStatus() int
}

// HTTPStatus extracts an HTTP status code from the error chain.
// Returns 0 when the error carries no status.
func HTTPStatus(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// retryableStatusCodes are the HTTP status codes retried by default:
// request timeout, rate limiting, and upstream unavailability.
var retryableStatusCodes = map[int]bool{
	408: true, // Request Timeout
	429: true, // Too Many Requests
	500: true, // Internal Server Error
	502: true, // Bad Gateway
	503: true, // Service Unavailable
	504: true, // Gateway Timeout
}

// DefaultShouldRetry is the default retryability predicate.
//
// Retryable: network timeouts, connection refused/reset, DNS failures,
// unexpected connection closure, HTTP 408/429/5xx upstream statuses, and
// the transient gRPC codes. Everything else is terminal, notably 4xx
// client errors other than 408/429 and authorization failures.
func DefaultShouldRetry(err error, _ int) bool {
	if err == nil {
		return false
	}

	if code := HTTPStatus(err); code != 0 {
		return retryableStatusCodes[code]
	}

	if isNetworkError(err) {
		return true
	}

	return isRetryableGRPC(err)
}

// isNetworkError reports whether err is a transient network failure.
func isNetworkError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Timeout() || urlErr.Temporary()
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	// Connection closed mid-response
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return false
}

// retryableGRPCCodes are the transient gRPC status codes.
var retryableGRPCCodes = map[codes.Code]bool{
	codes.Unavailable:       true,
	codes.ResourceExhausted: true,
	codes.Aborted:           true,
	codes.DeadlineExceeded:  true,
}

// isRetryableGRPC reports whether err is a transient gRPC status error.
func isRetryableGRPC(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	return retryableGRPCCodes[st.Code()]
}

// Condition classifies an error as retryable or terminal. Conditions
// combine into ShouldRetryFunc predicates via Predicate.
type Condition interface {
	// ShouldRetry returns true if the error should be retried.
	ShouldRetry(err error) bool
}

// Predicate adapts conditions into a ShouldRetryFunc, retrying when any
// condition matches.
func Predicate(conditions ...Condition) ShouldRetryFunc {
	return func(err error, _ int) bool {
		for _, condition := range conditions {
			if condition.ShouldRetry(err) {
				return true
			}
		}
		return false
	}
}

// StatusCodeCondition retries on specific HTTP status codes.
type StatusCodeCondition struct {
	codes map[int]bool
}

// OnStatusCodes creates a condition that retries on specific HTTP status codes.
func OnStatusCodes(statusCodes ...int) *StatusCodeCondition {
	codeMap := make(map[int]bool)
	for _, code := range statusCodes {
		codeMap[code] = true
	}
	return &StatusCodeCondition{codes: codeMap}
}

// ShouldRetry implements Condition.
func (c *StatusCodeCondition) ShouldRetry(err error) bool {
	return c.codes[HTTPStatus(err)]
}

// ServerErrorCondition retries on 5xx status codes.
type ServerErrorCondition struct{}

// On5xx creates a condition that retries on 5xx status codes.
func On5xx() *ServerErrorCondition {
	return &ServerErrorCondition{}
}

// ShouldRetry implements Condition.
func (c *ServerErrorCondition) ShouldRetry(err error) bool {
	code := HTTPStatus(err)
	return code >= 500 && code < 600
}

// NetworkErrorCondition retries on transient network errors.
type NetworkErrorCondition struct{}

// OnNetworkErrors creates a condition that retries on network errors.
func OnNetworkErrors() *NetworkErrorCondition {
	return &NetworkErrorCondition{}
}

// ShouldRetry implements Condition.
func (c *NetworkErrorCondition) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	return isNetworkError(err)
}

// GRPCCodeCondition retries on specific gRPC status codes.
type GRPCCodeCondition struct {
	codes map[codes.Code]bool
}

// OnGRPCCodes creates a condition that retries on specific gRPC status codes.
func OnGRPCCodes(grpcCodes ...codes.Code) *GRPCCodeCondition {
	codeMap := make(map[codes.Code]bool)
	for _, code := range grpcCodes {
		codeMap[code] = true
	}
	return &GRPCCodeCondition{codes: codeMap}
}

// ShouldRetry implements Condition.
func (c *GRPCCodeCondition) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	return c.codes[st.Code()]
}

// NeverCondition never retries.
type NeverCondition struct{}

// Never creates a condition that never retries.
func Never() *NeverCondition {
	return &NeverCondition{}
}

// ShouldRetry implements Condition.
func (c *NeverCondition) ShouldRetry(err error) bool {
	return false
}
