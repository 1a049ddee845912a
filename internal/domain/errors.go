package domain

import "errors"

// Error taxonomy (sentinels). Handlers map these onto HTTP statuses;
// the dispatcher decides retryability from them.
var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrOverloaded        = errors.New("overloaded")
	ErrNoBackend         = errors.New("no backend available")
	ErrTimeout           = errors.New("timeout")
	ErrTransport         = errors.New("transport error")
	ErrUpstreamClient    = errors.New("upstream client error")
	ErrUpstreamServer    = errors.New("upstream server error")
	ErrMalformedResponse = errors.New("malformed response")
	ErrBatchShort        = errors.New("batch short response")
	ErrCancelled         = errors.New("cancelled")
	ErrNotFound          = errors.New("not found")
	ErrInternal          = errors.New("internal error")
)

// Retryable reports whether a failed attempt may be retried on another
// backend. Only transient upstream conditions qualify.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport) || errors.Is(err, ErrUpstreamServer)
}

// ErrorKind returns the stable machine-readable kind for err. Unknown
// errors are reported as internal.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	case errors.Is(err, ErrNoBackend):
		return "no_backend_available"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrUpstreamClient):
		return "upstream_client"
	case errors.Is(err, ErrUpstreamServer):
		return "upstream_server"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, ErrBatchShort):
		return "batch_short_response"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
