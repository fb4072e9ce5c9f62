package reliability

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/ent0n29/chatrelay/internal/llm"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Failure is an upstream error reduced to a stable code and a hint telling
// the client whether resending the same message may succeed.
type Failure struct {
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// ClassifyUpstream maps an adapter error to a Failure. Nothing in the
// service retries on its own; the hint is passed through to clients.
func ClassifyUpstream(err error) Failure {
	var statusErr *llm.StatusError
	var netErr net.Error
	switch {
	case err == nil:
		return Failure{Code: "ok"}
	case errors.Is(err, context.Canceled):
		return Failure{Code: "canceled"}
	case errors.As(err, &statusErr):
		return Failure{
			Code:      "status_" + strconv.Itoa(statusErr.StatusCode),
			Retryable: IsRetryableHTTPStatus(statusErr.StatusCode),
		}
	case errors.Is(err, llm.ErrStreamIdle):
		return Failure{Code: "idle_timeout", Retryable: true}
	case errors.Is(err, context.DeadlineExceeded):
		return Failure{Code: "timeout", Retryable: true}
	case errors.Is(err, llm.ErrStreamTruncated):
		return Failure{Code: "stream_truncated", Retryable: true}
	case errors.Is(err, llm.ErrMalformedResponse):
		return Failure{Code: "malformed_response"}
	case errors.As(err, &netErr) && netErr.Timeout():
		return Failure{Code: "timeout", Retryable: true}
	default:
		return Failure{Code: "transport", Retryable: true}
	}
}
