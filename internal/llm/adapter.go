package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// ChatMessage follows the upstream role/content schema.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the normalized turn request sent upstream.
type Request struct {
	SessionID string        `json:"session_id"`
	TurnID    string        `json:"turn_id"`
	InputText string        `json:"input_text"`
	Context   []ChatMessage `json:"context,omitempty"`
}

// Completion is the final assistant output of one upstream call.
type Completion struct {
	Text       string `json:"text"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Adapter talks to the model-completion endpoint.
type Adapter interface {
	// Complete issues a buffered request and returns the whole completion.
	Complete(ctx context.Context, req Request) (Completion, error)
	// StreamResponse issues a streaming request, calling onDelta for every
	// content fragment. It returns the accumulated completion after the
	// termination sentinel or end of body.
	StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Completion, error)
}

var (
	ErrMalformedResponse = errors.New("malformed upstream response")
	ErrMalformedFrame    = errors.New("malformed stream frame")
	ErrStreamIdle        = errors.New("upstream stream idle timeout")
	// ErrStreamTruncated reports a stream body that ended before [DONE].
	ErrStreamTruncated = fmt.Errorf("upstream stream ended before %s: %w", DoneSentinel, io.ErrUnexpectedEOF)
)

// StatusError reports a non-2xx upstream answer.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream http status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream http status %d: %s", e.StatusCode, e.Body)
}

// Config controls adapter construction.
type Config struct {
	Mode              string
	URL               string
	APIKey            string
	Model             string
	MaxTokens         int
	Temperature       float64
	SystemPrompt      string
	ConnectTimeout    time.Duration
	ResponseTimeout   time.Duration
	StreamIdleTimeout time.Duration

	Logger *slog.Logger
	// OnMalformedFrame is invoked for every stream line that was skipped
	// because its payload could not be decoded.
	OnMalformedFrame func()
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) != "" {
			return NewHTTPAdapter(cfg), nil
		}
		return NewMockAdapter(), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("llm api url is required for http mode")
		}
		return NewHTTPAdapter(cfg), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported llm adapter mode %q", cfg.Mode)
	}
}

// ModeOf reports which backend an adapter built by NewAdapter talks to.
func ModeOf(a Adapter) string {
	switch a.(type) {
	case *HTTPAdapter:
		return "http"
	case *MockAdapter:
		return "mock"
	default:
		return "custom"
	}
}

func buildMessages(systemPrompt string, req Request) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(req.Context)+2)
	if strings.TrimSpace(systemPrompt) != "" {
		msgs = append(msgs, ChatMessage{Role: "system", Content: systemPrompt})
	}
	msgs = append(msgs, req.Context...)
	msgs = append(msgs, ChatMessage{Role: "user", Content: req.InputText})
	return msgs
}
