package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxResponseBytes = 8 << 20
	maxLogLineBytes  = 256
)

// HTTPAdapter talks to a chat-completions compatible HTTP endpoint.
type HTTPAdapter struct {
	cfg         Config
	client      *http.Client
	logger      *slog.Logger
	onMalformed func()
}

func NewHTTPAdapter(cfg Config) *HTTPAdapter {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	// No client-wide Timeout: it would cut long streams. Buffered calls get a
	// per-request deadline instead, streams an idle watchdog.
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &HTTPAdapter{
		cfg:         cfg,
		client:      &http.Client{Transport: transport},
		logger:      logger.With("component", "llm_http"),
		onMalformed: cfg.OnMalformedFrame,
	}
}

func (a *HTTPAdapter) Complete(ctx context.Context, req Request) (Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ResponseTimeout)
	defer cancel()

	res, err := a.send(ctx, req, false)
	if err != nil {
		return Completion{}, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return Completion{}, fmt.Errorf("read response: %w", err)
	}

	var payload chatCompletionResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(payload.Choices) == 0 {
		return Completion{}, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}

	return Completion{
		Text:       payload.Choices[0].Message.Content,
		Model:      payload.Model,
		TokensUsed: payload.Usage.TotalTokens,
	}, nil
}

func (a *HTTPAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Completion, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	res, err := a.send(ctx, req, true)
	if err != nil {
		return Completion{}, err
	}
	defer res.Body.Close()

	return a.consumeSSE(ctx, cancel, res.Body, onDelta)
}

func (a *HTTPAdapter) send(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(chatCompletionRequest{
		Model:       a.cfg.Model,
		Messages:    buildMessages(a.cfg.SystemPrompt, req),
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	res, err := a.client.Do(httpReq)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, &StatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return res, nil
}

func (a *HTTPAdapter) consumeSSE(
	ctx context.Context,
	cancel context.CancelCauseFunc,
	body io.Reader,
	onDelta DeltaHandler,
) (Completion, error) {
	var idle *time.Timer
	if a.cfg.StreamIdleTimeout > 0 {
		idle = time.AfterFunc(a.cfg.StreamIdleTimeout, func() { cancel(ErrStreamIdle) })
		defer idle.Stop()
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		if idle != nil {
			idle.Reset(a.cfg.StreamIdleTimeout)
		}
		line := strings.TrimRight(scanner.Text(), "\r")
		frame := ParseFrame(line)
		switch frame.Kind {
		case FrameDone:
			return Completion{Text: out.String(), Model: a.cfg.Model}, nil
		case FrameDelta:
			out.WriteString(frame.Text)
			if onDelta != nil {
				if err := onDelta(frame.Text); err != nil {
					return Completion{}, err
				}
			}
		default:
			if frame.Err != nil {
				a.logger.Debug("skipping malformed stream frame", "error", frame.Err, "line", truncate(line, maxLogLineBytes))
				if a.onMalformed != nil {
					a.onMalformed()
				}
			}
		}
	}
	if ctx.Err() != nil {
		return Completion{}, context.Cause(ctx)
	}
	if err := scanner.Err(); err != nil {
		return Completion{}, fmt.Errorf("stream read: %w", err)
	}
	// Without the sentinel the reply may be cut short; never hand it on as complete.
	return Completion{}, ErrStreamTruncated
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
