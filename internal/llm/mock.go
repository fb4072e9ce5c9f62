package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockAdapter provides deterministic local replies when no upstream is configured.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) Complete(ctx context.Context, req Request) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	text := buildMockReply(req)
	return Completion{Text: text, Model: "mock", TokensUsed: len(strings.Fields(text))}, nil
}

// StreamResponse emits the reply one word at a time so callers see real
// incremental deltas.
func (a *MockAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Completion, error) {
	text := buildMockReply(req)
	for _, piece := range splitWords(text) {
		if err := ctx.Err(); err != nil {
			return Completion{}, err
		}
		if onDelta != nil {
			if err := onDelta(piece); err != nil {
				return Completion{}, err
			}
		}
	}
	return Completion{Text: text, Model: "mock", TokensUsed: len(strings.Fields(text))}, nil
}

func buildMockReply(req Request) string {
	base := strings.TrimSpace(req.InputText)
	if base == "" {
		base = "..."
	}

	var last string
	for i := len(req.Context) - 1; i >= 0; i-- {
		if req.Context[i].Role == "user" {
			last = strings.TrimSpace(req.Context[i].Content)
			break
		}
	}
	if last == "" {
		return fmt.Sprintf("I heard you: %s", base)
	}
	return fmt.Sprintf("I heard you: %s\nI also remember: %s", base, last)
}

// splitWords cuts s into pieces that concatenate back to s, each ending
// after a run of spaces.
func splitWords(s string) []string {
	var out []string
	start := 0
	for i := 1; i < len(s); i++ {
		if s[i-1] == ' ' && s[i] != ' ' {
			out = append(out, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
