package httpapi

import (
	"net/http"
	"strings"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	AdapterMode  string        `json:"adapter_mode"`
	ContextCache string        `json:"context_cache"`
	HistoryStore string        `json:"history_store"`
	Checks       []statusCheck `json:"checks"`
}

// handleStatus explains which collaborators are wired and what to set to
// move off the local fallbacks.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	checks := make([]statusCheck, 0, 4)

	switch s.backends.Adapter {
	case "http":
		check := statusCheck{ID: "llm_api", Status: "ok", Label: "Model endpoint", Detail: s.cfg.LLMAPIURL}
		if strings.TrimSpace(s.cfg.LLMAPIKey) == "" {
			check.Status = "warn"
			check.Detail = "LLM_API_KEY is not set"
			check.Fix = "Set LLM_API_KEY unless the endpoint is unauthenticated."
		}
		checks = append(checks, check)
	case "mock":
		checks = append(checks, statusCheck{
			ID:     "llm_api",
			Status: "warn",
			Label:  "Model endpoint is mock",
			Detail: "Replies are generated locally.",
			Fix:    "Set LLM_API_URL and LLM_API_KEY.",
		})
	default:
		checks = append(checks, statusCheck{ID: "llm_api", Status: "ok", Label: "Model endpoint", Detail: s.backends.Adapter})
	}

	switch s.backends.Cache {
	case "redis":
		checks = append(checks, statusCheck{ID: "context_cache", Status: "ok", Label: "Session context", Detail: "redis"})
	default:
		checks = append(checks, statusCheck{
			ID:     "context_cache",
			Status: "warn",
			Label:  "Session context",
			Detail: "in-process only; not shared between instances",
			Fix:    "Set REDIS_URL to share context across processes.",
		})
	}

	switch s.backends.History {
	case "postgres", "sqlite":
		checks = append(checks, statusCheck{ID: "history_store", Status: "ok", Label: "Chat history", Detail: s.backends.History})
	default:
		checks = append(checks, statusCheck{
			ID:     "history_store",
			Status: "warn",
			Label:  "Chat history",
			Detail: "in-memory only",
			Fix:    "Set HISTORY_DATABASE_URL to persist history across restarts.",
		})
	}

	if s.cfg.HistoryRedactPII {
		checks = append(checks, statusCheck{ID: "pii_redaction", Status: "ok", Label: "History PII redaction", Detail: "enabled"})
	}

	respondJSON(w, http.StatusOK, statusResponse{
		AdapterMode:  s.backends.Adapter,
		ContextCache: s.backends.Cache,
		HistoryStore: s.backends.History,
		Checks:       checks,
	})
}
