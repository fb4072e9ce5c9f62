package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/chatrelay/internal/config"
	"github.com/ent0n29/chatrelay/internal/observability"
	"github.com/ent0n29/chatrelay/internal/reliability"
	"github.com/ent0n29/chatrelay/internal/turn"
)

// Backends names the concrete collaborators behind the coordinator, for
// the status and health endpoints.
type Backends struct {
	Adapter string
	Cache   string
	History string
}

// ReadyCheck is one dependency probe for /readyz.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Options struct {
	Logger      *slog.Logger
	Backends    Backends
	ReadyChecks []ReadyCheck
}

type Server struct {
	cfg      config.Config
	turns    *turn.Coordinator
	metrics  *observability.Metrics
	logger   *slog.Logger
	backends Backends
	ready    []ReadyCheck
	upgrader websocket.Upgrader
}

func New(cfg config.Config, turns *turn.Coordinator, metrics *observability.Metrics, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		turns:    turns,
		metrics:  metrics,
		logger:   opts.Logger.With("component", "httpapi"),
		backends: opts.Backends,
		ready:    opts.ReadyChecks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handlePerfReset)
	r.Get("/v1/status", s.handleStatus)

	r.Post("/api/v1/chat", s.handleChat)
	r.Post("/api/v1/chat/stream", s.handleChatStream)
	r.Get("/api/v1/chat/ws", s.handleChatWS)
	r.Get("/api/v1/chat/{sessionId}/history", s.handleHistory)
	r.Get("/api/v1/chat/{sessionId}/context", s.handleContext)
	r.Delete("/api/v1/chat/{sessionId}", s.handleDeleteSession)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"adapter_mode":  s.backends.Adapter,
		"context_cache": s.backends.Cache,
		"history_store": s.backends.History,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for _, c := range s.ready {
		if err := c.Check(ctx); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"failed": failed,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

type chatResponse struct {
	Content    string   `json:"content"`
	Model      string   `json:"model"`
	TokensUsed int      `json:"tokensUsed"`
	Timestamp  int64    `json:"timestamp"`
	SessionID  string   `json:"sessionId"`
	Warnings   []string `json:"warnings,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sessionID := issueSessionID(req.SessionID)

	out, err := s.turns.Chat(r.Context(), sessionID, req.Message)
	if err != nil {
		s.respondTurnError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chatResponse{
		Content:    out.Completion.Text,
		Model:      out.Completion.Model,
		TokensUsed: out.Completion.TokensUsed,
		Timestamp:  out.Timestamp.UnixMilli(),
		SessionID:  sessionID,
		Warnings:   out.Warnings(),
	})
}

type historyItem struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionId"))
	entries, err := s.turns.History(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("history read failed", "session_id", sessionID, "error", err)
		respondError(w, http.StatusInternalServerError, "history_unavailable", "history could not be read")
		return
	}
	items := make([]historyItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, historyItem{Role: e.Role, Content: e.Content, Timestamp: e.CreatedAt.UnixMilli()})
	}
	respondJSON(w, http.StatusOK, items)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionId"))
	sess, found, err := s.turns.Session(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("context read failed", "session_id", sessionID, "error", err)
		respondError(w, http.StatusInternalServerError, "context_unavailable", "context could not be read")
		return
	}
	resp := map[string]any{
		"sessionId": sessionID,
		"found":     found,
		"messages":  sess.Messages,
	}
	if found {
		resp["createdAt"] = sess.CreatedAt.UnixMilli()
		resp["lastActivityAt"] = sess.LastActivityAt.UnixMilli()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionId"))
	if err := s.turns.DeleteSession(r.Context(), sessionID); err != nil {
		s.logger.Error("session delete failed", "session_id", sessionID, "error", err)
		respondError(w, http.StatusInternalServerError, "delete_failed", "session could not be fully deleted")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, turn.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, "empty_message", err.Error())
	case errors.Is(err, turn.ErrMissingSession):
		respondError(w, http.StatusBadRequest, "missing_session_id", err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; nobody is listening.
	default:
		f := reliability.ClassifyUpstream(err)
		respondJSON(w, http.StatusBadGateway, errorResponse{
			Error:     "upstream model call failed: " + err.Error(),
			Code:      f.Code,
			Retryable: f.Retryable,
		})
	}
}

// issueSessionID keeps a caller-supplied id or mints a new one.
func issueSessionID(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return uuid.NewString()
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
