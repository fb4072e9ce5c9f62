package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ent0n29/chatrelay/internal/relay"
	"github.com/ent0n29/chatrelay/internal/turn"
)

// SSE event names sent by /api/v1/chat/stream.
const (
	eventSession = "session"
	eventDelta   = "delta"
	eventError   = "error"
	eventDone    = "done"
)

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot flush")
		return
	}
	sessionID := issueSessionID(req.SessionID)

	ts, err := s.turns.ChatStream(r.Context(), sessionID, req.Message)
	if err != nil {
		s.respondTurnError(w, err)
		return
	}
	defer ts.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, flusher, eventSession, map[string]string{"sessionId": sessionID, "turnId": ts.TurnID()}); err != nil {
		return
	}
	for d := range ts.Deltas() {
		event := eventDelta
		if d.Kind == relay.KindError {
			event = eventError
		}
		if err := writeSSE(w, flusher, event, map[string]string{"text": d.Text}); err != nil {
			// Client is gone; Close abandons the turn.
			return
		}
	}

	out := ts.Outcome()
	if out.State != turn.StateCompleted {
		return
	}
	_ = writeSSE(w, flusher, eventDone, map[string]any{
		"sessionId": sessionID,
		"turnId":    out.TurnID,
		"warnings":  out.Warnings(),
	})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
