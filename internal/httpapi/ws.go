package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/chatrelay/internal/protocol"
	"github.com/ent0n29/chatrelay/internal/relay"
	"github.com/ent0n29/chatrelay/internal/reliability"
	"github.com/ent0n29/chatrelay/internal/turn"
)

// handleChatWS runs streaming turns over one websocket. At most one turn is
// in flight per connection; client_control "cancel" abandons it.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	sessionID := issueSessionID(r.URL.Query().Get("session_id"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan protocol.Message, 256)
	send := func(msg protocol.Message) {
		select {
		case outbound <- msg:
		case <-ctx.Done():
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.logger.Debug("websocket write failed", "session_id", sessionID, "error", err)
					cancel()
					return
				}
				s.metrics.IncWSMessage("outbound", string(msg.MessageType()))
			}
		}
	}()

	send(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: sessionID,
		Code:      "session_ready",
	})

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	var (
		mu     sync.Mutex
		active *turn.Stream
		turns  sync.WaitGroup
	)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			code := "invalid_client_message"
			if errors.Is(err, protocol.ErrUnsupportedAction) {
				code = "unsupported_action"
			}
			send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      code,
				Source:    "gateway",
				Detail:    err.Error(),
			})
			continue
		}
		s.metrics.IncWSMessage("inbound", string(parsed.MessageType()))

		switch m := parsed.(type) {
		case protocol.ChatRequest:
			sid := sessionID
			if id := strings.TrimSpace(m.SessionID); id != "" {
				sid = id
			}
			mu.Lock()
			if active != nil {
				mu.Unlock()
				send(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sid,
					Code:      "turn_in_progress",
					Source:    "gateway",
					Retryable: true,
					Detail:    "wait for assistant_turn_end or cancel the current turn",
				})
				continue
			}
			ts, err := s.turns.ChatStream(ctx, sid, m.Message)
			if err != nil {
				mu.Unlock()
				send(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sid,
					Code:      "invalid_request",
					Source:    "gateway",
					Detail:    err.Error(),
				})
				continue
			}
			active = ts
			mu.Unlock()

			turns.Add(1)
			go func() {
				defer turns.Done()
				s.pumpTurn(ts, send, func() {
					mu.Lock()
					if active == ts {
						active = nil
					}
					mu.Unlock()
				})
			}()
		case protocol.ClientControl:
			mu.Lock()
			if active != nil {
				active.Cancel()
			}
			mu.Unlock()
		}
	}

	cancel()
	turns.Wait()
	<-writerDone
}

// pumpTurn forwards one turn's deltas and closes it with assistant_turn_end.
// release frees the connection's turn slot before the end frame is queued,
// so a client may start its next turn as soon as it reads that frame.
func (s *Server) pumpTurn(ts *turn.Stream, send func(protocol.Message), release func()) {
	var (
		failure string
		seq     int
	)
	for d := range ts.Deltas() {
		if d.Kind == relay.KindError {
			failure = d.Text
			continue
		}
		seq++
		send(protocol.AssistantTextDelta{
			Type:      protocol.TypeAssistantTextDelta,
			SessionID: ts.SessionID(),
			TurnID:    ts.TurnID(),
			Seq:       seq,
			TextDelta: d.Text,
		})
	}

	out := ts.Outcome()
	end := protocol.AssistantTurnEnd{
		Type:      protocol.TypeAssistantTurnEnd,
		SessionID: ts.SessionID(),
		TurnID:    ts.TurnID(),
		Reason:    protocol.ReasonCompleted,
		Deltas:    seq,
		Warnings:  out.Warnings(),
	}
	switch {
	case out.State == turn.StateCompleted:
	case errors.Is(out.Err, relay.ErrStreamClosed), errors.Is(out.Err, context.Canceled):
		end.Reason = protocol.ReasonCancelled
	default:
		f := reliability.ClassifyUpstream(out.Err)
		send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: ts.SessionID(),
			TurnID:    ts.TurnID(),
			Code:      f.Code,
			Source:    "upstream",
			Retryable: f.Retryable,
			Detail:    failure,
		})
		end.Reason = protocol.ReasonFailed
	}
	release()
	send(end)
}
