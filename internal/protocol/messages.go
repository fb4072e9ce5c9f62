package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeChatRequest        MessageType = "chat_request"
	TypeClientControl      MessageType = "client_control"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeAssistantTurnEnd   MessageType = "assistant_turn_end"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

// ActionCancel abandons the connection's in-flight turn.
const ActionCancel = "cancel"

// Reasons carried by assistant_turn_end.
const (
	ReasonCompleted = "completed"
	ReasonCancelled = "cancelled"
	ReasonFailed    = "failed"
)

var (
	ErrUnsupportedType   = errors.New("unsupported message type")
	ErrUnsupportedAction = errors.New("unsupported control action")
	ErrInvalidMessage    = errors.New("invalid client message")
)

// Message is any frame exchanged on the chat websocket.
type Message interface {
	MessageType() MessageType
}

// ChatRequest starts a streaming turn. An empty SessionID falls back to the
// connection's session.
type ChatRequest struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Message   string      `json:"message"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Action    string      `json:"action"`
}

// AssistantTextDelta carries one content fragment. Seq starts at 1 for every
// turn so clients can detect gaps.
type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Seq       int         `json:"seq"`
	TextDelta string      `json:"text_delta"`
}

type AssistantTurnEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Reason    string      `json:"reason"`
	Deltas    int         `json:"deltas"`
	Warnings  []string    `json:"warnings,omitempty"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func (ChatRequest) MessageType() MessageType        { return TypeChatRequest }
func (ClientControl) MessageType() MessageType      { return TypeClientControl }
func (AssistantTextDelta) MessageType() MessageType { return TypeAssistantTextDelta }
func (AssistantTurnEnd) MessageType() MessageType   { return TypeAssistantTurnEnd }
func (SystemEvent) MessageType() MessageType        { return TypeSystemEvent }
func (ErrorEvent) MessageType() MessageType         { return TypeErrorEvent }

// ParseClientMessage decodes an inbound frame into ChatRequest or
// ClientControl. Unknown types wrap ErrUnsupportedType, unknown control
// actions wrap ErrUnsupportedAction, and everything else malformed wraps
// ErrInvalidMessage.
func ParseClientMessage(raw []byte) (Message, error) {
	var env struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch env.Type {
	case TypeChatRequest:
		var msg ChatRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if strings.TrimSpace(msg.Message) == "" {
			return nil, fmt.Errorf("%w: chat_request message is required", ErrInvalidMessage)
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		switch strings.TrimSpace(msg.Action) {
		case "":
			return nil, fmt.Errorf("%w: client_control action is required", ErrInvalidMessage)
		case ActionCancel:
			msg.Action = ActionCancel
			return msg, nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, msg.Action)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}
