package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Message is one conversational entry. Timestamps travel as Unix milliseconds.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

func NewMessage(role Role, content string, at time.Time) Message {
	return Message{Role: role, Content: content, Timestamp: at.UTC()}
}

type messageJSON struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	var ts int64
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp.UnixMilli()
	}
	return json.Marshal(messageJSON{Role: m.Role, Content: m.Content, Timestamp: ts})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	role := Role(strings.ToLower(string(raw.Role)))
	if !role.Valid() {
		return fmt.Errorf("invalid message role %q", raw.Role)
	}
	m.Role = role
	m.Content = raw.Content
	m.Timestamp = time.Time{}
	if raw.Timestamp > 0 {
		m.Timestamp = time.UnixMilli(raw.Timestamp).UTC()
	}
	return nil
}

// Turn pairs a user message with the assistant reply it produced.
type Turn struct {
	User      Message
	Assistant Message
}

// Session is a copy of the stored context window for one conversation.
type Session struct {
	ID             string    `json:"session_id"`
	Messages       []Message `json:"messages"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}
