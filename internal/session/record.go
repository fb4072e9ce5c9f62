package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// record is the cached form of a Session.
type record struct {
	CreatedAt    int64     `json:"created_at"`
	LastActivity int64     `json:"last_activity"`
	Messages     []Message `json:"messages"`
}

// decodeRecord accepts the envelope object as well as a bare message array.
func decodeRecord(raw string) (record, error) {
	data := bytes.TrimSpace([]byte(raw))
	if len(data) == 0 {
		return record{}, fmt.Errorf("decode session: empty value")
	}

	if data[0] == '[' {
		var msgs []Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return record{}, fmt.Errorf("decode session messages: %w", err)
		}
		rec := record{Messages: msgs}
		if len(msgs) > 0 {
			rec.CreatedAt = msgs[0].Timestamp.UnixMilli()
			rec.LastActivity = msgs[len(msgs)-1].Timestamp.UnixMilli()
		}
		return rec, nil
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("decode session: %w", err)
	}
	return rec, nil
}

func encodeRecord(rec record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	return string(data), nil
}

func (r record) toSession(id string) Session {
	msgs := make([]Message, len(r.Messages))
	copy(msgs, r.Messages)
	return Session{
		ID:             id,
		Messages:       msgs,
		CreatedAt:      millisToTime(r.CreatedAt),
		LastActivityAt: millisToTime(r.LastActivity),
	}
}

func millisToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// trimOldest keeps the newest max messages, preserving order.
func trimOldest(msgs []Message, max int) []Message {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}
	out := make([]Message, max)
	copy(out, msgs[len(msgs)-max:])
	return out
}
