package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// KeyPrefix namespaces session context in the cache.
const KeyPrefix = "chat:session:"

const (
	DefaultMaxMessages = 10
	DefaultTTL         = time.Hour
)

// Options configures a ContextStore.
type Options struct {
	MaxMessages int
	TTL         time.Duration
	Logger      *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// OnCorrupt is called whenever a stored value cannot be decoded.
	OnCorrupt func()
}

// ContextStore owns the bounded, TTL-governed context window of every session.
type ContextStore struct {
	cache     Cache
	max       int
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time
	onCorrupt func()
	locks     keyLocks
}

func NewContextStore(cache Cache, opts Options) *ContextStore {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ContextStore{
		cache:     cache,
		max:       opts.MaxMessages,
		ttl:       opts.TTL,
		logger:    opts.Logger.With("component", "context_store"),
		now:       opts.Now,
		onCorrupt: opts.OnCorrupt,
	}
}

func (s *ContextStore) MaxMessages() int   { return s.max }
func (s *ContextStore) TTL() time.Duration { return s.ttl }

// GetContext returns the session's messages, oldest first. A missing or
// expired session yields an empty slice and no error.
func (s *ContextStore) GetContext(ctx context.Context, sessionID string) ([]Message, error) {
	sess, _, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Messages, nil
}

// GetSession returns a copy of the stored aggregate. found is false when the
// session is absent, expired or unreadable.
func (s *ContextStore) GetSession(ctx context.Context, sessionID string) (Session, bool, error) {
	raw, ok, err := s.cache.Get(ctx, key(sessionID))
	if err != nil {
		return Session{ID: sessionID}, false, fmt.Errorf("load context: %w", err)
	}
	if !ok {
		return Session{ID: sessionID, Messages: []Message{}}, false, nil
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		s.reportCorrupt(sessionID, err)
		return Session{ID: sessionID, Messages: []Message{}}, false, nil
	}
	return rec.toSession(sessionID), true, nil
}

// AppendTurn adds both sides of a completed turn, trims the window to the
// newest MaxMessages entries and restarts the TTL. Calls for one session are
// serialized here and made atomic in the cache.
func (s *ContextStore) AppendTurn(ctx context.Context, sessionID string, user, assistant Message) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	now := s.now()
	err := s.cache.Update(ctx, key(sessionID), s.ttl, func(current string, found bool) (string, error) {
		var rec record
		if found {
			decoded, err := decodeRecord(current)
			if err != nil {
				s.reportCorrupt(sessionID, err)
			} else {
				rec = decoded
			}
		}
		if rec.CreatedAt <= 0 {
			rec.CreatedAt = now.UnixMilli()
		}
		msgs := make([]Message, 0, len(rec.Messages)+2)
		msgs = append(msgs, rec.Messages...)
		msgs = append(msgs, user, assistant)
		rec.Messages = trimOldest(msgs, s.max)
		rec.LastActivity = now.UnixMilli()
		return encodeRecord(rec)
	})
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// DeleteSession removes the stored context. Deleting a missing session succeeds.
func (s *ContextStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.cache.Delete(ctx, key(sessionID)); err != nil {
		return fmt.Errorf("delete context: %w", err)
	}
	return nil
}

func (s *ContextStore) reportCorrupt(sessionID string, err error) {
	s.logger.Warn("discarding unreadable session context", "session_id", sessionID, "error", err)
	if s.onCorrupt != nil {
		s.onCorrupt()
	}
}

func key(sessionID string) string {
	return KeyPrefix + sessionID
}

const lockStripes = 256

// keyLocks is a fixed set of mutexes striped by key hash.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *keyLocks) lock(k string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
