package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestStore(t *testing.T, max int) (*ContextStore, *MemoryCache, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cache := NewMemoryCache()
	cache.SetClock(clock.Now)
	store := NewContextStore(cache, Options{MaxMessages: max, TTL: time.Hour, Now: clock.Now})
	return store, cache, clock
}

func turnMessages(i int, at time.Time) (Message, Message) {
	return NewMessage(RoleUser, fmt.Sprintf("q%d", i), at), NewMessage(RoleAssistant, fmt.Sprintf("a%d", i), at)
}

func TestGetContextMissingSessionIsEmpty(t *testing.T) {
	store, _, _ := newTestStore(t, 10)
	msgs, err := store.GetContext(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetContext() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("len(msgs) = %d, want 0", len(msgs))
	}
}

func TestAppendTurnKeepsNewestInOrder(t *testing.T) {
	ctx := context.Background()
	for _, n := range []int{1, 3, 5, 6, 11} {
		t.Run(fmt.Sprintf("turns=%d", n), func(t *testing.T) {
			store, _, clock := newTestStore(t, 10)
			var all []Message
			for i := 0; i < n; i++ {
				u, a := turnMessages(i, clock.Now())
				if err := store.AppendTurn(ctx, "s", u, a); err != nil {
					t.Fatalf("AppendTurn() error = %v", err)
				}
				all = append(all, u, a)
				clock.Advance(time.Second)
			}

			got, err := store.GetContext(ctx, "s")
			if err != nil {
				t.Fatalf("GetContext() error = %v", err)
			}
			want := all
			if len(want) > 10 {
				want = want[len(want)-10:]
			}
			if len(got) != len(want) {
				t.Fatalf("len = %d, want %d", len(got), len(want))
			}
			for i := range want {
				if got[i].Role != want[i].Role || got[i].Content != want[i].Content {
					t.Fatalf("msg[%d] = %+v, want %+v", i, got[i], want[i])
				}
			}
		})
	}
}

func TestAppendTurnElevenTurnsDropsFirst(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, 10)
	for i := 1; i <= 11; i++ {
		u, a := turnMessages(i, time.Now())
		if err := store.AppendTurn(ctx, "s", u, a); err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
	}
	got, _ := store.GetContext(ctx, "s")
	if len(got) != 10 {
		t.Fatalf("len = %d, want 10", len(got))
	}
	if got[0].Content != "q7" || got[9].Content != "a11" {
		t.Fatalf("window = %q .. %q, want q7 .. a11", got[0].Content, got[9].Content)
	}
	for _, m := range got {
		if m.Content == "q1" || m.Content == "a1" {
			t.Fatalf("first turn still in context")
		}
	}
}

func TestContextExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	store, _, clock := newTestStore(t, 10)
	u, a := turnMessages(1, clock.Now())
	_ = store.AppendTurn(ctx, "s", u, a)

	clock.Advance(59 * time.Minute)
	got, _ := store.GetContext(ctx, "s")
	if len(got) != 2 {
		t.Fatalf("len before ttl = %d, want 2", len(got))
	}

	// Another append restarts the countdown.
	u, a = turnMessages(2, clock.Now())
	_ = store.AppendTurn(ctx, "s", u, a)
	clock.Advance(59 * time.Minute)
	if got, _ := store.GetContext(ctx, "s"); len(got) != 4 {
		t.Fatalf("len after refresh = %d, want 4", len(got))
	}

	clock.Advance(2 * time.Minute)
	got, err := store.GetContext(ctx, "s")
	if err != nil {
		t.Fatalf("GetContext() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("len after ttl = %d, want 0", len(got))
	}
}

func TestGetSessionTracksTimestamps(t *testing.T) {
	ctx := context.Background()
	store, _, clock := newTestStore(t, 10)
	created := clock.Now()
	u, a := turnMessages(1, clock.Now())
	_ = store.AppendTurn(ctx, "s", u, a)
	clock.Advance(time.Minute)
	u, a = turnMessages(2, clock.Now())
	_ = store.AppendTurn(ctx, "s", u, a)

	sess, found, err := store.GetSession(ctx, "s")
	if err != nil || !found {
		t.Fatalf("GetSession() = found %v err %v", found, err)
	}
	if !sess.CreatedAt.Equal(created) {
		t.Fatalf("CreatedAt = %v, want %v", sess.CreatedAt, created)
	}
	if !sess.LastActivityAt.Equal(clock.Now()) {
		t.Fatalf("LastActivityAt = %v, want %v", sess.LastActivityAt, clock.Now())
	}
}

func TestConcurrentAppendsLoseNothing(t *testing.T) {
	ctx := context.Background()
	const n = 20
	store, _, _ := newTestStore(t, 2*n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, a := turnMessages(i, time.Now())
			if err := store.AppendTurn(ctx, "shared", u, a); err != nil {
				t.Errorf("AppendTurn(%d) error = %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := store.GetContext(ctx, "shared")
	assertAllTurnsPresent(t, got, n)
}

func assertAllTurnsPresent(t *testing.T, got []Message, n int) {
	t.Helper()
	if len(got) != 2*n {
		t.Fatalf("len = %d, want %d", len(got), 2*n)
	}
	seen := make(map[string]bool, len(got))
	for i := 0; i < len(got); i += 2 {
		u, a := got[i], got[i+1]
		if u.Role != RoleUser || a.Role != RoleAssistant {
			t.Fatalf("turn at %d not user/assistant pair: %+v %+v", i, u, a)
		}
		if u.Content[1:] != a.Content[1:] {
			t.Fatalf("turn at %d interleaved: %q %q", i, u.Content, a.Content)
		}
		seen[u.Content] = true
	}
	for i := 0; i < n; i++ {
		if !seen[fmt.Sprintf("q%d", i)] {
			t.Fatalf("turn %d lost", i)
		}
	}
}

func TestCorruptContextIsTreatedAsEmptyAndHealed(t *testing.T) {
	ctx := context.Background()
	store, cache, _ := newTestStore(t, 10)
	var corrupt atomic.Int32
	store.onCorrupt = func() { corrupt.Add(1) }

	_ = cache.Set(ctx, KeyPrefix+"s", "{garbage", time.Hour)

	got, err := store.GetContext(ctx, "s")
	if err != nil {
		t.Fatalf("GetContext() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("len = %d, want 0", len(got))
	}

	u, a := turnMessages(1, time.Now())
	if err := store.AppendTurn(ctx, "s", u, a); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	got, _ = store.GetContext(ctx, "s")
	if len(got) != 2 {
		t.Fatalf("len after heal = %d, want 2", len(got))
	}
	if corrupt.Load() != 2 {
		t.Fatalf("corrupt reports = %d, want 2", corrupt.Load())
	}
}

func TestLegacyArrayFormatIsReadable(t *testing.T) {
	ctx := context.Background()
	store, cache, _ := newTestStore(t, 10)
	legacy := `[{"role":"user","content":"Hi","timestamp":1700000000000},{"role":"assistant","content":"Hello","timestamp":1700000001000}]`
	_ = cache.Set(ctx, KeyPrefix+"s", legacy, time.Hour)

	sess, found, err := store.GetSession(ctx, "s")
	if err != nil || !found {
		t.Fatalf("GetSession() found %v err %v", found, err)
	}
	if len(sess.Messages) != 2 || sess.Messages[1].Content != "Hello" {
		t.Fatalf("unexpected messages: %+v", sess.Messages)
	}
	if sess.CreatedAt.UnixMilli() != 1700000000000 {
		t.Fatalf("CreatedAt = %v", sess.CreatedAt)
	}
}

func TestDeleteSessionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, 10)
	u, a := turnMessages(1, time.Now())
	_ = store.AppendTurn(ctx, "s", u, a)

	for i := 0; i < 2; i++ {
		if err := store.DeleteSession(ctx, "s"); err != nil {
			t.Fatalf("DeleteSession() #%d error = %v", i, err)
		}
	}
	if got, _ := store.GetContext(ctx, "s"); len(got) != 0 {
		t.Fatalf("context survived delete")
	}
}

type failingCache struct {
	MemoryCache
	err error
}

func (c *failingCache) Update(context.Context, string, time.Duration, UpdateFunc) error {
	return c.err
}

func (c *failingCache) Get(context.Context, string) (string, bool, error) {
	return "", false, c.err
}

func TestStorageFaultsAreReported(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection reset")
	store := NewContextStore(&failingCache{err: boom}, Options{})

	u, a := turnMessages(1, time.Now())
	if err := store.AppendTurn(ctx, "s", u, a); !errors.Is(err, boom) {
		t.Fatalf("AppendTurn() error = %v, want %v", err, boom)
	}
	if _, err := store.GetContext(ctx, "s"); !errors.Is(err, boom) {
		t.Fatalf("GetContext() error = %v, want %v", err, boom)
	}
}

func TestMessageJSONUsesMillis(t *testing.T) {
	m := NewMessage(RoleUser, "Hi", time.UnixMilli(1700000000123))
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `{"role":"user","content":"Hi","timestamp":1700000000123}` {
		t.Fatalf("json = %s", data)
	}

	var bad Message
	if err := json.Unmarshal([]byte(`{"role":"robot","content":"x"}`), &bad); err == nil {
		t.Fatalf("Unmarshal() accepted invalid role")
	}
}
