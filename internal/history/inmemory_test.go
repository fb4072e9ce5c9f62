package history

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStoreAppendListDelete(t *testing.T) {
	exerciseStore(t, NewInMemoryStore())
}

func TestInMemoryStoreListReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	_ = s.Append(ctx, Entry{SessionID: "s", Role: "user", Content: "Hi"})

	got, _ := s.ListBySession(ctx, "s")
	got[0].Content = "mutated"

	again, _ := s.ListBySession(ctx, "s")
	if again[0].Content != "Hi" {
		t.Fatalf("stored entry mutated through list result: %q", again[0].Content)
	}
}

func TestNewStoreSelectsBackend(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, "  ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if Mode(s) != "in-memory" {
		t.Fatalf("Mode() = %q, want in-memory", Mode(s))
	}

	s, err = NewStore(ctx, "sqlite://"+t.TempDir()+"/h.db")
	if err != nil {
		t.Fatalf("NewStore(sqlite) error = %v", err)
	}
	defer s.Close()
	if Mode(s) != "sqlite" {
		t.Fatalf("Mode() = %q, want sqlite", Mode(s))
	}
}

// exerciseStore runs the behaviour every backend must share.
// exerciseWriteOrder appends entries whose timestamps run backwards, as
// happens when two turns on one session commit out of start order.
func exerciseWriteOrder(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	writes := []Entry{
		{SessionID: "w", Role: "user", Content: "slow question", CreatedAt: base.Add(2 * time.Second)},
		{SessionID: "w", Role: "assistant", Content: "slow answer", CreatedAt: base.Add(3 * time.Second)},
		{SessionID: "w", Role: "user", Content: "fast question", CreatedAt: base},
		{SessionID: "w", Role: "assistant", Content: "fast answer", CreatedAt: base.Add(time.Second)},
	}
	for _, e := range writes {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	got, err := s.ListBySession(ctx, "w")
	if err != nil {
		t.Fatalf("ListBySession() error = %v", err)
	}
	if len(got) != len(writes) {
		t.Fatalf("len = %d, want %d", len(got), len(writes))
	}
	for i := range writes {
		if got[i].Content != writes[i].Content {
			t.Fatalf("entry[%d] = %q, want %q (write order)", i, got[i].Content, writes[i].Content)
		}
	}
}

func TestInMemoryStoreListsInWriteOrder(t *testing.T) {
	exerciseWriteOrder(t, NewInMemoryStore())
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	writes := []Entry{
		{SessionID: "a", Role: "user", Content: "Hi", CreatedAt: base},
		{SessionID: "a", Role: "assistant", Content: "Hello there", CreatedAt: base},
		{SessionID: "b", Role: "user", Content: "other", CreatedAt: base},
		{SessionID: "a", Role: "user", Content: "again", CreatedAt: base.Add(time.Second)},
	}
	for _, e := range writes {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.ListBySession(ctx, "a")
	if err != nil {
		t.Fatalf("ListBySession() error = %v", err)
	}
	want := []string{"Hi", "Hello there", "again"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, content := range want {
		if got[i].Content != content {
			t.Fatalf("entry[%d] = %q, want %q", i, got[i].Content, content)
		}
		if got[i].ID == "" {
			t.Fatalf("entry[%d] has no id", i)
		}
		if got[i].SessionID != "a" {
			t.Fatalf("entry[%d] session = %q", i, got[i].SessionID)
		}
	}
	if !got[0].CreatedAt.Equal(base) {
		t.Fatalf("CreatedAt = %v, want %v", got[0].CreatedAt, base)
	}

	if err := s.DeleteBySession(ctx, "a"); err != nil {
		t.Fatalf("DeleteBySession() error = %v", err)
	}
	if got, _ := s.ListBySession(ctx, "a"); len(got) != 0 {
		t.Fatalf("len after delete = %d, want 0", len(got))
	}
	if got, _ := s.ListBySession(ctx, "b"); len(got) != 1 {
		t.Fatalf("other session affected by delete: %d entries", len(got))
	}
	if got, err := s.ListBySession(ctx, "missing"); err != nil || len(got) != 0 {
		t.Fatalf("ListBySession(missing) = %v, %v", got, err)
	}
}
