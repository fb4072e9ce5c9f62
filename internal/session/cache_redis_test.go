package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newOtherClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = other.Close() })
	return other
}

func newRedisCache(t *testing.T, maxRetries int) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCache(client, maxRetries)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCacheGetMissing(t *testing.T) {
	c, _ := newRedisCache(t, 0)
	_, ok, err := c.Get(context.Background(), "missing")
	if err != nil || ok {
		t.Fatalf("Get() = ok %v err %v, want false nil", ok, err)
	}
}

func TestRedisCacheStoresUnderSessionKeyWithTTL(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedisCache(t, 0)
	store := NewContextStore(c, Options{MaxMessages: 10, TTL: time.Hour})

	u, a := turnMessages(1, time.Now())
	if err := store.AppendTurn(ctx, "abc", u, a); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	if !mr.Exists("chat:session:abc") {
		t.Fatalf("key chat:session:abc not written")
	}
	if ttl := mr.TTL("chat:session:abc"); ttl != time.Hour {
		t.Fatalf("TTL = %v, want 1h", ttl)
	}

	mr.FastForward(time.Hour + time.Second)
	got, err := store.GetContext(ctx, "abc")
	if err != nil {
		t.Fatalf("GetContext() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("len after ttl = %d, want 0", len(got))
	}
}

func TestRedisCacheConcurrentWritersLoseNothing(t *testing.T) {
	ctx := context.Background()
	const n = 20
	c, _ := newRedisCache(t, 100)

	// Separate stores model separate processes: no shared in-process lock.
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store := NewContextStore(c, Options{MaxMessages: 2 * n, TTL: time.Hour})
			u, a := turnMessages(i, time.Now())
			if err := store.AppendTurn(ctx, "shared", u, a); err != nil {
				t.Errorf("AppendTurn(%d) error = %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := NewContextStore(c, Options{}).GetContext(ctx, "shared")
	if err != nil {
		t.Fatalf("GetContext() error = %v", err)
	}
	assertAllTurnsPresent(t, got, n)
}

func TestRedisCacheUpdateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedisCache(t, 3)
	other := newOtherClient(t, mr)
	_ = mr.Set("k", "0")

	calls := 0
	err := c.Update(ctx, "k", time.Minute, func(cur string, found bool) (string, error) {
		calls++
		if calls == 1 {
			// Concurrent writer slips in between WATCH and EXEC.
			other.Set(ctx, "k", "other", 0)
		}
		return cur + "+1", nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	got, _ := mr.Get("k")
	if got != "other+1" {
		t.Fatalf("value = %q, want other+1", got)
	}
}

func TestRedisCacheUpdateGivesUpAfterRetries(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedisCache(t, 2)
	other := newOtherClient(t, mr)
	_ = mr.Set("k", "0")

	err := c.Update(ctx, "k", time.Minute, func(cur string, found bool) (string, error) {
		other.Set(ctx, "k", cur+"x", 0)
		return "mine", nil
	})
	if !errors.Is(err, ErrCASConflict) {
		t.Fatalf("Update() error = %v, want ErrCASConflict", err)
	}
}

func TestRedisCacheDelete(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedisCache(t, 0)
	_ = mr.Set("k", "v")
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	if mr.Exists("k") {
		t.Fatalf("key still exists")
	}
}

func TestRedisCachePing(t *testing.T) {
	c, mr := newRedisCache(t, 0)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	mr.Close()
	if err := c.Ping(context.Background()); err == nil {
		t.Fatalf("Ping() after server close error = nil")
	}
}
