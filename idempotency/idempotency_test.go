package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testStore(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("first sighting is not a duplicate", func(t *testing.T) {
		dup, err := store.IsDuplicate(ctx, "ev-1")
		if err != nil {
			t.Fatalf("IsDuplicate failed: %v", err)
		}
		if dup {
			t.Error("expected false for a new id")
		}
	})

	t.Run("second sighting is a duplicate", func(t *testing.T) {
		dup, err := store.IsDuplicate(ctx, "ev-1")
		if err != nil {
			t.Fatalf("IsDuplicate failed: %v", err)
		}
		if !dup {
			t.Error("expected true for a seen id")
		}
	})

	t.Run("remove forgets the id", func(t *testing.T) {
		if err := store.Remove(ctx, "ev-1"); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if dup, _ := store.IsDuplicate(ctx, "ev-1"); dup {
			t.Error("expected false after Remove")
		}
	})

	t.Run("empty id", func(t *testing.T) {
		if _, err := store.IsDuplicate(ctx, ""); !errors.Is(err, ErrEmptyID) {
			t.Errorf("expected ErrEmptyID, got %v", err)
		}
	})

	t.Run("concurrent callers admit once", func(t *testing.T) {
		var wg sync.WaitGroup
		var fresh atomic.Int32
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if dup, err := store.IsDuplicate(ctx, "ev-race"); err == nil && !dup {
					fresh.Add(1)
				}
			}()
		}
		wg.Wait()
		if got := fresh.Load(); got != 1 {
			t.Errorf("expected exactly one winner, got %d", got)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	store, err := NewMemoryStore(100)
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	testStore(t, store)

	t.Run("evicts oldest ids", func(t *testing.T) {
		small, _ := NewMemoryStore(2)
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			small.IsDuplicate(ctx, id)
		}
		if small.Len() != 2 {
			t.Errorf("expected 2 ids, got %d", small.Len())
		}
		if dup, _ := small.IsDuplicate(ctx, "a"); dup {
			t.Error("expected evicted id to be admitted again")
		}
	})

	if _, err := NewMemoryStore(0); err == nil {
		t.Error("expected an error for size 0")
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client, time.Hour, WithKeyPrefix("test:"))
	testStore(t, store)

	t.Run("ttl expiry", func(t *testing.T) {
		ctx := context.Background()
		store.IsDuplicate(ctx, "ev-ttl")
		if !mr.Exists("test:ev-ttl") {
			t.Fatal("expected key test:ev-ttl")
		}
		mr.FastForward(2 * time.Hour)
		if dup, _ := store.IsDuplicate(ctx, "ev-ttl"); dup {
			t.Error("expected expired id to be admitted again")
		}
	})

	t.Run("redis down", func(t *testing.T) {
		mr.Close()
		if _, err := store.IsDuplicate(context.Background(), "ev-down"); err == nil {
			t.Error("expected an error while redis is down")
		}
	})
}
