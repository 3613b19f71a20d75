package cache

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNew(t *testing.T) {
	t.Run("rejects non-positive size", func(t *testing.T) {
		for _, size := range []int{0, -1} {
			if _, err := New[string, int](size); !errors.Is(err, ErrInvalidSize) {
				t.Errorf("size %d: expected ErrInvalidSize, got %v", size, err)
			}
		}
	})

	t.Run("reports capacity", func(t *testing.T) {
		c, err := New[string, int](3)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if c.Cap() != 3 {
			t.Errorf("expected cap 3, got %d", c.Cap())
		}
	})
}

func TestLRUEviction(t *testing.T) {
	t.Run("evicts least recently used", func(t *testing.T) {
		c, _ := New[string, int](2)
		c.Add("a", 1)
		c.Add("b", 2)

		// Touch a so that b becomes the oldest.
		if _, ok := c.Get("a"); !ok {
			t.Fatal("expected a to be present")
		}
		if evicted := c.Add("c", 3); !evicted {
			t.Error("expected an eviction")
		}

		if c.Contains("b") {
			t.Error("expected b to be evicted")
		}
		if diff := cmp.Diff([]string{"a", "c"}, c.Keys()); diff != "" {
			t.Errorf("keys mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Peek does not refresh recency", func(t *testing.T) {
		c, _ := New[string, int](2)
		c.Add("a", 1)
		c.Add("b", 2)

		if v, ok := c.Peek("a"); !ok || v != 1 {
			t.Fatalf("expected a=1, got %d (ok=%v)", v, ok)
		}
		c.Add("c", 3)

		if c.Contains("a") {
			t.Error("expected a to be evicted after Peek")
		}
	})

	t.Run("evict callback fires", func(t *testing.T) {
		var evicted []string
		c, _ := New[string, int](1, WithEvictCallback(func(k string, _ int) {
			evicted = append(evicted, k)
		}))
		c.Add("a", 1)
		c.Add("b", 2)

		if diff := cmp.Diff([]string{"a"}, evicted); diff != "" {
			t.Errorf("evicted mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestContainsOrAdd(t *testing.T) {
	c, _ := New[string, struct{}](10)

	found, _ := c.ContainsOrAdd("evt-1", struct{}{})
	if found {
		t.Error("expected first ContainsOrAdd to report absent")
	}
	found, _ = c.ContainsOrAdd("evt-1", struct{}{})
	if !found {
		t.Error("expected second ContainsOrAdd to report present")
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", c.Len())
	}
}

func TestRemoveAndPurge(t *testing.T) {
	c, _ := New[int, int](4)
	for i := 0; i < 4; i++ {
		c.Add(i, i*i)
	}

	if !c.Remove(2) {
		t.Error("expected Remove to report present")
	}
	if c.Remove(2) {
		t.Error("expected second Remove to report absent")
	}
	if c.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", c.Len())
	}

	c.Purge()
	if c.Len() != 0 {
		t.Errorf("expected empty cache after Purge, got %d", c.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	c, _ := New[int, int](64)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Add(g*1000+i, i)
				c.Get(g*1000 + i/2)
			}
		}(g)
	}
	wg.Wait()

	if c.Len() > 64 {
		t.Errorf("cache exceeded capacity: %d", c.Len())
	}
}
