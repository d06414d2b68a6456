package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCacheGetLoadsOncePerTTL(t *testing.T) {
	c := New(Options{TTL: time.Minute, MaxEntries: 10})

	var mu sync.Mutex
	callCount := 0
	loader := func(_ context.Context, _ string) (interface{}, bool, error) {
		mu.Lock()
		callCount++
		mu.Unlock()
		return "value", true, nil
	}

	val, ok, err := c.Get(context.Background(), "alpha", loader)
	if err != nil || !ok || val.(string) != "value" {
		t.Fatalf("expected first load, got %v %v %v", val, ok, err)
	}

	val, ok, err = c.Get(context.Background(), "alpha", loader)
	if err != nil || !ok || val.(string) != "value" {
		t.Fatalf("expected cache hit, got %v %v %v", val, ok, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if callCount != 1 {
		t.Fatalf("expected single loader call, got %d", callCount)
	}
}

func TestCacheNegativeMiss(t *testing.T) {
	c := New(Options{TTL: time.Minute, NegativeTTL: 30 * time.Millisecond, MaxEntries: 10})

	var mu sync.Mutex
	callCount := 0
	loader := func(_ context.Context, _ string) (interface{}, bool, error) {
		mu.Lock()
		callCount++
		mu.Unlock()
		return nil, false, nil
	}

	if _, ok, err := c.Get(context.Background(), "missing", loader); ok || err != nil {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
	if _, ok, _ := c.Get(context.Background(), "missing", loader); ok {
		t.Fatalf("expected cached miss")
	}

	mu.Lock()
	firstCount := callCount
	mu.Unlock()
	if firstCount != 1 {
		t.Fatalf("expected single loader call for cached miss, got %d", firstCount)
	}

	time.Sleep(35 * time.Millisecond)
	_, _, _ = c.Get(context.Background(), "missing", loader)

	mu.Lock()
	defer mu.Unlock()
	if callCount < 2 {
		t.Fatalf("expected loader to run again after negative ttl")
	}
}

func TestCacheErrorsNotCached(t *testing.T) {
	c := New(Options{TTL: time.Minute, NegativeTTL: time.Minute, MaxEntries: 10})

	var mu sync.Mutex
	callCount := 0
	errBoom := errors.New("boom")
	loader := func(_ context.Context, _ string) (interface{}, bool, error) {
		mu.Lock()
		callCount++
		mu.Unlock()
		return nil, false, errBoom
	}

	if _, _, err := c.Get(context.Background(), "err", loader); !errors.Is(err, errBoom) {
		t.Fatalf("expected loader error, got %v", err)
	}
	if _, _, err := c.Get(context.Background(), "err", loader); !errors.Is(err, errBoom) {
		t.Fatalf("expected loader error again, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if callCount != 2 {
		t.Fatalf("errors must not be cached, got %d loader calls", callCount)
	}
}

func TestCachePurgeAndDelete(t *testing.T) {
	c := New(Options{TTL: time.Minute, MaxEntries: 10})

	c.Set("alpha", "one", time.Minute)
	c.Set("beta", "two", time.Minute)

	c.Delete("alpha")
	if _, ok := c.Peek("alpha"); ok {
		t.Fatalf("expected alpha deleted")
	}
	if _, ok := c.Peek("beta"); !ok {
		t.Fatalf("expected beta to remain")
	}

	c.Purge()
	if _, ok := c.Peek("beta"); ok {
		t.Fatalf("expected purge to clear beta")
	}
	if _, _, entries := c.Stats(); entries != 0 {
		t.Fatalf("expected empty cache after purge, got %d entries", entries)
	}
}

func TestCacheEviction(t *testing.T) {
	c := New(Options{TTL: time.Minute, MaxEntries: 2})

	c.Set("first", "one", time.Minute)
	c.Set("second", "two", time.Minute)
	c.Set("third", "three", time.Minute)

	if _, ok := c.Peek("first"); ok {
		t.Fatalf("expected first entry to be evicted")
	}
	if _, ok := c.Peek("second"); !ok {
		t.Fatalf("expected second entry to remain")
	}
	if _, ok := c.Peek("third"); !ok {
		t.Fatalf("expected third entry to remain")
	}
}

func TestCacheStats(t *testing.T) {
	c := New(Options{TTL: time.Minute, MaxEntries: 10})
	loader := func(_ context.Context, _ string) (interface{}, bool, error) {
		return 1, true, nil
	}

	_, _, _ = c.Get(context.Background(), "k", loader)
	_, _, _ = c.Get(context.Background(), "k", loader)

	hits, misses, entries := c.Stats()
	if hits != 1 || misses != 1 || entries != 1 {
		t.Fatalf("unexpected stats: hits=%d misses=%d entries=%d", hits, misses, entries)
	}
}
