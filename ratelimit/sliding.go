package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rbaliyan/admit/cache"
	"github.com/rbaliyan/admit/clock"
)

// DefaultMaxKeys bounds the number of keys a MemoryCounter tracks.
var DefaultMaxKeys = 100_000

// MemoryCounter is the in-process Counter.
//
// It keeps the timestamps of accepted attempts per key and prunes the ones
// that fell out of the window on every call, so there are no fixed buckets
// and no burst at bucket boundaries.
//
// The guarantee is weaker than RedisCounter: state is scoped to this process,
// so a user spread over N independent instances can receive up to N times
// the configured budget. Use it as the fallback for RedisCounter or for
// single-instance deployments.
//
// At most maxKeys keys are tracked; when full, the least recently touched
// key is dropped. Dropping a key only forgets history, it never rejects.
type MemoryCounter struct {
	mu    sync.Mutex
	clock clock.Clock
	logs  *cache.LRU[string, *windowLog]
}

// windowLog holds accepted attempt timestamps, oldest first.
type windowLog struct {
	stamps []time.Time
	window time.Duration
}

// MemoryOption configures a MemoryCounter.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	clock   clock.Clock
	maxKeys int
}

// WithMemoryClock sets the clock used for window arithmetic.
func WithMemoryClock(c clock.Clock) MemoryOption {
	return func(o *memoryOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithMaxKeys sets how many keys are tracked before the least recently
// touched one is dropped. Non-positive values keep the default.
func WithMaxKeys(n int) MemoryOption {
	return func(o *memoryOptions) {
		if n > 0 {
			o.maxKeys = n
		}
	}
}

// NewMemoryCounter creates an in-process sliding window counter.
func NewMemoryCounter(opts ...MemoryOption) *MemoryCounter {
	o := &memoryOptions{
		clock:   clock.New(),
		maxKeys: DefaultMaxKeys,
	}
	for _, opt := range opts {
		opt(o)
	}

	// maxKeys is always positive here, so New cannot fail.
	logs, _ := cache.New[string, *windowLog](o.maxKeys)
	return &MemoryCounter{
		clock: o.clock,
		logs:  logs,
	}
}

// Consume records one attempt for key if fewer than limit attempts were
// accepted in the trailing window.
func (m *MemoryCounter) Consume(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	if err := validate(key, limit, window); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	log, ok := m.logs.Get(key)
	if !ok {
		log = &windowLog{}
	}
	log.window = window
	log.prune(now)

	count := len(log.stamps)
	if count >= limit {
		m.logs.Add(key, log)
		return Result{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   log.stamps[0].Add(window),
		}, nil
	}

	log.stamps = append(log.stamps, now)
	m.logs.Add(key, log)
	return Result{
		Allowed:   true,
		Remaining: limit - count - 1,
		ResetAt:   log.stamps[0].Add(window),
	}, nil
}

// Observe reports the window state for key without recording an attempt.
func (m *MemoryCounter) Observe(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	if err := validate(key, limit, window); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	log, ok := m.logs.Peek(key)
	if !ok {
		return Result{Allowed: true, Remaining: limit, ResetAt: now.Add(window)}, nil
	}

	// Prune a copy so observing never mutates the stored log.
	view := &windowLog{stamps: log.stamps, window: window}
	view.pruneCopy(now)

	count := len(view.stamps)
	res := Result{
		Allowed:   count < limit,
		Remaining: max(limit-count, 0),
		ResetAt:   now.Add(window),
	}
	if count > 0 {
		res.ResetAt = view.stamps[0].Add(window)
	}
	return res, nil
}

// Reset forgets key.
func (m *MemoryCounter) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logs.Remove(key)
	return nil
}

// Cleanup drops every key whose newest attempt has left its window.
// Call periodically in long-running processes; Consume prunes lazily.
func (m *MemoryCounter) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0
	for _, key := range m.logs.Keys() {
		log, ok := m.logs.Peek(key)
		if !ok {
			continue
		}
		if n := len(log.stamps); n == 0 || !log.stamps[n-1].After(now.Add(-log.window)) {
			m.logs.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys, including expired ones not yet
// cleaned up.
func (m *MemoryCounter) Len() int {
	return m.logs.Len()
}

// prune drops timestamps at or before now-window in place.
func (l *windowLog) prune(now time.Time) {
	start := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(start) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// pruneCopy is prune without writing into the shared backing array.
func (l *windowLog) pruneCopy(now time.Time) {
	start := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(start) {
		i++
	}
	l.stamps = l.stamps[i:]
}

// Compile-time check
var _ Counter = (*MemoryCounter)(nil)
