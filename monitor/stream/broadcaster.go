// Package stream pushes monitor snapshots to live subscribers.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rbaliyan/admit/monitor"
)

// DefaultPollInterval is the default interval for sampling the provider.
const DefaultPollInterval = time.Second

// subscriberBuffer is the per-subscriber channel size. Slow subscribers
// miss snapshots instead of stalling the poll loop.
const subscriberBuffer = 16

// Subscriber receives snapshots until closed.
type Subscriber struct {
	id        string
	snapshots chan monitor.Snapshot
	done      chan struct{}
	closed    bool
	mu        sync.Mutex
}

// Snapshots returns the channel for receiving snapshots.
func (s *Subscriber) Snapshots() <-chan monitor.Snapshot {
	return s.snapshots
}

// Done is closed when the subscriber is closed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Close closes the subscriber.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Broadcaster samples a Provider and fans snapshots out to subscribers.
type Broadcaster struct {
	provider     monitor.Provider
	pollInterval time.Duration
	subscribers  map[string]*Subscriber
	mu           sync.RWMutex
	done         chan struct{}
	wg           sync.WaitGroup
	started      bool
	// stopping is set once Stop has been called; stopped once subscribers
	// have been closed and no new ones are accepted.
	stopping bool
	stopped  bool
}

// NewBroadcaster creates a Broadcaster sampling provider every pollInterval.
func NewBroadcaster(provider monitor.Provider, pollInterval time.Duration) *Broadcaster {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Broadcaster{
		provider:     provider,
		pollInterval: pollInterval,
		subscribers:  make(map[string]*Subscriber),
		done:         make(chan struct{}),
	}
}

// Start begins sampling. It returns immediately. Cancelling ctx stops
// sampling and closes every subscriber, like Stop.
func (b *Broadcaster) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started || b.stopping || b.stopped {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.pollLoop(ctx)
}

// Stop stops sampling and closes every subscriber. Subscribers added after
// Stop are closed immediately.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return
	}
	b.stopping = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
	b.closeSubscribers()
}

// Subscribe registers a new subscriber. The current snapshot is delivered
// immediately. Once the broadcaster is stopped the subscriber is returned
// already closed.
func (b *Broadcaster) Subscribe() *Subscriber {
	sub := &Subscriber{
		id:        uuid.New().String(),
		snapshots: make(chan monitor.Snapshot, subscriberBuffer),
		done:      make(chan struct{}),
	}
	sub.snapshots <- b.provider.Snapshot()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		sub.Close()
		return sub
	}
	b.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub.id]; ok {
		sub.Close()
		delete(b.subscribers, sub.id)
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broadcaster) closeSubscribers() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = true
	for id, sub := range b.subscribers {
		sub.Close()
		delete(b.subscribers, id)
	}
}

func (b *Broadcaster) pollLoop(ctx context.Context) {
	defer b.wg.Done()
	defer b.closeSubscribers()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
			b.poll()
		}
	}
}

func (b *Broadcaster) poll() {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.subscribers) == 0 {
		return
	}

	snap := b.provider.Snapshot()
	for _, sub := range b.subscribers {
		select {
		case sub.snapshots <- snap:
		default:
			// Channel full, skip snapshot
		}
	}
}
