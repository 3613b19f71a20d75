package stream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/admit/monitor"
)

func TestBroadcaster(t *testing.T) {
	var pending atomic.Int64
	provider := monitor.ProviderFunc(func() monitor.Snapshot {
		return monitor.Snapshot{TotalPending: int(pending.Load())}
	})

	b := NewBroadcaster(provider, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	sub := b.Subscribe()
	if b.Len() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.Len())
	}

	select {
	case snap := <-sub.Snapshots():
		if snap.TotalPending != 0 {
			t.Errorf("expected initial snapshot with 0 pending, got %d", snap.TotalPending)
		}
	case <-time.After(time.Second):
		t.Fatal("expected initial snapshot")
	}

	pending.Store(7)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-sub.Snapshots():
			if snap.TotalPending == 7 {
				b.Unsubscribe(sub)
				if b.Len() != 0 {
					t.Errorf("expected no subscribers, got %d", b.Len())
				}
				select {
				case <-sub.Done():
				default:
					t.Error("expected subscriber to be closed")
				}
				return
			}
		case <-deadline:
			t.Fatal("expected updated snapshot")
		}
	}
}

func TestBroadcasterStopClosesSubscribers(t *testing.T) {
	b := NewBroadcaster(monitor.ProviderFunc(func() monitor.Snapshot { return monitor.Snapshot{} }), 0)
	b.Start(context.Background())

	sub := b.Subscribe()
	b.Stop()
	b.Stop()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to be closed on Stop")
	}
}

func TestBroadcasterSubscribeAfterStop(t *testing.T) {
	b := NewBroadcaster(monitor.ProviderFunc(func() monitor.Snapshot { return monitor.Snapshot{} }), 0)
	b.Start(context.Background())
	b.Stop()

	sub := b.Subscribe()
	select {
	case <-sub.Done():
	default:
		t.Fatal("expected subscriber added after Stop to be closed")
	}
	if b.Len() != 0 {
		t.Errorf("expected no subscribers after Stop, got %d", b.Len())
	}
}

func TestBroadcasterContextCancelClosesSubscribers(t *testing.T) {
	b := NewBroadcaster(monitor.ProviderFunc(func() monitor.Snapshot { return monitor.Snapshot{} }), 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	defer b.Stop()

	sub := b.Subscribe()
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to be closed when the context is cancelled")
	}

	late := b.Subscribe()
	select {
	case <-late.Done():
	case <-time.After(time.Second):
		t.Fatal("expected late subscriber to be closed")
	}
	if b.Len() != 0 {
		t.Errorf("expected no subscribers, got %d", b.Len())
	}
}
