package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
}

func (r *recordingSubscriber) Send(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("gone")
	}
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *recordingSubscriber) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recordingSubscriber) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestHubBroadcastsPerApplication(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(ctx, 4)

	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	hub.Register("app-a", a)
	hub.Register("app-b", b)

	hub.Broadcast("app-a", []byte(`{"type":"admitted"}`))
	waitFor(t, func() bool { return a.count() == 1 })
	if b.count() != 0 {
		t.Fatalf("expected app-b subscriber to receive nothing, got %d", b.count())
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(ctx, 0)

	broken := &recordingSubscriber{fail: true}
	hub.Register("app", broken)
	hub.Broadcast("app", []byte("x"))

	waitFor(t, func() bool { return broken.isClosed() })
	waitFor(t, func() bool { return hub.Subscribers("app") == 0 })
}

func TestHubClosesSubscribersOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(ctx, 0)
	sub := &recordingSubscriber{}
	hub.Register("app", sub)
	cancel()

	waitFor(t, func() bool { return sub.isClosed() })
	// Broadcast after shutdown must not block.
	hub.Broadcast("app", []byte("late"))
}
