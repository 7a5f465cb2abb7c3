package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/repository/memory"
	"github.com/splax/deploygate/internal/ws"
)

type fakePublisher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakePublisher) Publish(_ context.Context, applicationID string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, applicationID)
	return f.err
}

type captureSubscriber struct {
	ch chan []byte
}

func (c *captureSubscriber) Send(payload []byte) error {
	c.ch <- payload
	return nil
}

func (c *captureSubscriber) Close() {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestRecordPersistsAndBroadcasts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := ws.NewHub(ctx, 4)
	sub := &captureSubscriber{ch: make(chan []byte, 1)}
	hub.Register("app-1", sub)

	repo := memory.New()
	pub := &fakePublisher{}
	svc := New(repo, hub, testLogger()).WithRelay(pub)

	recorded, err := svc.Record(ctx, domain.DeploymentEvent{
		ApplicationID: "app-1",
		DeploymentID:  "dep-1",
		Type:          domain.EventAdmitted,
		Message:       "deployment admitted",
		Metadata:      Metadata(map[string]any{"commit": "abc", "empty": ""}),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if recorded.ID == "" || recorded.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp to be assigned: %+v", recorded)
	}

	select {
	case payload := <-sub.ch:
		var decoded map[string]any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if decoded["type"] != domain.EventAdmitted || decoded["deployment_id"] != "dep-1" {
			t.Fatalf("unexpected payload: %v", decoded)
		}
		meta, _ := decoded["metadata"].(map[string]any)
		if meta["commit"] != "abc" {
			t.Fatalf("expected commit metadata, got %v", decoded["metadata"])
		}
		if _, ok := meta["empty"]; ok {
			t.Fatalf("expected empty metadata values to be dropped")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for broadcast")
	}

	if len(pub.calls) != 1 || pub.calls[0] != "app-1" {
		t.Fatalf("expected relay publish for app-1, got %v", pub.calls)
	}

	listed, err := svc.List(ctx, "app-1", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != recorded.ID {
		t.Fatalf("expected recorded event in journal, got %+v", listed)
	}
}

func TestEmitSwallowsRelayErrors(t *testing.T) {
	repo := memory.New()
	pub := &fakePublisher{err: errors.New("redis down")}
	svc := New(repo, nil, testLogger()).WithRelay(pub)

	svc.Emit(context.Background(), domain.DeploymentEvent{ApplicationID: "app-1", Type: domain.EventRejected})

	listed, err := svc.List(context.Background(), "app-1", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected event stored despite relay failure, got %d", len(listed))
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	data, err := encodeEnvelope("origin-a", "app-1", []byte(`{"type":"claimed"}`))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Origin != "origin-a" || env.ApplicationID != "app-1" || string(env.Payload) != `{"type":"claimed"}` {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if _, err := encodeEnvelope("o", "app", []byte("not json")); err == nil {
		t.Fatalf("expected invalid payload error")
	}
	if _, err := decodeEnvelope([]byte(`{"origin":"o"}`)); err == nil {
		t.Fatalf("expected missing application error")
	}
}
