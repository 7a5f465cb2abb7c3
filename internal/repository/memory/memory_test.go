package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/repository"
)

func queued(id string, slot domain.Slot, created time.Time) *domain.QueueEntry {
	return &domain.QueueEntry{
		ID:             id,
		ApplicationID:  slot.ApplicationID,
		PullRequestID:  slot.PullRequestID,
		Commit:         domain.LatestCommit,
		Status:         domain.StatusQueued,
		ApprovalStatus: domain.ApprovalNotRequired,
		AvailableAt:    created,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func TestAdmitSerializesPerSlot(t *testing.T) {
	repo := New()
	slot := domain.Slot{ApplicationID: "app-1"}
	now := time.Now().UTC()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := repo.Admit(context.Background(), slot, func(active *domain.QueueEntry) (*domain.QueueEntry, error) {
				if active != nil {
					return nil, nil
				}
				return queued(fmt.Sprintf("dep-%02d", i), slot, now), nil
			})
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			if entry != nil {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := admitted.Load(); got != 1 {
		t.Fatalf("expected exactly one admission, got %d", got)
	}
	active, err := repo.ListQueueEntries(context.Background(), domain.QueueFilter{ApplicationID: "app-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected one stored entry, got %d", len(active))
	}
}

func TestAdmitRejectsSecondActiveEntryEvenIfDecideAllows(t *testing.T) {
	repo := New()
	slot := domain.Slot{ApplicationID: "app-1"}
	now := time.Now().UTC()
	allow := func(id string) repository.AdmitFunc {
		return func(*domain.QueueEntry) (*domain.QueueEntry, error) { return queued(id, slot, now), nil }
	}
	if _, err := repo.Admit(context.Background(), slot, allow("a")); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if _, err := repo.Admit(context.Background(), slot, allow("b")); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestClaimNextQueuedHonoursOrderAndAvailability(t *testing.T) {
	repo := New()
	base := time.Now().UTC()
	first := queued("b-first", domain.Slot{ApplicationID: "app-1"}, base)
	second := queued("a-second", domain.Slot{ApplicationID: "app-2"}, base.Add(time.Second))
	later := queued("c-later", domain.Slot{ApplicationID: "app-3"}, base)
	later.AvailableAt = base.Add(time.Hour)

	for _, entry := range []*domain.QueueEntry{first, second, later} {
		e := entry
		if _, err := repo.Admit(context.Background(), e.Slot(), func(*domain.QueueEntry) (*domain.QueueEntry, error) { return e, nil }); err != nil {
			t.Fatalf("admit %s: %v", e.ID, err)
		}
	}

	claimed, err := repo.ClaimNextQueued(context.Background(), "", base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != "b-first" || claimed.Status != domain.StatusInProgress {
		t.Fatalf("expected b-first in_progress, got %s %s", claimed.ID, claimed.Status)
	}
	claimed, err = repo.ClaimNextQueued(context.Background(), "", base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed.ID != "a-second" {
		t.Fatalf("expected a-second, got %s", claimed.ID)
	}
	if _, err := repo.ClaimNextQueued(context.Background(), "", base.Add(2*time.Second)); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound while c-later is deferred, got %v", err)
	}
}

func TestUpdateQueueEntryLeavesEntryOnError(t *testing.T) {
	repo := New()
	slot := domain.Slot{ApplicationID: "app-1"}
	entry := queued("dep", slot, time.Now().UTC())
	if _, err := repo.Admit(context.Background(), slot, func(*domain.QueueEntry) (*domain.QueueEntry, error) { return entry, nil }); err != nil {
		t.Fatalf("admit: %v", err)
	}
	boom := errors.New("boom")
	_, err := repo.UpdateQueueEntry(context.Background(), "dep", func(e *domain.QueueEntry) error {
		e.Status = domain.StatusFailed
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutator error, got %v", err)
	}
	stored, _ := repo.GetQueueEntry(context.Background(), "dep")
	if stored.Status != domain.StatusQueued {
		t.Fatalf("expected status unchanged, got %s", stored.Status)
	}
}

func TestListRollbackEventsByDeploymentOldestFirst(t *testing.T) {
	repo := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	shared, other := "dep-r", "dep-x"
	events := []domain.RollbackEvent{
		{ID: "rb-2", ApplicationID: "app-1", RollbackDeploymentID: &shared, Status: domain.RollbackInProgress, TriggeredAt: base.Add(time.Minute)},
		{ID: "rb-1", ApplicationID: "app-1", RollbackDeploymentID: &shared, Status: domain.RollbackInProgress, TriggeredAt: base},
		{ID: "rb-3", ApplicationID: "app-1", RollbackDeploymentID: &other, Status: domain.RollbackInProgress, TriggeredAt: base},
		{ID: "rb-4", ApplicationID: "app-1", Status: domain.RollbackPending, TriggeredAt: base},
	}
	for i := range events {
		if err := repo.CreateRollbackEvent(ctx, &events[i]); err != nil {
			t.Fatalf("create %s: %v", events[i].ID, err)
		}
	}

	got, err := repo.ListRollbackEventsByDeployment(ctx, shared)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "rb-1" || got[1].ID != "rb-2" {
		t.Fatalf("expected [rb-1 rb-2], got %+v", got)
	}
	none, err := repo.ListRollbackEventsByDeployment(ctx, "missing")
	if err != nil || len(none) != 0 {
		t.Fatalf("expected empty list, got %v, %v", none, err)
	}
}
