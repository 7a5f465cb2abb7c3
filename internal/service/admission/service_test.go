package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/repository"
	"github.com/splax/deploygate/internal/repository/memory"
)

type staticPolicy bool

func (p staticPolicy) RequiresApproval(context.Context, domain.Application, domain.DeploymentRequest) bool {
	return bool(p)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, policy Policy, mutate ...func(*Service)) (Service, *memory.Repository) {
	t.Helper()
	repo := memory.New()
	for _, id := range []string{"app-a", "app-b"} {
		if err := repo.CreateApplication(context.Background(), &domain.Application{ID: id, Name: id}); err != nil {
			t.Fatalf("create application: %v", err)
		}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	svc := New(repo, repo, policy, nil, nil, logger, Options{RetryAfter: 45 * time.Second, BatchWindow: 10 * time.Second})
	svc.now = func() time.Time { return testNow }
	for _, fn := range mutate {
		fn(&svc)
	}
	return svc, repo
}

func settle(t *testing.T, repo *memory.Repository, id string, statuses ...domain.DeploymentStatus) {
	t.Helper()
	_, err := repo.UpdateQueueEntry(context.Background(), id, func(e *domain.QueueEntry) error {
		for _, status := range statuses {
			if err := e.Transition(status, testNow); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("settle %s: %v", id, err)
	}
}

func TestSubmitAdmitsQueuedEntry(t *testing.T) {
	svc, repo := newTestService(t, staticPolicy(false))

	result, err := svc.Submit(context.Background(), domain.DeploymentRequest{ApplicationID: "app-a", Actor: "alice"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Outcome != OutcomeAdmitted || result.DeploymentID == "" {
		t.Fatalf("expected admitted result, got %+v", result)
	}
	entry, err := repo.GetQueueEntry(context.Background(), result.DeploymentID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.Status != domain.StatusQueued || entry.ApprovalStatus != domain.ApprovalNotRequired {
		t.Fatalf("unexpected entry state %s/%s", entry.Status, entry.ApprovalStatus)
	}
	if entry.Commit != domain.LatestCommit {
		t.Fatalf("expected latest commit marker, got %q", entry.Commit)
	}
	if !entry.AvailableAt.Equal(testNow.Add(10 * time.Second)) {
		t.Fatalf("expected batching window applied, got %s", entry.AvailableAt)
	}
	if entry.RequestedBy != "alice" {
		t.Fatalf("expected requester recorded, got %q", entry.RequestedBy)
	}
}

func TestSubmitInstantDeploySkipsBatchWindow(t *testing.T) {
	svc, repo := newTestService(t, staticPolicy(false))

	result, err := svc.Submit(context.Background(), domain.DeploymentRequest{ApplicationID: "app-a", InstantDeploy: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	entry, _ := repo.GetQueueEntry(context.Background(), result.DeploymentID)
	if !entry.AvailableAt.Equal(testNow) {
		t.Fatalf("expected immediate availability, got %s", entry.AvailableAt)
	}
}

func TestSubmitHoldsEntryForApproval(t *testing.T) {
	svc, _ := newTestService(t, staticPolicy(true))

	result, err := svc.Submit(context.Background(), domain.DeploymentRequest{ApplicationID: "app-a"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Entry == nil || result.Entry.Status != domain.StatusWaitingApproval || result.Entry.ApprovalStatus != domain.ApprovalPending {
		t.Fatalf("expected waiting_approval/pending, got %+v", result.Entry)
	}
	if !result.Entry.RequiresApproval {
		t.Fatalf("expected requires_approval to be stored")
	}
}

func TestSubmitRejectsWhenSlotOccupied(t *testing.T) {
	svc, repo := newTestService(t, staticPolicy(false))
	ctx := context.Background()

	first, err := svc.Submit(ctx, domain.DeploymentRequest{ApplicationID: "app-a", Commit: "c1"})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := svc.Submit(ctx, domain.DeploymentRequest{ApplicationID: "app-a", Commit: "c2"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.Outcome != OutcomeRejected || second.Reason != ReasonQueueFull {
		t.Fatalf("expected QueueFull rejection, got %+v", second)
	}
	if second.RetryAfter != 45*time.Second {
		t.Fatalf("expected retry hint, got %s", second.RetryAfter)
	}
	if second.ActiveDeploymentID != first.DeploymentID {
		t.Fatalf("expected active id %s, got %s", first.DeploymentID, second.ActiveDeploymentID)
	}

	settle(t, repo, first.DeploymentID, domain.StatusInProgress, domain.StatusFinished)

	third, err := svc.Submit(ctx, domain.DeploymentRequest{ApplicationID: "app-a", Commit: "c2"})
	if err != nil {
		t.Fatalf("third submit: %v", err)
	}
	if third.Outcome != OutcomeAdmitted || third.DeploymentID == first.DeploymentID {
		t.Fatalf("expected fresh admission after terminal status, got %+v", third)
	}
}

func TestSubmitSkipsEquivalentRequest(t *testing.T) {
	svc, _ := newTestService(t, staticPolicy(false))
	ctx := context.Background()

	first, err := svc.Submit(ctx, domain.DeploymentRequest{ApplicationID: "app-a", RestartOnly: true})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := svc.Submit(ctx, domain.DeploymentRequest{ApplicationID: "app-a", RestartOnly: true})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.Outcome != OutcomeSkipped || second.DeploymentID != first.DeploymentID {
		t.Fatalf("expected skip carrying %s, got %+v", first.DeploymentID, second)
	}

	forced, err := svc.Submit(ctx, domain.DeploymentRequest{ApplicationID: "app-a", ForceRebuild: true})
	if err != nil {
		t.Fatalf("forced submit: %v", err)
	}
	if forced.Outcome != OutcomeRejected {
		t.Fatalf("expected force rebuild to be rejected while slot busy, got %+v", forced)
	}
}

func TestSubmitDoesNotSkipExecutingEntry(t *testing.T) {
	svc, repo := newTestService(t, staticPolicy(false))
	ctx := context.Background()

	first, err := svc.Submit(ctx, domain.DeploymentRequest{ApplicationID: "app-a", Commit: "c1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	settle(t, repo, first.DeploymentID, domain.StatusInProgress)

	second, err := svc.Submit(ctx, domain.DeploymentRequest{ApplicationID: "app-a", Commit: "c1"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.Outcome != OutcomeRejected {
		t.Fatalf("expected rejection while executing, got %+v", second)
	}
}

func TestSubmitSkipsRetriedRollbackRegardlessOfProgress(t *testing.T) {
	svc, repo := newTestService(t, staticPolicy(false))
	ctx := context.Background()
	req := domain.DeploymentRequest{ApplicationID: "app-a", Commit: "c1", IsRollback: true, RollbackEventID: "rb-1"}

	first, err := svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	settle(t, repo, first.DeploymentID, domain.StatusInProgress)

	retry, err := svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.Outcome != OutcomeSkipped || retry.DeploymentID != first.DeploymentID {
		t.Fatalf("expected retried rollback to resolve to %s, got %+v", first.DeploymentID, retry)
	}
}

func TestSubmitUsesSeparateSlotsPerPullRequest(t *testing.T) {
	svc, _ := newTestService(t, staticPolicy(false))
	ctx := context.Background()

	main, err := svc.Submit(ctx, domain.DeploymentRequest{ApplicationID: "app-a"})
	if err != nil {
		t.Fatalf("main submit: %v", err)
	}
	preview, err := svc.Submit(ctx, domain.DeploymentRequest{ApplicationID: "app-a", PullRequestID: 42})
	if err != nil {
		t.Fatalf("preview submit: %v", err)
	}
	other, err := svc.Submit(ctx, domain.DeploymentRequest{ApplicationID: "app-b"})
	if err != nil {
		t.Fatalf("other app submit: %v", err)
	}
	for _, r := range []Result{main, preview, other} {
		if r.Outcome != OutcomeAdmitted {
			t.Fatalf("expected every slot to admit, got %+v", r)
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newTestService(t, staticPolicy(false))
	ctx := context.Background()

	cases := []domain.DeploymentRequest{
		{},
		{ApplicationID: "app-a", PullRequestID: -1},
		{ApplicationID: "app-a", ForceRebuild: true, RestartOnly: true},
		{ApplicationID: "app-a", Commit: "abc def"},
	}
	for i, req := range cases {
		if _, err := svc.Submit(ctx, req); !errors.Is(err, repository.ErrInvalidArgument) {
			t.Fatalf("case %d: expected ErrInvalidArgument, got %v", i, err)
		}
	}
	if _, err := svc.Submit(ctx, domain.DeploymentRequest{ApplicationID: "missing"}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown application, got %v", err)
	}
}

func TestSubmitConcurrentRequestsAdmitOnce(t *testing.T) {
	svc, repo := newTestService(t, staticPolicy(false))
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := svc.Submit(ctx, domain.DeploymentRequest{ApplicationID: "app-a", Commit: fmt.Sprintf("c%d", i)})
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			mu.Lock()
			outcomes[result.Outcome]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if outcomes[OutcomeAdmitted] != 1 || outcomes[OutcomeRejected] != 23 {
		t.Fatalf("expected 1 admitted and 23 rejected, got %v", outcomes)
	}
	active := 0
	entries, _ := repo.ListQueueEntries(ctx, domain.QueueFilter{ApplicationID: "app-a"})
	for _, e := range entries {
		if e.Status.Active() {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected one active entry, got %d", active)
	}
}
