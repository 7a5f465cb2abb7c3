package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/repository"
	"github.com/splax/deploygate/internal/repository/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingObserver struct {
	mu      sync.Mutex
	settled []domain.QueueEntry
}

func (r *recordingObserver) DeploymentSettled(_ context.Context, entry domain.QueueEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = append(r.settled, entry)
}

func newTestService(t *testing.T, opts ...func(*Service)) (Service, *memory.Repository, *recordingObserver) {
	t.Helper()
	repo := memory.New()
	observer := &recordingObserver{}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	svc := New(repo, nil, nil, logger, observer)
	svc.now = func() time.Time { return testNow }
	for _, opt := range opts {
		opt(&svc)
	}
	return svc, repo, observer
}

func seed(t *testing.T, repo *memory.Repository, entry domain.QueueEntry) {
	t.Helper()
	if entry.ApprovalStatus == "" {
		entry.ApprovalStatus = domain.ApprovalNotRequired
	}
	if entry.Commit == "" {
		entry.Commit = domain.LatestCommit
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = testNow.Add(-time.Minute)
	}
	if entry.AvailableAt.IsZero() {
		entry.AvailableAt = entry.CreatedAt
	}
	_, err := repo.Admit(context.Background(), entry.Slot(), func(*domain.QueueEntry) (*domain.QueueEntry, error) {
		e := entry
		return &e, nil
	})
	if err != nil {
		t.Fatalf("seed %s: %v", entry.ID, err)
	}
}

func TestReportStatusRejectsUnknownDeployment(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.ReportStatus(context.Background(), StatusReport{DeploymentID: "missing", Status: "running"})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected repository.ErrNotFound, got %v", err)
	}
}

func TestReportStatusDrivesLifecycleAndNotifies(t *testing.T) {
	svc, repo, observer := newTestService(t)
	seed(t, repo, domain.QueueEntry{ID: "dep-1", ApplicationID: "app", Status: domain.StatusQueued})
	ctx := context.Background()

	running, err := svc.ReportStatus(ctx, StatusReport{DeploymentID: "dep-1", Status: "running", Commit: "abc123"})
	if err != nil {
		t.Fatalf("running report: %v", err)
	}
	if running.Status != domain.StatusInProgress || running.Commit != "abc123" || running.StartedAt == nil {
		t.Fatalf("unexpected entry after running report: %+v", running)
	}
	if len(observer.settled) != 0 {
		t.Fatalf("expected no settlement notification yet")
	}

	finishedAt := testNow.Add(5 * time.Minute)
	done, err := svc.ReportStatus(ctx, StatusReport{DeploymentID: "dep-1", Status: "success", FinishedAt: &finishedAt, Message: "ok"})
	if err != nil {
		t.Fatalf("success report: %v", err)
	}
	if done.Status != domain.StatusFinished || done.FinishedAt == nil || !done.FinishedAt.Equal(finishedAt) {
		t.Fatalf("unexpected entry after success report: %+v", done)
	}
	if len(observer.settled) != 1 || observer.settled[0].ID != "dep-1" {
		t.Fatalf("expected one settlement notification, got %+v", observer.settled)
	}
}

func TestReportStatusRejectsLeavingTerminalState(t *testing.T) {
	svc, repo, observer := newTestService(t)
	seed(t, repo, domain.QueueEntry{ID: "dep-1", ApplicationID: "app", Status: domain.StatusQueued})
	ctx := context.Background()

	if _, err := svc.ReportStatus(ctx, StatusReport{DeploymentID: "dep-1", Status: "in_progress"}); err != nil {
		t.Fatalf("in_progress: %v", err)
	}
	if _, err := svc.ReportStatus(ctx, StatusReport{DeploymentID: "dep-1", Status: "failed"}); err != nil {
		t.Fatalf("failed: %v", err)
	}
	_, err := svc.ReportStatus(ctx, StatusReport{DeploymentID: "dep-1", Status: "finished"})
	if !errors.Is(err, repository.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState leaving terminal state, got %v", err)
	}
	stored, _ := repo.GetQueueEntry(ctx, "dep-1")
	if stored.Status != domain.StatusFailed {
		t.Fatalf("expected failed status preserved, got %s", stored.Status)
	}

	again, err := svc.ReportStatus(ctx, StatusReport{DeploymentID: "dep-1", Status: "failed"})
	if err != nil {
		t.Fatalf("repeated terminal report should be a no-op, got %v", err)
	}
	if again.Status != domain.StatusFailed {
		t.Fatalf("unexpected status %s", again.Status)
	}
	if len(observer.settled) != 1 {
		t.Fatalf("expected a single settlement notification, got %d", len(observer.settled))
	}
}

func TestReportStatusRejectsSkippingExecution(t *testing.T) {
	svc, repo, _ := newTestService(t)
	seed(t, repo, domain.QueueEntry{ID: "dep-1", ApplicationID: "app", Status: domain.StatusWaitingApproval, ApprovalStatus: domain.ApprovalPending})

	_, err := svc.ReportStatus(context.Background(), StatusReport{DeploymentID: "dep-1", Status: "in_progress"})
	if !errors.Is(err, repository.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for unapproved entry, got %v", err)
	}
}

func TestReportStatusCannotReleaseApprovalGate(t *testing.T) {
	ctx := context.Background()
	for _, reported := range []string{"queued", "cancelled", "waiting_approval"} {
		t.Run(reported, func(t *testing.T) {
			svc, repo, observer := newTestService(t)
			seed(t, repo, domain.QueueEntry{ID: "gated", ApplicationID: "app", Status: domain.StatusWaitingApproval, RequiresApproval: true, ApprovalStatus: domain.ApprovalPending})

			_, err := svc.ReportStatus(ctx, StatusReport{DeploymentID: "gated", Status: reported})
			if !errors.Is(err, repository.ErrInvalidState) {
				t.Fatalf("expected ErrInvalidState, got %v", err)
			}
			stored, err := repo.GetQueueEntry(ctx, "gated")
			if err != nil {
				t.Fatalf("get entry: %v", err)
			}
			if stored.Status != domain.StatusWaitingApproval || stored.ApprovalStatus != domain.ApprovalPending {
				t.Fatalf("gated entry mutated: status=%s approval=%s", stored.Status, stored.ApprovalStatus)
			}
			claimed, err := svc.Claim(ctx, "")
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if claimed != nil {
				t.Fatalf("claimed unapproved entry %s", claimed.ID)
			}
			if len(observer.settled) != 0 {
				t.Fatalf("expected no settlement, got %d", len(observer.settled))
			}
		})
	}
}

func TestReportStatusRejectsQueuedForQueuedEntry(t *testing.T) {
	svc, repo, _ := newTestService(t)
	seed(t, repo, domain.QueueEntry{ID: "dep-1", ApplicationID: "app", Status: domain.StatusQueued})

	_, err := svc.ReportStatus(context.Background(), StatusReport{DeploymentID: "dep-1", Status: "queued"})
	if !errors.Is(err, repository.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestClaimSkipsQueuedEntryWithPendingApproval(t *testing.T) {
	svc, repo, _ := newTestService(t)
	seed(t, repo, domain.QueueEntry{ID: "pending", ApplicationID: "app-a", Status: domain.StatusQueued, ApprovalStatus: domain.ApprovalPending, CreatedAt: testNow.Add(-2 * time.Minute)})
	seed(t, repo, domain.QueueEntry{ID: "approved", ApplicationID: "app-b", Status: domain.StatusQueued, ApprovalStatus: domain.ApprovalApproved})

	claimed, err := svc.Claim(context.Background(), "")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != "approved" {
		t.Fatalf("expected approved entry claimed, got %+v", claimed)
	}
	if again, err := svc.Claim(context.Background(), ""); err != nil || again != nil {
		t.Fatalf("expected nothing claimable, got %+v err=%v", again, err)
	}
}

func TestReportStatusRejectsUnknownStatus(t *testing.T) {
	svc, repo, _ := newTestService(t)
	seed(t, repo, domain.QueueEntry{ID: "dep-1", ApplicationID: "app", Status: domain.StatusQueued})

	_, err := svc.ReportStatus(context.Background(), StatusReport{DeploymentID: "dep-1", Status: "exploded"})
	if !errors.Is(err, repository.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestClaimHonoursOrderAndBatchWindow(t *testing.T) {
	svc, repo, _ := newTestService(t)
	seed(t, repo, domain.QueueEntry{ID: "late", ApplicationID: "app-a", Status: domain.StatusQueued, CreatedAt: testNow.Add(-2 * time.Minute), AvailableAt: testNow.Add(time.Minute)})
	seed(t, repo, domain.QueueEntry{ID: "old", ApplicationID: "app-b", Status: domain.StatusQueued, CreatedAt: testNow.Add(-time.Minute)})
	seed(t, repo, domain.QueueEntry{ID: "new", ApplicationID: "app-c", Status: domain.StatusQueued, CreatedAt: testNow.Add(-time.Second)})
	ctx := context.Background()

	first, err := svc.Claim(ctx, "")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first == nil || first.ID != "old" || first.Status != domain.StatusInProgress {
		t.Fatalf("expected old entry claimed, got %+v", first)
	}
	scoped, err := svc.Claim(ctx, "app-a")
	if err != nil {
		t.Fatalf("scoped claim: %v", err)
	}
	if scoped != nil {
		t.Fatalf("expected batching window to hold app-a entry, got %s", scoped.ID)
	}
	second, err := svc.Claim(ctx, "")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second == nil || second.ID != "new" {
		t.Fatalf("expected new entry claimed, got %+v", second)
	}
}

func TestCancelPreExecutionEntries(t *testing.T) {
	svc, repo, observer := newTestService(t)
	seed(t, repo, domain.QueueEntry{ID: "queued", ApplicationID: "app-a", Status: domain.StatusQueued})
	seed(t, repo, domain.QueueEntry{ID: "waiting", ApplicationID: "app-b", Status: domain.StatusWaitingApproval, ApprovalStatus: domain.ApprovalPending, RequiresApproval: true})
	seed(t, repo, domain.QueueEntry{ID: "running", ApplicationID: "app-c", Status: domain.StatusInProgress})
	ctx := context.Background()

	cancelled, err := svc.Cancel(ctx, "queued", "alice", "superseded")
	if err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled || cancelled.Message != "superseded" {
		t.Fatalf("unexpected cancelled entry: %+v", cancelled)
	}

	waiting, err := svc.Cancel(ctx, "waiting", "alice", "")
	if err != nil {
		t.Fatalf("cancel waiting: %v", err)
	}
	if waiting.ApprovalStatus != domain.ApprovalRejected {
		t.Fatalf("expected pending approval closed, got %s", waiting.ApprovalStatus)
	}

	if _, err := svc.Cancel(ctx, "running", "alice", ""); !errors.Is(err, repository.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for in_progress entry, got %v", err)
	}
	if _, err := svc.Cancel(ctx, "queued", "alice", ""); !errors.Is(err, repository.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for terminal entry, got %v", err)
	}
	if len(observer.settled) != 2 {
		t.Fatalf("expected two settlement notifications, got %d", len(observer.settled))
	}
}

func TestParseStatusAliases(t *testing.T) {
	cases := map[string]domain.DeploymentStatus{
		"running":   domain.StatusInProgress,
		"SUCCESS":   domain.StatusFinished,
		"error":     domain.StatusFailed,
		"canceled":  domain.StatusCancelled,
		" queued ":  domain.StatusQueued,
		"finished":  domain.StatusFinished,
		"deploying": domain.StatusInProgress,
	}
	for raw, want := range cases {
		got, err := ParseStatus(raw)
		if err != nil {
			t.Fatalf("ParseStatus(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseStatus(%q) = %s, want %s", raw, got, want)
		}
	}
	if _, err := ParseStatus(""); !errors.Is(err, repository.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty status, got %v", err)
	}
}
