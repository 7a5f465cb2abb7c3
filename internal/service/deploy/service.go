package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/metrics"
	"github.com/splax/deploygate/internal/repository"
	"github.com/splax/deploygate/internal/service/events"
)

// Observer is notified after a queue entry reaches a terminal status.
type Observer interface {
	DeploymentSettled(ctx context.Context, entry domain.QueueEntry)
}

// Notify calls every observer with entry.
func Notify(ctx context.Context, observers []Observer, entry domain.QueueEntry) {
	for _, o := range observers {
		o.DeploymentSettled(ctx, entry)
	}
}

// errAwaitingApproval stops executor reports against entries held at the
// approval gate; only the approval service releases them.
var errAwaitingApproval = errors.New("deployment awaiting approval")

// StatusReport is the executor's status callback.
type StatusReport struct {
	DeploymentID string     `json:"deployment_id"`
	Status       string     `json:"status"`
	Commit       string     `json:"commit,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Message      string     `json:"message,omitempty"`
}

// Service serves queue reads, executor claims and status callbacks.
type Service struct {
	queue     repository.QueueRepository
	journal   events.Journal
	metrics   *metrics.Recorder
	logger    *slog.Logger
	observers []Observer
	now       func() time.Time
}

// New returns a deployment service.
func New(queue repository.QueueRepository, journal events.Journal, rec *metrics.Recorder, logger *slog.Logger, observers ...Observer) Service {
	if journal == nil {
		journal = events.Discard{}
	}
	return Service{
		queue:     queue,
		journal:   journal,
		metrics:   rec,
		logger:    logger.With("component", "deploy"),
		observers: observers,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a queue entry.
func (s Service) Get(ctx context.Context, id string) (*domain.QueueEntry, error) {
	return s.queue.GetQueueEntry(ctx, id)
}

// List returns queue entries matching filter, newest first.
func (s Service) List(ctx context.Context, filter domain.QueueFilter) ([]domain.QueueEntry, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", repository.ErrInvalidArgument, filter.Status)
	}
	return s.queue.ListQueueEntries(ctx, filter)
}

// Claim hands the oldest claimable queued entry to an executor and marks it
// in_progress. It returns nil when nothing is claimable.
func (s Service) Claim(ctx context.Context, applicationID string) (*domain.QueueEntry, error) {
	entry, err := s.queue.ClaimNextQueued(ctx, strings.TrimSpace(applicationID), s.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	s.metrics.Claim()
	s.metrics.Transition(string(domain.StatusQueued), string(domain.StatusInProgress))
	s.logger.Info("deployment claimed", "deployment_id", entry.ID, "application_id", entry.ApplicationID, "pull_request_id", entry.PullRequestID)
	s.journal.Emit(ctx, domain.DeploymentEvent{
		ApplicationID: entry.ApplicationID,
		DeploymentID:  entry.ID,
		Type:          domain.EventClaimed,
		Actor:         "executor",
		Message:       "deployment handed to executor",
		Metadata:      events.Metadata(map[string]any{"commit": entry.Commit}),
	})
	return entry, nil
}

// ReportStatus applies an executor status callback. Reports for unknown
// deployments return ErrNotFound; reports that break the transition table
// return ErrInvalidState and leave the entry untouched. Repeating the current
// status only refreshes commit and message.
func (s Service) ReportStatus(ctx context.Context, report StatusReport) (*domain.QueueEntry, error) {
	id := strings.TrimSpace(report.DeploymentID)
	if id == "" {
		return nil, fmt.Errorf("%w: deployment_id required", repository.ErrInvalidArgument)
	}
	status, err := ParseStatus(report.Status)
	if err != nil {
		return nil, err
	}
	if status == domain.StatusQueued || status == domain.StatusWaitingApproval {
		return nil, fmt.Errorf("%w: executors cannot report %s", repository.ErrInvalidState, status)
	}
	commit := strings.TrimSpace(report.Commit)
	if strings.ContainsAny(commit, " \t\r\n") {
		return nil, fmt.Errorf("%w: malformed commit %q", repository.ErrInvalidArgument, commit)
	}

	var (
		previous domain.DeploymentStatus
		changed  bool
	)
	entry, err := s.queue.UpdateQueueEntry(ctx, id, func(e *domain.QueueEntry) error {
		previous = e.Status
		if e.Status == domain.StatusWaitingApproval {
			return errAwaitingApproval
		}
		at := s.now()
		if status == e.Status {
			if e.Status.Terminal() {
				return nil
			}
		} else {
			if status.Terminal() && report.FinishedAt != nil && !report.FinishedAt.IsZero() {
				at = report.FinishedAt.UTC()
			}
			if err := e.Transition(status, at); err != nil {
				return err
			}
			changed = true
		}
		if commit != "" {
			e.Commit = commit
		}
		if msg := strings.TrimSpace(report.Message); msg != "" {
			e.Message = msg
		}
		e.UpdatedAt = at
		return nil
	})
	if err != nil {
		if errors.Is(err, errAwaitingApproval) {
			s.logger.Warn("rejected executor status report for gated deployment", "deployment_id", id, "to", status)
			return nil, fmt.Errorf("%w: deployment %s is waiting for approval", repository.ErrInvalidState, id)
		}
		var invalid domain.ErrInvalidTransition
		if errors.As(err, &invalid) {
			s.logger.Warn("rejected executor status report", "deployment_id", id, "from", invalid.From, "to", invalid.To)
			return nil, fmt.Errorf("%w: %v", repository.ErrInvalidState, invalid)
		}
		return nil, err
	}
	if !changed {
		return entry, nil
	}

	s.metrics.Transition(string(previous), string(entry.Status))
	s.logger.Info("deployment status updated", "deployment_id", entry.ID, "application_id", entry.ApplicationID, "from", previous, "to", entry.Status, "commit", entry.Commit)
	s.journal.Emit(ctx, domain.DeploymentEvent{
		ApplicationID: entry.ApplicationID,
		DeploymentID:  entry.ID,
		Type:          domain.EventStatus,
		Actor:         "executor",
		Message:       fmt.Sprintf("%s -> %s", previous, entry.Status),
		Metadata: events.Metadata(map[string]any{
			"from":    string(previous),
			"to":      string(entry.Status),
			"commit":  entry.Commit,
			"message": entry.Message,
		}),
	})
	if entry.Status.Terminal() {
		Notify(ctx, s.observers, *entry)
	}
	return entry, nil
}

// Cancel aborts an entry that has not started executing. Work already in
// progress is cancelled by the executor reporting the cancelled status.
func (s Service) Cancel(ctx context.Context, id, actor, reason string) (*domain.QueueEntry, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, fmt.Errorf("%w: actor required", repository.ErrInvalidArgument)
	}
	var previous domain.DeploymentStatus
	entry, err := s.queue.UpdateQueueEntry(ctx, id, func(e *domain.QueueEntry) error {
		previous = e.Status
		if e.Status != domain.StatusQueued && e.Status != domain.StatusWaitingApproval {
			return fmt.Errorf("%w: cannot cancel %s deployment", repository.ErrInvalidState, e.Status)
		}
		now := s.now()
		if err := e.Transition(domain.StatusCancelled, now); err != nil {
			return fmt.Errorf("%w: %v", repository.ErrInvalidState, err)
		}
		if e.ApprovalStatus == domain.ApprovalPending {
			e.ApprovalStatus = domain.ApprovalRejected
			note := "cancelled before approval"
			e.ApprovalNote = &note
		}
		if reason = strings.TrimSpace(reason); reason != "" {
			e.Message = reason
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Transition(string(previous), string(entry.Status))
	s.logger.Info("deployment cancelled", "deployment_id", entry.ID, "application_id", entry.ApplicationID, "actor", actor)
	s.journal.Emit(ctx, domain.DeploymentEvent{
		ApplicationID: entry.ApplicationID,
		DeploymentID:  entry.ID,
		Type:          domain.EventCancelled,
		Actor:         actor,
		Message:       "deployment cancelled",
		Metadata:      events.Metadata(map[string]any{"from": string(previous), "reason": reason}),
	})
	Notify(ctx, s.observers, *entry)
	return entry, nil
}

// ParseStatus maps executor vocabulary onto the closed status enum.
func ParseStatus(raw string) (domain.DeploymentStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "waiting_approval":
		return domain.StatusWaitingApproval, nil
	case "queued", "pending":
		return domain.StatusQueued, nil
	case "in_progress", "running", "started", "building", "deploying":
		return domain.StatusInProgress, nil
	case "finished", "success", "succeeded", "completed", "ready":
		return domain.StatusFinished, nil
	case "failed", "failure", "error", "errored":
		return domain.StatusFailed, nil
	case "cancelled", "canceled", "aborted":
		return domain.StatusCancelled, nil
	default:
		return "", fmt.Errorf("%w: unknown deployment status %q", repository.ErrInvalidArgument, raw)
	}
}
