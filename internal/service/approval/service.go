package approval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/metrics"
	"github.com/splax/deploygate/internal/repository"
	"github.com/splax/deploygate/internal/service/deploy"
	"github.com/splax/deploygate/internal/service/events"
)

// SystemActor decides approvals that expire without an operator.
const SystemActor = "system"

const maxNoteLength = 1024

// Service is the approval gate in front of the executor.
type Service struct {
	queue     repository.QueueRepository
	journal   events.Journal
	metrics   *metrics.Recorder
	logger    *slog.Logger
	observers []deploy.Observer
	now       func() time.Time
}

// New constructs an approval gate.
func New(queue repository.QueueRepository, journal events.Journal, rec *metrics.Recorder, logger *slog.Logger, observers ...deploy.Observer) Service {
	if journal == nil {
		journal = events.Discard{}
	}
	return Service{
		queue:     queue,
		journal:   journal,
		metrics:   rec,
		logger:    logger.With("component", "approval"),
		observers: observers,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Approve releases a pending entry to the executor. Deciding an entry twice
// fails with ErrInvalidState.
func (s Service) Approve(ctx context.Context, id, approver, note string) (*domain.QueueEntry, error) {
	return s.decide(ctx, id, approver, note, domain.ApprovalApproved)
}

// Reject cancels a pending entry. Deciding an entry twice fails with ErrInvalidState.
func (s Service) Reject(ctx context.Context, id, approver, note string) (*domain.QueueEntry, error) {
	return s.decide(ctx, id, approver, note, domain.ApprovalRejected)
}

// Expire rejects entries that have waited for approval since before cutoff.
// It returns the number of entries expired.
func (s Service) Expire(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := s.queue.ListStaleQueueEntries(ctx, domain.StatusWaitingApproval, cutoff)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, entry := range stale {
		if entry.ApprovalStatus != domain.ApprovalPending {
			continue
		}
		_, err := s.decide(ctx, entry.ID, SystemActor, "approval window expired", domain.ApprovalRejected)
		if err != nil {
			// An operator may have decided the entry since it was listed.
			s.logger.Warn("failed to expire approval", "deployment_id", entry.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (s Service) decide(ctx context.Context, id, approver, note string, decision domain.ApprovalStatus) (*domain.QueueEntry, error) {
	approver = strings.TrimSpace(approver)
	note = strings.TrimSpace(note)
	if approver == "" {
		return nil, fmt.Errorf("%w: approver required", repository.ErrInvalidArgument)
	}
	if len(note) > maxNoteLength {
		return nil, fmt.Errorf("%w: note exceeds %d characters", repository.ErrInvalidArgument, maxNoteLength)
	}

	target := domain.StatusQueued
	if decision == domain.ApprovalRejected {
		target = domain.StatusCancelled
	}

	entry, err := s.queue.UpdateQueueEntry(ctx, id, func(e *domain.QueueEntry) error {
		if e.ApprovalStatus != domain.ApprovalPending {
			return fmt.Errorf("%w: approval already %s", repository.ErrInvalidState, e.ApprovalStatus)
		}
		now := s.now()
		if err := e.Transition(target, now); err != nil {
			return fmt.Errorf("%w: %v", repository.ErrInvalidState, err)
		}
		e.ApprovalStatus = decision
		e.ApprovedBy = &approver
		e.ApprovedAt = &now
		if note != "" {
			e.ApprovalNote = &note
		}
		if target == domain.StatusQueued && e.AvailableAt.After(now) {
			// An explicit release skips whatever batching window remains.
			e.AvailableAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Approval(string(decision))
	s.metrics.Transition(string(domain.StatusWaitingApproval), string(entry.Status))
	s.logger.Info("approval decided", "deployment_id", entry.ID, "application_id", entry.ApplicationID, "decision", decision, "approver", approver)

	eventType := domain.EventApproved
	if decision == domain.ApprovalRejected {
		eventType = domain.EventApprovalRejected
	}
	s.journal.Emit(ctx, domain.DeploymentEvent{
		ApplicationID: entry.ApplicationID,
		DeploymentID:  entry.ID,
		Type:          eventType,
		Actor:         approver,
		Message:       fmt.Sprintf("deployment %s", decision),
		Metadata:      events.Metadata(map[string]any{"note": note}),
	})
	if entry.Status.Terminal() {
		deploy.Notify(ctx, s.observers, *entry)
	}
	return entry, nil
}
