package rollback

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"log/slog"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/metrics"
	"github.com/splax/deploygate/internal/repository"
	"github.com/splax/deploygate/internal/service/admission"
	"github.com/splax/deploygate/internal/service/events"
)

// ErrInvalidTarget is returned when the rollback target is not a finished deployment.
var ErrInvalidTarget = fmt.Errorf("%w: rollback target must be a finished deployment", repository.ErrInvalidState)

const systemActor = "system"

// Submitter admits deployment requests.
type Submitter interface {
	Submit(ctx context.Context, req domain.DeploymentRequest) (admission.Result, error)
}

// Input describes a rollback request.
type Input struct {
	ApplicationID      string `json:"application_id"`
	TargetDeploymentID string `json:"target_deployment_id"`
	// FailedDeploymentID overrides the baseline recorded for audit.
	FailedDeploymentID string `json:"failed_deployment_id,omitempty"`
	TriggeredBy        string `json:"triggered_by,omitempty"`
	Reason             string `json:"reason,omitempty"`
	TriggerType        string `json:"trigger_type,omitempty"`
}

// Result pairs the rollback event with the unchanged admission answer.
type Result struct {
	Event     domain.RollbackEvent `json:"event"`
	Admission admission.Result     `json:"admission"`
}

// Options toggle optional behaviour.
type Options struct {
	// AutoRollback restores the last finished deployment when a main-slot deployment fails.
	AutoRollback bool
}

// Service orchestrates rollbacks through admission and settles them from
// executor outcomes.
type Service struct {
	queue     repository.QueueRepository
	rollbacks repository.RollbackRepository
	admission Submitter
	journal   events.Journal
	metrics   *metrics.Recorder
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
}

// New constructs a rollback orchestrator.
func New(queue repository.QueueRepository, rollbacks repository.RollbackRepository, submitter Submitter, journal events.Journal, rec *metrics.Recorder, logger *slog.Logger, opts Options) Service {
	if journal == nil {
		journal = events.Discard{}
	}
	return Service{
		queue:     queue,
		rollbacks: rollbacks,
		admission: submitter,
		journal:   journal,
		metrics:   rec,
		logger:    logger.With("component", "rollback"),
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Rollback re-deploys the commit of a finished deployment. A QueueFull
// rejection is returned in Result.Admission with the event left pending.
func (s Service) Rollback(ctx context.Context, in Input) (Result, error) {
	in.ApplicationID = strings.TrimSpace(in.ApplicationID)
	in.TargetDeploymentID = strings.TrimSpace(in.TargetDeploymentID)
	if in.ApplicationID == "" || in.TargetDeploymentID == "" {
		return Result{}, fmt.Errorf("%w: application and target deployment are required", repository.ErrInvalidArgument)
	}
	if strings.TrimSpace(in.Reason) == "" {
		in.Reason = domain.TriggerManual
	}

	target, err := s.queue.GetQueueEntry(ctx, in.TargetDeploymentID)
	if err != nil {
		return Result{}, err
	}
	if target.ApplicationID != in.ApplicationID {
		return Result{}, repository.ErrNotFound
	}
	if target.Status != domain.StatusFinished {
		return Result{}, fmt.Errorf("%w: target %s is %s", ErrInvalidTarget, target.ID, target.Status)
	}

	baseline, err := s.queue.LatestQueueEntry(ctx, in.ApplicationID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return Result{}, err
	}

	now := s.now()
	event := domain.RollbackEvent{
		ID:                 domain.NewID(),
		ApplicationID:      in.ApplicationID,
		TargetDeploymentID: target.ID,
		TriggeredBy:        optional(in.TriggeredBy),
		TriggerReason:      in.Reason,
		TriggerType:        strings.TrimSpace(in.TriggerType),
		Status:             domain.RollbackPending,
		ToCommit:           target.Commit,
		TriggeredAt:        now,
		UpdatedAt:          now,
	}
	if baseline != nil {
		event.FailedDeploymentID = optional(baseline.ID)
		event.FromCommit = baseline.Commit
	}
	if in.FailedDeploymentID != "" {
		event.FailedDeploymentID = optional(in.FailedDeploymentID)
	}
	if err := s.rollbacks.CreateRollbackEvent(ctx, &event); err != nil {
		return Result{}, err
	}
	s.metrics.Rollback(string(domain.RollbackPending))
	s.logger.Info("rollback started", "rollback_id", event.ID, "application_id", event.ApplicationID, "from_commit", event.FromCommit, "to_commit", event.ToCommit, "reason", event.TriggerReason)
	s.journal.Emit(ctx, domain.DeploymentEvent{
		ApplicationID: event.ApplicationID,
		DeploymentID:  target.ID,
		Type:          domain.EventRollbackStarted,
		Actor:         in.TriggeredBy,
		Message:       fmt.Sprintf("rollback to %s requested", event.ToCommit),
		Metadata: events.Metadata(map[string]any{
			"rollback_id": event.ID,
			"from_commit": event.FromCommit,
			"to_commit":   event.ToCommit,
			"reason":      event.TriggerReason,
		}),
	})

	return s.advance(ctx, event)
}

// Resume retries admission for a pending rollback event. When a deployment
// carrying the event already exists it is linked instead of admitting another.
func (s Service) Resume(ctx context.Context, eventID string) (Result, error) {
	event, err := s.rollbacks.GetRollbackEvent(ctx, eventID)
	if err != nil {
		return Result{}, err
	}
	if event.Status != domain.RollbackPending {
		return Result{Event: *event}, fmt.Errorf("%w: rollback event is %s", repository.ErrInvalidState, event.Status)
	}

	existing, err := s.findRemediation(ctx, *event)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		linked, err := s.link(ctx, event.ID, existing.ID)
		if err != nil {
			return Result{}, err
		}
		res := Result{
			Event:     *linked,
			Admission: admission.Result{Outcome: admission.OutcomeSkipped, DeploymentID: existing.ID, Reason: admission.ReasonEquivalent, Entry: existing},
		}
		if existing.Status.Terminal() {
			s.DeploymentSettled(ctx, *existing)
			if settled, err := s.rollbacks.GetRollbackEvent(ctx, event.ID); err == nil {
				res.Event = *settled
			}
		}
		return res, nil
	}
	return s.advance(ctx, *event)
}

// RecoverPending resumes events left pending for longer than age.
// It returns how many were moved past pending.
func (s Service) RecoverPending(ctx context.Context, age time.Duration) (int, error) {
	pending, err := s.rollbacks.ListPendingRollbackEvents(ctx, s.now().Add(-age))
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, event := range pending {
		res, err := s.Resume(ctx, event.ID)
		if err != nil {
			s.logger.Warn("rollback recovery failed", "rollback_id", event.ID, "error", err)
			continue
		}
		if res.Event.Status != domain.RollbackPending {
			recovered++
		}
	}
	return recovered, nil
}

// Get returns a rollback event.
func (s Service) Get(ctx context.Context, id string) (*domain.RollbackEvent, error) {
	return s.rollbacks.GetRollbackEvent(ctx, id)
}

// List returns an application's rollback history.
func (s Service) List(ctx context.Context, applicationID string, limit int) ([]domain.RollbackEvent, error) {
	return s.rollbacks.ListRollbackEvents(ctx, applicationID, limit)
}

// DeploymentSettled completes or fails the rollback owning entry and, when
// enabled, starts an automatic rollback for a failed main-slot deployment.
func (s Service) DeploymentSettled(ctx context.Context, entry domain.QueueEntry) {
	if !entry.Status.Terminal() {
		return
	}
	if entry.IsRollback {
		s.settle(ctx, entry)
		return
	}
	if s.opts.AutoRollback && entry.Status == domain.StatusFailed && entry.PullRequestID == 0 {
		s.autoRollback(ctx, entry)
	}
}

func (s Service) advance(ctx context.Context, event domain.RollbackEvent) (Result, error) {
	actor := systemActor
	if event.TriggeredBy != nil {
		actor = *event.TriggeredBy
	}
	req := domain.DeploymentRequest{
		ApplicationID:   event.ApplicationID,
		Commit:          event.ToCommit,
		IsRollback:      true,
		InstantDeploy:   true,
		Actor:           actor,
		RollbackEventID: event.ID,
	}
	res, err := s.admission.Submit(ctx, req)
	if err != nil {
		s.recordAttempt(ctx, event.ID, err.Error())
		return Result{}, err
	}
	if res.Outcome == admission.OutcomeRejected {
		updated := s.recordAttempt(ctx, event.ID, res.Reason)
		if updated != nil {
			event = *updated
		}
		s.logger.Info("rollback waiting for slot", "rollback_id", event.ID, "active_deployment_id", res.ActiveDeploymentID, "retry_after", res.RetryAfter)
		return Result{Event: event, Admission: res}, nil
	}

	linked, err := s.link(ctx, event.ID, res.DeploymentID)
	if err != nil {
		return Result{}, err
	}
	if res.Outcome == admission.OutcomeSkipped {
		// The outstanding entry may have settled before this event was linked.
		if entry, err := s.queue.GetQueueEntry(ctx, res.DeploymentID); err == nil && entry.Status.Terminal() {
			s.settle(ctx, *entry)
			if refreshed, err := s.rollbacks.GetRollbackEvent(ctx, event.ID); err == nil {
				linked = refreshed
			}
		}
	}
	return Result{Event: *linked, Admission: res}, nil
}

func (s Service) link(ctx context.Context, eventID, deploymentID string) (*domain.RollbackEvent, error) {
	moved := false
	event, err := s.rollbacks.UpdateRollbackEvent(ctx, eventID, func(e *domain.RollbackEvent) error {
		e.Attempts++
		e.LastError = ""
		if e.RollbackDeploymentID == nil {
			e.RollbackDeploymentID = optional(deploymentID)
		}
		if e.Status == domain.RollbackPending {
			e.Status = domain.RollbackInProgress
			moved = true
		}
		e.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if moved {
		s.metrics.Rollback(string(domain.RollbackInProgress))
		s.logger.Info("rollback linked", "rollback_id", event.ID, "deployment_id", deploymentID)
		s.journal.Emit(ctx, domain.DeploymentEvent{
			ApplicationID: event.ApplicationID,
			DeploymentID:  deploymentID,
			Type:          domain.EventRollbackLinked,
			Message:       "rollback deployment admitted",
			Metadata:      events.Metadata(map[string]any{"rollback_id": event.ID}),
		})
	}
	return event, nil
}

func (s Service) recordAttempt(ctx context.Context, eventID, reason string) *domain.RollbackEvent {
	event, err := s.rollbacks.UpdateRollbackEvent(ctx, eventID, func(e *domain.RollbackEvent) error {
		e.Attempts++
		e.LastError = reason
		e.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to record rollback attempt", "rollback_id", eventID, "error", err)
		return nil
	}
	return event
}

// settle moves every event remediated by entry to its terminal status. More
// than one event can share an entry when a later rollback was skipped onto an
// outstanding one.
func (s Service) settle(ctx context.Context, entry domain.QueueEntry) {
	ids := make([]string, 0, 2)
	if entry.RollbackEventID != nil {
		ids = append(ids, *entry.RollbackEventID)
	}
	linked, err := s.rollbacks.ListRollbackEventsByDeployment(ctx, entry.ID)
	if err != nil {
		s.logger.Warn("failed to load rollback events", "deployment_id", entry.ID, "error", err)
	}
	for _, event := range linked {
		if !slices.Contains(ids, event.ID) {
			ids = append(ids, event.ID)
		}
	}

	status := domain.RollbackFailed
	if entry.Status == domain.StatusFinished {
		status = domain.RollbackCompleted
	}
	for _, id := range ids {
		s.settleEvent(ctx, id, entry, status)
	}
}

func (s Service) settleEvent(ctx context.Context, eventID string, entry domain.QueueEntry, status domain.RollbackStatus) {
	changed := false
	updated, err := s.rollbacks.UpdateRollbackEvent(ctx, eventID, func(e *domain.RollbackEvent) error {
		if e.Status.Terminal() {
			return nil
		}
		now := s.now()
		if e.RollbackDeploymentID == nil {
			e.RollbackDeploymentID = optional(entry.ID)
		}
		e.Status = status
		e.CompletedAt = &now
		e.UpdatedAt = now
		if status == domain.RollbackFailed {
			e.LastError = fmt.Sprintf("rollback deployment %s", entry.Status)
		}
		changed = true
		return nil
	})
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("failed to settle rollback event", "rollback_id", eventID, "error", err)
		}
		return
	}
	if !changed {
		return
	}
	s.metrics.Rollback(string(status))
	s.logger.Info("rollback settled", "rollback_id", updated.ID, "deployment_id", entry.ID, "status", status)
	s.journal.Emit(ctx, domain.DeploymentEvent{
		ApplicationID: updated.ApplicationID,
		DeploymentID:  entry.ID,
		Type:          domain.EventRollbackSettled,
		Message:       fmt.Sprintf("rollback %s", status),
		Metadata:      events.Metadata(map[string]any{"rollback_id": updated.ID, "status": string(status)}),
	})
}

func (s Service) autoRollback(ctx context.Context, failed domain.QueueEntry) {
	var zero int64
	finished, err := s.queue.ListQueueEntries(ctx, domain.QueueFilter{
		ApplicationID: failed.ApplicationID,
		PullRequestID: &zero,
		Status:        domain.StatusFinished,
		Limit:         1,
	})
	if err != nil {
		s.logger.Warn("automatic rollback lookup failed", "deployment_id", failed.ID, "error", err)
		return
	}
	if len(finished) == 0 || finished[0].Newer(failed) {
		s.logger.Info("no earlier finished deployment to roll back to", "deployment_id", failed.ID)
		return
	}
	res, err := s.Rollback(ctx, Input{
		ApplicationID:      failed.ApplicationID,
		TargetDeploymentID: finished[0].ID,
		FailedDeploymentID: failed.ID,
		Reason:             domain.TriggerAutomaticFailure,
		TriggerType:        "deployment_failed",
	})
	if err != nil {
		s.logger.Warn("automatic rollback failed", "deployment_id", failed.ID, "error", err)
		return
	}
	s.logger.Info("automatic rollback triggered", "deployment_id", failed.ID, "rollback_id", res.Event.ID, "outcome", res.Admission.Outcome)
}

// findRemediation looks for a queue entry already admitted for the event.
func (s Service) findRemediation(ctx context.Context, event domain.RollbackEvent) (*domain.QueueEntry, error) {
	if event.RollbackDeploymentID != nil {
		entry, err := s.queue.GetQueueEntry(ctx, *event.RollbackDeploymentID)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	candidates, err := s.queue.ListQueueEntries(ctx, domain.QueueFilter{
		ApplicationID: event.ApplicationID,
		Commit:        event.ToCommit,
		Limit:         50,
	})
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		c := candidates[i]
		if c.IsRollback && c.RollbackEventID != nil && *c.RollbackEventID == event.ID {
			return &c, nil
		}
	}
	return nil, nil
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
