package admission

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

// Outcome classifies an admission decision.
type Outcome string

// Admission outcomes.
const (
	OutcomeAdmitted Outcome = "admitted"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeRejected Outcome = "rejected"
)

// Reasons attached to non-admitted results.
const (
	ReasonQueueFull  = "queue_full"
	ReasonEquivalent = "equivalent_request_outstanding"
)

const maxCommitLength = 255

// ErrInvalidRequest wraps validation failures of a DeploymentRequest.
var ErrInvalidRequest = fmt.Errorf("%w: invalid deployment request", repository.ErrInvalidArgument)

// Result is the structured admission answer.
type Result struct {
	Outcome Outcome `json:"outcome"`
	// DeploymentID is the new entry when admitted and the outstanding entry when skipped.
	DeploymentID string `json:"deployment_id,omitempty"`
	// ActiveDeploymentID names the entry occupying the slot when rejected.
	ActiveDeploymentID string             `json:"active_deployment_id,omitempty"`
	Reason             string             `json:"reason,omitempty"`
	RetryAfter         time.Duration      `json:"-"`
	Entry              *domain.QueueEntry `json:"deployment,omitempty"`
}

// Policy decides whether a request is held at the approval gate.
type Policy interface {
	RequiresApproval(ctx context.Context, app domain.Application, req domain.DeploymentRequest) bool
}

// Options tune admission backpressure and batching.
type Options struct {
	// RetryAfter is the advisory backoff returned with QueueFull rejections.
	RetryAfter time.Duration
	// BatchWindow delays claimability of non-instant deployments.
	BatchWindow time.Duration
}

// Service is the sole writer of new queue entries.
type Service struct {
	apps    repository.ApplicationRepository
	queue   repository.QueueRepository
	policy  Policy
	journal events.Journal
	metrics *metrics.Recorder
	logger  *slog.Logger
	opts    Options
	now     func() time.Time
}

// New constructs an admission service.
func New(apps repository.ApplicationRepository, queue repository.QueueRepository, policy Policy, journal events.Journal, rec *metrics.Recorder, logger *slog.Logger, opts Options) Service {
	if journal == nil {
		journal = events.Discard{}
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 30 * time.Second
	}
	if opts.BatchWindow < 0 {
		opts.BatchWindow = 0
	}
	return Service{
		apps:    apps,
		queue:   queue,
		policy:  policy,
		journal: journal,
		metrics: rec,
		logger:  logger.With("component", "admission"),
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submit admits, skips or rejects a deployment request. Validation failures
// and unknown applications are returned as errors; QueueFull is a result.
func (s Service) Submit(ctx context.Context, req domain.DeploymentRequest) (Result, error) {
	req, err := normalize(req)
	if err != nil {
		return Result{}, err
	}
	app, err := s.apps.GetApplicationByID(ctx, req.ApplicationID)
	if err != nil {
		return Result{}, err
	}
	requiresApproval := s.policy != nil && s.policy.RequiresApproval(ctx, *app, req)

	var result Result
	decide := func(active *domain.QueueEntry) (*domain.QueueEntry, error) {
		if active != nil {
			if equivalent(*active, req) {
				result = Result{Outcome: OutcomeSkipped, DeploymentID: active.ID, Reason: ReasonEquivalent, Entry: active}
			} else {
				result = Result{Outcome: OutcomeRejected, ActiveDeploymentID: active.ID, Reason: ReasonQueueFull, RetryAfter: s.opts.RetryAfter}
			}
			return nil, nil
		}
		entry := s.newEntry(req, requiresApproval)
		result = Result{Outcome: OutcomeAdmitted, DeploymentID: entry.ID}
		return entry, nil
	}

	stored, err := s.queue.Admit(ctx, req.Slot(), decide)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Another writer occupied the slot between our read and insert.
			s.metrics.Admission(string(OutcomeRejected))
			s.logger.Warn("admission raced with concurrent writer", "application_id", req.ApplicationID, "pull_request_id", req.PullRequestID)
			return Result{Outcome: OutcomeRejected, Reason: ReasonQueueFull, RetryAfter: s.opts.RetryAfter}, nil
		}
		return Result{}, err
	}
	if stored != nil {
		result.Entry = stored
	}

	s.metrics.Admission(string(result.Outcome))
	s.record(ctx, req, result)
	return result, nil
}

func (s Service) newEntry(req domain.DeploymentRequest, requiresApproval bool) *domain.QueueEntry {
	now := s.now()
	entry := &domain.QueueEntry{
		ID:               domain.NewID(),
		ApplicationID:    req.ApplicationID,
		PullRequestID:    req.PullRequestID,
		Commit:           req.Commit,
		Status:           domain.StatusQueued,
		RequiresApproval: requiresApproval,
		ApprovalStatus:   domain.ApprovalNotRequired,
		ForceRebuild:     req.ForceRebuild,
		RestartOnly:      req.RestartOnly,
		IsRollback:       req.IsRollback,
		InstantDeploy:    req.InstantDeploy,
		RequestedBy:      req.Actor,
		AvailableAt:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if !req.InstantDeploy {
		entry.AvailableAt = now.Add(s.opts.BatchWindow)
	}
	if requiresApproval {
		entry.Status = domain.StatusWaitingApproval
		entry.ApprovalStatus = domain.ApprovalPending
	}
	if req.RollbackEventID != "" {
		id := req.RollbackEventID
		entry.RollbackEventID = &id
	}
	return entry
}

func (s Service) record(ctx context.Context, req domain.DeploymentRequest, result Result) {
	event := domain.DeploymentEvent{
		ApplicationID: req.ApplicationID,
		DeploymentID:  result.DeploymentID,
		Actor:         req.Actor,
		Metadata: events.Metadata(map[string]any{
			"commit":          req.Commit,
			"pull_request_id": req.PullRequestID,
			"is_rollback":     req.IsRollback,
			"reason":          result.Reason,
		}),
	}
	logFields := []any{"application_id", req.ApplicationID, "pull_request_id", req.PullRequestID, "commit", req.Commit}
	switch result.Outcome {
	case OutcomeAdmitted:
		event.Type = domain.EventAdmitted
		event.Message = fmt.Sprintf("deployment admitted as %s", result.Entry.Status)
		s.logger.Info("deployment admitted", append(logFields, "deployment_id", result.DeploymentID, "status", result.Entry.Status)...)
	case OutcomeSkipped:
		event.Type = domain.EventSkipped
		event.Message = "equivalent deployment already outstanding"
		s.logger.Info("deployment skipped", append(logFields, "deployment_id", result.DeploymentID)...)
	case OutcomeRejected:
		event.Type = domain.EventRejected
		event.DeploymentID = result.ActiveDeploymentID
		event.Message = "queue full for slot"
		s.logger.Info("deployment rejected", append(logFields, "active_deployment_id", result.ActiveDeploymentID, "retry_after", result.RetryAfter)...)
	}
	s.journal.Emit(ctx, event)
}

// equivalent reports whether req would duplicate an outstanding entry that has
// not started executing. A request carrying the entry's rollback event is
// always the same request, whatever the entry's progress.
func equivalent(active domain.QueueEntry, req domain.DeploymentRequest) bool {
	if req.RollbackEventID != "" && active.RollbackEventID != nil && *active.RollbackEventID == req.RollbackEventID {
		return true
	}
	if req.ForceRebuild || active.Status == domain.StatusInProgress {
		return false
	}
	return active.Commit == req.Commit &&
		active.RestartOnly == req.RestartOnly &&
		active.IsRollback == req.IsRollback
}

func normalize(req domain.DeploymentRequest) (domain.DeploymentRequest, error) {
	req.ApplicationID = strings.TrimSpace(req.ApplicationID)
	req.Commit = strings.TrimSpace(req.Commit)
	req.Actor = strings.TrimSpace(req.Actor)
	switch {
	case req.ApplicationID == "":
		return req, fmt.Errorf("%w: application id is required", ErrInvalidRequest)
	case req.PullRequestID < 0:
		return req, fmt.Errorf("%w: pull request id must not be negative", ErrInvalidRequest)
	case req.ForceRebuild && req.RestartOnly:
		return req, fmt.Errorf("%w: force rebuild and restart only are mutually exclusive", ErrInvalidRequest)
	case len(req.Commit) > maxCommitLength || strings.ContainsAny(req.Commit, " \t\r\n"):
		return req, fmt.Errorf("%w: malformed commit %q", ErrInvalidRequest, req.Commit)
	}
	if req.Commit == "" {
		req.Commit = domain.LatestCommit
	}
	return req, nil
}
