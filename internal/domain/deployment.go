package domain

import (
	"fmt"
	"strconv"
	"time"
)

// LatestCommit is stored when a request does not pin a commit; the executor
// reports the resolved SHA once it checks the ref out.
const LatestCommit = "HEAD"

// DeploymentStatus is the execution status of a queue entry.
type DeploymentStatus string

// Deployment statuses.
const (
	StatusWaitingApproval DeploymentStatus = "waiting_approval"
	StatusQueued          DeploymentStatus = "queued"
	StatusInProgress      DeploymentStatus = "in_progress"
	StatusFinished        DeploymentStatus = "finished"
	StatusFailed          DeploymentStatus = "failed"
	StatusCancelled       DeploymentStatus = "cancelled"
)

// ApprovalStatus tracks the approval gate for a queue entry.
type ApprovalStatus string

// Approval statuses.
const (
	ApprovalNotRequired ApprovalStatus = "not_required"
	ApprovalPending     ApprovalStatus = "pending"
	ApprovalApproved    ApprovalStatus = "approved"
	ApprovalRejected    ApprovalStatus = "rejected"
)

// ActiveStatuses occupy the mutual exclusion slot of an application.
var ActiveStatuses = []DeploymentStatus{StatusWaitingApproval, StatusQueued, StatusInProgress}

var transitions = map[DeploymentStatus][]DeploymentStatus{
	StatusWaitingApproval: {StatusQueued, StatusCancelled},
	StatusQueued:          {StatusInProgress, StatusCancelled},
	StatusInProgress:      {StatusFinished, StatusFailed, StatusCancelled},
}

// ErrInvalidTransition is returned when the transition table forbids a status change.
type ErrInvalidTransition struct {
	From DeploymentStatus
	To   DeploymentStatus
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid deployment transition %s -> %s", e.From, e.To)
}

// Valid reports whether s is a member of the closed status enum.
func (s DeploymentStatus) Valid() bool {
	switch s {
	case StatusWaitingApproval, StatusQueued, StatusInProgress, StatusFinished, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted out of s.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCancelled
}

// Active reports whether s holds the mutual exclusion slot.
func (s DeploymentStatus) Active() bool {
	return s == StatusWaitingApproval || s == StatusQueued || s == StatusInProgress
}

// CanTransition checks the shared transition table.
func CanTransition(from, to DeploymentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Slot identifies the mutual exclusion scope of a deployment.
type Slot struct {
	ApplicationID string
	PullRequestID int64
}

// Key renders the slot as a stable lock key.
func (s Slot) Key() string {
	return s.ApplicationID + "/" + strconv.FormatInt(s.PullRequestID, 10)
}

// DeploymentRequest is the typed input handed to admission.
type DeploymentRequest struct {
	ApplicationID   string
	Commit          string
	ForceRebuild    bool
	RestartOnly     bool
	IsRollback      bool
	InstantDeploy   bool
	PullRequestID   int64
	Actor           string
	PreApproved     bool
	RollbackEventID string
}

// Slot returns the mutual exclusion slot targeted by the request.
func (r DeploymentRequest) Slot() Slot {
	return Slot{ApplicationID: r.ApplicationID, PullRequestID: r.PullRequestID}
}

// QueueEntry is a durable deployment queue record.
type QueueEntry struct {
	ID               string           `json:"id"`
	ApplicationID    string           `json:"application_id"`
	PullRequestID    int64            `json:"pull_request_id"`
	Commit           string           `json:"commit"`
	Status           DeploymentStatus `json:"status"`
	RequiresApproval bool             `json:"requires_approval"`
	ApprovalStatus   ApprovalStatus   `json:"approval_status"`
	ApprovedBy       *string          `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time       `json:"approved_at,omitempty"`
	ApprovalNote     *string          `json:"approval_note,omitempty"`
	ForceRebuild     bool             `json:"force_rebuild"`
	RestartOnly      bool             `json:"restart_only"`
	IsRollback       bool             `json:"is_rollback"`
	InstantDeploy    bool             `json:"instant_deploy"`
	RequestedBy      string           `json:"requested_by,omitempty"`
	RollbackEventID  *string          `json:"rollback_event_id,omitempty"`
	Message          string           `json:"message,omitempty"`
	AvailableAt      time.Time        `json:"available_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	FinishedAt       *time.Time       `json:"finished_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Slot returns the mutual exclusion slot of the entry.
func (e QueueEntry) Slot() Slot {
	return Slot{ApplicationID: e.ApplicationID, PullRequestID: e.PullRequestID}
}

// Transition moves the entry to the next status, stamping execution timestamps.
func (e *QueueEntry) Transition(to DeploymentStatus, at time.Time) error {
	if !CanTransition(e.Status, to) {
		return ErrInvalidTransition{From: e.Status, To: to}
	}
	at = at.UTC()
	switch {
	case to == StatusInProgress:
		e.StartedAt = &at
	case to.Terminal():
		e.FinishedAt = &at
	}
	e.Status = to
	e.UpdatedAt = at
	return nil
}

// ApprovalCleared reports whether the approval gate lets the entry run.
func (e QueueEntry) ApprovalCleared() bool {
	return e.ApprovalStatus == ApprovalNotRequired || e.ApprovalStatus == ApprovalApproved
}

// Newer reports whether e was created after other, breaking timestamp ties by identifier.
func (e QueueEntry) Newer(other QueueEntry) bool {
	if e.CreatedAt.Equal(other.CreatedAt) {
		return e.ID > other.ID
	}
	return e.CreatedAt.After(other.CreatedAt)
}

// QueueFilter narrows queue listings.
type QueueFilter struct {
	ApplicationID string
	PullRequestID *int64
	Commit        string
	Status        DeploymentStatus
	Limit         int
}
