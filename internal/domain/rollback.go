package domain

import "time"

// RollbackStatus tracks the remediation saga.
type RollbackStatus string

// Rollback statuses.
const (
	RollbackPending    RollbackStatus = "pending"
	RollbackInProgress RollbackStatus = "in_progress"
	RollbackCompleted  RollbackStatus = "completed"
	RollbackFailed     RollbackStatus = "failed"
)

// Terminal reports whether the rollback event is settled.
func (s RollbackStatus) Terminal() bool {
	return s == RollbackCompleted || s == RollbackFailed
}

// Trigger reasons. The set is open; callers may record other values.
const (
	TriggerManual           = "manual"
	TriggerAutomaticFailure = "automatic_failure"
)

// RollbackEvent links a baseline deployment to the deployment restoring a known-good commit.
type RollbackEvent struct {
	ID                   string         `json:"id"`
	ApplicationID        string         `json:"application_id"`
	TargetDeploymentID   string         `json:"target_deployment_id"`
	FailedDeploymentID   *string        `json:"failed_deployment_id,omitempty"`
	RollbackDeploymentID *string        `json:"rollback_deployment_id,omitempty"`
	TriggeredBy          *string        `json:"triggered_by,omitempty"`
	TriggerReason        string         `json:"trigger_reason"`
	TriggerType          string         `json:"trigger_type,omitempty"`
	Status               RollbackStatus `json:"status"`
	FromCommit           string         `json:"from_commit,omitempty"`
	ToCommit             string         `json:"to_commit"`
	Attempts             int            `json:"attempts"`
	LastError            string         `json:"last_error,omitempty"`
	TriggeredAt          time.Time      `json:"triggered_at"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt            time.Time      `json:"updated_at"`
}
