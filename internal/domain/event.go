package domain

import (
	"encoding/json"
	"time"
)

// DeploymentEvent is a journal line describing a lifecycle action.
type DeploymentEvent struct {
	ID            string          `json:"id"`
	ApplicationID string          `json:"application_id"`
	DeploymentID  string          `json:"deployment_id,omitempty"`
	Type          string          `json:"type"`
	Actor         string          `json:"actor,omitempty"`
	Message       string          `json:"message"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Journal event types.
const (
	EventAdmitted         = "admitted"
	EventSkipped          = "skipped"
	EventRejected         = "rejected"
	EventApproved         = "approved"
	EventApprovalRejected = "approval_rejected"
	EventClaimed          = "claimed"
	EventStatus           = "status"
	EventCancelled        = "cancelled"
	EventRollbackStarted  = "rollback_started"
	EventRollbackLinked   = "rollback_linked"
	EventRollbackSettled  = "rollback_settled"
)
