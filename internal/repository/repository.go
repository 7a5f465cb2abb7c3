package repository

import (
	"context"
	"time"

	"github.com/splax/deploygate/internal/domain"
)

// AdmitFunc inspects the active entry of a slot (nil when the slot is free) and
// returns the entry to insert, or nil to insert nothing.
type AdmitFunc func(active *domain.QueueEntry) (*domain.QueueEntry, error)

// QueueEntryMutator edits an entry inside an atomic read-modify-write.
type QueueEntryMutator func(entry *domain.QueueEntry) error

// RollbackEventMutator edits a rollback event inside an atomic read-modify-write.
type RollbackEventMutator func(event *domain.RollbackEvent) error

// ApplicationRepository persists applications and their approval defaults.
type ApplicationRepository interface {
	CreateApplication(ctx context.Context, app *domain.Application) error
	GetApplicationByID(ctx context.Context, id string) (*domain.Application, error)
}

// QueueRepository stores deployment queue entries.
type QueueRepository interface {
	// Admit serializes on the slot key: the active-entry lookup, decide and the
	// insert happen as one indivisible step.
	Admit(ctx context.Context, slot domain.Slot, decide AdmitFunc) (*domain.QueueEntry, error)
	GetQueueEntry(ctx context.Context, id string) (*domain.QueueEntry, error)
	UpdateQueueEntry(ctx context.Context, id string, mutate QueueEntryMutator) (*domain.QueueEntry, error)
	ListQueueEntries(ctx context.Context, filter domain.QueueFilter) ([]domain.QueueEntry, error)
	LatestQueueEntry(ctx context.Context, applicationID string) (*domain.QueueEntry, error)
	// ClaimNextQueued moves the oldest eligible queued entry to in_progress.
	// An empty applicationID claims across all applications.
	ClaimNextQueued(ctx context.Context, applicationID string, now time.Time) (*domain.QueueEntry, error)
	ListStaleQueueEntries(ctx context.Context, status domain.DeploymentStatus, createdBefore time.Time) ([]domain.QueueEntry, error)
}

// RollbackRepository stores rollback audit events.
type RollbackRepository interface {
	CreateRollbackEvent(ctx context.Context, event *domain.RollbackEvent) error
	GetRollbackEvent(ctx context.Context, id string) (*domain.RollbackEvent, error)
	ListRollbackEventsByDeployment(ctx context.Context, deploymentID string) ([]domain.RollbackEvent, error)
	UpdateRollbackEvent(ctx context.Context, id string, mutate RollbackEventMutator) (*domain.RollbackEvent, error)
	ListRollbackEvents(ctx context.Context, applicationID string, limit int) ([]domain.RollbackEvent, error)
	ListPendingRollbackEvents(ctx context.Context, triggeredBefore time.Time) ([]domain.RollbackEvent, error)
}

// EventRepository handles the deployment journal.
type EventRepository interface {
	AppendEvent(ctx context.Context, event domain.DeploymentEvent) error
	ListEventsByApplication(ctx context.Context, applicationID string, limit, offset int) ([]domain.DeploymentEvent, error)
}
