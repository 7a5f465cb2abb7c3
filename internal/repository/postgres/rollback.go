package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/repository"
)

const rollbackColumns = `id, application_id, target_deployment_id, failed_deployment_id, rollback_deployment_id,
	triggered_by, trigger_reason, trigger_type, status, from_commit, to_commit, attempts, last_error,
	triggered_at, completed_at, updated_at`

// CreateRollbackEvent inserts a rollback event.
func (r *Repository) CreateRollbackEvent(ctx context.Context, event *domain.RollbackEvent) error {
	if event == nil || event.ID == "" {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO rollback_events (id, application_id, target_deployment_id, failed_deployment_id,
			rollback_deployment_id, triggered_by, trigger_reason, trigger_type, status, from_commit, to_commit,
			attempts, last_error, triggered_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err := r.pool.Exec(ctx, query,
		event.ID,
		event.ApplicationID,
		event.TargetDeploymentID,
		stringPtrToNil(event.FailedDeploymentID),
		stringPtrToNil(event.RollbackDeploymentID),
		stringPtrToNil(event.TriggeredBy),
		event.TriggerReason,
		emptyToNil(event.TriggerType),
		string(event.Status),
		emptyToNil(event.FromCommit),
		event.ToCommit,
		event.Attempts,
		emptyToNil(event.LastError),
		event.TriggeredAt.UTC(),
		timePtrToNil(event.CompletedAt),
		event.UpdatedAt.UTC(),
	)
	return mapError(err)
}

// GetRollbackEvent fetches a rollback event.
func (r *Repository) GetRollbackEvent(ctx context.Context, id string) (*domain.RollbackEvent, error) {
	query := `SELECT ` + rollbackColumns + ` FROM rollback_events WHERE id = $1`
	return scanRollbackEvent(r.pool.QueryRow(ctx, query, id))
}

// ListRollbackEventsByDeployment returns every event whose remediating deployment is deploymentID, oldest first.
func (r *Repository) ListRollbackEventsByDeployment(ctx context.Context, deploymentID string) ([]domain.RollbackEvent, error) {
	query := `SELECT ` + rollbackColumns + ` FROM rollback_events WHERE rollback_deployment_id = $1
		ORDER BY triggered_at ASC, id ASC`
	return r.queryRollbackEvents(ctx, query, deploymentID)
}

// UpdateRollbackEvent locks the row and persists the result of mutate.
func (r *Repository) UpdateRollbackEvent(ctx context.Context, id string, mutate repository.RollbackEventMutator) (*domain.RollbackEvent, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + rollbackColumns + ` FROM rollback_events WHERE id = $1 FOR UPDATE`
	event, err := scanRollbackEvent(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := mutate(event); err != nil {
		return nil, err
	}

	const update = `UPDATE rollback_events
		SET rollback_deployment_id = $2,
			status = $3,
			from_commit = $4,
			attempts = $5,
			last_error = $6,
			completed_at = $7,
			updated_at = $8
		WHERE id = $1`
	if _, err := tx.Exec(ctx, update,
		id,
		stringPtrToNil(event.RollbackDeploymentID),
		string(event.Status),
		emptyToNil(event.FromCommit),
		event.Attempts,
		emptyToNil(event.LastError),
		timePtrToNil(event.CompletedAt),
		event.UpdatedAt.UTC(),
	); err != nil {
		return nil, mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(err)
	}
	return event, nil
}

// ListRollbackEvents returns an application's rollback history, newest first.
func (r *Repository) ListRollbackEvents(ctx context.Context, applicationID string, limit int) ([]domain.RollbackEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + rollbackColumns + ` FROM rollback_events WHERE application_id = $1
		ORDER BY triggered_at DESC, id DESC LIMIT $2`
	return r.queryRollbackEvents(ctx, query, applicationID, limit)
}

// ListPendingRollbackEvents returns pending events triggered before the cutoff, oldest first.
func (r *Repository) ListPendingRollbackEvents(ctx context.Context, triggeredBefore time.Time) ([]domain.RollbackEvent, error) {
	query := `SELECT ` + rollbackColumns + ` FROM rollback_events WHERE status = 'pending' AND triggered_at < $1
		ORDER BY triggered_at ASC`
	return r.queryRollbackEvents(ctx, query, triggeredBefore.UTC())
}

func (r *Repository) queryRollbackEvents(ctx context.Context, query string, args ...any) ([]domain.RollbackEvent, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.RollbackEvent, 0)
	for rows.Next() {
		event, err := scanRollbackEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

func scanRollbackEvent(row pgx.Row) (*domain.RollbackEvent, error) {
	var (
		event       domain.RollbackEvent
		failedID    sql.NullString
		rollbackID  sql.NullString
		triggeredBy sql.NullString
		triggerType sql.NullString
		status      string
		fromCommit  sql.NullString
		lastError   sql.NullString
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&event.ID,
		&event.ApplicationID,
		&event.TargetDeploymentID,
		&failedID,
		&rollbackID,
		&triggeredBy,
		&event.TriggerReason,
		&triggerType,
		&status,
		&fromCommit,
		&event.ToCommit,
		&event.Attempts,
		&lastError,
		&event.TriggeredAt,
		&completedAt,
		&event.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	event.Status = domain.RollbackStatus(status)
	event.FailedDeploymentID = nullString(failedID)
	event.RollbackDeploymentID = nullString(rollbackID)
	event.TriggeredBy = nullString(triggeredBy)
	event.TriggerType = triggerType.String
	event.FromCommit = fromCommit.String
	event.LastError = lastError.String
	event.CompletedAt = nullTime(completedAt)
	return &event, nil
}
