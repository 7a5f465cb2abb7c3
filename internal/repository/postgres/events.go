package postgres

import (
	"context"
	"database/sql"

	"github.com/splax/deploygate/internal/domain"
)

// AppendEvent stores a journal line.
func (r *Repository) AppendEvent(ctx context.Context, event domain.DeploymentEvent) error {
	const query = `INSERT INTO deployment_events (id, application_id, deployment_id, type, actor, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))`
	_, err := r.pool.Exec(ctx, query,
		event.ID,
		event.ApplicationID,
		emptyToNil(event.DeploymentID),
		event.Type,
		emptyToNil(event.Actor),
		event.Message,
		bytesToNil(event.Metadata),
		timePtrToNil(&event.CreatedAt),
	)
	return mapError(err)
}

// ListEventsByApplication pages through an application's journal, newest first.
func (r *Repository) ListEventsByApplication(ctx context.Context, applicationID string, limit, offset int) ([]domain.DeploymentEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, application_id, deployment_id, type, actor, message, metadata, created_at
		FROM deployment_events
		WHERE application_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, applicationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.DeploymentEvent, 0)
	for rows.Next() {
		var (
			event        domain.DeploymentEvent
			deploymentID sql.NullString
			actor        sql.NullString
			metadata     []byte
		)
		if err := rows.Scan(&event.ID, &event.ApplicationID, &deploymentID, &event.Type, &actor, &event.Message, &metadata, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.DeploymentID = deploymentID.String
		event.Actor = actor.String
		event.Metadata = metadata
		events = append(events, event)
	}
	return events, rows.Err()
}
