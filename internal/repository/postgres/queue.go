package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/repository"
)

const queueColumns = `id, application_id, pull_request_id, commit, status, requires_approval, approval_status,
	approved_by, approved_at, approval_note, force_rebuild, restart_only, is_rollback, instant_deploy,
	requested_by, rollback_event_id, message, available_at, started_at, finished_at, created_at, updated_at`

const activeStatuses = `('waiting_approval', 'queued', 'in_progress')`

// Admit takes a transaction-scoped advisory lock on the slot key, reads the
// active entry and inserts whatever decide returns before committing.
func (r *Repository) Admit(ctx context.Context, slot domain.Slot, decide repository.AdmitFunc) (*domain.QueueEntry, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, slot.Key()); err != nil {
		return nil, fmt.Errorf("lock slot %s: %w", slot.Key(), err)
	}

	query := `SELECT ` + queueColumns + ` FROM deployment_queue
		WHERE application_id = $1 AND pull_request_id = $2 AND status IN ` + activeStatuses + `
		ORDER BY created_at DESC, id DESC LIMIT 1`
	active, err := scanQueueEntry(tx.QueryRow(ctx, query, slot.ApplicationID, slot.PullRequestID))
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		active = nil
	}

	entry, err := decide(active)
	if err != nil || entry == nil {
		return nil, err
	}
	if entry.Slot() != slot {
		return nil, repository.ErrInvalidArgument
	}

	const insert = `INSERT INTO deployment_queue (id, application_id, pull_request_id, commit, status, requires_approval,
			approval_status, approved_by, approved_at, approval_note, force_rebuild, restart_only, is_rollback,
			instant_deploy, requested_by, rollback_event_id, message, available_at, started_at, finished_at,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`
	if _, err := tx.Exec(ctx, insert,
		entry.ID,
		entry.ApplicationID,
		entry.PullRequestID,
		entry.Commit,
		string(entry.Status),
		entry.RequiresApproval,
		string(entry.ApprovalStatus),
		stringPtrToNil(entry.ApprovedBy),
		timePtrToNil(entry.ApprovedAt),
		stringPtrToNil(entry.ApprovalNote),
		entry.ForceRebuild,
		entry.RestartOnly,
		entry.IsRollback,
		entry.InstantDeploy,
		entry.RequestedBy,
		stringPtrToNil(entry.RollbackEventID),
		entry.Message,
		entry.AvailableAt.UTC(),
		timePtrToNil(entry.StartedAt),
		timePtrToNil(entry.FinishedAt),
		entry.CreatedAt.UTC(),
		entry.UpdatedAt.UTC(),
	); err != nil {
		return nil, mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(err)
	}
	stored := *entry
	return &stored, nil
}

// GetQueueEntry fetches an entry by identifier.
func (r *Repository) GetQueueEntry(ctx context.Context, id string) (*domain.QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM deployment_queue WHERE id = $1`
	return scanQueueEntry(r.pool.QueryRow(ctx, query, id))
}

// UpdateQueueEntry locks the row, applies mutate and persists the mutable columns.
func (r *Repository) UpdateQueueEntry(ctx context.Context, id string, mutate repository.QueueEntryMutator) (*domain.QueueEntry, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + queueColumns + ` FROM deployment_queue WHERE id = $1 FOR UPDATE`
	entry, err := scanQueueEntry(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := mutate(entry); err != nil {
		return nil, err
	}

	const update = `UPDATE deployment_queue
		SET commit = $2,
			status = $3,
			approval_status = $4,
			approved_by = $5,
			approved_at = $6,
			approval_note = $7,
			rollback_event_id = $8,
			message = $9,
			available_at = $10,
			started_at = $11,
			finished_at = $12,
			updated_at = $13
		WHERE id = $1`
	if _, err := tx.Exec(ctx, update,
		id,
		entry.Commit,
		string(entry.Status),
		string(entry.ApprovalStatus),
		stringPtrToNil(entry.ApprovedBy),
		timePtrToNil(entry.ApprovedAt),
		stringPtrToNil(entry.ApprovalNote),
		stringPtrToNil(entry.RollbackEventID),
		entry.Message,
		entry.AvailableAt.UTC(),
		timePtrToNil(entry.StartedAt),
		timePtrToNil(entry.FinishedAt),
		entry.UpdatedAt.UTC(),
	); err != nil {
		return nil, mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(err)
	}
	return entry, nil
}

// ListQueueEntries returns entries matching filter, newest first.
func (r *Repository) ListQueueEntries(ctx context.Context, filter domain.QueueFilter) ([]domain.QueueEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.ApplicationID != "" {
		add("application_id = $%d", filter.ApplicationID)
	}
	if filter.PullRequestID != nil {
		add("pull_request_id = $%d", *filter.PullRequestID)
	}
	if filter.Commit != "" {
		add("commit = $%d", filter.Commit)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	query := `SELECT ` + queueColumns + ` FROM deployment_queue`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))
	return r.queryQueueEntries(ctx, query, args...)
}

// LatestQueueEntry returns the most recently created entry of an application.
func (r *Repository) LatestQueueEntry(ctx context.Context, applicationID string) (*domain.QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM deployment_queue
		WHERE application_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`
	return scanQueueEntry(r.pool.QueryRow(ctx, query, applicationID))
}

// ClaimNextQueued moves the oldest eligible queued entry to in_progress.
func (r *Repository) ClaimNextQueued(ctx context.Context, applicationID string, now time.Time) (*domain.QueueEntry, error) {
	query := `WITH next AS (
			SELECT id FROM deployment_queue
			WHERE status = 'queued' AND approval_status IN ('not_required', 'approved')
				AND available_at <= $1 AND ($2 = '' OR application_id = $2)
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE deployment_queue q
		SET status = 'in_progress', started_at = $1, updated_at = $1
		FROM next WHERE q.id = next.id
		RETURNING ` + qualified("q", queueColumns)
	return scanQueueEntry(r.pool.QueryRow(ctx, query, now.UTC(), applicationID))
}

// ListStaleQueueEntries returns entries in status created before the cutoff, oldest first.
func (r *Repository) ListStaleQueueEntries(ctx context.Context, status domain.DeploymentStatus, createdBefore time.Time) ([]domain.QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM deployment_queue
		WHERE status = $1 AND created_at < $2 ORDER BY created_at ASC, id ASC`
	return r.queryQueueEntries(ctx, query, string(status), createdBefore.UTC())
}

func (r *Repository) queryQueueEntries(ctx context.Context, query string, args ...any) ([]domain.QueueEntry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.QueueEntry, 0)
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func qualified(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

func scanQueueEntry(row pgx.Row) (*domain.QueueEntry, error) {
	var (
		entry           domain.QueueEntry
		status          string
		approvalStatus  string
		approvedBy      sql.NullString
		approvedAt      sql.NullTime
		approvalNote    sql.NullString
		rollbackEventID sql.NullString
		startedAt       sql.NullTime
		finishedAt      sql.NullTime
	)
	if err := row.Scan(
		&entry.ID,
		&entry.ApplicationID,
		&entry.PullRequestID,
		&entry.Commit,
		&status,
		&entry.RequiresApproval,
		&approvalStatus,
		&approvedBy,
		&approvedAt,
		&approvalNote,
		&entry.ForceRebuild,
		&entry.RestartOnly,
		&entry.IsRollback,
		&entry.InstantDeploy,
		&entry.RequestedBy,
		&rollbackEventID,
		&entry.Message,
		&entry.AvailableAt,
		&startedAt,
		&finishedAt,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	entry.Status = domain.DeploymentStatus(status)
	entry.ApprovalStatus = domain.ApprovalStatus(approvalStatus)
	entry.ApprovedBy = nullString(approvedBy)
	entry.ApprovalNote = nullString(approvalNote)
	entry.RollbackEventID = nullString(rollbackEventID)
	entry.ApprovedAt = nullTime(approvedAt)
	entry.StartedAt = nullTime(startedAt)
	entry.FinishedAt = nullTime(finishedAt)
	return &entry, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	value := v.String
	return &value
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	value := v.Time.UTC()
	return &value
}
