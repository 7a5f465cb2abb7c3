package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ApplicationRepository = (*Repository)(nil)
	_ repository.QueueRepository       = (*Repository)(nil)
	_ repository.RollbackRepository    = (*Repository)(nil)
	_ repository.EventRepository       = (*Repository)(nil)
)

// CreateApplication inserts an application.
func (r *Repository) CreateApplication(ctx context.Context, app *domain.Application) error {
	if app == nil {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO applications (id, name, require_approval, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING created_at`
	var createdAt time.Time
	if err := r.pool.QueryRow(ctx, query, app.ID, app.Name, app.RequireApproval).Scan(&createdAt); err != nil {
		return mapError(err)
	}
	app.CreatedAt = createdAt
	return nil
}

// GetApplicationByID fetches an application.
func (r *Repository) GetApplicationByID(ctx context.Context, id string) (*domain.Application, error) {
	const query = `SELECT id, name, require_approval, created_at FROM applications WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var app domain.Application
	if err := row.Scan(&app.ID, &app.Name, &app.RequireApproval, &app.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &app, nil
}

// mapError translates driver errors into repository sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return repository.ErrConflict
		case "23503":
			return repository.ErrNotFound
		case "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func stringPtrToNil(v *string) any {
	if v == nil {
		return nil
	}
	if strings.TrimSpace(*v) == "" {
		return nil
	}
	return *v
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func bytesToNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
