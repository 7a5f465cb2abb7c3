package application

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/repository"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// CreateInput encapsulates application registration attributes.
type CreateInput struct {
	Name            string `json:"name"`
	RequireApproval bool   `json:"require_approval"`
}

// Service manages the applications owning deployment queues.
type Service struct {
	apps   repository.ApplicationRepository
	logger *slog.Logger
	now    func() time.Time
}

// New returns an application service.
func New(apps repository.ApplicationRepository, logger *slog.Logger) Service {
	return Service{
		apps:   apps,
		logger: logger.With("component", "application"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create registers an application.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Application, error) {
	name := strings.ToLower(strings.TrimSpace(input.Name))
	if !namePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: application name must be lowercase letters, digits or dashes", repository.ErrInvalidArgument)
	}
	app := &domain.Application{
		ID:              domain.NewID(),
		Name:            name,
		RequireApproval: input.RequireApproval,
		CreatedAt:       s.now(),
	}
	if err := s.apps.CreateApplication(ctx, app); err != nil {
		return nil, err
	}
	s.logger.Info("application registered", "application_id", app.ID, "name", app.Name, "require_approval", app.RequireApproval)
	return app, nil
}

// Get returns an application by id.
func (s Service) Get(ctx context.Context, id string) (*domain.Application, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: application id required", repository.ErrInvalidArgument)
	}
	return s.apps.GetApplicationByID(ctx, id)
}
