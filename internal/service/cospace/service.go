package cospace

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/codocs/codocs/internal/domain"
	"github.com/codocs/codocs/internal/repository"
)

// ErrInvalidName rejects blank co-space names.
var ErrInvalidName = errors.New("cospace: name is required")

// Service handles co-space lifecycle. Co-spaces are never deleted.
type Service struct {
	cospaces repository.CoSpaceRepository
	teams    repository.TeamRepository
	logger   *slog.Logger
}

// New constructs a Service.
func New(cospaces repository.CoSpaceRepository, teams repository.TeamRepository, logger *slog.Logger) Service {
	return Service{cospaces: cospaces, teams: teams, logger: logger}
}

// Create registers a co-space under an existing team. Any authenticated
// user may create one; only team existence is checked, not the caller's
// role in it.
func (s Service) Create(ctx context.Context, creatorID, name, teamID, description string) (*domain.CoSpace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	if _, err := s.teams.GetTeamByID(ctx, teamID); err != nil {
		return nil, err
	}
	cospace := &domain.CoSpace{
		ID:          uuid.NewString(),
		Name:        name,
		TeamID:      teamID,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.cospaces.CreateCoSpace(ctx, cospace); err != nil {
		return nil, err
	}
	s.logger.Info("cospace created", "cospace_id", cospace.ID, "team_id", teamID, "creator_id", creatorID)
	return cospace, nil
}

// ListForUser returns co-spaces belonging to the caller's teams.
func (s Service) ListForUser(ctx context.Context, userID string) ([]domain.CoSpace, error) {
	return s.cospaces.ListCoSpacesByUser(ctx, userID)
}
