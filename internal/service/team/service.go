package team

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/codocs/codocs/internal/authz"
	"github.com/codocs/codocs/internal/domain"
	"github.com/codocs/codocs/internal/repository"
)

var (
	// ErrInvalidName rejects blank team names.
	ErrInvalidName = errors.New("team: name is required")
	// ErrForbidden is returned when the caller's role does not permit the
	// membership action.
	ErrForbidden = errors.New("team: insufficient role")
	// ErrAlreadyMember is returned when adding a user who already belongs
	// to the team; the existing membership is left untouched.
	ErrAlreadyMember = errors.New("team: user already a member")
	// ErrInvalidRole rejects role strings outside the closed set.
	ErrInvalidRole = errors.New("team: invalid role")
	// ErrNotOwner is returned when a non-owner attempts an ownership
	// transfer.
	ErrNotOwner = errors.New("team: only the owner can transfer ownership")
)

// Service handles team and membership workflows. Every operation takes
// the acting user explicitly; there is no ambient caller lookup.
type Service struct {
	teams  repository.TeamRepository
	users  repository.UserRepository
	logger *slog.Logger
}

// New constructs a Service.
func New(teams repository.TeamRepository, users repository.UserRepository, logger *slog.Logger) Service {
	return Service{teams: teams, users: users, logger: logger}
}

// Create registers a team owned by the caller, together with the owner's
// membership row, atomically.
func (s Service) Create(ctx context.Context, ownerID, name string) (*domain.Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	now := time.Now().UTC()
	team := &domain.Team{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: now,
	}
	owner := &domain.TeamMember{
		TeamID:    team.ID,
		UserID:    ownerID,
		Role:      string(authz.RoleOwner),
		CreatedAt: now,
	}
	if err := s.teams.CreateTeam(ctx, team, owner); err != nil {
		return nil, err
	}
	s.logger.Info("team created", "team_id", team.ID, "owner_id", ownerID)
	return team, nil
}

// ListForUser returns teams the user belongs to.
func (s Service) ListForUser(ctx context.Context, userID string) ([]domain.Team, error) {
	return s.teams.ListTeamsByUser(ctx, userID)
}

// Get returns a team by id.
func (s Service) Get(ctx context.Context, teamID string) (*domain.Team, error) {
	return s.teams.GetTeamByID(ctx, teamID)
}

// resolveRole loads the team and the actor's effective role for it.
func (s Service) resolveRole(ctx context.Context, actorID, teamID string) (*domain.Team, authz.Role, error) {
	team, err := s.teams.GetTeamByID(ctx, teamID)
	if err != nil {
		return nil, authz.RoleNone, err
	}
	membership, err := s.teams.GetMember(ctx, teamID, actorID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, authz.RoleNone, err
	}
	return team, authz.EffectiveRole(actorID, team, membership), nil
}

// ListMembers returns the member roster. Any relation to the team
// (membership or ownership) suffices to view it.
func (s Service) ListMembers(ctx context.Context, actorID, teamID string) ([]repository.MemberInfo, error) {
	_, role, err := s.resolveRole(ctx, actorID, teamID)
	if err != nil {
		return nil, err
	}
	if role == authz.RoleNone {
		return nil, ErrForbidden
	}
	return s.teams.ListMemberInfo(ctx, teamID)
}

// AddMember adds a user to the team by username. Requires owner or
// admin. Duplicate memberships are rejected without mutating the
// existing row.
func (s Service) AddMember(ctx context.Context, actorID, teamID, username, role string) error {
	if role == "" {
		role = string(authz.RoleMember)
	}
	normalized, ok := authz.Normalize(role)
	if !ok || normalized == authz.RoleOwner {
		return ErrInvalidRole
	}
	_, actorRole, err := s.resolveRole(ctx, actorID, teamID)
	if err != nil {
		return err
	}
	if !authz.Allow(actorRole, authz.RoleAdmin) {
		return ErrForbidden
	}
	target, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	member := &domain.TeamMember{
		TeamID:    teamID,
		UserID:    target.ID,
		Role:      string(normalized),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.teams.AddMember(ctx, member); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return ErrAlreadyMember
		}
		return err
	}
	s.logger.Info("member added", "team_id", teamID, "user_id", target.ID, "role", normalized)
	return nil
}

// SetRole changes a member's role. Requires owner or admin; assigning
// the owner role additionally requires the actor to be the current owner
// and atomically repoints team ownership at the target. The previous
// owner's membership row is deliberately left as is.
func (s Service) SetRole(ctx context.Context, actorID, teamID, targetUserID, role string) error {
	normalized, ok := authz.Normalize(role)
	if !ok {
		return ErrInvalidRole
	}
	team, actorRole, err := s.resolveRole(ctx, actorID, teamID)
	if err != nil {
		return err
	}
	if !authz.Allow(actorRole, authz.RoleAdmin) {
		return ErrForbidden
	}
	if normalized == authz.RoleOwner {
		if team.OwnerID != actorID {
			return ErrNotOwner
		}
		if err := s.teams.TransferOwnership(ctx, teamID, targetUserID); err != nil {
			return err
		}
		s.logger.Info("ownership transferred", "team_id", teamID, "from", actorID, "to", targetUserID)
		return nil
	}
	return s.teams.SetMemberRole(ctx, teamID, targetUserID, string(normalized))
}

// RemoveMember removes a user from the team. Requires owner or admin.
// Removing a non-member is a no-op success.
func (s Service) RemoveMember(ctx context.Context, actorID, teamID, targetUserID string) error {
	_, actorRole, err := s.resolveRole(ctx, actorID, teamID)
	if err != nil {
		return err
	}
	if !authz.Allow(actorRole, authz.RoleAdmin) {
		return ErrForbidden
	}
	return s.teams.RemoveMember(ctx, teamID, targetUserID)
}
