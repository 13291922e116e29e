package repository

import (
	"context"

	"github.com/codocs/codocs/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	UpdateGithubToken(ctx context.Context, userID string, encrypted []byte) error
}

// TeamRepository manages teams and memberships.
type TeamRepository interface {
	CreateTeam(ctx context.Context, team *domain.Team, owner *domain.TeamMember) error
	GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error)
	ListTeamsByUser(ctx context.Context, userID string) ([]domain.Team, error)
	GetMember(ctx context.Context, teamID, userID string) (*domain.TeamMember, error)
	ListMemberInfo(ctx context.Context, teamID string) ([]MemberInfo, error)
	AddMember(ctx context.Context, member *domain.TeamMember) error
	SetMemberRole(ctx context.Context, teamID, userID, role string) error
	RemoveMember(ctx context.Context, teamID, userID string) error
	TransferOwnership(ctx context.Context, teamID, newOwnerID string) error
}

// CoSpaceRepository persists co-spaces.
type CoSpaceRepository interface {
	CreateCoSpace(ctx context.Context, cospace *domain.CoSpace) error
	GetCoSpaceByID(ctx context.Context, id string) (*domain.CoSpace, error)
	ListCoSpacesByUser(ctx context.Context, userID string) ([]domain.CoSpace, error)
}

// CommentRepository is the comment store: an append-only log keyed by a
// single global sequence.
type CommentRepository interface {
	// CreateComment persists the comment atomically and fills in the
	// committed ID and creation timestamp.
	CreateComment(ctx context.Context, comment *domain.Comment) error
	// ListCommentsSince returns comments for the co-space with id greater
	// than sinceID, reflecting the latest committed state at call time.
	ListCommentsSince(ctx context.Context, cospaceID string, sinceID int64, ascending bool) ([]domain.Comment, error)
}

// MemberInfo pairs a membership with the resolved username for listings.
type MemberInfo struct {
	UserID   string
	Username string
	Role     string
}
