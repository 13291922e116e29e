package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codocs/codocs/internal/domain"
	"github.com/codocs/codocs/internal/repository"
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
	_ repository.UserRepository    = (*Repository)(nil)
	_ repository.TeamRepository    = (*Repository)(nil)
	_ repository.CoSpaceRepository = (*Repository)(nil)
	_ repository.CommentRepository = (*Repository)(nil)
)

const uniqueViolation = "23505"

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return repository.ErrConflict
	}
	return err
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, username, github_id, github_token_encrypted, password_hash, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Username, user.GithubID, user.GithubTokenEncrypted, user.PasswordHash, user.CreatedAt)
	return translateErr(err)
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, username, COALESCE(github_id, ''), github_token_encrypted, password_hash, created_at
		FROM users WHERE id = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, id))
}

// GetUserByUsername fetches a user by unique username.
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	const query = `SELECT id, username, COALESCE(github_id, ''), github_token_encrypted, password_hash, created_at
		FROM users WHERE username = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, username))
}

func (r *Repository) scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.GithubID, &u.GithubTokenEncrypted, &u.PasswordHash, &u.CreatedAt); err != nil {
		return nil, translateErr(err)
	}
	return &u, nil
}

// UpdateGithubToken stores the encrypted third-party credential blob.
func (r *Repository) UpdateGithubToken(ctx context.Context, userID string, encrypted []byte) error {
	const query = `UPDATE users SET github_token_encrypted = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, userID, encrypted)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateTeam creates the team together with the owner membership in one
// transaction: a team is never visible without its owner membership.
func (r *Repository) CreateTeam(ctx context.Context, team *domain.Team, owner *domain.TeamMember) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return translateErr(err)
	}
	defer tx.Rollback(ctx)

	const teamInsert = `INSERT INTO teams (id, name, owner_id, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, teamInsert, team.ID, team.Name, team.OwnerID, team.CreatedAt); err != nil {
		return translateErr(err)
	}
	const memberInsert = `INSERT INTO team_members (team_id, user_id, role, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, memberInsert, owner.TeamID, owner.UserID, owner.Role, owner.CreatedAt); err != nil {
		return translateErr(err)
	}
	return translateErr(tx.Commit(ctx))
}

// GetTeamByID returns a team by identifier.
func (r *Repository) GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error) {
	const query = `SELECT id, name, owner_id, created_at FROM teams WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, teamID)
	var team domain.Team
	if err := row.Scan(&team.ID, &team.Name, &team.OwnerID, &team.CreatedAt); err != nil {
		return nil, translateErr(err)
	}
	return &team, nil
}

// ListTeamsByUser returns teams the user belongs to.
func (r *Repository) ListTeamsByUser(ctx context.Context, userID string) ([]domain.Team, error) {
	const query = `SELECT t.id, t.name, t.owner_id, t.created_at
		FROM teams t
		INNER JOIN team_members tm ON tm.team_id = t.id
		WHERE tm.user_id = $1
		ORDER BY t.created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	teams := make([]domain.Team, 0)
	for rows.Next() {
		var team domain.Team
		if err := rows.Scan(&team.ID, &team.Name, &team.OwnerID, &team.CreatedAt); err != nil {
			return nil, err
		}
		teams = append(teams, team)
	}
	return teams, rows.Err()
}

// GetMember fetches a membership row.
func (r *Repository) GetMember(ctx context.Context, teamID, userID string) (*domain.TeamMember, error) {
	const query = `SELECT team_id, user_id, role, created_at FROM team_members WHERE team_id = $1 AND user_id = $2`
	row := r.pool.QueryRow(ctx, query, teamID, userID)
	var m domain.TeamMember
	if err := row.Scan(&m.TeamID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
		return nil, translateErr(err)
	}
	return &m, nil
}

// ListMemberInfo returns team memberships with usernames resolved.
func (r *Repository) ListMemberInfo(ctx context.Context, teamID string) ([]repository.MemberInfo, error) {
	const query = `SELECT tm.user_id, u.username, tm.role
		FROM team_members tm
		INNER JOIN users u ON u.id = tm.user_id
		WHERE tm.team_id = $1
		ORDER BY tm.created_at ASC`
	rows, err := r.pool.Query(ctx, query, teamID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	members := make([]repository.MemberInfo, 0)
	for rows.Next() {
		var m repository.MemberInfo
		if err := rows.Scan(&m.UserID, &m.Username, &m.Role); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// AddMember inserts a membership. Duplicate (team, user) pairs surface
// as ErrConflict.
func (r *Repository) AddMember(ctx context.Context, member *domain.TeamMember) error {
	const query = `INSERT INTO team_members (team_id, user_id, role, created_at) VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, member.TeamID, member.UserID, member.Role, member.CreatedAt)
	return translateErr(err)
}

// SetMemberRole updates the role on an existing membership.
func (r *Repository) SetMemberRole(ctx context.Context, teamID, userID, role string) error {
	const query = `UPDATE team_members SET role = $3 WHERE team_id = $1 AND user_id = $2`
	tag, err := r.pool.Exec(ctx, query, teamID, userID, role)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// RemoveMember deletes a membership. Deleting an absent row is not an
// error (the operation is idempotent at the service layer).
func (r *Repository) RemoveMember(ctx context.Context, teamID, userID string) error {
	const query = `DELETE FROM team_members WHERE team_id = $1 AND user_id = $2`
	_, err := r.pool.Exec(ctx, query, teamID, userID)
	return translateErr(err)
}

// TransferOwnership promotes the target's membership to owner and
// repoints the team at them in a single transaction. The previous
// owner's membership row is left untouched.
func (r *Repository) TransferOwnership(ctx context.Context, teamID, newOwnerID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return translateErr(err)
	}
	defer tx.Rollback(ctx)

	const roleUpdate = `UPDATE team_members SET role = 'owner' WHERE team_id = $1 AND user_id = $2`
	tag, err := tx.Exec(ctx, roleUpdate, teamID, newOwnerID)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	const ownerUpdate = `UPDATE teams SET owner_id = $2 WHERE id = $1`
	tag, err = tx.Exec(ctx, ownerUpdate, teamID, newOwnerID)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return translateErr(tx.Commit(ctx))
}

// CreateCoSpace inserts a co-space.
func (r *Repository) CreateCoSpace(ctx context.Context, cospace *domain.CoSpace) error {
	const query = `INSERT INTO cospaces (id, name, team_id, description, created_at) VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, cospace.ID, cospace.Name, cospace.TeamID, cospace.Description, cospace.CreatedAt)
	return translateErr(err)
}

// GetCoSpaceByID fetches co-space details.
func (r *Repository) GetCoSpaceByID(ctx context.Context, id string) (*domain.CoSpace, error) {
	const query = `SELECT id, name, team_id, COALESCE(description, ''), created_at FROM cospaces WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var c domain.CoSpace
	if err := row.Scan(&c.ID, &c.Name, &c.TeamID, &c.Description, &c.CreatedAt); err != nil {
		return nil, translateErr(err)
	}
	return &c, nil
}

// ListCoSpacesByUser returns co-spaces owned by the user's teams.
func (r *Repository) ListCoSpacesByUser(ctx context.Context, userID string) ([]domain.CoSpace, error) {
	const query = `SELECT c.id, c.name, c.team_id, COALESCE(c.description, ''), c.created_at
		FROM cospaces c
		INNER JOIN team_members tm ON tm.team_id = c.team_id
		WHERE tm.user_id = $1
		ORDER BY c.created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	cospaces := make([]domain.CoSpace, 0)
	for rows.Next() {
		var c domain.CoSpace
		if err := rows.Scan(&c.ID, &c.Name, &c.TeamID, &c.Description, &c.CreatedAt); err != nil {
			return nil, err
		}
		cospaces = append(cospaces, c)
	}
	return cospaces, rows.Err()
}

// CreateComment appends a comment. The global sequence assigns the ID
// at insert; concurrent writers may commit out of ID order, but a row
// is never visible to readers before its ID is set, so cursors stay
// safe to resume from.
func (r *Repository) CreateComment(ctx context.Context, comment *domain.Comment) error {
	const query = `INSERT INTO comments (cospace_id, author_id, selector, text, metadata, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, NOW())
		RETURNING id, created_at`
	row := r.pool.QueryRow(ctx, query, comment.CoSpaceID, comment.AuthorID, comment.Selector, comment.Text, comment.Metadata)
	if err := row.Scan(&comment.ID, &comment.CreatedAt); err != nil {
		return translateErr(err)
	}
	comment.CreatedAt = comment.CreatedAt.UTC()
	return nil
}

// ListCommentsSince returns the comments for a co-space with id greater
// than sinceID in the requested order, with author usernames resolved.
// Authors deleted since posting yield an empty username.
func (r *Repository) ListCommentsSince(ctx context.Context, cospaceID string, sinceID int64, ascending bool) ([]domain.Comment, error) {
	order := "DESC"
	if ascending {
		order = "ASC"
	}
	query := fmt.Sprintf(`SELECT c.id, c.cospace_id, COALESCE(c.author_id::text, ''), COALESCE(u.username, ''), c.selector, c.text, c.metadata, c.created_at
		FROM comments c
		LEFT JOIN users u ON u.id = c.author_id
		WHERE c.cospace_id = $1 AND c.id > $2
		ORDER BY c.id %s`, order)
	rows, err := r.pool.Query(ctx, query, cospaceID, sinceID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	comments := make([]domain.Comment, 0)
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.CoSpaceID, &c.AuthorID, &c.AuthorUsername, &c.Selector, &c.Text, &c.Metadata, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		comments = append(comments, c)
	}
	return comments, rows.Err()
}
