package feed

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"log/slog"

	"github.com/codocs/codocs/internal/authz"
	"github.com/codocs/codocs/internal/domain"
	"github.com/codocs/codocs/internal/repository"
	"github.com/codocs/codocs/internal/ws"
)

// ErrForbidden is returned when the caller's role does not permit
// posting to the co-space.
var ErrForbidden = errors.New("feed: insufficient role to post comments")

const defaultPollInterval = time.Second

// Caller is the authenticated identity performing an operation, threaded
// explicitly through every call.
type Caller struct {
	UserID   string
	Username string
}

// PostInput describes a new comment.
type PostInput struct {
	CoSpaceID string
	Selector  string
	Text      string
	Metadata  json.RawMessage
}

// Service delivers new comments to consumers through two paths that stay
// consistent with the store: a per-co-space push channel and pull-based
// long-polling over an id cursor. A write becomes observable to both
// paths only after its commit.
type Service struct {
	comments     repository.CommentRepository
	cospaces     repository.CoSpaceRepository
	teams        repository.TeamRepository
	hub          *ws.Hub
	waiters      *waiters
	logger       *slog.Logger
	pollInterval time.Duration
}

// New constructs a feed Service.
func New(comments repository.CommentRepository, cospaces repository.CoSpaceRepository, teams repository.TeamRepository, hub *ws.Hub, logger *slog.Logger) *Service {
	return &Service{
		comments:     comments,
		cospaces:     cospaces,
		teams:        teams,
		hub:          hub,
		waiters:      newWaiters(),
		logger:       logger,
		pollInterval: defaultPollInterval,
	}
}

// Channel names the push channel for a co-space.
func Channel(cospaceID string) string {
	return "cospace_" + cospaceID
}

// Post validates the caller's role, appends the comment, and, only
// after the append committed, publishes it to the co-space channel and
// wakes blocked long-pollers. A subscriber that sees comment N can rely
// on a subsequent pull with cursor N-1 returning at least N.
func (s *Service) Post(ctx context.Context, caller Caller, input PostInput) (*domain.Comment, error) {
	cospace, err := s.cospaces.GetCoSpaceByID(ctx, input.CoSpaceID)
	if err != nil {
		return nil, err
	}
	team, err := s.teams.GetTeamByID(ctx, cospace.TeamID)
	if err != nil {
		return nil, err
	}
	membership, err := s.teams.GetMember(ctx, team.ID, caller.UserID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	role := authz.EffectiveRole(caller.UserID, team, membership)
	if !authz.Allow(role, authz.RoleAdmin, authz.RoleMember) {
		return nil, ErrForbidden
	}

	comment := &domain.Comment{
		CoSpaceID:      cospace.ID,
		AuthorID:       caller.UserID,
		AuthorUsername: caller.Username,
		Selector:       input.Selector,
		Text:           input.Text,
		Metadata:       input.Metadata,
	}
	if err := s.comments.CreateComment(ctx, comment); err != nil {
		return nil, err
	}

	s.publish(comment)
	s.waiters.wake(cospace.ID)
	s.logger.Info("comment posted", "comment_id", comment.ID, "cospace_id", cospace.ID, "author_id", caller.UserID)
	return comment, nil
}

// List returns comments with id greater than sinceID. Plain GET
// consumers receive newest-first ordering.
func (s *Service) List(ctx context.Context, cospaceID string, sinceID int64) ([]domain.Comment, error) {
	return s.comments.ListCommentsSince(ctx, cospaceID, sinceID, false)
}

// LongPoll answers "what is new after sinceID" for a co-space. Data
// already past the cursor returns immediately in ascending order.
// Otherwise the call parks on a wake channel, re-checking the store on
// every wake signal and on a short interval as a safety net against a
// missed wakeup, until the timeout elapses. Timeout and client
// cancellation both yield an empty slice with no error: "no news, poll
// again" is a success for the caller.
func (s *Service) LongPoll(ctx context.Context, cospaceID string, sinceID int64, timeout time.Duration) ([]domain.Comment, error) {
	results, err := s.comments.ListCommentsSince(ctx, cospaceID, sinceID, true)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		return results, nil
	}

	wake := s.waiters.register(cospaceID)
	defer s.waiters.unregister(cospaceID, wake)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return []domain.Comment{}, nil
		case <-deadline.C:
			return []domain.Comment{}, nil
		case <-wake:
		case <-ticker.C:
		}
		// A wake and a disconnect can race; a recheck on a dead context
		// is still a cancellation, not a failure.
		if ctx.Err() != nil {
			return []domain.Comment{}, nil
		}
		results, err := s.comments.ListCommentsSince(ctx, cospaceID, sinceID, true)
		if err != nil {
			if ctx.Err() != nil {
				return []domain.Comment{}, nil
			}
			return nil, err
		}
		if len(results) > 0 {
			return results, nil
		}
	}
}

// Hub returns the push hub (used by the HTTP layer for subscriptions).
func (s *Service) Hub() *ws.Hub {
	return s.hub
}

// publish fans the committed comment out to the co-space channel.
func (s *Service) publish(comment *domain.Comment) {
	data, err := MarshalEvent(comment)
	if err != nil {
		s.logger.Warn("failed to marshal comment payload", "error", err, "comment_id", comment.ID)
		return
	}
	s.hub.Broadcast(Channel(comment.CoSpaceID), data)
}

// CommentPayload is the wire shape shared by list responses and push
// events. Subscribers dedup by ID against their last-seen cursor.
type CommentPayload struct {
	ID        int64           `json:"id"`
	CoSpaceID string          `json:"cospace_id"`
	Author    string          `json:"author"`
	Selector  string          `json:"selector"`
	Text      string          `json:"text"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// Payload converts a stored comment to its wire shape. A deleted author
// yields an empty author name, matching list queries.
func Payload(comment *domain.Comment) CommentPayload {
	return CommentPayload{
		ID:        comment.ID,
		CoSpaceID: comment.CoSpaceID,
		Author:    comment.AuthorUsername,
		Selector:  comment.Selector,
		Text:      comment.Text,
		Metadata:  comment.Metadata,
		CreatedAt: comment.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Event wraps a push notification with its event name.
type Event struct {
	Event   string         `json:"event"`
	Comment CommentPayload `json:"comment"`
}

// MarshalEvent formats a comment for streaming subscribers.
func MarshalEvent(comment *domain.Comment) ([]byte, error) {
	return json.Marshal(Event{Event: "new_comment", Comment: Payload(comment)})
}
