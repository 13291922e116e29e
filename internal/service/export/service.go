package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/codocs/codocs/internal/repository"
	"github.com/codocs/codocs/internal/service/feed"
	"github.com/codocs/codocs/pkg/config"
	"github.com/codocs/codocs/pkg/crypto"
)

var (
	// ErrNoToken is returned when no explicit token was provided and the
	// caller has no stored credential.
	ErrNoToken = errors.New("export: no github token available")
	// ErrDecrypt wraps credential decryption failures behind a generic
	// message; the raw cause is never surfaced to clients.
	ErrDecrypt = errors.New("export: failed to decrypt stored token")
)

// UpstreamError carries the export target's rejection verbatim so the
// HTTP layer can propagate status and details.
type UpstreamError struct {
	Status int
	Body   json.RawMessage
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("export: upstream responded with status %d", e.Status)
}

// Input describes an export request.
type Input struct {
	CoSpaceID string
	// Token is the explicit bearer credential; when empty the caller's
	// stored encrypted credential is used instead.
	Token  string
	Public bool
}

// Service serializes a co-space's comments into a document and creates
// it on a gist-like external service with a one-shot HTTP call.
type Service struct {
	comments repository.CommentRepository
	cospaces repository.CoSpaceRepository
	users    repository.UserRepository
	client   *http.Client
	logger   *slog.Logger
	cfg      config.APIConfig
}

// New constructs an export Service.
func New(comments repository.CommentRepository, cospaces repository.CoSpaceRepository, users repository.UserRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{
		comments: comments,
		cospaces: cospaces,
		users:    users,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   logger,
		cfg:      cfg,
	}
}

// Export creates a gist containing all comments of the co-space and
// returns the upstream response body on success.
func (s Service) Export(ctx context.Context, callerID string, input Input) (json.RawMessage, error) {
	cospace, err := s.cospaces.GetCoSpaceByID(ctx, input.CoSpaceID)
	if err != nil {
		return nil, err
	}
	comments, err := s.comments.ListCommentsSince(ctx, cospace.ID, 0, true)
	if err != nil {
		return nil, err
	}

	entries := make([]feed.CommentPayload, 0, len(comments))
	for i := range comments {
		entries = append(entries, feed.Payload(&comments[i]))
	}
	body, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, err
	}

	token := strings.TrimSpace(input.Token)
	if token == "" {
		token, err = s.storedToken(ctx, callerID)
		if err != nil {
			return nil, err
		}
	}

	gist := map[string]any{
		"description": fmt.Sprintf("CoSpace comments export: %s", cospace.Name),
		"public":      input.Public,
		"files": map[string]any{
			fmt.Sprintf("cospace_%s_comments.json", cospace.ID): map[string]string{
				"content": string(body),
			},
		},
	}
	payload, err := json.Marshal(gist)
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(s.cfg.GithubAPIBase, "/") + "/gists"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "token "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		s.logger.Warn("gist export rejected", "status", resp.StatusCode, "cospace_id", cospace.ID)
		return nil, &UpstreamError{Status: resp.StatusCode, Body: responseBody}
	}
	s.logger.Info("cospace exported", "cospace_id", cospace.ID, "comments", len(entries))
	return responseBody, nil
}

// storedToken resolves the caller's encrypted credential.
func (s Service) storedToken(ctx context.Context, callerID string) (string, error) {
	if callerID == "" {
		return "", ErrNoToken
	}
	user, err := s.users.GetUserByID(ctx, callerID)
	if err != nil {
		return "", err
	}
	if len(user.GithubTokenEncrypted) == 0 {
		return "", ErrNoToken
	}
	token, err := crypto.DecryptToString(s.cfg.TokenEncryptionKey, user.GithubTokenEncrypted)
	if err != nil {
		s.logger.Error("stored token decryption failed", "user_id", callerID, "error", err)
		return "", ErrDecrypt
	}
	return token, nil
}
