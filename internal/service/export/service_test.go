package export

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/codocs/codocs/internal/domain"
	"github.com/codocs/codocs/internal/repository"
	"github.com/codocs/codocs/pkg/config"
	"github.com/codocs/codocs/pkg/crypto"
)

type fakeCommentRepo struct {
	comments []domain.Comment
	err      error
}

func (f *fakeCommentRepo) CreateComment(context.Context, *domain.Comment) error {
	return errors.New("not implemented")
}

func (f *fakeCommentRepo) ListCommentsSince(_ context.Context, cospaceID string, sinceID int64, _ bool) ([]domain.Comment, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Comment
	for _, c := range f.comments {
		if c.CoSpaceID == cospaceID && c.ID > sinceID {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeCoSpaceRepo struct {
	cospaces map[string]*domain.CoSpace
}

func (f *fakeCoSpaceRepo) CreateCoSpace(context.Context, *domain.CoSpace) error {
	return errors.New("not implemented")
}

func (f *fakeCoSpaceRepo) GetCoSpaceByID(_ context.Context, id string) (*domain.CoSpace, error) {
	cospace, ok := f.cospaces[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *cospace
	return &clone, nil
}

func (f *fakeCoSpaceRepo) ListCoSpacesByUser(context.Context, string) ([]domain.CoSpace, error) {
	return nil, errors.New("not implemented")
}

type fakeUserRepo struct {
	users map[string]*domain.User
}

func (f *fakeUserRepo) CreateUser(context.Context, *domain.User) error {
	return errors.New("not implemented")
}

func (f *fakeUserRepo) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (f *fakeUserRepo) GetUserByUsername(context.Context, string) (*domain.User, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeUserRepo) UpdateGithubToken(context.Context, string, []byte) error {
	return errors.New("not implemented")
}

func newService(t *testing.T, upstreamURL string, comments *fakeCommentRepo, users *fakeUserRepo) Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cospaces := &fakeCoSpaceRepo{cospaces: map[string]*domain.CoSpace{
		"cs-1": {ID: "cs-1", Name: "design docs", TeamID: "team-1"},
	}}
	if users == nil {
		users = &fakeUserRepo{users: map[string]*domain.User{}}
	}
	cfg := config.APIConfig{
		GithubAPIBase:      upstreamURL,
		TokenEncryptionKey: "unit-test-key",
	}
	return New(comments, cospaces, users, logger, cfg)
}

func TestExportPostsGistWithExplicitToken(t *testing.T) {
	var gotPath, gotAuth string
	var gotGist map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		gotAuth = req.Header.Get("Authorization")
		_ = json.NewDecoder(req.Body).Decode(&gotGist)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"gist-1","html_url":"https://gist.example/gist-1"}`))
	}))
	defer upstream.Close()

	now := time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)
	comments := &fakeCommentRepo{comments: []domain.Comment{
		{ID: 1, CoSpaceID: "cs-1", AuthorUsername: "alice", Selector: "h1", Text: "first", CreatedAt: now},
		{ID: 2, CoSpaceID: "cs-1", AuthorUsername: "bob", Text: "second", CreatedAt: now.Add(time.Minute)},
	}}
	svc := newService(t, upstream.URL, comments, nil)

	body, err := svc.Export(context.Background(), "", Input{CoSpaceID: "cs-1", Token: "gh-token", Public: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if gotPath != "/gists" {
		t.Fatalf("unexpected upstream path %q", gotPath)
	}
	if gotAuth != "token gh-token" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	if gotGist["public"] != true {
		t.Fatalf("expected public gist, got %v", gotGist["public"])
	}
	if gotGist["description"] != "CoSpace comments export: design docs" {
		t.Fatalf("unexpected description %v", gotGist["description"])
	}
	files, ok := gotGist["files"].(map[string]any)
	if !ok || len(files) != 1 {
		t.Fatalf("expected one file, got %v", gotGist["files"])
	}
	file, ok := files["cospace_cs-1_comments.json"].(map[string]any)
	if !ok {
		t.Fatalf("unexpected file name in %v", files)
	}
	content, _ := file["content"].(string)
	var entries []map[string]any
	if err := json.Unmarshal([]byte(content), &entries); err != nil {
		t.Fatalf("decode exported content: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 exported comments, got %d", len(entries))
	}
	if entries[0]["author"] != "alice" || entries[1]["author"] != "bob" {
		t.Fatalf("unexpected export order: %v", entries)
	}

	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["id"] != "gist-1" {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestExportFallsBackToStoredToken(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	encrypted, err := crypto.EncryptString("unit-test-key", "stored-token")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	users := &fakeUserRepo{users: map[string]*domain.User{
		"user-1": {ID: "user-1", Username: "alice", GithubTokenEncrypted: encrypted},
	}}
	svc := newService(t, upstream.URL, &fakeCommentRepo{}, users)

	if _, err := svc.Export(context.Background(), "user-1", Input{CoSpaceID: "cs-1"}); err != nil {
		t.Fatalf("export: %v", err)
	}
	if gotAuth != "token stored-token" {
		t.Fatalf("expected stored token used, got %q", gotAuth)
	}
}

func TestExportWithoutAnyToken(t *testing.T) {
	svc := newService(t, "http://unreachable.invalid", &fakeCommentRepo{}, nil)

	_, err := svc.Export(context.Background(), "", Input{CoSpaceID: "cs-1"})
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}

	users := &fakeUserRepo{users: map[string]*domain.User{
		"user-1": {ID: "user-1", Username: "alice"},
	}}
	svc = newService(t, "http://unreachable.invalid", &fakeCommentRepo{}, users)
	_, err = svc.Export(context.Background(), "user-1", Input{CoSpaceID: "cs-1"})
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken for user without credential, got %v", err)
	}
}

func TestExportCorruptStoredToken(t *testing.T) {
	users := &fakeUserRepo{users: map[string]*domain.User{
		"user-1": {ID: "user-1", Username: "alice", GithubTokenEncrypted: []byte("garbage")},
	}}
	svc := newService(t, "http://unreachable.invalid", &fakeCommentRepo{}, users)

	_, err := svc.Export(context.Background(), "user-1", Input{CoSpaceID: "cs-1"})
	if !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestExportUnknownCoSpace(t *testing.T) {
	svc := newService(t, "http://unreachable.invalid", &fakeCommentRepo{}, nil)

	_, err := svc.Export(context.Background(), "", Input{CoSpaceID: "missing", Token: "gh"})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExportPropagatesUpstreamRejection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Validation Failed"}`))
	}))
	defer upstream.Close()

	svc := newService(t, upstream.URL, &fakeCommentRepo{}, nil)

	_, err := svc.Export(context.Background(), "", Input{CoSpaceID: "cs-1", Token: "gh"})
	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstreamErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status %d", upstreamErr.Status)
	}
	var details map[string]string
	if err := json.Unmarshal(upstreamErr.Body, &details); err != nil {
		t.Fatalf("decode upstream body: %v", err)
	}
	if details["message"] != "Validation Failed" {
		t.Fatalf("unexpected upstream body %v", details)
	}
}
