package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/codocs/codocs/internal/domain"
	"github.com/codocs/codocs/internal/repository"
	"github.com/codocs/codocs/pkg/config"
	"github.com/codocs/codocs/pkg/crypto"
	jwtpkg "github.com/codocs/codocs/pkg/jwt"
)

var (
	// ErrInvalidCredentials covers unknown usernames and bad passwords
	// without distinguishing the two.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrUsernameTaken is returned when the requested username exists.
	ErrUsernameTaken = errors.New("auth: username already taken")
	errEmptyUsername = errors.New("auth: username is required")
	errEmptyPassword = errors.New("auth: password is required")
	errEmptyToken    = errors.New("auth: token is required")
)

// Service establishes caller identity at the system boundary and stores
// third-party credentials. Core operations downstream receive the
// resolved caller explicitly and never consult ambient session state.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	cfg    config.APIConfig
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{users: users, logger: logger, cfg: cfg}
}

// Signup registers a new user and issues a session token.
func (s Service) Signup(ctx context.Context, username, password string) (*domain.User, string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, "", errEmptyUsername
	}
	if password == "" {
		return nil, "", errEmptyPassword
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, "", err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, "", ErrUsernameTaken
		}
		return nil, "", err
	}
	token, err := jwtpkg.GenerateToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, token, nil
}

// Login authenticates a user and returns a session token.
func (s Service) Login(ctx context.Context, username, password string) (*domain.User, string, error) {
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, "", ErrInvalidCredentials
	}
	token, err := jwtpkg.GenerateToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, token, nil
}

// Authorize resolves a bearer token to the calling user.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, error) {
	claims, err := jwtpkg.Parse(token, s.cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	return s.users.GetUserByID(ctx, claims.UserID)
}

// StoreGithubToken encrypts and stores the caller's third-party
// credential for later export use.
func (s Service) StoreGithubToken(ctx context.Context, userID, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errEmptyToken
	}
	encrypted, err := crypto.EncryptString(s.cfg.TokenEncryptionKey, token)
	if err != nil {
		return err
	}
	if err := s.users.UpdateGithubToken(ctx, userID, encrypted); err != nil {
		return err
	}
	s.logger.Info("github token stored", "user_id", userID)
	return nil
}
