package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/dnxplataformas/crm-api/internal/domain"
	"github.com/dnxplataformas/crm-api/internal/repository"
	"github.com/dnxplataformas/crm-api/pkg/crypto"
	"github.com/dnxplataformas/crm-api/pkg/jwt"
)

// Service issues and validates operator credentials. Every user belongs to
// exactly one workspace; the workspace ID travels inside the token so request
// handlers never need a second lookup to scope queries.
type Service struct {
	users      repository.UserRepository
	workspaces repository.WorkspaceRepository
	secret     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger
}

// New constructs a Service.
func New(users repository.UserRepository, workspaces repository.WorkspaceRepository, secret string, accessTTL, refreshTTL time.Duration, logger *slog.Logger) Service {
	return Service{
		users:      users,
		workspaces: workspaces,
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		logger:     logger,
	}
}

var (
	// ErrInvalidCredentials hides whether the email exists.
	ErrInvalidCredentials = errors.New("invalid email or password")
	errInvalidEmail       = errors.New("email is required")
	errWeakPassword       = errors.New("password must have at least 8 characters")
)

// TokenPair carries an access token and its refresh companion.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Signup creates a user bound to an existing workspace and signs them in.
func (s Service) Signup(ctx context.Context, workspaceID, email, password string) (*domain.User, *TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, nil, errInvalidEmail
	}
	if len(password) < 8 {
		return nil, nil, errWeakPassword
	}
	if _, err := s.workspaces.GetWorkspaceByID(ctx, workspaceID); err != nil {
		return nil, nil, err
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, nil, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		WorkspaceID:  workspaceID,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, nil, err
	}

	pair, err := s.issueTokens(user)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("user signed up", "user_id", user.ID, "workspace_id", workspaceID)
	return user, pair, nil
}

// Login verifies the password and issues a token pair.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, *TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, nil, ErrInvalidCredentials
	}

	pair, err := s.issueTokens(user)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("user logged in", "user_id", user.ID, "workspace_id", user.WorkspaceID)
	return user, pair, nil
}

// Refresh exchanges a valid refresh token for a fresh pair.
func (s Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := jwt.Parse(refreshToken, s.secret)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	return s.issueTokens(user)
}

// Authorize validates a bearer token and returns its claims.
func (s Service) Authorize(token string) (*jwt.Claims, error) {
	claims, err := jwt.Parse(token, s.secret)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}

func (s Service) issueTokens(user *domain.User) (*TokenPair, error) {
	access, err := jwt.GenerateToken(user.ID, user.WorkspaceID, s.secret, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := jwt.GenerateToken(user.ID, user.WorkspaceID, s.secret, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}
