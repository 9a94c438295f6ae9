package staff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/mediqueue/mediqueue/internal/platform/auth"
)

// MinPasswordLength applies to accounts created through the service.
const MinPasswordLength = 8

// Session is the result of a successful login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Account   *Account  `json:"account"`
}

type Service struct {
	repo   Repository
	jwt    auth.JWTConfig
	ttl    time.Duration
	cost   int
	logger zerolog.Logger

	// dummyHash stands in for the hash of an unknown account.
	dummyHash []byte
}

type Option func(*Service)

// WithBcryptCost overrides bcrypt.DefaultCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

func NewService(repo Repository, jwtCfg auth.JWTConfig, ttl time.Duration, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		jwt:    jwtCfg,
		ttl:    ttl,
		cost:   bcrypt.DefaultCost,
		logger: logger.With().Str("component", "staff").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), s.cost)
	return s
}

// SaveAccount creates an account or resets an existing one.
func (s *Service) SaveAccount(ctx context.Context, id, displayName, password, role string) (*Account, error) {
	id = strings.TrimSpace(id)
	displayName = strings.TrimSpace(displayName)
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	if role != auth.RoleDoctor && role != auth.RoleAdmin {
		return nil, fmt.Errorf("%w: role must be %s or %s", ErrInvalidInput, auth.RoleDoctor, auth.RoleAdmin)
	}
	if displayName == "" {
		displayName = id
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	a := &Account{ID: id, DisplayName: displayName, PasswordHash: string(hash), Role: role}
	if err := s.repo.Upsert(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info().Str("staff_id", id).Str("role", role).Msg("staff account saved")
	return a, nil
}

// Login checks the password and issues a session token.
func (s *Service) Login(ctx context.Context, id, password string) (*Session, error) {
	a, err := s.repo.Get(ctx, strings.TrimSpace(id))
	if errors.Is(err, ErrNotFound) {
		bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)); err != nil {
		s.logger.Warn().Str("staff_id", a.ID).Msg("failed login")
		return nil, ErrInvalidCredentials
	}

	token, expires, err := auth.IssueToken(s.jwt, a.ID, a.DisplayName, []string{a.Role}, s.ttl)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: expires, Account: a}, nil
}

func (s *Service) List(ctx context.Context) ([]*Account, error) {
	return s.repo.List(ctx)
}
