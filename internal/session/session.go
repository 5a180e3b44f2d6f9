package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agriscience/fieldwatch/internal/api"
	"github.com/agriscience/fieldwatch/internal/model"
)

// ErrNoToken is returned by Restore when the store holds no token.
var ErrNoToken = errors.New("no stored token")

// Authenticator is the subset of the REST client a Session needs.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*model.AuthResponse, error)
	Me(ctx context.Context) (*model.User, error)
}

// Session tracks the signed-in user.
type Session struct {
	auth   Authenticator
	store  TokenStore
	logger *slog.Logger

	mu      sync.RWMutex
	user    *model.User
	changes chan bool
}

// New creates a Session with no user present.
func New(auth Authenticator, store TokenStore, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		auth:    auth,
		store:   store,
		logger:  logger,
		changes: make(chan bool, 1),
	}
}

// Token returns the current bearer token.
func (s *Session) Token() string {
	return s.store.Token()
}

// User returns a copy of the signed-in user, or nil.
func (s *Session) User() *model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// Present reports whether a user is signed in.
func (s *Session) Present() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil
}

// Changes delivers presence transitions, including a switch to a different
// user while signed in. Only the latest pending value is kept, so a slow
// reader sees the current presence rather than history.
func (s *Session) Changes() <-chan bool {
	return s.changes
}

// Login exchanges credentials for a token and stores it.
func (s *Session) Login(ctx context.Context, email, password string) (*model.User, error) {
	resp, err := s.auth.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetToken(resp.Token); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}

	s.setUser(&resp.User)
	s.logger.Info("signed in", "user_id", resp.User.ID, "role", resp.User.Role)
	return s.User(), nil
}

// Restore validates the stored token against /api/auth/me. A rejected token
// is cleared and the user becomes absent.
func (s *Session) Restore(ctx context.Context) (*model.User, error) {
	if s.store.Token() == "" {
		s.setUser(nil)
		return nil, ErrNoToken
	}

	user, err := s.auth.Me(ctx)
	if err != nil {
		if api.IsUnauthorized(err) {
			s.logger.Warn("stored token rejected, signing out")
			if clearErr := s.store.ClearToken(); clearErr != nil {
				s.logger.Error("failed to clear token", "error", clearErr)
			}
			s.setUser(nil)
		}
		return nil, fmt.Errorf("restore session: %w", err)
	}

	s.setUser(user)
	return s.User(), nil
}

// Logout clears the token and the user.
func (s *Session) Logout() error {
	err := s.store.ClearToken()
	s.setUser(nil)
	s.logger.Info("signed out")
	return err
}

func (s *Session) setUser(user *model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.user
	s.user = user
	switch {
	case prev == nil && user == nil:
		return
	case prev != nil && user != nil && prev.ID == user.ID:
		return
	}

	select {
	case <-s.changes:
	default:
	}
	s.changes <- user != nil
}
