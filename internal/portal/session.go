package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gujaehyung/s2b-extend/internal/models"
	"github.com/gujaehyung/s2b-extend/internal/repository"
)

// Replayer is the light strategy as seen by Session.
type Replayer interface {
	SetCookies(cookies []models.PortalCookie)
	ListEligible(ctx context.Context, pageToken string) ([]string, string, error)
	GetPrice(ctx context.Context, id string) (int64, error)
	UpdatePrice(ctx context.Context, id string, newPrice int64) error
	ExtendDeadline(ctx context.Context, id string) error
}

// Credentials identify one portal account of one user.
type Credentials struct {
	UserID   string
	LoginID  string
	Password string
}

// Session implements Client for one run. It replays cached cookies when it
// has them and falls back to an interactive login otherwise. A portal logout
// mid-run triggers at most maxRelogins fresh logins; anything beyond that is
// an *AuthenticationError.
type Session struct {
	creds       Credentials
	auth        Authenticator
	light       Replayer
	cookies     repository.CookieRepository
	maxRelogins int
	now         func() time.Time
	logger      *slog.Logger

	loggedIn bool
	relogins int
}

var _ Client = (*Session)(nil)

// NewSession combines an authenticator and a replayer. cookies may be nil,
// in which case every run starts with an interactive login.
func NewSession(creds Credentials, auth Authenticator, light Replayer, cookies repository.CookieRepository, maxRelogins int, logger *slog.Logger) *Session {
	if maxRelogins < 0 {
		maxRelogins = 0
	}
	return &Session{
		creds:       creds,
		auth:        auth,
		light:       light,
		cookies:     cookies,
		maxRelogins: maxRelogins,
		now:         time.Now,
		logger:      logger.With("component", "portal_session", "login_id", creds.LoginID),
	}
}

// Relogins reports how many fresh logins were spent recovering expired sessions.
func (s *Session) Relogins() int {
	return s.relogins
}

// Login reuses unexpired cached cookies or performs an interactive login.
func (s *Session) Login(ctx context.Context) error {
	if cached := s.loadCached(ctx); len(cached) > 0 {
		s.light.SetCookies(cached)
		s.loggedIn = true
		s.logger.Debug("reusing cached portal cookies", "cookies", len(cached))
		return nil
	}
	return s.freshLogin(ctx)
}

func (s *Session) loadCached(ctx context.Context) []models.PortalCookie {
	if s.cookies == nil {
		return nil
	}
	cached, _, err := s.cookies.Load(ctx, s.creds.UserID, s.creds.LoginID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("failed to load cached cookies", "error", err)
		}
		return nil
	}
	now := s.now()
	valid := cached[:0]
	for _, c := range cached {
		if !c.Expired(now) {
			valid = append(valid, c)
		}
	}
	return valid
}

func (s *Session) freshLogin(ctx context.Context) error {
	cookies, err := s.auth.Login(ctx, s.creds.LoginID, s.creds.Password)
	if err != nil {
		if IsAuthenticationError(err) {
			return err
		}
		return &AuthenticationError{Reason: "login failed", Err: err}
	}
	s.light.SetCookies(cookies)
	s.loggedIn = true

	if s.cookies != nil {
		if err := s.cookies.Save(ctx, s.creds.UserID, s.creds.LoginID, cookies); err != nil {
			s.logger.Warn("failed to cache portal cookies", "error", err)
		}
	}
	return nil
}

// call runs fn, recovering once from an expired portal session when the
// re-login budget allows.
func (s *Session) call(ctx context.Context, fn func() error) error {
	if !s.loggedIn {
		if err := s.Login(ctx); err != nil {
			return err
		}
	}

	err := fn()
	if !errors.Is(err, ErrSessionExpired) {
		return err
	}

	if s.relogins >= s.maxRelogins {
		return &AuthenticationError{Reason: "portal session expired and re-login limit reached", Err: err}
	}
	s.relogins++
	s.logger.Info("portal session expired, logging in again", "attempt", s.relogins)

	if s.cookies != nil {
		if derr := s.cookies.Delete(ctx, s.creds.UserID, s.creds.LoginID); derr != nil {
			s.logger.Warn("failed to drop stale cookies", "error", derr)
		}
	}
	if err := s.freshLogin(ctx); err != nil {
		return err
	}

	if err := fn(); err != nil {
		if errors.Is(err, ErrSessionExpired) {
			return &AuthenticationError{Reason: "portal session expired again after re-login", Err: err}
		}
		return err
	}
	return nil
}

// ListEligible implements Client.
func (s *Session) ListEligible(ctx context.Context, pageToken string) (ids []string, next string, err error) {
	err = s.call(ctx, func() error {
		var ferr error
		ids, next, ferr = s.light.ListEligible(ctx, pageToken)
		return ferr
	})
	return ids, next, err
}

// GetPrice implements Client.
func (s *Session) GetPrice(ctx context.Context, id string) (price int64, err error) {
	err = s.call(ctx, func() error {
		var ferr error
		price, ferr = s.light.GetPrice(ctx, id)
		return ferr
	})
	return price, err
}

// UpdatePrice implements Client.
func (s *Session) UpdatePrice(ctx context.Context, id string, newPrice int64) error {
	return s.call(ctx, func() error {
		return s.light.UpdatePrice(ctx, id, newPrice)
	})
}

// ExtendDeadline implements Client.
func (s *Session) ExtendDeadline(ctx context.Context, id string) error {
	return s.call(ctx, func() error {
		return s.light.ExtendDeadline(ctx, id)
	})
}

// Factory builds a fresh Session per run.
type Factory struct {
	auth        Authenticator
	newLight    func() (Replayer, error)
	cookies     repository.CookieRepository
	maxRelogins int
	logger      *slog.Logger
}

// NewFactory creates a Factory. newLight must return a replayer with an empty jar.
func NewFactory(auth Authenticator, newLight func() (Replayer, error), cookies repository.CookieRepository, maxRelogins int, logger *slog.Logger) *Factory {
	return &Factory{
		auth:        auth,
		newLight:    newLight,
		cookies:     cookies,
		maxRelogins: maxRelogins,
		logger:      logger,
	}
}

// New returns a Client bound to one account's credentials.
func (f *Factory) New(creds Credentials) (Client, error) {
	light, err := f.newLight()
	if err != nil {
		return nil, fmt.Errorf("failed to create portal HTTP client: %w", err)
	}
	return NewSession(creds, f.auth, light, f.cookies, f.maxRelogins, f.logger), nil
}
