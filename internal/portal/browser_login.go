package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/gujaehyung/s2b-extend/internal/browser"
	"github.com/gujaehyung/s2b-extend/internal/metrics"
	"github.com/gujaehyung/s2b-extend/internal/models"
)

const (
	loginPath = "/S2BNCustomer/Login.do?type=sp"

	loginFormSelector   = `form[name="vendor_loginForm"] .login_type2`
	loginIDSelector     = loginFormSelector + ` input[name="uid"]`
	loginPwdSelector    = loginFormSelector + ` input[name="pwd"]`
	loginButtonSelector = loginFormSelector + ` .btn_login a`
)

// Authenticator performs an interactive login and returns the session cookies.
type Authenticator interface {
	Login(ctx context.Context, loginID, password string) ([]models.PortalCookie, error)
}

// BrowserLogin is the heavy strategy: it drives Chromium from the pool
// through the vendor login form.
type BrowserLogin struct {
	pool      *browser.Pool
	baseURL   string
	userAgent string
	stealth   bool
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// BrowserLoginOptions configures BrowserLogin.
type BrowserLoginOptions struct {
	BaseURL   string
	UserAgent string
	Stealth   bool
	Timeout   time.Duration
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// NewBrowserLogin creates the heavy login strategy.
func NewBrowserLogin(pool *browser.Pool, opts BrowserLoginOptions) *BrowserLogin {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserLogin{
		pool:      pool,
		baseURL:   strings.TrimSuffix(opts.BaseURL, "/"),
		userAgent: opts.UserAgent,
		stealth:   opts.Stealth,
		timeout:   opts.Timeout,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "portal_login"),
	}
}

// Login fills the vendor login form and captures the resulting cookies.
// Rejected credentials and timeouts return *AuthenticationError.
func (l *BrowserLogin) Login(ctx context.Context, loginID, password string) (cookies []models.PortalCookie, err error) {
	defer func() { l.metrics.ObserveLogin(err) }()

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	mb, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, &AuthenticationError{Reason: "no browser available", Err: err}
	}
	defer l.pool.Release(mb)

	// Each login gets a fresh incognito context so cookies never leak between users.
	incognito, err := mb.Browser.Incognito()
	if err != nil {
		return nil, &AuthenticationError{Reason: "failed to open browser context", Err: err}
	}
	defer func() { _ = incognito.Close() }()

	page, err := browser.NewPage(incognito, l.userAgent, l.stealth)
	if err != nil {
		return nil, &AuthenticationError{Reason: "failed to open page", Err: err}
	}
	defer func() { _ = page.Close() }()
	page = page.Context(ctx)

	start := time.Now()
	l.logger.Info("portal login started", "login_id", loginID)

	if err := l.submitLoginForm(page, loginID, password); err != nil {
		return nil, l.classify(ctx, err)
	}

	info, err := page.Info()
	if err != nil {
		return nil, l.classify(ctx, err)
	}
	if strings.Contains(info.URL, "Login.do") {
		l.logger.Warn("portal rejected credentials", "login_id", loginID)
		return nil, &AuthenticationError{Reason: "invalid login id or password"}
	}

	raw, err := page.Cookies([]string{l.baseURL})
	if err != nil {
		return nil, l.classify(ctx, err)
	}
	cookies = convertCookies(raw)
	if len(cookies) == 0 {
		return nil, &AuthenticationError{Reason: "portal issued no session cookies"}
	}

	l.logger.Info("portal login succeeded",
		"login_id", loginID,
		"cookies", len(cookies),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return cookies, nil
}

func (l *BrowserLogin) submitLoginForm(page *rod.Page, loginID, password string) error {
	if err := page.Navigate(l.baseURL + loginPath); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait for login page: %w", err)
	}

	idInput, err := page.Element(loginIDSelector)
	if err != nil {
		return fmt.Errorf("login form not found: %w", err)
	}
	if err := idInput.Input(loginID); err != nil {
		return fmt.Errorf("type login id: %w", err)
	}
	pwdInput, err := page.Element(loginPwdSelector)
	if err != nil {
		return fmt.Errorf("password field not found: %w", err)
	}
	if err := pwdInput.Input(password); err != nil {
		return fmt.Errorf("type password: %w", err)
	}

	button, err := page.Element(loginButtonSelector)
	if err != nil {
		return fmt.Errorf("login button not found: %w", err)
	}

	wait := page.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	if err := button.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click login: %w", err)
	}
	wait()
	return nil
}

// classify turns browser failures into authentication errors, naming timeouts.
func (l *BrowserLogin) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &AuthenticationError{Reason: "login timed out", Err: err}
	}
	return &AuthenticationError{Reason: "browser login failed", Err: err}
}

func convertCookies(raw []*proto.NetworkCookie) []models.PortalCookie {
	out := make([]models.PortalCookie, 0, len(raw))
	for _, c := range raw {
		if c == nil {
			continue
		}
		out = append(out, models.PortalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	return out
}
