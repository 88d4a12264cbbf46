// Package mw contains HTTP middleware for the automation API.
package mw

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gujaehyung/s2b-extend/internal/constants"
	"github.com/gujaehyung/s2b-extend/internal/logging"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// UserClaimsKey is the context key for user claims.
	UserClaimsKey ContextKey = "user_claims"
)

// Signed header names set by the web frontend.
const (
	HeaderSignature = "X-S2B-Signature"
	HeaderTimestamp = "X-S2B-Timestamp"
	HeaderUserID    = "X-S2B-User-ID"
	HeaderTier      = "X-S2B-Tier"

	// HeaderDevUserID is trusted only when unauthenticated access is allowed.
	HeaderDevUserID = "X-User-ID"
	HeaderDevTier   = "X-User-Tier"
)

// signatureWindow bounds how old a signed-header timestamp may be.
const signatureWindow = 5 * time.Minute

var (
	ErrTimestampExpired = &AuthError{Message: "timestamp expired"}
	ErrInvalidSignature = &AuthError{Message: "invalid signature"}
	ErrInvalidToken     = &AuthError{Message: "invalid token"}
	ErrMissingSubject   = &AuthError{Message: "token has no subject"}
)

// AuthError represents an authentication error.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

// UserClaims represents unified user claims from any auth source.
type UserClaims struct {
	UserID string
	Tier   string // normalized plan name
	Admin  bool
	Source string // "jwt", "signed" or "dev"
}

// GetUserClaims retrieves user claims from context.
func GetUserClaims(ctx context.Context) *UserClaims {
	claims, ok := ctx.Value(UserClaimsKey).(*UserClaims)
	if !ok {
		return nil
	}
	return claims
}

// WithUserClaims returns a context carrying claims.
func WithUserClaims(ctx context.Context, claims *UserClaims) context.Context {
	return context.WithValue(ctx, UserClaimsKey, claims)
}

// TokenClaims is the payload of bearer tokens issued by the web frontend.
type TokenClaims struct {
	Tier string `json:"tier,omitempty"`
	Plan string `json:"plan,omitempty"`
	jwt.RegisteredClaims
}

// PlanRecorder stores the plan a user authenticated with, so background
// work (the scheduler) runs with the same plan.
type PlanRecorder interface {
	Upsert(ctx context.Context, userID, plan string) error
}

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	// JWTSecret validates HS256 bearer tokens (optional).
	JWTSecret string

	// FrontendSecret validates X-S2B-* signed headers (optional).
	FrontendSecret string

	// AllowUnauthenticated trusts X-User-ID when no credential is presented.
	AllowUnauthenticated bool

	// IsAdmin marks operator accounts.
	IsAdmin func(userID string) bool

	// Plans, when set, receives the user's plan whenever it changes.
	Plans PlanRecorder

	Logger *slog.Logger
}

// Authenticator validates requests. It remembers the last plan recorded per
// user so the profile store is only written when a plan changes.
type Authenticator struct {
	cfg AuthConfig

	mu    sync.RWMutex
	plans map[string]string
	now   func() time.Time
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Authenticator{
		cfg:   cfg,
		plans: make(map[string]string),
		now:   time.Now,
	}
}

// Enabled reports whether any credential check is configured.
func (a *Authenticator) Enabled() bool {
	return a.cfg.JWTSecret != "" || a.cfg.FrontendSecret != ""
}

// Middleware authenticates the request and stores UserClaims in its context.
// Order: signed headers, then bearer token, then the development fallback.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.authenticate(r)
		if err != nil {
			a.cfg.Logger.Debug("authentication failed", "path", r.URL.Path, "error", err)
			http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusUnauthorized)
			return
		}

		claims.Tier = constants.NormalizeTierName(claims.Tier)
		if !constants.KnownTier(claims.Tier) {
			claims.Tier = constants.TierFree
		}
		if a.cfg.IsAdmin != nil {
			claims.Admin = a.cfg.IsAdmin(claims.UserID)
		}
		a.recordPlan(r.Context(), claims)

		ctx := WithUserClaims(r.Context(), claims)
		ctx = logging.WithUserID(ctx, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (*UserClaims, error) {
	if a.cfg.FrontendSecret != "" {
		claims, err := a.validateSignedHeaders(r)
		if err != nil {
			return nil, err
		}
		if claims != nil {
			return claims, nil
		}
	}

	if token := bearerToken(r); token != "" && a.cfg.JWTSecret != "" {
		return a.validateToken(token)
	}

	if a.cfg.AllowUnauthenticated {
		if userID := strings.TrimSpace(r.Header.Get(HeaderDevUserID)); userID != "" {
			return &UserClaims{UserID: userID, Tier: r.Header.Get(HeaderDevTier), Source: "dev"}, nil
		}
	}

	if !a.Enabled() && !a.cfg.AllowUnauthenticated {
		return nil, &AuthError{Message: "authentication not configured"}
	}
	return nil, &AuthError{Message: "missing credentials"}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return h
}

// validateSignedHeaders checks X-S2B-Signature against
// HMAC-SHA256(secret, "timestamp:userID:tier"). It returns nil claims when
// the request carries no signed headers.
func (a *Authenticator) validateSignedHeaders(r *http.Request) (*UserClaims, error) {
	signature := r.Header.Get(HeaderSignature)
	timestamp := r.Header.Get(HeaderTimestamp)
	userID := r.Header.Get(HeaderUserID)

	if signature == "" || timestamp == "" || userID == "" {
		return nil, nil
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	age := a.now().Sub(time.Unix(ts, 0))
	if age > signatureWindow || age < -signatureWindow {
		return nil, ErrTimestampExpired
	}

	tier := r.Header.Get(HeaderTier)
	expected := SignHeaders(a.cfg.FrontendSecret, timestamp, userID, tier)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return nil, ErrInvalidSignature
	}

	return &UserClaims{UserID: userID, Tier: tier, Source: "signed"}, nil
}

// SignHeaders computes the X-S2B-Signature value.
func SignHeaders(secret, timestamp, userID, tier string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + ":" + userID + ":" + tier))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Authenticator) validateToken(tokenString string) (*UserClaims, error) {
	var tc TokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &tc, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &AuthError{Message: "token expired"}
		}
		return nil, ErrInvalidToken
	}
	if tc.Subject == "" {
		return nil, ErrMissingSubject
	}

	tier := tc.Tier
	if tier == "" {
		tier = tc.Plan
	}
	return &UserClaims{UserID: tc.Subject, Tier: tier, Source: "jwt"}, nil
}

func (a *Authenticator) recordPlan(ctx context.Context, claims *UserClaims) {
	if a.cfg.Plans == nil {
		return
	}
	a.mu.RLock()
	known, ok := a.plans[claims.UserID]
	a.mu.RUnlock()
	if ok && known == claims.Tier {
		return
	}

	if err := a.cfg.Plans.Upsert(ctx, claims.UserID, claims.Tier); err != nil {
		a.cfg.Logger.Warn("failed to record user plan", "user_id", claims.UserID, "error", err)
		return
	}
	a.mu.Lock()
	a.plans[claims.UserID] = claims.Tier
	a.mu.Unlock()
}

// RequireAdmin returns middleware that requires an operator account.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetUserClaims(r.Context())
			if claims == nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if !claims.Admin {
				http.Error(w, `{"error":"admin access required"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
