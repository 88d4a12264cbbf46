package mw

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// userKey keys rate limits by authenticated user, falling back to client IP.
func userKey(r *http.Request) (string, error) {
	claims := GetUserClaims(r.Context())
	if claims == nil || claims.UserID == "" {
		return httprate.KeyByIP(r)
	}
	return "user:" + claims.UserID, nil
}

// RateLimitByUser limits each user to perMinute requests per minute.
// Apply it after authentication. perMinute <= 0 disables the limit.
func RateLimitByUser(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(perMinute, time.Minute, httprate.WithKeyFuncs(userKey))
}
