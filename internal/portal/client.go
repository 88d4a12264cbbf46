// Package portal talks to the s2b.kr vendor portal. A heavy strategy logs in
// through a real browser and captures cookies; a light strategy replays those
// cookies over plain HTTP for listing search and mutation. Session combines
// both behind the Client contract.
package portal

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrSessionExpired is returned when the portal bounces a request to its login page.
	ErrSessionExpired = errors.New("portal session expired")
	// ErrListingNotFound is returned when a listing detail page has no price form.
	ErrListingNotFound = errors.New("listing not found")
	// ErrUnexpectedPage is returned when a search page cannot be parsed.
	ErrUnexpectedPage = errors.New("unexpected portal page")
)

// AuthenticationError is fatal for a run: the credentials were rejected, the
// login timed out, or the session could not be re-established.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("portal authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "portal authentication failed: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// IsAuthenticationError reports whether err carries an *AuthenticationError.
func IsAuthenticationError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// Client is the portal contract used by the processing pipeline.
type Client interface {
	// Login establishes a portal session.
	Login(ctx context.Context) error
	// ListEligible returns one page of listing ids whose deadline falls in the
	// search window. An empty next token means there are no more pages.
	ListEligible(ctx context.Context, pageToken string) (ids []string, next string, err error)
	// GetPrice reads the current unit price of a listing.
	GetPrice(ctx context.Context, id string) (int64, error)
	UpdatePrice(ctx context.Context, id string, newPrice int64) error
	ExtendDeadline(ctx context.Context, id string) error
}

// NewPrice raises old by ratePercent and rounds to the nearest 100 won.
func NewPrice(old int64, ratePercent float64) int64 {
	raised := float64(old) * (1 + ratePercent/100)
	return int64(math.Round(raised/100)) * 100
}
