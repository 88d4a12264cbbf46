// Package repository defines data access for profiles, accounts, quota
// counters, idempotency records, schedules, cookies and run history.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gujaehyung/s2b-extend/internal/crypto"
	"github.com/gujaehyung/s2b-extend/internal/models"
)

// ErrNotFound is returned by getters when the row does not exist.
var ErrNotFound = errors.New("not found")

// ProfileRepository stores the subscription plan of each user.
type ProfileRepository interface {
	// GetPlan returns the user's plan, or "free" when no profile exists.
	GetPlan(ctx context.Context, userID string) (string, error)
	Upsert(ctx context.Context, userID, plan string) error
}

// AccountRepository stores portal accounts and their encrypted credentials.
type AccountRepository interface {
	Upsert(ctx context.Context, account *models.Account) error
	Get(ctx context.Context, userID, accountID string) (*models.Account, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Account, error)
	Delete(ctx context.Context, userID, accountID string) error
}

// QuotaRepository stores per-period processed counters.
type QuotaRepository interface {
	Get(ctx context.Context, userID, period string) (int, error)
	// Increment adds one to the (user, period) counter and to the user's
	// all-time total in one transaction, returning the new period count.
	Increment(ctx context.Context, userID, period string) (int, error)
	TotalProcessed(ctx context.Context, userID string) (int, error)
}

// ProcessedItemRepository stores the per-day idempotency sets.
type ProcessedItemRepository interface {
	Exists(ctx context.Context, userID, day, listingID string) (bool, error)
	// Insert records the listing; inserting an existing record is a no-op.
	Insert(ctx context.Context, userID, day, listingID string, at time.Time) error
	// DeleteBefore drops all records for days lexically before day.
	DeleteBefore(ctx context.Context, day string) (int64, error)
}

// ScheduleRepository stores periodic automation entries.
type ScheduleRepository interface {
	Get(ctx context.Context, userID, accountID string) (*models.ScheduleEntry, error)
	ListByUser(ctx context.Context, userID string) ([]*models.ScheduleEntry, error)
	// ListDue returns active entries with next_run_at <= now, oldest first.
	ListDue(ctx context.Context, now time.Time) ([]*models.ScheduleEntry, error)
	Upsert(ctx context.Context, entry *models.ScheduleEntry) error
	SetActive(ctx context.Context, userID, accountID string, active bool) error
	RecordRun(ctx context.Context, userID, accountID, sessionID string, status models.SessionStatus, lastRun, nextRun time.Time) error
}

// CookieRepository caches portal cookies per (user, login id).
type CookieRepository interface {
	Load(ctx context.Context, userID, loginID string) ([]models.PortalCookie, time.Time, error)
	Save(ctx context.Context, userID, loginID string, cookies []models.PortalCookie) error
	Delete(ctx context.Context, userID, loginID string) error
}

// HistoryRepository stores completion records and the recent-activity feed.
type HistoryRepository interface {
	AddCompletion(ctx context.Context, rec *models.CompletionRecord, keep int) error
	ListCompletions(ctx context.Context, userID string, limit int) ([]*models.CompletionRecord, error)
	AddActivity(ctx context.Context, activity *models.Activity, keep int) error
	ListActivities(ctx context.Context, userID string, limit int) ([]*models.Activity, error)
	// ListCompletionsSince returns records completed at or after since, oldest first.
	ListCompletionsSince(ctx context.Context, userID string, since time.Time) ([]*models.CompletionRecord, error)
	ClearActivities(ctx context.Context, userID string) (int64, error)
}

// Repositories groups all repositories.
type Repositories struct {
	Profile       ProfileRepository
	Account       AccountRepository
	Quota         QuotaRepository
	ProcessedItem ProcessedItemRepository
	Schedule      ScheduleRepository
	Cookie        CookieRepository
	History       HistoryRepository
}

// NewRepositories creates all repositories. enc protects credentials and cookies.
func NewRepositories(db *sql.DB, enc *crypto.Encryptor) *Repositories {
	return &Repositories{
		Profile:       NewSQLiteProfileRepository(db),
		Account:       NewSQLiteAccountRepository(db, enc),
		Quota:         NewSQLiteQuotaRepository(db),
		ProcessedItem: NewSQLiteProcessedItemRepository(db),
		Schedule:      NewSQLiteScheduleRepository(db),
		Cookie:        NewSQLiteCookieRepository(db, enc),
		History:       NewSQLiteHistoryRepository(db),
	}
}

// timeLayout is fixed-width UTC so stored timestamps compare correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
