// Package idempotency records which listings were already mutated today so a
// retried or restarted run never touches them twice.
package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/gujaehyung/s2b-extend/internal/repository"
)

const dayLayout = "2006-01-02"

// Store is the per-user, per-day processed set.
type Store struct {
	repo   repository.ProcessedItemRepository
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

// NewStore creates a store whose calendar days start at midnight in loc.
func NewStore(repo repository.ProcessedItemRepository, loc *time.Location, logger *slog.Logger) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{
		repo:   repo,
		loc:    loc,
		now:    time.Now,
		logger: logger.With("component", "idempotency"),
	}
}

// Today returns the current day key.
func (s *Store) Today() string {
	return s.now().In(s.loc).Format(dayLayout)
}

// IsProcessedToday reports whether listingID was marked today for userID.
func (s *Store) IsProcessedToday(ctx context.Context, userID, listingID string) (bool, error) {
	return s.repo.Exists(ctx, userID, s.Today(), listingID)
}

// MarkProcessed adds listingID to today's set. Marking twice is a no-op.
func (s *Store) MarkProcessed(ctx context.Context, userID, listingID string) error {
	now := s.now()
	return s.repo.Insert(ctx, userID, now.In(s.loc).Format(dayLayout), listingID, now)
}

// FilterUnprocessed returns ids not yet processed today, preserving order.
func (s *Store) FilterUnprocessed(ctx context.Context, userID string, ids []string) ([]string, error) {
	day := s.Today()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		done, err := s.repo.Exists(ctx, userID, day, id)
		if err != nil {
			return nil, err
		}
		if !done {
			out = append(out, id)
		}
	}
	return out, nil
}

// Purge drops audit records for days before the day containing before.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.repo.DeleteBefore(ctx, before.In(s.loc).Format(dayLayout))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("purged idempotency records", "count", n, "before", before.In(s.loc).Format(dayLayout))
	}
	return n, nil
}
