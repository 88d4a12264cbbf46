package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteQuotaRepository implements QuotaRepository for SQLite/libsql.
type SQLiteQuotaRepository struct {
	db *sql.DB
}

// NewSQLiteQuotaRepository creates a new SQLite quota repository.
func NewSQLiteQuotaRepository(db *sql.DB) *SQLiteQuotaRepository {
	return &SQLiteQuotaRepository{db: db}
}

// Get returns the processed count for (userID, period), 0 when absent.
func (r *SQLiteQuotaRepository) Get(ctx context.Context, userID, period string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT processed FROM quota_counters WHERE user_id = ? AND period = ?`,
		userID, period,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// Increment bumps the period counter and the all-time total atomically.
func (r *SQLiteQuotaRepository) Increment(ctx context.Context, userID, period string) (int, error) {
	now := formatTime(time.Now())

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO quota_counters (user_id, period, processed, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(user_id, period) DO UPDATE SET
			processed = quota_counters.processed + 1,
			updated_at = excluded.updated_at
	`, userID, period, now); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_totals (user_id, total_processed, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total_processed = usage_totals.total_processed + 1,
			updated_at = excluded.updated_at
	`, userID, now); err != nil {
		return 0, err
	}

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT processed FROM quota_counters WHERE user_id = ? AND period = ?`,
		userID, period,
	).Scan(&n); err != nil {
		return 0, err
	}

	return n, tx.Commit()
}

// TotalProcessed returns the user's all-time processed count.
func (r *SQLiteQuotaRepository) TotalProcessed(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT total_processed FROM usage_totals WHERE user_id = ?`, userID,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}
