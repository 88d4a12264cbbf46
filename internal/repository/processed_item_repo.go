package repository

import (
	"context"
	"database/sql"
	"time"
)

// SQLiteProcessedItemRepository implements ProcessedItemRepository for SQLite/libsql.
type SQLiteProcessedItemRepository struct {
	db *sql.DB
}

// NewSQLiteProcessedItemRepository creates a new SQLite processed item repository.
func NewSQLiteProcessedItemRepository(db *sql.DB) *SQLiteProcessedItemRepository {
	return &SQLiteProcessedItemRepository{db: db}
}

// Exists reports whether the listing was recorded for (userID, day).
func (r *SQLiteProcessedItemRepository) Exists(ctx context.Context, userID, day, listingID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM processed_items WHERE user_id = ? AND day = ? AND listing_id = ?
	`, userID, day, listingID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Insert records a processed listing. Duplicates are ignored.
func (r *SQLiteProcessedItemRepository) Insert(ctx context.Context, userID, day, listingID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO processed_items (user_id, day, listing_id, processed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, day, listing_id) DO NOTHING
	`, userID, day, listingID, formatTime(at))
	return err
}

// DeleteBefore removes records for days before day (YYYY-MM-DD).
func (r *SQLiteProcessedItemRepository) DeleteBefore(ctx context.Context, day string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM processed_items WHERE day < ?`, day)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
