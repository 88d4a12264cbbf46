package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/gujaehyung/s2b-extend/internal/models"
)

// SQLiteHistoryRepository implements HistoryRepository for SQLite/libsql.
type SQLiteHistoryRepository struct {
	db *sql.DB
}

// NewSQLiteHistoryRepository creates a new SQLite history repository.
func NewSQLiteHistoryRepository(db *sql.DB) *SQLiteHistoryRepository {
	return &SQLiteHistoryRepository{db: db}
}

// AddCompletion appends a completion record and trims the user's history
// to the newest keep entries. keep <= 0 disables trimming.
func (r *SQLiteHistoryRepository) AddCompletion(ctx context.Context, rec *models.CompletionRecord, keep int) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO completion_history (id, user_id, session_id, account_id, trigger_kind, status,
			processed_items, failed_items, total_items, summary, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.UserID, rec.SessionID, rec.AccountID, string(rec.Trigger), string(rec.Status),
		rec.ProcessedItems, rec.FailedItems, rec.TotalItems, rec.Summary,
		formatTime(rec.StartedAt), formatTime(rec.CompletedAt),
	); err != nil {
		return err
	}

	if keep > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM completion_history
			WHERE user_id = ? AND id NOT IN (
				SELECT id FROM completion_history WHERE user_id = ?
				ORDER BY completed_at DESC, id DESC LIMIT ?
			)
		`, rec.UserID, rec.UserID, keep); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListCompletions returns the newest completion records first.
func (r *SQLiteHistoryRepository) ListCompletions(ctx context.Context, userID string, limit int) ([]*models.CompletionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, account_id, trigger_kind, status,
			processed_items, failed_items, total_items, summary, started_at, completed_at
		FROM completion_history
		WHERE user_id = ?
		ORDER BY completed_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanCompletions(rows)
}

// ListCompletionsSince returns the records completed at or after since, oldest first.
func (r *SQLiteHistoryRepository) ListCompletionsSince(ctx context.Context, userID string, since time.Time) ([]*models.CompletionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, account_id, trigger_kind, status,
			processed_items, failed_items, total_items, summary, started_at, completed_at
		FROM completion_history
		WHERE user_id = ? AND completed_at >= ?
		ORDER BY completed_at ASC, id ASC
	`, userID, formatTime(since))
	if err != nil {
		return nil, err
	}
	return scanCompletions(rows)
}

func scanCompletions(rows *sql.Rows) ([]*models.CompletionRecord, error) {
	defer rows.Close()

	var records []*models.CompletionRecord
	for rows.Next() {
		var rec models.CompletionRecord
		var trigger, status, startedAt, completedAt string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.SessionID, &rec.AccountID, &trigger, &status,
			&rec.ProcessedItems, &rec.FailedItems, &rec.TotalItems, &rec.Summary, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		rec.Trigger = models.Trigger(trigger)
		rec.Status = models.SessionStatus(status)
		rec.StartedAt = parseTime(startedAt)
		rec.CompletedAt = parseTime(completedAt)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// AddActivity appends to the recent-activity feed, keeping the newest keep entries.
func (r *SQLiteHistoryRepository) AddActivity(ctx context.Context, a *models.Activity, keep int) error {
	if a.ID == "" {
		a.ID = ulid.Make().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO activities (id, user_id, session_id, item_id, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.SessionID, a.ItemID, a.Message, formatTime(a.CreatedAt)); err != nil {
		return err
	}

	if keep > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM activities
			WHERE user_id = ? AND id NOT IN (
				SELECT id FROM activities WHERE user_id = ?
				ORDER BY created_at DESC, id DESC LIMIT ?
			)
		`, a.UserID, a.UserID, keep); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListActivities returns the newest activities first.
func (r *SQLiteHistoryRepository) ListActivities(ctx context.Context, userID string, limit int) ([]*models.Activity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, item_id, message, created_at
		FROM activities
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []*models.Activity
	for rows.Next() {
		var a models.Activity
		var createdAt string
		if err := rows.Scan(&a.ID, &a.UserID, &a.SessionID, &a.ItemID, &a.Message, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		activities = append(activities, &a)
	}
	return activities, rows.Err()
}

// ClearActivities empties the user's recent-activity feed. Completion
// history is kept.
func (r *SQLiteHistoryRepository) ClearActivities(ctx context.Context, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM activities WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
