package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gujaehyung/s2b-extend/internal/models"
)

// SQLiteScheduleRepository implements ScheduleRepository for SQLite/libsql.
type SQLiteScheduleRepository struct {
	db *sql.DB
}

// NewSQLiteScheduleRepository creates a new SQLite schedule repository.
func NewSQLiteScheduleRepository(db *sql.DB) *SQLiteScheduleRepository {
	return &SQLiteScheduleRepository{db: db}
}

const scheduleColumns = `user_id, account_id, active, last_run_at, next_run_at, last_session_id, last_status, created_at, updated_at`

// Get returns one entry, or ErrNotFound.
func (r *SQLiteScheduleRepository) Get(ctx context.Context, userID, accountID string) (*models.ScheduleEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedule_entries WHERE user_id = ? AND account_id = ?`,
		userID, accountID,
	)
	entry, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

// ListByUser returns all of a user's entries ordered by next run.
func (r *SQLiteScheduleRepository) ListByUser(ctx context.Context, userID string) ([]*models.ScheduleEntry, error) {
	return r.query(ctx,
		`SELECT `+scheduleColumns+` FROM schedule_entries WHERE user_id = ? ORDER BY next_run_at, account_id`,
		userID,
	)
}

// ListDue returns active entries whose next run is at or before now.
func (r *SQLiteScheduleRepository) ListDue(ctx context.Context, now time.Time) ([]*models.ScheduleEntry, error) {
	return r.query(ctx,
		`SELECT `+scheduleColumns+` FROM schedule_entries WHERE active = 1 AND next_run_at <= ? ORDER BY next_run_at, user_id, account_id`,
		formatTime(now),
	)
}

// Upsert creates or replaces an entry.
func (r *SQLiteScheduleRepository) Upsert(ctx context.Context, e *models.ScheduleEntry) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	var lastRun any
	if e.LastRunAt != nil {
		lastRun = formatTime(*e.LastRunAt)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schedule_entries (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, account_id) DO UPDATE SET
			active = excluded.active,
			last_run_at = excluded.last_run_at,
			next_run_at = excluded.next_run_at,
			last_session_id = excluded.last_session_id,
			last_status = excluded.last_status,
			updated_at = excluded.updated_at
	`,
		e.UserID,
		e.AccountID,
		boolToInt(e.Active),
		lastRun,
		formatTime(e.NextRunAt),
		e.LastSessionID,
		string(e.LastStatus),
		formatTime(e.CreatedAt),
		formatTime(e.UpdatedAt),
	)
	return err
}

// SetActive flips the active flag of one entry.
func (r *SQLiteScheduleRepository) SetActive(ctx context.Context, userID, accountID string, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE schedule_entries SET active = ?, updated_at = ? WHERE user_id = ? AND account_id = ?`,
		boolToInt(active), formatTime(time.Now()), userID, accountID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordRun stores the outcome of a run and the next due time.
func (r *SQLiteScheduleRepository) RecordRun(ctx context.Context, userID, accountID, sessionID string, status models.SessionStatus, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE schedule_entries
		SET last_run_at = ?, next_run_at = ?, last_session_id = ?, last_status = ?, updated_at = ?
		WHERE user_id = ? AND account_id = ?
	`,
		formatTime(lastRun), formatTime(nextRun), sessionID, string(status), formatTime(time.Now()),
		userID, accountID,
	)
	return err
}

func (r *SQLiteScheduleRepository) query(ctx context.Context, q string, args ...any) ([]*models.ScheduleEntry, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.ScheduleEntry
	for rows.Next() {
		e, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanSchedule(row scanner) (*models.ScheduleEntry, error) {
	var e models.ScheduleEntry
	var active int
	var lastRun sql.NullString
	var nextRun, lastStatus, createdAt, updatedAt string
	if err := row.Scan(&e.UserID, &e.AccountID, &active, &lastRun, &nextRun, &e.LastSessionID, &lastStatus, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.Active = active == 1
	e.LastRunAt = parseNullTime(lastRun)
	e.NextRunAt = parseTime(nextRun)
	e.LastStatus = models.SessionStatus(lastStatus)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
