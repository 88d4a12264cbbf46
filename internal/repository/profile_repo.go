package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gujaehyung/s2b-extend/internal/constants"
)

// SQLiteProfileRepository implements ProfileRepository for SQLite/libsql.
type SQLiteProfileRepository struct {
	db *sql.DB
}

// NewSQLiteProfileRepository creates a new SQLite profile repository.
func NewSQLiteProfileRepository(db *sql.DB) *SQLiteProfileRepository {
	return &SQLiteProfileRepository{db: db}
}

// GetPlan returns the stored plan for userID, defaulting to the free tier.
func (r *SQLiteProfileRepository) GetPlan(ctx context.Context, userID string) (string, error) {
	var plan string
	err := r.db.QueryRowContext(ctx, `SELECT plan FROM profiles WHERE user_id = ?`, userID).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
		return constants.TierFree, nil
	}
	if err != nil {
		return "", err
	}
	return constants.NormalizeTierName(plan), nil
}

// Upsert records the user's current plan.
func (r *SQLiteProfileRepository) Upsert(ctx context.Context, userID, plan string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, plan, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			plan = excluded.plan,
			updated_at = excluded.updated_at
	`, userID, constants.NormalizeTierName(plan), formatTime(time.Now()))
	return err
}
