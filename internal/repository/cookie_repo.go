package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gujaehyung/s2b-extend/internal/crypto"
	"github.com/gujaehyung/s2b-extend/internal/models"
)

// SQLiteCookieRepository implements CookieRepository for SQLite/libsql.
// The cookie jar is stored as encrypted JSON.
type SQLiteCookieRepository struct {
	db  *sql.DB
	enc *crypto.Encryptor
}

// NewSQLiteCookieRepository creates a new SQLite cookie repository.
func NewSQLiteCookieRepository(db *sql.DB, enc *crypto.Encryptor) *SQLiteCookieRepository {
	return &SQLiteCookieRepository{db: db, enc: enc}
}

// Load returns the cached cookies and their capture time, or ErrNotFound.
func (r *SQLiteCookieRepository) Load(ctx context.Context, userID, loginID string) ([]models.PortalCookie, time.Time, error) {
	var blob, capturedAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT cookies_enc, captured_at FROM portal_cookies WHERE user_id = ? AND login_id = ?`,
		userID, loginID,
	).Scan(&blob, &capturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}

	plain, err := r.enc.Decrypt(blob)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to decrypt cookies: %w", err)
	}
	var cookies []models.PortalCookie
	if err := json.Unmarshal([]byte(plain), &cookies); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to decode cookies: %w", err)
	}
	return cookies, parseTime(capturedAt), nil
}

// Save replaces the cached cookies for (userID, loginID).
func (r *SQLiteCookieRepository) Save(ctx context.Context, userID, loginID string, cookies []models.PortalCookie) error {
	data, err := json.Marshal(cookies)
	if err != nil {
		return err
	}
	blob, err := r.enc.Encrypt(string(data))
	if err != nil {
		return fmt.Errorf("failed to encrypt cookies: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO portal_cookies (user_id, login_id, cookies_enc, captured_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, login_id) DO UPDATE SET
			cookies_enc = excluded.cookies_enc,
			captured_at = excluded.captured_at
	`, userID, loginID, blob, formatTime(time.Now()))
	return err
}

// Delete drops the cached cookies. Deleting a missing entry is not an error.
func (r *SQLiteCookieRepository) Delete(ctx context.Context, userID, loginID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM portal_cookies WHERE user_id = ? AND login_id = ?`, userID, loginID)
	return err
}
