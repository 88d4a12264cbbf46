package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/gujaehyung/s2b-extend/internal/crypto"
	"github.com/gujaehyung/s2b-extend/internal/models"
)

// SQLiteAccountRepository implements AccountRepository for SQLite/libsql.
// Passwords are encrypted with the configured Encryptor before they are stored.
type SQLiteAccountRepository struct {
	db  *sql.DB
	enc *crypto.Encryptor
}

// NewSQLiteAccountRepository creates a new SQLite account repository.
func NewSQLiteAccountRepository(db *sql.DB, enc *crypto.Encryptor) *SQLiteAccountRepository {
	return &SQLiteAccountRepository{db: db, enc: enc}
}

// Upsert creates or replaces an account. An empty ID is assigned a ULID.
func (r *SQLiteAccountRepository) Upsert(ctx context.Context, account *models.Account) error {
	now := time.Now().UTC()
	if account.ID == "" {
		account.ID = ulid.Make().String()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	passwordEnc, err := r.enc.Encrypt(account.Password)
	if err != nil {
		return fmt.Errorf("failed to encrypt password: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, name, login_id, password_enc, price_rate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			login_id = excluded.login_id,
			password_enc = excluded.password_enc,
			price_rate = excluded.price_rate,
			updated_at = excluded.updated_at
		WHERE accounts.user_id = excluded.user_id
	`,
		account.ID,
		account.UserID,
		account.Name,
		account.LoginID,
		passwordEnc,
		account.PriceRate,
		formatTime(account.CreatedAt),
		formatTime(account.UpdatedAt),
	)
	return err
}

// Get retrieves one of the user's accounts, or ErrNotFound.
func (r *SQLiteAccountRepository) Get(ctx context.Context, userID, accountID string) (*models.Account, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, login_id, password_enc, price_rate, created_at, updated_at
		FROM accounts
		WHERE id = ? AND user_id = ?
	`, accountID, userID)

	account, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return account, err
}

// ListByUser returns the user's accounts in creation order.
func (r *SQLiteAccountRepository) ListByUser(ctx context.Context, userID string) ([]*models.Account, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, name, login_id, password_enc, price_rate, created_at, updated_at
		FROM accounts
		WHERE user_id = ?
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// Delete removes one of the user's accounts.
func (r *SQLiteAccountRepository) Delete(ctx context.Context, userID, accountID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ? AND user_id = ?`, accountID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *SQLiteAccountRepository) scan(row scanner) (*models.Account, error) {
	var a models.Account
	var passwordEnc, createdAt, updatedAt string
	if err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.LoginID, &passwordEnc, &a.PriceRate, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	password, err := r.enc.Decrypt(passwordEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt password for account %s: %w", a.ID, err)
	}
	a.Password = password
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}
