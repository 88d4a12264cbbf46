package handlers

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gujaehyung/s2b-extend/internal/constants"
	"github.com/gujaehyung/s2b-extend/internal/logging"
	"github.com/gujaehyung/s2b-extend/internal/models"
	"github.com/gujaehyung/s2b-extend/internal/repository"
)

// AccountHandler manages the portal credentials of a user.
type AccountHandler struct {
	accounts  repository.AccountRepository
	cookies   repository.CookieRepository
	schedules repository.ScheduleRepository
	logger    *slog.Logger
}

// NewAccountHandler creates an account handler.
func NewAccountHandler(accounts repository.AccountRepository, cookies repository.CookieRepository, schedules repository.ScheduleRepository, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		accounts:  accounts,
		cookies:   cookies,
		schedules: schedules,
		logger:    logger.With("component", "account_handler"),
	}
}

// ListAccountsOutput represents the account list.
type ListAccountsOutput struct {
	Body struct {
		Accounts []*models.Account `json:"accounts"`
	}
}

// ListAccounts returns the caller's accounts. Passwords are never returned.
func (h *AccountHandler) ListAccounts(ctx context.Context, input *struct{}) (*ListAccountsOutput, error) {
	claims, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	accounts, err := h.accounts.ListByUser(ctx, claims.UserID)
	if err != nil {
		logging.FromContext(ctx, h.logger).Error("failed to list accounts", "error", err)
		return nil, huma.Error500InternalServerError("failed to list accounts")
	}
	out := &ListAccountsOutput{}
	out.Body.Accounts = nonNil(accounts)
	return out, nil
}

// PutAccountInput creates or updates an account.
type PutAccountInput struct {
	ID   string `path:"id" doc:"Account ID"`
	Body struct {
		Name              string  `json:"name,omitempty" doc:"Display name"`
		LoginID           string  `json:"loginId" doc:"Portal login ID"`
		Password          string  `json:"password,omitempty" doc:"Portal password (kept unchanged when empty)"`
		PriceIncreaseRate float64 `json:"priceIncreaseRate" doc:"Default price increase percentage, 1-100"`
	}
}

// AccountOutput represents a single account.
type AccountOutput struct {
	Body *models.Account
}

// PutAccount stores an account. Changing the login ID drops cached cookies
// of the previous login.
func (h *AccountHandler) PutAccount(ctx context.Context, input *PutAccountInput) (*AccountOutput, error) {
	claims, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	logger := logging.FromContext(ctx, h.logger)

	id := strings.TrimSpace(input.ID)
	loginID := strings.TrimSpace(input.Body.LoginID)
	rate := input.Body.PriceIncreaseRate
	if id == "" {
		return nil, huma.Error400BadRequest("account id is required")
	}
	if loginID == "" {
		return nil, huma.Error400BadRequest("loginId is required")
	}
	if rate < constants.MinPriceRate || rate > constants.MaxPriceRate {
		return nil, huma.Error400BadRequest("priceIncreaseRate must be between 1 and 100")
	}

	existing, err := h.accounts.Get(ctx, claims.UserID, id)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		logger.Error("failed to load account", "account_id", id, "error", err)
		return nil, huma.Error500InternalServerError("failed to save account")
	}

	account := &models.Account{
		ID:        id,
		UserID:    claims.UserID,
		Name:      strings.TrimSpace(input.Body.Name),
		LoginID:   loginID,
		Password:  input.Body.Password,
		PriceRate: rate,
	}
	if existing != nil {
		account.CreatedAt = existing.CreatedAt
		if account.Password == "" {
			account.Password = existing.Password
		}
		if account.Name == "" {
			account.Name = existing.Name
		}
	}
	if account.Password == "" {
		return nil, huma.Error400BadRequest("password is required")
	}
	if account.Name == "" {
		account.Name = loginID
	}

	if err := h.accounts.Upsert(ctx, account); err != nil {
		logger.Error("failed to save account", "account_id", id, "error", err)
		return nil, huma.Error500InternalServerError("failed to save account")
	}

	if existing != nil && existing.LoginID != loginID {
		if err := h.cookies.Delete(ctx, claims.UserID, existing.LoginID); err != nil {
			logger.Warn("failed to drop cached cookies", "account_id", id, "error", err)
		}
	}

	logger.Info("account saved", "account_id", id, "created", existing == nil)
	return &AccountOutput{Body: account}, nil
}

// AccountIDInput selects an account by path.
type AccountIDInput struct {
	ID string `path:"id" doc:"Account ID"`
}

// DeleteAccount removes an account, its cached cookies and its schedule.
func (h *AccountHandler) DeleteAccount(ctx context.Context, input *AccountIDInput) (*struct{}, error) {
	claims, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	logger := logging.FromContext(ctx, h.logger)

	account, err := h.accounts.Get(ctx, claims.UserID, input.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, huma.Error404NotFound("account not found")
	}
	if err != nil {
		logger.Error("failed to load account", "account_id", input.ID, "error", err)
		return nil, huma.Error500InternalServerError("failed to delete account")
	}

	if err := h.accounts.Delete(ctx, claims.UserID, input.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, huma.Error404NotFound("account not found")
		}
		logger.Error("failed to delete account", "account_id", input.ID, "error", err)
		return nil, huma.Error500InternalServerError("failed to delete account")
	}

	if err := h.cookies.Delete(ctx, claims.UserID, account.LoginID); err != nil {
		logger.Warn("failed to drop cached cookies", "account_id", input.ID, "error", err)
	}
	if err := h.schedules.SetActive(ctx, claims.UserID, input.ID, false); err != nil && !errors.Is(err, repository.ErrNotFound) {
		logger.Warn("failed to deactivate schedule", "account_id", input.ID, "error", err)
	}

	logger.Info("account deleted", "account_id", input.ID)
	return nil, nil
}
