package handlers

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gujaehyung/s2b-extend/internal/archive"
	"github.com/gujaehyung/s2b-extend/internal/constants"
	"github.com/gujaehyung/s2b-extend/internal/http/mw"
	"github.com/gujaehyung/s2b-extend/internal/logging"
	"github.com/gujaehyung/s2b-extend/internal/models"
	"github.com/gujaehyung/s2b-extend/internal/quota"
	"github.com/gujaehyung/s2b-extend/internal/repository"
	"github.com/gujaehyung/s2b-extend/internal/session"
)

// SessionService is the session manager surface used by the HTTP layer.
type SessionService interface {
	Start(ctx context.Context, userID string, cfg models.AccountConfig) (string, error)
	Get(id string) (models.Snapshot, error)
	ActiveForUser(userID string) (models.Snapshot, bool)
	Cancel(id string) bool
	StopAll() int
	Subscribe(ctx context.Context, id string) (<-chan models.ProgressEvent, func(), error)
	Running() int
}

// ArchiveReader loads finished sessions that left the in-memory registry.
type ArchiveReader interface {
	Load(ctx context.Context, userID, sessionID string) (*archive.Record, error)
}

// AutomationHandler handles automation session endpoints.
type AutomationHandler struct {
	sessions SessionService
	accounts repository.AccountRepository
	archive  ArchiveReader
	logger   *slog.Logger
}

// NewAutomationHandler creates an automation handler. archive may be nil.
func NewAutomationHandler(sessions SessionService, accounts repository.AccountRepository, archived ArchiveReader, logger *slog.Logger) *AutomationHandler {
	return &AutomationHandler{
		sessions: sessions,
		accounts: accounts,
		archive:  archived,
		logger:   logger.With("component", "automation_handler"),
	}
}

// StartSessionInput represents a start request. Omitted credentials and
// rate are filled from the stored account.
type StartSessionInput struct {
	Body struct {
		AccountID         string   `json:"accountId" doc:"Account to run"`
		LoginID           string   `json:"loginId,omitempty" doc:"Portal login ID (defaults to the stored account)"`
		Password          string   `json:"password,omitempty" doc:"Portal password (defaults to the stored account)"`
		PriceIncreaseRate *float64 `json:"priceIncreaseRate,omitempty" doc:"Price increase percentage, 1-100"`
	}
}

// StartSessionOutput represents the start response.
type StartSessionOutput struct {
	Body struct {
		SessionID string               `json:"sessionId"`
		Status    models.SessionStatus `json:"status"`
	}
}

// Start starts an automation session for the caller.
func (h *AutomationHandler) Start(ctx context.Context, input *StartSessionInput) (*StartSessionOutput, error) {
	claims, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}

	cfg := models.AccountConfig{
		AccountID: strings.TrimSpace(input.Body.AccountID),
		LoginID:   strings.TrimSpace(input.Body.LoginID),
		Password:  input.Body.Password,
		Plan:      userPlan(claims),
		Trigger:   models.TriggerManual,
	}
	if input.Body.PriceIncreaseRate != nil {
		cfg.PriceRate = *input.Body.PriceIncreaseRate
	}

	if cfg.AccountID != "" && (cfg.LoginID == "" || cfg.Password == "" || input.Body.PriceIncreaseRate == nil) {
		account, err := h.accounts.Get(ctx, claims.UserID, cfg.AccountID)
		switch {
		case err == nil:
			if cfg.LoginID == "" {
				cfg.LoginID = account.LoginID
			}
			if cfg.Password == "" {
				cfg.Password = account.Password
			}
			if input.Body.PriceIncreaseRate == nil {
				cfg.PriceRate = account.PriceRate
			}
		case errors.Is(err, repository.ErrNotFound):
			// Validation below reports whatever is still missing.
		default:
			logging.FromContext(ctx, h.logger).Error("failed to load account", "account_id", cfg.AccountID, "error", err)
			return nil, huma.Error500InternalServerError("failed to load account")
		}
	}

	id, err := h.sessions.Start(ctx, claims.UserID, cfg)
	if err != nil {
		return nil, startError(claims, err)
	}

	out := &StartSessionOutput{}
	out.Body.SessionID = id
	out.Body.Status = models.StatusPending
	return out, nil
}

func startError(claims *mw.UserClaims, err error) error {
	var exceeded *quota.ExceededError
	switch {
	case errors.Is(err, models.ErrInvalidAccountConfig):
		return huma.Error400BadRequest(err.Error())
	case errors.As(err, &exceeded):
		return huma.Error403Forbidden(exceeded.Error())
	case errors.Is(err, quota.ErrQuotaExceeded):
		return huma.Error403Forbidden(constants.QuotaExceededMessage(userPlan(claims)))
	case errors.Is(err, session.ErrConflict):
		return huma.Error409Conflict(constants.ActiveSessionMessage())
	case errors.Is(err, session.ErrManagerClosed):
		return huma.Error503ServiceUnavailable("service is shutting down")
	default:
		return huma.Error500InternalServerError("failed to start session")
	}
}

// SessionIDInput selects a session by path.
type SessionIDInput struct {
	ID string `path:"id" doc:"Session ID"`
}

// SessionView is a session snapshot trimmed to its most recent log entries.
type SessionView struct {
	models.Snapshot
	Stats    models.SessionStats `json:"stats"`
	Archived bool                `json:"archived,omitempty"`
}

// GetSessionOutput represents the session query response.
type GetSessionOutput struct {
	Body SessionView
}

// GetSession returns progress, result, stats and recent logs of a session
// owned by the caller. Sessions purged from memory are served from the
// archive when one is configured.
func (h *AutomationHandler) GetSession(ctx context.Context, input *SessionIDInput) (*GetSessionOutput, error) {
	claims, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}

	snap, err := h.ownedSession(claims.UserID, input.ID)
	if err == nil {
		snap.Logs = snap.RecentLogs(constants.RecentLogEntries)
		return &GetSessionOutput{Body: SessionView{
			Snapshot: snap,
			Stats:    snap.Stats(time.Now()),
		}}, nil
	}

	if h.archive != nil {
		rec, aerr := h.archive.Load(ctx, claims.UserID, input.ID)
		if aerr == nil {
			snap := rec.Session
			snap.Logs = snap.RecentLogs(constants.RecentLogEntries)
			return &GetSessionOutput{Body: SessionView{Snapshot: snap, Stats: rec.Stats, Archived: true}}, nil
		}
		if !errors.Is(aerr, archive.ErrNotFound) && !errors.Is(aerr, archive.ErrDisabled) {
			logging.FromContext(ctx, h.logger).Warn("failed to load archived session", "session_id", input.ID, "error", aerr)
		}
	}
	return nil, huma.Error404NotFound("session not found")
}

// ownedSession hides sessions of other users behind ErrSessionNotFound.
func (h *AutomationHandler) ownedSession(userID, id string) (models.Snapshot, error) {
	snap, err := h.sessions.Get(id)
	if err != nil {
		return models.Snapshot{}, err
	}
	if snap.UserID != userID {
		return models.Snapshot{}, session.ErrSessionNotFound
	}
	return snap, nil
}

// CancelSessionOutput represents the cancel response.
type CancelSessionOutput struct {
	Body struct {
		Cancelled bool                 `json:"cancelled"`
		Status    models.SessionStatus `json:"status"`
	}
}

// CancelSession requests cancellation. Repeating the call is harmless.
func (h *AutomationHandler) CancelSession(ctx context.Context, input *SessionIDInput) (*CancelSessionOutput, error) {
	claims, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := h.ownedSession(claims.UserID, input.ID)
	if err != nil {
		return nil, huma.Error404NotFound("session not found")
	}

	cancelled := h.sessions.Cancel(input.ID)
	logging.FromContext(ctx, h.logger).Info("cancel requested",
		"session_id", input.ID,
		"cancelled", cancelled,
		"status", snap.Status,
	)

	out := &CancelSessionOutput{}
	out.Body.Cancelled = cancelled
	out.Body.Status = snap.Status
	return out, nil
}

// ActiveSessionOutput reports the caller's running session, if any.
type ActiveSessionOutput struct {
	Body struct {
		Active  bool         `json:"active"`
		Session *SessionView `json:"session,omitempty"`
	}
}

// ActiveSession returns the caller's non-terminal session.
func (h *AutomationHandler) ActiveSession(ctx context.Context, input *struct{}) (*ActiveSessionOutput, error) {
	claims, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	out := &ActiveSessionOutput{}
	if snap, ok := h.sessions.ActiveForUser(claims.UserID); ok {
		snap.Logs = snap.RecentLogs(constants.RecentLogEntries)
		out.Body.Active = true
		out.Body.Session = &SessionView{Snapshot: snap, Stats: snap.Stats(time.Now())}
	}
	return out, nil
}

// StopAllOutput represents the stop-all response.
type StopAllOutput struct {
	Body struct {
		Stopped int `json:"stopped"`
	}
}

// StopAll cancels every running session. Admin only.
func (h *AutomationHandler) StopAll(ctx context.Context, input *struct{}) (*StopAllOutput, error) {
	claims, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	if !claims.Admin {
		return nil, huma.Error403Forbidden("admin access required")
	}

	n := h.sessions.StopAll()
	logging.FromContext(ctx, h.logger).Warn("stop-all requested", "stopped", n)

	out := &StopAllOutput{}
	out.Body.Stopped = n
	return out, nil
}
