package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gujaehyung/s2b-extend/internal/logging"
	"github.com/gujaehyung/s2b-extend/internal/models"
	"github.com/gujaehyung/s2b-extend/internal/quota"
	"github.com/gujaehyung/s2b-extend/internal/scheduler"
	"github.com/gujaehyung/s2b-extend/internal/session"
)

// ScheduleService is the scheduler surface used by the HTTP layer.
type ScheduleService interface {
	Enable(ctx context.Context, userID, plan string, accountIDs []string) ([]*models.ScheduleEntry, error)
	Disable(ctx context.Context, userID string) (int, error)
	Status(ctx context.Context, userID, plan string) (*scheduler.Status, error)
	RunNow(ctx context.Context, userID, accountID string) (string, error)
}

// ScheduleHandler handles periodic automation settings.
type ScheduleHandler struct {
	schedules ScheduleService
	logger    *slog.Logger
}

// NewScheduleHandler creates a schedule handler.
func NewScheduleHandler(schedules ScheduleService, logger *slog.Logger) *ScheduleHandler {
	return &ScheduleHandler{schedules: schedules, logger: logger.With("component", "schedule_handler")}
}

// ScheduleOutput represents the scheduling status.
type ScheduleOutput struct {
	Body scheduler.Status
}

// GetSchedule returns the caller's scheduled accounts.
func (h *ScheduleHandler) GetSchedule(ctx context.Context, input *struct{}) (*ScheduleOutput, error) {
	claims, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	st, err := h.schedules.Status(ctx, claims.UserID, userPlan(claims))
	if err != nil {
		logging.FromContext(ctx, h.logger).Error("failed to load schedule", "error", err)
		return nil, huma.Error500InternalServerError("failed to load schedule")
	}
	return &ScheduleOutput{Body: *st}, nil
}

// UpdateScheduleInput enables or disables scheduling.
type UpdateScheduleInput struct {
	Body struct {
		Enable     bool     `json:"enable" doc:"Turn periodic automation on or off"`
		AccountIDs []string `json:"accountIds,omitempty" doc:"Accounts to schedule (all accounts when empty)"`
	}
}

// UpdateSchedule enables scheduling for the selected accounts or disables it.
func (h *ScheduleHandler) UpdateSchedule(ctx context.Context, input *UpdateScheduleInput) (*ScheduleOutput, error) {
	claims, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	plan := userPlan(claims)
	logger := logging.FromContext(ctx, h.logger)

	if input.Body.Enable {
		if _, err := h.schedules.Enable(ctx, claims.UserID, plan, input.Body.AccountIDs); err != nil {
			return nil, scheduleError(err, logger)
		}
	} else {
		if _, err := h.schedules.Disable(ctx, claims.UserID); err != nil {
			logger.Error("failed to disable schedule", "error", err)
			return nil, huma.Error500InternalServerError("failed to disable schedule")
		}
	}

	st, err := h.schedules.Status(ctx, claims.UserID, plan)
	if err != nil {
		logger.Error("failed to load schedule", "error", err)
		return nil, huma.Error500InternalServerError("failed to load schedule")
	}
	return &ScheduleOutput{Body: *st}, nil
}

// RunScheduleInput selects a scheduled account.
type RunScheduleInput struct {
	AccountID string `path:"accountId" doc:"Scheduled account ID"`
}

// RunScheduleOutput represents a manual trigger response.
type RunScheduleOutput struct {
	Body struct {
		SessionID string `json:"sessionId"`
	}
}

// RunSchedule starts a scheduled account immediately.
func (h *ScheduleHandler) RunSchedule(ctx context.Context, input *RunScheduleInput) (*RunScheduleOutput, error) {
	claims, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	id, err := h.schedules.RunNow(ctx, claims.UserID, input.AccountID)
	if err != nil {
		return nil, scheduleError(err, logging.FromContext(ctx, h.logger))
	}
	out := &RunScheduleOutput{}
	out.Body.SessionID = id
	return out, nil
}

func scheduleError(err error, logger *slog.Logger) error {
	var notAvailable *scheduler.NotAvailableError
	switch {
	case errors.As(err, &notAvailable):
		return huma.Error403Forbidden(notAvailable.Error())
	case errors.Is(err, scheduler.ErrNoAccounts):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, scheduler.ErrEntryNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, session.ErrConflict):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, quota.ErrQuotaExceeded):
		return huma.Error403Forbidden(err.Error())
	case errors.Is(err, models.ErrInvalidAccountConfig):
		return huma.Error400BadRequest(err.Error())
	default:
		logger.Error("schedule operation failed", "error", err)
		return huma.Error500InternalServerError("schedule operation failed")
	}
}
