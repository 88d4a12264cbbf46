package handlers

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gujaehyung/s2b-extend/internal/constants"
	"github.com/gujaehyung/s2b-extend/internal/logging"
	"github.com/gujaehyung/s2b-extend/internal/models"
	"github.com/gujaehyung/s2b-extend/internal/repository"
)

// UsageReader reports a user's quota position.
type UsageReader interface {
	Usage(ctx context.Context, userID, plan string) (models.UsageSummary, error)
}

// StatsReader reports the dashboard figures.
type StatsReader interface {
	Dashboard(ctx context.Context, userID string) (models.DashboardStats, error)
}

// UsageHandler handles usage endpoints.
type UsageHandler struct {
	usage    UsageReader
	stats    StatsReader
	history  repository.HistoryRepository
	sessions SessionService
	logger   *slog.Logger
}

// NewUsageHandler creates a usage handler.
func NewUsageHandler(usage UsageReader, stats StatsReader, history repository.HistoryRepository, sessions SessionService, logger *slog.Logger) *UsageHandler {
	return &UsageHandler{
		usage:    usage,
		stats:    stats,
		history:  history,
		sessions: sessions,
		logger:   logger.With("component", "usage_handler"),
	}
}

// GetUsageInput represents usage request.
type GetUsageInput struct {
	HistoryLimit int `query:"historyLimit" default:"20" minimum:"1" maximum:"100" doc:"Completion records to return"`
}

// UsageResponse is the usage summary with dashboard stats, recent activity
// and history.
type UsageResponse struct {
	models.UsageSummary
	models.DashboardStats
	ActiveSessionID string                     `json:"activeSessionId,omitempty"`
	RecentActivity  []*models.Activity         `json:"recentActivity"`
	History         []*models.CompletionRecord `json:"history"`
}

// GetUsageOutput represents usage response.
type GetUsageOutput struct {
	Body UsageResponse
}

// GetUsage handles getting the caller's usage.
func (h *UsageHandler) GetUsage(ctx context.Context, input *GetUsageInput) (*GetUsageOutput, error) {
	claims, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	logger := logging.FromContext(ctx, h.logger)

	summary, err := h.usage.Usage(ctx, claims.UserID, userPlan(claims))
	if err != nil {
		logger.Error("failed to get usage", "error", err)
		return nil, huma.Error500InternalServerError("failed to get usage")
	}

	stats, err := h.stats.Dashboard(ctx, claims.UserID)
	if err != nil {
		logger.Error("failed to get dashboard stats", "error", err)
		return nil, huma.Error500InternalServerError("failed to get usage")
	}

	activity, err := h.history.ListActivities(ctx, claims.UserID, constants.RecentActivityLimit)
	if err != nil {
		logger.Error("failed to list activity", "error", err)
		return nil, huma.Error500InternalServerError("failed to get usage")
	}

	limit := input.HistoryLimit
	if limit <= 0 || limit > constants.CompletionHistoryLimit {
		limit = 20
	}
	history, err := h.history.ListCompletions(ctx, claims.UserID, limit)
	if err != nil {
		logger.Error("failed to list history", "error", err)
		return nil, huma.Error500InternalServerError("failed to get usage")
	}

	resp := UsageResponse{
		UsageSummary:   summary,
		DashboardStats: stats,
		RecentActivity: nonNil(activity),
		History:        nonNil(history),
	}
	if snap, ok := h.sessions.ActiveForUser(claims.UserID); ok {
		resp.ActiveSessionID = snap.ID
	}
	return &GetUsageOutput{Body: resp}, nil
}

// ClearActivityOutput reports how many activity entries were removed.
type ClearActivityOutput struct {
	Body struct {
		Cleared int64 `json:"cleared"`
	}
}

// ClearActivity empties the caller's recent-activity feed. Completion
// history and quota counters are untouched.
func (h *UsageHandler) ClearActivity(ctx context.Context, input *struct{}) (*ClearActivityOutput, error) {
	claims, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}

	n, err := h.history.ClearActivities(ctx, claims.UserID)
	if err != nil {
		logging.FromContext(ctx, h.logger).Error("failed to clear activity", "error", err)
		return nil, huma.Error500InternalServerError("failed to clear activity")
	}

	out := &ClearActivityOutput{}
	out.Body.Cleared = n
	return out, nil
}

// nonNil keeps empty lists as [] in JSON.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
