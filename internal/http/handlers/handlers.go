// Package handlers contains HTTP handlers for the automation API.
package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gujaehyung/s2b-extend/internal/browser"
	"github.com/gujaehyung/s2b-extend/internal/constants"
	"github.com/gujaehyung/s2b-extend/internal/http/mw"
	"github.com/gujaehyung/s2b-extend/internal/version"
)

// requireUser returns the authenticated user's claims or a 401.
func requireUser(ctx context.Context) (*mw.UserClaims, error) {
	claims := mw.GetUserClaims(ctx)
	if claims == nil || claims.UserID == "" {
		return nil, huma.Error401Unauthorized("unauthorized")
	}
	return claims, nil
}

// userPlan returns the plan from claims, defaulting to free.
func userPlan(claims *mw.UserClaims) string {
	if claims == nil || claims.Tier == "" {
		return constants.TierFree
	}
	return claims.Tier
}

// PoolStatser reports browser pool usage.
type PoolStatser interface {
	Stats() browser.PoolStats
}

// RunningCounter reports how many sessions are executing.
type RunningCounter interface {
	Running() int
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status          string             `json:"status"`
	Version         string             `json:"version"`
	RunningSessions int                `json:"runningSessions"`
	Pool            *browser.PoolStats `json:"pool,omitempty"`
}

// HealthOutput is the output wrapper for Huma.
type HealthOutput struct {
	Body HealthResponse
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	sessions RunningCounter
	pool     PoolStatser
}

// NewHealthHandler creates a new health handler. pool may be nil.
func NewHealthHandler(sessions RunningCounter, pool PoolStatser) *HealthHandler {
	return &HealthHandler{sessions: sessions, pool: pool}
}

// Health returns the health status.
func (h *HealthHandler) Health(ctx context.Context, input *struct{}) (*HealthOutput, error) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: version.Get().Version,
	}
	if h.sessions != nil {
		resp.RunningSessions = h.sessions.Running()
	}
	if h.pool != nil {
		stats := h.pool.Stats()
		resp.Pool = &stats
	}
	return &HealthOutput{Body: resp}, nil
}
