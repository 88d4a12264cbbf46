package models

import "time"

// UsageSummary reports a user's quota position for their plan.
type UsageSummary struct {
	Plan           string `json:"plan"`
	Period         string `json:"period"`
	Limit          int    `json:"limit"`
	Used           int    `json:"used"`
	Remaining      int    `json:"remaining"`
	Lifetime       bool   `json:"lifetime"`
	Unlimited      bool   `json:"unlimited"`
	TotalProcessed int    `json:"totalProcessed"`
}

// CompletionRecord is appended to a user's history when a session ends.
type CompletionRecord struct {
	ID             string        `json:"id"`
	UserID         string        `json:"-"`
	SessionID      string        `json:"sessionId"`
	AccountID      string        `json:"accountId"`
	Trigger        Trigger       `json:"trigger"`
	Status         SessionStatus `json:"status"`
	ProcessedItems int           `json:"processedItems"`
	FailedItems    int           `json:"failedItems"`
	TotalItems     int           `json:"totalItems"`
	Summary        string        `json:"summary"`
	StartedAt      time.Time     `json:"startedAt"`
	CompletedAt    time.Time     `json:"completedAt"`
}

// Activity is one entry of the short recent-activity feed.
type Activity struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	SessionID string    `json:"sessionId"`
	ItemID    string    `json:"itemId,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// TodayStats summarises the current calendar day.
type TodayStats struct {
	Processed     int        `json:"processed"`
	Succeeded     int        `json:"succeeded" doc:"Runs that completed today"`
	Failed        int        `json:"failed" doc:"Runs that ended in error today"`
	NextScheduled *time.Time `json:"nextScheduled,omitempty"`
}

// DailyCount is the number of listings processed on one calendar day.
type DailyCount struct {
	Date  string `json:"date" example:"2026-10-17"`
	Count int    `json:"count"`
}

// DashboardStats backs the usage dashboard.
type DashboardStats struct {
	Today TodayStats   `json:"today"`
	Daily []DailyCount `json:"daily"`
}
