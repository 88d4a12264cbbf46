// Package models defines domain types shared by the automation engine and the HTTP API.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of an automation session.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
	StatusCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether no further transition may leave s.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// CanTransition reports whether the state machine allows s -> next.
// pending -> running -> {completed | error | cancelled}; pending may also end
// directly when the run fails or is cancelled before it starts.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next.IsTerminal()
	case StatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// Trigger records what started a session.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// EventType classifies progress events.
type EventType string

const (
	EventSnapshot   EventType = "snapshot"
	EventStatus     EventType = "status"
	EventCollecting EventType = "collecting"
	EventTotal      EventType = "total"
	EventProcessing EventType = "processing"
	EventPrice      EventType = "price"
	EventSuccess    EventType = "success"
	EventError      EventType = "error"
	EventQuota      EventType = "quota"
	EventComplete   EventType = "complete"
)

// ProgressEvent is one timestamped entry of a session log and the unit
// delivered to stream subscribers.
type ProgressEvent struct {
	Type           EventType     `json:"type"`
	SessionID      string        `json:"sessionId"`
	Status         SessionStatus `json:"status"`
	Message        string        `json:"message"`
	ItemID         string        `json:"itemId,omitempty"`
	Current        int           `json:"current"`
	Total          int           `json:"total"`
	TotalItems     int           `json:"totalItems" doc:"Same as total"`
	Discovered     int           `json:"discovered,omitempty"`
	Percentage     int           `json:"percentage"`
	ItemsProcessed int           `json:"itemsProcessed"`
	CurrentTask    string        `json:"currentTask,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Progress tracks per-item counters of a session.
type Progress struct {
	Discovered  int    `json:"discovered"`
	Total       int    `json:"total"`
	Attempted   int    `json:"attempted"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	CurrentTask string `json:"currentTask"`
	Percentage  int    `json:"percentage"`
}

// Percent returns attempted/total as a whole percentage (0 when total is 0).
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	pct := p.Attempted * 100 / p.Total
	if pct > 100 {
		pct = 100
	}
	return pct
}

// ErrorKind distinguishes run-fatal failures so callers can choose between
// prompting for new credentials and a plain retry.
type ErrorKind string

const (
	ErrorKindNone           ErrorKind = ""
	ErrorKindAuthentication ErrorKind = "authentication"
	ErrorKindDiscovery      ErrorKind = "discovery"
	ErrorKindInternal       ErrorKind = "internal"
)

// Result is set once, on the terminal transition of a session.
type Result struct {
	Success        bool      `json:"success"`
	ProcessedItems int       `json:"processedItems"`
	FailedItems    int       `json:"failedItems"`
	SkippedItems   int       `json:"skippedItems"`
	TotalItems     int       `json:"totalItems"`
	QuotaReached   bool      `json:"quotaReached"`
	Cancelled      bool      `json:"cancelled"`
	ErrorKind      ErrorKind `json:"errorKind,omitempty"`
	Errors         []string  `json:"errors"`
	Summary        string    `json:"summary"`
}

// FinalStatus maps a result to the terminal session state it implies.
func (r Result) FinalStatus() SessionStatus {
	switch {
	case r.Cancelled:
		return StatusCancelled
	case r.ErrorKind != ErrorKindNone:
		return StatusError
	default:
		return StatusCompleted
	}
}

// ErrInvalidAccountConfig is returned when a start request fails validation.
var ErrInvalidAccountConfig = errors.New("invalid account configuration")

// AccountConfig is the configuration snapshot captured at session start.
// Later edits to the account or profile do not affect a running session.
type AccountConfig struct {
	AccountID string
	LoginID   string
	Password  string
	PriceRate float64
	Plan      string
	Trigger   Trigger
}

// Validate checks required fields and the price-rate bounds.
func (c AccountConfig) Validate(minRate, maxRate float64) error {
	var missing []string
	if strings.TrimSpace(c.AccountID) == "" {
		missing = append(missing, "accountId")
	}
	if strings.TrimSpace(c.LoginID) == "" {
		missing = append(missing, "loginId")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidAccountConfig, strings.Join(missing, ", "))
	}
	if c.PriceRate < minRate || c.PriceRate > maxRate {
		return fmt.Errorf("%w: priceIncreaseRate must be between %g and %g", ErrInvalidAccountConfig, minRate, maxRate)
	}
	return nil
}

// Snapshot is a point-in-time copy of a session, safe to hand to callers.
type Snapshot struct {
	ID              string          `json:"id"`
	UserID          string          `json:"-"`
	AccountID       string          `json:"accountId"`
	Plan            string          `json:"plan"`
	PriceRate       float64         `json:"priceIncreaseRate"`
	Trigger         Trigger         `json:"trigger"`
	Status          SessionStatus   `json:"status"`
	Progress        Progress        `json:"progress"`
	Result          *Result         `json:"result,omitempty"`
	Logs            []ProgressEvent `json:"logs"`
	CancelRequested bool            `json:"cancelRequested"`
	Interrupted     bool            `json:"interrupted,omitempty" doc:"Stopped by a server shutdown"`
	CreatedAt       time.Time       `json:"createdAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	FinishedAt      *time.Time      `json:"finishedAt,omitempty"`
}

// RecentLogs returns at most n of the newest log entries, oldest first.
func (s Snapshot) RecentLogs(n int) []ProgressEvent {
	if n <= 0 || len(s.Logs) <= n {
		return s.Logs
	}
	return s.Logs[len(s.Logs)-n:]
}

// SessionStats summarises a session's log and throughput.
type SessionStats struct {
	SuccessCount   int           `json:"successCount"`
	FailureCount   int           `json:"failureCount"`
	Duration       time.Duration `json:"durationNs"`
	ItemsPerMinute float64       `json:"itemsPerMinute"`
	ETA            time.Duration `json:"etaNs"`
}

// Stats computes success/failure counts from the log and throughput figures
// relative to now (or FinishedAt for terminal sessions).
func (s Snapshot) Stats(now time.Time) SessionStats {
	var stats SessionStats
	for _, e := range s.Logs {
		switch e.Type {
		case EventSuccess:
			stats.SuccessCount++
		case EventError:
			stats.FailureCount++
		}
	}
	if s.StartedAt == nil {
		return stats
	}
	end := now
	if s.FinishedAt != nil {
		end = *s.FinishedAt
	}
	stats.Duration = end.Sub(*s.StartedAt)
	if minutes := stats.Duration.Minutes(); minutes > 0 {
		stats.ItemsPerMinute = float64(s.Progress.Attempted) / minutes
	}
	remaining := s.Progress.Total - s.Progress.Attempted
	if !s.Status.IsTerminal() && remaining > 0 && stats.ItemsPerMinute > 0 {
		stats.ETA = time.Duration(float64(remaining) / stats.ItemsPerMinute * float64(time.Minute))
	}
	return stats
}
