package models

import "time"

// ScheduleEntry drives periodic automation for one (user, account) pair.
type ScheduleEntry struct {
	UserID        string        `json:"-"`
	AccountID     string        `json:"accountId"`
	Active        bool          `json:"active"`
	LastRunAt     *time.Time    `json:"lastRunAt,omitempty"`
	NextRunAt     time.Time     `json:"nextRunAt"`
	LastSessionID string        `json:"lastSessionId,omitempty"`
	LastStatus    SessionStatus `json:"lastStatus,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Due reports whether the entry should run at now.
func (e ScheduleEntry) Due(now time.Time) bool {
	return e.Active && !e.NextRunAt.After(now)
}
