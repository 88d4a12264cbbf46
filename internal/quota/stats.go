package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/gujaehyung/s2b-extend/internal/models"
	"github.com/gujaehyung/s2b-extend/internal/repository"
)

// DailyWindow is how many calendar days Dashboard reports, today included.
const DailyWindow = 7

// Stats derives dashboard figures from completion history and schedules.
type Stats struct {
	history   repository.HistoryRepository
	schedules repository.ScheduleRepository
	loc       *time.Location
	now       func() time.Time
}

// NewStats creates a stats reader. Days begin at midnight in loc.
func NewStats(history repository.HistoryRepository, schedules repository.ScheduleRepository, loc *time.Location) *Stats {
	if loc == nil {
		loc = time.UTC
	}
	return &Stats{history: history, schedules: schedules, loc: loc, now: time.Now}
}

// Dashboard returns today's counts, the next active scheduled run and the
// processed count of each of the last DailyWindow days, oldest first.
func (s *Stats) Dashboard(ctx context.Context, userID string) (models.DashboardStats, error) {
	now := s.now().In(s.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	since := today.AddDate(0, 0, -(DailyWindow - 1))

	records, err := s.history.ListCompletionsSince(ctx, userID, since)
	if err != nil {
		return models.DashboardStats{}, fmt.Errorf("failed to list completions: %w", err)
	}

	daily := make([]models.DailyCount, DailyWindow)
	index := make(map[string]int, DailyWindow)
	for i := range daily {
		date := since.AddDate(0, 0, i).Format("2006-01-02")
		daily[i] = models.DailyCount{Date: date}
		index[date] = i
	}

	var st models.DashboardStats
	todayKey := today.Format("2006-01-02")
	for _, rec := range records {
		key := rec.CompletedAt.In(s.loc).Format("2006-01-02")
		i, ok := index[key]
		if !ok {
			continue
		}
		daily[i].Count += rec.ProcessedItems
		if key != todayKey {
			continue
		}
		st.Today.Processed += rec.ProcessedItems
		switch rec.Status {
		case models.StatusCompleted:
			st.Today.Succeeded++
		case models.StatusError:
			st.Today.Failed++
		}
	}
	st.Daily = daily

	if s.schedules != nil {
		entries, err := s.schedules.ListByUser(ctx, userID)
		if err != nil {
			return models.DashboardStats{}, fmt.Errorf("failed to list schedule entries: %w", err)
		}
		for _, e := range entries {
			if !e.Active {
				continue
			}
			if st.Today.NextScheduled == nil || e.NextRunAt.Before(*st.Today.NextScheduled) {
				next := e.NextRunAt
				st.Today.NextScheduled = &next
			}
		}
	}
	return st, nil
}
