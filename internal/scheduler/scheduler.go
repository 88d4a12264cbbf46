// Package scheduler runs periodic automation for users on plans that allow
// it. Each scheduled account runs every Interval; accounts of one user are
// staggered so their sessions do not collide.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gujaehyung/s2b-extend/internal/constants"
	"github.com/gujaehyung/s2b-extend/internal/metrics"
	"github.com/gujaehyung/s2b-extend/internal/models"
	"github.com/gujaehyung/s2b-extend/internal/quota"
	"github.com/gujaehyung/s2b-extend/internal/repository"
	"github.com/gujaehyung/s2b-extend/internal/session"
)

var (
	// ErrNoAccounts is returned by Enable when none of the selected accounts exist.
	ErrNoAccounts = errors.New("no schedulable accounts selected")
	// ErrEntryNotFound is returned by RunNow for accounts that are not scheduled.
	ErrEntryNotFound = errors.New("schedule entry not found")
)

// NotAvailableError is returned when the user's plan has no scheduling.
type NotAvailableError struct {
	Plan string
}

func (e *NotAvailableError) Error() string {
	return constants.SchedulingNotAvailableMessage(e.Plan)
}

// SessionStarter starts automation sessions.
type SessionStarter interface {
	Start(ctx context.Context, userID string, cfg models.AccountConfig) (string, error)
}

// Options tunes timing. Zero values take the defaults noted.
type Options struct {
	Tick     time.Duration // how often due entries are checked (1m)
	Interval time.Duration // time between runs of one account (72h)
	Stagger  time.Duration // gap between newly scheduled accounts (30m)
}

// Status is a user's scheduling overview.
type Status struct {
	Enabled     bool                   `json:"enabled"`
	MaxAccounts int                    `json:"maxAccounts"`
	Entries     []*models.ScheduleEntry `json:"entries"`
}

// Scheduler owns the schedule entries and triggers due runs.
type Scheduler struct {
	entries  repository.ScheduleRepository
	accounts repository.AccountRepository
	profiles repository.ProfileRepository
	sessions SessionStarter
	metrics  *metrics.Metrics
	opts     Options
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a scheduler.
func New(entries repository.ScheduleRepository, accounts repository.AccountRepository, profiles repository.ProfileRepository, sessions SessionStarter, m *metrics.Metrics, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = time.Minute
	}
	if opts.Interval <= 0 {
		opts.Interval = 72 * time.Hour
	}
	if opts.Stagger <= 0 {
		opts.Stagger = 30 * time.Minute
	}
	return &Scheduler{
		entries:  entries,
		accounts: accounts,
		profiles: profiles,
		sessions: sessions,
		metrics:  m,
		opts:     opts,
		now:      time.Now,
		logger:   logger.With("component", "scheduler"),
	}
}

// Enable schedules the selected accounts (all of the user's accounts when
// accountIDs is empty), truncated to the plan's limit. Accounts that were
// already scheduled keep their next run time; new ones are staggered after
// the latest kept slot. Previously scheduled accounts not selected are
// deactivated.
func (s *Scheduler) Enable(ctx context.Context, userID, plan string, accountIDs []string) ([]*models.ScheduleEntry, error) {
	limit := constants.GetTierLimits(plan).MaxScheduledAccounts
	if limit <= 0 {
		return nil, &NotAvailableError{Plan: plan}
	}

	owned, err := s.accounts.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	selected := selectAccounts(owned, accountIDs)
	if len(selected) == 0 {
		return nil, ErrNoAccounts
	}
	if len(selected) > limit {
		s.logger.Info("truncating scheduled accounts to plan limit",
			"selected", len(selected),
			"limit", limit,
			"plan", plan,
		)
		selected = selected[:limit]
	}

	existing, err := s.entries.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule entries: %w", err)
	}
	byAccount := make(map[string]*models.ScheduleEntry, len(existing))
	for _, e := range existing {
		byAccount[e.AccountID] = e
	}

	now := s.now().UTC()
	var lastSlot time.Time
	for _, id := range selected {
		if e, ok := byAccount[id]; ok && e.NextRunAt.After(lastSlot) {
			lastSlot = e.NextRunAt
		}
	}
	next := now
	if !lastSlot.IsZero() && !lastSlot.Add(s.opts.Stagger).Before(now) {
		next = lastSlot.Add(s.opts.Stagger)
	}

	keep := make(map[string]bool, len(selected))
	result := make([]*models.ScheduleEntry, 0, len(selected))
	for _, id := range selected {
		keep[id] = true
		e, ok := byAccount[id]
		if ok {
			e.Active = true
		} else {
			e = &models.ScheduleEntry{
				UserID:    userID,
				AccountID: id,
				Active:    true,
				NextRunAt: next,
			}
			next = next.Add(s.opts.Stagger)
		}
		if err := s.entries.Upsert(ctx, e); err != nil {
			return nil, fmt.Errorf("failed to save schedule entry: %w", err)
		}
		result = append(result, e)
	}

	for _, e := range existing {
		if keep[e.AccountID] || !e.Active {
			continue
		}
		if err := s.entries.SetActive(ctx, userID, e.AccountID, false); err != nil {
			return nil, fmt.Errorf("failed to deactivate schedule entry: %w", err)
		}
	}

	s.logger.Info("scheduling enabled", "accounts", len(result), "plan", plan)
	return result, nil
}

// selectAccounts returns the ids of owned accounts in the order the user owns
// them, filtered by wanted when it is non-empty.
func selectAccounts(owned []*models.Account, wanted []string) []string {
	want := make(map[string]bool, len(wanted))
	for _, id := range wanted {
		want[id] = true
	}
	var ids []string
	for _, a := range owned {
		if len(wanted) == 0 || want[a.ID] {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// Disable deactivates every entry of the user and returns how many changed.
func (s *Scheduler) Disable(ctx context.Context, userID string) (int, error) {
	existing, err := s.entries.ListByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to list schedule entries: %w", err)
	}
	n := 0
	for _, e := range existing {
		if !e.Active {
			continue
		}
		if err := s.entries.SetActive(ctx, userID, e.AccountID, false); err != nil {
			return n, fmt.Errorf("failed to deactivate schedule entry: %w", err)
		}
		n++
	}
	s.logger.Info("scheduling disabled", "deactivated", n)
	return n, nil
}

// List returns the user's entries ordered by next run.
func (s *Scheduler) List(ctx context.Context, userID string) ([]*models.ScheduleEntry, error) {
	return s.entries.ListByUser(ctx, userID)
}

// Status reports whether any entry is active and the plan's account limit.
func (s *Scheduler) Status(ctx context.Context, userID, plan string) (*Status, error) {
	entries, err := s.entries.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	st := &Status{
		MaxAccounts: constants.GetTierLimits(plan).MaxScheduledAccounts,
		Entries:     entries,
	}
	for _, e := range entries {
		if e.Active {
			st.Enabled = true
			break
		}
	}
	return st, nil
}

// Run checks for due entries immediately and then every Tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "tick", s.opts.Tick.String(), "interval", s.opts.Interval.String())

	s.Tick(ctx)

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts a session for every due entry and returns how many started.
func (s *Scheduler) Tick(ctx context.Context) int {
	due, err := s.entries.ListDue(ctx, s.now())
	if err != nil {
		s.logger.Error("failed to list due schedule entries", "error", err)
		return 0
	}

	started := 0
	for _, e := range due {
		if ctx.Err() != nil {
			return started
		}
		if _, err := s.trigger(ctx, e); err == nil {
			started++
		}
	}
	return started
}

// RunNow starts the scheduled account immediately. The entry's next run is
// pushed out when the session finishes, as for a timed run.
func (s *Scheduler) RunNow(ctx context.Context, userID, accountID string) (string, error) {
	e, err := s.entries.Get(ctx, userID, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrEntryNotFound
		}
		return "", err
	}
	if !e.Active {
		return "", ErrEntryNotFound
	}
	return s.trigger(ctx, e)
}

func (s *Scheduler) trigger(ctx context.Context, e *models.ScheduleEntry) (string, error) {
	logger := s.logger.With("account_id", e.AccountID)

	account, err := s.accounts.Get(ctx, e.UserID, e.AccountID)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Warn("scheduled account no longer exists, deactivating")
		s.deactivate(ctx, e)
		return "", err
	}
	if err != nil {
		s.metrics.ObserveScheduledRun("error")
		logger.Error("failed to load scheduled account", "error", err)
		return "", err
	}

	plan, err := s.profiles.GetPlan(ctx, e.UserID)
	if err != nil {
		s.metrics.ObserveScheduledRun("error")
		logger.Error("failed to resolve plan", "error", err)
		return "", err
	}
	if constants.GetTierLimits(plan).MaxScheduledAccounts <= 0 {
		logger.Info("plan no longer includes scheduling, deactivating", "plan", plan)
		s.deactivate(ctx, e)
		return "", &NotAvailableError{Plan: plan}
	}

	id, err := s.sessions.Start(ctx, e.UserID, models.AccountConfig{
		AccountID: account.ID,
		LoginID:   account.LoginID,
		Password:  account.Password,
		PriceRate: account.PriceRate,
		Plan:      plan,
		Trigger:   models.TriggerScheduled,
	})
	switch {
	case err == nil:
		s.metrics.ObserveScheduledRun("started")
		logger.Info("scheduled session started", "session_id", id)
		return id, nil
	case errors.Is(err, session.ErrConflict):
		// Left due; the next tick tries again once the user's session ends.
		s.metrics.ObserveScheduledRun("conflict")
		logger.Debug("user already has a running session, retrying next tick")
		return "", err
	case errors.Is(err, quota.ErrQuotaExceeded):
		s.metrics.ObserveScheduledRun("quota")
		logger.Info("quota exhausted, skipping scheduled run")
		s.reschedule(ctx, e, "", models.StatusError)
		return "", err
	default:
		s.metrics.ObserveScheduledRun("error")
		logger.Error("failed to start scheduled session", "error", err)
		s.reschedule(ctx, e, "", models.StatusError)
		return "", err
	}
}

func (s *Scheduler) deactivate(ctx context.Context, e *models.ScheduleEntry) {
	s.metrics.ObserveScheduledRun("deactivated")
	if err := s.entries.SetActive(ctx, e.UserID, e.AccountID, false); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("failed to deactivate schedule entry", "account_id", e.AccountID, "error", err)
	}
}

func (s *Scheduler) reschedule(ctx context.Context, e *models.ScheduleEntry, sessionID string, status models.SessionStatus) {
	now := s.now().UTC()
	if err := s.entries.RecordRun(ctx, e.UserID, e.AccountID, sessionID, status, now, now.Add(s.opts.Interval)); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("failed to record scheduled run", "account_id", e.AccountID, "error", err)
	}
}

// SessionFinished records a finished scheduled session against its entry:
// last run is now and the next run is one Interval later. A run cut short
// by a server shutdown leaves the entry due so the next process retries it.
func (s *Scheduler) SessionFinished(ctx context.Context, snap models.Snapshot) {
	if snap.Trigger != models.TriggerScheduled {
		return
	}
	if snap.Interrupted && snap.Status != models.StatusCompleted {
		s.logger.Info("scheduled run interrupted by shutdown, keeping it due",
			"account_id", snap.AccountID,
			"session_id", snap.ID,
		)
		return
	}
	s.reschedule(ctx, &models.ScheduleEntry{UserID: snap.UserID, AccountID: snap.AccountID}, snap.ID, snap.Status)
}
