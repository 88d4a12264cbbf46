// Package quota enforces plan-tier processing limits.
package quota

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/gujaehyung/s2b-extend/internal/constants"
	"github.com/gujaehyung/s2b-extend/internal/models"
	"github.com/gujaehyung/s2b-extend/internal/repository"
)

// LifetimePeriod is the counter period used by tiers whose quota never resets.
const LifetimePeriod = "lifetime"

// ErrQuotaExceeded is matched by ExceededError via errors.Is.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ExceededError reports an exhausted plan allowance.
type ExceededError struct {
	Plan  string
	Limit int
}

func (e *ExceededError) Error() string {
	return constants.QuotaExceededMessage(e.Plan)
}

// Is makes errors.Is(err, ErrQuotaExceeded) true for any ExceededError.
func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

const stripes = 64

// Ledger tracks processed-listing counts per user and period.
// Writes for one user are serialised; reads take the stripe's read lock.
type Ledger struct {
	repo  repository.QuotaRepository
	plans repository.ProfileRepository
	loc   *time.Location
	now   func() time.Time
	locks [stripes]sync.RWMutex

	logger *slog.Logger
}

// NewLedger creates a ledger. plans resolves the user's current plan for
// RecordProcessed; loc decides where calendar months begin.
func NewLedger(repo repository.QuotaRepository, plans repository.ProfileRepository, loc *time.Location, logger *slog.Logger) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{
		repo:   repo,
		plans:  plans,
		loc:    loc,
		now:    time.Now,
		logger: logger.With("component", "quota"),
	}
}

func (l *Ledger) lock(userID string) *sync.RWMutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &l.locks[h.Sum32()%stripes]
}

// Period returns the counter period for plan at the current time.
func (l *Ledger) Period(plan string) string {
	if constants.GetTierLimits(plan).LifetimeQuota {
		return LifetimePeriod
	}
	return l.now().In(l.loc).Format("2006-01")
}

// Remaining returns how many more listings the user may process in the
// current period. Unlimited plans report constants.UnlimitedRemaining.
func (l *Ledger) Remaining(ctx context.Context, userID, plan string) (int, error) {
	limits := constants.GetTierLimits(plan)
	if limits.Unlimited() {
		return constants.UnlimitedRemaining, nil
	}

	mu := l.lock(userID)
	mu.RLock()
	used, err := l.repo.Get(ctx, userID, l.Period(plan))
	mu.RUnlock()
	if err != nil {
		return 0, fmt.Errorf("failed to read quota counter: %w", err)
	}

	if remaining := limits.ProcessingQuota - used; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// CanProcessMore reports whether at least one more listing may be processed.
func (l *Ledger) CanProcessMore(ctx context.Context, userID, plan string) (bool, error) {
	remaining, err := l.Remaining(ctx, userID, plan)
	if err != nil {
		return false, err
	}
	return remaining > 0, nil
}

// Check returns an *ExceededError when the user has no allowance left.
func (l *Ledger) Check(ctx context.Context, userID, plan string) error {
	remaining, err := l.Remaining(ctx, userID, plan)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	limits := constants.GetTierLimits(plan)
	return &ExceededError{
		Plan:  constants.NormalizeTierName(plan),
		Limit: limits.ProcessingQuota,
	}
}

// RecordProcessed counts one successfully processed listing against the
// user's current plan period.
func (l *Ledger) RecordProcessed(ctx context.Context, userID string) error {
	plan, err := l.plans.GetPlan(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to resolve plan: %w", err)
	}
	return l.RecordProcessedForPlan(ctx, userID, plan)
}

// RecordProcessedForPlan is RecordProcessed with the plan already known,
// as it is for a session that captured its plan at start.
func (l *Ledger) RecordProcessedForPlan(ctx context.Context, userID, plan string) error {
	mu := l.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	period := l.Period(plan)
	n, err := l.repo.Increment(ctx, userID, period)
	if err != nil {
		return fmt.Errorf("failed to increment quota counter: %w", err)
	}
	l.logger.Debug("recorded processed listing", "user_id", userID, "period", period, "count", n)
	return nil
}

// Usage summarises the user's position for plan.
func (l *Ledger) Usage(ctx context.Context, userID, plan string) (models.UsageSummary, error) {
	limits := constants.GetTierLimits(plan)
	period := l.Period(plan)

	mu := l.lock(userID)
	mu.RLock()
	defer mu.RUnlock()

	used, err := l.repo.Get(ctx, userID, period)
	if err != nil {
		return models.UsageSummary{}, err
	}
	total, err := l.repo.TotalProcessed(ctx, userID)
	if err != nil {
		return models.UsageSummary{}, err
	}

	summary := models.UsageSummary{
		Plan:           constants.NormalizeTierName(plan),
		Period:         period,
		Limit:          limits.ProcessingQuota,
		Used:           used,
		Lifetime:       limits.LifetimeQuota,
		Unlimited:      limits.Unlimited(),
		TotalProcessed: total,
	}
	if !constants.KnownTier(plan) {
		summary.Plan = constants.TierFree
	}
	switch {
	case summary.Unlimited:
		summary.Remaining = constants.UnlimitedRemaining
	case used < limits.ProcessingQuota:
		summary.Remaining = limits.ProcessingQuota - used
	}
	return summary, nil
}
