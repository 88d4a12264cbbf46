package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gujaehyung/s2b-extend/internal/constants"
)

type mockQuotaRepo struct {
	mu     sync.RWMutex
	counts map[string]int
	totals map[string]int
}

func newMockQuotaRepo() *mockQuotaRepo {
	return &mockQuotaRepo{counts: map[string]int{}, totals: map[string]int{}}
}

func (m *mockQuotaRepo) Get(_ context.Context, userID, period string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[userID+"|"+period], nil
}

func (m *mockQuotaRepo) Increment(_ context.Context, userID, period string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[userID+"|"+period]++
	m.totals[userID]++
	return m.counts[userID+"|"+period], nil
}

func (m *mockQuotaRepo) TotalProcessed(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totals[userID], nil
}

type mockPlans struct {
	mu    sync.RWMutex
	plans map[string]string
}

func (m *mockPlans) GetPlan(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.plans[userID]; ok {
		return p, nil
	}
	return constants.TierFree, nil
}

func (m *mockPlans) Upsert(_ context.Context, userID, plan string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[userID] = plan
	return nil
}

func newTestLedger(t *testing.T) (*Ledger, *mockQuotaRepo, *mockPlans) {
	t.Helper()
	repo := newMockQuotaRepo()
	plans := &mockPlans{plans: map[string]string{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewLedger(repo, plans, time.UTC, logger), repo, plans
}

func TestLedger_Remaining(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		plan string
		used int
		want int
	}{
		{"free fresh", constants.TierFree, 0, 10},
		{"free partly used", constants.TierFree, 8, 2},
		{"free exhausted", constants.TierFree, 10, 0},
		{"standard", constants.TierStandard, 40, 60},
		{"basic over limit", constants.TierBasic, 600, 0},
		{"premium unlimited", constants.TierPremium, 5000, constants.UnlimitedRemaining},
		{"unknown tier is free", "platinum", 3, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, repo, _ := newTestLedger(t)
			repo.counts["u1|"+l.Period(tt.plan)] = tt.used

			got, err := l.Remaining(ctx, "u1", tt.plan)
			if err != nil {
				t.Fatalf("Remaining() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Remaining() = %d, want %d", got, tt.want)
			}

			can, _ := l.CanProcessMore(ctx, "u1", tt.plan)
			if can != (tt.want > 0) {
				t.Errorf("CanProcessMore() = %v, want %v", can, tt.want > 0)
			}
		})
	}
}

func TestLedger_Period(t *testing.T) {
	l, _, _ := newTestLedger(t)
	seoul, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	l.loc = seoul
	// 2026-10-31 20:00 UTC is already November in Seoul.
	l.now = func() time.Time { return time.Date(2026, 10, 31, 20, 0, 0, 0, time.UTC) }

	if got := l.Period(constants.TierBasic); got != "2026-11" {
		t.Errorf("Period(basic) = %q, want 2026-11", got)
	}
	if got := l.Period(constants.TierFree); got != LifetimePeriod {
		t.Errorf("Period(free) = %q, want %q", got, LifetimePeriod)
	}
}

func TestLedger_MonthlyReset(t *testing.T) {
	ctx := context.Background()
	l, _, plans := newTestLedger(t)
	plans.plans["u1"] = constants.TierStandard

	l.now = func() time.Time { return time.Date(2026, 9, 30, 12, 0, 0, 0, time.UTC) }
	for i := 0; i < 100; i++ {
		if err := l.RecordProcessed(ctx, "u1"); err != nil {
			t.Fatalf("RecordProcessed() error = %v", err)
		}
	}
	if ok, _ := l.CanProcessMore(ctx, "u1", constants.TierStandard); ok {
		t.Fatal("expected September quota to be exhausted")
	}

	l.now = func() time.Time { return time.Date(2026, 10, 1, 0, 0, 1, 0, time.UTC) }
	if got, _ := l.Remaining(ctx, "u1", constants.TierStandard); got != 100 {
		t.Errorf("Remaining() in October = %d, want 100", got)
	}

	usage, err := l.Usage(ctx, "u1", constants.TierStandard)
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if usage.TotalProcessed != 100 || usage.Used != 0 || usage.Period != "2026-10" {
		t.Errorf("Usage() = %+v", usage)
	}
}

func TestLedger_Check(t *testing.T) {
	ctx := context.Background()
	l, repo, _ := newTestLedger(t)
	repo.counts["u1|"+LifetimePeriod] = 10

	err := l.Check(ctx, "u1", constants.TierFree)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Check() error = %v, want ErrQuotaExceeded", err)
	}
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) || exceeded.Limit != 10 {
		t.Errorf("Check() error = %#v", err)
	}

	if err := l.Check(ctx, "u1", constants.TierPremium); err != nil {
		t.Errorf("premium Check() error = %v", err)
	}
}

func TestLedger_UsagePremium(t *testing.T) {
	l, _, _ := newTestLedger(t)
	usage, err := l.Usage(context.Background(), "u1", "tier_v1_premium")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if !usage.Unlimited || usage.Remaining != constants.UnlimitedRemaining || usage.Plan != constants.TierPremium {
		t.Errorf("Usage() = %+v", usage)
	}
}
