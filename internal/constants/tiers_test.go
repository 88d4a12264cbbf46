package constants

import (
	"strings"
	"testing"
)

func TestGetTierLimits(t *testing.T) {
	tests := []struct {
		tier          string
		wantQuota     int
		wantLifetime  bool
		wantScheduled int
	}{
		{"free", 10, true, 0},
		{"standard", 100, false, 0},
		{"basic", 500, false, 3},
		{"premium", 0, false, 5},
		{"tier_v1_basic", 500, false, 3},
		{" Premium ", 0, false, 5},
		{"", 10, true, 0},
		{"enterprise", 10, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			limits := GetTierLimits(tt.tier)
			if limits.ProcessingQuota != tt.wantQuota {
				t.Errorf("ProcessingQuota = %d, want %d", limits.ProcessingQuota, tt.wantQuota)
			}
			if limits.LifetimeQuota != tt.wantLifetime {
				t.Errorf("LifetimeQuota = %v, want %v", limits.LifetimeQuota, tt.wantLifetime)
			}
			if limits.MaxScheduledAccounts != tt.wantScheduled {
				t.Errorf("MaxScheduledAccounts = %d, want %d", limits.MaxScheduledAccounts, tt.wantScheduled)
			}
		})
	}
}

func TestUnlimited(t *testing.T) {
	if !GetTierLimits(TierPremium).Unlimited() {
		t.Error("premium should be unlimited")
	}
	if GetTierLimits(TierBasic).Unlimited() {
		t.Error("basic should not be unlimited")
	}
}

func TestKnownTier(t *testing.T) {
	if !KnownTier("tier_v1_standard") {
		t.Error("tier_v1_standard should normalize to a known tier")
	}
	if KnownTier("gold") {
		t.Error("gold should not be known")
	}
}

func TestQuotaExceededMessage(t *testing.T) {
	if msg := QuotaExceededMessage(TierFree); !strings.Contains(msg, "10") {
		t.Errorf("free message should mention the lifetime cap: %q", msg)
	}
	if msg := QuotaExceededMessage(TierBasic); !strings.Contains(msg, "500") || !strings.Contains(msg, "month") {
		t.Errorf("basic message should mention the monthly cap: %q", msg)
	}
}

func TestSchedulingNotAvailableMessage(t *testing.T) {
	msg := SchedulingNotAvailableMessage(TierStandard)
	if !strings.Contains(msg, "Standard") || !strings.Contains(msg, "3") || !strings.Contains(msg, "5") {
		t.Errorf("unexpected message: %q", msg)
	}
}
