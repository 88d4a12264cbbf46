// Package constants defines plan tier limits and the user-facing messages
// derived from them. Change values here to update limits across the service.
package constants

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// tiersMu protects concurrent access to the Tiers map.
var tiersMu sync.RWMutex

// Tier names
const (
	TierFree     = "free"
	TierStandard = "standard"
	TierBasic    = "basic"
	TierPremium  = "premium"
)

// UnlimitedRemaining is reported as the remaining allowance of unlimited tiers.
const UnlimitedRemaining = 999999

// TierLimits defines the numeric limits for a subscription tier.
type TierLimits struct {
	DisplayName string
	// ProcessingQuota is the max listings processed per period (0 = unlimited).
	ProcessingQuota int
	// LifetimeQuota makes ProcessingQuota a one-off allowance that never resets.
	// Otherwise the quota resets every calendar month.
	LifetimeQuota bool
	// MaxScheduledAccounts is how many accounts may run on the periodic
	// schedule at once (0 = scheduling not available).
	MaxScheduledAccounts int
}

// Unlimited reports whether the tier has no processing quota.
func (l TierLimits) Unlimited() bool {
	return l.ProcessingQuota <= 0
}

// Tiers defines limits for each subscription tier.
var Tiers = map[string]TierLimits{
	TierFree: {
		DisplayName:          "Free",
		ProcessingQuota:      10,
		LifetimeQuota:        true,
		MaxScheduledAccounts: 0,
	},
	TierStandard: {
		DisplayName:          "Standard",
		ProcessingQuota:      100,
		MaxScheduledAccounts: 0,
	},
	TierBasic: {
		DisplayName:          "Basic",
		ProcessingQuota:      500,
		MaxScheduledAccounts: 3,
	},
	TierPremium: {
		DisplayName:          "Premium",
		ProcessingQuota:      0,
		MaxScheduledAccounts: 5,
	},
}

// GetTierLimits returns the limits for a tier, defaulting to the free tier.
// Thread-safe for concurrent access.
func GetTierLimits(tier string) TierLimits {
	tiersMu.RLock()
	defer tiersMu.RUnlock()

	if limits, ok := Tiers[NormalizeTierName(tier)]; ok {
		return limits
	}
	return Tiers[TierFree]
}

// SetTierLimits replaces the limits for a tier. Used by tests and operators
// adjusting plans without a redeploy.
func SetTierLimits(tier string, limits TierLimits) {
	tiersMu.Lock()
	defer tiersMu.Unlock()
	Tiers[NormalizeTierName(tier)] = limits
}

// NormalizeTierName converts identity-provider plan names to internal tier names.
// Examples:
//   - "tier_v1_basic" -> "basic"
//   - " Premium " -> "premium"
//   - "" or unknown -> returned lowercased; GetTierLimits falls back to free
func NormalizeTierName(tier string) string {
	tier = strings.ToLower(strings.TrimSpace(tier))
	tier = strings.TrimPrefix(tier, "u:")
	tier = strings.TrimPrefix(tier, "tier_v1_")
	return tier
}

// KnownTier reports whether tier names a configured plan.
func KnownTier(tier string) bool {
	tiersMu.RLock()
	defer tiersMu.RUnlock()
	_, ok := Tiers[NormalizeTierName(tier)]
	return ok
}

// Automation run defaults
const (
	// RecentLogEntries is how many log entries the session query returns.
	RecentLogEntries = 10
	// RecentActivityLimit is how many recent activities are kept per user.
	RecentActivityLimit = 10
	// CompletionHistoryLimit is how many completion records are kept per user.
	CompletionHistoryLimit = 100
	// MinPriceRate and MaxPriceRate bound the price increase percentage.
	MinPriceRate = 1
	MaxPriceRate = 100
	// SSEHeartbeatInterval keeps proxies from closing idle progress streams.
	SSEHeartbeatInterval = 15 * time.Second
)

// QuotaExceededMessage returns a user-friendly message for an exhausted quota.
func QuotaExceededMessage(tier string) string {
	normalized := NormalizeTierName(tier)
	limits := GetTierLimits(normalized)
	switch {
	case limits.Unlimited():
		return "Processing is temporarily unavailable. Please try again later."
	case limits.LifetimeQuota:
		return fmt.Sprintf("You've used all %d listings included in the %s plan. Upgrade to Standard for %d listings every month.",
			limits.ProcessingQuota, limits.DisplayName, GetTierLimits(TierStandard).ProcessingQuota)
	default:
		return fmt.Sprintf("You've reached your %s plan limit of %d listings this month. The allowance resets on the 1st or you can upgrade your plan.",
			limits.DisplayName, limits.ProcessingQuota)
	}
}

// ActiveSessionMessage returns the message for a start request that conflicts with a running session.
func ActiveSessionMessage() string {
	return "An automation run is already in progress for your account. Wait for it to finish or cancel it first."
}

// SchedulingNotAvailableMessage returns the message for plans without periodic automation.
func SchedulingNotAvailableMessage(tier string) string {
	limits := GetTierLimits(tier)
	return fmt.Sprintf("Scheduled automation is not available on the %s plan. Upgrade to Basic for %d accounts or Premium for %d accounts.",
		limits.DisplayName, GetTierLimits(TierBasic).MaxScheduledAccounts, GetTierLimits(TierPremium).MaxScheduledAccounts)
}
