// Package quota implements the advisory credit/quota precheck run before
// any credit-spending call. The generation backend enforces the same rule
// authoritatively; this check only avoids a wasted round trip.
package quota

import "postpilot/pkg/domain"

// BlockKind names why an action was refused.
type BlockKind string

const (
	BlockNone                BlockKind = ""
	BlockDailyLimitReached   BlockKind = "daily_limit_reached"
	BlockInsufficientCredits BlockKind = "insufficient_credits"
)

// Input carries everything the guard needs to decide one action.
type Input struct {
	// Cost is the total credit cost of the action. Combined actions
	// (e.g. post + image) must be checked with the summed cost, never
	// per sub-action.
	Cost int

	Usage domain.UsageState
	Plan  domain.Plan
	Cycle domain.BillingCycle
	Role  domain.UserRole

	// OverrideDailyLimit, when > 0, replaces the plan limit for this user.
	OverrideDailyLimit int
}

// Result is the guard's decision plus the numbers the blocking modal shows.
type Result struct {
	Allowed    bool      `json:"allowed"`
	Kind       BlockKind `json:"kind,omitempty"`
	Required   int       `json:"required"`
	Available  int       `json:"available"`
	DailyLimit int       `json:"dailyLimit"`
}

// Err maps a blocking result onto the shared error kinds. Nil when allowed.
func (r Result) Err() error {
	switch r.Kind {
	case BlockDailyLimitReached:
		return domain.ErrDailyLimitReached
	case BlockInsufficientCredits:
		return domain.ErrInsufficientCredits
	}
	return nil
}

// ResolveDailyLimit picks the effective daily limit: a positive user
// override wins, else the plan limit for the billing cycle. Zero or
// negative means unlimited.
func ResolveDailyLimit(plan domain.Plan, cycle domain.BillingCycle, override int) int {
	if override > 0 {
		return override
	}
	return plan.DailyLimit(cycle)
}

// Check decides whether the action may proceed. Admins always pass.
// The daily limit is checked before the credit balance so the user sees
// the quota modal even when both would block.
func Check(in Input) Result {
	limit := ResolveDailyLimit(in.Plan, in.Cycle, in.OverrideDailyLimit)

	if in.Role == domain.RoleAdmin {
		return Result{
			Allowed:    true,
			Required:   in.Cost,
			Available:  in.Usage.CreditBalance,
			DailyLimit: limit,
		}
	}

	if limit > 0 && in.Usage.DailyUsagePoints+in.Cost > limit {
		return Result{
			Kind:       BlockDailyLimitReached,
			Required:   in.Cost,
			Available:  limit - in.Usage.DailyUsagePoints,
			DailyLimit: limit,
		}
	}

	if in.Usage.CreditBalance < in.Cost {
		return Result{
			Kind:       BlockInsufficientCredits,
			Required:   in.Cost,
			Available:  in.Usage.CreditBalance,
			DailyLimit: limit,
		}
	}

	return Result{
		Allowed:    true,
		Required:   in.Cost,
		Available:  in.Usage.CreditBalance,
		DailyLimit: limit,
	}
}
