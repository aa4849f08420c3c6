// Package entitlement decides whether a user may consume AI processing.
package entitlement

import (
	"strings"
	"time"

	"github.com/kalambet/thoughtd/internal/apperr"
)

// Code explains an entitlement decision.
type Code string

const (
	CodeAllowed      Code = "allowed"
	CodeNoRecord     Code = "no-record"
	CodeTierMismatch Code = "tier-mismatch"
	CodeInactive     Code = "inactive"
	CodeDisabled     Code = "disabled"
	CodeExhausted    Code = "exhausted"
)

// Decision is derived from a subscription snapshot and never persisted.
type Decision struct {
	Allowed bool `json:"allowed"`
	Code    Code `json:"code"`
}

type Entitlements struct {
	AIProcessing       *bool `json:"ai_processing,omitempty"`
	AICreditsRemaining *int  `json:"ai_credits_remaining,omitempty"`
}

// Subscription is the billing snapshot the evaluator reads.
type Subscription struct {
	Tier              string       `json:"tier"`
	Status            string       `json:"status"`
	Entitlements      Entitlements `json:"entitlements"`
	CancelAtPeriodEnd bool         `json:"cancel_at_period_end,omitempty"`
	CurrentPeriodEnd  *time.Time   `json:"current_period_end,omitempty"`
}

var activeStatuses = map[string]bool{
	"active":   true,
	"trialing": true,
	"past_due": true,
}

func allow() Decision      { return Decision{Allowed: true, Code: CodeAllowed} }
func deny(c Code) Decision { return Decision{Allowed: false, Code: c} }

// Evaluate applies the entitlement rules in order; the first match wins.
// It has no side effects.
func Evaluate(sub *Subscription, now time.Time) Decision {
	if sub == nil {
		return deny(CodeNoRecord)
	}

	if ai := sub.Entitlements.AIProcessing; ai != nil {
		if *ai {
			return allow()
		}
		return deny(CodeDisabled)
	}

	if credits := sub.Entitlements.AICreditsRemaining; credits != nil {
		if *credits > 0 {
			return allow()
		}
		if *credits == 0 {
			return deny(CodeExhausted)
		}
	}

	if !strings.EqualFold(sub.Tier, "pro") {
		return deny(CodeTierMismatch)
	}

	if !activeStatuses[strings.ToLower(sub.Status)] {
		return deny(CodeInactive)
	}

	if sub.CancelAtPeriodEnd && sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.Before(now) {
		return deny(CodeInactive)
	}

	return allow()
}

// Message returns the user-facing text for a denial code.
func Message(c Code) string {
	switch c {
	case CodeAllowed:
		return ""
	case CodeNoRecord:
		return "AI processing requires a subscription. Upgrade to Pro to enable it."
	case CodeTierMismatch:
		return "AI processing is a Pro feature. Upgrade your plan to enable it."
	case CodeInactive:
		return "Your subscription is not active. Renew it to continue using AI processing."
	case CodeDisabled:
		return "AI processing is disabled for your account."
	case CodeExhausted:
		return "You have used all of your AI credits for this period."
	default:
		return "AI processing is not available for your account."
	}
}

// Err converts a denial into a PermissionDenied error, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperr.New(apperr.PermissionDenied, "%s", Message(d.Code))
}
