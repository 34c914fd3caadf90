package service

import (
	"time"

	"github.com/smallbiznis/entitlements/internal/subscriptionbase/domain"
)

// resolvePolicyDate turns a billing action policy into an instant, never
// earlier than the subscription start.
func resolvePolicyDate(sub domain.Subscription, policy domain.BillingActionPolicy, now time.Time) (time.Time, error) {
	var date time.Time
	switch policy {
	case domain.BillingActionPolicyImmediate:
		date = now
	case domain.BillingActionPolicyEndOfTerm:
		date = now
		if sub.ChargedThroughDate != nil && sub.ChargedThroughDate.After(now) {
			date = *sub.ChargedThroughDate
		}
	case domain.BillingActionPolicyStartOfTerm:
		date = currentTermStart(sub, now)
	default:
		return time.Time{}, domain.NewError(domain.ErrInvalidBillingPolicy, "unsupported billing policy %q", policy)
	}
	if date.Before(sub.StartDate) {
		date = sub.StartDate
	}
	return date.UTC(), nil
}

func currentTermStart(sub domain.Subscription, now time.Time) time.Time {
	ctd := sub.ChargedThroughDate
	if ctd == nil {
		return sub.StartDate
	}
	if !ctd.After(now) {
		return *ctd
	}
	months := sub.BillingPeriod.Months()
	if months == 0 {
		return sub.StartDate
	}
	return ctd.AddDate(0, -months, 0)
}
