package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/errors"
)

type Service interface {
	GetAccount(ctx context.Context, id snowflake.ID) (Account, error)
	GetBundle(ctx context.Context, id snowflake.ID) (Bundle, error)
	GetSubscription(ctx context.Context, id snowflake.ID) (Subscription, error)
	ListBundleSubscriptions(ctx context.Context, bundleID snowflake.ID) ([]Subscription, error)
	AvailableAddonProducts(ctx context.Context, baseProductName string) ([]string, error)

	Cancel(ctx context.Context, id snowflake.ID) (time.Time, error)
	CancelWithDate(ctx context.Context, id snowflake.ID, at time.Time) error
	CancelWithPolicy(ctx context.Context, id snowflake.ID, policy BillingActionPolicy) (time.Time, error)
	Uncancel(ctx context.Context, id snowflake.ID) error
	ChangePlan(ctx context.Context, id snowflake.ID, spec PlanSpecifier, overrides []PriceOverride) (time.Time, error)
	ChangePlanWithDate(ctx context.Context, id snowflake.ID, spec PlanSpecifier, overrides []PriceOverride, at time.Time) error
	ChangePlanWithPolicy(ctx context.Context, id snowflake.ID, spec PlanSpecifier, overrides []PriceOverride, policy BillingActionPolicy) (time.Time, error)

	DryRunChangePlanEffectiveDate(ctx context.Context, sub Subscription, spec PlanSpecifier, requested *time.Time, policy *BillingActionPolicy) (time.Time, error)
	CheckBlockedChange(ctx context.Context, sub Subscription, at time.Time) error
}

var (
	ErrAccountNotFound       = errors.New("account_not_found")
	ErrBundleNotFound        = errors.New("bundle_not_found")
	ErrSubscriptionNotFound  = errors.New("subscription_not_found")
	ErrInvalidTimeZone       = errors.New("invalid_time_zone")
	ErrCancelBadState        = errors.New("sub_cancel_bad_state")
	ErrUncancelBadState      = errors.New("sub_uncancel_bad_state")
	ErrChangeNonActive       = errors.New("sub_change_non_active")
	ErrChangeFutureCancelled = errors.New("sub_change_future_cancelled")
	ErrInvalidPlan           = errors.New("sub_change_invalid_plan")
	ErrInvalidRequestedDate  = errors.New("sub_invalid_requested_date")
	ErrInvalidBillingPolicy  = errors.New("sub_invalid_billing_policy")
	ErrBlockedChange         = errors.New("block_change")
)

// Error is a subscription level failure carrying a stable code.
type Error struct {
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(sentinel error, message string) *Error {
	return &Error{Code: sentinel.Error(), Message: message, cause: sentinel}
}

// NewError builds a coded error for the given sentinel.
func NewError(sentinel error, format string, args ...any) error {
	return newError(sentinel, fmt.Sprintf(format, args...))
}
