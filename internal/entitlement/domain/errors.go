package domain

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/errors"
	sbdomain "github.com/smallbiznis/entitlements/internal/subscriptionbase/domain"
)

var (
	ErrBadState              = errors.New("bad_state")
	ErrPermissionDenied      = errors.New("permission_denied")
	ErrUnderlyingMutation    = errors.New("underlying_mutation_failure")
	ErrBlockedOperation      = errors.New("blocked_operation")
	ErrSchedulingFailure     = errors.New("scheduling_failure")
	ErrInvalidEntitlementID  = errors.New("invalid_entitlement_id")
	ErrEntitlementNotFound   = errors.New("entitlement_not_found")
	ErrInvalidPolicy         = errors.New("invalid_policy")
	ErrBlockingStateNotFound = errors.New("blocking_state_not_found")
)

const (
	CodeCancelBadState   = "sub_cancel_bad_state"
	CodeUncancelBadState = "sub_uncancel_bad_state"
	CodeChangeNonActive  = "sub_change_non_active"
	CodeBlockedChange    = "block_change"
	CodeSchedulingFailed = "notification_scheduling_failed"
)

// EntitlementError carries a stable code, the entitlement it concerns and the
// taxonomy sentinel it belongs to.
type EntitlementError struct {
	Kind          error
	Code          string
	EntitlementID snowflake.ID
	Message       string
	Cause         error
}

func (e *EntitlementError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Cause == nil {
		return msg
	}
	// wrapped subscription errors already lend their message
	if cause := e.Cause.Error(); !strings.HasSuffix(cause, e.Message) {
		msg = fmt.Sprintf("%s: %s", msg, cause)
	}
	return msg
}

func (e *EntitlementError) Is(target error) bool { return e.Kind == target }

func (e *EntitlementError) Unwrap() error { return e.Cause }

// NewBadStateError rejects a transition the current lifecycle state does not admit.
func NewBadStateError(code string, entitlementID snowflake.ID, state EntitlementState) error {
	err := &EntitlementError{
		Kind:          ErrBadState,
		Code:          code,
		EntitlementID: entitlementID,
		Message:       fmt.Sprintf("entitlement %s is in state %s", entitlementID, state),
	}
	return errors.WithHint(err, "refresh the entitlement and retry with a transition its current state admits")
}

// WrapUnderlyingError re-raises a subscription failure keeping its code and message.
func WrapUnderlyingError(entitlementID snowflake.ID, err error) error {
	if err == nil {
		return nil
	}
	wrapped := &EntitlementError{
		Kind:          ErrUnderlyingMutation,
		Code:          "subscription_error",
		EntitlementID: entitlementID,
		Message:       err.Error(),
		Cause:         err,
	}
	var sbErr *sbdomain.Error
	if errors.As(err, &sbErr) {
		wrapped.Code = sbErr.Code
		wrapped.Message = sbErr.Message
	}
	return wrapped
}

// WrapBlockedError reports that an active blocking state forbids the change.
func WrapBlockedError(entitlementID snowflake.ID, err error) error {
	if err == nil {
		return nil
	}
	wrapped := &EntitlementError{
		Kind:          ErrBlockedOperation,
		Code:          CodeBlockedChange,
		EntitlementID: entitlementID,
		Message:       err.Error(),
		Cause:         err,
	}
	var sbErr *sbdomain.Error
	if errors.As(err, &sbErr) {
		wrapped.Message = sbErr.Message
	}
	return errors.WithHint(wrapped, "remove or wait out the blocking state before changing plan")
}

// WrapSchedulingError marks a failure to record a deferred notification. The
// blocking states of the transition are already persisted at this point.
func WrapSchedulingError(entitlementID snowflake.ID, err error) error {
	if err == nil {
		return nil
	}
	wrapped := &EntitlementError{
		Kind:          ErrSchedulingFailure,
		Code:          CodeSchedulingFailed,
		EntitlementID: entitlementID,
		Message:       "deferred notification was not recorded",
		Cause:         err,
	}
	return errors.WithHint(wrapped, "the transition was persisted; re-run propagation for the entitlement once the queue is reachable")
}

// IsSubscriptionBlockedChange reports whether err is the subscription level blocked-change failure.
func IsSubscriptionBlockedChange(err error) bool {
	return errors.Is(err, sbdomain.ErrBlockedChange)
}

// NewNotFoundError reports an entitlement id that resolves to no subscription.
func NewNotFoundError(entitlementID snowflake.ID, cause error) error {
	return &EntitlementError{
		Kind:          ErrEntitlementNotFound,
		Code:          "entitlement_not_found",
		EntitlementID: entitlementID,
		Message:       fmt.Sprintf("entitlement %s not found", entitlementID),
		Cause:         cause,
	}
}

// NewInvalidIDError rejects an identifier that is not a snowflake id.
func NewInvalidIDError(raw string, cause error) error {
	return &EntitlementError{
		Kind:    ErrInvalidEntitlementID,
		Code:    "invalid_entitlement_id",
		Message: fmt.Sprintf("%q is not a valid entitlement id", raw),
		Cause:   cause,
	}
}

// NewInvalidPolicyError rejects an entitlement action policy the orchestrator does not know.
func NewInvalidPolicyError(entitlementID snowflake.ID, policy EntitlementActionPolicy) error {
	return &EntitlementError{
		Kind:          ErrInvalidPolicy,
		Code:          "invalid_entitlement_policy",
		EntitlementID: entitlementID,
		Message:       fmt.Sprintf("unsupported entitlement policy %q", policy),
	}
}
