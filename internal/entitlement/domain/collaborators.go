package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-sql/civil"
	sbdomain "github.com/smallbiznis/entitlements/internal/subscriptionbase/domain"
)

// EventsStream is a read-only snapshot of an entitlement, its bundle and the
// blocking states that apply to them, captured at a single instant.
type EventsStream interface {
	Entitlement() Entitlement
	EntitlementID() snowflake.ID
	BundleID() snowflake.ID
	AccountID() snowflake.ID
	ExternalKey() string
	AccountTimeZone() *time.Location
	Subscription() sbdomain.Subscription
	EffectiveStartDate() civil.Date
	State() EntitlementState

	IsEntitlementActive() bool
	IsEntitlementCancelled() bool
	IsSubscriptionCancelled() bool
	// IsBaseEntitlementCancelledAt reports whether the bundle's base entitlement
	// carries an active cancellation effective at or before at.
	IsBaseEntitlementCancelledAt(at time.Time) bool

	CancellationEvent() *BlockingState
	PendingCancellationEvents() []BlockingState
	// ActiveCancellationEvents returns every active cancellation row of the
	// entitlement regardless of its effective date.
	ActiveCancellationEvents() []BlockingState
	AddonBlockingStatesForNextBaseEvent(effectiveDate time.Time, action NotificationAction) []BlockingState
}

type EventsStreamBuilder interface {
	Refresh(ctx context.Context, entitlementID snowflake.ID) (EventsStream, error)
}

// SubscriptionBase mutates the billing side of an entitlement.
type SubscriptionBase interface {
	Cancel(ctx context.Context, id snowflake.ID) (time.Time, error)
	CancelWithDate(ctx context.Context, id snowflake.ID, at time.Time) error
	CancelWithPolicy(ctx context.Context, id snowflake.ID, policy sbdomain.BillingActionPolicy) (time.Time, error)
	Uncancel(ctx context.Context, id snowflake.ID) error
	ChangePlan(ctx context.Context, id snowflake.ID, spec sbdomain.PlanSpecifier, overrides []sbdomain.PriceOverride) (time.Time, error)
	ChangePlanWithDate(ctx context.Context, id snowflake.ID, spec sbdomain.PlanSpecifier, overrides []sbdomain.PriceOverride, at time.Time) error
	ChangePlanWithPolicy(ctx context.Context, id snowflake.ID, spec sbdomain.PlanSpecifier, overrides []sbdomain.PriceOverride, policy sbdomain.BillingActionPolicy) (time.Time, error)
}

type ChangePlanResolver interface {
	DryRunChangePlanEffectiveDate(ctx context.Context, sub sbdomain.Subscription, spec sbdomain.PlanSpecifier, requested *time.Time, policy *sbdomain.BillingActionPolicy) (time.Time, error)
}

type BlockingChecker interface {
	CheckBlockedChange(ctx context.Context, sub sbdomain.Subscription, at time.Time) error
}

// BlockingStateStore persists blocking states. Commit writes the whole batch in
// one transaction and then publishes a transition event. Supersede does the
// same after deactivating the rows the batch replaces.
type BlockingStateStore interface {
	Commit(ctx context.Context, states []BlockingState, bundleID snowflake.ID) error
	Supersede(ctx context.Context, superseded []snowflake.ID, states []BlockingState, bundleID snowflake.ID) error
	Deactivate(ctx context.Context, ids ...snowflake.ID) error
}

type DeferredScheduler interface {
	ScheduleAt(ctx context.Context, effectiveDate time.Time, notification DeferredNotification, actorToken string, accountRecordID, tenantRecordID snowflake.ID) error
}

type PermissionChecker interface {
	Ensure(ctx context.Context, permission Permission) error
}

// OperationBody runs inside the plugin pipeline with the possibly updated context.
type OperationBody func(ctx context.Context, updated OperationContext) (Entitlement, error)

type PluginExecution interface {
	Run(ctx context.Context, opCtx OperationContext, body OperationBody) (Entitlement, error)
}

// PropagationRequest describes a base transition at EffectiveDate observed at Now.
type PropagationRequest struct {
	EntitlementID snowflake.ID
	EffectiveDate time.Time
	Now           time.Time
	Cancellation  bool
}

type Propagator interface {
	ComputeAddOnBlockingStates(ctx context.Context, req PropagationRequest) (Propagation, error)
}

// NotificationHandler re-applies propagation when a deferred notification fires.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, notification DeferredNotification) error
}

// EntitlementLocker serializes operations on one entitlement id.
type EntitlementLocker interface {
	Lock(ctx context.Context, entitlementID snowflake.ID) (release func(), err error)
}
