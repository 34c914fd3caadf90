package domain

import (
	"context"

	"github.com/golang-sql/civil"
	sbdomain "github.com/smallbiznis/entitlements/internal/subscriptionbase/domain"
)

type CancelWithPolicyRequest struct {
	EntitlementID string
	Policy        EntitlementActionPolicy
	Properties    []PluginProperty
}

type CancelWithDateRequest struct {
	EntitlementID string
	// LocalDate is interpreted in the account zone; nil means today.
	LocalDate                    *civil.Date
	OverrideBillingEffectiveDate bool
	Properties                   []PluginProperty
}

type CancelWithPolicyOverrideBillingPolicyRequest struct {
	EntitlementID string
	Policy        EntitlementActionPolicy
	BillingPolicy sbdomain.BillingActionPolicy
	Properties    []PluginProperty
}

type CancelWithDateOverrideBillingPolicyRequest struct {
	EntitlementID string
	LocalDate     *civil.Date
	BillingPolicy sbdomain.BillingActionPolicy
	Properties    []PluginProperty
}

type UncancelRequest struct {
	EntitlementID string
	Properties    []PluginProperty
}

type ChangePlanRequest struct {
	EntitlementID string
	Plan          sbdomain.PlanSpecifier
	Overrides     []sbdomain.PriceOverride
	Properties    []PluginProperty
}

type ChangePlanWithDateRequest struct {
	EntitlementID string
	Plan          sbdomain.PlanSpecifier
	Overrides     []sbdomain.PriceOverride
	LocalDate     *civil.Date
	Properties    []PluginProperty
}

type ChangePlanOverrideBillingPolicyRequest struct {
	EntitlementID string
	Plan          sbdomain.PlanSpecifier
	Overrides     []sbdomain.PriceOverride
	LocalDate     *civil.Date
	BillingPolicy sbdomain.BillingActionPolicy
	Properties    []PluginProperty
}

type Service interface {
	GetEntitlement(ctx context.Context, entitlementID string) (Entitlement, error)
	CancelWithPolicy(ctx context.Context, req CancelWithPolicyRequest) (Entitlement, error)
	CancelWithDate(ctx context.Context, req CancelWithDateRequest) (Entitlement, error)
	CancelWithPolicyOverrideBillingPolicy(ctx context.Context, req CancelWithPolicyOverrideBillingPolicyRequest) (Entitlement, error)
	CancelWithDateOverrideBillingPolicy(ctx context.Context, req CancelWithDateOverrideBillingPolicyRequest) (Entitlement, error)
	Uncancel(ctx context.Context, req UncancelRequest) (Entitlement, error)
	ChangePlan(ctx context.Context, req ChangePlanRequest) (Entitlement, error)
	ChangePlanWithDate(ctx context.Context, req ChangePlanWithDateRequest) (Entitlement, error)
	ChangePlanOverrideBillingPolicy(ctx context.Context, req ChangePlanOverrideBillingPolicyRequest) (Entitlement, error)
}
