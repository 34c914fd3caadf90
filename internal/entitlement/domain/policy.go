package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-sql/civil"
)

// EntitlementActionPolicy picks the local date of an entitlement cancellation.
type EntitlementActionPolicy string

const (
	EntitlementActionPolicyImmediate EntitlementActionPolicy = "IMMEDIATE"
	EntitlementActionPolicyEndOfTerm EntitlementActionPolicy = "END_OF_TERM"
)

type Permission string

const (
	PermissionCancel     Permission = "entitlement.cancel"
	PermissionChangePlan Permission = "entitlement.change_plan"
)

type OperationType string

const (
	OperationTypeCancelSubscription     OperationType = "CANCEL_SUBSCRIPTION"
	OperationTypeUndoCancelSubscription OperationType = "UNDO_CANCEL_SUBSCRIPTION"
	OperationTypeChangePlan             OperationType = "CHANGE_PLAN"
)

// PluginProperty is an opaque key/value forwarded to plugin hooks.
type PluginProperty struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// OperationContext describes one lifecycle call to the plugin pipeline. Hooks
// may return an updated copy, typically with a different EffectiveDate.
type OperationContext struct {
	OperationType OperationType
	AccountID     snowflake.ID
	BundleID      snowflake.ID
	ExternalKey   string
	EntitlementID snowflake.ID
	EffectiveDate *civil.Date
	Properties    []PluginProperty
	RequestedAt   time.Time
}
