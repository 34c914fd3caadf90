// Package domain holds the entitlement lifecycle model, the collaborator
// contracts the orchestrator depends on and its error taxonomy.
package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-sql/civil"
	sbdomain "github.com/smallbiznis/entitlements/internal/subscriptionbase/domain"
)

const (
	// ServiceName tags the blocking states owned by the entitlement lifecycle.
	ServiceName = "entitlement-service"

	StateNameCancelled = "ENT_CANCELLED"
)

type EntitlementState string

const (
	EntitlementStateActive        EntitlementState = "ACTIVE"
	EntitlementStatePendingCancel EntitlementState = "PENDING_CANCEL"
	EntitlementStateCancelled     EntitlementState = "CANCELLED"
)

// Entitlement is an immutable view rebuilt on every refresh.
type Entitlement struct {
	ID                 snowflake.ID
	BundleID           snowflake.ID
	AccountID          snowflake.ID
	ExternalKey        string
	State              EntitlementState
	EffectiveStartDate civil.Date
	EffectiveEndDate   *civil.Date
	ProductName        string
	PlanName           string
	Category           sbdomain.Category
}

type BlockingStateType string

const (
	BlockingStateTypeSubscription       BlockingStateType = "SUBSCRIPTION"
	BlockingStateTypeSubscriptionBundle BlockingStateType = "SUBSCRIPTION_BUNDLE"
	BlockingStateTypeAccount            BlockingStateType = "ACCOUNT"
)

// BlockingState records from which instant usage, billing or plan changes are
// blocked for a target. Rows are never deleted; un-cancel flips IsActive.
type BlockingState struct {
	ID               snowflake.ID      `gorm:"primaryKey"`
	BlockedID        snowflake.ID      `gorm:"not null;index"`
	Type             BlockingStateType `gorm:"type:text;not null"`
	StateName        string            `gorm:"type:text;not null"`
	Service          string            `gorm:"type:text;not null"`
	BlockEntitlement bool              `gorm:"not null;default:false"`
	BlockBilling     bool              `gorm:"not null;default:false"`
	BlockChange      bool              `gorm:"not null;default:false"`
	EffectiveDate    time.Time         `gorm:"not null;index"`
	IsActive         bool              `gorm:"not null;default:true"`
	CreatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BlockingState) TableName() string { return "blocking_states" }

// IsCancellation reports whether the row is an entitlement cancellation.
func (b BlockingState) IsCancellation() bool {
	return b.Service == ServiceName && b.StateName == StateNameCancelled
}

// NewCancellationState builds the entitlement cancellation fact for a subscription.
func NewCancellationState(subscriptionID snowflake.ID, effectiveDate time.Time) BlockingState {
	return BlockingState{
		BlockedID:        subscriptionID,
		Type:             BlockingStateTypeSubscription,
		StateName:        StateNameCancelled,
		Service:          ServiceName,
		BlockEntitlement: true,
		BlockBilling:     true,
		BlockChange:      false,
		EffectiveDate:    effectiveDate.UTC(),
		IsActive:         true,
	}
}

type NotificationAction string

const (
	NotificationActionCancel NotificationAction = "CANCEL"
	NotificationActionChange NotificationAction = "CHANGE"
)

// DeferredNotification asks for add-on propagation to be re-run at EffectiveDate.
type DeferredNotification struct {
	EntitlementID snowflake.ID
	BundleID      snowflake.ID
	Action        NotificationAction
	EffectiveDate time.Time
}

// IdempotencyKey identifies a notification across redeliveries.
func (n DeferredNotification) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d:%s", n.EntitlementID, n.EffectiveDate.UTC().UnixNano(), n.Action)
}

// Propagation is the outcome of computing add-on effects for a base transition.
type Propagation struct {
	States        []BlockingState
	Notifications []DeferredNotification
}
