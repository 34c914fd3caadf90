// Package domain holds the persisted form of deferred entitlement notifications.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/errors"
	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusProcessed  Status = "PROCESSED"
	StatusFailed     Status = "FAILED"
)

var (
	ErrQueueNotFound       = errors.New("notification_queue_not_found")
	ErrInvalidNotification = errors.New("invalid_notification")
)

// Notification is one deferred propagation waiting for its effective date.
type Notification struct {
	ID              snowflake.ID                 `gorm:"primaryKey"`
	QueueName       string                       `gorm:"type:text;not null;index:idx_entitlement_notifications_due,priority:1"`
	IdempotencyKey  string                       `gorm:"type:text;not null;uniqueIndex"`
	EntitlementID   snowflake.ID                 `gorm:"not null;index"`
	BundleID        snowflake.ID                 `gorm:"not null"`
	Action          entdomain.NotificationAction `gorm:"type:text;not null"`
	EffectiveDate   time.Time                    `gorm:"not null"`
	Status          Status                       `gorm:"type:text;not null;index:idx_entitlement_notifications_due,priority:2"`
	NextAttemptAt   time.Time                    `gorm:"not null;index:idx_entitlement_notifications_due,priority:3"`
	Attempts        int                          `gorm:"not null;default:0"`
	LastError       *string                      `gorm:"type:text"`
	ActorToken      string                       `gorm:"type:text"`
	AccountRecordID snowflake.ID                 `gorm:""`
	TenantRecordID  snowflake.ID                 `gorm:""`
	TraceID         string                       `gorm:"type:text"`
	SpanID          string                       `gorm:"type:text"`
	LockedAt        *time.Time                   `gorm:""`
	ProcessedAt     *time.Time                   `gorm:""`
	CreatedAt       time.Time                    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time                    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Notification) TableName() string { return "entitlement_notifications" }

// Deferred converts the row back to the notification handed to the propagator.
func (n Notification) Deferred() entdomain.DeferredNotification {
	return entdomain.DeferredNotification{
		EntitlementID: n.EntitlementID,
		BundleID:      n.BundleID,
		Action:        n.Action,
		EffectiveDate: n.EffectiveDate.UTC(),
	}
}
