package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BlockingRow is the slice of a blocking state the change checker needs.
type BlockingRow struct {
	BlockedID     snowflake.ID
	Type          string
	Service       string
	StateName     string
	BlockChange   bool
	EffectiveDate time.Time
	CreatedAt     time.Time
}

type Repository interface {
	FindAccount(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	FindBundle(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Bundle, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	ListByBundle(ctx context.Context, db *gorm.DB, bundleID snowflake.ID) ([]Subscription, error)
	ListAddonProducts(ctx context.Context, db *gorm.DB, baseProductName string) ([]string, error)
	UpdateCancelledDate(ctx context.Context, db *gorm.DB, id snowflake.ID, cancelledDate *time.Time, updatedAt time.Time) error
	UpdatePlan(ctx context.Context, db *gorm.DB, id snowflake.ID, spec PlanSpecifier, overrides datatypes.JSON, updatedAt time.Time) error
	UpdatePendingPlan(ctx context.Context, db *gorm.DB, id snowflake.ID, pending datatypes.JSON, changeDate *time.Time, updatedAt time.Time) error
	ListActiveBlockingRows(ctx context.Context, db *gorm.DB, blockedIDs []snowflake.ID, at time.Time) ([]BlockingRow, error)
}
