package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/subscriptionbase/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindAccount(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repo) FindBundle(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Bundle, error) {
	var bundle domain.Bundle
	err := db.WithContext(ctx).Where("id = ?", id).First(&bundle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	var subscription domain.Subscription
	err := db.WithContext(ctx).Where("id = ?", id).First(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &subscription, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	stmt := db.WithContext(ctx).Where("id = ?", id)
	if db.Dialector.Name() == "postgres" || db.Dialector.Name() == "mysql" {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var subscription domain.Subscription
	err := stmt.First(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &subscription, nil
}

func (r *repo) ListByBundle(ctx context.Context, db *gorm.DB, bundleID snowflake.ID) ([]domain.Subscription, error) {
	var subscriptions []domain.Subscription
	err := db.WithContext(ctx).
		Where("bundle_id = ?", bundleID).
		Order("start_date ASC, id ASC").
		Find(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) ListAddonProducts(ctx context.Context, db *gorm.DB, baseProductName string) ([]string, error) {
	var names []string
	err := db.WithContext(ctx).Raw(
		`SELECT addon_product_name
		 FROM product_addons
		 WHERE base_product_name = ?
		 ORDER BY addon_product_name`,
		baseProductName,
	).Scan(&names).Error
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (r *repo) UpdateCancelledDate(ctx context.Context, db *gorm.DB, id snowflake.ID, cancelledDate *time.Time, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET cancelled_date = ?, updated_at = ? WHERE id = ?`,
		cancelledDate,
		updatedAt,
		id,
	).Error
}

func (r *repo) UpdatePlan(ctx context.Context, db *gorm.DB, id snowflake.ID, spec domain.PlanSpecifier, overrides datatypes.JSON, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET product_name = ?, plan_name = ?, billing_period = ?, price_list = ?, price_overrides = ?,
		     pending_plan = NULL, pending_change_date = NULL, updated_at = ?
		 WHERE id = ?`,
		spec.ProductName,
		spec.PlanName(),
		spec.BillingPeriod,
		spec.PriceList,
		overrides,
		updatedAt,
		id,
	).Error
}

func (r *repo) UpdatePendingPlan(ctx context.Context, db *gorm.DB, id snowflake.ID, pending datatypes.JSON, changeDate *time.Time, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET pending_plan = ?, pending_change_date = ?, updated_at = ? WHERE id = ?`,
		pending,
		changeDate,
		updatedAt,
		id,
	).Error
}

func (r *repo) ListActiveBlockingRows(ctx context.Context, db *gorm.DB, blockedIDs []snowflake.ID, at time.Time) ([]domain.BlockingRow, error) {
	if len(blockedIDs) == 0 {
		return nil, nil
	}
	var rows []domain.BlockingRow
	err := db.WithContext(ctx).Raw(
		`SELECT blocked_id, type, service, state_name, block_change, effective_date, created_at
		 FROM blocking_states
		 WHERE blocked_id IN ? AND is_active = ? AND effective_date <= ?
		 ORDER BY effective_date ASC, created_at ASC, id ASC`,
		blockedIDs,
		true,
		at,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
