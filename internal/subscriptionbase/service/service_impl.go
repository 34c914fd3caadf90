package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/clock"
	obscontext "github.com/smallbiznis/entitlements/internal/observability/context"
	"github.com/smallbiznis/entitlements/internal/subscriptionbase/domain"
	"github.com/smallbiznis/entitlements/pkg/db"
	"github.com/smallbiznis/entitlements/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultCancelPolicy = domain.BillingActionPolicyEndOfTerm
	defaultChangePolicy = domain.BillingActionPolicyImmediate
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  domain.Repository
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscriptionbase.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) GetAccount(ctx context.Context, id snowflake.ID) (domain.Account, error) {
	account, err := s.repo.FindAccount(ctx, s.db, id)
	if err != nil {
		return domain.Account{}, err
	}
	if account == nil {
		return domain.Account{}, domain.NewError(domain.ErrAccountNotFound, "account %s not found", id)
	}
	return *account, nil
}

func (s *Service) GetBundle(ctx context.Context, id snowflake.ID) (domain.Bundle, error) {
	bundle, err := s.repo.FindBundle(ctx, s.db, id)
	if err != nil {
		return domain.Bundle{}, err
	}
	if bundle == nil {
		return domain.Bundle{}, domain.NewError(domain.ErrBundleNotFound, "bundle %s not found", id)
	}
	return *bundle, nil
}

func (s *Service) GetSubscription(ctx context.Context, id snowflake.ID) (domain.Subscription, error) {
	subscription, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Subscription{}, err
	}
	if subscription == nil {
		return domain.Subscription{}, domain.NewError(domain.ErrSubscriptionNotFound, "subscription %s not found", id)
	}
	return *subscription, nil
}

func (s *Service) ListBundleSubscriptions(ctx context.Context, bundleID snowflake.ID) ([]domain.Subscription, error) {
	return s.repo.ListByBundle(ctx, s.db, bundleID)
}

func (s *Service) AvailableAddonProducts(ctx context.Context, baseProductName string) ([]string, error) {
	return s.repo.ListAddonProducts(ctx, s.db, strings.TrimSpace(baseProductName))
}

// Cancel ends billing using the default cancellation policy.
func (s *Service) Cancel(ctx context.Context, id snowflake.ID) (time.Time, error) {
	return s.CancelWithPolicy(ctx, id, defaultCancelPolicy)
}

func (s *Service) CancelWithPolicy(ctx context.Context, id snowflake.ID, policy domain.BillingActionPolicy) (time.Time, error) {
	var effective time.Time
	err := s.withSubscriptionForUpdate(ctx, id, func(tx *gorm.DB, sub *domain.Subscription, now time.Time) error {
		if sub.IsCancelledAt(now) {
			return domain.NewError(domain.ErrCancelBadState, "subscription %s is already cancelled", sub.ID)
		}
		date, err := resolvePolicyDate(*sub, policy, now)
		if err != nil {
			return err
		}
		effective = date
		return s.repo.UpdateCancelledDate(ctx, tx, sub.ID, &date, now)
	})
	if err != nil {
		return time.Time{}, err
	}
	s.log.Info("subscription cancelled",
		zap.String("subscription_id", id.String()),
		zap.String("policy", string(policy)),
		zap.Time("effective_date", effective),
	)
	return effective, nil
}

func (s *Service) CancelWithDate(ctx context.Context, id snowflake.ID, at time.Time) error {
	at = at.UTC()
	err := s.withSubscriptionForUpdate(ctx, id, func(tx *gorm.DB, sub *domain.Subscription, now time.Time) error {
		if sub.IsCancelledAt(now) {
			return domain.NewError(domain.ErrCancelBadState, "subscription %s is already cancelled", sub.ID)
		}
		if at.Before(sub.StartDate) {
			return domain.NewError(domain.ErrInvalidRequestedDate, "requested date %s is before subscription start %s", at, sub.StartDate)
		}
		return s.repo.UpdateCancelledDate(ctx, tx, sub.ID, &at, now)
	})
	if err != nil {
		return err
	}
	s.log.Info("subscription cancelled",
		zap.String("subscription_id", id.String()),
		zap.Time("effective_date", at),
	)
	return nil
}

// Uncancel clears a billing end date that has not been reached yet.
func (s *Service) Uncancel(ctx context.Context, id snowflake.ID) error {
	err := s.withSubscriptionForUpdate(ctx, id, func(tx *gorm.DB, sub *domain.Subscription, now time.Time) error {
		if sub.CancelledDate == nil {
			return domain.NewError(domain.ErrUncancelBadState, "subscription %s is not cancelled", sub.ID)
		}
		if sub.IsCancelledAt(now) {
			return domain.NewError(domain.ErrUncancelBadState, "subscription %s was cancelled on %s", sub.ID, sub.CancelledDate)
		}
		return s.repo.UpdateCancelledDate(ctx, tx, sub.ID, nil, now)
	})
	if err != nil {
		return err
	}
	s.log.Info("subscription uncancelled", zap.String("subscription_id", id.String()))
	return nil
}

func (s *Service) ChangePlan(ctx context.Context, id snowflake.ID, spec domain.PlanSpecifier, overrides []domain.PriceOverride) (time.Time, error) {
	return s.changePlan(ctx, id, spec, overrides, nil, nil)
}

func (s *Service) ChangePlanWithDate(ctx context.Context, id snowflake.ID, spec domain.PlanSpecifier, overrides []domain.PriceOverride, at time.Time) error {
	at = at.UTC()
	_, err := s.changePlan(ctx, id, spec, overrides, &at, nil)
	return err
}

func (s *Service) ChangePlanWithPolicy(ctx context.Context, id snowflake.ID, spec domain.PlanSpecifier, overrides []domain.PriceOverride, policy domain.BillingActionPolicy) (time.Time, error) {
	return s.changePlan(ctx, id, spec, overrides, nil, &policy)
}

func (s *Service) changePlan(
	ctx context.Context,
	id snowflake.ID,
	spec domain.PlanSpecifier,
	overrides []domain.PriceOverride,
	requested *time.Time,
	policy *domain.BillingActionPolicy,
) (time.Time, error) {
	var effective time.Time
	err := s.withSubscriptionForUpdate(ctx, id, func(tx *gorm.DB, sub *domain.Subscription, now time.Time) error {
		date, err := s.dryRun(*sub, spec, requested, policy, now)
		if err != nil {
			return err
		}
		effective = date

		overridesJSON, err := encodeOverrides(overrides)
		if err != nil {
			return err
		}
		if !date.After(now) {
			return s.repo.UpdatePlan(ctx, tx, sub.ID, spec, overridesJSON, now)
		}

		pending, err := json.Marshal(spec)
		if err != nil {
			return err
		}
		return s.repo.UpdatePendingPlan(ctx, tx, sub.ID, datatypes.JSON(pending), &date, now)
	})
	if err != nil {
		return time.Time{}, err
	}
	s.log.Info("subscription plan changed",
		zap.String("subscription_id", id.String()),
		zap.String("plan_name", spec.PlanName()),
		zap.Time("effective_date", effective),
	)
	return effective, nil
}

func (s *Service) DryRunChangePlanEffectiveDate(ctx context.Context, sub domain.Subscription, spec domain.PlanSpecifier, requested *time.Time, policy *domain.BillingActionPolicy) (time.Time, error) {
	return s.dryRun(sub, spec, requested, policy, s.clock.Now())
}

func (s *Service) dryRun(sub domain.Subscription, spec domain.PlanSpecifier, requested *time.Time, policy *domain.BillingActionPolicy, now time.Time) (time.Time, error) {
	if sub.IsCancelledAt(now) {
		return time.Time{}, domain.NewError(domain.ErrChangeNonActive, "subscription %s is cancelled", sub.ID)
	}
	if sub.FutureEndDate(now) != nil {
		return time.Time{}, domain.NewError(domain.ErrChangeFutureCancelled, "subscription %s has a pending cancellation", sub.ID)
	}
	if err := validatePlan(spec); err != nil {
		return time.Time{}, err
	}

	switch {
	case requested != nil:
		at := requested.UTC()
		if at.Before(sub.StartDate) {
			return time.Time{}, domain.NewError(domain.ErrInvalidRequestedDate, "requested date %s is before subscription start %s", at, sub.StartDate)
		}
		return at, nil
	case policy != nil:
		return resolvePolicyDate(sub, *policy, now)
	default:
		return resolvePolicyDate(sub, defaultChangePolicy, now)
	}
}

func (s *Service) withSubscriptionForUpdate(ctx context.Context, id snowflake.ID, fn func(tx *gorm.DB, sub *domain.Subscription, now time.Time) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := scopeToOrg(ctx, tx); err != nil {
			return err
		}
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.NewError(domain.ErrSubscriptionNotFound, "subscription %s not found", id)
		}
		return fn(tx, sub, s.clock.Now())
	})
}

func validatePlan(spec domain.PlanSpecifier) error {
	if strings.TrimSpace(spec.ProductName) == "" {
		return domain.NewError(domain.ErrInvalidPlan, "product name is required")
	}
	if !spec.BillingPeriod.Valid() {
		return domain.NewError(domain.ErrInvalidPlan, "unknown billing period %q", spec.BillingPeriod)
	}
	if strings.TrimSpace(spec.PriceList) == "" {
		return domain.NewError(domain.ErrInvalidPlan, "price list is required")
	}
	return nil
}

func encodeOverrides(overrides []domain.PriceOverride) (datatypes.JSON, error) {
	if len(overrides) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(overrides)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// scopeToOrg applies the caller's organization to postgres row level security.
func scopeToOrg(ctx context.Context, tx *gorm.DB) error {
	if !db.IsPostgres(tx) {
		return nil
	}
	raw := strings.TrimSpace(obscontext.OrgIDFromContext(ctx))
	if raw == "" {
		return nil
	}
	orgID, err := snowflake.ParseString(raw)
	if err != nil {
		return err
	}
	return rls.WithOrg(tx, orgID)
}
