package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-sql/civil"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	sbdomain "github.com/smallbiznis/entitlements/internal/subscriptionbase/domain"
)

type changeMode int

const (
	changeDefault changeMode = iota
	changeWithDate
	changeWithPolicy
)

type changeRequest struct {
	mode       changeMode
	plan       sbdomain.PlanSpecifier
	overrides  []sbdomain.PriceOverride
	localDate  *civil.Date
	policy     sbdomain.BillingActionPolicy
	properties []domain.PluginProperty
}

func (s *Service) ChangePlan(ctx context.Context, req domain.ChangePlanRequest) (domain.Entitlement, error) {
	return s.run(ctx, opChangePlan, req.EntitlementID, func(ctx context.Context, id snowflake.ID) (domain.Entitlement, error) {
		return s.changePlan(ctx, id, changeRequest{
			mode:       changeDefault,
			plan:       req.Plan,
			overrides:  req.Overrides,
			properties: req.Properties,
		})
	})
}

func (s *Service) ChangePlanWithDate(ctx context.Context, req domain.ChangePlanWithDateRequest) (domain.Entitlement, error) {
	return s.run(ctx, opChangePlanWithDate, req.EntitlementID, func(ctx context.Context, id snowflake.ID) (domain.Entitlement, error) {
		return s.changePlan(ctx, id, changeRequest{
			mode:       changeWithDate,
			plan:       req.Plan,
			overrides:  req.Overrides,
			localDate:  req.LocalDate,
			properties: req.Properties,
		})
	})
}

func (s *Service) ChangePlanOverrideBillingPolicy(ctx context.Context, req domain.ChangePlanOverrideBillingPolicyRequest) (domain.Entitlement, error) {
	return s.run(ctx, opChangePlanOverride, req.EntitlementID, func(ctx context.Context, id snowflake.ID) (domain.Entitlement, error) {
		return s.changePlan(ctx, id, changeRequest{
			mode:       changeWithPolicy,
			plan:       req.Plan,
			overrides:  req.Overrides,
			localDate:  req.LocalDate,
			policy:     req.BillingPolicy,
			properties: req.Properties,
		})
	})
}

func (s *Service) changePlan(ctx context.Context, id snowflake.ID, req changeRequest) (domain.Entitlement, error) {
	if err := s.permissions.Ensure(ctx, domain.PermissionChangePlan); err != nil {
		return domain.Entitlement{}, err
	}
	stream, err := s.streams.Refresh(ctx, id)
	if err != nil {
		return domain.Entitlement{}, err
	}

	opCtx := s.operationContext(stream, domain.OperationTypeChangePlan, req.localDate, req.properties)
	return s.plugins.Run(ctx, opCtx, func(ctx context.Context, updated domain.OperationContext) (domain.Entitlement, error) {
		if !stream.IsEntitlementActive() {
			return domain.Entitlement{}, domain.NewBadStateError(domain.CodeChangeNonActive, id, stream.State())
		}

		sub := stream.Subscription()
		var requested *time.Time
		var policy *sbdomain.BillingActionPolicy
		switch req.mode {
		case changeWithDate:
			zone := stream.AccountTimeZone()
			at := s.dates.FromLocalDateAndReferenceTime(s.localDateOrToday(updated.EffectiveDate, zone), sub.StartDate, zone)
			requested = &at
		case changeWithPolicy:
			policy = &req.policy
		}

		// A caller supplied date still goes through the resolver so policy
		// adjustments apply the same way for every variant.
		effective, err := s.resolver.DryRunChangePlanEffectiveDate(ctx, sub, req.plan, requested, policy)
		if err != nil {
			return domain.Entitlement{}, domain.WrapUnderlyingError(id, err)
		}

		if err := s.blocking.CheckBlockedChange(ctx, sub, effective); err != nil {
			if domain.IsSubscriptionBlockedChange(err) {
				return domain.Entitlement{}, domain.WrapBlockedError(id, err)
			}
			return domain.Entitlement{}, err
		}

		switch req.mode {
		case changeWithDate:
			err = s.subscriptions.ChangePlanWithDate(ctx, id, req.plan, req.overrides, effective)
		case changeWithPolicy:
			_, err = s.subscriptions.ChangePlanWithPolicy(ctx, id, req.plan, req.overrides, req.policy)
		default:
			_, err = s.subscriptions.ChangePlan(ctx, id, req.plan, req.overrides)
		}
		if err != nil {
			return domain.Entitlement{}, domain.WrapUnderlyingError(id, err)
		}

		return s.commitTransition(ctx, stream, transition{effectiveDate: effective})
	})
}
