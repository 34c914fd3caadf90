package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-sql/civil"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	sbdomain "github.com/smallbiznis/entitlements/internal/subscriptionbase/domain"
)

func (s *Service) CancelWithPolicy(ctx context.Context, req domain.CancelWithPolicyRequest) (domain.Entitlement, error) {
	return s.run(ctx, opCancelWithPolicy, req.EntitlementID, func(ctx context.Context, id snowflake.ID) (domain.Entitlement, error) {
		// The charged-through date must be current before the policy is resolved.
		stream, err := s.streams.Refresh(ctx, id)
		if err != nil {
			return domain.Entitlement{}, err
		}
		date, err := s.policyLocalDate(stream, req.Policy)
		if err != nil {
			return domain.Entitlement{}, err
		}
		return s.cancelWithDate(ctx, id, &date, false, req.Properties)
	})
}

func (s *Service) CancelWithDate(ctx context.Context, req domain.CancelWithDateRequest) (domain.Entitlement, error) {
	return s.run(ctx, opCancelWithDate, req.EntitlementID, func(ctx context.Context, id snowflake.ID) (domain.Entitlement, error) {
		return s.cancelWithDate(ctx, id, req.LocalDate, req.OverrideBillingEffectiveDate, req.Properties)
	})
}

func (s *Service) CancelWithPolicyOverrideBillingPolicy(ctx context.Context, req domain.CancelWithPolicyOverrideBillingPolicyRequest) (domain.Entitlement, error) {
	return s.run(ctx, opCancelPolicyOverride, req.EntitlementID, func(ctx context.Context, id snowflake.ID) (domain.Entitlement, error) {
		stream, err := s.streams.Refresh(ctx, id)
		if err != nil {
			return domain.Entitlement{}, err
		}
		date, err := s.policyLocalDate(stream, req.Policy)
		if err != nil {
			return domain.Entitlement{}, err
		}
		return s.cancelWithDateOverrideBillingPolicy(ctx, id, &date, req.BillingPolicy, req.Properties)
	})
}

func (s *Service) CancelWithDateOverrideBillingPolicy(ctx context.Context, req domain.CancelWithDateOverrideBillingPolicyRequest) (domain.Entitlement, error) {
	return s.run(ctx, opCancelDateOverride, req.EntitlementID, func(ctx context.Context, id snowflake.ID) (domain.Entitlement, error) {
		return s.cancelWithDateOverrideBillingPolicy(ctx, id, req.LocalDate, req.BillingPolicy, req.Properties)
	})
}

func (s *Service) cancelWithDate(ctx context.Context, id snowflake.ID, localDate *civil.Date, overrideBilling bool, properties []domain.PluginProperty) (domain.Entitlement, error) {
	if err := s.permissions.Ensure(ctx, domain.PermissionCancel); err != nil {
		return domain.Entitlement{}, err
	}
	stream, err := s.streams.Refresh(ctx, id)
	if err != nil {
		return domain.Entitlement{}, err
	}

	opCtx := s.operationContext(stream, domain.OperationTypeCancelSubscription, localDate, properties)
	return s.plugins.Run(ctx, opCtx, func(ctx context.Context, updated domain.OperationContext) (domain.Entitlement, error) {
		if stream.IsEntitlementCancelled() {
			return domain.Entitlement{}, domain.NewBadStateError(domain.CodeCancelBadState, id, domain.EntitlementStateCancelled)
		}

		zone := stream.AccountTimeZone()
		sub := stream.Subscription()
		effective := s.dates.FromLocalDateAndReferenceTime(s.localDateOrToday(updated.EffectiveDate, zone), sub.StartDate, zone)

		var cancelErr error
		if overrideBilling {
			cancelErr = s.subscriptions.CancelWithDate(ctx, id, effective)
		} else {
			_, cancelErr = s.subscriptions.Cancel(ctx, id)
		}
		if cancelErr != nil {
			return domain.Entitlement{}, domain.WrapUnderlyingError(id, cancelErr)
		}

		// a pending cancellation is replaced by the new one
		state := domain.NewCancellationState(id, effective)
		return s.commitTransition(ctx, stream, transition{
			effectiveDate: effective,
			cancellation:  true,
			state:         &state,
			superseded:    stream.PendingCancellationEvents(),
		})
	})
}

func (s *Service) cancelWithDateOverrideBillingPolicy(ctx context.Context, id snowflake.ID, localDate *civil.Date, billingPolicy sbdomain.BillingActionPolicy, properties []domain.PluginProperty) (domain.Entitlement, error) {
	if err := s.permissions.Ensure(ctx, domain.PermissionCancel); err != nil {
		return domain.Entitlement{}, err
	}
	stream, err := s.streams.Refresh(ctx, id)
	if err != nil {
		return domain.Entitlement{}, err
	}

	opCtx := s.operationContext(stream, domain.OperationTypeCancelSubscription, localDate, properties)
	return s.plugins.Run(ctx, opCtx, func(ctx context.Context, updated domain.OperationContext) (domain.Entitlement, error) {
		if stream.IsEntitlementCancelled() {
			return domain.Entitlement{}, domain.NewBadStateError(domain.CodeCancelBadState, id, domain.EntitlementStateCancelled)
		}

		// resolved before billing is touched
		zone := stream.AccountTimeZone()
		sub := stream.Subscription()
		effective := s.dates.FromLocalDateAndReferenceTime(s.localDateOrToday(updated.EffectiveDate, zone), sub.StartDate, zone)

		if _, err := s.subscriptions.CancelWithPolicy(ctx, id, billingPolicy); err != nil {
			return domain.Entitlement{}, domain.WrapUnderlyingError(id, err)
		}

		// a pending cancellation is replaced by the new one
		state := domain.NewCancellationState(id, effective)
		return s.commitTransition(ctx, stream, transition{
			effectiveDate: effective,
			cancellation:  true,
			state:         &state,
			superseded:    stream.PendingCancellationEvents(),
		})
	})
}

// policyLocalDate resolves the account-local cancellation date of a policy,
// never earlier than the entitlement start.
func (s *Service) policyLocalDate(stream domain.EventsStream, policy domain.EntitlementActionPolicy) (civil.Date, error) {
	zone := stream.AccountTimeZone()
	if zone == nil {
		zone = time.UTC
	}

	var date civil.Date
	switch policy {
	case domain.EntitlementActionPolicyImmediate:
		date = s.dates.Today(zone)
	case domain.EntitlementActionPolicyEndOfTerm:
		if ctd := stream.Subscription().ChargedThroughDate; ctd != nil {
			date = civil.DateOf(ctd.In(zone))
		} else {
			date = s.dates.Today(zone)
		}
	default:
		return civil.Date{}, domain.NewInvalidPolicyError(stream.EntitlementID(), policy)
	}

	if start := stream.EffectiveStartDate(); date.Before(start) {
		return start, nil
	}
	return date, nil
}
