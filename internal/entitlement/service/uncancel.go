package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/errors"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
)

// Uncancel reactivates an entitlement whose cancellation has not been realized
// by billing. Cancellation rows are deactivated, never deleted.
func (s *Service) Uncancel(ctx context.Context, req domain.UncancelRequest) (domain.Entitlement, error) {
	return s.run(ctx, opUncancel, req.EntitlementID, func(ctx context.Context, id snowflake.ID) (domain.Entitlement, error) {
		if err := s.permissions.Ensure(ctx, domain.PermissionCancel); err != nil {
			return domain.Entitlement{}, err
		}
		stream, err := s.streams.Refresh(ctx, id)
		if err != nil {
			return domain.Entitlement{}, err
		}

		opCtx := s.operationContext(stream, domain.OperationTypeUndoCancelSubscription, nil, req.Properties)
		return s.plugins.Run(ctx, opCtx, func(ctx context.Context, _ domain.OperationContext) (domain.Entitlement, error) {
			if stream.IsSubscriptionCancelled() {
				return domain.Entitlement{}, domain.NewBadStateError(domain.CodeUncancelBadState, id, stream.State())
			}

			if !stream.IsEntitlementCancelled() && len(stream.PendingCancellationEvents()) == 0 {
				return domain.Entitlement{}, domain.NewBadStateError(domain.CodeUncancelBadState, id, stream.State())
			}

			// every active cancellation goes, including ones an earlier
			// cancellation left behind
			rows := stream.ActiveCancellationEvents()
			superseded := make([]snowflake.ID, len(rows))
			for i, row := range rows {
				superseded[i] = row.ID
			}
			if err := s.store.Deactivate(ctx, superseded...); err != nil {
				return domain.Entitlement{}, errors.Wrapf(err, "deactivate cancellations of entitlement %s", id)
			}

			if stream.Subscription().FutureEndDate(s.clock.Now()) != nil {
				if err := s.subscriptions.Uncancel(ctx, id); err != nil {
					return domain.Entitlement{}, domain.WrapUnderlyingError(id, err)
				}
			}

			return s.getEntitlement(ctx, id)
		})
	})
}
