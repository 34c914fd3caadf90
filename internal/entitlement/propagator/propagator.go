// Package propagator derives the add-on effects of a base entitlement
// transition and decides whether they apply now or at a later notification.
package propagator

import (
	"context"

	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	sbdomain "github.com/smallbiznis/entitlements/internal/subscriptionbase/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Streams domain.EventsStreamBuilder
	Store   domain.BlockingStateStore
}

type Propagator struct {
	log     *zap.Logger
	streams domain.EventsStreamBuilder
	store   domain.BlockingStateStore
}

func New(p Params) *Propagator {
	return &Propagator{
		log:     p.Log.Named("entitlement.propagator"),
		streams: p.Streams,
		store:   p.Store,
	}
}

// ComputeAddOnBlockingStates returns either the add-on states to commit with
// the base transition or, when the transition lies in the future, a single
// notification to recompute them at that instant.
func (p *Propagator) ComputeAddOnBlockingStates(ctx context.Context, req domain.PropagationRequest) (domain.Propagation, error) {
	stream, err := p.streams.Refresh(ctx, req.EntitlementID)
	if err != nil {
		return domain.Propagation{}, err
	}
	if stream.Subscription().Category != sbdomain.CategoryBase {
		return domain.Propagation{}, nil
	}

	action := domain.NotificationActionChange
	if req.Cancellation {
		action = domain.NotificationActionCancel
	}

	effective := req.EffectiveDate.UTC()
	if effective.After(req.Now) {
		return domain.Propagation{
			Notifications: []domain.DeferredNotification{{
				EntitlementID: stream.EntitlementID(),
				BundleID:      stream.BundleID(),
				Action:        action,
				EffectiveDate: effective,
			}},
		}, nil
	}

	return domain.Propagation{
		States: stream.AddonBlockingStatesForNextBaseEvent(effective, action),
	}, nil
}

// HandleNotification is the re-entry point for a notification whose
// effective date has been reached.
func (p *Propagator) HandleNotification(ctx context.Context, notification domain.DeferredNotification) error {
	log := p.log.With(
		zap.String("entitlement_id", notification.EntitlementID.String()),
		zap.String("action", string(notification.Action)),
		zap.Time("effective_date", notification.EffectiveDate),
	)

	stream, err := p.streams.Refresh(ctx, notification.EntitlementID)
	if err != nil {
		return err
	}
	if stream.Subscription().Category != sbdomain.CategoryBase {
		log.Debug("notification skipped, entitlement is not a base")
		return nil
	}

	effective := notification.EffectiveDate.UTC()
	if notification.Action == domain.NotificationActionCancel && !stream.IsBaseEntitlementCancelledAt(effective) {
		log.Info("notification acknowledged, base entitlement no longer cancelled")
		return nil
	}

	states := stream.AddonBlockingStatesForNextBaseEvent(effective, notification.Action)
	if len(states) == 0 {
		return nil
	}
	if err := p.store.Commit(ctx, states, stream.BundleID()); err != nil {
		return err
	}
	log.Info("add-on blocking states committed", zap.Int("count", len(states)))
	return nil
}
