package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/errors"
	"github.com/golang-sql/civil"
	"github.com/samber/lo"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/datehelper"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	sbdomain "github.com/smallbiznis/entitlements/internal/subscriptionbase/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type EventsStreamBuilder struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	subscriptions sbdomain.Service
}

type BuilderParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Subscriptions sbdomain.Service
}

func NewEventsStreamBuilder(p BuilderParam) *EventsStreamBuilder {
	return &EventsStreamBuilder{
		db:            p.DB,
		log:           p.Log.Named("entitlement.events_stream"),
		clock:         p.Clock,
		subscriptions: p.Subscriptions,
	}
}

// Refresh loads the entitlement, its bundle and the entitlement blocking
// states of the bundle into an immutable snapshot taken at the clock's now.
func (b *EventsStreamBuilder) Refresh(ctx context.Context, entitlementID snowflake.ID) (domain.EventsStream, error) {
	sub, err := b.subscriptions.GetSubscription(ctx, entitlementID)
	if err != nil {
		if errors.Is(err, sbdomain.ErrSubscriptionNotFound) {
			return nil, domain.NewNotFoundError(entitlementID, err)
		}
		return nil, err
	}
	account, err := b.subscriptions.GetAccount(ctx, sub.AccountID)
	if err != nil {
		return nil, err
	}
	zone, err := account.Location()
	if err != nil {
		return nil, err
	}
	bundle, err := b.subscriptions.GetBundle(ctx, sub.BundleID)
	if err != nil {
		return nil, err
	}
	bundleSubs, err := b.subscriptions.ListBundleSubscriptions(ctx, sub.BundleID)
	if err != nil {
		return nil, err
	}

	ids := lo.Map(bundleSubs, func(s sbdomain.Subscription, _ int) snowflake.ID { return s.ID })
	if !lo.Contains(ids, sub.ID) {
		ids = append(ids, sub.ID)
		bundleSubs = append(bundleSubs, sub)
	}
	rows, err := listActiveByBlockedIDs(ctx, b.db, ids, domain.ServiceName)
	if err != nil {
		return nil, errors.Wrapf(err, "load blocking states for bundle %s", sub.BundleID)
	}

	stream := &eventsStream{
		now:          b.clock.Now().UTC(),
		sub:          sub,
		bundle:       bundle,
		account:      account,
		zone:         zone,
		bundleSubs:   bundleSubs,
		states:       lo.GroupBy(rows, func(r domain.BlockingState) snowflake.ID { return r.BlockedID }),
		addonCatalog: map[string][]string{},
	}
	stream.base = stream.findBase()

	if stream.base != nil {
		products := []string{stream.base.ProductName}
		if pending, ok := stream.base.DecodePendingPlan(); ok {
			products = append(products, pending.ProductName)
		}
		for _, product := range lo.Uniq(products) {
			available, err := b.subscriptions.AvailableAddonProducts(ctx, product)
			if err != nil {
				return nil, err
			}
			stream.addonCatalog[product] = available
		}
	}

	stream.entitlement = stream.buildEntitlement()
	return stream, nil
}

type eventsStream struct {
	now          time.Time
	sub          sbdomain.Subscription
	base         *sbdomain.Subscription
	bundle       sbdomain.Bundle
	account      sbdomain.Account
	zone         *time.Location
	bundleSubs   []sbdomain.Subscription
	states       map[snowflake.ID][]domain.BlockingState
	addonCatalog map[string][]string
	entitlement  domain.Entitlement
}

func (s *eventsStream) Entitlement() domain.Entitlement     { return s.entitlement }
func (s *eventsStream) EntitlementID() snowflake.ID         { return s.sub.ID }
func (s *eventsStream) BundleID() snowflake.ID              { return s.sub.BundleID }
func (s *eventsStream) AccountID() snowflake.ID             { return s.sub.AccountID }
func (s *eventsStream) ExternalKey() string                 { return s.bundle.ExternalKey }
func (s *eventsStream) AccountTimeZone() *time.Location     { return s.zone }
func (s *eventsStream) Subscription() sbdomain.Subscription { return s.sub }
func (s *eventsStream) EffectiveStartDate() civil.Date      { return s.entitlement.EffectiveStartDate }
func (s *eventsStream) State() domain.EntitlementState      { return s.entitlement.State }
func (s *eventsStream) IsEntitlementCancelled() bool        { return s.CancellationEvent() != nil }
func (s *eventsStream) IsSubscriptionCancelled() bool       { return s.sub.IsCancelledAt(s.now) }
func (s *eventsStream) PendingCancellationEvents() []domain.BlockingState {
	return pendingCancellations(s.states[s.sub.ID], s.now)
}

// IsEntitlementActive is false once a cancellation is recorded, even a
// pending one, and once billing has ended.
func (s *eventsStream) IsEntitlementActive() bool {
	return s.entitlement.State == domain.EntitlementStateActive && !s.IsSubscriptionCancelled()
}

func (s *eventsStream) ActiveCancellationEvents() []domain.BlockingState {
	return lo.Filter(s.states[s.sub.ID], func(row domain.BlockingState, _ int) bool {
		return row.IsCancellation()
	})
}

// CancellationEvent returns the cancellation that is the current state of the
// entitlement, nil when the entitlement is not cancelled now.
func (s *eventsStream) CancellationEvent() *domain.BlockingState {
	current := currentState(s.states[s.sub.ID], s.now)
	if current == nil || !current.IsCancellation() {
		return nil
	}
	return current
}

func (s *eventsStream) IsBaseEntitlementCancelledAt(at time.Time) bool {
	if s.base == nil {
		return false
	}
	return isCancelledAt(*s.base, s.states[s.base.ID], at)
}

// AddonBlockingStatesForNextBaseEvent returns the cancellations the bundle's
// add-ons receive when the base entitlement transitions at effectiveDate.
func (s *eventsStream) AddonBlockingStatesForNextBaseEvent(effectiveDate time.Time, action domain.NotificationAction) []domain.BlockingState {
	if s.base == nil || s.base.ID != s.sub.ID {
		return nil
	}
	effectiveDate = effectiveDate.UTC()

	addons := lo.Filter(s.bundleSubs, func(addon sbdomain.Subscription, _ int) bool {
		return addon.Category == sbdomain.CategoryAddOn &&
			!addon.StartDate.After(effectiveDate) &&
			!isCancelledAt(addon, s.states[addon.ID], effectiveDate)
	})

	if action == domain.NotificationActionChange {
		available := s.addonCatalog[s.base.PlanAt(effectiveDate).ProductName]
		addons = lo.Reject(addons, func(addon sbdomain.Subscription, _ int) bool {
			return lo.Contains(available, addon.ProductName)
		})
	}

	return lo.Map(addons, func(addon sbdomain.Subscription, _ int) domain.BlockingState {
		return domain.NewCancellationState(addon.ID, effectiveDate)
	})
}

func (s *eventsStream) findBase() *sbdomain.Subscription {
	base, ok := lo.Find(s.bundleSubs, func(sub sbdomain.Subscription) bool {
		return sub.Category == sbdomain.CategoryBase
	})
	if !ok {
		return nil
	}
	return &base
}

func (s *eventsStream) buildEntitlement() domain.Entitlement {
	reference := s.sub.StartDate
	ent := domain.Entitlement{
		ID:                 s.sub.ID,
		BundleID:           s.sub.BundleID,
		AccountID:          s.sub.AccountID,
		ExternalKey:        s.bundle.ExternalKey,
		State:              domain.EntitlementStateActive,
		EffectiveStartDate: datehelper.ToLocalDate(s.sub.StartDate, reference, s.zone),
		ProductName:        s.sub.ProductName,
		PlanName:           s.sub.PlanName,
		Category:           s.sub.Category,
	}

	if cancelled := s.CancellationEvent(); cancelled != nil {
		ent.State = domain.EntitlementStateCancelled
		end := datehelper.ToLocalDate(cancelled.EffectiveDate, reference, s.zone)
		ent.EffectiveEndDate = &end
		return ent
	}
	if pending := s.PendingCancellationEvents(); len(pending) > 0 {
		ent.State = domain.EntitlementStatePendingCancel
		end := datehelper.ToLocalDate(pending[0].EffectiveDate, reference, s.zone)
		ent.EffectiveEndDate = &end
	}
	return ent
}

// currentState is the latest row effective at or before at. rows are ordered
// oldest first.
func currentState(rows []domain.BlockingState, at time.Time) *domain.BlockingState {
	var current *domain.BlockingState
	for i := range rows {
		if rows[i].EffectiveDate.After(at) {
			break
		}
		current = &rows[i]
	}
	if current == nil {
		return nil
	}
	out := *current
	return &out
}

func pendingCancellations(rows []domain.BlockingState, now time.Time) []domain.BlockingState {
	return lo.Filter(rows, func(row domain.BlockingState, _ int) bool {
		return row.IsCancellation() && row.EffectiveDate.After(now)
	})
}

func isCancelledAt(sub sbdomain.Subscription, rows []domain.BlockingState, at time.Time) bool {
	if sub.IsCancelledAt(at) {
		return true
	}
	current := currentState(rows, at)
	return current != nil && current.IsCancellation()
}
