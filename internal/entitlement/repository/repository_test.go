package repository

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-sql/civil"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/eventbus"
	"github.com/smallbiznis/entitlements/internal/migration/dbtest"
	sbdomain "github.com/smallbiznis/entitlements/internal/subscriptionbase/domain"
	sbrepository "github.com/smallbiznis/entitlements/internal/subscriptionbase/repository"
	sbservice "github.com/smallbiznis/entitlements/internal/subscriptionbase/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

type fixture struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	node      *snowflake.Node
	store     *BlockingStateStore
	builder   *EventsStreamBuilder
	publisher *recordingPublisher

	account sbdomain.Account
	bundle  sbdomain.Bundle
	base    sbdomain.Subscription
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(now)
	log := zap.NewNop()
	publisher := &recordingPublisher{}

	subs := sbservice.NewService(sbservice.ServiceParam{
		DB:    db,
		Log:   log,
		Clock: fc,
		Repo:  sbrepository.Provide(),
	})

	f := &fixture{
		db:        db,
		clock:     fc,
		node:      node,
		publisher: publisher,
		store: NewBlockingStateStore(StoreParam{
			DB:        db,
			Log:       log,
			GenID:     node,
			Clock:     fc,
			Publisher: publisher,
		}),
		builder: NewEventsStreamBuilder(BuilderParam{
			DB:            db,
			Log:           log,
			Clock:         fc,
			Subscriptions: subs,
		}),
	}

	orgID := node.Generate()
	f.account = sbdomain.Account{ID: node.Generate(), OrgID: orgID, ExternalKey: "acc-1", TimeZone: "America/New_York"}
	require.NoError(t, db.Create(&f.account).Error)
	f.bundle = sbdomain.Bundle{ID: node.Generate(), OrgID: orgID, AccountID: f.account.ID, ExternalKey: "bundle-1"}
	require.NoError(t, db.Create(&f.bundle).Error)
	f.base = f.addSubscription(t, sbdomain.CategoryBase, "Shotgun", time.Date(2016, 6, 1, 16, 0, 0, 0, time.UTC))
	return f
}

func (f *fixture) addSubscription(t *testing.T, category sbdomain.Category, product string, start time.Time) sbdomain.Subscription {
	t.Helper()
	sub := sbdomain.Subscription{
		ID:            f.node.Generate(),
		OrgID:         f.account.OrgID,
		AccountID:     f.account.ID,
		BundleID:      f.bundle.ID,
		Category:      category,
		ProductName:   product,
		PlanName:      product + "-monthly",
		BillingPeriod: sbdomain.BillingPeriodMonthly,
		PriceList:     "DEFAULT",
		StartDate:     start,
	}
	require.NoError(t, f.db.Create(&sub).Error)
	return sub
}

func (f *fixture) addAddonProduct(t *testing.T, base, addon string) {
	t.Helper()
	require.NoError(t, f.db.Create(&sbdomain.ProductAddon{
		ID:               f.node.Generate(),
		BaseProductName:  base,
		AddonProductName: addon,
	}).Error)
}

func TestCommitPersistsBatchAndPublishes(t *testing.T) {
	now := time.Date(2016, 6, 10, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	ctx := context.Background()
	addon := f.addSubscription(t, sbdomain.CategoryAddOn, "Telescope", time.Date(2016, 6, 2, 0, 0, 0, 0, time.UTC))

	effective := time.Date(2016, 6, 15, 4, 0, 0, 0, time.UTC)
	err := f.store.Commit(ctx, []domain.BlockingState{
		domain.NewCancellationState(f.base.ID, effective),
		domain.NewCancellationState(addon.ID, effective),
	}, f.bundle.ID)
	require.NoError(t, err)

	rows, err := listActiveByBlockedIDs(ctx, f.store.db, []snowflake.ID{f.base.ID, addon.ID}, domain.ServiceName)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.NotZero(t, row.ID)
		assert.True(t, row.IsActive)
		assert.True(t, row.IsCancellation())
		assert.True(t, row.EffectiveDate.Equal(effective))
	}

	require.Len(t, f.publisher.events, 2)
	var transition eventbus.BlockingTransition
	require.NoError(t, json.Unmarshal(f.publisher.events[0].Payload, &transition))
	assert.Equal(t, f.bundle.ID.String(), transition.BundleID)
	assert.Equal(t, domain.StateNameCancelled, transition.StateName)
}

func TestCommitSurvivesPublishFailure(t *testing.T) {
	f := newFixture(t, time.Date(2016, 6, 10, 12, 0, 0, 0, time.UTC))
	f.publisher.err = assert.AnError

	err := f.store.Commit(context.Background(), []domain.BlockingState{
		domain.NewCancellationState(f.base.ID, time.Date(2016, 6, 15, 4, 0, 0, 0, time.UTC)),
	}, f.bundle.ID)
	require.NoError(t, err)

	rows, err := listActiveByBlockedIDs(context.Background(), f.store.db, []snowflake.ID{f.base.ID}, domain.ServiceName)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestCommitEmptyBatchIsNoop(t *testing.T) {
	f := newFixture(t, time.Date(2016, 6, 10, 12, 0, 0, 0, time.UTC))
	require.NoError(t, f.store.Commit(context.Background(), nil, f.bundle.ID))
	assert.Empty(t, f.publisher.events)
}

func TestDeactivateFlipsActiveFlagOnce(t *testing.T) {
	f := newFixture(t, time.Date(2016, 6, 10, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	state := domain.NewCancellationState(f.base.ID, time.Date(2016, 6, 15, 4, 0, 0, 0, time.UTC))
	state.ID = f.node.Generate()
	require.NoError(t, f.store.Commit(ctx, []domain.BlockingState{state}, f.bundle.ID))

	require.NoError(t, f.store.Deactivate(ctx, state.ID))

	var stored domain.BlockingState
	require.NoError(t, f.db.Where("id = ?", state.ID).First(&stored).Error)
	assert.False(t, stored.IsActive)

	err := f.store.Deactivate(ctx, state.ID)
	assert.ErrorIs(t, err, domain.ErrBlockingStateNotFound)
}

func TestRefreshPendingThenCancelled(t *testing.T) {
	f := newFixture(t, time.Date(2016, 6, 10, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	effective := time.Date(2016, 6, 15, 16, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.Commit(ctx, []domain.BlockingState{
		domain.NewCancellationState(f.base.ID, effective),
	}, f.bundle.ID))

	stream, err := f.builder.Refresh(ctx, f.base.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntitlementStatePendingCancel, stream.State())
	assert.False(t, stream.IsEntitlementActive())
	assert.False(t, stream.IsEntitlementCancelled())
	assert.Nil(t, stream.CancellationEvent())
	assert.Len(t, stream.PendingCancellationEvents(), 1)
	assert.Equal(t, "America/New_York", stream.AccountTimeZone().String())
	assert.Equal(t, civil.Date{Year: 2016, Month: time.June, Day: 1}, stream.EffectiveStartDate())
	ent := stream.Entitlement()
	require.NotNil(t, ent.EffectiveEndDate)
	assert.Equal(t, civil.Date{Year: 2016, Month: time.June, Day: 15}, *ent.EffectiveEndDate)
	assert.Equal(t, "bundle-1", ent.ExternalKey)

	f.clock.Set(time.Date(2016, 6, 20, 0, 0, 0, 0, time.UTC))
	stream, err = f.builder.Refresh(ctx, f.base.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntitlementStateCancelled, stream.State())
	assert.True(t, stream.IsEntitlementCancelled())
	require.NotNil(t, stream.CancellationEvent())
	assert.Empty(t, stream.PendingCancellationEvents())
	assert.True(t, stream.IsBaseEntitlementCancelledAt(effective))
	assert.False(t, stream.IsBaseEntitlementCancelledAt(effective.Add(-time.Second)))
}

func TestSupersedeReplacesPendingCancellation(t *testing.T) {
	f := newFixture(t, time.Date(2016, 6, 10, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	first := domain.NewCancellationState(f.base.ID, time.Date(2016, 7, 20, 16, 0, 0, 0, time.UTC))
	first.ID = f.node.Generate()
	require.NoError(t, f.store.Commit(ctx, []domain.BlockingState{first}, f.bundle.ID))

	replacement := domain.NewCancellationState(f.base.ID, time.Date(2016, 7, 1, 16, 0, 0, 0, time.UTC))
	require.NoError(t, f.store.Supersede(ctx, []snowflake.ID{first.ID}, []domain.BlockingState{replacement}, f.bundle.ID))

	stream, err := f.builder.Refresh(ctx, f.base.ID)
	require.NoError(t, err)
	require.Len(t, stream.ActiveCancellationEvents(), 1)
	pending := stream.PendingCancellationEvents()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].EffectiveDate.Equal(replacement.EffectiveDate))
	assert.Len(t, f.publisher.events, 3)

	// a row that is no longer active aborts the whole batch
	again := domain.NewCancellationState(f.base.ID, time.Date(2016, 6, 20, 16, 0, 0, 0, time.UTC))
	err = f.store.Supersede(ctx, []snowflake.ID{first.ID}, []domain.BlockingState{again}, f.bundle.ID)
	assert.ErrorIs(t, err, domain.ErrBlockingStateNotFound)

	stream, err = f.builder.Refresh(ctx, f.base.ID)
	require.NoError(t, err)
	assert.Len(t, stream.ActiveCancellationEvents(), 1)
}

func TestRefreshBillingCancelledEntitlementIsNotActive(t *testing.T) {
	f := newFixture(t, time.Date(2016, 6, 10, 12, 0, 0, 0, time.UTC))
	ended := time.Date(2016, 6, 5, 16, 0, 0, 0, time.UTC)
	require.NoError(t, f.db.Model(&sbdomain.Subscription{}).Where("id = ?", f.base.ID).Update("cancelled_date", ended).Error)

	stream, err := f.builder.Refresh(context.Background(), f.base.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntitlementStateActive, stream.State())
	assert.True(t, stream.IsSubscriptionCancelled())
	assert.False(t, stream.IsEntitlementActive())
}

func TestRefreshUnknownEntitlement(t *testing.T) {
	f := newFixture(t, time.Date(2016, 6, 10, 12, 0, 0, 0, time.UTC))
	_, err := f.builder.Refresh(context.Background(), f.node.Generate())
	assert.ErrorIs(t, err, domain.ErrEntitlementNotFound)
}

func TestAddonStatesOnBaseCancellation(t *testing.T) {
	f := newFixture(t, time.Date(2016, 6, 10, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	effective := time.Date(2016, 6, 10, 12, 0, 0, 0, time.UTC)

	active := f.addSubscription(t, sbdomain.CategoryAddOn, "Telescope", time.Date(2016, 6, 2, 0, 0, 0, 0, time.UTC))
	f.addSubscription(t, sbdomain.CategoryAddOn, "Laser", time.Date(2016, 7, 1, 0, 0, 0, 0, time.UTC))
	alreadyCancelled := f.addSubscription(t, sbdomain.CategoryAddOn, "Holster", time.Date(2016, 6, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, f.store.Commit(ctx, []domain.BlockingState{
		domain.NewCancellationState(alreadyCancelled.ID, time.Date(2016, 6, 5, 0, 0, 0, 0, time.UTC)),
	}, f.bundle.ID))

	stream, err := f.builder.Refresh(ctx, f.base.ID)
	require.NoError(t, err)

	states := stream.AddonBlockingStatesForNextBaseEvent(effective, domain.NotificationActionCancel)
	require.Len(t, states, 1)
	assert.Equal(t, active.ID, states[0].BlockedID)
	assert.Equal(t, domain.StateNameCancelled, states[0].StateName)
	assert.Equal(t, domain.ServiceName, states[0].Service)
	assert.True(t, states[0].EffectiveDate.Equal(effective))

	addonStream, err := f.builder.Refresh(ctx, active.ID)
	require.NoError(t, err)
	assert.Empty(t, addonStream.AddonBlockingStatesForNextBaseEvent(effective, domain.NotificationActionCancel))
}

func TestAddonStatesOnBaseChangeKeepAvailableAddons(t *testing.T) {
	f := newFixture(t, time.Date(2016, 6, 10, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	effective := time.Date(2016, 6, 12, 0, 0, 0, 0, time.UTC)

	f.addAddonProduct(t, "Shotgun", "Telescope")
	f.addAddonProduct(t, "Shotgun", "Laser")
	f.addAddonProduct(t, "Assault-Rifle", "Telescope")
	telescope := f.addSubscription(t, sbdomain.CategoryAddOn, "Telescope", time.Date(2016, 6, 2, 0, 0, 0, 0, time.UTC))
	laser := f.addSubscription(t, sbdomain.CategoryAddOn, "Laser", time.Date(2016, 6, 2, 0, 0, 0, 0, time.UTC))

	pending, err := json.Marshal(sbdomain.PlanSpecifier{ProductName: "Assault-Rifle", BillingPeriod: sbdomain.BillingPeriodMonthly, PriceList: "DEFAULT"})
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&sbdomain.Subscription{}).Where("id = ?", f.base.ID).Updates(map[string]any{
		"pending_plan":        datatypes.JSON(pending),
		"pending_change_date": effective,
	}).Error)

	stream, err := f.builder.Refresh(ctx, f.base.ID)
	require.NoError(t, err)

	before := stream.AddonBlockingStatesForNextBaseEvent(effective.Add(-time.Hour), domain.NotificationActionChange)
	assert.Empty(t, before)

	states := stream.AddonBlockingStatesForNextBaseEvent(effective, domain.NotificationActionChange)
	require.Len(t, states, 1)
	assert.Equal(t, laser.ID, states[0].BlockedID)
	assert.NotEqual(t, telescope.ID, states[0].BlockedID)
}
