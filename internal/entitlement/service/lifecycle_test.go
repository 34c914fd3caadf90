package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/errors"
	"github.com/golang-sql/civil"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/datehelper"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/entitlement/propagator"
	"github.com/smallbiznis/entitlements/internal/entitlement/repository"
	"github.com/smallbiznis/entitlements/internal/migration/dbtest"
	sbdomain "github.com/smallbiznis/entitlements/internal/subscriptionbase/domain"
	sbrepository "github.com/smallbiznis/entitlements/internal/subscriptionbase/repository"
	sbservice "github.com/smallbiznis/entitlements/internal/subscriptionbase/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// lifecycleFixture wires the orchestrator to the sqlite backed stores so the
// blocking state rows can be inspected after each call.
type lifecycleFixture struct {
	db    *gorm.DB
	clock *clock.FakeClock
	svc   *Service
	store *repository.BlockingStateStore
	base  sbdomain.Subscription
}

func newLifecycleFixture(t *testing.T, now time.Time, chargedThrough time.Time) *lifecycleFixture {
	t.Helper()
	db := dbtest.Open(t)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	fc := clock.NewFakeClock(now)
	log := zap.NewNop()

	subs := sbservice.NewService(sbservice.ServiceParam{
		DB:    db,
		Log:   log,
		Clock: fc,
		Repo:  sbrepository.Provide(),
	})
	store := repository.NewBlockingStateStore(repository.StoreParam{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: fc,
	})
	streams := repository.NewEventsStreamBuilder(repository.BuilderParam{
		DB:            db,
		Log:           log,
		Clock:         fc,
		Subscriptions: subs,
	})
	permissions := &permissionsMock{}
	permissions.On("Ensure", mock.Anything, mock.Anything).Return(nil)
	scheduler := &schedulerMock{}
	scheduler.On("ScheduleAt", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	svc := NewService(ServiceParam{
		Log:           log,
		Clock:         fc,
		Dates:         datehelper.NewHelper(fc),
		Streams:       streams,
		Subscriptions: subs,
		Resolver:      subs,
		Blocking:      subs,
		Store:         store,
		Scheduler:     scheduler,
		Permissions:   permissions,
		Plugins:       NewPluginExecution(PluginParams{Log: log}),
		Propagator:    propagator.New(propagator.Params{Log: log, Streams: streams, Store: store}),
	}).(*Service)

	orgID := node.Generate()
	account := sbdomain.Account{ID: node.Generate(), OrgID: orgID, ExternalKey: "acc-1", TimeZone: "America/New_York"}
	require.NoError(t, db.Create(&account).Error)
	bundle := sbdomain.Bundle{ID: node.Generate(), OrgID: orgID, AccountID: account.ID, ExternalKey: "bundle-1"}
	require.NoError(t, db.Create(&bundle).Error)
	base := sbdomain.Subscription{
		ID:                 node.Generate(),
		OrgID:              orgID,
		AccountID:          account.ID,
		BundleID:           bundle.ID,
		Category:           sbdomain.CategoryBase,
		ProductName:        "Shotgun",
		PlanName:           "shotgun-monthly",
		BillingPeriod:      sbdomain.BillingPeriodMonthly,
		PriceList:          "DEFAULT",
		StartDate:          time.Date(2016, 6, 1, 16, 0, 0, 0, time.UTC),
		ChargedThroughDate: &chargedThrough,
	}
	require.NoError(t, db.Create(&base).Error)

	return &lifecycleFixture{db: db, clock: fc, svc: svc, store: store, base: base}
}

func (f *lifecycleFixture) activeCancellations(t *testing.T) []domain.BlockingState {
	t.Helper()
	var rows []domain.BlockingState
	require.NoError(t, f.db.
		Where("blocked_id = ? AND service = ? AND state_name = ? AND is_active = ?",
			f.base.ID, domain.ServiceName, domain.StateNameCancelled, true).
		Order("effective_date ASC").
		Find(&rows).Error)
	return rows
}

func (f *lifecycleFixture) billing(t *testing.T) sbdomain.Subscription {
	t.Helper()
	var sub sbdomain.Subscription
	require.NoError(t, f.db.Where("id = ?", f.base.ID).First(&sub).Error)
	return sub
}

func TestLifecycleChangePlanOnPendingCancellationIsBadState(t *testing.T) {
	f := newLifecycleFixture(t,
		time.Date(2016, 6, 10, 12, 0, 0, 0, time.UTC),
		time.Date(2016, 7, 1, 16, 0, 0, 0, time.UTC),
	)
	ctx := context.Background()

	ent, err := f.svc.CancelWithPolicy(ctx, domain.CancelWithPolicyRequest{
		EntitlementID: f.base.ID.String(),
		Policy:        domain.EntitlementActionPolicyEndOfTerm,
	})
	require.NoError(t, err)
	require.Equal(t, domain.EntitlementStatePendingCancel, ent.State)

	_, err = f.svc.ChangePlan(ctx, domain.ChangePlanRequest{
		EntitlementID: f.base.ID.String(),
		Plan:          sbdomain.PlanSpecifier{ProductName: "Pistol", BillingPeriod: sbdomain.BillingPeriodMonthly, PriceList: "DEFAULT"},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBadState)
	assert.False(t, errors.Is(err, domain.ErrUnderlyingMutation))
	var entErr *domain.EntitlementError
	require.True(t, errors.As(err, &entErr))
	assert.Equal(t, domain.CodeChangeNonActive, entErr.Code)
	assert.Equal(t, "Shotgun", f.billing(t).ProductName)
}

func TestLifecycleRecancelKeepsSingleCancellationAndUncancelRestores(t *testing.T) {
	f := newLifecycleFixture(t,
		time.Date(2016, 6, 10, 12, 0, 0, 0, time.UTC),
		time.Date(2016, 9, 1, 16, 0, 0, 0, time.UTC),
	)
	ctx := context.Background()
	id := f.base.ID.String()

	later := civil.Date{Year: 2016, Month: time.July, Day: 20}
	ent, err := f.svc.CancelWithDate(ctx, domain.CancelWithDateRequest{EntitlementID: id, LocalDate: &later})
	require.NoError(t, err)
	require.Equal(t, domain.EntitlementStatePendingCancel, ent.State)

	earlier := civil.Date{Year: 2016, Month: time.July, Day: 1}
	ent, err = f.svc.CancelWithDate(ctx, domain.CancelWithDateRequest{EntitlementID: id, LocalDate: &earlier})
	require.NoError(t, err)
	assert.Equal(t, domain.EntitlementStatePendingCancel, ent.State)
	require.NotNil(t, ent.EffectiveEndDate)
	assert.Equal(t, earlier, *ent.EffectiveEndDate)

	rows := f.activeCancellations(t)
	require.Len(t, rows, 1)
	// noon in New York, anchored on the subscription start
	assert.True(t, rows[0].EffectiveDate.Equal(time.Date(2016, 7, 1, 16, 0, 0, 0, time.UTC)))

	f.clock.Set(time.Date(2016, 8, 1, 12, 0, 0, 0, time.UTC))
	ent, err = f.svc.GetEntitlement(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.EntitlementStateCancelled, ent.State)

	ent, err = f.svc.Uncancel(ctx, domain.UncancelRequest{EntitlementID: id})
	require.NoError(t, err)
	assert.Equal(t, domain.EntitlementStateActive, ent.State)
	assert.Nil(t, ent.EffectiveEndDate)
	assert.Empty(t, f.activeCancellations(t))
	assert.Nil(t, f.billing(t).CancelledDate)
}

func TestLifecycleUncancelDeactivatesEveryActiveCancellation(t *testing.T) {
	f := newLifecycleFixture(t,
		time.Date(2016, 8, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2016, 9, 1, 16, 0, 0, 0, time.UTC),
	)
	ctx := context.Background()

	require.NoError(t, f.store.Commit(ctx, []domain.BlockingState{
		domain.NewCancellationState(f.base.ID, time.Date(2016, 7, 1, 16, 0, 0, 0, time.UTC)),
		domain.NewCancellationState(f.base.ID, time.Date(2016, 7, 20, 16, 0, 0, 0, time.UTC)),
	}, f.base.BundleID))
	require.Len(t, f.activeCancellations(t), 2)

	ent, err := f.svc.Uncancel(ctx, domain.UncancelRequest{EntitlementID: f.base.ID.String()})

	require.NoError(t, err)
	assert.Equal(t, domain.EntitlementStateActive, ent.State)
	assert.Empty(t, f.activeCancellations(t))

	_, err = f.svc.Uncancel(ctx, domain.UncancelRequest{EntitlementID: f.base.ID.String()})
	assert.ErrorIs(t, err, domain.ErrBadState)
}
