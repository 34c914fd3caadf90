package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-sql/civil"
	"github.com/smallbiznis/entitlements/internal/datehelper"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	sbdomain "github.com/smallbiznis/entitlements/internal/subscriptionbase/domain"
	"github.com/stretchr/testify/mock"
)

// -- Snapshot fake --

type fakeStream struct {
	sub          sbdomain.Subscription
	zone         *time.Location
	state        domain.EntitlementState
	cancellation *domain.BlockingState
	pending      []domain.BlockingState
	// stale holds active cancellation rows already overtaken by a later state.
	stale        []domain.BlockingState
	subCancelled bool
	endDate      *civil.Date
}

func (s *fakeStream) Entitlement() domain.Entitlement {
	return domain.Entitlement{
		ID:                 s.sub.ID,
		BundleID:           s.sub.BundleID,
		AccountID:          s.sub.AccountID,
		ExternalKey:        "bundle-key",
		State:              s.State(),
		EffectiveStartDate: s.EffectiveStartDate(),
		EffectiveEndDate:   s.endDate,
		ProductName:        s.sub.ProductName,
		PlanName:           s.sub.PlanName,
		Category:           s.sub.Category,
	}
}
func (s *fakeStream) EntitlementID() snowflake.ID         { return s.sub.ID }
func (s *fakeStream) BundleID() snowflake.ID              { return s.sub.BundleID }
func (s *fakeStream) AccountID() snowflake.ID             { return s.sub.AccountID }
func (s *fakeStream) ExternalKey() string                 { return "bundle-key" }
func (s *fakeStream) AccountTimeZone() *time.Location     { return s.zone }
func (s *fakeStream) Subscription() sbdomain.Subscription { return s.sub }
func (s *fakeStream) IsEntitlementActive() bool {
	return s.State() == domain.EntitlementStateActive && !s.subCancelled
}
func (s *fakeStream) IsEntitlementCancelled() bool  { return s.cancellation != nil }
func (s *fakeStream) IsSubscriptionCancelled() bool { return s.subCancelled }
func (s *fakeStream) CancellationEvent() *domain.BlockingState {
	return s.cancellation
}
func (s *fakeStream) PendingCancellationEvents() []domain.BlockingState { return s.pending }
func (s *fakeStream) ActiveCancellationEvents() []domain.BlockingState {
	rows := append([]domain.BlockingState{}, s.stale...)
	if s.cancellation != nil {
		rows = append(rows, *s.cancellation)
	}
	return append(rows, s.pending...)
}
func (s *fakeStream) IsBaseEntitlementCancelledAt(time.Time) bool { return false }
func (s *fakeStream) AddonBlockingStatesForNextBaseEvent(time.Time, domain.NotificationAction) []domain.BlockingState {
	return nil
}
func (s *fakeStream) EffectiveStartDate() civil.Date {
	return datehelper.ToLocalDate(s.sub.StartDate, s.sub.StartDate, s.zone)
}
func (s *fakeStream) State() domain.EntitlementState {
	if s.state != "" {
		return s.state
	}
	switch {
	case s.cancellation != nil:
		return domain.EntitlementStateCancelled
	case len(s.pending) > 0:
		return domain.EntitlementStatePendingCancel
	default:
		return domain.EntitlementStateActive
	}
}

// -- Mocks --

type streamsMock struct {
	mock.Mock
}

func (m *streamsMock) Refresh(ctx context.Context, id snowflake.ID) (domain.EventsStream, error) {
	args := m.Called(ctx, id)
	res := args.Get(0)
	if res == nil {
		return nil, args.Error(1)
	}
	return res.(domain.EventsStream), args.Error(1)
}

type subscriptionsMock struct {
	mock.Mock
}

func (m *subscriptionsMock) Cancel(ctx context.Context, id snowflake.ID) (time.Time, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *subscriptionsMock) CancelWithDate(ctx context.Context, id snowflake.ID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *subscriptionsMock) CancelWithPolicy(ctx context.Context, id snowflake.ID, policy sbdomain.BillingActionPolicy) (time.Time, error) {
	args := m.Called(ctx, id, policy)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *subscriptionsMock) Uncancel(ctx context.Context, id snowflake.ID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *subscriptionsMock) ChangePlan(ctx context.Context, id snowflake.ID, spec sbdomain.PlanSpecifier, overrides []sbdomain.PriceOverride) (time.Time, error) {
	args := m.Called(ctx, id, spec, overrides)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *subscriptionsMock) ChangePlanWithDate(ctx context.Context, id snowflake.ID, spec sbdomain.PlanSpecifier, overrides []sbdomain.PriceOverride, at time.Time) error {
	args := m.Called(ctx, id, spec, overrides, at)
	return args.Error(0)
}

func (m *subscriptionsMock) ChangePlanWithPolicy(ctx context.Context, id snowflake.ID, spec sbdomain.PlanSpecifier, overrides []sbdomain.PriceOverride, policy sbdomain.BillingActionPolicy) (time.Time, error) {
	args := m.Called(ctx, id, spec, overrides, policy)
	return args.Get(0).(time.Time), args.Error(1)
}

type resolverMock struct {
	mock.Mock
}

func (m *resolverMock) DryRunChangePlanEffectiveDate(ctx context.Context, sub sbdomain.Subscription, spec sbdomain.PlanSpecifier, requested *time.Time, policy *sbdomain.BillingActionPolicy) (time.Time, error) {
	args := m.Called(ctx, sub, spec, requested, policy)
	return args.Get(0).(time.Time), args.Error(1)
}

type blockingMock struct {
	mock.Mock
}

func (m *blockingMock) CheckBlockedChange(ctx context.Context, sub sbdomain.Subscription, at time.Time) error {
	args := m.Called(ctx, sub, at)
	return args.Error(0)
}

type storeMock struct {
	mock.Mock
}

func (m *storeMock) Commit(ctx context.Context, states []domain.BlockingState, bundleID snowflake.ID) error {
	args := m.Called(ctx, states, bundleID)
	return args.Error(0)
}

func (m *storeMock) Supersede(ctx context.Context, superseded []snowflake.ID, states []domain.BlockingState, bundleID snowflake.ID) error {
	args := m.Called(ctx, superseded, states, bundleID)
	return args.Error(0)
}

func (m *storeMock) Deactivate(ctx context.Context, ids ...snowflake.ID) error {
	args := m.Called(ctx, ids)
	return args.Error(0)
}

type schedulerMock struct {
	mock.Mock
}

func (m *schedulerMock) ScheduleAt(ctx context.Context, effectiveDate time.Time, notification domain.DeferredNotification, actorToken string, accountRecordID, tenantRecordID snowflake.ID) error {
	args := m.Called(ctx, effectiveDate, notification, actorToken, accountRecordID, tenantRecordID)
	return args.Error(0)
}

type permissionsMock struct {
	mock.Mock
}

func (m *permissionsMock) Ensure(ctx context.Context, permission domain.Permission) error {
	args := m.Called(ctx, permission)
	return args.Error(0)
}

type propagatorMock struct {
	mock.Mock
}

func (m *propagatorMock) ComputeAddOnBlockingStates(ctx context.Context, req domain.PropagationRequest) (domain.Propagation, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.Propagation), args.Error(1)
}

// recordingPlugin adjusts the effective date when asked and records hooks.
type recordingPlugin struct {
	adjustTo *civil.Date
	veto     error
	calls    []string
}

func (p *recordingPlugin) Name() string { return "recording" }

func (p *recordingPlugin) PriorCall(_ context.Context, opCtx domain.OperationContext) (domain.OperationContext, error) {
	p.calls = append(p.calls, "prior:"+string(opCtx.OperationType))
	if p.veto != nil {
		return opCtx, p.veto
	}
	if p.adjustTo != nil {
		date := *p.adjustTo
		opCtx.EffectiveDate = &date
	}
	return opCtx, nil
}

func (p *recordingPlugin) OnSuccess(_ context.Context, opCtx domain.OperationContext, _ domain.Entitlement) {
	p.calls = append(p.calls, "success:"+string(opCtx.OperationType))
}

func (p *recordingPlugin) OnFailure(_ context.Context, opCtx domain.OperationContext, _ error) {
	p.calls = append(p.calls, "failure:"+string(opCtx.OperationType))
}
