package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/errors"
	"github.com/golang-sql/civil"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/datehelper"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	obscontext "github.com/smallbiznis/entitlements/internal/observability/context"
	obslogger "github.com/smallbiznis/entitlements/internal/observability/logger"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	opGetEntitlement       = "get_entitlement"
	opCancelWithPolicy     = "cancel_with_policy"
	opCancelWithDate       = "cancel_with_date"
	opCancelPolicyOverride = "cancel_with_policy_override_billing_policy"
	opCancelDateOverride   = "cancel_with_date_override_billing_policy"
	opUncancel             = "uncancel"
	opChangePlan           = "change_plan"
	opChangePlanWithDate   = "change_plan_with_date"
	opChangePlanOverride   = "change_plan_override_billing_policy"
)

var tracer = otel.Tracer("github.com/smallbiznis/entitlements/internal/entitlement/service")

type Service struct {
	log           *zap.Logger
	clock         clock.Clock
	dates         *datehelper.Helper
	streams       domain.EventsStreamBuilder
	subscriptions domain.SubscriptionBase
	resolver      domain.ChangePlanResolver
	blocking      domain.BlockingChecker
	store         domain.BlockingStateStore
	scheduler     domain.DeferredScheduler
	permissions   domain.PermissionChecker
	plugins       domain.PluginExecution
	propagator    domain.Propagator
	locker        domain.EntitlementLocker
	metrics       *metrics.EntitlementMetrics
	otel          *metrics.Metrics
}

type ServiceParam struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Dates         *datehelper.Helper
	Streams       domain.EventsStreamBuilder
	Subscriptions domain.SubscriptionBase
	Resolver      domain.ChangePlanResolver
	Blocking      domain.BlockingChecker
	Store         domain.BlockingStateStore
	Scheduler     domain.DeferredScheduler
	Permissions   domain.PermissionChecker
	Plugins       domain.PluginExecution
	Propagator    domain.Propagator
	Locker        domain.EntitlementLocker    `optional:"true"`
	Metrics       *metrics.EntitlementMetrics `optional:"true"`
	Otel          *metrics.Metrics            `optional:"true"`
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		log:           p.Log.Named("entitlement.service"),
		clock:         p.Clock,
		dates:         p.Dates,
		streams:       p.Streams,
		subscriptions: p.Subscriptions,
		resolver:      p.Resolver,
		blocking:      p.Blocking,
		store:         p.Store,
		scheduler:     p.Scheduler,
		permissions:   p.Permissions,
		plugins:       p.Plugins,
		propagator:    p.Propagator,
		locker:        p.Locker,
		metrics:       p.Metrics,
		otel:          p.Otel,
	}
}

func (s *Service) GetEntitlement(ctx context.Context, entitlementID string) (domain.Entitlement, error) {
	id, err := parseEntitlementID(entitlementID)
	if err != nil {
		return domain.Entitlement{}, err
	}
	ctx, span := tracer.Start(ctx, "entitlement."+opGetEntitlement,
		trace.WithAttributes(attribute.String("entitlement.id", id.String())))
	defer span.End()

	ent, err := s.getEntitlement(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ent, err
}

func (s *Service) getEntitlement(ctx context.Context, id snowflake.ID) (domain.Entitlement, error) {
	stream, err := s.streams.Refresh(ctx, id)
	if err != nil {
		return domain.Entitlement{}, err
	}
	return stream.Entitlement(), nil
}

// transition is one base entitlement change ready to be propagated.
type transition struct {
	effectiveDate time.Time
	cancellation  bool
	// state is the entitlement's own blocking state, nil for plan changes.
	state *domain.BlockingState
	// superseded rows are deactivated in the same batch that writes state.
	superseded []domain.BlockingState
}

// commitTransition propagates a transition to the add-ons, persists every
// blocking state in one batch and only then records deferred notifications.
func (s *Service) commitTransition(ctx context.Context, stream domain.EventsStream, t transition) (domain.Entitlement, error) {
	id := stream.EntitlementID()
	propagation, err := s.propagator.ComputeAddOnBlockingStates(ctx, domain.PropagationRequest{
		EntitlementID: id,
		EffectiveDate: t.effectiveDate,
		Now:           s.clock.Now().UTC(),
		Cancellation:  t.cancellation,
	})
	if err != nil {
		return domain.Entitlement{}, errors.Wrapf(err, "propagate transition of entitlement %s", id)
	}

	states := make([]domain.BlockingState, 0, len(propagation.States)+1)
	if t.state != nil {
		states = append(states, *t.state)
	}
	states = append(states, propagation.States...)
	if len(t.superseded) > 0 {
		superseded := make([]snowflake.ID, len(t.superseded))
		for i, row := range t.superseded {
			superseded[i] = row.ID
		}
		if err := s.store.Supersede(ctx, superseded, states, stream.BundleID()); err != nil {
			return domain.Entitlement{}, errors.Wrapf(err, "commit blocking states for entitlement %s", id)
		}
	} else if len(states) > 0 {
		if err := s.store.Commit(ctx, states, stream.BundleID()); err != nil {
			return domain.Entitlement{}, errors.Wrapf(err, "commit blocking states for entitlement %s", id)
		}
	}

	token := actorToken(ctx)
	tenantRecordID := stream.Subscription().OrgID
	for _, notification := range propagation.Notifications {
		if err := s.scheduler.ScheduleAt(ctx, notification.EffectiveDate, notification, token, stream.AccountID(), tenantRecordID); err != nil {
			return domain.Entitlement{}, domain.WrapSchedulingError(id, err)
		}
	}

	return s.getEntitlement(ctx, id)
}

// run parses the id, serializes on the entitlement lock and records the
// outcome of one public operation.
func (s *Service) run(ctx context.Context, operation, rawID string, fn func(ctx context.Context, id snowflake.ID) (domain.Entitlement, error)) (domain.Entitlement, error) {
	id, err := parseEntitlementID(rawID)
	if err != nil {
		s.metrics.IncOperationError(operation, err)
		return domain.Entitlement{}, err
	}

	ctx, span := tracer.Start(ctx, "entitlement."+operation,
		trace.WithAttributes(attribute.String("entitlement.id", id.String())))
	defer span.End()

	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("operation", operation),
		zap.String("entitlement_id", id.String()),
	)

	ent, err := s.locked(ctx, id, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.IncOperationError(operation, err)
		s.otel.RecordOperation(ctx, obscontext.OrgIDFromContext(ctx), operation, "error")
		log.Warn("entitlement operation failed",
			zap.String("error_type", metrics.ClassifyErrorType(err)),
			zap.Error(err),
		)
		return domain.Entitlement{}, err
	}

	span.SetAttributes(attribute.String("entitlement.state", string(ent.State)))
	s.metrics.IncTransition(operation, string(ent.State))
	s.otel.RecordOperation(ctx, obscontext.OrgIDFromContext(ctx), operation, "success")
	log.Info("entitlement operation completed", zap.String("state", string(ent.State)))
	return ent, nil
}

func (s *Service) locked(ctx context.Context, id snowflake.ID, fn func(ctx context.Context, id snowflake.ID) (domain.Entitlement, error)) (domain.Entitlement, error) {
	if s.locker == nil {
		return fn(ctx, id)
	}
	release, err := s.locker.Lock(ctx, id)
	if err != nil {
		return domain.Entitlement{}, err
	}
	defer release()
	return fn(ctx, id)
}

func (s *Service) operationContext(stream domain.EventsStream, opType domain.OperationType, effectiveDate *civil.Date, properties []domain.PluginProperty) domain.OperationContext {
	return domain.OperationContext{
		OperationType: opType,
		AccountID:     stream.AccountID(),
		BundleID:      stream.BundleID(),
		ExternalKey:   stream.ExternalKey(),
		EntitlementID: stream.EntitlementID(),
		EffectiveDate: effectiveDate,
		Properties:    properties,
		RequestedAt:   s.clock.Now().UTC(),
	}
}

// localDateOrToday falls back to today in the account zone when no date was given.
func (s *Service) localDateOrToday(date *civil.Date, zone *time.Location) civil.Date {
	if date != nil {
		return *date
	}
	return s.dates.Today(zone)
}

func parseEntitlementID(raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, domain.NewInvalidIDError(raw, err)
	}
	return id, nil
}

func actorToken(ctx context.Context) string {
	actorType, actorID := obscontext.ActorFromContext(ctx)
	switch {
	case actorID == "":
		return "system"
	case actorType == "":
		return actorID
	default:
		return fmt.Sprintf("%s:%s", actorType, actorID)
	}
}
