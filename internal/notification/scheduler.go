package notification

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/errors"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/notification/domain"
	obscontext "github.com/smallbiznis/entitlements/internal/observability/context"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/pkg/db"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SchedulerParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Registry *Registry
	Holder   *config.LifecycleConfigHolder
	Metrics  *metrics.EntitlementMetrics `optional:"true"`
	Otel     *metrics.Metrics            `optional:"true"`
}

// Scheduler records deferred notifications on the lifecycle queue. The queue
// is resolved once; a missing queue fails every ScheduleAt call.
type Scheduler struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	queue    Queue
	queueErr error
	metrics  *metrics.EntitlementMetrics
	otel     *metrics.Metrics
}

func NewScheduler(p SchedulerParams) *Scheduler {
	log := p.Log.Named("notification.scheduler")
	queueName := p.Holder.Get().QueueName
	queue, err := p.Registry.Lookup(queueName)
	if err != nil {
		log.Error("notification queue not registered", zap.String("queue", queueName), zap.Error(err))
	}
	return &Scheduler{
		db:       p.DB,
		log:      log,
		genID:    p.GenID,
		clock:    p.Clock,
		queue:    queue,
		queueErr: err,
		metrics:  p.Metrics,
		otel:     p.Otel,
	}
}

func (s *Scheduler) ScheduleAt(ctx context.Context, effectiveDate time.Time, notification entdomain.DeferredNotification, actorToken string, accountRecordID, tenantRecordID snowflake.ID) error {
	if s.queueErr != nil {
		return s.queueErr
	}
	notification.EffectiveDate = effectiveDate.UTC()
	return s.RecordFutureNotification(ctx, s.queue, notification, actorToken, accountRecordID, tenantRecordID)
}

// RecordFutureNotification inserts the row unless one with the same
// idempotency key exists already.
func (s *Scheduler) RecordFutureNotification(ctx context.Context, queue Queue, notification entdomain.DeferredNotification, actorToken string, accountRecordID, tenantRecordID snowflake.ID) error {
	if notification.EntitlementID == 0 || notification.EffectiveDate.IsZero() {
		return errors.Wrap(domain.ErrInvalidNotification, "entitlement id and effective date are required")
	}
	switch notification.Action {
	case entdomain.NotificationActionCancel, entdomain.NotificationActionChange:
	default:
		return errors.Wrapf(domain.ErrInvalidNotification, "unknown action %q", notification.Action)
	}

	now := s.clock.Now().UTC()
	spanCtx := trace.SpanContextFromContext(ctx)
	row := domain.Notification{
		ID:              s.genID.Generate(),
		QueueName:       queue.Name,
		IdempotencyKey:  notification.IdempotencyKey(),
		EntitlementID:   notification.EntitlementID,
		BundleID:        notification.BundleID,
		Action:          notification.Action,
		EffectiveDate:   notification.EffectiveDate.UTC(),
		Status:          domain.StatusPending,
		NextAttemptAt:   notification.EffectiveDate.UTC(),
		ActorToken:      actorToken,
		AccountRecordID: accountRecordID,
		TenantRecordID:  tenantRecordID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if spanCtx.IsValid() {
		row.TraceID = spanCtx.TraceID().String()
		row.SpanID = spanCtx.SpanID().String()
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(&row)
	if result.Error != nil && !db.IsDuplicateKeyErr(result.Error) {
		return errors.Wrapf(result.Error, "record notification %s", row.IdempotencyKey)
	}
	if result.Error != nil || result.RowsAffected == 0 {
		s.log.Debug("notification already recorded", zap.String("idempotency_key", row.IdempotencyKey))
		return nil
	}

	s.metrics.IncNotificationScheduled(string(notification.Action))
	if s.otel != nil {
		s.otel.RecordNotificationQueued(ctx, queue.Name, string(notification.Action))
	}
	s.log.Info("notification recorded",
		zap.String("queue", queue.Name),
		zap.String("entitlement_id", notification.EntitlementID.String()),
		zap.String("action", string(notification.Action)),
		zap.Time("effective_date", row.EffectiveDate),
		zap.String("org_id", obscontext.OrgIDFromContext(ctx)),
	)
	return nil
}
