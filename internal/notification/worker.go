package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/errors"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/notification/domain"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/pkg/db"
	"github.com/smallbiznis/entitlements/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	jobFireNotifications = "fire_notifications"
	jobRecoverStuck      = "recover_stuck_notifications"
)

var tracer = otel.Tracer("github.com/smallbiznis/entitlements/internal/notification")

type WorkerParams struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Holder  *config.LifecycleConfigHolder
	Handler entdomain.NotificationHandler
	Metrics *metrics.EntitlementMetrics `optional:"true"`
}

// Worker fires due notifications through the propagator re-entry point.
type Worker struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	holder  *config.LifecycleConfigHolder
	handler entdomain.NotificationHandler
	metrics *metrics.EntitlementMetrics
}

func NewWorker(p WorkerParams) (*Worker, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Holder == nil || p.Handler == nil {
		return nil, errors.New("notification worker: missing dependency")
	}
	return &Worker{
		db:      p.DB,
		log:     p.Log.Named("notification.worker").With(zap.String("component", "notification_worker")),
		genID:   p.GenID,
		clock:   p.Clock,
		holder:  p.Holder,
		handler: p.Handler,
		metrics: p.Metrics,
	}, nil
}

func (w *Worker) RunForever(ctx context.Context) {
	interval := w.holder.Get().RunInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	nextRun := time.Now().Add(interval)

	for {
		if lag := time.Since(nextRun); lag > 0 {
			w.metrics.ObserveRunLoopLag(lag)
		}
		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("notification worker run failed", zap.Error(err))
		}

		if current := w.holder.Get().RunInterval; current != interval {
			interval = current
			ticker.Reset(interval)
		}
		nextRun = time.Now().Add(interval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) RunOnce(ctx context.Context) error {
	cfg := w.holder.Get()
	return errors.Join(
		w.runJob(ctx, jobRecoverStuck, cfg.BatchSize, cfg.JobTimeout, w.RecoverStuckJob),
		w.runJob(ctx, jobFireNotifications, cfg.BatchSize, cfg.JobTimeout, w.FireDueJob),
	)
}

func (w *Worker) runJob(parent context.Context, name string, batchSize int, timeout time.Duration, fn func(ctx context.Context, run *jobRun) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "notification."+name)
	defer span.End()

	run := w.newJobRun(name, batchSize)
	ctx = w.withLogContext(ctx)
	w.logJobStart(ctx, run)
	w.metrics.IncJobRun(name)

	err := fn(ctx, run)
	w.metrics.ObserveJobDuration(name, time.Since(start))
	if err != nil {
		run.IncError()
	}
	span.SetAttributes(
		attribute.Int("processed_count", run.processedCount),
		attribute.Int("error_count", run.errorCount),
	)
	w.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	w.metrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		w.logger(ctx).Warn("job timed out", zap.String("job", name), zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// FireDueJob claims notifications whose effective date has passed and hands
// them to the handler one by one.
func (w *Worker) FireDueJob(ctx context.Context, run *jobRun) error {
	cfg := w.holder.Get()
	rows, err := w.claimDue(ctx, cfg.QueueName, cfg.BatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	for _, row := range rows {
		if err := w.deliver(ctx, row, cfg, run); err != nil {
			jobErr = errors.Join(jobErr, err)
		}
	}
	return jobErr
}

// RecoverStuckJob releases rows left in PROCESSING by a worker that died.
func (w *Worker) RecoverStuckJob(ctx context.Context, run *jobRun) error {
	cfg := w.holder.Get()
	now := w.clock.Now().UTC()
	cutoff := now.Add(-2 * cfg.JobTimeout)
	result := w.db.WithContext(ctx).Exec(
		`UPDATE entitlement_notifications
		 SET status = ?, locked_at = NULL, updated_at = ?
		 WHERE queue_name = ? AND status = ? AND locked_at <= ?`,
		domain.StatusPending,
		now,
		cfg.QueueName,
		domain.StatusProcessing,
		cutoff,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		run.AddProcessed(int(result.RowsAffected))
		w.logger(ctx).Warn("notification.recovered",
			zap.Int64("count", result.RowsAffected),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}

func (w *Worker) claimDue(ctx context.Context, queueName string, limit int) ([]domain.Notification, error) {
	now := w.clock.Now().UTC()
	var rows []domain.Notification
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := `SELECT id FROM entitlement_notifications
		 WHERE queue_name = ? AND status = ? AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC, id ASC
		 LIMIT ?`
		if db.IsPostgres(tx) {
			query += ` FOR UPDATE SKIP LOCKED`
		}

		var ids []snowflake.ID
		lockStart := time.Now()
		err := tx.Raw(query, queueName, domain.StatusPending, now, limit).Scan(&ids).Error
		w.metrics.ObserveLockWait(metrics.LockResourceNotificationsForWork, time.Since(lockStart))
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Exec(
			`UPDATE entitlement_notifications
			 SET status = ?, locked_at = ?, updated_at = ?
			 WHERE id IN ? AND status = ?`,
			domain.StatusProcessing,
			now,
			now,
			ids,
			domain.StatusPending,
		).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Order("next_attempt_at ASC, id ASC").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (w *Worker) deliver(ctx context.Context, row domain.Notification, cfg config.LifecycleConfig, run *jobRun) error {
	log := w.logger(ctx).With(
		zap.String("notification_id", row.ID.String()),
		zap.String("entitlement_id", row.EntitlementID.String()),
		zap.String("action", string(row.Action)),
	)

	handleCtx, span := tracer.Start(
		correlation.ContextWithRemoteSpan(ctx, row.TraceID, row.SpanID),
		"notification.deliver",
		trace.WithLinks(trace.LinkFromContext(ctx)),
	)
	handleErr := w.handler.HandleNotification(handleCtx, row.Deferred())
	if handleErr != nil {
		span.RecordError(handleErr)
		span.SetStatus(codes.Error, handleErr.Error())
	}
	span.End()
	now := w.clock.Now().UTC()
	attempts := row.Attempts + 1

	if handleErr == nil {
		run.AddProcessed(1)
		w.metrics.IncNotificationFired(string(row.Action), metrics.NotificationOutcomeProcessed)
		log.Info("notification.processed", zap.Int("attempts", attempts))
		return w.db.WithContext(ctx).Exec(
			`UPDATE entitlement_notifications
			 SET status = ?, attempts = ?, last_error = NULL, locked_at = NULL, processed_at = ?, updated_at = ?
			 WHERE id = ?`,
			domain.StatusProcessed,
			attempts,
			now,
			now,
			row.ID,
		).Error
	}

	run.IncError()
	lastError := handleErr.Error()
	status := domain.StatusPending
	outcome := metrics.NotificationOutcomeRetried
	nextAttempt := now.Add(cfg.RetryBackoff)
	if attempts >= cfg.MaxAttempts || errors.Is(handleErr, entdomain.ErrEntitlementNotFound) {
		status = domain.StatusFailed
		outcome = metrics.NotificationOutcomeFailed
		nextAttempt = row.NextAttemptAt
	}
	w.metrics.IncNotificationFired(string(row.Action), outcome)
	log.Warn("notification.delivery_failed",
		zap.Int("attempts", attempts),
		zap.String("status", string(status)),
		zap.String("error_type", metrics.ClassifyErrorType(handleErr)),
		zap.Error(handleErr),
	)

	if err := w.db.WithContext(ctx).Exec(
		`UPDATE entitlement_notifications
		 SET status = ?, attempts = ?, last_error = ?, locked_at = NULL, next_attempt_at = ?, updated_at = ?
		 WHERE id = ?`,
		status,
		attempts,
		lastError,
		nextAttempt,
		now,
		row.ID,
	).Error; err != nil {
		return err
	}
	if status == domain.StatusFailed {
		return errors.Wrapf(handleErr, "notification %s failed after %d attempts", row.ID, attempts)
	}
	return nil
}
