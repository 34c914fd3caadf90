package notification

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/entitlements/internal/observability/context"
	obslogger "github.com/smallbiznis/entitlements/internal/observability/logger"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	runID          string
	batchSize      int
	startedAt      time.Time
	processedCount int
	errorCount     int
}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (w *Worker) newJobRun(job string, batchSize int) *jobRun {
	return &jobRun{
		job:       job,
		runID:     w.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: time.Now(),
	}
}

func (w *Worker) withLogContext(ctx context.Context) context.Context {
	return obscontext.WithActor(ctx, "system", "notification-worker")
}

func (w *Worker) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, w.log)
}

func (w *Worker) logJobStart(ctx context.Context, run *jobRun) {
	w.logger(ctx).Debug("notification.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (w *Worker) logJobFinish(ctx context.Context, run *jobRun) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}
	if run.errorCount > 0 {
		w.logger(ctx).Warn("notification.job.finish", fields...)
		return
	}
	w.logger(ctx).Info("notification.job.finish", fields...)
}
