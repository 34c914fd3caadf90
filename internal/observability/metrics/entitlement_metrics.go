package metrics

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	entitlementdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"gorm.io/gorm"
)

const (
	ErrorTypeDeadlineExceeded = "deadline_exceeded"
	ErrorTypeAuthorization    = "authorization"
	ErrorTypeBusinessRule     = "business_rule"
	ErrorTypeScheduling       = "scheduling"
	ErrorTypeDB               = "db"
	ErrorTypeUnknown          = "unknown"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonForbidden            = "forbidden"
	JobReasonUnknown              = "unknown"
)

const (
	NotificationOutcomeProcessed = "processed"
	NotificationOutcomeRetried   = "retried"
	NotificationOutcomeFailed    = "failed"
	NotificationOutcomeSkipped   = "skipped"
)

const (
	LockResourceNotificationsForWork = "notifications_for_work"
	LockResourceEntitlement          = "entitlement"
)

// EntitlementMetrics captures entitlement lifecycle and notification worker signals.
type EntitlementMetrics struct {
	transitions            *prometheus.CounterVec
	operationErrors        *prometheus.CounterVec
	blockingStatesCommited *prometheus.CounterVec
	notificationsScheduled *prometheus.CounterVec
	notificationsFired     *prometheus.CounterVec
	jobRuns                *prometheus.CounterVec
	jobDuration            *prometheus.HistogramVec
	jobErrors              *prometheus.CounterVec
	lockWait               *prometheus.HistogramVec
	runLoopLag             prometheus.Observer
}

var (
	entitlementMetricsOnce sync.Once
	entitlementMetrics     *EntitlementMetrics
)

// Entitlement returns the singleton entitlement metrics registry.
func Entitlement() *EntitlementMetrics {
	return EntitlementWithConfig(Config{})
}

// EntitlementWithConfig returns the singleton registry using config labels.
func EntitlementWithConfig(cfg Config) *EntitlementMetrics {
	entitlementMetricsOnce.Do(func() {
		entitlementMetrics = newEntitlementMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return entitlementMetrics
}

// ResetEntitlementMetricsForTest resets the singleton for tests.
func ResetEntitlementMetricsForTest() {
	entitlementMetricsOnce = sync.Once{}
	entitlementMetrics = nil
}

func newEntitlementMetrics(registerer prometheus.Registerer, cfg Config) *EntitlementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "entitlements"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "entitlement_transition_total",
		Help:        "Entitlement lifecycle transitions by operation and resulting state.",
		ConstLabels: constLabels,
	}, []string{"operation", "state"})
	operationErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "entitlement_operation_error_total",
		Help:        "Entitlement operation failures by low-cardinality error type.",
		ConstLabels: constLabels,
	}, []string{"operation", "error_type"})
	blockingStates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "entitlement_blocking_states_committed_total",
		Help:        "Blocking states committed by scope.",
		ConstLabels: constLabels,
	}, []string{"type"})
	scheduled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "entitlement_notifications_scheduled_total",
		Help:        "Deferred notifications recorded by action.",
		ConstLabels: constLabels,
	}, []string{"action"})
	fired := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "entitlement_notifications_fired_total",
		Help:        "Deferred notifications delivered by action and outcome.",
		ConstLabels: constLabels,
	}, []string{"action", "outcome"})
	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "entitlement_worker_job_runs_total",
		Help:        "Notification worker job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "entitlement_worker_job_duration_seconds",
		Help:        "Notification worker job latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "entitlement_worker_job_errors_total",
		Help:        "Notification worker job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	lockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "entitlement_lock_wait_seconds",
		Help:        "Lock wait time for row claims and per-entitlement locks.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	}, []string{"resource"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "entitlement_worker_runloop_lag_seconds",
		Help:        "Notification worker run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		transitions,
		operationErrors,
		blockingStates,
		scheduled,
		fired,
		jobRuns,
		jobDuration,
		jobErrors,
		lockWait,
		runLoopLag,
	)

	return &EntitlementMetrics{
		transitions:            transitions,
		operationErrors:        operationErrors,
		blockingStatesCommited: blockingStates,
		notificationsScheduled: scheduled,
		notificationsFired:     fired,
		jobRuns:                jobRuns,
		jobDuration:            jobDuration,
		jobErrors:              jobErrors,
		lockWait:               lockWait,
		runLoopLag:             runLoopLag,
	}
}

// IncTransition counts a successful lifecycle operation and the resulting state.
func (m *EntitlementMetrics) IncTransition(operation, state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(operation, state).Inc()
}

// IncOperationError counts a failed lifecycle operation.
func (m *EntitlementMetrics) IncOperationError(operation string, err error) {
	if m == nil || err == nil {
		return
	}
	m.operationErrors.WithLabelValues(operation, ClassifyErrorType(err)).Inc()
}

// AddBlockingStatesCommitted counts persisted blocking states for a scope.
func (m *EntitlementMetrics) AddBlockingStatesCommitted(scope string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.blockingStatesCommited.WithLabelValues(scope).Add(float64(count))
}

// IncNotificationScheduled counts a recorded deferred notification.
func (m *EntitlementMetrics) IncNotificationScheduled(action string) {
	if m == nil {
		return
	}
	m.notificationsScheduled.WithLabelValues(action).Inc()
}

// IncNotificationFired counts a delivered deferred notification by outcome.
func (m *EntitlementMetrics) IncNotificationFired(action, outcome string) {
	if m == nil {
		return
	}
	m.notificationsFired.WithLabelValues(action, outcome).Inc()
}

// IncJobRun increments the run counter for a worker job.
func (m *EntitlementMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records worker job latency in seconds.
func (m *EntitlementMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobError increments the worker job error counter with classification.
func (m *EntitlementMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

// ObserveLockWait records how long a claim or lock took to acquire.
func (m *EntitlementMetrics) ObserveLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *EntitlementMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

// ClassifyErrorType returns a low-cardinality error type for logging and metrics.
func ClassifyErrorType(err error) string {
	if err == nil {
		return ErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorTypeDeadlineExceeded
	}
	if errors.Is(err, entitlementdomain.ErrPermissionDenied) {
		return ErrorTypeAuthorization
	}
	if errors.Is(err, entitlementdomain.ErrSchedulingFailure) {
		return ErrorTypeScheduling
	}
	if errors.Is(err, entitlementdomain.ErrBadState) ||
		errors.Is(err, entitlementdomain.ErrBlockedOperation) ||
		errors.Is(err, entitlementdomain.ErrUnderlyingMutation) {
		return ErrorTypeBusinessRule
	}
	if isDBError(err) {
		return ErrorTypeDB
	}
	return ErrorTypeUnknown
}

// IsRetryable reports whether a worker delivery error should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return isDBError(err)
}

// ClassifyJobReason maps worker job errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	if err == nil {
		return JobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return JobReasonDeadlineExceeded
	}
	if errors.Is(err, entitlementdomain.ErrPermissionDenied) {
		return JobReasonForbidden
	}
	if hasPGCode(err, "55P03") {
		return JobReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return JobReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return JobReasonUniqueViolation
	}
	return JobReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
