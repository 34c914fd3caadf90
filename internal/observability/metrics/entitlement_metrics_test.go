package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	entitlementdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassifyJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: JobReasonDeadlineExceeded},
		{name: "forbidden", err: entitlementdomain.ErrPermissionDenied, want: JobReasonForbidden},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: JobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: JobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: JobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: JobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyJobReason(tc.err))
		})
	}
}

func TestClassifyErrorType(t *testing.T) {
	assert.Equal(t, ErrorTypeBusinessRule, ClassifyErrorType(entitlementdomain.ErrBadState))
	assert.Equal(t, ErrorTypeScheduling, ClassifyErrorType(entitlementdomain.ErrSchedulingFailure))
	assert.Equal(t, ErrorTypeDB, ClassifyErrorType(&pgconn.PgError{Code: "23505"}))
	assert.Equal(t, ErrorTypeUnknown, ClassifyErrorType(nil))
}

func TestNotificationCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newEntitlementMetrics(registry, Config{ServiceName: "entitlements", Environment: "test"})

	m.IncNotificationScheduled("CANCEL")
	m.IncNotificationScheduled("CANCEL")
	m.IncNotificationFired("CANCEL", NotificationOutcomeSkipped)
	m.AddBlockingStatesCommitted("SUBSCRIPTION", 3)
	m.AddBlockingStatesCommitted("SUBSCRIPTION", 0)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.notificationsScheduled.WithLabelValues("CANCEL")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.notificationsFired.WithLabelValues("CANCEL", NotificationOutcomeSkipped)))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.blockingStatesCommited.WithLabelValues("SUBSCRIPTION")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *EntitlementMetrics
	m.IncTransition("cancel", "CANCELLED")
	m.IncOperationError("cancel", errors.New("boom"))
	m.ObserveRunLoopLag(-1)
}
