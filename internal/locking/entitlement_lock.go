package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/config"
	entitlementdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyEntitlementLock = "entitlement:lock:%s"

const defaultRetryInterval = 50 * time.Millisecond

var ErrLockTimeout = errors.New("entitlement_lock_timeout")

// EntitlementLocker serializes lifecycle operations on one entitlement across
// processes. A nil locker or a nil redis client makes every call a no-op.
type EntitlementLocker struct {
	locker        *Locker
	log           *zap.Logger
	ttl           time.Duration
	retryInterval time.Duration
}

type Params struct {
	fx.In

	Client *redis.Client `optional:"true"`
	Config config.Config
	Log    *zap.Logger
}

func NewEntitlementLocker(p Params) entitlementdomain.EntitlementLocker {
	ttl := p.Config.Redis.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &EntitlementLocker{
		locker:        NewLocker(p.Client),
		log:           p.Log.Named("entitlement.locker"),
		ttl:           ttl,
		retryInterval: defaultRetryInterval,
	}
}

// Lock blocks until the entitlement lock is held or ctx is done.
func (l *EntitlementLocker) Lock(ctx context.Context, entitlementID snowflake.ID) (func(), error) {
	if l == nil || l.locker == nil {
		return func() {}, nil
	}

	key := fmt.Sprintf(keyEntitlementLock, entitlementID)
	start := time.Now()
	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()

	for {
		token, ok, err := l.locker.TryLock(ctx, key, l.ttl)
		if err != nil {
			return nil, errors.Wrapf(err, "lock entitlement %s", entitlementID)
		}
		if ok {
			obsmetrics.Entitlement().ObserveLockWait(obsmetrics.LockResourceEntitlement, time.Since(start))
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
				defer cancel()
				if err := l.locker.Release(releaseCtx, key, token); err != nil {
					l.log.Warn("entitlement lock release failed",
						zap.String("entitlement_id", entitlementID.String()),
						zap.Error(err),
					)
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Mark(errors.Wrapf(ctx.Err(), "lock entitlement %s", entitlementID), ErrLockTimeout)
		case <-ticker.C:
		}
	}
}
