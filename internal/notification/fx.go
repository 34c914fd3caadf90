package notification

import (
	"context"

	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("notification",
	fx.Provide(
		NewLifecycleRegistry,
		NewScheduler,
		func(s *Scheduler) entdomain.DeferredScheduler { return s },
		NewWorker,
	),
	fx.Invoke(StartWorker),
)

func StartWorker(lc fx.Lifecycle, worker *Worker) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go worker.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}
