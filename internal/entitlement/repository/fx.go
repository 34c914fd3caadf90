package repository

import (
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.repository",
	fx.Provide(
		NewBlockingStateStore,
		NewEventsStreamBuilder,
		func(s *BlockingStateStore) domain.BlockingStateStore { return s },
		func(b *EventsStreamBuilder) domain.EventsStreamBuilder { return b },
	),
)
