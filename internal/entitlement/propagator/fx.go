package propagator

import (
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.propagator",
	fx.Provide(
		New,
		func(p *Propagator) domain.Propagator { return p },
		func(p *Propagator) domain.NotificationHandler { return p },
	),
)
