package service

import (
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	sbdomain "github.com/smallbiznis/entitlements/internal/subscriptionbase/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(
		NewPluginExecution,
		func(e *DefaultPluginExecution) domain.PluginExecution { return e },
		func(s sbdomain.Service) domain.SubscriptionBase { return s },
		func(s sbdomain.Service) domain.ChangePlanResolver { return s },
		func(s sbdomain.Service) domain.BlockingChecker { return s },
		NewService,
	),
)
