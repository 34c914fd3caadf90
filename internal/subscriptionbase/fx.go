package subscriptionbase

import (
	"github.com/smallbiznis/entitlements/internal/subscriptionbase/repository"
	"github.com/smallbiznis/entitlements/internal/subscriptionbase/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscriptionbase.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
