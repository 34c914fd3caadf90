package authorization

import (
	gormadapter "github.com/casbin/gorm-adapter/v3"
	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("authorization",
	fx.Provide(
		func(db *gorm.DB) (*gormadapter.Adapter, error) { return gormadapter.NewAdapterByDB(db) },
		NewEnforcer,
		NewService,
		func(s *ServiceImpl) entdomain.PermissionChecker { return s },
	),
)
