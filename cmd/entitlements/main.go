package main

import (
	_ "time/tzdata"

	"github.com/smallbiznis/entitlements/internal/authorization"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/datehelper"
	entdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/entitlement/propagator"
	"github.com/smallbiznis/entitlements/internal/entitlement/repository"
	"github.com/smallbiznis/entitlements/internal/entitlement/service"
	"github.com/smallbiznis/entitlements/internal/eventbus"
	"github.com/smallbiznis/entitlements/internal/locking"
	"github.com/smallbiznis/entitlements/internal/migration"
	"github.com/smallbiznis/entitlements/internal/notification"
	"github.com/smallbiznis/entitlements/internal/observability"
	"github.com/smallbiznis/entitlements/internal/subscriptionbase"
	"github.com/smallbiznis/entitlements/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		db.Module,
		migration.Module,
		clock.Module,
		locking.Module,
		eventbus.Module,
		authorization.Module,

		// Functional Domains
		datehelper.Module,
		subscriptionbase.Module,
		repository.Module,
		propagator.Module,
		service.Module,
		notification.Module,

		fx.Invoke(ensureEntitlementService),
	)
	app.Run()
}

func ensureEntitlementService(_ entdomain.Service) {}
