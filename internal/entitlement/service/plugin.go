package service

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrPluginAborted is returned when a plugin vetoes an operation in PriorCall.
var ErrPluginAborted = errors.New("entitlement_plugin_aborted")

// Plugin observes lifecycle operations. PriorCall may return an adjusted
// context (typically a different effective date) or an error to abort.
type Plugin interface {
	Name() string
	PriorCall(ctx context.Context, opCtx domain.OperationContext) (domain.OperationContext, error)
	OnSuccess(ctx context.Context, opCtx domain.OperationContext, result domain.Entitlement)
	OnFailure(ctx context.Context, opCtx domain.OperationContext, err error)
}

type PluginParams struct {
	fx.In

	Log     *zap.Logger
	Plugins []Plugin `group:"entitlement_plugins"`
}

// DefaultPluginExecution runs the registered plugins around an operation body
// in registration order.
type DefaultPluginExecution struct {
	log     *zap.Logger
	plugins []Plugin
}

func NewPluginExecution(p PluginParams) *DefaultPluginExecution {
	plugins := make([]Plugin, 0, len(p.Plugins))
	for _, plugin := range p.Plugins {
		if plugin != nil {
			plugins = append(plugins, plugin)
		}
	}
	return &DefaultPluginExecution{
		log:     p.Log.Named("entitlement.plugins"),
		plugins: plugins,
	}
}

func (e *DefaultPluginExecution) Run(ctx context.Context, opCtx domain.OperationContext, body domain.OperationBody) (domain.Entitlement, error) {
	updated := opCtx
	for _, plugin := range e.plugins {
		next, err := plugin.PriorCall(ctx, updated)
		if err != nil {
			e.log.Info("operation aborted by plugin",
				zap.String("plugin", plugin.Name()),
				zap.String("operation", string(opCtx.OperationType)),
				zap.String("entitlement_id", opCtx.EntitlementID.String()),
				zap.Error(err),
			)
			err = errors.Mark(errors.Wrapf(err, "plugin %s", plugin.Name()), ErrPluginAborted)
			e.notifyFailure(ctx, updated, err)
			return domain.Entitlement{}, err
		}
		updated = next
	}

	result, err := body(ctx, updated)
	if err != nil {
		e.notifyFailure(ctx, updated, err)
		return domain.Entitlement{}, err
	}
	for _, plugin := range e.plugins {
		plugin.OnSuccess(ctx, updated, result)
	}
	return result, nil
}

func (e *DefaultPluginExecution) notifyFailure(ctx context.Context, opCtx domain.OperationContext, err error) {
	for _, plugin := range e.plugins {
		plugin.OnFailure(ctx, opCtx, err)
	}
}
