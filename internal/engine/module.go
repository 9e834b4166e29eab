// Package engine wires the workflow store, engine and service into the fx
// application.
package engine

import (
	"context"

	"github.com/assetflowhq/assetflow/internal/config"
	"github.com/assetflowhq/assetflow/internal/workflow"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Options(
		fx.Provide(NewStore, NewNotifier, NewEngine, workflow.NewService),
	)
}

// NewStore selects the store from config: a PostgreSQL DSN gets the
// pg-backed store, otherwise everything runs in memory.
func NewStore(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (workflow.Store, error) {
	if cfg.Database.DSN == "" {
		logger.Info("using in-memory store")
		return workflow.NewMemoryStore(), nil
	}
	store, err := workflow.NewPGStore(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	logger.Info("using postgres store")
	lc.Append(fx.Hook{OnStop: func(_ context.Context) error {
		return store.Close()
	}})
	return store, nil
}

func NewNotifier(cfg config.Config) *workflow.Notifier {
	return workflow.NewNotifier(
		cfg.AuditLog.URL, cfg.AuditLog.Timeout,
		cfg.EventBus.URL, cfg.EventBus.Timeout,
	)
}

func NewEngine(cfg config.Config, store workflow.Store, notify *workflow.Notifier, logger *zap.Logger) *workflow.Engine {
	e := workflow.NewEngine(store, notify, logger)
	e.SetMaxCascadeDepth(cfg.Engine.MaxCascadeDepth)
	return e
}
