package logging

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// New builds the process logger: production JSON output by default,
// development console output when APP_ENV=dev, optionally teed to the
// metric service sink.
func New() (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if os.Getenv("APP_ENV") == "dev" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return attachMetricSink(logger), nil
}

func Module() fx.Option {
	return fx.Options(
		fx.Provide(New),
		fx.Invoke(func(lc fx.Lifecycle, logger *zap.Logger) {
			lc.Append(fx.Hook{OnStop: func(_ context.Context) error {
				_ = logger.Sync()
				return nil
			}})
		}),
	)
}
