package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"anomaly_bot/internal/metrics"
	"anomaly_bot/internal/modules/config"
	"anomaly_bot/internal/modules/health"
	"anomaly_bot/internal/modules/hyperliquid"
	"anomaly_bot/internal/modules/postgres"
	"anomaly_bot/internal/notify"
	"anomaly_bot/internal/runner"
	"anomaly_bot/pkg/clock"
	"anomaly_bot/pkg/logger"
	"anomaly_bot/pkg/tracing"
)

func main() {
	app := fx.New(
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		config.Module(),
		fx.Provide(
			func(cfg *config.Config) (*zap.Logger, error) {
				return logger.New(cfg.Service.LogLevel, cfg.Service.Name)
			},
			func(cfg *config.Config) tracing.Config {
				return tracing.Config{
					ServiceName: cfg.Service.Name,
					Host:        cfg.Tracing.Host,
					Port:        cfg.Tracing.Port,
				}
			},
			func() clock.Clock { return clock.NewReal() },
			metrics.New,
		),
		tracing.Module(),
		hyperliquid.Module(),
		postgres.Module(),
		// notify раньше runner: на остановке диспетчер закрывается после цикла
		notify.Module(),
		health.Module(),
		runner.Module(),
	)
	if err := app.Err(); err != nil {
		log.Fatal(err)
	}
	app.Run()
}
