package runner

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"anomaly_bot/internal/detector"
	"anomaly_bot/internal/exchange"
	"anomaly_bot/internal/ladder"
	"anomaly_bot/internal/lifecycle"
	"anomaly_bot/internal/metrics"
	"anomaly_bot/internal/modules/config"
	"anomaly_bot/internal/modules/health"
	"anomaly_bot/internal/modules/health/service"
	"anomaly_bot/internal/notify"
	"anomaly_bot/pkg/clock"
)

func newStore(cfg *config.Config) *detector.Store {
	return detector.NewStore(cfg.Detector.WindowSize, cfg.Detector.WarmupSamples)
}

func newDecider(cfg *config.Config, store *detector.Store, lm *lifecycle.Manager) (*detector.Decider, error) {
	mode, err := detector.ParseMode(cfg.Detector.Mode)
	if err != nil {
		return nil, err
	}
	return detector.NewDecider(store, mode, detector.Thresholds{
		Volume: cfg.Detector.VolumeThreshold,
		Price:  cfg.Detector.PriceThreshold,
	}, lm)
}

func newBuilder(cfg *config.Config) (*ladder.Builder, error) {
	return ladder.NewBuilder(cfg.Ladder.Multipliers, cfg.Ladder.AmountsUSDC, cfg.Ladder.MinNotionalUSDC)
}

func newManager(cfg *config.Config, ex exchange.Exchange, d *notify.Dispatcher, clk clock.Clock, log *zap.Logger, mtr *metrics.Metrics) *lifecycle.Manager {
	return lifecycle.NewManager(lifecycle.Config{
		OrderTimeout:         cfg.Lifecycle.OrderTimeout,
		PositionCloseTimeout: cfg.Lifecycle.PositionCloseTimeout,
		MaxConcurrent:        cfg.Lifecycle.MaxConcurrent,
		Policy:               lifecycle.Policy(cfg.Ladder.Policy),
		CallTimeout:          cfg.Monitor.CallTimeout,
		CancelOnShutdown:     cfg.Lifecycle.CancelOnShutdown,
	}, ex, d, clk, log, mtr)
}

// newSnapshotStore pebble с окнами детектора; без SNAPSHOT_PATH снимки не пишутся.
func newSnapshotStore(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*detector.SnapshotStore, error) {
	if cfg.SnapshotPath == "" {
		log.Info("window snapshots disabled: no SNAPSHOT_PATH")
		return nil, nil
	}
	if err := os.MkdirAll(cfg.SnapshotPath, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create snapshot dir %s", cfg.SnapshotPath)
	}
	s, err := detector.OpenSnapshotStore(cfg.SnapshotPath, nil)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return s.Close()
		},
	})
	return s, nil
}

type runnerIn struct {
	fx.In

	Cfg       *config.Config
	Exchange  exchange.Exchange
	Store     *detector.Store
	Decider   *detector.Decider
	Builder   *ladder.Builder
	Lifecycle *lifecycle.Manager
	Notifier  *notify.Dispatcher
	Clock     clock.Clock
	Log       *zap.Logger
	Metrics   *metrics.Metrics
	Health    *service.State
	Snapshots *detector.SnapshotStore
}

func newRunner(in runnerIn) *Runner {
	return New(Params{
		Cfg:       in.Cfg,
		Source:    in.Exchange,
		Store:     in.Store,
		Decider:   in.Decider,
		Builder:   in.Builder,
		Lifecycle: in.Lifecycle,
		Notifier:  in.Notifier,
		Clock:     in.Clock,
		Log:       in.Log,
		Metrics:   in.Metrics,
		Health:    in.Health,
		Snapshots: in.Snapshots,
	})
}

type hooksIn struct {
	fx.In

	Lc         fx.Lifecycle
	Shutdowner fx.Shutdowner
	Cfg        *config.Config
	Runner     *Runner
	Lifecycle  *lifecycle.Manager
	Notifier   *notify.Dispatcher
	Log        *zap.Logger
	Streamer   exchange.FillStreamer `optional:"true"`
	Telegram   *notify.Telegram      `optional:"true"`
}

func registerHooks(in hooksIn) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	in.Lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			in.Runner.Restore()

			if in.Streamer != nil && in.Cfg.Exchange.FillStream {
				go in.Streamer.StreamFills(ctx, in.Lifecycle.OnFill)
			}
			in.Telegram.Start(ctx, in.Runner.StatusText)

			go func() {
				defer close(done)
				if err := in.Runner.Run(ctx); err != nil {
					in.Runner.Fatal(err)
					flushCtx, flushCancel := context.WithTimeout(context.Background(), in.Cfg.Monitor.CallTimeout)
					if err := in.Notifier.Flush(flushCtx); err != nil {
						in.Log.Warn("notifications not flushed", zap.Error(err))
					}
					flushCancel()
					if err := in.Shutdowner.Shutdown(fx.ExitCode(1)); err != nil {
						in.Log.Error("shutdown request failed", zap.Error(err))
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			// сначала закрываем приём ордеров, потом гасим цикл: начатые
			// отмены и закрытия идут на своём контексте и доводятся до конца
			in.Lifecycle.StopPlacing()
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				return errors.Wrap(stopCtx.Err(), "waiting for monitor loop")
			}
			err := in.Lifecycle.Shutdown(stopCtx)
			in.Runner.SaveSnapshot()
			return err
		},
	})
}

// Module цикл мониторинга и всё, что он собирает: детектор, лесенка, менеджер ордеров.
func Module() fx.Option {
	return fx.Module("runner",
		fx.Provide(
			newStore,
			newDecider,
			newBuilder,
			newManager,
			newSnapshotStore,
			newRunner,
			func(r *Runner) health.StatusProvider { return r },
		),
		fx.Invoke(registerHooks),
	)
}
