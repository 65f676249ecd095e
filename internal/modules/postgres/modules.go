package postgres

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"anomaly_bot/internal/journal"
	"anomaly_bot/internal/modules/config"
	"anomaly_bot/internal/notify"
	"anomaly_bot/pkg/db"
)

type journalOut struct {
	fx.Out

	Sink notify.Sink `group:"sinks"`
}

// Module журнал событий в Postgres. Без DATABASE_DSN модуль ничего не поднимает.
func Module() fx.Option {
	return fx.Module("postgres",
		fx.Provide(
			func(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*db.PgTxManager, error) {
				if cfg.DB == "" {
					log.Info("postgres journal disabled: no DATABASE_DSN")
					return nil, nil
				}
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Monitor.CallTimeout)
				defer cancel()

				poolMaster, err := db.NewPool(ctx, db.PoolConfig{
					DSN: cfg.DB,
				})
				if err != nil {
					return nil, errors.Wrap(err, "failed to create poolMaster")
				}
				m := db.NewPgTxManager(poolMaster)
				if err := m.Ping(ctx); err != nil {
					poolMaster.Close()
					return nil, errors.Wrap(err, "postgres ping")
				}
				lc.Append(fx.Hook{
					OnStop: func(context.Context) error {
						m.Close()
						return nil
					},
				})
				return m, nil
			},
			func(cfg *config.Config, m *db.PgTxManager) (journalOut, error) {
				if m == nil {
					return journalOut{}, nil
				}
				j := journal.New(m)
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Monitor.CallTimeout)
				defer cancel()
				if err := j.Migrate(ctx); err != nil {
					return journalOut{}, err
				}
				return journalOut{Sink: j}, nil
			},
		),
	)
}
