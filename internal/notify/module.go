package notify

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"anomaly_bot/internal/modules/config"
)

type Params struct {
	fx.In

	Cfg   *config.Config
	Log   *zap.Logger
	Sinks []Sink `group:"sinks"`
}

func NewFromParams(p Params) *Dispatcher {
	d := NewDispatcher(p.Cfg.Notify.QueueSize, p.Log, p.Sinks...)
	p.Log.Info("notifications configured", zap.Strings("sinks", d.Sinks()))
	return d
}

func newTelegram(cfg *config.Config, log *zap.Logger) (*Telegram, error) {
	tg := cfg.Notify.Telegram
	if tg.Token == "" || tg.ChatID == 0 {
		return nil, nil
	}
	return NewTelegram(tg.Token, tg.ChatID, "", log)
}

func Module() fx.Option {
	return fx.Module("notify",
		fx.Provide(
			newTelegram,
			fx.Annotate(
				func(log *zap.Logger) Sink { return NewLog(log) },
				fx.ResultTags(`group:"sinks"`),
			),
			fx.Annotate(
				func(cfg *config.Config) Sink {
					if cfg.Notify.DiscordWebhookURL == "" {
						return nil
					}
					return NewDiscord(cfg.Notify.DiscordWebhookURL, cfg.Service.Name)
				},
				fx.ResultTags(`group:"sinks"`),
			),
			fx.Annotate(
				func(t *Telegram) Sink {
					if t == nil {
						return nil
					}
					return t
				},
				fx.ResultTags(`group:"sinks"`),
			),
			NewFromParams,
		),
		fx.Invoke(func(lc fx.Lifecycle, d *Dispatcher) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					d.Start()
					return nil
				},
				OnStop: func(ctx context.Context) error {
					return d.Close(ctx)
				},
			})
		}),
	)
}
