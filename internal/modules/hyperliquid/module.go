package hyperliquid

import (
	"go.uber.org/fx"

	"anomaly_bot/internal/exchange"
	"anomaly_bot/internal/modules/hyperliquid/service"
)

// Module поднимает клиент Hyperliquid и отдаёт его как exchange.Exchange.
func Module() fx.Option {
	return fx.Module("hyperliquid",
		fx.Provide(
			service.NewClient,
			func(c *service.Client) exchange.Exchange { return c },
			func(c *service.Client) exchange.FillStreamer { return c },
			func(c *service.Client) *exchange.Breaker { return c.Breaker() },
		),
	)
}
