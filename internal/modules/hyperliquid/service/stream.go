package service

import (
	"context"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"anomaly_bot/internal/models"
)

const (
	// сервер закрывает соединение после 60s тишины
	wsPingInterval = 30 * time.Second
	wsReconnect    = time.Second
)

// StreamFills подписывается на userFills и отдаёт каждое исполнение в onFill.
// Переподключается, пока жив ctx. Снимок истории при подписке пропускается.
func (c *Client) StreamFills(ctx context.Context, onFill func(models.Fill)) {
	if c.user == "" || c.cfg.WSURL == "" {
		c.log.Warn("fill stream disabled: no wallet address or ws url")
		return
	}

	sub := map[string]any{
		"method": "subscribe",
		"subscription": map[string]string{
			"type": "userFills",
			"user": c.user,
		},
	}

	for {
		c.log.Info("fill stream connect", zap.String("url", c.cfg.WSURL))
		conn, _, err := c.ws.DialContext(ctx, c.cfg.WSURL, nil)
		if err != nil {
			c.log.Warn("fill stream dial error", zap.Error(err))
			if !sleepCtx(ctx, wsReconnect) {
				return
			}
			continue
		}
		if err := conn.WriteJSON(sub); err != nil {
			c.log.Warn("fill stream subscribe error", zap.Error(err))
			_ = conn.Close()
			if !sleepCtx(ctx, wsReconnect) {
				return
			}
			continue
		}

		stopPing := make(chan struct{})
		go func() {
			t := time.NewTicker(wsPingInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					// разблокировать ReadMessage
					_ = conn.Close()
					return
				case <-stopPing:
					return
				case <-t.C:
					_ = conn.WriteJSON(map[string]string{"method": "ping"})
				}
			}
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("fill stream read error", zap.Error(err))
				}
				_ = conn.Close()
				break
			}
			for _, f := range c.decodeFills(msg) {
				onFill(f)
			}
		}
		close(stopPing)

		if !sleepCtx(ctx, wsReconnect) {
			return
		}
	}
}

func (c *Client) decodeFills(msg []byte) []models.Fill {
	var frame wsFrame
	if err := sonic.Unmarshal(msg, &frame); err != nil || frame.Channel != "userFills" {
		return nil
	}
	var data wsUserFills
	if err := sonic.Unmarshal(frame.Data, &data); err != nil || data.IsSnapshot {
		return nil
	}

	out := make([]models.Fill, 0, len(data.Fills))
	for _, f := range data.Fills {
		px, err1 := strconv.ParseFloat(f.Px, 64)
		sz, err2 := strconv.ParseFloat(f.Sz, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		side := models.SideSell
		if f.Side == "B" {
			side = models.SideBuy
		}
		var id string
		if f.Tid != 0 {
			id = strconv.FormatInt(f.Tid, 10)
		}
		out = append(out, models.Fill{
			ID:      id,
			OrderID: strconv.FormatInt(f.Oid, 10),
			Symbol:  f.Coin,
			Side:    side,
			Price:   px,
			Size:    sz,
			At:      time.UnixMilli(f.Time).UTC(),
		})
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
