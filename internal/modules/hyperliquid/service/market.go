package service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"anomaly_bot/internal/exchange"
	"anomaly_bot/internal/models"
)

// у перпов на Hyperliquid знаков цены не больше 6 - szDecimals
const maxPerpDecimals = 6

// FetchMarketData один запрос metaAndAssetCtxs на все символы.
// Цена mark, объём дневной в USDC. Пустой symbols значит все символы.
func (c *Client) FetchMarketData(ctx context.Context, symbols []string) (map[string]models.MarketData, error) {
	var raw []json.RawMessage
	if err := c.info(ctx, map[string]any{"type": "metaAndAssetCtxs"}, &raw); err != nil {
		return nil, errors.Wrap(exchange.ErrMarketData, err.Error())
	}
	if len(raw) < 2 {
		return nil, errors.Wrap(exchange.ErrMarketData, "metaAndAssetCtxs: unexpected response shape")
	}

	var meta metaResponse
	if err := sonic.Unmarshal(raw[0], &meta); err != nil {
		return nil, errors.Wrap(exchange.ErrMarketData, "decode meta: "+err.Error())
	}
	var ctxs []assetCtx
	if err := sonic.Unmarshal(raw[1], &ctxs); err != nil {
		return nil, errors.Wrap(exchange.ErrMarketData, "decode asset ctxs: "+err.Error())
	}
	c.storeMeta(meta)

	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[strings.ToUpper(s)] = struct{}{}
	}

	now := c.clock.Now()
	out := make(map[string]models.MarketData, len(ctxs))
	for i, a := range meta.Universe {
		if i >= len(ctxs) || a.IsDelisted {
			continue
		}
		if len(want) > 0 {
			if _, ok := want[a.Name]; !ok {
				continue
			}
		}
		px, err := strconv.ParseFloat(ctxs[i].MarkPx, 64)
		if err != nil || px <= 0 {
			continue
		}
		vol, _ := strconv.ParseFloat(ctxs[i].DayNtlVlm, 64)
		out[a.Name] = models.MarketData{
			Symbol:    a.Name,
			Price:     px,
			PriceRaw:  ctxs[i].MarkPx,
			Volume:    vol,
			Timestamp: now,
		}
	}
	return out, nil
}

// InstrumentMetadata из кэша; на промах или по TTL перечитывает meta.
func (c *Client) InstrumentMetadata(ctx context.Context, symbol string) (models.Instrument, error) {
	symbol = strings.ToUpper(symbol)
	c.mu.RLock()
	inst, ok := c.assets[symbol]
	fresh := c.clock.Now().Sub(c.metaAt) < metaTTL
	c.mu.RUnlock()
	if ok && fresh {
		return inst, nil
	}

	var meta metaResponse
	if err := c.info(ctx, map[string]any{"type": "meta"}, &meta); err != nil {
		if ok {
			// старые метаданные лучше, чем никаких
			return inst, nil
		}
		return models.Instrument{}, errors.Wrap(exchange.ErrMarketData, err.Error())
	}
	c.storeMeta(meta)

	c.mu.RLock()
	inst, ok = c.assets[symbol]
	c.mu.RUnlock()
	if !ok {
		return models.Instrument{}, errors.Errorf("unknown symbol %s", symbol)
	}
	return inst, nil
}

func (c *Client) storeMeta(meta metaResponse) {
	if len(meta.Universe) == 0 {
		return
	}
	assets := make(map[string]models.Instrument, len(meta.Universe))
	for i, a := range meta.Universe {
		pd := maxPerpDecimals - a.SzDecimals
		if pd < 0 {
			pd = 0
		}
		assets[a.Name] = models.Instrument{
			Symbol:        a.Name,
			AssetID:       i,
			SizeDecimals:  a.SzDecimals,
			PriceDecimals: pd,
			MaxLeverage:   a.MaxLeverage,
		}
	}
	c.mu.Lock()
	c.assets = assets
	c.metaAt = c.clock.Now()
	c.mu.Unlock()
}

// mid текущая середина стакана из allMids.
func (c *Client) mid(ctx context.Context, symbol string) (float64, error) {
	var mids map[string]string
	if err := c.info(ctx, map[string]any{"type": "allMids"}, &mids); err != nil {
		return 0, errors.Wrap(exchange.ErrMarketData, err.Error())
	}
	raw, ok := mids[symbol]
	if !ok {
		return 0, errors.Wrapf(exchange.ErrMarketData, "no mid price for %s", symbol)
	}
	px, err := strconv.ParseFloat(raw, 64)
	if err != nil || px <= 0 {
		return 0, errors.Wrapf(exchange.ErrMarketData, "bad mid price %q for %s", raw, symbol)
	}
	return px, nil
}
