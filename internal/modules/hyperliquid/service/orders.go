package service

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"anomaly_bot/internal/exchange"
	"anomaly_bot/internal/helper"
	"anomaly_bot/internal/models"
)

const (
	tifAlo = "Alo"
	tifGtc = "Gtc"
	tifIoc = "Ioc"

	// float_to_wire на бирже режет до 8 знаков
	wireDecimals = 8
	marketSigFig = 5
)

// PlaceLimitOrder выставляет лимитный ордер, post-only как Alo.
func (c *Client) PlaceLimitOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	inst, err := c.InstrumentMetadata(ctx, req.Symbol)
	if err != nil {
		return "", err
	}
	tif := tifGtc
	if req.PostOnly {
		tif = tifAlo
	}
	wire := orderWire{
		Asset:      inst.AssetID,
		IsBuy:      req.Side.IsBuy(),
		Price:      helper.FormatWire(req.Price, wireDecimals),
		Size:       helper.FormatWire(req.Size, inst.SizeDecimals),
		ReduceOnly: req.ReduceOnly,
		Type:       orderType{Limit: limitTif{Tif: tif}},
		Cloid:      cloid(req.ClientID),
	}

	st, err := c.placeOrder(ctx, wire)
	if err != nil {
		return "", err
	}
	switch {
	case st.Resting != nil:
		return strconv.FormatInt(st.Resting.Oid, 10), nil
	case st.Filled != nil:
		// Gtc мог исполниться сразу; факт исполнения подхватит сверка статуса
		return strconv.FormatInt(st.Filled.Oid, 10), nil
	default:
		return "", exchange.Rejected("empty order status")
	}
}

// CancelOrder отмена по oid.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	inst, err := c.InstrumentMetadata(ctx, symbol)
	if err != nil {
		return err
	}
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return errors.Wrapf(exchange.ErrUnknownOrder, "bad order id %q", orderID)
	}

	resp, err := c.act(ctx, cancelAction{
		Type:    "cancel",
		Cancels: []cancelWire{{Asset: inst.AssetID, Oid: oid}},
	})
	if err != nil {
		return err
	}
	if len(resp.Data.Statuses) == 0 {
		return exchange.Rejected("empty cancel status")
	}

	var ok string
	if err := sonic.Unmarshal(resp.Data.Statuses[0], &ok); err == nil && ok == "success" {
		return nil
	}
	var st orderStatusEntry
	if err := sonic.Unmarshal(resp.Data.Statuses[0], &st); err != nil {
		return errors.Wrapf(err, "decode cancel status: %s", string(resp.Data.Statuses[0]))
	}
	if st.Error != "" {
		return classify(st.Error)
	}
	return nil
}

// PlaceMarketOrder reduce-only IOC по mid ± slippage. Биржа не принимает
// больше 5 значащих цифр цены.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, size float64) (models.FillReport, error) {
	inst, err := c.InstrumentMetadata(ctx, symbol)
	if err != nil {
		return models.FillReport{}, err
	}
	mid, err := c.mid(ctx, symbol)
	if err != nil {
		return models.FillReport{}, err
	}
	px := MarketPrice(mid, side, c.cfg.Slippage, inst.PriceDecimals)
	size = helper.TruncateToDecimals(math.Abs(size), inst.SizeDecimals)
	if size <= 0 {
		return models.FillReport{}, exchange.Rejected("close size rounds to zero")
	}

	wire := orderWire{
		Asset:      inst.AssetID,
		IsBuy:      side.IsBuy(),
		Price:      helper.FormatWire(px, wireDecimals),
		Size:       helper.FormatWire(size, inst.SizeDecimals),
		ReduceOnly: true,
		Type:       orderType{Limit: limitTif{Tif: tifIoc}},
	}
	c.log.Info("market close",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("size", size),
		zap.Float64("mid", mid),
		zap.Float64("limit", px),
	)

	st, err := c.placeOrder(ctx, wire)
	if err != nil {
		return models.FillReport{}, err
	}
	if st.Filled == nil {
		return models.FillReport{}, exchange.Rejected("market order not filled")
	}
	filled, _ := strconv.ParseFloat(st.Filled.TotalSz, 64)
	avg, _ := strconv.ParseFloat(st.Filled.AvgPx, 64)
	return models.FillReport{
		OrderID:  strconv.FormatInt(st.Filled.Oid, 10),
		Size:     filled,
		AvgPrice: avg,
		At:       c.clock.Now(),
	}, nil
}

// MarketPrice агрессивная лимитная цена для IOC-закрытия.
func MarketPrice(mid float64, side models.Side, slippage float64, decimals int) float64 {
	px := mid * (1 - slippage)
	if side.IsBuy() {
		px = mid * (1 + slippage)
	}
	return helper.RoundToDecimals(helper.RoundSigFigs(px, marketSigFig), decimals)
}

func (c *Client) placeOrder(ctx context.Context, wire orderWire) (orderStatusEntry, error) {
	resp, err := c.act(ctx, orderAction{
		Type:     "order",
		Orders:   []orderWire{wire},
		Grouping: "na",
	})
	if err != nil {
		return orderStatusEntry{}, err
	}
	if len(resp.Data.Statuses) == 0 {
		return orderStatusEntry{}, exchange.Rejected("empty order status")
	}
	var st orderStatusEntry
	if err := sonic.Unmarshal(resp.Data.Statuses[0], &st); err != nil {
		return orderStatusEntry{}, errors.Wrapf(err, "decode order status: %s", string(resp.Data.Statuses[0]))
	}
	if st.Error != "" {
		return orderStatusEntry{}, classify(st.Error)
	}
	return st, nil
}

// OrderStatus авторитетное состояние ордера. Средняя цена здесь не приходит.
func (c *Client) OrderStatus(ctx context.Context, symbol, orderID string) (models.OrderStatus, error) {
	if c.user == "" {
		return models.OrderStatus{}, errors.Wrap(exchange.ErrAuth, "no wallet address configured")
	}
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return models.OrderStatus{}, errors.Wrapf(exchange.ErrUnknownOrder, "bad order id %q", orderID)
	}

	var resp orderQueryResponse
	if err := c.info(ctx, map[string]any{"type": "orderStatus", "user": c.user, "oid": oid}, &resp); err != nil {
		return models.OrderStatus{}, err
	}
	if resp.Status == "unknownOid" {
		return models.OrderStatus{}, errors.Wrapf(exchange.ErrUnknownOrder, "%s oid %s", symbol, orderID)
	}

	orig, _ := strconv.ParseFloat(resp.Order.Order.OrigSz, 64)
	left, _ := strconv.ParseFloat(resp.Order.Order.Sz, 64)
	filled := orig - left
	if filled < 0 {
		filled = 0
	}
	return models.OrderStatus{
		State:      mapOrderState(resp.Order.Status),
		FilledSize: filled,
	}, nil
}

func mapOrderState(s string) models.OrderState {
	switch {
	case s == "open" || s == "triggered":
		return models.OrderPending
	case s == "filled":
		return models.OrderFilled
	case s == "canceled", strings.HasSuffix(s, "Canceled"), strings.HasSuffix(s, "Rejected"), s == "rejected":
		return models.OrderCanceled
	default:
		return models.OrderPending
	}
}

// PositionSize знаковый szi из clearinghouseState; нет позиции = 0.
func (c *Client) PositionSize(ctx context.Context, symbol string) (float64, error) {
	if c.user == "" {
		return 0, errors.Wrap(exchange.ErrAuth, "no wallet address configured")
	}
	var st clearinghouseState
	if err := c.info(ctx, map[string]any{"type": "clearinghouseState", "user": c.user}, &st); err != nil {
		return 0, err
	}
	for _, ap := range st.AssetPositions {
		if ap.Position.Coin != symbol {
			continue
		}
		szi, err := strconv.ParseFloat(ap.Position.Szi, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "bad szi %q", ap.Position.Szi)
		}
		return szi, nil
	}
	return 0, nil
}

// cloid 128-битный client order id: uuid без дефисов с префиксом 0x.
func cloid(clientID string) string {
	if clientID == "" {
		return ""
	}
	h := strings.ReplaceAll(clientID, "-", "")
	if len(h) != 32 {
		return ""
	}
	return "0x" + strings.ToLower(h)
}
