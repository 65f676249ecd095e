package exchange

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"anomaly_bot/internal/models"
)

var (
	// ErrMarketData транзиентная ошибка получения рынка.
	ErrMarketData = errors.New("market data unavailable")
	// ErrOrderRejected биржа отклонила ордер (цена вне диапазона, post-only, маржа).
	ErrOrderRejected = errors.New("order rejected")
	// ErrAlreadyClosed отмена после исполнения или повторное закрытие.
	ErrAlreadyClosed = errors.New("order already filled or canceled")
	// ErrUnknownOrder биржа не знает такой ордер.
	ErrUnknownOrder = errors.New("unknown order")
	// ErrAuth ошибка подписи/кошелька, дальше работать нельзя.
	ErrAuth = errors.New("authentication failed")
	// ErrUnavailable circuit breaker открыт.
	ErrUnavailable = errors.New("exchange unavailable")
)

// OrderError причина отказа по конкретному ордеру.
type OrderError struct {
	Reason string
	Err    error
}

func (e *OrderError) Error() string { return fmt.Sprintf("%v: %s", e.Err, e.Reason) }
func (e *OrderError) Unwrap() error { return e.Err }

func Rejected(reason string) error { return &OrderError{Reason: reason, Err: ErrOrderRejected} }

// IsFatal ошибки, после которых цикл мониторинга останавливается.
func IsFatal(err error) bool { return errors.Is(err, ErrAuth) }

type MarketDataSource interface {
	FetchMarketData(ctx context.Context, symbols []string) (map[string]models.MarketData, error)
}

type MetadataSource interface {
	InstrumentMetadata(ctx context.Context, symbol string) (models.Instrument, error)
}

// Trader то, что нужно менеджеру жизненного цикла.
type Trader interface {
	PlaceLimitOrder(ctx context.Context, req models.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, size float64) (models.FillReport, error)
	OrderStatus(ctx context.Context, symbol, orderID string) (models.OrderStatus, error)
	// PositionSize знаковый размер позиции: >0 лонг, <0 шорт.
	PositionSize(ctx context.Context, symbol string) (float64, error)
}

// FillStreamer поток исполнений; биржи без стрима его не реализуют.
type FillStreamer interface {
	StreamFills(ctx context.Context, onFill func(models.Fill))
}

type Exchange interface {
	MarketDataSource
	MetadataSource
	Trader
}
