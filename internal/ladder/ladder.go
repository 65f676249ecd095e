package ladder

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"anomaly_bot/internal/helper"
	"anomaly_bot/internal/models"
)

var (
	ErrConfig       = errors.New("ladder config")
	ErrSizeTooSmall = errors.New("size truncates to zero")
	ErrMinNotional  = errors.New("below min notional")
	ErrNoPrecision  = errors.New("instrument precision unknown")
)

// Leg пара множитель/сумма из конфига.
type Leg struct {
	Multiplier float64
	AmountUSDC float64
}

// LegError отклонённая ступень лесенки.
type LegError struct {
	Leg int
	Err error
}

func (e *LegError) Error() string { return fmt.Sprintf("leg %d: %v", e.Leg, e.Err) }
func (e *LegError) Unwrap() error { return e.Err }

type Builder struct {
	legs        []Leg
	minNotional float64
}

// NewBuilder проверяет конфиг лесенки; ошибки здесь фатальны на старте.
func NewBuilder(multipliers, amountsUSDC []float64, minNotional float64) (*Builder, error) {
	if len(multipliers) == 0 {
		return nil, errors.Wrap(ErrConfig, "no price multipliers")
	}
	if len(multipliers) != len(amountsUSDC) {
		return nil, errors.Wrapf(ErrConfig, "%d multipliers vs %d amounts", len(multipliers), len(amountsUSDC))
	}
	legs := make([]Leg, len(multipliers))
	for i := range multipliers {
		m, a := multipliers[i], amountsUSDC[i]
		switch {
		case m <= 0:
			return nil, errors.Wrapf(ErrConfig, "multiplier #%d must be positive, got %v", i+1, m)
		case m == 1.0:
			return nil, errors.Wrapf(ErrConfig, "multiplier #%d is 1.0", i+1)
		case a <= 0:
			return nil, errors.Wrapf(ErrConfig, "amount #%d must be positive, got %v", i+1, a)
		}
		legs[i] = Leg{Multiplier: m, AmountUSDC: a}
	}
	return &Builder{legs: legs, minNotional: minNotional}, nil
}

func (b *Builder) Legs() []Leg {
	out := make([]Leg, len(b.legs))
	copy(out, b.legs)
	return out
}

// SideFor: выше базы продаём, ниже покупаем.
func SideFor(multiplier float64) models.Side {
	if multiplier > 1.0 {
		return models.SideSell
	}
	return models.SideBuy
}

// Build считает ступени от базовой цены триггера. Отклонённые ступени
// возвращаются в err (multierr из *LegError), валидные всё равно выставляются.
func (b *Builder) Build(trig models.Trigger, prec models.Precision) ([]models.OrderRequest, error) {
	if trig.Baseline <= 0 {
		return nil, errors.Errorf("%s: baseline must be positive, got %v", trig.Symbol, trig.Baseline)
	}
	if prec.SizeDecimals < 0 {
		return nil, errors.Wrapf(ErrNoPrecision, "%s: size decimals", trig.Symbol)
	}

	reqs := make([]models.OrderRequest, 0, len(b.legs))
	var errs error
	for i, leg := range b.legs {
		rawPrice := trig.Baseline * leg.Multiplier
		rawSize := leg.AmountUSDC / rawPrice

		price := helper.RoundToDecimals(rawPrice, prec.PriceDecimals)
		size := helper.TruncateToDecimals(rawSize, prec.SizeDecimals)

		if size <= 0 {
			errs = multierr.Append(errs, &LegError{Leg: i + 1, Err: errors.Wrapf(ErrSizeTooSmall, "raw %v @ %d decimals", rawSize, prec.SizeDecimals)})
			continue
		}
		if b.minNotional > 0 && price*size < b.minNotional {
			errs = multierr.Append(errs, &LegError{Leg: i + 1, Err: errors.Wrapf(ErrMinNotional, "%.4f < %.4f", price*size, b.minNotional)})
			continue
		}

		reqs = append(reqs, models.OrderRequest{
			Symbol:     trig.Symbol,
			Side:       SideFor(leg.Multiplier),
			Price:      price,
			Size:       size,
			RawPrice:   rawPrice,
			RawSize:    rawSize,
			Multiplier: leg.Multiplier,
			AmountUSDC: leg.AmountUSDC,
			Leg:        i + 1,
			PostOnly:   true,
		})
	}
	return reqs, errs
}
