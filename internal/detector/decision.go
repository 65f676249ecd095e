package detector

import (
	"math"

	"github.com/pkg/errors"

	"anomaly_bot/internal/models"
)

type Mode string

const (
	ModeVolOnly     Mode = "vol_only"
	ModePriceOnly   Mode = "price_only"
	ModeVolAndPrice Mode = "vol_and_price"
	ModeVolOrPrice  Mode = "vol_or_price"
)

func ParseMode(raw string) (Mode, error) {
	switch m := Mode(raw); m {
	case ModeVolOnly, ModePriceOnly, ModeVolAndPrice, ModeVolOrPrice:
		return m, nil
	default:
		return "", errors.Errorf("unknown detection mode %q", raw)
	}
}

type Thresholds struct {
	Volume float64
	Price  float64
}

// Gate говорит, занят ли символ текущим циклом ордеров/позиций.
type Gate interface {
	Holds(symbol string) bool
}

type Decider struct {
	store      *Store
	mode       Mode
	thresholds Thresholds
	gate       Gate
}

func NewDecider(store *Store, mode Mode, th Thresholds, gate Gate) (*Decider, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if th.Volume <= 0 || th.Price <= 0 {
		return nil, errors.Errorf("thresholds must be positive, got volume=%v price=%v", th.Volume, th.Price)
	}
	return &Decider{store: store, mode: mode, thresholds: th, gate: gate}, nil
}

func (d *Decider) Mode() Mode { return d.mode }

// Evaluate решает, аномален ли последний тик символа.
func (d *Decider) Evaluate(symbol string) (models.Trigger, bool) {
	if d.gate != nil && d.gate.Holds(symbol) {
		return models.Trigger{}, false
	}

	zVol, okVol := d.store.ZScore(symbol, models.MetricVolume)
	zPrice, okPrice := d.store.ZScore(symbol, models.MetricPrice)

	volHit := okVol && math.Abs(zVol) >= d.thresholds.Volume
	priceHit := okPrice && math.Abs(zPrice) >= d.thresholds.Price

	var hit bool
	switch d.mode {
	case ModeVolOnly:
		hit = volHit
	case ModePriceOnly:
		hit = priceHit
	case ModeVolAndPrice:
		hit = volHit && priceHit
	case ModeVolOrPrice:
		hit = volHit || priceHit
	}
	if !hit {
		return models.Trigger{}, false
	}

	// базовая цена — последняя цена до аномального тика
	baseline, ok := d.store.Previous(symbol, models.MetricPrice)
	if !ok || baseline <= 0 {
		return models.Trigger{}, false
	}
	price, _ := d.store.Latest(symbol, models.MetricPrice)
	volume, _ := d.store.Latest(symbol, models.MetricVolume)

	return models.Trigger{
		Symbol:    symbol,
		Baseline:  baseline,
		Price:     price,
		Volume:    volume,
		ZPrice:    zPrice,
		HasZPrice: okPrice,
		ZVolume:   zVol,
		HasZVol:   okVol,
		At:        d.store.LastSeen(symbol),
	}, true
}
