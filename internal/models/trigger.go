package models

import (
	"fmt"
	"time"
)

// Trigger результат детектора: аномалия и базовая цена до неё.
type Trigger struct {
	Symbol   string
	Baseline float64
	Price    float64
	Volume   float64

	ZPrice    float64
	HasZPrice bool
	ZVolume   float64
	HasZVol   bool

	At time.Time
}

// Strength модуль самого сильного из доступных z.
func (t Trigger) Strength() float64 {
	s := 0.0
	if t.HasZPrice && abs(t.ZPrice) > s {
		s = abs(t.ZPrice)
	}
	if t.HasZVol && abs(t.ZVolume) > s {
		s = abs(t.ZVolume)
	}
	return s
}

func (t Trigger) Kind() string {
	switch {
	case t.HasZVol && t.HasZPrice:
		return fmt.Sprintf("volume %s, price %s", direction(t.ZVolume), direction(t.ZPrice))
	case t.HasZVol:
		return "volume " + direction(t.ZVolume)
	case t.HasZPrice:
		return "price " + direction(t.ZPrice)
	default:
		return "unknown"
	}
}

func direction(z float64) string {
	if z < 0 {
		return "drop"
	}
	return "spike"
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
