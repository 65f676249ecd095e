package models

// Side направление ордера/позиции: "BUY"/"SELL".
type Side string

const (
	SideNone Side = ""
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideNone
	}
}

func (s Side) IsBuy() bool { return s == SideBuy }

// Metric имя ряда в окне статистики.
type Metric string

const (
	MetricPrice  Metric = "price"
	MetricVolume Metric = "volume"
)

var Metrics = []Metric{MetricPrice, MetricVolume}
