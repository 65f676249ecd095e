package helper

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// PriceDecimals считает знаки после точки в строке цены с биржи.
// "0.55190" -> 4; "27.0" и "100" -> ok=false: без значащей дробной части
// точность из строки не выводится.
func PriceDecimals(raw string) (int, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0, false
	}
	frac := strings.TrimRight(s[i+1:], "0")
	if frac == "" {
		return 0, false
	}
	return len(frac), true
}

// RoundToDecimals округляет цену до n знаков (half away from zero).
func RoundToDecimals(v float64, n int) float64 {
	if n < 0 {
		return v
	}
	return decimal.NewFromFloat(v).Round(int32(n)).InexactFloat64()
}

// TruncateToDecimals отбрасывает лишние знаки, никогда не округляя вверх.
func TruncateToDecimals(v float64, n int) float64 {
	if n < 0 {
		return v
	}
	return decimal.NewFromFloat(v).Truncate(int32(n)).InexactFloat64()
}

// FormatWire печатает число без хвостовых нулей, как ждёт биржа.
func FormatWire(v float64, n int) string {
	d := decimal.NewFromFloat(v)
	if n >= 0 {
		d = d.Round(int32(n))
	}
	return d.String()
}

// RoundSigFigs ограничивает число значащих цифр; целую часть не трогает.
func RoundSigFigs(v float64, sig int) float64 {
	if v == 0 || sig <= 0 {
		return v
	}
	magnitude := int(math.Floor(math.Log10(math.Abs(v)))) + 1
	places := sig - magnitude
	if places < 0 {
		places = 0
	}
	return decimal.NewFromFloat(v).Round(int32(places)).InexactFloat64()
}
