package ladder

import "anomaly_bot/internal/models"

type PrecisionSource string

const (
	PrecisionObserved PrecisionSource = "observed"
	PrecisionDeclared PrecisionSource = "declared"
)

// ResolvePrecision сводит выученную точность цены с объявленной биржей.
// observed: знаки последней цены, но не больше объявленного максимума;
// declared: только объявленный максимум, если он известен.
func ResolvePrecision(src PrecisionSource, learned models.Precision, inst models.Instrument) models.Precision {
	out := models.Precision{PriceDecimals: learned.PriceDecimals, SizeDecimals: inst.SizeDecimals}
	if out.SizeDecimals < 0 {
		out.SizeDecimals = learned.SizeDecimals
	}

	declared := inst.PriceDecimals
	switch src {
	case PrecisionDeclared:
		if declared >= 0 {
			out.PriceDecimals = declared
		}
	default:
		if declared >= 0 && (out.PriceDecimals < 0 || out.PriceDecimals > declared) {
			out.PriceDecimals = declared
		}
	}
	return out
}
