package models

import "time"

// MarketData один снимок рынка по символу за тик.
type MarketData struct {
	Symbol    string
	Price     float64
	PriceRaw  string // цена как её прислала биржа, нужна для точности
	Volume    float64
	Timestamp time.Time
}

// Instrument метаданные инструмента с биржи.
type Instrument struct {
	Symbol        string
	AssetID       int
	SizeDecimals  int
	PriceDecimals int // максимум знаков цены, объявленный биржей; -1 если неизвестно
	MaxLeverage   int
}

// Precision точность, с которой строится лесенка.
type Precision struct {
	PriceDecimals int
	SizeDecimals  int
}
