package models

import "time"

type OrderState string

const (
	OrderPending  OrderState = "PENDING"
	OrderFilled   OrderState = "FILLED"
	OrderCanceled OrderState = "CANCELED"
	OrderFailed   OrderState = "FAILED"
)

func (s OrderState) Terminal() bool { return s != OrderPending }

// OrderRequest одна ступень лесенки.
type OrderRequest struct {
	Symbol     string
	ClientID   string
	Side       Side
	Price      float64
	Size       float64
	RawPrice   float64
	RawSize    float64
	Multiplier float64
	AmountUSDC float64
	Leg        int
	ReduceOnly bool
	PostOnly   bool
}

func (r OrderRequest) Notional() float64 { return r.Price * r.Size }

type Order struct {
	ID         string // id биржи, пустой пока запрос в полёте
	ClientID   string
	Symbol     string
	Side       Side
	LimitPrice float64
	Size       float64
	FilledSize float64
	AvgPrice   float64
	Leg        int
	PlacedAt   time.Time
	Deadline   time.Time
	State      OrderState
	Err        string
}

// OrderStatus авторитетное состояние ордера на бирже.
type OrderStatus struct {
	State      OrderState
	FilledSize float64
	AvgPrice   float64
}

// FillReport результат рыночного ордера.
type FillReport struct {
	OrderID  string
	Size     float64
	AvgPrice float64
	At       time.Time
}

// Fill событие исполнения из потока биржи.
type Fill struct {
	ID      string // id сделки на бирже (tid), по нему отсекаются повторы
	OrderID string
	Symbol  string
	Side    Side
	Price   float64
	Size    float64
	At      time.Time
}
