package models

import "time"

type EventKind string

const (
	EventAnomalyDetected EventKind = "ANOMALY_DETECTED"
	EventOrderPlaced     EventKind = "ORDER_PLACED"
	EventOrderCanceled   EventKind = "ORDER_CANCELED"
	EventOrderFilled     EventKind = "ORDER_FILLED"
	EventPositionOpened  EventKind = "POSITION_OPENED"
	EventPositionClosed  EventKind = "POSITION_CLOSED"
	EventError           EventKind = "ERROR"
	EventStatus          EventKind = "STATUS"
)

// Event структурированное событие для нотификаций и журнала.
type Event struct {
	Kind     EventKind
	Symbol   string
	Side     Side
	OrderID  string
	Price    float64
	Size     float64
	Baseline float64
	ZPrice   *float64
	ZVolume  *float64
	Reason   string
	Err      string
	Fields   map[string]string // свободные поля для статуса
	At       time.Time
}
