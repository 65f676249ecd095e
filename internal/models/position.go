package models

import "time"

type PositionState string

const (
	PositionOpen   PositionState = "OPEN"
	PositionClosed PositionState = "CLOSED"
)

type Position struct {
	Symbol     string
	Side       Side
	EntryPrice float64
	Size       float64
	OrderID    string // ордер, из которого открыта позиция
	OpenedAt   time.Time
	Deadline   time.Time
	ClosedAt   time.Time
	ExitPrice  float64
	State      PositionState
}
