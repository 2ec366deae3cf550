package domain

import (
	"math"
	"time"
)

// TradeEvent represents a single executed trade in the append-only event log.
// Corresponds to trade_events table in ClickHouse. Events are never mutated
// or deleted once written.
type TradeEvent struct {
	Symbol    string    // instrument symbol, e.g. "BTCUSD"
	Side      string    // "buy" | "sell"
	Price     float64   // execution price
	Amount    float64   // executed amount
	Timestamp time.Time // execution time
}

// Trade side constants
const (
	TradeSideBuy  = "buy"
	TradeSideSell = "sell"
)

// Valid reports whether the event carries the fields required for
// aggregation. Malformed events are skipped, not fatal.
func (t *TradeEvent) Valid() bool {
	if t == nil || t.Symbol == "" {
		return false
	}
	if t.Price <= 0 || math.IsNaN(t.Price) || math.IsInf(t.Price, 0) {
		return false
	}
	if t.Amount <= 0 || math.IsNaN(t.Amount) || math.IsInf(t.Amount, 0) {
		return false
	}
	return true
}
