// Package stub provides an in-process trade source for development and
// tests, so the full pipeline runs without an external feed.
package stub

import (
	"context"
	"math/rand"
	"time"

	"candleflow/internal/domain"
)

// TradeSource emits a synthetic random-walk trade stream for a fixed set of
// symbols. Implements ingestion.TradeSource.
type TradeSource struct {
	symbols  []string
	interval time.Duration
	prices   map[string]float64
	rng      *rand.Rand
}

// NewTradeSource creates a stub source emitting one trade per interval.
func NewTradeSource(symbols []string, interval time.Duration) *TradeSource {
	if len(symbols) == 0 {
		symbols = []string{"BTCUSD"}
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	prices := make(map[string]float64, len(symbols))
	for i, sym := range symbols {
		prices[sym] = 100.0 * float64(i+1)
	}

	return &TradeSource{
		symbols:  symbols,
		interval: interval,
		prices:   prices,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Subscribe starts the synthetic stream.
func (s *TradeSource) Subscribe(ctx context.Context) (<-chan *domain.TradeEvent, error) {
	eventsCh := make(chan *domain.TradeEvent, 100)

	go func() {
		defer close(eventsCh)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				event := s.nextTrade()
				select {
				case eventsCh <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventsCh, nil
}

// nextTrade advances one symbol's random walk and emits the trade.
func (s *TradeSource) nextTrade() *domain.TradeEvent {
	sym := s.symbols[s.rng.Intn(len(s.symbols))]

	// Drift the price by up to +-0.5%, floored away from zero.
	price := s.prices[sym] * (1 + (s.rng.Float64()-0.5)/100)
	if price < 0.0001 {
		price = 0.0001
	}
	s.prices[sym] = price

	side := domain.TradeSideBuy
	if s.rng.Intn(2) == 1 {
		side = domain.TradeSideSell
	}

	return &domain.TradeEvent{
		Symbol:    sym,
		Side:      side,
		Price:     price,
		Amount:    s.rng.Float64()*2 + 0.01,
		Timestamp: time.Now().UTC(),
	}
}
