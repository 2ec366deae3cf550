package ingestion

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"candleflow/internal/domain"
	"candleflow/internal/observability"
)

const wsHandshakeTimeout = 5 * time.Second

// wireTrade is the feed's JSON trade message.
type wireTrade struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
}

// WSTradeSource streams trades from a WebSocket feed. Disconnects are
// retried with exponential backoff for as long as the context lives; the
// consumer only ever sees the channel.
type WSTradeSource struct {
	url     string
	logger  *log.Logger
	backoff func() backoff.BackOff
}

// NewWSTradeSource creates a WebSocket trade source for the given feed URL.
func NewWSTradeSource(url string, logger *log.Logger) *WSTradeSource {
	if logger == nil {
		logger = log.New(os.Stdout, "[ws-trades] ", log.LstdFlags)
	}
	return &WSTradeSource{
		url:    url,
		logger: logger,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0 // retry forever, the context bounds us
			return b
		},
	}
}

// Compile-time interface check.
var _ TradeSource = (*WSTradeSource)(nil)

// Subscribe connects to the feed and returns the trade channel. The first
// connection attempt happens synchronously so a bad URL fails fast.
func (s *WSTradeSource) Subscribe(ctx context.Context) (<-chan *domain.TradeEvent, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("connected to %s", s.url)

	eventsCh := make(chan *domain.TradeEvent, 100)

	go func() {
		defer close(eventsCh)
		defer conn.Close()

		for {
			if err := s.readLoop(ctx, conn, eventsCh); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Printf("read loop ended: %v, reconnecting", err)
			}

			conn.Close()
			observability.RecordFeedReconnect()

			conn, err = s.redial(ctx)
			if err != nil {
				// Only context cancellation stops the redial loop.
				return
			}
			s.logger.Printf("reconnected to %s", s.url)
		}
	}()

	return eventsCh, nil
}

// readLoop pumps messages from one connection until it fails.
func (s *WSTradeSource) readLoop(ctx context.Context, conn *websocket.Conn, eventsCh chan<- *domain.TradeEvent) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var wire wireTrade
		if err := json.Unmarshal(message, &wire); err != nil {
			s.logger.Printf("skipping unparseable message: %v", err)
			continue
		}

		// Timestamp is optional on the wire and defaults to receipt time.
		ts := time.Now().UTC()
		if wire.Timestamp != 0 {
			ts = time.UnixMilli(wire.Timestamp).UTC()
		}
		event := &domain.TradeEvent{
			Symbol:    wire.Symbol,
			Side:      wire.Side,
			Price:     wire.Price,
			Amount:    wire.Amount,
			Timestamp: ts,
		}

		select {
		case eventsCh <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dial opens one connection attempt.
func (s *WSTradeSource) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	return conn, err
}

// redial reconnects with exponential backoff until it succeeds or the
// context is cancelled.
func (s *WSTradeSource) redial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	operation := func() error {
		var err error
		conn, err = s.dial(ctx)
		if err != nil {
			s.logger.Printf("reconnect attempt failed: %v", err)
		}
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(s.backoff(), ctx))
	if err != nil {
		return nil, err
	}
	return conn, nil
}
