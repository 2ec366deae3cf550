package ingestion

import (
	"context"

	"candleflow/internal/domain"
)

// TradeSource provides a live stream of trade events from an external feed.
type TradeSource interface {
	// Subscribe returns a channel of trade events. The channel is closed when
	// the context is cancelled; transient feed failures are handled inside
	// the source, not surfaced to the consumer.
	Subscribe(ctx context.Context) (<-chan *domain.TradeEvent, error)
}
