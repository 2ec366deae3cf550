package domain

import (
	"math"
	"time"
)

// Candle represents one pre-aggregated OHLCV bucket for a (tier, symbol) pair.
// Corresponds to ohlcv_candles table in ClickHouse.
//
// BucketTS is the END boundary of the bucket, not the start. Downstream chart
// consumers rely on end-stamped buckets, so this convention must not change.
type Candle struct {
	Tier     string    // canonical resolution tier name, e.g. "5m"
	Symbol   string    // instrument symbol
	BucketTS time.Time // bucket end boundary
	Open     float64   // price of first trade in bucket
	High     float64   // max trade price in bucket
	Low      float64   // min trade price in bucket
	Close    float64   // price of last trade in bucket
	Volume   float64   // sum of trade amounts in bucket
}

// Valid reports whether the candle is well-formed. Candles with missing or
// non-finite price legs are data anomalies and are skipped during commit.
func (c *Candle) Valid() bool {
	if c == nil || c.Tier == "" || c.Symbol == "" || c.BucketTS.IsZero() {
		return false
	}
	for _, v := range [...]float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return c.Open > 0 && c.High > 0 && c.Low > 0 && c.Close > 0 && c.Volume >= 0
}
