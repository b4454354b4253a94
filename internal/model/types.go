package model

// -----------------------------------------------------------------------------
// Stream Types
// -----------------------------------------------------------------------------

// Tick is one candlestick update for a symbol/interval pair.
// Ticks are immutable: they are constructed only by the upstream frame
// parser and shared read-only by everything downstream.
type Tick struct {
	Symbol     string  // Market symbol (e.g., "BTCUSDT")
	Interval   string  // Candle interval (e.g., "1m")
	OpenTime   int64   // Candle open time (ms since epoch)
	CloseTime  int64   // Candle close time (ms since epoch)
	Open       float64 // Open price
	High       float64 // High price
	Low        float64 // Low price
	Close      float64 // Close price
	Volume     float64 // Base asset volume
	TradeCount int64   // Number of trades in the candle
	IsFinal    bool    // True once the candle is closed
}

// ChartPoint is the downstream wire shape of a Tick, trimmed to what a
// charting client consumes. Time is in seconds, not milliseconds.
type ChartPoint struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// ChartPoint reshapes the tick for downstream delivery.
func (t Tick) ChartPoint() ChartPoint {
	return ChartPoint{
		Time:   t.CloseTime / 1000, // ms → s
		Open:   t.Open,
		High:   t.High,
		Low:    t.Low,
		Close:  t.Close,
		Volume: t.Volume,
	}
}
