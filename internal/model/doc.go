// Package model defines shared data types used across the tick relay.
//
// Conventions:
//   - Prices and volumes: float64, parsed from the upstream's stringified decimals
//   - Timestamps: int64 milliseconds since Unix epoch unless noted otherwise
//   - Symbols: upstream casing preserved (e.g., "BTCUSDT")
package model
