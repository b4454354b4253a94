// Package upstream implements the exchange feed connection.
//
// The upstream side is split in two:
//   - Client: a single WebSocket connection with serialized writes,
//     a buffered read loop, and transport-level ping/pong heartbeating
//   - Feed: the connection lifecycle state machine (connect, heartbeat
//     timeout, reconnect with capped exponential backoff), the demanded
//     symbol set, and the kline frame parser
//
// The Feed owns exactly one live socket at a time. Demand recorded via
// Subscribe survives reconnects: every demanded symbol is re-subscribed
// after each successful connect because the exchange does not remember
// subscriptions across sockets.
package upstream
