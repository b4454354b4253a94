// Package gateway terminates downstream WebSocket clients.
//
// Each accepted connection gets a uuid, a read pump translating the
// client protocol (subscribe/unsubscribe/ping) into registry calls, and
// a write pump draining a bounded outbound queue. A client holds at most
// one active symbol subscription at a time; subscribing to a new symbol
// implicitly unsubscribes the previous one.
//
// A periodic sweep force-closes clients that stayed idle beyond the
// configured timeout, reclaiming abandoned sockets that never sent a
// close frame.
package gateway
