// Package relay implements the demand-driven fan-out between the
// upstream feed and downstream clients.
//
// Data path: Broadcaster drains the feed's tick channel onto a bounded
// pub/sub Bus; a Dispatcher reads one Bus subscription and hands each
// tick to the Registry, which invokes every sink registered for the
// tick's symbol.
//
// Control path: the Registry maps N downstream subscribers per symbol
// onto exactly one upstream subscription. The first subscriber for a
// symbol triggers the upstream SUBSCRIBE; the last one leaving triggers
// the UNSUBSCRIBE and removes the entry.
package relay
