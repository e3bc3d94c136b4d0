// Package txrelay relays interesting events from a remote, versioned
// transaction stream (ex. the Aptos indexer gRPC feed) to live subscribers.
//
// A Relay supervises stream sessions. Each session connects to the upstream
// source at the relay's cursor and, for every transaction received, classifies
// the embedded events against a fixed InterestTable. Matching events are
// normalised into DeliveredEvents and fanned out to every configured Sink.
//
// Sessions always end with a fault which the relay resolves:
//   - Stream dropped: reconnect immediately at the same cursor.
//   - Invalid wire type: reconnect immediately skipping one version.
//   - Wrong chain: abandon (configurable to retry).
//   - Anything else: retry up to MaxRetries times with a fixed delay, then abandon.
//
// An abandoned relay is inert; it must be replaced to resume streaming.
//
// Delivery is best effort and at-most-once per connection. Sinks are
// independent of each other and of the session: a slow or failing sink
// only affects itself.
package txrelay
