// Package rsink provides delivery sinks for matched events: NATS and Redis
// broadcast buses and websocket and server-sent event push groups.
//
// Every sink is best effort. A failed publish is returned to the relay which
// logs and counts it, it is never retried.
package rsink
