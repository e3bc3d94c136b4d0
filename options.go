package txrelay

import (
	"time"
)

const (
	// DefaultMaxRetries is the number of consecutive connectivity faults
	// tolerated before the relay is abandoned.
	DefaultMaxRetries = 5

	// DefaultRetryDelay is the fixed backoff between connectivity retries.
	DefaultRetryDelay = 5 * time.Second

	// DefaultChainID is the aptos testnet chain id.
	DefaultChainID = 2

	// DefaultSinkBuffer is the number of events buffered per sink.
	DefaultSinkBuffer = 256

	defaultName = "txrelay"
)

// Option defines a functional option that configures a Relay.
type Option func(*Relay)

// WithName provides an option to set the relay name used for metrics,
// logging and cursor checkpoints. It defaults to "txrelay".
func WithName(name string) Option {
	return func(r *Relay) {
		r.name = name
	}
}

// WithStartCursor provides an option to set the version the first session
// starts at when no checkpointed cursor exists. It defaults to 0.
func WithStartCursor(cursor uint64) Option {
	return func(r *Relay) {
		r.cursor = cursor
	}
}

// WithMaxRetries provides an option to set the number of consecutive
// connectivity faults before the relay is abandoned. It defaults to 5.
func WithMaxRetries(n int) Option {
	return func(r *Relay) {
		r.maxRetries = n
	}
}

// WithRetryDelay provides an option to set the fixed delay between
// connectivity retries. It defaults to 5 seconds.
func WithRetryDelay(d time.Duration) Option {
	return func(r *Relay) {
		r.retryDelay = d
	}
}

// WithChainID provides an option to set the expected upstream chain id.
// It defaults to 2 (testnet).
func WithChainID(id uint64) Option {
	return func(r *Relay) {
		r.chainID = id
	}
}

// WithSinks provides an option to add delivery sinks.
func WithSinks(sinks ...Sink) Option {
	return func(r *Relay) {
		r.sinks = append(r.sinks, sinks...)
	}
}

// WithSinkBuffer provides an option to set the number of events buffered
// per sink before events are dropped for that sink. It defaults to 256.
func WithSinkBuffer(n int) Option {
	return func(r *Relay) {
		r.sinkBuffer = n
	}
}

// WithCursorStore provides an option to checkpoint the cursor at every
// connection attempt. A stored cursor overrides WithStartCursor.
func WithCursorStore(cs CursorStore) Option {
	return func(r *Relay) {
		r.cstore = cs
	}
}

// WithRetryIntegrityFaults provides an option to retry chain id mismatches
// like connectivity faults instead of abandoning immediately.
func WithRetryIntegrityFaults() Option {
	return func(r *Relay) {
		r.retryIntegrity = true
	}
}
