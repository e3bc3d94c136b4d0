package txrelay

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc/codes"
)

// Transaction is an upstream record at a specific ledger version. It is
// immutable once received and is not retained after it has been processed.
type Transaction struct {
	Version   uint64
	Timestamp time.Time
	Events    []RawEvent
}

// RawEvent is an opaque event attached to a transaction. Type is the fully
// qualified move type identifier, ex. "0x1::coin::DepositEvent", and Data
// is its JSON encoded payload.
type RawEvent struct {
	Type string
	Data string
}

// DeliveredEvent is the normalised record published to delivery sinks for
// every raw event that matches the interest table. Version and Timestamp are
// always those of the enclosing transaction.
type DeliveredEvent struct {
	Version   uint64          `json:"version"`
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	Timestamp time.Time       `json:"timestamp"`
}

// UnitKind tags a unit received from the upstream feed.
type UnitKind int

const (
	UnitUnknown  UnitKind = 0
	UnitData     UnitKind = 1
	UnitStatus   UnitKind = 2
	UnitMetadata UnitKind = 3
)

func (k UnitKind) String() string {
	switch k {
	case UnitData:
		return "data"
	case UnitStatus:
		return "status"
	case UnitMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// Status is a status update from the upstream feed. A zero Code is OK.
type Status struct {
	Code    codes.Code
	Details string
}

// Unit is one item received from the upstream feed. Only the fields
// relevant to Kind are populated.
type Unit struct {
	Kind UnitKind

	// ChainID and Transactions are populated for data units.
	ChainID      uint64
	Transactions []Transaction

	// Status is populated for status units.
	Status Status

	// Metadata is populated for metadata units.
	Metadata map[string][]string
}

// StreamClient is a stream interface providing subsequent units on calls to Recv.
type StreamClient interface {
	// Recv blocks until the next unit is available. Either the unit or error is non-nil.
	// A returned error is a connection level fault.
	Recv() (*Unit, error)
}

// StreamFunc opens a long lived connection to the upstream transaction feed
// starting at the provided version.
type StreamFunc func(ctx context.Context, cursor uint64) (StreamClient, error)

// Sink is a delivery target for matched events. Implementations must be safe
// for concurrent use. Errors are logged by the relay and never retried.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e DeliveredEvent) error
}

// CursorStore is an interface used to checkpoint the relay's cursor
// between process restarts.
type CursorStore interface {
	// GetCursor returns the named cursor, it returns an empty string if no cursor exists.
	GetCursor(ctx context.Context, name string) (string, error)

	// SetCursor stores the named cursor. Note some implementation may buffer writes.
	SetCursor(ctx context.Context, name string, cursor string) error

	// Flush writes any buffered cursors to the underlying store.
	Flush(ctx context.Context) error
}
