package txrelay

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
)

// DefaultEventNames are the event struct names relayed when none are configured.
var DefaultEventNames = []string{"CreateEvent", "BuyEvent", "WithdrawEvent"}

// InterestTable is a fixed set of fully qualified event type identifiers.
// It is not safe to modify after construction.
type InterestTable struct {
	types map[string]bool
}

// NewInterestTable returns a table matching "<address>::<module>::<name>"
// for each of the names, or DefaultEventNames if none are provided.
func NewInterestTable(address, module string, names ...string) InterestTable {
	if len(names) == 0 {
		names = DefaultEventNames
	}

	types := make([]string, 0, len(names))
	for _, name := range names {
		types = append(types, address+"::"+module+"::"+name)
	}
	return NewInterestTableFromTypes(types...)
}

// NewInterestTableFromTypes returns a table matching exactly the provided types.
func NewInterestTableFromTypes(types ...string) InterestTable {
	m := make(map[string]bool, len(types))
	for _, typ := range types {
		m[typ] = true
	}
	return InterestTable{types: m}
}

// Match returns true if the type identifier is in the table.
// Matching is exact; no prefixes or wildcards.
func (t InterestTable) Match(typ string) bool {
	return t.types[typ]
}

// Types returns the sorted type identifiers in the table.
func (t InterestTable) Types() []string {
	res := make([]string, 0, len(t.types))
	for typ := range t.types {
		res = append(res, typ)
	}
	sort.Strings(res)
	return res
}

// Classify returns the delivered event for the raw event and true if it
// matches the table. It never fails; a matching event with an undecodable
// payload is logged and treated as not matching.
func Classify(ctx context.Context, table InterestTable, tx Transaction, e RawEvent) (DeliveredEvent, bool) {
	if !table.Match(e.Type) {
		return DeliveredEvent{}, false
	}

	if !json.Valid([]byte(e.Data)) {
		log.Error(ctx, errors.New("invalid event payload"),
			j.MKV{"version": tx.Version, "event_type": e.Type})
		return DeliveredEvent{}, false
	}

	return DeliveredEvent{
		Version:   tx.Version,
		EventType: e.Type,
		EventData: json.RawMessage(e.Data),
		Timestamp: tx.Timestamp,
	}, true
}
