package rgrpc

import (
	"fmt"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/luno/txrelay"
)

// ErrInvalidWireType is returned when a frame cannot be decoded.
var ErrInvalidWireType = errors.New("invalid wire type", j.C("ERR_3b8e61f0c2a7d594"))

// Field numbers of the aptos.indexer.v1 and aptos.transaction.v1 messages.
const (
	reqStartingVersion   protowire.Number = 1
	reqTransactionsCount protowire.Number = 2
	reqBatchSize         protowire.Number = 3

	respTransactions protowire.Number = 1
	respChainID      protowire.Number = 2

	txTimestamp protowire.Number = 1
	txVersion   protowire.Number = 2
	txUser      protowire.Number = 10

	userRequest protowire.Number = 1
	userEvents  protowire.Number = 2

	eventData    protowire.Number = 4
	eventTypeStr protowire.Number = 5

	tsSeconds protowire.Number = 1
	tsNanos   protowire.Number = 2
)

// Request is a GetTransactionsRequest. Zero TransactionsCount requests an
// unbounded stream and zero BatchSize uses the server default.
type Request struct {
	StartingVersion   uint64
	TransactionsCount uint64
	BatchSize         uint64
}

// MarshalRequest returns the protobuf encoding of the request.
func MarshalRequest(req Request) []byte {
	var b []byte
	b = protowire.AppendTag(b, reqStartingVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, req.StartingVersion)
	if req.TransactionsCount > 0 {
		b = protowire.AppendTag(b, reqTransactionsCount, protowire.VarintType)
		b = protowire.AppendVarint(b, req.TransactionsCount)
	}
	if req.BatchSize > 0 {
		b = protowire.AppendTag(b, reqBatchSize, protowire.VarintType)
		b = protowire.AppendVarint(b, req.BatchSize)
	}
	return b
}

// UnmarshalRequest decodes a GetTransactionsRequest.
func UnmarshalRequest(b []byte) (Request, error) {
	var req Request
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case reqStartingVersion:
			req.StartingVersion = u
		case reqTransactionsCount:
			req.TransactionsCount = u
		case reqBatchSize:
			req.BatchSize = u
		}
		return nil
	}, varints(reqStartingVersion, reqTransactionsCount, reqBatchSize))
	if err != nil {
		return Request{}, errors.Wrap(err, "decode request")
	}
	return req, nil
}

// MarshalTransactionsResponse returns the protobuf encoding of a
// TransactionsResponse holding user transactions with the provided events.
func MarshalTransactionsResponse(chainID uint64, txs ...txrelay.Transaction) []byte {
	var b []byte
	for _, tx := range txs {
		b = protowire.AppendTag(b, respTransactions, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTx(tx))
	}
	b = protowire.AppendTag(b, respChainID, protowire.VarintType)
	b = protowire.AppendVarint(b, chainID)
	return b
}

func marshalTx(tx txrelay.Transaction) []byte {
	var ts []byte
	ts = protowire.AppendTag(ts, tsSeconds, protowire.VarintType)
	ts = protowire.AppendVarint(ts, uint64(tx.Timestamp.Unix()))
	ts = protowire.AppendTag(ts, tsNanos, protowire.VarintType)
	ts = protowire.AppendVarint(ts, uint64(tx.Timestamp.Nanosecond()))

	var user []byte
	user = protowire.AppendTag(user, userRequest, protowire.BytesType)
	user = protowire.AppendBytes(user, nil)
	for _, e := range tx.Events {
		var ev []byte
		ev = protowire.AppendTag(ev, eventData, protowire.BytesType)
		ev = protowire.AppendString(ev, e.Data)
		ev = protowire.AppendTag(ev, eventTypeStr, protowire.BytesType)
		ev = protowire.AppendString(ev, e.Type)

		user = protowire.AppendTag(user, userEvents, protowire.BytesType)
		user = protowire.AppendBytes(user, ev)
	}

	var b []byte
	b = protowire.AppendTag(b, txTimestamp, protowire.BytesType)
	b = protowire.AppendBytes(b, ts)
	b = protowire.AppendTag(b, txVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, tx.Version)
	b = protowire.AppendTag(b, txUser, protowire.BytesType)
	b = protowire.AppendBytes(b, user)
	return b
}

// UnmarshalTransactionsResponse decodes a TransactionsResponse into its
// chain id and transactions. Non user transactions have no events.
func UnmarshalTransactionsResponse(b []byte) (uint64, []txrelay.Transaction, error) {
	var (
		chainID uint64
		txs     []txrelay.Transaction
	)
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, u uint64) error {
		switch num {
		case respChainID:
			chainID = u
		case respTransactions:
			tx, err := unmarshalTx(v)
			if err != nil {
				return err
			}
			txs = append(txs, tx)
		}
		return nil
	}, fields{respTransactions: protowire.BytesType, respChainID: protowire.VarintType})
	if err != nil {
		return 0, nil, err
	}
	return chainID, txs, nil
}

func unmarshalTx(b []byte) (txrelay.Transaction, error) {
	var tx txrelay.Transaction
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, u uint64) error {
		switch num {
		case txVersion:
			tx.Version = u
		case txTimestamp:
			ts, err := unmarshalTimestamp(v)
			if err != nil {
				return err
			}
			tx.Timestamp = ts
		case txUser:
			events, err := unmarshalUser(v)
			if err != nil {
				return err
			}
			tx.Events = events
		}
		return nil
	}, fields{txTimestamp: protowire.BytesType, txVersion: protowire.VarintType, txUser: protowire.BytesType})
	return tx, err
}

func unmarshalUser(b []byte) ([]txrelay.RawEvent, error) {
	var events []txrelay.RawEvent
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		if num != userEvents {
			return nil
		}
		var e txrelay.RawEvent
		err := walk(v, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
			switch num {
			case eventData:
				e.Data = string(v)
			case eventTypeStr:
				e.Type = string(v)
			}
			return nil
		}, fields{eventData: protowire.BytesType, eventTypeStr: protowire.BytesType})
		if err != nil {
			return err
		}
		events = append(events, e)
		return nil
	}, fields{userRequest: protowire.BytesType, userEvents: protowire.BytesType})
	return events, err
}

func unmarshalTimestamp(b []byte) (time.Time, error) {
	var sec, nsec int64
	err := walk(b, func(num protowire.Number, _ protowire.Type, _ []byte, u uint64) error {
		switch num {
		case tsSeconds:
			sec = int64(u)
		case tsNanos:
			nsec = int64(int32(u))
		}
		return nil
	}, varints(tsSeconds, tsNanos))
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, nsec).UTC(), nil
}

// fields maps known field numbers to their expected wire types.
type fields map[protowire.Number]protowire.Type

func varints(nums ...protowire.Number) fields {
	f := make(fields)
	for _, n := range nums {
		f[n] = protowire.VarintType
	}
	return f
}

// walk calls fn for each known field in b. Bytes fields are passed as v and
// varint fields as u. Unknown fields are skipped.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error, known fields) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return wireErr(protowire.ParseError(n), num, typ)
		}
		b = b[n:]

		want, ok := known[num]
		if ok && want != typ {
			return wireErr(nil, num, typ)
		}

		if !ok {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return wireErr(protowire.ParseError(n), num, typ)
			}
			b = b[n:]
			continue
		}

		var (
			v []byte
			u uint64
		)
		switch typ {
		case protowire.VarintType:
			u, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		}
		if n < 0 {
			return wireErr(protowire.ParseError(n), num, typ)
		}
		b = b[n:]

		if err := fn(num, typ, v, u); err != nil {
			return err
		}
	}
	return nil
}

func wireErr(cause error, num protowire.Number, typ protowire.Type) error {
	msg := fmt.Sprintf("field %d type %d", num, typ)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return errors.Wrap(ErrInvalidWireType, msg, j.MKV{"field": int(num), "wire_type": int(typ)})
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
