package txrelay

import (
	"context"
	"io"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/luno/txrelay/internal/metrics"
	"github.com/luno/txrelay/internal/tracing"
)

// faultKind is the outcome of a stream session.
type faultKind int

const (
	faultUnknown    faultKind = 0
	faultResumeSame faultKind = 1
	faultResumeNext faultKind = 2
	faultFatal      faultKind = 3
	faultIntegrity  faultKind = 4
	faultCancelled  faultKind = 5
)

func (k faultKind) String() string {
	switch k {
	case faultResumeSame:
		return "resume_same"
	case faultResumeNext:
		return "resume_next"
	case faultFatal:
		return "fatal"
	case faultIntegrity:
		return "integrity"
	case faultCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// fault is returned by a session when it terminates.
type fault struct {
	kind faultKind

	// next is the version after the last transaction the session
	// processed, or the session's start cursor if it processed none.
	next uint64

	err error
}

// session drives a single upstream connection. It holds no cursor of its
// own; each run starts at the cursor provided by the relay.
type session struct {
	stream    StreamFunc
	table     InterestTable
	chainID   uint64
	fan       *fanout
	connected func()

	txCounter      prometheus.Counter
	deliverCounter prometheus.Counter
	skipCounter    prometheus.Counter
	lagGauge       prometheus.Gauge
}

func newSession(name string, stream StreamFunc, table InterestTable, chainID uint64,
	fan *fanout, connected func(),
) *session {
	labels := metrics.Labels(name)
	return &session{
		stream:         stream,
		table:          table,
		chainID:        chainID,
		fan:            fan,
		connected:      connected,
		txCounter:      metrics.Transactions.With(labels),
		deliverCounter: metrics.Delivered.With(labels),
		skipCounter:    metrics.Skipped.With(labels),
		lagGauge:       metrics.Lag.With(labels),
	}
}

// run streams from cursor until a fault occurs. It always returns a fault.
func (s *session) run(in context.Context, cursor uint64) fault {
	ctx, span := otel.Tracer("txrelay").Start(in, "txrelay.session",
		trace.WithAttributes(attribute.Int64("cursor", int64(cursor))))
	defer span.End()

	if sc, ok := tracing.Extract(ctx); ok {
		ctx = log.ContextWith(ctx, j.KS("trace_id", sc.TraceID().String()))
	}

	// Cancelling closes the upstream stream.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	next := cursor
	newFault := func(kind faultKind, err error) fault {
		if in.Err() != nil {
			return fault{kind: faultCancelled, next: next, err: in.Err()}
		}
		if err != nil {
			span.RecordError(err)
		}
		return fault{kind: kind, next: next, err: err}
	}

	sc, err := s.stream(ctx, cursor)
	if err != nil {
		return newFault(faultFatal, errors.Wrap(err, "connect error"))
	}

	if closer, ok := sc.(io.Closer); ok {
		defer closer.Close()
	}

	s.connected()

	for {
		u, err := sc.Recv()
		if err != nil {
			code := errorCode(err)
			switch {
			case isWireType(code, errorDetails(err)):
				return newFault(faultResumeNext, errors.Wrap(err, "corrupt stream frame"))
			case isDropped(code):
				return newFault(faultResumeSame, errors.Wrap(err, "stream dropped"))
			default:
				return newFault(faultFatal, errors.Wrap(err, "recv error"))
			}
		} else if u == nil {
			return newFault(faultFatal, errors.Wrap(ErrNilUnit, ""))
		}

		switch u.Kind {
		case UnitStatus:
			kind, ok := classifyStatus(ctx, u.Status)
			if ok {
				return newFault(kind, errors.New("stream status",
					j.MKV{"code": u.Status.Code.String(), "details": u.Status.Details}))
			}

		case UnitMetadata:
			log.Info(ctx, "upstream metadata received", j.KV("keys", len(u.Metadata)))

		case UnitData:
			if u.ChainID != s.chainID {
				return newFault(faultIntegrity, errors.Wrap(ErrChainMismatch, "",
					j.MKV{"expected": s.chainID, "actual": u.ChainID}))
			}

			for _, tx := range u.Transactions {
				s.processTx(ctx, tx)
				if tx.Version >= next {
					next = tx.Version + 1
				}
			}

		default:
			log.Info(ctx, "ignoring unknown upstream unit", j.KV("kind", int(u.Kind)))
		}
	}
}

// classifyStatus returns the fault kind of a status unit and true if it
// terminates the session. Unclassified non-zero codes are logged only.
func classifyStatus(ctx context.Context, st Status) (faultKind, bool) {
	switch {
	case st.Code == 0:
		return faultUnknown, false
	case isWireType(st.Code, st.Details):
		return faultResumeNext, true
	case isDropped(st.Code):
		return faultResumeSame, true
	default:
		log.Info(ctx, "ignoring upstream status",
			j.MKV{"code": st.Code.String(), "details": st.Details})
		return faultUnknown, false
	}
}

func (s *session) processTx(ctx context.Context, tx Transaction) {
	s.txCounter.Inc()
	s.lagGauge.Set(time.Since(tx.Timestamp).Seconds())

	for _, raw := range tx.Events {
		e, ok := Classify(ctx, s.table, tx, raw)
		if !ok {
			if s.table.Match(raw.Type) {
				s.skipCounter.Inc()
			}
			continue
		}

		s.deliverCounter.Inc()
		s.fan.Publish(ctx, e)
	}
}
