package txrelay

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luno/txrelay/internal/metrics"
)

// State is the reconnect supervisor state of a Relay.
type State int

const (
	StateIdle         State = 0
	StateConnecting   State = 1
	StateStreaming    State = 2
	StateResumeSame   State = 3
	StateResumeNext   State = 4
	StateRetryBackoff State = 5
	StateAbandoned    State = 6
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateResumeSame:
		return "resume_same_cursor"
	case StateResumeNext:
		return "resume_next_cursor"
	case StateRetryBackoff:
		return "retry_backoff"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Relay supervises stream sessions, owning the cursor and retry counter.
// A Relay runs at most once; once abandoned it does no further work.
type Relay struct {
	name           string
	stream         StreamFunc
	table          InterestTable
	sinks          []Sink
	cstore         CursorStore
	cursor         uint64
	maxRetries     int
	retryDelay     time.Duration
	chainID        uint64
	sinkBuffer     int
	retryIntegrity bool

	attemptCounter prometheus.Counter
	cursorGauge    prometheus.Gauge
	stateGauge     prometheus.Gauge

	mu      sync.Mutex
	started bool
	state   State
	current uint64
	retries int
	err     error
	done    chan struct{}
}

// New returns a new relay streaming from stream and delivering events
// matching table to the configured sinks.
func New(stream StreamFunc, table InterestTable, opts ...Option) *Relay {
	r := &Relay{
		name:       defaultName,
		stream:     stream,
		table:      table,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		chainID:    DefaultChainID,
		sinkBuffer: DefaultSinkBuffer,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}

	labels := metrics.Labels(r.name)
	r.attemptCounter = metrics.ConnectAttempts.With(labels)
	r.cursorGauge = metrics.Cursor.With(labels)
	r.stateGauge = metrics.State.With(labels)
	r.current = r.cursor

	return r
}

// Name returns the relay name.
func (r *Relay) Name() string {
	return r.name
}

// Start runs the relay in a new goroutine and returns true. It is a no-op
// returning false if the relay was already started.
func (r *Relay) Start(ctx context.Context) bool {
	if !r.begin() {
		return false
	}

	go r.runAndClose(ctx)
	return true
}

// Run blocks while the relay streams events. It always returns a non-nil
// error: ErrAbandoned when retries are exhausted, the context error when
// cancelled or ErrAlreadyRunning if the relay was already started.
func (r *Relay) Run(ctx context.Context) error {
	if !r.begin() {
		return ErrAlreadyRunning
	}

	return r.runAndClose(ctx)
}

// Done returns a channel that is closed when the relay stops.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Err returns the error the relay stopped with, or nil if it is still running.
func (r *Relay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// State returns the current supervisor state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Cursor returns the version the current or next session starts at.
func (r *Relay) Cursor() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Retries returns the current retry counter.
func (r *Relay) Retries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retries
}

// Started returns true if the relay was started.
func (r *Relay) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func (r *Relay) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return false
	}
	r.started = true
	return true
}

func (r *Relay) runAndClose(ctx context.Context) error {
	err := r.run(ctx)

	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	close(r.done)

	return err
}

func (r *Relay) run(ctx context.Context) error {
	ctx = log.ContextWith(ctx, j.KS("relay", r.name))

	cursor, err := r.loadCursor(ctx)
	if err != nil {
		r.setState(StateAbandoned)
		return errors.Wrap(err, "load cursor error")
	}

	if r.cstore != nil {
		defer r.cstore.Flush(context.Background()) // best effort flush with new context
	}

	fan := newFanout(r.name, r.sinks, r.sinkBuffer)
	defer fan.Stop()

	sess := newSession(r.name, r.stream, r.table, r.chainID, fan, func() {
		r.setState(StateStreaming)
	})

	var retries int
	for {
		r.update(StateConnecting, cursor, retries)
		r.checkpoint(ctx, cursor)
		r.attemptCounter.Inc()

		f := sess.run(log.ContextWith(ctx, j.MKV{"cursor": cursor, "retries": retries}), cursor)
		metrics.Faults.With(metrics.KindLabels(r.name, f.kind.String())).Inc()

		switch f.kind {
		case faultCancelled:
			r.setState(StateIdle)
			return f.err

		case faultResumeSame:
			log.Info(ctx, "stream dropped, resuming at same cursor",
				j.MKV{"cursor": f.next, "fault": f.err.Error()})
			cursor, retries = f.next, 0
			r.update(StateResumeSame, cursor, retries)
			continue

		case faultResumeNext:
			log.Info(ctx, "corrupt stream unit, resuming at next cursor",
				j.MKV{"cursor": f.next + 1, "fault": f.err.Error()})
			cursor, retries = f.next+1, 0
			r.update(StateResumeNext, cursor, retries)
			continue

		case faultIntegrity:
			if !r.retryIntegrity {
				return r.abandon(ctx, f)
			}
		}

		// Progress since the last connect means the faults are not consecutive.
		if f.next > cursor {
			retries = 0
		}
		cursor = f.next

		if retries >= r.maxRetries {
			return r.abandon(ctx, f)
		}
		retries++

		log.Error(ctx, errors.Wrap(f.err, "stream session error, retrying"),
			j.MKV{"cursor": cursor, "retries": retries, "delay": r.retryDelay.String()})
		r.update(StateRetryBackoff, cursor, retries)

		if err := sleep(ctx, r.retryDelay); err != nil {
			r.setState(StateIdle)
			return err
		}
	}
}

func (r *Relay) abandon(ctx context.Context, f fault) error {
	r.setState(StateAbandoned)
	err := errors.Wrap(ErrAbandoned, f.err.Error(), j.MKV{"cursor": f.next, "fault": f.kind.String()})
	log.Error(ctx, err)
	return err
}

func (r *Relay) loadCursor(ctx context.Context) (uint64, error) {
	if r.cstore == nil {
		return r.cursor, nil
	}

	s, err := r.cstore.GetCursor(ctx, r.name)
	if err != nil {
		return 0, err
	} else if s == "" {
		return r.cursor, nil
	}

	cursor, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "invalid stored cursor", j.KS("cursor", s))
	}
	return cursor, nil
}

// checkpoint stores the cursor on a best effort basis.
func (r *Relay) checkpoint(ctx context.Context, cursor uint64) {
	if r.cstore == nil {
		return
	}

	err := r.cstore.SetCursor(ctx, r.name, strconv.FormatUint(cursor, 10))
	if err != nil {
		log.Error(ctx, errors.Wrap(err, "set cursor error"), j.KV("cursor", cursor))
	}
}

func (r *Relay) update(s State, cursor uint64, retries int) {
	r.mu.Lock()
	r.state = s
	r.current = cursor
	r.retries = retries
	r.mu.Unlock()

	r.stateGauge.Set(float64(s))
	r.cursorGauge.Set(float64(cursor))
}

func (r *Relay) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()

	r.stateGauge.Set(float64(s))
}

// sleep blocks for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := newTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// newTimer is aliased for testing.
var newTimer = time.NewTimer
