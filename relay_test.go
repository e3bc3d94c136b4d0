package txrelay_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/luno/txrelay"
	"github.com/luno/txrelay/rpatterns"
	"github.com/luno/txrelay/testmock"
)

const (
	created = "X::Y::Created"
	chainID = txrelay.DefaultChainID
)

var (
	t0      = time.Unix(1700000000, 0).UTC()
	table   = txrelay.NewInterestTableFromTypes(created)
	errMock = errors.New("mock connectivity error")
)

func createdEvent(data string) txrelay.RawEvent {
	return txrelay.RawEvent{Type: created, Data: data}
}

func startRelay(t *testing.T, up *testmock.Upstream, opts ...txrelay.Option) *txrelay.Relay {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	opts = append([]txrelay.Option{txrelay.WithRetryDelay(time.Millisecond)}, opts...)
	r := txrelay.New(up.StreamFunc(), table, opts...)
	require.True(t, r.Start(ctx))

	t.Cleanup(func() {
		cancel()
		<-r.Done()
	})
	return r
}

func TestScenarioCreated(t *testing.T) {
	up := testmock.NewUpstream(testmock.Connection{Steps: []testmock.Step{
		testmock.Data(chainID, testmock.Tx(10, t0, createdEvent(`{"a":1}`))),
	}})

	s1 := testmock.NewSink("s1")
	s2 := testmock.NewSink("s2")
	startRelay(t, up, txrelay.WithSinks(s1, s2))

	expect := []txrelay.DeliveredEvent{{
		Version:   10,
		EventType: created,
		EventData: json.RawMessage(`{"a":1}`),
		Timestamp: t0,
	}}
	require.Equal(t, expect, s1.AwaitEvents(t, 1))
	require.Equal(t, expect, s2.AwaitEvents(t, 1))
}

func TestDeliveredEventsMatchEnclosingTransaction(t *testing.T) {
	t1 := t0.Add(time.Second)
	up := testmock.NewUpstream(testmock.Connection{Steps: []testmock.Step{
		testmock.Metadata(map[string][]string{"x-aptos-chain": {"2"}}),
		testmock.Data(chainID,
			testmock.Tx(10, t0,
				createdEvent(`{"n":1}`),
				txrelay.RawEvent{Type: "X::Y::Other", Data: `{"n":2}`},
			),
			testmock.Tx(11, t1,
				createdEvent(`{"n":3}`),
				createdEvent(`invalid`),
				createdEvent(`{"n":4}`),
			),
		),
	}})

	s := testmock.NewSink("s")
	startRelay(t, up, txrelay.WithSinks(s))

	events := s.AwaitEvents(t, 3)
	require.Len(t, events, 3)

	assert.Equal(t, uint64(10), events[0].Version)
	assert.Equal(t, t0, events[0].Timestamp)
	assert.JSONEq(t, `{"n":1}`, string(events[0].EventData))

	for i, n := range []string{`{"n":3}`, `{"n":4}`} {
		e := events[i+1]
		assert.Equal(t, uint64(11), e.Version)
		assert.Equal(t, t1, e.Timestamp)
		assert.JSONEq(t, n, string(e.EventData))
	}
}

func TestWireTypeResumesNextCursor(t *testing.T) {
	up := testmock.NewUpstream(
		testmock.Connection{ConnectErr: errMock},
		testmock.Connection{Steps: []testmock.Step{
			testmock.StatusUnit(codes.Internal,
				"grpc: failed to unmarshal the received message: proto: cannot parse invalid wire type"),
		}},
	)

	r := startRelay(t, up, txrelay.WithStartCursor(100))

	require.Equal(t, []uint64{100, 100, 101}, up.AwaitAttempts(t, 3))
	require.Equal(t, uint64(101), r.Cursor())
	require.Equal(t, 0, r.Retries())
}

func TestWireTypeErrorResumesNextCursor(t *testing.T) {
	up := testmock.NewUpstream(
		testmock.Connection{Steps: []testmock.Step{
			testmock.Data(chainID, testmock.Tx(40, t0)),
			testmock.Error(codes.Internal,
				"grpc: failed to unmarshal the received message: proto: cannot parse invalid wire type"),
		}},
	)

	r := startRelay(t, up, txrelay.WithStartCursor(40))

	require.Equal(t, []uint64{40, 42}, up.AwaitAttempts(t, 2))
	require.Equal(t, uint64(42), r.Cursor())
	require.Equal(t, 0, r.Retries())
}

func TestNilUnitIsFatal(t *testing.T) {
	up := testmock.NewUpstream(testmock.Connection{Steps: []testmock.Step{{}}})

	r := txrelay.New(up.StreamFunc(), table, txrelay.WithMaxRetries(0))

	err := r.Run(context.Background())
	jtest.Require(t, txrelay.ErrAbandoned, err)
	require.Contains(t, err.Error(), "nil stream unit")
	require.Len(t, up.Cursors(), 1)
}

func TestStatusDroppedResumesSameCursor(t *testing.T) {
	up := testmock.NewUpstream(testmock.Connection{Steps: []testmock.Step{
		testmock.StatusUnit(codes.Unavailable, "Connection dropped"),
	}})

	s := testmock.NewSink("s")
	r := startRelay(t, up, txrelay.WithStartCursor(50), txrelay.WithSinks(s))

	require.Equal(t, []uint64{50, 50}, up.AwaitAttempts(t, 2))
	require.Equal(t, uint64(50), r.Cursor())
	require.Equal(t, 0, r.Retries())
	require.Empty(t, s.Events())
}

func TestErrorDroppedResumesSameCursor(t *testing.T) {
	up := testmock.NewUpstream(
		testmock.Connection{ConnectErr: errMock},
		testmock.Connection{Steps: []testmock.Step{
			testmock.Error(codes.Unavailable, "stream dropped"),
		}},
	)

	r := startRelay(t, up, txrelay.WithStartCursor(7))

	require.Equal(t, []uint64{7, 7, 7}, up.AwaitAttempts(t, 3))
	require.Equal(t, 0, r.Retries())
}

func TestUnclassifiedStatusContinues(t *testing.T) {
	up := testmock.NewUpstream(testmock.Connection{Steps: []testmock.Step{
		testmock.StatusUnit(codes.ResourceExhausted, "slow down"),
		testmock.StatusUnit(codes.Internal, "something else"),
		testmock.Data(chainID, testmock.Tx(5, t0, createdEvent(`{}`))),
	}})

	s := testmock.NewSink("s")
	r := startRelay(t, up, txrelay.WithSinks(s))

	s.AwaitEvents(t, 1)
	require.Len(t, up.Cursors(), 1)
	require.Equal(t, txrelay.StateStreaming, r.State())
}

func TestProgressAdvancesCursor(t *testing.T) {
	up := testmock.NewUpstream(
		testmock.Connection{Steps: []testmock.Step{
			testmock.Data(chainID, testmock.Tx(10, t0), testmock.Tx(11, t0)),
			testmock.Error(codes.Unavailable, "dropped"),
		}},
		testmock.Connection{Steps: []testmock.Step{
			testmock.Data(chainID, testmock.Tx(12, t0)),
			testmock.StatusUnit(codes.Internal, "invalid wire type"),
		}},
	)

	startRelay(t, up, txrelay.WithStartCursor(10))

	require.Equal(t, []uint64{10, 12, 14}, up.AwaitAttempts(t, 3))
}

func TestProgressResetsRetries(t *testing.T) {
	up := testmock.NewUpstream(
		testmock.Connection{ConnectErr: errMock},
		testmock.Connection{ConnectErr: errMock},
		testmock.Connection{Steps: []testmock.Step{
			testmock.Data(chainID, testmock.Tx(20, t0)),
			testmock.Error(codes.Internal, "boom"),
		}},
	)

	r := startRelay(t, up)

	require.Equal(t, []uint64{0, 0, 0, 21}, up.AwaitAttempts(t, 4))
	require.Equal(t, 1, r.Retries())
}

func TestMaxRetriesAbandons(t *testing.T) {
	tests := []struct {
		name     string
		fallback testmock.Connection
	}{
		{
			name:     "connect errors",
			fallback: testmock.Connection{ConnectErr: errMock},
		}, {
			name: "recv errors",
			fallback: testmock.Connection{Steps: []testmock.Step{
				testmock.Error(codes.Internal, "boom"),
			}},
		}, {
			name:     "nil unit",
			fallback: testmock.Connection{Steps: []testmock.Step{{}}},
		}, {
			name: "stream ended",
			fallback: testmock.Connection{Steps: []testmock.Step{
				{Err: txrelay.ErrStreamEnded},
			}},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			up := testmock.NewUpstream()
			up.SetFallback(test.fallback)

			r := txrelay.New(up.StreamFunc(), table,
				txrelay.WithStartCursor(3),
				txrelay.WithRetryDelay(time.Millisecond))

			err := r.Run(context.Background())
			jtest.Require(t, txrelay.ErrAbandoned, err)
			require.True(t, txrelay.IsAbandonedErr(err))

			require.Equal(t, []uint64{3, 3, 3, 3, 3, 3}, up.Cursors())
			require.Len(t, up.Cursors(), txrelay.DefaultMaxRetries+1)
			require.Equal(t, txrelay.StateAbandoned, r.State())
			jtest.Require(t, txrelay.ErrAbandoned, r.Err())

			// Abandoned is terminal.
			require.False(t, r.Start(context.Background()))
			jtest.Require(t, txrelay.ErrAlreadyRunning, r.Run(context.Background()))
			require.Len(t, up.Cursors(), txrelay.DefaultMaxRetries+1)
		})
	}
}

func TestMaxRetriesConfigured(t *testing.T) {
	up := testmock.NewUpstream()
	up.SetFallback(testmock.Connection{ConnectErr: errMock})

	r := txrelay.New(up.StreamFunc(), table,
		txrelay.WithMaxRetries(2),
		txrelay.WithRetryDelay(time.Millisecond))

	jtest.Require(t, txrelay.ErrAbandoned, r.Run(context.Background()))
	require.Len(t, up.Cursors(), 3)

	up = testmock.NewUpstream()
	up.SetFallback(testmock.Connection{ConnectErr: errMock})

	r = txrelay.New(up.StreamFunc(), table, txrelay.WithMaxRetries(0))
	jtest.Require(t, txrelay.ErrAbandoned, r.Run(context.Background()))
	require.Len(t, up.Cursors(), 1)
}

func TestChainMismatch(t *testing.T) {
	wrongChain := testmock.Connection{Steps: []testmock.Step{
		testmock.Data(1, testmock.Tx(10, t0, createdEvent(`{}`))),
	}}

	t.Run("abandons immediately", func(t *testing.T) {
		up := testmock.NewUpstream()
		up.SetFallback(wrongChain)
		s := testmock.NewSink("s")

		r := txrelay.New(up.StreamFunc(), table, txrelay.WithSinks(s))

		jtest.Require(t, txrelay.ErrAbandoned, r.Run(context.Background()))
		require.Len(t, up.Cursors(), 1)
		require.Zero(t, s.Calls())
	})

	t.Run("retries if configured", func(t *testing.T) {
		up := testmock.NewUpstream()
		up.SetFallback(wrongChain)
		s := testmock.NewSink("s")

		r := txrelay.New(up.StreamFunc(), table,
			txrelay.WithSinks(s),
			txrelay.WithMaxRetries(2),
			txrelay.WithRetryDelay(time.Millisecond),
			txrelay.WithRetryIntegrityFaults())

		jtest.Require(t, txrelay.ErrAbandoned, r.Run(context.Background()))
		require.Len(t, up.Cursors(), 3)
		require.Zero(t, s.Calls())
	})

	t.Run("configured chain", func(t *testing.T) {
		up := testmock.NewUpstream(wrongChain)
		s := testmock.NewSink("s")
		startRelay(t, up, txrelay.WithSinks(s), txrelay.WithChainID(1))
		s.AwaitEvents(t, 1)
	})
}

func TestFailingSinkDoesNotBlockOthers(t *testing.T) {
	var steps []testmock.Step
	for v := uint64(1); v <= 10; v++ {
		steps = append(steps, testmock.Data(chainID, testmock.Tx(v, t0, createdEvent(`{}`))))
	}
	up := testmock.NewUpstream(testmock.Connection{Steps: steps})

	failing := testmock.NewFailingSink("failing", errors.New("sink down"))
	blocked := testmock.NewBlockingSink("blocked")
	defer blocked.Release()
	good := testmock.NewSink("good")

	startRelay(t, up, txrelay.WithSinks(failing, blocked, good))

	events := good.AwaitEvents(t, 10)
	for i, e := range events {
		require.Equal(t, uint64(i+1), e.Version)
	}
	require.Eventually(t, func() bool { return failing.Calls() == 10 }, time.Second, time.Millisecond)
	require.Len(t, up.Cursors(), 1)
}

func TestStartIdempotent(t *testing.T) {
	up := testmock.NewUpstream()
	r := startRelay(t, up)

	require.False(t, r.Start(context.Background()))
	jtest.Require(t, txrelay.ErrAlreadyRunning, r.Run(context.Background()))

	up.AwaitAttempts(t, 1)
	require.Eventually(t, func() bool {
		return r.State() == txrelay.StateStreaming
	}, time.Second, time.Millisecond)
	require.Len(t, up.Cursors(), 1)
	require.True(t, r.Started())
}

func TestCancel(t *testing.T) {
	up := testmock.NewUpstream()
	r := txrelay.New(up.StreamFunc(), table)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	up.AwaitAttempts(t, 1)
	cancel()

	jtest.Require(t, context.Canceled, <-errc)
	require.Equal(t, txrelay.StateIdle, r.State())
	require.True(t, txrelay.IsExpected(r.Err()))
}

func TestCancelDuringBackoff(t *testing.T) {
	up := testmock.NewUpstream()
	up.SetFallback(testmock.Connection{ConnectErr: errMock})
	r := txrelay.New(up.StreamFunc(), table, txrelay.WithRetryDelay(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	up.AwaitAttempts(t, 1)
	require.Eventually(t, func() bool {
		return r.State() == txrelay.StateRetryBackoff
	}, time.Second, time.Millisecond)
	require.Equal(t, 1, r.Retries())

	cancel()
	jtest.Require(t, context.Canceled, <-errc)
	require.Len(t, up.Cursors(), 1)
}

func TestCursorStore(t *testing.T) {
	t.Run("stored cursor overrides start", func(t *testing.T) {
		cs := rpatterns.MemCursorStore(rpatterns.WithMemCursorInt("relay", 70))
		up := testmock.NewUpstream(testmock.Connection{Steps: []testmock.Step{
			testmock.Data(chainID, testmock.Tx(70, t0)),
			testmock.Error(codes.Unavailable, "dropped"),
		}})

		startRelay(t, up,
			txrelay.WithName("relay"),
			txrelay.WithStartCursor(5),
			txrelay.WithCursorStore(cs))

		require.Equal(t, []uint64{70, 71}, up.AwaitAttempts(t, 2))
		require.Eventually(t, func() bool {
			return len(cs.Sets()) == 2
		}, time.Second, time.Millisecond)
		require.Equal(t, []string{"70", "71"}, cs.Sets())
	})

	t.Run("empty store uses start", func(t *testing.T) {
		cs := rpatterns.MemCursorStore()
		up := testmock.NewUpstream()

		startRelay(t, up,
			txrelay.WithName("relay"),
			txrelay.WithStartCursor(5),
			txrelay.WithCursorStore(cs))

		require.Equal(t, []uint64{5}, up.AwaitAttempts(t, 1))
	})

	t.Run("invalid stored cursor", func(t *testing.T) {
		cs := rpatterns.MemCursorStore()
		jtest.RequireNil(t, cs.SetCursor(context.Background(), "relay", "nope"))
		up := testmock.NewUpstream()

		r := txrelay.New(up.StreamFunc(), table,
			txrelay.WithName("relay"),
			txrelay.WithCursorStore(cs))

		err := r.Run(context.Background())
		require.Error(t, err)
		require.Empty(t, up.Cursors())
		require.Equal(t, txrelay.StateAbandoned, r.State())
	})
}
