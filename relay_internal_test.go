package txrelay

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type stubClient struct {
	ctx context.Context
}

func (c stubClient) Recv() (*Unit, error) {
	<-c.ctx.Done()
	return nil, c.ctx.Err()
}

func TestRetryBackoffDelays(t *testing.T) {
	var sleeps []time.Duration
	newTimer = func(d time.Duration) *time.Timer {
		sleeps = append(sleeps, d)
		return time.NewTimer(0)
	}
	t.Cleanup(func() { newTimer = time.NewTimer })

	var attempts int
	stream := func(ctx context.Context, cursor uint64) (StreamClient, error) {
		attempts++
		return nil, errors.New("connect failed")
	}

	r := New(stream, NewInterestTableFromTypes("a::b::C"), WithRetryDelay(time.Second*3))
	err := r.Run(context.Background())
	jtest.Require(t, ErrAbandoned, err)

	require.Equal(t, DefaultMaxRetries+1, attempts)
	require.Equal(t, []time.Duration{
		3 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second,
	}, sleeps)
}

func TestNoDelayOnResume(t *testing.T) {
	var sleeps int
	newTimer = func(d time.Duration) *time.Timer {
		sleeps++
		return time.NewTimer(0)
	}
	t.Cleanup(func() { newTimer = time.NewTimer })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cursors []uint64
	units := []*Unit{
		{Kind: UnitStatus, Status: Status{Code: 14, Details: "Connection dropped"}},
		{Kind: UnitStatus, Status: Status{Code: 13, Details: "invalid wire type"}},
		{Kind: UnitStatus, Status: Status{Code: 14, Details: "Connection dropped"}},
	}
	stream := func(ctx context.Context, cursor uint64) (StreamClient, error) {
		cursors = append(cursors, cursor)
		if len(units) == 0 {
			cancel()
			return stubClient{ctx: ctx}, nil
		}
		u := units[0]
		units = units[1:]
		return &onceClient{u: u}, nil
	}

	r := New(stream, NewInterestTableFromTypes("a::b::C"), WithStartCursor(9))
	err := r.Run(ctx)
	jtest.Require(t, context.Canceled, err)

	require.Equal(t, []uint64{9, 9, 10, 10}, cursors)
	require.Zero(t, sleeps)
}

type onceClient struct {
	u *Unit
}

func (c *onceClient) Recv() (*Unit, error) {
	if c.u == nil {
		return nil, errors.New("exhausted")
	}
	u := c.u
	c.u = nil
	return u, nil
}

func TestStateString(t *testing.T) {
	for s := StateIdle; s <= StateAbandoned; s++ {
		require.NotEqual(t, "unknown", s.String())
	}
	require.Equal(t, "unknown", State(99).String())

	for k := faultResumeSame; k <= faultCancelled; k++ {
		require.NotEqual(t, "unknown", k.String())
	}
	require.Equal(t, "unknown", faultUnknown.String())
}

func TestSessionSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	stream := func(ctx context.Context, cursor uint64) (StreamClient, error) {
		return nil, errors.New("connect failed")
	}

	r := New(stream, NewInterestTableFromTypes("a::b::C"), WithStartCursor(33), WithMaxRetries(0))
	jtest.Require(t, ErrAbandoned, r.Run(context.Background()))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "txrelay.session", spans[0].Name())
	require.Contains(t, spans[0].Attributes(), attribute.Int64("cursor", 33))
	require.Len(t, spans[0].Events(), 1) // recorded error
}
