// Package testmock provides a scripted upstream feed and recording sinks
// for testing relays.
package testmock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/luno/txrelay"
)

// Step is one item a scripted connection yields: either a unit or an error.
type Step struct {
	Unit *txrelay.Unit
	Err  error
}

// Connection is a scripted upstream connection. If ConnectErr is set the
// connection attempt fails. Once all steps are consumed the connection
// idles like a live feed until its context is cancelled.
type Connection struct {
	ConnectErr error
	Steps      []Step
}

// Data returns a data unit step.
func Data(chainID uint64, txs ...txrelay.Transaction) Step {
	return Step{Unit: &txrelay.Unit{
		Kind:         txrelay.UnitData,
		ChainID:      chainID,
		Transactions: txs,
	}}
}

// StatusUnit returns a status unit step.
func StatusUnit(code codes.Code, details string) Step {
	return Step{Unit: &txrelay.Unit{
		Kind:   txrelay.UnitStatus,
		Status: txrelay.Status{Code: code, Details: details},
	}}
}

// Metadata returns a metadata unit step.
func Metadata(md map[string][]string) Step {
	return Step{Unit: &txrelay.Unit{
		Kind:     txrelay.UnitMetadata,
		Metadata: md,
	}}
}

// Error returns a connection level error step with the grpc code.
func Error(code codes.Code, msg string) Step {
	return Step{Err: status.Error(code, msg)}
}

// Tx returns a transaction at version v with the provided events.
func Tx(v uint64, ts time.Time, events ...txrelay.RawEvent) txrelay.Transaction {
	return txrelay.Transaction{Version: v, Timestamp: ts, Events: events}
}

// Upstream is a scripted upstream feed. Each connection attempt consumes
// the next scripted Connection. Attempts beyond the script use the
// fallback connection.
type Upstream struct {
	mu       sync.Mutex
	conns    []Connection
	fallback Connection
	cursors  []uint64
}

// NewUpstream returns an upstream with the scripted connections.
func NewUpstream(conns ...Connection) *Upstream {
	return &Upstream{conns: conns}
}

// SetFallback configures the connection used once the script is exhausted.
// It defaults to an idle connection.
func (u *Upstream) SetFallback(c Connection) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.fallback = c
}

// Add appends scripted connections.
func (u *Upstream) Add(conns ...Connection) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.conns = append(u.conns, conns...)
}

// Cursors returns the cursor of every connection attempt so far.
func (u *Upstream) Cursors() []uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]uint64(nil), u.cursors...)
}

// AwaitAttempts blocks until at least n connection attempts were made
// and returns their cursors.
func (u *Upstream) AwaitAttempts(t testing.TB, n int) []uint64 {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(u.Cursors()) >= n
	}, 5*time.Second, time.Millisecond)
	return u.Cursors()
}

// StreamFunc returns the scripted stream func.
func (u *Upstream) StreamFunc() txrelay.StreamFunc {
	return func(ctx context.Context, cursor uint64) (txrelay.StreamClient, error) {
		u.mu.Lock()
		u.cursors = append(u.cursors, cursor)
		conn := u.fallback
		if len(u.conns) > 0 {
			conn = u.conns[0]
			u.conns = u.conns[1:]
		}
		u.mu.Unlock()

		if conn.ConnectErr != nil {
			return nil, errors.Wrap(conn.ConnectErr, "mock connect", j.KV("cursor", cursor))
		}

		return &client{ctx: ctx, steps: conn.Steps}, nil
	}
}

type client struct {
	ctx   context.Context
	steps []Step
}

func (c *client) Recv() (*txrelay.Unit, error) {
	if c.ctx.Err() != nil {
		return nil, c.ctx.Err()
	}

	if len(c.steps) == 0 {
		<-c.ctx.Done()
		return nil, c.ctx.Err()
	}

	s := c.steps[0]
	c.steps = c.steps[1:]
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Unit, nil
}
