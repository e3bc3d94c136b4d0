package rgrpc_test

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/luno/txrelay"
	"github.com/luno/txrelay/grpctest"
	"github.com/luno/txrelay/rgrpc"
)

var ts = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStream(t *testing.T) {
	tx := txrelay.Transaction{
		Version:   42,
		Timestamp: ts,
		Events:    []txrelay.RawEvent{{Type: "0xa::launchpad::BuyEvent", Data: `{"amount":"1"}`}},
	}

	srv, addr := grpctest.NewServer(t, grpctest.Session{
		Header: metadata.Pairs("x-aptos-chain", "testnet"),
		Frames: [][]byte{rgrpc.MarshalTransactionsResponse(2, tx)},
	})
	cl := grpctest.NewClient(t, addr, rgrpc.WithToken("secret"),
		rgrpc.WithRequestName("test"), rgrpc.WithBatchSize(25))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc, err := cl.StreamFunc()(ctx, 42)
	jtest.RequireNil(t, err)

	u, err := sc.Recv()
	jtest.RequireNil(t, err)
	require.Equal(t, txrelay.UnitMetadata, u.Kind)
	require.Equal(t, []string{"testnet"}, u.Metadata["x-aptos-chain"])

	u, err = sc.Recv()
	jtest.RequireNil(t, err)
	require.Equal(t, txrelay.UnitData, u.Kind)
	require.Equal(t, uint64(2), u.ChainID)
	require.Equal(t, []txrelay.Transaction{tx}, u.Transactions)

	_, err = sc.Recv()
	jtest.Require(t, txrelay.ErrStreamEnded, err)

	calls := srv.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, uint64(42), calls[0].Request.StartingVersion)
	require.Equal(t, uint64(25), calls[0].Request.BatchSize)
	require.Equal(t, []string{"Bearer secret"}, calls[0].Metadata.Get("authorization"))
	require.Equal(t, []string{"test"}, calls[0].Metadata.Get("x-aptos-request-name"))
	require.Equal(t, 1.0, srv.SentCount())
}

func TestStreamInvalidFrame(t *testing.T) {
	_, addr := grpctest.NewServer(t, grpctest.Session{
		Frames: [][]byte{{0x0e, 0x01}},
		Hold:   true,
	})
	cl := grpctest.NewClient(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc, err := cl.Stream(ctx, 0)
	jtest.RequireNil(t, err)

	u, err := recvSkipMetadata(sc)
	jtest.RequireNil(t, err)
	require.Equal(t, txrelay.UnitStatus, u.Kind)
	require.Equal(t, codes.Internal, u.Status.Code)
	require.Contains(t, u.Status.Details, "invalid wire type")
}

func TestStreamError(t *testing.T) {
	_, addr := grpctest.NewServer(t, grpctest.Session{
		Err: status.Error(codes.Unavailable, "Connection dropped"),
	})
	cl := grpctest.NewClient(t, addr)

	sc, err := cl.Stream(context.Background(), 0)
	jtest.RequireNil(t, err)

	_, err = recvSkipMetadata(sc)
	require.Equal(t, codes.Unavailable, status.Code(err))
}

// TestRelay runs a relay against a real grpc upstream which drops the
// stream after the first frame and sends a corrupt frame on the second.
func TestRelay(t *testing.T) {
	created := txrelay.RawEvent{Type: "0xabc::launchpad::CreateEvent", Data: `{"name":"x"}`}

	srv, addr := grpctest.NewServer(t,
		grpctest.Session{
			Frames: [][]byte{rgrpc.MarshalTransactionsResponse(2,
				txrelay.Transaction{Version: 10, Timestamp: ts, Events: []txrelay.RawEvent{created}})},
			Err: status.Error(codes.Unavailable, "Connection dropped"),
		},
		grpctest.Session{
			Frames: [][]byte{{0x0e, 0x01}},
			Hold:   true,
		},
		grpctest.Session{
			Frames: [][]byte{rgrpc.MarshalTransactionsResponse(2,
				txrelay.Transaction{Version: 12, Timestamp: ts, Events: []txrelay.RawEvent{created}})},
			Hold: true,
		},
	)
	cl := grpctest.NewClient(t, addr)

	events := make(chan txrelay.DeliveredEvent, 10)
	r := txrelay.New(cl.StreamFunc(),
		txrelay.NewInterestTable("0xabc", "launchpad", txrelay.DefaultEventNames...),
		txrelay.WithName("rgrpc_relay_test"),
		txrelay.WithStartCursor(10),
		txrelay.WithSinks(chanSink(events)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	for _, want := range []uint64{10, 12} {
		select {
		case e := <-events:
			require.Equal(t, want, e.Version)
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for version %d", want)
		}
	}

	var starts []uint64
	for _, c := range srv.Calls() {
		starts = append(starts, c.Request.StartingVersion)
	}
	require.Equal(t, []uint64{10, 11, 12}, starts)
}

type chanSink chan txrelay.DeliveredEvent

func (s chanSink) Name() string { return "chan" }

func (s chanSink) Publish(_ context.Context, e txrelay.DeliveredEvent) error {
	s <- e
	return nil
}

func recvSkipMetadata(sc txrelay.StreamClient) (*txrelay.Unit, error) {
	for {
		u, err := sc.Recv()
		if err != nil || u.Kind != txrelay.UnitMetadata {
			return u, err
		}
	}
}
