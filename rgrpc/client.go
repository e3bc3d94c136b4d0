package rgrpc

import (
	"context"
	"crypto/tls"
	"io"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/luno/txrelay"
)

// Method is the full name of the upstream streaming rpc.
const Method = "/aptos.indexer.v1.RawData/GetTransactions"

const defaultRequestName = "txrelay"

var streamDesc = &grpc.StreamDesc{
	StreamName:    "GetTransactions",
	ServerStreams: true,
}

type options struct {
	token       string
	insecure    bool
	requestName string
	batchSize   uint64
}

// Option configures a Client.
type Option func(*options)

// WithToken sets the bearer token sent as authorization metadata.
func WithToken(token string) Option {
	return func(o *options) {
		o.token = token
	}
}

// WithInsecure disables transport security, for local upstreams and tests.
func WithInsecure() Option {
	return func(o *options) {
		o.insecure = true
	}
}

// WithRequestName sets the x-aptos-request-name metadata identifying this client.
func WithRequestName(name string) Option {
	return func(o *options) {
		o.requestName = name
	}
}

// WithBatchSize sets the number of transactions per response frame.
func WithBatchSize(n uint64) Option {
	return func(o *options) {
		o.batchSize = n
	}
}

// Client streams transactions from an upstream RawData service.
type Client struct {
	conn *grpc.ClientConn
	opts options
}

// Dial returns a client for the upstream at endpoint. The connection is
// established lazily on the first stream.
func Dial(endpoint string, opts ...Option) (*Client, error) {
	o := options{requestName: defaultRequestName}
	for _, opt := range opts {
		opt(&o)
	}

	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if o.insecure {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec())))
	if err != nil {
		return nil, errors.Wrap(err, "grpc new client", j.KS("endpoint", endpoint))
	}

	return &Client{conn: conn, opts: o}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// StreamFunc returns a txrelay.StreamFunc opening a GetTransactions stream
// from the provided cursor.
func (c *Client) StreamFunc() txrelay.StreamFunc {
	return c.Stream
}

// Stream opens a GetTransactions stream starting at cursor.
func (c *Client) Stream(ctx context.Context, cursor uint64) (txrelay.StreamClient, error) {
	md := []string{"x-aptos-request-name", c.opts.requestName}
	if c.opts.token != "" {
		md = append(md, "authorization", "Bearer "+c.opts.token)
	}
	ctx = metadata.AppendToOutgoingContext(ctx, md...)

	cs, err := c.conn.NewStream(ctx, streamDesc, Method)
	if err != nil {
		return nil, err
	}

	req := MarshalRequest(Request{StartingVersion: cursor, BatchSize: c.opts.batchSize})
	if err := cs.SendMsg(req); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}

	return &streamClient{cs: cs}, nil
}

type streamClient struct {
	cs         grpc.ClientStream
	headerSent bool
}

// Recv returns the header metadata as the first unit, followed by a unit
// per response frame. Frames that cannot be decoded are returned as
// internal status units.
func (s *streamClient) Recv() (*txrelay.Unit, error) {
	if !s.headerSent {
		s.headerSent = true
		md, err := s.cs.Header()
		if err == nil && len(md) > 0 {
			return &txrelay.Unit{Kind: txrelay.UnitMetadata, Metadata: md}, nil
		}
	}

	var frame []byte
	if err := s.cs.RecvMsg(&frame); errors.Is(err, io.EOF) {
		return nil, txrelay.ErrStreamEnded
	} else if err != nil {
		return nil, err
	}

	chainID, txs, err := UnmarshalTransactionsResponse(frame)
	if err != nil {
		return &txrelay.Unit{
			Kind:   txrelay.UnitStatus,
			Status: txrelay.Status{Code: codes.Internal, Details: err.Error()},
		}, nil
	}

	return &txrelay.Unit{
		Kind:         txrelay.UnitData,
		ChainID:      chainID,
		Transactions: txs,
	}, nil
}
