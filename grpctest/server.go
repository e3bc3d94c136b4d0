package grpctest

import (
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/luno/txrelay/rgrpc"
)

// Session scripts the response to a single GetTransactions call.
type Session struct {
	// Header is sent before any frames if not empty.
	Header metadata.MD

	// Frames are sent in order as raw protobuf TransactionsResponse messages.
	Frames [][]byte

	// Err ends the stream after all frames are sent.
	Err error

	// Hold keeps the stream open after all frames until the client cancels.
	Hold bool
}

// Call records a GetTransactions request received by the server.
type Call struct {
	Request  rgrpc.Request
	Metadata metadata.MD
}

// NewServer starts and returns a RawData server and its address. Calls
// beyond the scripted sessions are held open until cancelled.
func NewServer(t testing.TB, sessions ...Session) (*Server, string) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("net.Listen error: %v", err))
	}

	grpcServer := grpc.NewServer(grpc.ForceServerCodec(rgrpc.Codec()))

	srv := &Server{
		grpcServer:  grpcServer,
		sessions:    sessions,
		sentCounter: prometheus.NewCounter(prometheus.CounterOpts{Name: "sent_total"}),
	}

	grpcServer.RegisterService(&grpc.ServiceDesc{
		ServiceName: "aptos.indexer.v1.RawData",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "GetTransactions",
			Handler:       srv.getTransactions,
			ServerStreams: true,
		}},
	}, srv)

	go func() {
		err := grpcServer.Serve(l)
		if err != nil {
			log.Error(nil, errors.Wrap(err, "grpcServer.Server error"))
		}
	}()

	t.Cleanup(srv.Stop)

	return srv, l.Addr().String()
}

type Server struct {
	grpcServer  *grpc.Server
	sentCounter prometheus.Counter

	mu       sync.Mutex
	sessions []Session
	calls    []Call
}

func (srv *Server) getTransactions(_ any, ss grpc.ServerStream) error {
	var b []byte
	if err := ss.RecvMsg(&b); err != nil {
		return err
	}

	req, err := rgrpc.UnmarshalRequest(b)
	if err != nil {
		return err
	}

	md, _ := metadata.FromIncomingContext(ss.Context())
	sess := srv.next(Call{Request: req, Metadata: md})

	if len(sess.Header) > 0 {
		if err := ss.SendHeader(sess.Header); err != nil {
			return err
		}
	}

	for _, f := range sess.Frames {
		if err := ss.SendMsg(f); err != nil {
			return err
		}
		srv.sentCounter.Inc()
	}

	if sess.Err != nil {
		return sess.Err
	}

	if sess.Hold {
		<-ss.Context().Done()
		return ss.Context().Err()
	}

	return nil
}

func (srv *Server) next(c Call) Session {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	srv.calls = append(srv.calls, c)
	if len(srv.sessions) == 0 {
		return Session{Hold: true}
	}

	sess := srv.sessions[0]
	srv.sessions = srv.sessions[1:]
	return sess
}

// Calls returns the requests received so far.
func (srv *Server) Calls() []Call {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return append([]Call(nil), srv.calls...)
}

// SentCount returns the number of frames sent.
func (srv *Server) SentCount() float64 {
	return testutil.ToFloat64(srv.sentCounter)
}

func (srv *Server) Stop() {
	srv.grpcServer.Stop()
}
