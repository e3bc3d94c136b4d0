package grpctest

import (
	"testing"

	"github.com/luno/txrelay/rgrpc"
)

// NewClient returns an insecure rgrpc client for the server at addr,
// closed when the test completes.
func NewClient(t testing.TB, addr string, opts ...rgrpc.Option) *rgrpc.Client {
	cl, err := rgrpc.Dial(addr, append([]rgrpc.Option{rgrpc.WithInsecure()}, opts...)...)
	if err != nil {
		t.Fatalf("rgrpc.Dial error: %v", err)
	}

	t.Cleanup(func() { _ = cl.Close() })

	return cl
}
