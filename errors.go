package txrelay

import (
	"context"
	"strings"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrAbandoned is returned by Run when the relay gives up reconnecting.
	ErrAbandoned = errors.New("relay abandoned", j.C("ERR_5d1c0a8e7b3f2946"))

	// ErrChainMismatch is returned when the upstream feed serves a different
	// chain than configured.
	ErrChainMismatch = errors.New("upstream chain id mismatch", j.C("ERR_c2f07b91e4d8a613"))

	// ErrStreamEnded is returned by stream clients when the upstream
	// closes a stream that should have been live.
	ErrStreamEnded = errors.New("upstream stream ended", j.C("ERR_7a94e1b05c6d3f28"))

	// ErrAlreadyRunning is returned by Run if the relay was already started.
	ErrAlreadyRunning = errors.New("relay already running", j.C("ERR_0e6b3d9c48f1a275"))

	// ErrNilUnit is returned when a stream client returns neither a unit nor an error.
	ErrNilUnit = errors.New("nil stream unit", j.C("ERR_b47e2a09d3c51f86"))
)

const wireTypeMarker = "invalid wire type"

// IsAbandonedErr returns true if the error indicates an abandoned relay.
func IsAbandonedErr(err error) bool {
	return errors.Is(err, ErrAbandoned)
}

// IsExpected returns true if the error is expected during normal
// operation, ie. cancellation.
func IsExpected(err error) bool {
	if errors.IsAny(err, context.Canceled, context.DeadlineExceeded) {
		return true
	}

	if s, ok := status.FromError(err); ok {
		c := s.Code()
		return c == codes.Canceled || c == codes.DeadlineExceeded
	}

	return false
}

// isDropped returns true if the status code indicates the upstream
// connection was dropped.
func isDropped(code codes.Code) bool {
	return code == codes.Unavailable
}

// isWireType returns true if the status indicates a single corrupt frame.
func isWireType(code codes.Code, details string) bool {
	return code == codes.Internal && strings.Contains(strings.ToLower(details), wireTypeMarker)
}

// errorCode returns the grpc status code of a connection level error.
func errorCode(err error) codes.Code {
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	return codes.Unknown
}

// errorDetails returns the grpc status message of a connection level error.
func errorDetails(err error) string {
	if s, ok := status.FromError(err); ok {
		return s.Message()
	}
	return err.Error()
}
