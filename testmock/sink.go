package testmock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luno/txrelay"
)

// Sink is a recording delivery sink.
type Sink struct {
	name    string
	err     error
	release chan struct{}

	mu     sync.Mutex
	events []txrelay.DeliveredEvent
	calls  int
}

// NewSink returns a sink that records every published event.
func NewSink(name string) *Sink {
	return &Sink{name: name}
}

// NewFailingSink returns a sink that fails every publish with err.
func NewFailingSink(name string, err error) *Sink {
	return &Sink{name: name, err: err}
}

// NewBlockingSink returns a sink that blocks every publish until Release is called.
func NewBlockingSink(name string) *Sink {
	return &Sink{name: name, release: make(chan struct{})}
}

// Release unblocks a blocking sink.
func (s *Sink) Release() {
	close(s.release)
}

func (s *Sink) Name() string {
	return s.name
}

func (s *Sink) Publish(ctx context.Context, e txrelay.DeliveredEvent) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.release != nil {
		<-s.release
	}

	if s.err != nil {
		return s.err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Calls returns the number of publish calls, including failed ones.
func (s *Sink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Events returns the successfully published events.
func (s *Sink) Events() []txrelay.DeliveredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]txrelay.DeliveredEvent(nil), s.events...)
}

// AwaitEvents blocks until at least n events were published and returns them.
func (s *Sink) AwaitEvents(t testing.TB, n int) []txrelay.DeliveredEvent {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.Events()) >= n
	}, 5*time.Second, time.Millisecond)
	return s.Events()
}
