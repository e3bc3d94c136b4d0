package rsink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/luno/jettison/errors"

	"github.com/luno/txrelay"
)

const defaultSSEBuffer = 64

// SSE is a server-sent events hub. Each connected client receives every
// event as a "data: <json>" frame. Events are dropped for clients whose
// buffer is full.
type SSE struct {
	path   string
	buffer int

	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// NewSSE returns a hub served at path.
func NewSSE(path string) *SSE {
	return &SSE{
		path:   path,
		buffer: defaultSSEBuffer,
		subs:   make(map[chan []byte]struct{}),
	}
}

func (s *SSE) Name() string {
	return "sse"
}

// Channel returns the path clients connect to.
func (s *SSE) Channel() string {
	return s.path
}

// Len returns the number of connected clients.
func (s *SSE) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *SSE) Publish(_ context.Context, e txrelay.DeliveredEvent) error {
	b, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.subs {
		select {
		case ch <- b:
		default:
		}
	}
	return nil
}

// ServeHTTP holds the connection open, streaming events until the client
// disconnects.
func (s *SSE) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case b := <-ch:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *SSE) subscribe() chan []byte {
	ch := make(chan []byte, s.buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[ch] = struct{}{}
	return ch
}

func (s *SSE) unsubscribe(ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, ch)
}
