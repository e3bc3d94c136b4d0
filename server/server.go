// Package server exposes the relay over HTTP: a start trigger, websocket
// and server-sent event subscriptions, liveness and prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/luno/txrelay"
	"github.com/luno/txrelay/rsink"
)

// Relay is the subset of *txrelay.Relay served over HTTP.
type Relay interface {
	Start(ctx context.Context) bool
	Cursor() uint64
	State() txrelay.State
}

// channeler is implemented by sinks that clients subscribe to.
type channeler interface {
	Channel() string
}

// StartResponse is returned by GET /start.
type StartResponse struct {
	// Started is true if this request started the relay.
	Started  bool              `json:"started"`
	Cursor   uint64            `json:"cursor"`
	State    string            `json:"state"`
	Channels map[string]string `json:"channels"`
}

type options struct {
	origins []string
}

// Option configures the handler.
type Option func(*options)

// WithAllowedOrigins sets the CORS allowed origins. All origins are allowed
// by default.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *options) {
		o.origins = origins
	}
}

// NewHandler returns the HTTP handler for relay r delivering to sinks.
// The relay is started with base the first time any subscription or start
// request is received, so its lifetime is independent of the request.
func NewHandler(base context.Context, r Relay, sinks []txrelay.Sink, opts ...Option) http.Handler {
	o := options{origins: []string{"*"}}
	for _, opt := range opts {
		opt(&o)
	}

	channels := make(map[string]string)
	for _, s := range sinks {
		if c, ok := s.(channeler); ok {
			channels[s.Name()] = c.Channel()
		}
	}

	start := func(ctx context.Context) bool {
		ok := r.Start(base)
		if ok {
			log.Info(ctx, "relay started", j.KV("cursor", r.Cursor()))
		}
		return ok
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("/start", getOnly(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		resp := StartResponse{
			Started:  start(req.Context()),
			Cursor:   r.Cursor(),
			State:    r.State().String(),
			Channels: channels,
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Error(req.Context(), errors.Wrap(err, "write start response"))
		}
	})))

	for _, s := range sinks {
		var h http.Handler
		switch s := s.(type) {
		case *rsink.WebsocketGroup:
			h = s.Handler()
		case *rsink.SSE:
			h = s
		default:
			continue
		}

		mux.Handle(s.(channeler).Channel(), getOnly(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start(req.Context())
			h.ServeHTTP(w, req)
		})))
	}

	return cors.New(cors.Options{
		AllowedOrigins: o.origins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler(mux)
}

func getOnly(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ServeHTTP(w, r)
	})
}
