package rsink

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
	"golang.org/x/net/websocket"

	"github.com/luno/txrelay"
)

const defaultWriteTimeout = 5 * time.Second

// WebsocketGroup broadcasts events as JSON text frames to every joined
// websocket connection. Connections that fail a write leave the group.
type WebsocketGroup struct {
	path         string
	writeTimeout time.Duration

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewWebsocketGroup returns an empty group served at path.
func NewWebsocketGroup(path string) *WebsocketGroup {
	return &WebsocketGroup{
		path:         path,
		writeTimeout: defaultWriteTimeout,
		conns:        make(map[*websocket.Conn]struct{}),
	}
}

func (g *WebsocketGroup) Name() string {
	return "websocket"
}

// Channel returns the path clients connect to.
func (g *WebsocketGroup) Channel() string {
	return g.path
}

// Handler returns a websocket handler joining each connection to the group
// until the client disconnects. Client frames are discarded.
func (g *WebsocketGroup) Handler() http.Handler {
	return websocket.Handler(func(conn *websocket.Conn) {
		g.join(conn)
		defer g.leave(conn)

		_, _ = io.Copy(io.Discard, conn)
	})
}

// Len returns the number of joined connections.
func (g *WebsocketGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *WebsocketGroup) Publish(ctx context.Context, e txrelay.DeliveredEvent) error {
	g.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		_ = c.SetWriteDeadline(time.Now().Add(g.writeTimeout))
		if err := websocket.JSON.Send(c, e); err != nil {
			log.Error(ctx, errors.Wrap(err, "websocket send"),
				j.KS("remote", c.Request().RemoteAddr))
			g.leave(c)
		}
	}
	return nil
}

func (g *WebsocketGroup) join(c *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[c] = struct{}{}
}

func (g *WebsocketGroup) leave(c *websocket.Conn) {
	g.mu.Lock()
	_, ok := g.conns[c]
	delete(g.conns, c)
	g.mu.Unlock()

	if ok {
		_ = c.Close()
	}
}
