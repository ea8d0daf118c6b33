// Package transport accepts websocket connections and hands each one to a
// session coordinator. The hub is the only component that can reach into
// another connection's socket, which is what force-closures and shutdown
// broadcasts need.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caldera-live/caldera/backend/go/internal/v1/fabric"
	"github.com/caldera-live/caldera/backend/go/internal/v1/ident"
	"github.com/caldera-live/caldera/backend/go/internal/v1/logging"
	"github.com/caldera-live/caldera/backend/go/internal/v1/metrics"
	"github.com/caldera-live/caldera/backend/go/internal/v1/session"
)

const (
	outboundQueueDepth = 256
	shutdownFlushGrace = 250 * time.Millisecond
)

// Hub owns the live connections: it upgrades sockets, starts the per-connection
// pumps, and maps conn ids back to sockets for forced closure.
type Hub struct {
	deps           session.Deps
	allowedOrigins []string

	mu       sync.Mutex
	clients  map[string]*session.Client
	draining bool
}

// NewHub wires the session dependencies into a connection acceptor. The hub
// installs itself as the CloseConn hook so coordinators can drop other
// connections (bans, account disables, slow subscribers).
func NewHub(deps session.Deps, allowedOrigins []string) *Hub {
	h := &Hub{
		deps:           deps,
		allowedOrigins: allowedOrigins,
		clients:        make(map[string]*session.Client),
	}
	h.deps.CloseConn = h.CloseConn
	return h
}

// ServeWs upgrades one request and services the connection until it closes.
// The handler goroutine becomes the connection's read pump.
func (h *Hub) ServeWs(c *gin.Context) {
	h.mu.Lock()
	draining := h.draining
	h.mu.Unlock()
	if draining {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, h.allowedOrigins)
		},
		WriteBufferPool: &sync.Pool{},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		logging.Warn(c.Request.Context(), "Websocket upgrade failed", zap.Error(err))
		return
	}

	connID := ident.NewID("conn")
	ctx := logging.WithConnID(context.Background(), connID)

	coordinator := session.NewCoordinator(h.deps, connID, c.ClientIP())
	client := session.NewClient(conn, coordinator, outboundQueueDepth)

	h.mu.Lock()
	h.clients[connID] = client
	h.mu.Unlock()
	h.deps.Fabric.Register(client)
	metrics.IncConnection()

	logging.Info(ctx, "Connection accepted", zap.String("remote_ip", c.ClientIP()))
	client.Run(ctx)

	h.mu.Lock()
	delete(h.clients, connID)
	h.mu.Unlock()
	logging.Info(ctx, "Connection closed")
}

// CloseConn force-closes another connection by id. Safe for unknown ids; the
// connection may already be gone.
func (h *Hub) CloseConn(connID, reason string) {
	h.mu.Lock()
	client, ok := h.clients[connID]
	h.mu.Unlock()
	if ok {
		client.ForceClose(reason)
	}
}

// ConnectionCount reports the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Deps exposes the hub-bound dependency set (with CloseConn installed) for
// components that start coordinators outside the websocket path.
func (h *Hub) Deps() session.Deps { return h.deps }

// Shutdown stops accepting, tells every connection, and tears the sockets
// down. Coordinator cleanup runs on each connection's own read pump as the
// sockets unwind.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.draining = true
	clients := make([]*session.Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	logging.Info(ctx, "Shutting down hub", zap.Int("connections", len(clients)))
	h.deps.Fabric.EmitAll(fabric.Event{Name: session.EvtShutdown, Payload: map[string]string{
		"reason": "server shutting down",
	}})

	// Give the write pumps a moment to flush the shutdown frame.
	select {
	case <-time.After(shutdownFlushGrace):
	case <-ctx.Done():
	}

	for _, client := range clients {
		client.ForceClose("server shutting down")
	}
}
