package transport

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/FabeYT/smartshare/internal/device"
	"github.com/FabeYT/smartshare/internal/identity"
	"github.com/FabeYT/smartshare/internal/logging"
	"github.com/FabeYT/smartshare/internal/metrics"
	"github.com/FabeYT/smartshare/internal/presence"
	"github.com/FabeYT/smartshare/internal/ratelimit"
	"github.com/FabeYT/smartshare/internal/room"
	"github.com/FabeYT/smartshare/internal/transfer"
	"github.com/FabeYT/smartshare/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// duplicateGrace is how long a superseded connection is given to finish
	// in-flight writes before being forced closed.
	duplicateGrace = 1 * time.Second

	// welcomeDebounce delays the welcome frame for ordinary clients so any
	// client-side setup racing the connection has a moment to settle;
	// mobile Safari skips this (spec.md §4.3).
	welcomeDebounce = 100 * time.Millisecond

	defaultChunkSize int64 = 20 * 1024 * 1024
	mobileChunkSize  int64 = 1 * 1024 * 1024

	defaultPingInterval = 15 * time.Second
	iosPingInterval     = 10 * time.Second
)

// Hub is the process-wide registry of live connections, keyed by device id.
// At most one Client per device id is registered at a time; a newer
// connection for the same id always wins over an older one.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client

	devices  *device.Registry
	rooms    *room.Registry
	governor *transfer.Governor
	router   *Router
	presence *presence.Broadcaster
	limiter  *ratelimit.Limiter
	engine   *transfer.Engine

	upgrader websocket.Upgrader
}

// SetPresence completes the Hub's wiring once the presence Broadcaster
// exists (the two have a cyclic dependency: Broadcaster sends through Hub).
func (h *Hub) SetPresence(p *presence.Broadcaster) { h.presence = p }

// SetEngine completes the Hub's wiring once the Transfer Engine is
// constructed, so a dropped connection can error out its in-flight transfers.
func (h *Hub) SetEngine(e *transfer.Engine) { h.engine = e }

// SetLimiter attaches a rate limiter gating the WebSocket handshake. A nil
// limiter (the default) disables handshake rate limiting.
func (h *Hub) SetLimiter(l *ratelimit.Limiter) { h.limiter = l }

// NewHub wires a Hub to its collaborators. allowedOrigins of "*" accepts any
// origin; otherwise only exact matches are allowed.
func NewHub(devices *device.Registry, rooms *room.Registry, gov *transfer.Governor, router *Router, allowedOrigins string) *Hub {
	h := &Hub{
		clients:  make(map[string]*Client),
		devices:  devices,
		rooms:    rooms,
		governor: gov,
		router:   router,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigins == "" || allowedOrigins == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if origin == strings.TrimSpace(allowed) {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Send implements transfer.Sender by forwarding frame to deviceID's live
// connection, if any.
func (h *Hub) Send(deviceID string, frame any) bool {
	h.mu.Lock()
	c, ok := h.clients[deviceID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	return c.Send(frame)
}

// Broadcast sends frame to every device id in ids, skipping offline ones.
func (h *Hub) Broadcast(ids []string, frame any) {
	for _, id := range ids {
		h.Send(id, frame)
	}
}

// ServeWs upgrades an HTTP request to a WebSocket connection, derives the
// device identity from its headers, and hands the connection to the hub.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.governor.HeapBytes() > transfer.MaxMemoryBytes {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server memory budget exhausted"})
		return
	}
	if h.limiter != nil && !h.limiter.AllowWebSocket(c) {
		return
	}

	ua := c.Request.UserAgent()
	deviceID := identity.Derive(ua, c.ClientIP(), c.GetHeader("Accept-Language"))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	mobileSafari := identity.IsMobileSafari(ua)
	client := NewClient(conn, deviceID, h)
	if mobileSafari {
		client.pingInterval = iosPingInterval
	}
	h.register(client)

	h.devices.UpsertOnConnect(deviceID, client, ua)
	metrics.IncConnection()

	chunkSize := defaultChunkSize
	if mobileSafari {
		chunkSize = mobileChunkSize
	}
	welcome := wire.Welcome{Type: "welcome", DeviceID: deviceID, ChunkSize: chunkSize}
	if mobileSafari {
		// Fragile mobile sessions get the welcome frame immediately, ahead of
		// any application-level handshake completion.
		client.Send(welcome)
	} else {
		go func() {
			time.Sleep(welcomeDebounce)
			client.Send(welcome)
		}()
	}

	go client.writePump()
	go client.readPump(context.Background())
}

// register installs client as the live connection for its device id. An
// existing connection for the same id is given duplicateGrace to drain
// before being force-closed ("newer wins").
func (h *Hub) register(client *Client) {
	h.mu.Lock()
	old, existed := h.clients[client.deviceID]
	h.clients[client.deviceID] = client
	h.mu.Unlock()

	if existed && old != client {
		old.Send(wire.DuplicateConnection{Type: "duplicate_connection", KeepThisConnection: false})
		client.Send(wire.DuplicateConnection{Type: "duplicate_connection", KeepThisConnection: true})
		go func() {
			time.Sleep(duplicateGrace)
			old.Close()
		}()
	}
}

// unregister removes client from the hub if it is still the current
// connection for its device id (a superseded connection closing must not
// clobber the newer one's registration).
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	current, ok := h.clients[client.deviceID]
	isCurrent := ok && current == client
	if isCurrent {
		delete(h.clients, client.deviceID)
	}
	h.mu.Unlock()

	if !isCurrent {
		return
	}
	metrics.DecConnection()
	h.devices.MarkOffline(client.deviceID)

	if h.engine != nil {
		h.engine.RemoveParty(context.Background(), client.deviceID)
	}

	if roomID, deleted := h.rooms.RemoveMember(client.deviceID); roomID != "" {
		h.devices.SetRoom(client.deviceID, "")
		if !deleted {
			h.presence.DeviceLeft(context.Background(), roomID, client.deviceID)
		}
	}
}

// CloseIdle closes every connection whose last inbound activity is older
// than olderThan, used by the janitor's inactivity sweep. Returns the number
// of connections closed.
func (h *Hub) CloseIdle(olderThan time.Duration) int {
	h.mu.Lock()
	var idle []*Client
	for _, c := range h.clients {
		if c.IdleSince() > olderThan {
			idle = append(idle, c)
		}
	}
	h.mu.Unlock()

	for _, c := range idle {
		logging.Info(context.Background(), "closing idle connection", zap.String("device_id", c.deviceID))
		c.Close()
	}
	return len(idle)
}

// Connections returns the current number of live connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every live connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}
