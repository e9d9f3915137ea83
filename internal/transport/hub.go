package transport

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/panjf2000/ants/v2"

	"github.com/inflo-ai/relay/internal/contextkeys"
	"github.com/inflo-ai/relay/internal/events"
	"github.com/inflo-ai/relay/internal/observability"
	"github.com/inflo-ai/relay/internal/types"
)

const (
	// writeTimeout bounds one websocket write; a peer slower than this
	// is dropped rather than allowed to stall the fan-out pool.
	writeTimeout = 10 * time.Second

	// pingInterval keeps idle connections alive through proxies.
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Agents connect from inside the mesh; origin checking is the
	// gateway's concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub streams bus events to subscribed websocket clients. Delivery is
// at-least-once from the consumer's point of view: a client that
// reconnects mid-stream may see an event again, and must tolerate
// duplicates. Fan-out runs on a bounded worker pool so one slow peer
// cannot stall the others.
type Hub struct {
	bus    events.Bus
	pool   *ants.Pool
	logger *observability.TracedLogger

	mu      sync.RWMutex
	clients map[*streamClient]struct{}

	stop func()
}

// streamClient is one connected websocket subscriber.
type streamClient struct {
	conn   *websocket.Conn
	caller types.Caller
	filter events.Filter

	writeMu sync.Mutex
	closed  bool
}

// NewHub creates a hub over the bus with the given number of fan-out
// workers. Workers <= 0 uses a small default.
func NewHub(bus events.Bus, workers int, logger *observability.TracedLogger) (*Hub, error) {
	if workers <= 0 {
		workers = 8
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(false))
	if err != nil {
		return nil, types.WrapError(types.INTERNAL_ERROR, "failed to create fan-out pool", err)
	}
	return &Hub{
		bus:     bus,
		pool:    pool,
		logger:  logger.WithComponent("event-hub"),
		clients: make(map[*streamClient]struct{}),
	}, nil
}

// Start subscribes the hub to the bus and begins fanning events out.
func (h *Hub) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.stop = cancel

	ch, unsubscribe := h.bus.Subscribe(ctx, events.Filter{}, 0)
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				h.dispatch(ctx, event)
			}
		}
	}()
}

// Close stops fan-out and disconnects every client.
func (h *Hub) Close() {
	if h.stop != nil {
		h.stop()
	}

	h.mu.Lock()
	clients := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*streamClient]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.pool.Release()
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) dispatch(ctx context.Context, event events.Event) {
	h.mu.RLock()
	targets := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		if c.filter.Matches(event) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, target := range targets {
		target := target
		err := h.pool.Submit(func() {
			if writeErr := target.writeEvent(event); writeErr != nil {
				h.remove(target)
				h.logger.Debug(ctx, "event stream client dropped",
					"agent_id", target.caller.AgentID,
					"error", writeErr.Error())
			}
		})
		if err != nil {
			h.logger.Warn(ctx, "event fan-out pool rejected task",
				"type", string(event.Type),
				"error", err.Error())
		}
	}
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// handleSubscribe upgrades the request and registers the client with the
// filter from its query parameters: types (comma-separated), lead_id,
// agent_id.
func (h *Hub) handleSubscribe(c *gin.Context) {
	ctx := c.Request.Context()
	caller, ok := callerFromGin(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "caller identity missing"})
		return
	}
	if !caller.HasScope(types.ScopeRead) {
		c.JSON(http.StatusForbidden, gin.H{"error": "event stream requires read scope"})
		return
	}

	filter := events.Filter{
		LeadID:  c.Query("lead_id"),
		AgentID: c.Query("agent_id"),
	}
	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, events.EventType(t))
			}
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn(ctx, "websocket upgrade failed", "error", err.Error())
		return
	}

	client := &streamClient{conn: conn, caller: caller, filter: filter}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.logger.Info(ctx, "event stream client connected",
		"agent_id", caller.AgentID,
		"types", c.Query("types"))

	// Reader loop: the client sends nothing meaningful, but reading is
	// what surfaces disconnects and answers control frames.
	go func() {
		defer h.remove(client)
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()

	go client.pingLoop()
}

func (c *streamClient) writeEvent(event events.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(event)
}

func (c *streamClient) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.writeMu.Lock()
		if c.closed {
			c.writeMu.Unlock()
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := c.conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *streamClient) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = c.conn.Close()
}

// callerFromGin pulls the verified caller the auth middleware stored on
// the request context.
func callerFromGin(c *gin.Context) (types.Caller, bool) {
	return contextkeys.Caller(c.Request.Context())
}
