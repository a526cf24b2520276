// Package broadcast fans out status, resource, and log-stream updates to
// connected observers over websockets, multiplexing shared log tails
// across overlapping subscribers.
package broadcast

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// Topics observers may subscribe to.
const (
	TopicStatus    = "status"
	TopicResources = "resources"
	logTopicPrefix = "logs:"
)

// LogTopic returns the topic carrying a service's log stream.
func LogTopic(service string) string {
	return logTopicPrefix + service
}

// serviceFromTopic extracts the service from a log topic; empty for other
// topics.
func serviceFromTopic(topic string) string {
	if strings.HasPrefix(topic, logTopicPrefix) {
		return strings.TrimPrefix(topic, logTopicPrefix)
	}
	return ""
}

// Message is one update pushed to observers.
type Message struct {
	Type      string      `json:"type"`
	Topic     string      `json:"topic,omitempty"`
	Service   string      `json:"service,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// clientRequest is what observers send over the socket.
type clientRequest struct {
	Action     string `json:"action"` // subscribe | unsubscribe | throttle
	Topic      string `json:"topic,omitempty"`
	IntervalMS int    `json:"interval_ms,omitempty"`
}

const (
	heartbeatInterval = 15 * time.Second
	heartbeatTimeout  = 30 * time.Second
	writeTimeout      = 10 * time.Second
	sendBuffer        = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The monitor binds to localhost; the console UI is the only
		// expected origin.
		return true
	},
}

// Hub tracks every connected observer with its subscriptions and liveness,
// and owns the shared log-tail pool.
type Hub struct {
	logs *LogMux

	mu    sync.RWMutex
	conns map[string]*Conn

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  chan struct{}
}

// NewHub creates a hub over the given log multiplexer.
func NewHub(logs *LogMux) *Hub {
	return &Hub{
		logs:    logs,
		conns:   make(map[string]*Conn),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run drives the heartbeat until Stop is called. Intended to run as a
// goroutine.
func (h *Hub) Run() {
	defer close(h.stopped)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

// Stop stops the heartbeat, terminates every multiplexed log tail, and
// closes every connection.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		<-h.stopped

		h.mu.Lock()
		conns := make([]*Conn, 0, len(h.conns))
		for _, c := range h.conns {
			conns = append(conns, c)
		}
		h.mu.Unlock()

		for _, c := range conns {
			h.drop(c, "hub shutting down")
		}
		h.logs.Stop()

		log.Info().Msg("Broadcast hub stopped")
	})
}

// HandleWS upgrades an HTTP request to a websocket observer connection.
func (h *Hub) HandleWS(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	conn := newConn(h, ws)

	h.mu.Lock()
	h.conns[conn.ID] = conn
	total := len(h.conns)
	h.mu.Unlock()

	log.Info().Str("conn_id", conn.ID).Int("total", total).Msg("Observer connected")

	go conn.writePump()
	go conn.readPump()
	return nil
}

// ConnectionCount returns the number of live observer connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast delivers a message to every live connection.
func (h *Hub) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		c.enqueue(msg)
	}
}

// BroadcastToTopic delivers a message only to connections subscribed to
// the topic and returns the count actually reached. Callers use the count
// to decide whether an underlying resource is still worth running.
func (h *Hub) BroadcastToTopic(topic string, msg Message) int {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.Topic = topic

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, c := range h.conns {
		if !c.subscribed(topic) {
			continue
		}
		if c.enqueue(msg) {
			delivered++
		}
	}
	return delivered
}

// PublishLogLine is the LogMux publish hook.
func (h *Hub) PublishLogLine(service, line string) int {
	return h.BroadcastToTopic(LogTopic(service), Message{
		Type:    "log",
		Service: service,
		Data:    line,
	})
}

// heartbeat pings every connection and drops the ones that missed the
// acknowledgment window, releasing their subscriptions.
func (h *Hub) heartbeat() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	now := time.Now()
	for _, c := range conns {
		if now.Sub(c.lastSeen()) > heartbeatTimeout {
			h.drop(c, "heartbeat timeout")
			continue
		}
		c.ping()
	}
}

// drop unregisters a connection and releases every subscription it held.
// Log-topic subscriptions release into the idle grace period, since the
// observer may reconnect.
func (h *Hub) drop(c *Conn, reason string) {
	h.mu.Lock()
	if _, exists := h.conns[c.ID]; !exists {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.ID)
	h.mu.Unlock()

	for _, topic := range c.topicList() {
		if svc := serviceFromTopic(topic); svc != "" {
			h.logs.Release(svc, false)
		}
	}
	c.close()

	log.Info().Str("conn_id", c.ID).Str("reason", reason).Msg("Observer disconnected")
}

// Conn is one tracked observer connection.
type Conn struct {
	ID  string
	hub *Hub
	ws  *websocket.Conn

	send chan Message

	mu      sync.Mutex
	topics  map[string]bool
	limiter *throttle
	pongAt  time.Time

	closeOnce sync.Once
}

func newConn(h *Hub, ws *websocket.Conn) *Conn {
	return &Conn{
		ID:     uuid.New().String(),
		hub:    h,
		ws:     ws,
		send:   make(chan Message, sendBuffer),
		topics: make(map[string]bool),
		pongAt: time.Now(),
	}
}

func (c *Conn) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

func (c *Conn) topicList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

func (c *Conn) lastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pongAt
}

// enqueue hands a message to the write pump without blocking the hub. A
// slow consumer loses excess updates rather than stalling everyone else.
func (c *Conn) enqueue(msg Message) bool {
	c.mu.Lock()
	limiter := c.limiter
	c.mu.Unlock()

	// Log lines are never throttled; dropping them would corrupt the
	// stream the observer is reading.
	if limiter != nil && msg.Type != "log" && !limiter.allow() {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) ping() {
	deadline := time.Now().Add(writeTimeout)
	if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		log.Debug().Err(err).Str("conn_id", c.ID).Msg("Ping failed")
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.ws.Close()
		close(c.send)
	})
}

// writePump serializes all writes to the socket. A panic here must not
// take down the hub's serving of other connections.
func (c *Conn) writePump() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("conn_id", c.ID).Msg("Write pump panicked")
			c.hub.drop(c, "write pump panic")
		}
	}()

	for msg := range c.send {
		if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return
		}
		if err := c.ws.WriteJSON(msg); err != nil {
			log.Debug().Err(err).Str("conn_id", c.ID).Msg("Write failed")
			c.hub.drop(c, "write error")
			return
		}
	}
}

// readPump handles subscription requests and liveness acknowledgments.
func (c *Conn) readPump() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("conn_id", c.ID).Msg("Read pump panicked")
		}
		c.hub.drop(c, "read loop ended")
	}()

	c.ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.pongAt = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		var req clientRequest
		if err := c.ws.ReadJSON(&req); err != nil {
			return
		}

		c.mu.Lock()
		c.pongAt = time.Now()
		c.mu.Unlock()

		switch req.Action {
		case "subscribe":
			c.subscribe(req.Topic)
		case "unsubscribe":
			c.unsubscribe(req.Topic)
		case "throttle":
			c.setThrottle(req.IntervalMS)
		default:
			log.Debug().Str("action", req.Action).Str("conn_id", c.ID).Msg("Unknown client action")
		}
	}
}

func (c *Conn) subscribe(topic string) {
	if topic == "" {
		return
	}

	c.mu.Lock()
	already := c.topics[topic]
	c.topics[topic] = true
	c.mu.Unlock()

	if already {
		return
	}
	if svc := serviceFromTopic(topic); svc != "" {
		c.hub.logs.Acquire(svc)
	}
	log.Debug().Str("conn_id", c.ID).Str("topic", topic).Msg("Subscribed")
}

func (c *Conn) unsubscribe(topic string) {
	c.mu.Lock()
	had := c.topics[topic]
	delete(c.topics, topic)
	c.mu.Unlock()

	if !had {
		return
	}
	// Explicit unsubscribe releases the tail immediately.
	if svc := serviceFromTopic(topic); svc != "" {
		c.hub.logs.Release(svc, true)
	}
	log.Debug().Str("conn_id", c.ID).Str("topic", topic).Msg("Unsubscribed")
}

// setThrottle limits how often non-log updates are pushed to this
// observer, e.g. when its tab is not actively being watched. Zero removes
// the limit.
func (c *Conn) setThrottle(intervalMS int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if intervalMS <= 0 {
		c.limiter = nil
		return
	}
	c.limiter = newThrottle(time.Duration(intervalMS) * time.Millisecond)
}
