package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/device-monitor/internal/alert"
	"github.com/nerrad567/device-monitor/internal/device"
	"github.com/nerrad567/device-monitor/internal/infrastructure/config"
	"github.com/nerrad567/device-monitor/internal/infrastructure/logging"
	"github.com/nerrad567/device-monitor/internal/state"
)

// Realtime message types.
const (
	MsgInitial           = "initial"
	MsgStateUpdate       = string(state.EventStateUpdate)
	MsgSensorData        = string(state.EventSensorData)
	MsgDeviceOnline      = string(device.EventDeviceOnline)
	MsgDeviceOffline     = string(device.EventDeviceOffline)
	MsgDeviceUpdated     = string(device.EventDeviceUpdated)
	MsgAlertRaised       = string(alert.EventRaised)
	MsgAlertAcknowledged = string(alert.EventAcknowledged)

	msgPing = "ping"
	msgPong = "pong"
)

const (
	defaultSendBuffer = 256
	defaultWriteWait  = 10 * time.Second

	// throttlePruneSize is the throttle table size above which stale
	// entries are swept.
	throttlePruneSize = 1024
)

// Envelope is the frame for every realtime message.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// DeviceLister supplies the device list sent on connect.
type DeviceLister interface {
	ListDevices() []device.Record
}

// StateLister supplies the cached device states sent on connect.
type StateLister interface {
	LatestStates() []state.DeviceState
}

// Hub manages WebSocket connections and broadcasts events.
type Hub struct {
	cfg      config.WebSocketConfig
	logger   *logging.Logger
	devices  DeviceLister
	states   StateLister
	throttle time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
	closed  bool

	throttleMu sync.Mutex
	lastUpdate map[string]time.Time

	dropped atomic.Uint64
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub. devices and states may be nil, in
// which case the connect snapshot omits them.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, devices DeviceLister, states StateLister) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		cfg:        cfg,
		logger:     logger,
		devices:    devices,
		states:     states,
		throttle:   time.Duration(cfg.UpdateThrottleMS) * time.Millisecond,
		now:        time.Now,
		clients:    make(map[*WSClient]struct{}),
		lastUpdate: make(map[string]time.Time),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.Close()
}

// Register adds a client to the broadcast set. It returns false once the
// hub is closed.
func (h *Hub) Register(client *WSClient) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", "clients", n)
	return true
}

// Unregister removes a client from the hub.
// Only the goroutine that removes the client from the map closes its send
// channel.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if existed {
		close(client.send)
		h.logger.Debug("websocket client disconnected", "clients", n)
	}
}

// Broadcast sends one envelope to every connected client. A client whose
// queue is full misses the message; others are unaffected.
func (h *Hub) Broadcast(msgType string, data any) {
	payload, err := json.Marshal(Envelope{Type: msgType, Data: data})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "type", msgType, "error", err)
		return
	}

	// Snapshot under the hub lock, send without it.
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if !client.trySend(payload) {
			h.dropped.Add(1)
		}
	}
}

// BroadcastDeviceEvent forwards a registry event. device-updated is
// throttled per device id; other events are forwarded immediately.
func (h *Hub) BroadcastDeviceEvent(ev device.Event) {
	if ev.Type == device.EventDeviceUpdated && !h.allowUpdate(ev.Device.ID) {
		return
	}
	h.Broadcast(string(ev.Type), ev.Device)
}

// BroadcastStateEvent forwards a sensor-data or state-update event.
func (h *Hub) BroadcastStateEvent(ev state.Event) {
	switch ev.Type {
	case state.EventSensorData:
		if ev.Sensor != nil {
			h.Broadcast(MsgSensorData, ev.Sensor)
		}
	case state.EventStateUpdate:
		if ev.State != nil {
			h.Broadcast(MsgStateUpdate, ev.State)
		}
	}
}

// BroadcastAlertEvent forwards an alert event.
func (h *Hub) BroadcastAlertEvent(ev alert.Event) {
	h.Broadcast(string(ev.Type), ev.Alert)
}

// allowUpdate reports whether a device-updated message for id may be sent
// now, and records the send.
func (h *Hub) allowUpdate(id string) bool {
	if h.throttle <= 0 {
		return true
	}
	now := h.now()

	h.throttleMu.Lock()
	defer h.throttleMu.Unlock()

	if last, ok := h.lastUpdate[id]; ok && now.Sub(last) < h.throttle {
		return false
	}
	h.lastUpdate[id] = now

	if len(h.lastUpdate) > throttlePruneSize {
		for k, t := range h.lastUpdate {
			if now.Sub(t) >= h.throttle {
				delete(h.lastUpdate, k)
			}
		}
	}
	return true
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of messages skipped because a client queue was
// full or closed.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close disconnects all clients and refuses new ones. It is safe to call
// more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// ServeWS upgrades the connection, joins the client to the broadcast set and
// writes the connect snapshot.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	bufSize := h.cfg.SendBuffer
	if bufSize <= 0 {
		bufSize = defaultSendBuffer
	}
	client := &WSClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, bufSize),
	}
	if !h.Register(client) {
		conn.Close()
		return
	}

	// Broadcasts queue on client.send while the snapshot is written on this
	// goroutine; the write pump starts after it, so "initial" is always the
	// first message and nothing published meanwhile is lost.
	if err := h.writeSnapshot(conn); err != nil {
		h.logger.Debug("websocket snapshot write failed", "error", err)
		h.Unregister(client)
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) writeSnapshot(conn *websocket.Conn) error {
	devices := []device.Record{}
	if h.devices != nil {
		devices = h.devices.ListDevices()
	}
	if err := h.writeDirect(conn, Envelope{Type: MsgInitial, Data: devices}); err != nil {
		return err
	}

	if h.states == nil {
		return nil
	}
	for _, st := range h.states.LatestStates() {
		if err := h.writeDirect(conn, Envelope{Type: MsgStateUpdate, Data: st}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) writeDirect(conn *websocket.Conn, env Envelope) error {
	//nolint:errcheck // Best-effort deadline; write error caught below
	conn.SetWriteDeadline(time.Now().Add(h.writeWait()))
	return conn.WriteJSON(env)
}

func (h *Hub) writeWait() time.Duration {
	if h.cfg.PongTimeout > 0 {
		return time.Duration(h.cfg.PongTimeout) * time.Second
	}
	return defaultWriteWait
}

func (h *Hub) pingInterval() time.Duration {
	if h.cfg.PingInterval > 0 {
		return time.Duration(h.cfg.PingInterval) * time.Second
	}
	return 30 * time.Second
}

// handleWebSocket serves GET /api/v1/ws.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r)
}

// readPump reads client frames until the connection fails, then removes
// the client from the hub.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	if c.hub.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(c.hub.cfg.MaxMessageSize))
	}
	deadline := c.hub.pingInterval() + c.hub.writeWait()
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client frame keeps the connection alive, even from browsers
		// that do not answer protocol-level pings.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.handleMessage(message)
	}
}

// handleMessage answers application-level pings. Everything else from the
// client is ignored; the feed is push-only.
func (c *WSClient) handleMessage(data []byte) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != msgPing {
		return
	}
	payload, err := json.Marshal(Envelope{Type: msgPong, Data: map[string]string{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}})
	if err != nil {
		return
	}
	c.trySend(payload)
}

// writePump drains the send queue onto the connection and keeps it alive
// with pings.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := c.hub.writeWait()
	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend queues data for the client. It reports false when the queue is
// full or the client has already been closed.
func (c *WSClient) trySend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}
