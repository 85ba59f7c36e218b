package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sagaweave/sagaweave/pkg/logger"
)

const (
	defaultWSMaxConnections = 100
	defaultPingInterval     = 30 * time.Second
	defaultPongTimeout      = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultSendBuffer       = 32
)

// WebSocketConfig configures the saga event stream endpoint.
type WebSocketConfig struct {
	AllowedOrigins []string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// EventMessage is the wire format of one streamed saga event.
type EventMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// clientCommand is what subscribers send upstream. A command narrows or
// widens the client's filter; a client with an empty filter receives
// everything.
type clientCommand struct {
	Action   string `json:"action"`
	SagaID   string `json:"saga_id,omitempty"`
	SagaType string `json:"saga_type,omitempty"`
}

// streamFilter selects which saga events a client receives. Matching is by
// saga ID or by saga type; either match delivers the event.
type streamFilter struct {
	sagaIDs   map[string]struct{}
	sagaTypes map[string]struct{}
}

func newStreamFilter() *streamFilter {
	return &streamFilter{
		sagaIDs:   make(map[string]struct{}),
		sagaTypes: make(map[string]struct{}),
	}
}

func (f *streamFilter) add(sagaID, sagaType string) {
	if sagaID != "" {
		f.sagaIDs[sagaID] = struct{}{}
	}
	if sagaType != "" {
		f.sagaTypes[sagaType] = struct{}{}
	}
}

func (f *streamFilter) remove(sagaID, sagaType string) {
	delete(f.sagaIDs, sagaID)
	delete(f.sagaTypes, sagaType)
}

func (f *streamFilter) empty() bool {
	return len(f.sagaIDs) == 0 && len(f.sagaTypes) == 0
}

func (f *streamFilter) matches(sagaID, sagaType string) bool {
	if f.empty() {
		return true
	}
	if sagaID != "" {
		if _, ok := f.sagaIDs[sagaID]; ok {
			return true
		}
	}
	if sagaType != "" {
		if _, ok := f.sagaTypes[sagaType]; ok {
			return true
		}
	}
	return false
}

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	mu        sync.RWMutex
	filter    *streamFilter
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn:   conn,
		send:   make(chan []byte, defaultSendBuffer),
		filter: newStreamFilter(),
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *wsClient) subscribe(sagaID, sagaType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter.add(sagaID, sagaType)
}

func (c *wsClient) unsubscribe(sagaID, sagaType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter.remove(sagaID, sagaType)
}

func (c *wsClient) wants(sagaID, sagaType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.matches(sagaID, sagaType)
}

// ConnectionManager tracks live stream clients and fans events out to them.
type ConnectionManager struct {
	mu             sync.RWMutex
	clients        map[*wsClient]struct{}
	maxConnections int
}

// NewConnectionManager builds a manager capped at maxConnections clients.
func NewConnectionManager(maxConnections int) *ConnectionManager {
	if maxConnections <= 0 {
		maxConnections = defaultWSMaxConnections
	}
	return &ConnectionManager{
		clients:        make(map[*wsClient]struct{}),
		maxConnections: maxConnections,
	}
}

// Register adds a client, failing when the connection cap is reached.
func (m *ConnectionManager) Register(client *wsClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients) >= m.maxConnections {
		return errors.New("websocket connection limit reached")
	}
	m.clients[client] = struct{}{}
	return nil
}

// Unregister removes and closes a client.
func (m *ConnectionManager) Unregister(client *wsClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[client]; !ok {
		return
	}
	delete(m.clients, client)
	client.close()
}

// Count returns the number of live clients.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CanAccept reports whether one more client fits under the cap.
func (m *ConnectionManager) CanAccept() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients) < m.maxConnections
}

// Broadcast delivers event to every client whose filter matches. Clients
// too slow to drain their send buffer are dropped; a stalled browser must
// not back-pressure saga processing.
func (m *ConnectionManager) Broadcast(event EventMessage) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	sagaID, sagaType := eventRouting(event.Payload)

	m.mu.RLock()
	clients := make([]*wsClient, 0, len(m.clients))
	for client := range m.clients {
		clients = append(clients, client)
	}
	m.mu.RUnlock()

	for _, client := range clients {
		if !client.wants(sagaID, sagaType) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			m.Unregister(client)
		}
	}
	return nil
}

// Close drops every client.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for client := range m.clients {
		client.close()
		delete(m.clients, client)
	}
}

// eventRouting pulls the saga identity out of a broadcast payload. The
// broadcaster emits map payloads with saga_id and saga_type keys.
func eventRouting(payload any) (sagaID, sagaType string) {
	fields, ok := payload.(map[string]any)
	if !ok {
		return "", ""
	}
	sagaID, _ = fields["saga_id"].(string)
	sagaType, _ = fields["saga_type"].(string)
	return sagaID, sagaType
}

// WebSocketHandler serves the live saga event stream at /ws/events.
type WebSocketHandler struct {
	log          logger.Logger
	manager      *ConnectionManager
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
}

// NewWebSocketHandler builds the stream handler.
func NewWebSocketHandler(log logger.Logger, cfg WebSocketConfig) *WebSocketHandler {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultWSMaxConnections
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}

	handler := &WebSocketHandler{
		log:          log,
		manager:      NewConnectionManager(cfg.MaxConnections),
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		writeTimeout: defaultWriteTimeout,
	}

	allowedOrigins := append([]string(nil), cfg.AllowedOrigins...)
	handler.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return streamOriginAllowed(r, allowedOrigins)
		},
	}
	return handler
}

// ServeHTTP upgrades the connection and runs the client's pumps.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if !h.manager.CanAccept() {
		http.Error(w, "websocket connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.log != nil {
			h.log.Warn("websocket upgrade failed", "error", err)
		}
		return
	}

	client := newWSClient(conn)
	if err := h.manager.Register(client); err != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many websocket connections"),
			time.Now().Add(h.writeTimeout),
		)
		_ = conn.Close()
		return
	}

	go h.writePump(client)
	h.readPump(client)
}

func (h *WebSocketHandler) readPump(client *wsClient) {
	defer h.manager.Unregister(client)

	readDeadline := h.pingInterval + h.pongTimeout
	client.conn.SetReadLimit(1 << 20)
	_ = client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	client.conn.SetPongHandler(func(_ string) error {
		return client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) && h.log != nil {
				h.log.Warn("websocket read error", "error", err)
			}
			return
		}
		h.applyCommand(client, data)
	}
}

func (h *WebSocketHandler) writePump(client *wsClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		h.manager.Unregister(client)
	}()

	for {
		select {
		case message, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(h.writeTimeout),
				)
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// applyCommand updates the client's filter. Malformed commands are dropped
// rather than closing the stream.
func (h *WebSocketHandler) applyCommand(client *wsClient, raw []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return
	}

	sagaID := strings.TrimSpace(cmd.SagaID)
	sagaType := strings.TrimSpace(cmd.SagaType)
	if sagaID == "" && sagaType == "" {
		return
	}

	switch strings.ToLower(strings.TrimSpace(cmd.Action)) {
	case "subscribe":
		client.subscribe(sagaID, sagaType)
	case "unsubscribe":
		client.unsubscribe(sagaID, sagaType)
	}
}

// Broadcast streams an event to matching clients.
func (h *WebSocketHandler) Broadcast(event EventMessage) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return h.manager.Broadcast(event)
}

// Close drops every stream client.
func (h *WebSocketHandler) Close() {
	h.manager.Close()
}

func streamOriginAllowed(r *http.Request, allowedOrigins []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}

	// Same-host origins pass without configuration.
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}
