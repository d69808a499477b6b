package tidewave

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Event Contract
// ============================================================================

// Push event names delivered over the channel.
const (
	EventMessageCreated      = "message.created"
	EventMessageUpdated      = "message.updated"
	EventMessageDeleted      = "message.deleted"
	EventNotificationCreated = "notification.created"
	EventNotificationRead    = "notification.read"
	EventPresenceTyping      = "presence.typing"
)

// MessageUpdatedPayload is the message.updated event payload.
type MessageUpdatedPayload struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageDeletedPayload is the message.deleted event payload.
type MessageDeletedPayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
}

// NotificationReadPayload is the notification.read event payload. It exists
// for read-state fan-out across multiple active sessions of the same user.
type NotificationReadPayload struct {
	NotificationID string `json:"notificationId"`
}

// TypingPayload is the presence.typing event payload.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// Envelope is the wire format for all channel events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// channelCommand is a client-to-server command.
type channelCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

type pongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Channel
// ============================================================================

// Handler is the event callback type. Handlers for a given channel are
// invoked synchronously in delivery order on a single goroutine; a handler
// that blocks stalls the whole event stream.
type Handler func(eventType string, payload json.RawMessage)

// Channel is the abstract bidirectional event channel the sync core consumes.
// Connection management, reconnection, and heartbeats live behind this
// interface; the core never sees them.
type Channel interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType string, h Handler)
	// Emit sends a client-originated event to the server.
	Emit(ctx context.Context, eventType string, payload any) error
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu             sync.RWMutex
	handlers       map[string][]Handler
	onConnected    []func()
	onDisconnected []func(code int, reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{handlers: make(map[string][]Handler)}
}

func (d *eventDispatcher) subscribe(eventType string, h Handler) {
	d.mu.Lock()
	d.handlers[eventType] = append(d.handlers[eventType], h)
	d.mu.Unlock()
}

// dispatch invokes handlers synchronously, preserving delivery order.
func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers[env.Type]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// LoopbackChannel
// ============================================================================

// LoopbackChannel is an in-process Channel. Emit delivers straight to local
// subscribers. It backs tests and the webhook receiver, where events arrive
// without a socket.
type LoopbackChannel struct {
	dispatcher *eventDispatcher
}

// NewLoopbackChannel creates an in-process channel.
func NewLoopbackChannel() *LoopbackChannel {
	return &LoopbackChannel{dispatcher: newEventDispatcher()}
}

// Subscribe registers a handler for an event type.
func (c *LoopbackChannel) Subscribe(eventType string, h Handler) {
	c.dispatcher.subscribe(eventType, h)
}

// Emit delivers an event to local subscribers synchronously.
func (c *LoopbackChannel) Emit(_ context.Context, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	c.dispatcher.dispatch(Envelope{Type: eventType, Payload: data})
	return nil
}

// OnConnected registers a handler for the connected meta-event.
func (c *LoopbackChannel) OnConnected(h func()) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onConnected = append(c.dispatcher.onConnected, h)
	c.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (c *LoopbackChannel) OnDisconnected(h func(code int, reason string)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onDisconnected = append(c.dispatcher.onDisconnected, h)
	c.dispatcher.mu.Unlock()
}

// Drop simulates a channel disconnect.
func (c *LoopbackChannel) Drop(code int, reason string) {
	c.dispatcher.emitDisconnected(code, reason)
}

// Resume simulates a channel (re)connect.
func (c *LoopbackChannel) Resume() {
	c.dispatcher.emitConnected()
}

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures the WebSocket channel.
type ChannelConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ChannelState represents the connection state.
type ChannelState string

const (
	ChannelDisconnected ChannelState = "disconnected"
	ChannelConnecting   ChannelState = "connecting"
	ChannelConnected    ChannelState = "connected"
	ChannelReconnecting ChannelState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSChannel
// ============================================================================

// WSChannel is the WebSocket Channel implementation with auto-reconnect and
// heartbeat. Incoming events are dispatched from a single read loop, so
// subscriber handlers observe strict delivery order.
type WSChannel struct {
	baseURL          string
	config           *ChannelConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            ChannelState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	pingCounter      int
	pendingPings     map[string]chan pongPayload
	pendingMu        sync.Mutex
}

// NewWSChannel creates a WebSocket channel against baseURL. Call Connect to
// establish the connection.
func NewWSChannel(baseURL string, config *ChannelConfig) *WSChannel {
	cfg := ChannelConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &WSChannel{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       &cfg,
		state:        ChannelDisconnected,
		dispatcher:   newEventDispatcher(),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan pongPayload),
	}
}

// Subscribe registers a handler for an event type.
func (ws *WSChannel) Subscribe(eventType string, h Handler) {
	ws.dispatcher.subscribe(eventType, h)
}

// OnConnected registers a handler for the connected meta-event.
func (ws *WSChannel) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *WSChannel) OnDisconnected(h func(code int, reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *WSChannel) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *WSChannel) State() ChannelState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect establishes the WebSocket connection.
func (ws *WSChannel) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == ChannelConnected || ws.state == ChannelConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = ChannelConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + ws.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		ws.mu.Lock()
		ws.state = ChannelDisconnected
		ws.mu.Unlock()
		return Transient("websocket dial", err)
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.state = ChannelConnected
	ws.mu.Unlock()
	ws.recon.markConnected()

	ws.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(ctx)
	ws.mu.Lock()
	ws.cancelFn = cancel
	ws.mu.Unlock()

	go ws.readLoop(connCtx)
	go ws.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (ws *WSChannel) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = ChannelDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	ws.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

// Emit sends a client-originated event to the server.
func (ws *WSChannel) Emit(ctx context.Context, eventType string, payload any) error {
	return ws.send(ctx, &channelCommand{Type: eventType, Payload: payload})
}

func (ws *WSChannel) send(ctx context.Context, cmd *channelCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return newSyncError(CodeChannelDegraded, "channel not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return Transient("channel write", err)
	}
	return nil
}

// Ping sends a ping and waits for the matching pong.
func (ws *WSChannel) Ping(ctx context.Context) error {
	ws.mu.Lock()
	ws.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter)
	ws.mu.Unlock()

	ch := make(chan pongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	err := ws.send(ctx, &channelCommand{
		Type:      "ping",
		Payload:   map[string]string{"requestId": requestID},
		RequestID: requestID,
	})
	if err != nil {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(10 * time.Second):
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
		return Transient("ping timeout", nil)
	case <-ctx.Done():
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
		return ctx.Err()
	}
}

func (ws *WSChannel) readLoop(ctx context.Context) {
	for {
		ws.mu.Lock()
		conn := ws.conn
		ws.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.mu.Lock()
			ws.state = ChannelDisconnected
			ws.conn = nil
			ws.mu.Unlock()

			ws.dispatcher.emitDisconnected(0, err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect(context.Background())
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == "pong" {
			var p pongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		ws.dispatcher.dispatch(env)
	}
}

func (ws *WSChannel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.mu.Lock()
			s := ws.state
			ws.mu.Unlock()
			if s != ChannelConnected {
				return
			}

			if err := ws.Ping(ctx); err != nil {
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *WSChannel) scheduleReconnect(ctx context.Context) {
	delay := ws.recon.nextDelay()
	ws.mu.Lock()
	ws.state = ChannelReconnecting
	ws.mu.Unlock()

	ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)

	time.Sleep(delay)

	if err := ws.Connect(ctx); err != nil {
		if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
			ws.scheduleReconnect(ctx)
		} else {
			ws.mu.Lock()
			ws.state = ChannelDisconnected
			ws.mu.Unlock()
		}
	}
}

func (ws *WSChannel) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}
