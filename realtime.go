package meridian

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// AuthenticatedPayload is sent when a realtime connection is authenticated.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// SnapshotPayload carries the full ordered message set for a chat. The
// server pushes one whenever the chat's message set changes.
type SnapshotPayload struct {
	ChatID   string    `json:"chatId"`
	Messages []Message `json:"messages"`
}

// PresencePayload is sent when a participant's presence changes.
type PresencePayload struct {
	ChatID string       `json:"chatId"`
	User   UserPresence `json:"user"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// RealtimeEnvelope is the wire format for all realtime events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime feed client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
}

func (c *RealtimeConfig) defaults() {
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
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

type snapshotSub struct {
	chatID string
	fn     func(SnapshotPayload)
}

type errorSub struct {
	fn func(error)
}

type eventDispatcher struct {
	mu              sync.RWMutex
	nextID          int
	generic         map[string][]RealtimeEventHandler
	snapshots       map[int]snapshotSub
	errorSubs       map[int]errorSub
	onAuthenticated []func(AuthenticatedPayload)
	onPresence      []func(PresencePayload)
	onError         []func(RealtimeErrorPayload)
	onConnected     []func()
	onDisconnected  []func(int, string)
	onReconnecting  []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic:   make(map[string][]RealtimeEventHandler),
		snapshots: make(map[int]snapshotSub),
		errorSubs: make(map[int]errorSub),
	}
}

// addSnapshotSub registers a per-chat snapshot subscription and returns
// its id for later removal.
func (d *eventDispatcher) addSnapshotSub(chatID string, fn func(SnapshotPayload)) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.snapshots[d.nextID] = snapshotSub{chatID: chatID, fn: fn}
	return d.nextID
}

func (d *eventDispatcher) addErrorSub(fn func(error)) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.errorSubs[d.nextID] = errorSub{fn: fn}
	return d.nextID
}

func (d *eventDispatcher) removeSub(ids ...int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		delete(d.snapshots, id)
		delete(d.errorSubs, id)
	}
}

func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	// Typed handlers
	switch env.Type {
	case "authenticated":
		var p AuthenticatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onAuthenticated {
				go h(p)
			}
		}
	case "messages.snapshot":
		var p SnapshotPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, sub := range d.snapshots {
				if sub.chatID == p.ChatID {
					// Snapshot handlers run inline: the reconciliation
					// reducer must observe pushes in arrival order.
					sub.fn(p)
				}
			}
		}
	case "presence.changed":
		var p PresencePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onPresence {
				go h(p)
			}
		}
	case "error":
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onError {
				go h(p)
			}
			for _, sub := range d.errorSubs {
				go sub.fn(apiErr(CodeRealtime, p.Message))
			}
		}
	}

	// Generic handlers
	for _, h := range d.generic[env.Type] {
		handler := h // capture
		go handler(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	subs := make([]errorSub, 0, len(d.errorSubs))
	for _, sub := range d.errorSubs {
		subs = append(subs, sub)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
	for _, sub := range subs {
		go sub.fn(apiErr(CodeRealtime, fmt.Sprintf("subscription dropped: %s", reason)))
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

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

func newReconnector(config *RealtimeConfig) *reconnector {
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

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a WebSocket feed client with auto-reconnect and
// heartbeat. It satisfies Subscriber for ChatSession.
type RealtimeClient struct {
	baseURL          string
	config           *RealtimeConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	reqCounter       int
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
	log              zerolog.Logger
}

// OnAuthenticated registers a handler for the authenticated event.
func (rt *RealtimeClient) OnAuthenticated(h func(AuthenticatedPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onAuthenticated = append(rt.dispatcher.onAuthenticated, h)
	rt.dispatcher.mu.Unlock()
}

// OnPresenceChanged registers a handler for presence changes.
func (rt *RealtimeClient) OnPresenceChanged(h func(PresencePayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onPresence = append(rt.dispatcher.onPresence, h)
	rt.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors.
func (rt *RealtimeClient) OnError(h func(RealtimeErrorPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onError = append(rt.dispatcher.onError, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDisconnected = append(rt.dispatcher.onDisconnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReconnecting = append(rt.dispatcher.onReconnecting, h)
	rt.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (rt *RealtimeClient) On(eventType string, h RealtimeEventHandler) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.generic[eventType] = append(rt.dispatcher.generic[eventType], h)
	rt.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Subscribe implements Subscriber: joins the chat room and routes every
// snapshot push for chatID to onData and feed failures to onError. The
// returned unsubscribe is idempotent.
func (rt *RealtimeClient) Subscribe(chatID string, onData func([]Message), onError func(error)) (func(), error) {
	snapID := rt.dispatcher.addSnapshotSub(chatID, func(p SnapshotPayload) {
		onData(p.Messages)
	})
	errID := rt.dispatcher.addErrorSub(onError)

	if err := rt.JoinChat(context.Background(), chatID); err != nil {
		rt.dispatcher.removeSub(snapID, errID)
		return nil, fmt.Errorf("join chat: %w", err)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			rt.dispatcher.removeSub(snapID, errID)
			// Best effort; the server drops the room on disconnect anyway.
			_ = rt.LeaveChat(context.Background(), chatID)
		})
	}
	return unsubscribe, nil
}

// Connect establishes the WebSocket connection.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + rt.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	// Read first message (should be "authenticated")
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("read auth message: %w", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.mu.Unlock()
	rt.recon.markConnected()

	rt.dispatcher.dispatch(env)
	rt.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.cancelFn = cancel
	rt.mu.Unlock()

	go rt.readLoop(connCtx)
	go rt.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	rt.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

// JoinChat joins a chat room so its snapshots are pushed to this client.
func (rt *RealtimeClient) JoinChat(ctx context.Context, chatID string) error {
	return rt.Send(ctx, &RealtimeCommand{
		Type:    "chat.join",
		Payload: map[string]string{"chatId": chatID},
	})
}

// LeaveChat leaves a chat room.
func (rt *RealtimeClient) LeaveChat(ctx context.Context, chatID string) error {
	return rt.Send(ctx, &RealtimeCommand{
		Type:    "chat.leave",
		Payload: map[string]string{"chatId": chatID},
	})
}

// UpdatePresence updates the user's presence status.
func (rt *RealtimeClient) UpdatePresence(ctx context.Context, status string) error {
	return rt.Send(ctx, &RealtimeCommand{
		Type:    "presence.update",
		Payload: map[string]string{"status": status},
	})
}

// Send sends a raw command over the WebSocket.
func (rt *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for pong.
func (rt *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	rt.mu.Lock()
	rt.reqCounter++
	requestID := fmt.Sprintf("ping-%d", rt.reqCounter)
	rt.mu.Unlock()

	ch := make(chan PongPayload, 1)
	rt.pendingMu.Lock()
	rt.pendingPings[requestID] = ch
	rt.pendingMu.Unlock()

	err := rt.Send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		rt.pendingMu.Lock()
		delete(rt.pendingPings, requestID)
		rt.pendingMu.Unlock()
		return nil, err
	}

	select {
	case pong := <-ch:
		return &pong, nil
	case <-time.After(10 * time.Second):
		rt.pendingMu.Lock()
		delete(rt.pendingPings, requestID)
		rt.pendingMu.Unlock()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		rt.pendingMu.Lock()
		delete(rt.pendingPings, requestID)
		rt.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

func (rt *RealtimeClient) readLoop(ctx context.Context) {
	for {
		_, data, err := rt.conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			rt.mu.Unlock()
			if intentional {
				return
			}

			rt.mu.Lock()
			rt.state = StateDisconnected
			rt.conn = nil
			rt.mu.Unlock()

			rt.log.Debug().Err(err).Msg("realtime read loop ended")
			rt.dispatcher.emitDisconnected(0, err.Error())

			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect(ctx)
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		// Resolve pending pings
		if env.Type == "pong" {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				rt.pendingMu.Lock()
				ch, ok := rt.pendingPings[p.RequestID]
				if ok {
					delete(rt.pendingPings, p.RequestID)
				}
				rt.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		}

		rt.dispatcher.dispatch(env)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.mu.Lock()
			s := rt.state
			rt.mu.Unlock()
			if s != StateConnected {
				return
			}

			_, err := rt.Ping(ctx)
			if err != nil {
				// Heartbeat failed, force close so the read loop
				// notices and reconnects.
				rt.mu.Lock()
				conn := rt.conn
				rt.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rt *RealtimeClient) scheduleReconnect(ctx context.Context) {
	delay := rt.recon.nextDelay()
	rt.mu.Lock()
	rt.state = StateReconnecting
	rt.mu.Unlock()

	rt.dispatcher.emitReconnecting(rt.recon.attempt, delay)

	time.Sleep(delay)

	if err := rt.Connect(ctx); err != nil {
		if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
			rt.scheduleReconnect(ctx)
		} else {
			rt.mu.Lock()
			rt.state = StateDisconnected
			rt.mu.Unlock()
		}
	}
}

func (rt *RealtimeClient) clearPendingPings() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pendingPings {
		close(ch)
		delete(rt.pendingPings, k)
	}
	rt.pendingMu.Unlock()
}
