package roomchat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Wire format
// ============================================================================

const (
	eventMessageReceived = "message.received"
	eventRoomCreated     = "room.created"
	eventPong            = "pong"
	eventError           = "error"

	commandJoinRoom  = "room.join"
	commandLeaveRoom = "room.leave"
	commandPing      = "ping"
)

// RealtimeEnvelope is the wire format for all push events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type roomPayload struct {
	RoomID ID `json:"roomId"`
}

type pingPayload struct {
	RequestID string `json:"requestId"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Channel
// ============================================================================

// Channel is the push channel the engine consumes. *RealtimeClient
// implements it.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	JoinRoom(ctx context.Context, roomID ID) error
	LeaveRoom(ctx context.Context, roomID ID) error

	// OnMessage registers h under key. Registering an existing key replaces
	// its handler; distinct keys all receive delivery.
	OnMessage(key string, h func(MessageEvent)) Subscription
	OnRoomCreated(key string, h func(RoomCreatedEvent)) Subscription
	// OnReconnected fires after each automatic reconnect. Room
	// subscriptions do not survive a reconnect.
	OnReconnected(key string, h func()) Subscription
}

// Subscription is the handle returned by handler registration.
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	once   sync.Once
	cancel func()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	Token                string
	Path                 string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	HandshakeTimeout     time.Duration
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
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
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// ConnectionState represents the push channel's connection state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateEvent describes a connection state transition.
type StateEvent struct {
	OldState ConnectionState
	NewState ConnectionState
	Err      error
}

// ============================================================================
// Event dispatcher
// ============================================================================

type registration[T any] struct {
	seq uint64
	fn  func(T)
}

// registry is a dispatch table keyed by logical subscriber.
type registry[T any] struct {
	mu      sync.RWMutex
	next    uint64
	entries map[string]registration[T]
}

func (r *registry[T]) add(key string, fn func(T)) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]registration[T])
	}
	r.next++
	seq := r.next
	r.entries[key] = registration[T]{seq: seq, fn: fn}
	return &subscription{cancel: func() { r.remove(key, seq) }}
}

func (r *registry[T]) remove(key string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// A replaced registration must not remove its successor.
	if e, ok := r.entries[key]; ok && e.seq == seq {
		delete(r.entries, key)
	}
}

func (r *registry[T]) handlers() []func(T) {
	r.mu.RLock()
	regs := make([]registration[T], 0, len(r.entries))
	for _, e := range r.entries {
		regs = append(regs, e)
	}
	r.mu.RUnlock()
	sort.Slice(regs, func(i, j int) bool { return regs[i].seq < regs[j].seq })
	fns := make([]func(T), len(regs))
	for i, e := range regs {
		fns[i] = e.fn
	}
	return fns
}

func (r *registry[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

type eventDispatcher struct {
	logger        *slog.Logger
	onMessage     registry[MessageEvent]
	onRoomCreated registry[RoomCreatedEvent]
	onReconnected registry[struct{}]
	onState       registry[StateEvent]
}

// emit calls handlers in registration order on the calling goroutine.
func emit[T any](logger *slog.Logger, kind string, r *registry[T], v T) {
	for _, h := range r.handlers() {
		func() {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("handler panicked", "event", kind, "panic", p)
				}
			}()
			h(v)
		}()
	}
}

func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	switch env.Type {
	case eventMessageReceived:
		var ev MessageEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			d.logger.Warn("dropping malformed event", "type", env.Type, "error", err)
			return
		}
		emit(d.logger, env.Type, &d.onMessage, ev)
	case eventRoomCreated:
		var ev RoomCreatedEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			d.logger.Warn("dropping malformed event", "type", env.Type, "error", err)
			return
		}
		emit(d.logger, env.Type, &d.onRoomCreated, ev)
	case eventError:
		var p errorPayload
		_ = json.Unmarshal(env.Payload, &p)
		d.logger.Warn("server reported error", "message", p.Message)
	default:
		d.logger.Debug("ignoring event", "type", env.Type)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// stableAfter is how long a connection must last to earn a fresh reconnect
// budget.
const stableAfter = 60 * time.Second

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
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// refresh restores the attempt budget once a connection has stayed up for
// stableAfter, and ends the current connection's uptime.
func (r *reconnector) refresh() {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > stableAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
}

func (r *reconnector) nextDelay() time.Duration {
	r.refresh()
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

// RealtimeClient is a WebSocket push channel with auto-reconnect and
// heartbeat.
type RealtimeClient struct {
	baseURL    string
	config     *RealtimeConfig
	logger     *slog.Logger
	dispatcher *eventDispatcher

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnectionState
	intentionalClose bool
	recon            *reconnector
	sessionCancel    context.CancelFunc
	connCancel       context.CancelFunc

	pendingMu    sync.Mutex
	pendingPings map[string]chan struct{}
}

var _ Channel = (*RealtimeClient)(nil)

// NewRealtimeClient creates a push channel for the server at baseURL
// (http or https; the scheme is mapped to ws or wss).
func NewRealtimeClient(baseURL string, config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       &cfg,
		logger:       cfg.Logger,
		dispatcher:   &eventDispatcher{logger: cfg.Logger},
		state:        StateDisconnected,
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan struct{}),
	}
}

func (ws *RealtimeClient) OnMessage(key string, h func(MessageEvent)) Subscription {
	return ws.dispatcher.onMessage.add(key, h)
}

func (ws *RealtimeClient) OnRoomCreated(key string, h func(RoomCreatedEvent)) Subscription {
	return ws.dispatcher.onRoomCreated.add(key, h)
}

func (ws *RealtimeClient) OnReconnected(key string, h func()) Subscription {
	return ws.dispatcher.onReconnected.add(key, func(struct{}) { h() })
}

// OnStateChange registers a handler for connection state transitions.
func (ws *RealtimeClient) OnStateChange(key string, h func(StateEvent)) Subscription {
	return ws.dispatcher.onState.add(key, h)
}

// State returns the current connection state.
func (ws *RealtimeClient) State() ConnectionState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// URL returns the WebSocket endpoint.
func (ws *RealtimeClient) URL() string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + ws.config.Path
}

// setStateLocked must be called with ws.mu held. The returned func emits the
// transition and must be called after the lock is released.
func (ws *RealtimeClient) setStateLocked(s ConnectionState, err error) func() {
	old := ws.state
	ws.state = s
	if old == s {
		return func() {}
	}
	ev := StateEvent{OldState: old, NewState: s, Err: err}
	return func() { emit(ws.logger, "state", &ws.dispatcher.onState, ev) }
}

// Connect establishes the WebSocket connection. It is a no-op while the
// client is connected, connecting or reconnecting.
func (ws *RealtimeClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	switch ws.state {
	case StateConnected, StateConnecting, StateReconnecting:
		ws.mu.Unlock()
		return nil
	}
	notify := ws.setStateLocked(StateConnecting, nil)
	ws.intentionalClose = false
	ws.recon.reset()
	sessionCtx, cancel := context.WithCancel(context.Background())
	ws.sessionCancel = cancel
	ws.mu.Unlock()
	notify()

	conn, err := ws.dial(ctx)
	if err != nil {
		ws.mu.Lock()
		notify = ws.setStateLocked(StateDisconnected, err)
		ws.sessionCancel = nil
		ws.mu.Unlock()
		notify()
		cancel()
		return err
	}
	if !ws.attach(sessionCtx, conn) {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return &ConnectionError{Op: "connect", Err: context.Canceled}
	}
	ws.logger.Info("realtime connected", "url", ws.URL())
	return nil
}

func (ws *RealtimeClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, ws.config.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if ws.config.Token != "" {
		header.Set("Authorization", "Bearer "+ws.config.Token)
	}
	conn, _, err := websocket.Dial(dialCtx, ws.URL(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}
	return conn, nil
}

// attach installs conn and starts its loops. It reports false when the
// session was torn down while dialing.
func (ws *RealtimeClient) attach(sessionCtx context.Context, conn *websocket.Conn) bool {
	ws.mu.Lock()
	if ws.intentionalClose || sessionCtx.Err() != nil {
		ws.mu.Unlock()
		return false
	}
	connCtx, cancel := context.WithCancel(sessionCtx)
	ws.conn = conn
	ws.connCancel = cancel
	ws.recon.markConnected()
	notify := ws.setStateLocked(StateConnected, nil)
	ws.mu.Unlock()
	notify()

	go ws.readLoop(connCtx, sessionCtx, conn)
	go ws.heartbeatLoop(connCtx, conn)
	return true
}

// Disconnect closes the connection and stops reconnection. It is safe to
// call when already disconnected.
func (ws *RealtimeClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.sessionCancel != nil {
		ws.sessionCancel()
		ws.sessionCancel = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.connCancel = nil
	notify := ws.setStateLocked(StateDisconnected, nil)
	ws.mu.Unlock()
	notify()

	ws.clearPendingPings()

	if conn == nil {
		return nil
	}
	if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil && !isExpectedClose(err) {
		return &ConnectionError{Op: "close", Err: err}
	}
	return nil
}

// JoinRoom subscribes the connection to a room's events.
func (ws *RealtimeClient) JoinRoom(ctx context.Context, roomID ID) error {
	return ws.Send(ctx, commandJoinRoom, roomPayload{RoomID: roomID})
}

// LeaveRoom unsubscribes the connection from a room's events.
func (ws *RealtimeClient) LeaveRoom(ctx context.Context, roomID ID) error {
	return ws.Send(ctx, commandLeaveRoom, roomPayload{RoomID: roomID})
}

// Send writes a raw command.
func (ws *RealtimeClient) Send(ctx context.Context, cmdType string, payload any) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return &NotConnectedError{Op: cmdType}
	}
	if err := wsjson.Write(ctx, conn, RealtimeCommand{Type: cmdType, Payload: payload}); err != nil {
		return &ConnectionError{Op: cmdType, Err: err}
	}
	return nil
}

// Ping sends a ping and waits for the matching pong.
func (ws *RealtimeClient) Ping(ctx context.Context) error {
	requestID := uuid.NewString()
	ch := make(chan struct{}, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	defer func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}()

	if err := ws.Send(ctx, commandPing, pingPayload{RequestID: requestID}); err != nil {
		return err
	}

	timer := time.NewTimer(ws.config.PongTimeout)
	defer timer.Stop()
	select {
	case _, ok := <-ch:
		if !ok {
			return &NotConnectedError{Op: commandPing}
		}
		return nil
	case <-timer.C:
		return &ConnectionError{Op: commandPing, Err: errors.New("pong timeout")}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ws *RealtimeClient) readLoop(ctx, sessionCtx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.handleDrop(sessionCtx, conn, err)
			return
		}

		var env RealtimeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			ws.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		if env.Type == eventPong {
			ws.resolvePing(env.Payload)
			continue
		}
		ws.dispatcher.dispatch(env)
	}
}

func (ws *RealtimeClient) resolvePing(payload json.RawMessage) {
	var p pingPayload
	if json.Unmarshal(payload, &p) != nil || p.RequestID == "" {
		return
	}
	ws.pendingMu.Lock()
	ch, ok := ws.pendingPings[p.RequestID]
	if ok {
		delete(ws.pendingPings, p.RequestID)
	}
	ws.pendingMu.Unlock()
	if ok {
		ch <- struct{}{}
	}
}

func (ws *RealtimeClient) handleDrop(sessionCtx context.Context, conn *websocket.Conn, err error) {
	ws.mu.Lock()
	if ws.intentionalClose || ws.conn != conn {
		ws.mu.Unlock()
		return
	}
	ws.conn = nil
	if ws.connCancel != nil {
		ws.connCancel()
		ws.connCancel = nil
	}
	ws.recon.refresh()
	reconnect := ws.config.AutoReconnect && ws.recon.shouldReconnect()
	next := StateDisconnected
	if reconnect {
		next = StateReconnecting
	}
	dropErr := &ConnectionError{Op: "read", Err: err}
	notify := ws.setStateLocked(next, dropErr)
	ws.mu.Unlock()
	notify()

	_ = conn.Close(websocket.StatusGoingAway, "connection lost")
	ws.logger.Warn("realtime connection lost", "error", err, "reconnect", reconnect)

	if reconnect {
		go ws.reconnectLoop(sessionCtx)
	} else {
		ws.mu.Lock()
		if ws.sessionCancel != nil {
			ws.sessionCancel()
			ws.sessionCancel = nil
		}
		ws.mu.Unlock()
	}
}

func (ws *RealtimeClient) reconnectLoop(sessionCtx context.Context) {
	for {
		ws.mu.Lock()
		if !ws.recon.shouldReconnect() {
			ws.mu.Unlock()
			break
		}
		delay := ws.recon.nextDelay()
		attempt := ws.recon.attempt
		ws.mu.Unlock()

		ws.logger.Info("realtime reconnecting", "attempt", attempt, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-sessionCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := ws.dial(sessionCtx)
		if err != nil {
			ws.logger.Warn("realtime reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		if !ws.attach(sessionCtx, conn) {
			_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
			return
		}
		ws.logger.Info("realtime reconnected", "attempt", attempt)
		emit(ws.logger, "reconnected", &ws.dispatcher.onReconnected, struct{}{})
		return
	}

	ws.mu.Lock()
	var notify func()
	if ws.state == StateReconnecting {
		notify = ws.setStateLocked(StateDisconnected, &ConnectionError{Op: "reconnect", Err: errors.New("attempts exhausted")})
	}
	if ws.sessionCancel != nil {
		ws.sessionCancel()
		ws.sessionCancel = nil
	}
	ws.mu.Unlock()
	if notify != nil {
		notify()
	}
	ws.logger.Error("realtime reconnect gave up")
}

func (ws *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Closing makes the read loop observe the failure and reconnect.
				ws.logger.Warn("heartbeat failed", "error", err)
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *RealtimeClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

func isExpectedClose(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return strings.Contains(err.Error(), "already wrote close")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
