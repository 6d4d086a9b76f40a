package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/playtrade/marketchat/internal/metrics"
	"github.com/playtrade/marketchat/internal/protocol"
)

// ConnState is the observable state of the shared WebSocket connection.
type ConnState int

const (
	// StateDisconnected is the initial state, and the transient state seen
	// between a drop and a successful reconnect attempt.
	StateDisconnected ConnState = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means the handshake succeeded and the read loop is live.
	StateConnected
	// StateOffline means every bounded reconnect attempt failed. The manager
	// stays offline until the caller explicitly connects again.
	StateOffline
)

// String returns the lowercase state name for logs and UI badges.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateOffline:
		return "offline"
	default:
		return "disconnected"
	}
}

// ErrNotConnected is returned by Send when no live socket is available. The
// delivery fallback policy reacts to it by taking the REST path.
var ErrNotConnected = errors.New("chatsync: socket not connected")

// ConnConfig holds connection and reconnect tuning parameters.
type ConnConfig struct {
	URL         string        // WebSocket endpoint, e.g. "ws://localhost:8080/ws"
	DialTimeout time.Duration // per-attempt dial timeout
	MaxRetries  int           // reconnect attempts after a drop before going offline
	BaseDelay   time.Duration // first reconnect delay; doubles per attempt
	MaxDelay    time.Duration // backoff cap
}

// DefaultConnConfig returns the documented production constants: five
// reconnect attempts with exponential backoff from 1s, capped at 30s.
func DefaultConnConfig(wsURL string) ConnConfig {
	return ConnConfig{
		URL:         wsURL,
		DialTimeout: 5 * time.Second,
		MaxRetries:  5,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Transport abstracts the real-time channel so the synchronizer can be tested
// without a network. The production implementation dials gobwas/ws.
type Transport interface {
	Dial(ctx context.Context, rawURL, token string) (TransportConn, error)
}

// TransportConn is one established bidirectional connection. WriteMessage
// must be safe for concurrent use.
type TransportConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// ConnManager owns the single live socket connection shared by every open
// conversation view: the authentication handshake, the read loop, and the
// bounded-backoff reconnect policy. The session token is injected once at
// construction and appended to the dial URL; it is never read from ambient
// state.
type ConnManager struct {
	cfg       ConnConfig
	token     string
	transport Transport

	mu        sync.Mutex
	state     ConnState
	conn      TransportConn
	gen       int // connection generation; stale read loops check it and exit
	closed    bool
	sessionID string
	userID    string

	handlers  map[string]func(json.RawMessage)
	stateSubs []func(ConnState)
}

// NewConnManager creates a manager for the given endpoint and session token.
// A nil transport selects the production gobwas/ws transport.
func NewConnManager(cfg ConnConfig, token string, transport Transport) *ConnManager {
	if transport == nil {
		transport = wsTransport{}
	}
	return &ConnManager{
		cfg:       cfg,
		token:     token,
		transport: transport,
		handlers:  make(map[string]func(json.RawMessage)),
	}
}

// On registers a handler for a server event type. Handlers are invoked from
// the read loop goroutine and should not block. Only one handler per type;
// registering a second replaces the first. Must be called before Connect.
func (cm *ConnManager) On(evtType string, handler func(json.RawMessage)) {
	cm.mu.Lock()
	cm.handlers[evtType] = handler
	cm.mu.Unlock()
}

// OnState registers a subscriber for connection state changes. Subscribers
// are invoked in registration order, outside the manager's lock.
func (cm *ConnManager) OnState(fn func(ConnState)) {
	cm.mu.Lock()
	cm.stateSubs = append(cm.stateSubs, fn)
	cm.mu.Unlock()
}

// Connect opens the socket if it is not already open. Calling Connect while
// Connected is a no-op. A dial failure is returned to the caller without
// starting the reconnect loop; automatic reconnects only follow drops of an
// established connection.
func (cm *ConnManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.state == StateConnected || cm.state == StateConnecting {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = false
	subs := cm.setStateLocked(StateConnecting)
	cm.mu.Unlock()
	notify(subs, StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, cm.cfg.DialTimeout)
	conn, err := cm.transport.Dial(dialCtx, cm.cfg.URL, cm.token)
	cancel()
	if err != nil {
		cm.mu.Lock()
		subs = cm.setStateLocked(StateDisconnected)
		cm.mu.Unlock()
		notify(subs, StateDisconnected)
		return fmt.Errorf("chatsync: connect: %w", err)
	}

	cm.install(conn)
	metrics.SocketConnects.WithLabelValues("initial").Inc()
	return nil
}

// install adopts a freshly-dialed connection, moves to Connected, and starts
// its read loop.
func (cm *ConnManager) install(conn TransportConn) {
	cm.mu.Lock()
	cm.conn = conn
	cm.gen++
	gen := cm.gen
	subs := cm.setStateLocked(StateConnected)
	cm.mu.Unlock()

	go cm.readLoop(conn, gen)
	notify(subs, StateConnected)
}

// Send marshals v and writes it as one text frame. It returns
// ErrNotConnected when no live socket is available.
func (cm *ConnManager) Send(v interface{}) error {
	cm.mu.Lock()
	conn := cm.conn
	connected := cm.state == StateConnected
	cm.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("chatsync: marshal: %w", err)
	}
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("chatsync: write: %w", err)
	}
	return nil
}

// IsConnected reports whether the socket is live.
func (cm *ConnManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state == StateConnected
}

// State returns the current connection state.
func (cm *ConnManager) State() ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// SessionID returns the server-assigned session ID, or empty before the
// handshake completes.
func (cm *ConnManager) SessionID() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.sessionID
}

// UserID returns the authenticated user ID resolved by the server, or empty
// before the handshake completes.
func (cm *ConnManager) UserID() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.userID
}

// Close tears the connection down intentionally. No reconnect is attempted;
// the state moves to Disconnected. Safe to call multiple times.
func (cm *ConnManager) Close() error {
	cm.mu.Lock()
	cm.closed = true
	conn := cm.conn
	cm.conn = nil
	cm.gen++
	subs := cm.setStateLocked(StateDisconnected)
	cm.mu.Unlock()
	notify(subs, StateDisconnected)

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// readLoop reads frames until the connection drops or is superseded, and
// dispatches events to registered handlers.
func (cm *ConnManager) readLoop(conn TransportConn, gen int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			cm.mu.Lock()
			stale := cm.gen != gen || cm.closed
			cm.mu.Unlock()
			if !stale {
				cm.handleDrop(gen)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("chatsync: discarding malformed frame: %v", err)
			continue
		}

		// The handshake ack is handled internally so UserID/SessionID are
		// available to callers; it is also dispatched like any other event.
		if env.Type == protocol.TypeSessionReady {
			var ready protocol.SessionReadyEvent
			if err := json.Unmarshal(env.Raw, &ready); err == nil {
				cm.mu.Lock()
				cm.sessionID = ready.SessionID
				cm.userID = ready.UserID
				cm.mu.Unlock()
			}
		}

		cm.mu.Lock()
		handler := cm.handlers[env.Type]
		cm.mu.Unlock()
		if handler != nil {
			handler(env.Raw)
		}
	}
}

// handleDrop runs the bounded reconnect policy after a live connection is
// lost: up to MaxRetries dials with exponential backoff, then Offline.
func (cm *ConnManager) handleDrop(gen int) {
	cm.mu.Lock()
	if cm.gen != gen || cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.conn = nil
	cm.gen++
	gen = cm.gen
	subs := cm.setStateLocked(StateDisconnected)
	cm.mu.Unlock()
	notify(subs, StateDisconnected)

	log.Printf("chatsync: connection lost, reconnecting (max %d attempts)", cm.cfg.MaxRetries)

	delay := cm.cfg.BaseDelay
	for attempt := 1; attempt <= cm.cfg.MaxRetries; attempt++ {
		time.Sleep(delay)
		if delay *= 2; delay > cm.cfg.MaxDelay {
			delay = cm.cfg.MaxDelay
		}

		cm.mu.Lock()
		if cm.gen != gen || cm.closed {
			cm.mu.Unlock()
			return
		}
		cm.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(context.Background(), cm.cfg.DialTimeout)
		conn, err := cm.transport.Dial(dialCtx, cm.cfg.URL, cm.token)
		cancel()
		if err != nil {
			metrics.ReconnectFailures.Inc()
			log.Printf("chatsync: reconnect attempt %d/%d failed: %v", attempt, cm.cfg.MaxRetries, err)
			continue
		}

		cm.install(conn)
		metrics.SocketConnects.WithLabelValues("reconnect").Inc()
		log.Printf("chatsync: reconnected on attempt %d", attempt)
		return
	}

	cm.mu.Lock()
	subs = cm.setStateLocked(StateOffline)
	cm.mu.Unlock()
	notify(subs, StateOffline)
	log.Printf("chatsync: reconnect attempts exhausted, now offline")
}

// setStateLocked updates the state and returns the subscribers to notify.
// Caller must hold cm.mu and invoke the returned functions after unlocking:
// subscribers call back into the manager (e.g. to replay room joins over
// Send), and notifying in the caller's goroutine keeps state changes ordered.
func (cm *ConnManager) setStateLocked(s ConnState) []func(ConnState) {
	if cm.state == s {
		return nil
	}
	cm.state = s
	subs := make([]func(ConnState), len(cm.stateSubs))
	copy(subs, cm.stateSubs)
	return subs
}

// notify invokes state subscribers in registration order.
func notify(subs []func(ConnState), s ConnState) {
	for _, fn := range subs {
		fn(s)
	}
}

// ---------------------------------------------------------------------------
// gobwas/ws transport
// ---------------------------------------------------------------------------

// wsTransport is the production Transport backed by gobwas/ws.
type wsTransport struct{}

// Dial opens a WebSocket connection with the session token passed once as a
// query parameter, per the backend's connect-time authentication contract.
func (wsTransport) Dial(ctx context.Context, rawURL, token string) (TransportConn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

// wsConn wraps a gobwas/ws client connection with a write mutex so that
// concurrent senders do not interleave frame bytes.
type wsConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	return wsutil.ReadServerText(c.conn)
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
