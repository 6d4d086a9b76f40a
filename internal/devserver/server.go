package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/playtrade/marketchat/internal/history"
	"github.com/playtrade/marketchat/internal/messaging"
	"github.com/playtrade/marketchat/internal/metrics"
	"github.com/playtrade/marketchat/internal/presence"
	"github.com/playtrade/marketchat/internal/protocol"
	"github.com/playtrade/marketchat/internal/ratelimit"
)

// Config holds tunable parameters for the dev backend.
type Config struct {
	ListenAddr     string // address to listen on, e.g. ":8080"
	MaxConnections int    // hard cap on total WebSocket connections
}

// DefaultConfig returns defaults suitable for local development.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		MaxConnections: 1000,
	}
}

// client is one connected WebSocket session with a write mutex serializing
// outbound frames.
type client struct {
	sessionID string
	identity  Identity
	conn      net.Conn
	writeMu   sync.Mutex
}

// write sends one WebSocket text frame to this client.
func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

// Server is the dev chat backend: WebSocket event channel, REST chat API,
// Postgres-backed history, Redis presence and rate limiting, and NATS room
// fan-out so several instances can share the same conversations.
type Server struct {
	cfg      Config
	history  *history.Store
	presence *presence.Store
	nats     *messaging.NATSClient
	limiter  *ratelimit.Limiter

	mu      sync.Mutex // guards clients
	clients map[string]*client
	rooms   *roomRegistry

	httpServer *http.Server
	startedAt  time.Time
}

// NewServer assembles a dev backend over its stores and fan-out client.
func NewServer(cfg Config, hist *history.Store, pres *presence.Store, natsClient *messaging.NATSClient, limiter *ratelimit.Limiter) *Server {
	return &Server{
		cfg:      cfg,
		history:  hist,
		presence: pres,
		nats:     natsClient,
		limiter:  limiter,
		clients:  make(map[string]*client),
		rooms:    newRoomRegistry(),
	}
}

// Start begins serving and blocks until the HTTP server exits.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleUpgrade)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	s.registerREST(mux)

	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: mux,
	}

	log.Printf("devserver: listening on %s (max_conns=%d)", s.cfg.ListenAddr, s.cfg.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("devserver: http server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and closes every live socket.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	return err
}

// handleUpgrade authenticates the connect-time token, upgrades to WebSocket,
// and starts the session's read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	identity, err := ParseToken(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	allowed, _ := s.limiter.Allow(ctx, identity.UserID, ratelimit.RuleConnect)
	cancel()
	if !allowed {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	s.mu.Lock()
	full := len(s.clients) >= s.cfg.MaxConnections
	s.mu.Unlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("devserver: upgrade failed: %v", err)
		return
	}

	c := &client{
		sessionID: uuid.New().String(),
		identity:  identity,
		conn:      conn,
	}

	s.mu.Lock()
	s.clients[c.sessionID] = c
	total := len(s.clients)
	s.mu.Unlock()
	metrics.ServerConnections.Inc()

	pctx, pcancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := s.presence.Create(pctx, c.sessionID, identity.UserID); err != nil {
		log.Printf("devserver: presence create for %s: %v", c.sessionID, err)
	}
	pcancel()

	ready, err := protocol.NewServerEvent(protocol.TypeSessionReady, protocol.SessionReadyEvent{
		SessionID: c.sessionID,
		UserID:    identity.UserID,
	})
	if err == nil {
		if err := c.write(ready); err != nil {
			log.Printf("devserver: sessionReady write for %s: %v", c.sessionID, err)
		}
	}

	log.Printf("devserver: new connection session=%s user=%s (total=%d)", c.sessionID, identity.UserID, total)

	go s.readLoop(c)
}

// readLoop reads client frames until the connection drops and dispatches
// them. Runs on its own goroutine per connection; the dev backend trades the
// production epoll machinery for simplicity.
func (s *Server) readLoop(c *client) {
	defer s.cleanup(c)

	for {
		data, err := wsutil.ReadClientText(c.conn)
		if err != nil {
			return
		}

		evtType, evt, err := protocol.ParseClientEvent(data)
		if err != nil {
			log.Printf("devserver: session=%s bad event: %v", c.sessionID, err)
			s.sendError(c, "bad_event", "malformed event")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		switch e := evt.(type) {
		case protocol.JoinChatEvent:
			s.handleJoin(ctx, c, e.ConversationID)
		case protocol.LeaveChatEvent:
			s.handleLeave(ctx, c, e.ConversationID)
		case protocol.SendMessageEvent:
			s.handleSend(ctx, c, e)
		case protocol.TypingEvent:
			s.handleTyping(ctx, c, e)
		default:
			s.sendError(c, "bad_event", "unsupported event type "+evtType)
		}
		cancel()

		if err := s.presence.Touch(context.Background(), c.sessionID); err != nil {
			log.Printf("devserver: presence touch for %s: %v", c.sessionID, err)
		}
	}
}

// handleJoin adds the session to a room. The first local member of a room
// subscribes this instance to the room's NATS subject.
func (s *Server) handleJoin(ctx context.Context, c *client, conversationID string) {
	if conversationID == "" {
		s.sendError(c, "bad_event", "missing conversationId")
		return
	}

	if s.rooms.join(c.sessionID, conversationID) {
		convID := conversationID
		if err := s.nats.SubscribeChat(convID, func(data []byte) {
			s.deliver(convID, data)
		}); err != nil {
			log.Printf("devserver: subscribe %s: %v", convID, err)
		}
	}
	if err := s.presence.JoinRoom(ctx, c.sessionID, conversationID); err != nil {
		log.Printf("devserver: presence join for %s: %v", c.sessionID, err)
	}
	log.Printf("devserver: session=%s joined %s", c.sessionID, conversationID)
}

// handleLeave removes the session from a room, dropping the NATS
// subscription when the last local member is gone.
func (s *Server) handleLeave(ctx context.Context, c *client, conversationID string) {
	if s.rooms.leave(c.sessionID, conversationID) {
		if err := s.nats.UnsubscribeChat(conversationID); err != nil {
			log.Printf("devserver: unsubscribe %s: %v", conversationID, err)
		}
	}
	if err := s.presence.LeaveRoom(ctx, c.sessionID, conversationID); err != nil {
		log.Printf("devserver: presence leave for %s: %v", c.sessionID, err)
	}
	log.Printf("devserver: session=%s left %s", c.sessionID, conversationID)
}

// handleSend stores the message and fans it out to every room member,
// including the sender, whose client reconciles its optimistic copy via the
// echoed clientRef.
func (s *Server) handleSend(ctx context.Context, c *client, e protocol.SendMessageEvent) {
	if err := ValidateContent(e.Content); err != nil {
		s.sendError(c, "invalid_message", err.Error())
		return
	}

	allowed, _ := s.limiter.Allow(ctx, c.sessionID, ratelimit.RuleMessage)
	if !allowed {
		s.sendError(c, "rate_limited", "too many messages")
		return
	}

	// System messages are an admin privilege; the flag is dropped for
	// everyone else regardless of what the client claims.
	isSystem := e.IsSystemMessage && c.identity.Admin

	msg := protocol.Message{
		ID:              uuid.New().String(),
		ConversationID:  e.ConversationID,
		SenderID:        c.identity.UserID,
		SenderName:      c.identity.UserID,
		Content:         e.Content,
		Timestamp:       time.Now().UTC(),
		IsSystemMessage: isSystem,
		ClientRef:       e.ClientRef,
	}

	if err := s.history.Insert(ctx, msg); err != nil {
		log.Printf("devserver: store message in %s: %v", e.ConversationID, err)
		s.sendError(c, "storage", "message could not be stored")
		return
	}
	metrics.ServerMessages.WithLabelValues("socket").Inc()

	s.publishNewMessage(msg)
}

// handleTyping fans a typing indicator out to the room. Not persisted.
func (s *Server) handleTyping(ctx context.Context, c *client, e protocol.TypingEvent) {
	allowed, _ := s.limiter.Allow(ctx, c.sessionID, ratelimit.RuleTyping)
	if !allowed {
		return // silently dropped; typing is best-effort
	}

	data, err := protocol.NewServerEvent(protocol.TypeUserTyping, protocol.UserTypingEvent{
		ConversationID: e.ConversationID,
		UserID:         c.identity.UserID,
		IsTyping:       e.IsTyping,
	})
	if err != nil {
		return
	}
	if err := s.nats.PublishChat(e.ConversationID, data); err != nil {
		log.Printf("devserver: publish typing %s: %v", e.ConversationID, err)
		s.deliver(e.ConversationID, data)
	}
}

// publishNewMessage encodes and publishes a stored message to the room's
// NATS subject. If the publish fails the message is delivered to local
// members directly so a broker hiccup does not hide stored messages.
func (s *Server) publishNewMessage(msg protocol.Message) {
	data, err := protocol.NewServerEvent(protocol.TypeNewMessage, protocol.NewMessageEvent{
		ConversationID: msg.ConversationID,
		Message:        msg,
	})
	if err != nil {
		log.Printf("devserver: encode newMessage: %v", err)
		return
	}
	if err := s.nats.PublishChat(msg.ConversationID, data); err != nil {
		log.Printf("devserver: publish %s: %v", msg.ConversationID, err)
		s.deliver(msg.ConversationID, data)
	}
}

// deliver writes a server event to every local member of a room.
func (s *Server) deliver(conversationID string, data []byte) {
	for _, sessionID := range s.rooms.membersOf(conversationID) {
		s.mu.Lock()
		c := s.clients[sessionID]
		s.mu.Unlock()
		if c == nil {
			continue
		}
		if err := c.write(data); err != nil {
			log.Printf("devserver: deliver to %s: %v", sessionID, err)
		}
	}
}

// sendError sends an error event to one client.
func (s *Server) sendError(c *client, code, message string) {
	data, err := protocol.NewServerEvent(protocol.TypeError, protocol.ErrorEvent{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	if err := c.write(data); err != nil {
		log.Printf("devserver: error write to %s: %v", c.sessionID, err)
	}
}

// cleanup tears a session down: leaves all rooms, drops NATS subscriptions
// for rooms with no local members left, and clears presence.
func (s *Server) cleanup(c *client) {
	c.conn.Close()

	for _, conversationID := range s.rooms.leaveAll(c.sessionID) {
		if err := s.nats.UnsubscribeChat(conversationID); err != nil {
			log.Printf("devserver: unsubscribe %s: %v", conversationID, err)
		}
	}

	s.mu.Lock()
	delete(s.clients, c.sessionID)
	total := len(s.clients)
	s.mu.Unlock()
	metrics.ServerConnections.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := s.presence.Delete(ctx, c.sessionID); err != nil {
		log.Printf("devserver: presence delete for %s: %v", c.sessionID, err)
	}
	cancel()

	log.Printf("devserver: session=%s disconnected (total=%d)", c.sessionID, total)
}

// handleHealth responds with the backend's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	total := len(s.clients)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: total,
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}
