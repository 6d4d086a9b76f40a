package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/playtrade/marketchat/internal/metrics"
	"github.com/playtrade/marketchat/internal/protocol"
	"github.com/playtrade/marketchat/internal/rest"
)

// Role is the viewer's marketplace role. It parameterizes which affordances a
// conversation view may offer; it is not an authorization mechanism — the
// backend enforces permissions on its side.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// Session is the per-login chat synchronizer shared by every open
// conversation view: order chat, ticket chat, and admin chat all consume the
// same instance, parameterized only by conversation id and role. It routes
// incoming socket events and REST responses into one message store, replays
// room joins across reconnects, and falls back to the REST send path when the
// socket is down.
type Session struct {
	conn   *ConnManager
	api    *rest.Client
	store  *MessageStore
	rooms  *RoomTracker
	typing *TypingCoordinator
	role   Role

	onUpdate func(conversationID string)
}

// NewSession assembles a synchronizer over an already-constructed connection
// manager and REST client (both carry the session token from construction).
// Register an update callback with OnUpdate before opening conversations.
func NewSession(conn *ConnManager, api *rest.Client, typingCfg TypingConfig, role Role) *Session {
	s := &Session{
		conn:  conn,
		api:   api,
		store: NewMessageStore(),
		rooms: NewRoomTracker(),
		role:  role,
	}

	s.typing = NewTypingCoordinator(typingCfg,
		s.broadcastTyping,
		func(conversationID string) { s.notifyUpdate(conversationID) },
	)
	s.store.SetNotify(func(conversationID string) { s.notifyUpdate(conversationID) })

	conn.On(protocol.TypeNewMessage, s.handleNewMessage)
	conn.On(protocol.TypeUserTyping, s.handleUserTyping)
	conn.On(protocol.TypeError, func(raw json.RawMessage) {
		var e protocol.ErrorEvent
		if err := json.Unmarshal(raw, &e); err == nil {
			log.Printf("chatsync: server error code=%s: %s", e.Code, e.Message)
		}
	})
	conn.OnState(s.handleStateChange)

	return s
}

// OnUpdate registers a callback invoked whenever a conversation's rendered
// state (messages or typing indicators) may have changed. The callback runs
// on synchronizer goroutines and must not block.
func (s *Session) OnUpdate(fn func(conversationID string)) {
	s.onUpdate = fn
}

// Open ensures the socket is live, joins the conversation's room, and
// backfills history over REST. A failed dial is not fatal: the join intent is
// queued for the reconnect and sends fall back to REST. A backfill failure is
// returned so the view can surface an inline error; the store keeps its last
// known snapshot.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	if err := s.conn.Connect(ctx); err != nil {
		log.Printf("chatsync: open %s: socket unavailable: %v", conversationID, err)
	}

	s.joinRoom(conversationID)

	msgs, err := s.api.History(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("chatsync: backfill %s: %w", conversationID, err)
	}
	metrics.MessagesIngested.WithLabelValues("rest").Add(float64(len(msgs)))
	s.store.IngestAll(conversationID, msgs)
	return nil
}

// OpenOrder resolves an order id to its canonical conversation id, then opens
// that conversation. All further operations must use the returned id: the
// order-id form is only an entry point, never a second name for the room.
func (s *Session) OpenOrder(ctx context.Context, orderID string) (string, error) {
	if err := s.conn.Connect(ctx); err != nil {
		log.Printf("chatsync: open order %s: socket unavailable: %v", orderID, err)
	}

	conversationID, msgs, err := s.api.HistoryByOrder(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("chatsync: backfill order %s: %w", orderID, err)
	}

	s.joinRoom(conversationID)
	metrics.MessagesIngested.WithLabelValues("rest").Add(float64(len(msgs)))
	s.store.IngestAll(conversationID, msgs)
	return conversationID, nil
}

// Leave exits the conversation's room and clears its typing state. Safe to
// call on an unjoined conversation. The message snapshot is retained so
// reopening the view renders instantly.
func (s *Session) Leave(conversationID string) {
	if s.rooms.Leave(conversationID) {
		evt := protocol.LeaveChatEvent{Type: protocol.TypeLeaveChat, ConversationID: conversationID}
		if err := s.conn.Send(evt); err != nil && err != ErrNotConnected {
			log.Printf("chatsync: leave %s: %v", conversationID, err)
		}
	}
	s.typing.ClearConversation(conversationID)
}

// Send delivers one outgoing message, socket first with REST fallback. The
// message is appended optimistically before any confirmation; the
// authoritative copy (socket echo or REST response) replaces it via the
// clientRef correlation id. On total failure the optimistic entry is marked
// failed — never silently dropped — and the error is returned so the view
// can offer a retry.
func (s *Session) Send(ctx context.Context, conversationID, content string, isSystemMessage bool) error {
	ref := uuid.New().String()
	local := Message{
		ID:              "local:" + ref,
		ConversationID:  conversationID,
		SenderID:        s.conn.UserID(),
		Content:         content,
		Timestamp:       time.Now(),
		IsSystemMessage: isSystemMessage,
		ClientRef:       ref,
		Status:          StatusSending,
	}
	s.store.Append(local)

	// Sending a message ends the local typing burst immediately.
	s.typing.NotifyLocal(conversationID, false)

	if s.conn.IsConnected() {
		evt := protocol.SendMessageEvent{
			Type:            protocol.TypeSendMessage,
			ConversationID:  conversationID,
			Content:         content,
			IsSystemMessage: isSystemMessage,
			ClientRef:       ref,
		}
		if err := s.conn.Send(evt); err == nil {
			metrics.MessagesSent.WithLabelValues("socket").Inc()
			return nil
		}
		// A write error at this point means the socket died under us; take
		// the REST path like any other disconnected send.
	}

	msg, err := s.api.Send(ctx, conversationID, rest.SendRequest{
		Content:         content,
		IsSystemMessage: isSystemMessage,
		ClientRef:       ref,
	})
	if err != nil {
		s.store.MarkFailed(conversationID, local.ID)
		metrics.SendFailures.Inc()
		return fmt.Errorf("chatsync: send %s: %w", conversationID, err)
	}

	metrics.MessagesSent.WithLabelValues("rest").Inc()
	metrics.MessagesIngested.WithLabelValues("rest").Inc()
	s.store.Ingest(msg)
	return nil
}

// NotifyTyping reports local input activity in a conversation; broadcasts are
// debounced by the typing coordinator. Activity in unjoined conversations is
// ignored.
func (s *Session) NotifyTyping(conversationID string, isTyping bool) {
	if !s.rooms.Joined(conversationID) {
		return
	}
	s.typing.NotifyLocal(conversationID, isTyping)
}

// Snapshot returns the conversation's current ordered message list.
func (s *Session) Snapshot(conversationID string) []Message {
	return s.store.Snapshot(conversationID)
}

// RemoteTyping returns the user IDs currently typing in the conversation.
func (s *Session) RemoteTyping(conversationID string) []string {
	return s.typing.RemoteTyping(conversationID)
}

// State returns the connection state for rendering the offline badge.
func (s *Session) State() ConnState {
	return s.conn.State()
}

// OnConnState registers a subscriber for connection state changes.
func (s *Session) OnConnState(fn func(ConnState)) {
	s.conn.OnState(fn)
}

// CanSendSystemMessages reports whether the view may offer the system-message
// affordance. Only privileged roles see it; the backend independently
// enforces the permission.
func (s *Session) CanSendSystemMessages() bool {
	return s.role == RoleAdmin
}

// Close tears down the socket. Room membership and snapshots remain in
// memory; a later Open re-establishes everything.
func (s *Session) Close() error {
	return s.conn.Close()
}

// ---------------------------------------------------------------------------
// Internal plumbing
// ---------------------------------------------------------------------------

// joinRoom applies the idempotent-join rules and emits the join event when
// the tracker says the wire needs one.
func (s *Session) joinRoom(conversationID string) {
	if !s.rooms.Join(conversationID, s.conn.IsConnected()) {
		return
	}
	evt := protocol.JoinChatEvent{Type: protocol.TypeJoinChat, ConversationID: conversationID}
	if err := s.conn.Send(evt); err != nil {
		// The connection dropped between the check and the write; the room is
		// re-joined by the reconnect replay.
		log.Printf("chatsync: join %s deferred: %v", conversationID, err)
	}
}

// handleNewMessage ingests a pushed message if its room is joined. Events for
// unjoined rooms are ignored, not queued.
func (s *Session) handleNewMessage(raw json.RawMessage) {
	var evt protocol.NewMessageEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		log.Printf("chatsync: bad newMessage event: %v", err)
		return
	}
	if !s.rooms.Joined(evt.ConversationID) {
		return
	}
	metrics.MessagesIngested.WithLabelValues("socket").Inc()
	s.store.Ingest(evt.Message)
}

// handleUserTyping updates remote typing state for joined rooms. The local
// user's own echo is filtered out.
func (s *Session) handleUserTyping(raw json.RawMessage) {
	var evt protocol.UserTypingEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		log.Printf("chatsync: bad userTyping event: %v", err)
		return
	}
	if !s.rooms.Joined(evt.ConversationID) || evt.UserID == s.conn.UserID() {
		return
	}
	s.typing.SetRemote(evt.ConversationID, evt.UserID, evt.IsTyping)
}

// handleStateChange replays room joins after every successful (re)connect:
// the server may have dropped room subscriptions across the reconnect, and
// queued join intents from before the handshake are flushed here.
func (s *Session) handleStateChange(state ConnState) {
	if state != StateConnected {
		return
	}
	for _, conversationID := range s.rooms.ReplayOnConnect() {
		evt := protocol.JoinChatEvent{Type: protocol.TypeJoinChat, ConversationID: conversationID}
		if err := s.conn.Send(evt); err != nil {
			log.Printf("chatsync: rejoin %s: %v", conversationID, err)
		}
	}
}

// broadcastTyping is the typing coordinator's emit hook. Typing indicators
// are best-effort: they are not worth a REST fallback, so a down socket
// simply drops them.
func (s *Session) broadcastTyping(conversationID string, isTyping bool) {
	evt := protocol.TypingEvent{
		Type:           protocol.TypeTyping,
		ConversationID: conversationID,
		IsTyping:       isTyping,
	}
	if err := s.conn.Send(evt); err != nil && err != ErrNotConnected {
		log.Printf("chatsync: typing broadcast %s: %v", conversationID, err)
	}
}

func (s *Session) notifyUpdate(conversationID string) {
	if s.onUpdate != nil {
		s.onUpdate(conversationID)
	}
}
