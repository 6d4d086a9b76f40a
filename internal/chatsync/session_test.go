package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/playtrade/marketchat/internal/protocol"
	"github.com/playtrade/marketchat/internal/rest"
)

func newRESTClient(baseURL string) *rest.Client {
	return rest.NewClient(baseURL, "user:u1", nil)
}

// ---------------------------------------------------------------------------
// Fake transport
// ---------------------------------------------------------------------------

// fakeConn is an in-memory TransportConn. Frames pushed with push appear on
// ReadMessage; frames written by the client are recorded.
type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	sent [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.mu.Lock()
	c.sent = append(c.sent, cp)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// push queues a server event for the client's read loop.
func (c *fakeConn) push(t *testing.T, evtType string, payload interface{}) {
	t.Helper()
	data, err := protocol.NewServerEvent(evtType, payload)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	c.in <- data
}

// sentOfType returns the decoded conversation ids of all written frames with
// the given event type.
func (c *fakeConn) sentOfType(evtType string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for _, data := range c.sent {
		var partial struct {
			Type           string `json:"type"`
			ConversationID string `json:"conversationId"`
		}
		if json.Unmarshal(data, &partial) == nil && partial.Type == evtType {
			out = append(out, partial.ConversationID)
		}
	}
	return out
}

// fakeTransport hands out fakeConns and can be told to refuse dials. Each
// successful dial delivers a sessionReady handshake frame, like the real
// backend.
type fakeTransport struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failDial bool
	userID   string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{userID: "u1"}
}

func (ft *fakeTransport) Dial(_ context.Context, _, _ string) (TransportConn, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if ft.failDial {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	ready, _ := protocol.NewServerEvent(protocol.TypeSessionReady, protocol.SessionReadyEvent{
		SessionID: fmt.Sprintf("sess-%d", len(ft.conns)+1),
		UserID:    ft.userID,
	})
	c.in <- ready
	ft.conns = append(ft.conns, c)
	return c, nil
}

func (ft *fakeTransport) setFailDial(fail bool) {
	ft.mu.Lock()
	ft.failDial = fail
	ft.mu.Unlock()
}

func (ft *fakeTransport) conn(i int) *fakeConn {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if i >= len(ft.conns) {
		return nil
	}
	return ft.conns[i]
}

func (ft *fakeTransport) dialCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.conns)
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---------------------------------------------------------------------------
// Test fixtures
// ---------------------------------------------------------------------------

// chatAPIStub is a minimal REST chat API: empty history, and sends that echo
// the clientRef back in a canonical message.
func chatAPIStub(t *testing.T, failSends bool) *httptest.Server {
	t.Helper()
	var seq int
	var mu sync.Mutex

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"messages":[]}`)
		case http.MethodPost:
			if failSends {
				http.Error(w, `{"error":"storage unavailable"}`, http.StatusServiceUnavailable)
				return
			}
			var req struct {
				Content         string `json:"content"`
				IsSystemMessage bool   `json:"isSystemMessage"`
				ClientRef       string `json:"clientRef"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
				return
			}
			mu.Lock()
			seq++
			id := fmt.Sprintf("srv-%d", seq)
			mu.Unlock()
			msg := protocol.Message{
				ID:              id,
				ConversationID:  "c1",
				SenderID:        "u1",
				SenderName:      "alice",
				Content:         req.Content,
				Timestamp:       time.Now(),
				IsSystemMessage: req.IsSystemMessage,
				ClientRef:       req.ClientRef,
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(msg)
		default:
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		}
	}))
}

func testConnConfig() ConnConfig {
	return ConnConfig{
		URL:         "ws://stub/ws",
		DialTimeout: time.Second,
		MaxRetries:  5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
	}
}

func newTestSession(t *testing.T, ft *fakeTransport, apiURL string) *Session {
	t.Helper()
	cm := NewConnManager(testConnConfig(), "user:u1", ft)
	api := newRESTClient(apiURL)
	sess := NewSession(cm, api, DefaultTypingConfig(), RoleBuyer)
	t.Cleanup(func() { sess.Close() })
	return sess
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

// Reconnect rejoin: after a drop and automatic reconnect, every joined room
// receives a fresh join without the caller re-invoking anything.
func TestReconnectRejoinsRooms(t *testing.T) {
	srv := chatAPIStub(t, false)
	defer srv.Close()

	ft := newFakeTransport()
	sess := newTestSession(t, ft, srv.URL)

	ctx := context.Background()
	if err := sess.Open(ctx, "c1"); err != nil {
		t.Fatalf("open c1: %v", err)
	}
	if err := sess.Open(ctx, "c2"); err != nil {
		t.Fatalf("open c2: %v", err)
	}

	first := ft.conn(0)
	waitFor(t, "initial joins", func() bool {
		return len(first.sentOfType(protocol.TypeJoinChat)) == 2
	})

	// Drop the connection; the manager reconnects on its own.
	first.Close()
	waitFor(t, "reconnect", func() bool { return ft.dialCount() == 2 })

	second := ft.conn(1)
	waitFor(t, "rejoins on new connection", func() bool {
		joins := second.sentOfType(protocol.TypeJoinChat)
		return containsAll(joins, "c1", "c2")
	})
}

// Fallback send: with no live socket, send goes over REST and the snapshot
// ends up with exactly one canonical copy of the message.
func TestFallbackSendOverREST(t *testing.T) {
	srv := chatAPIStub(t, false)
	defer srv.Close()

	ft := newFakeTransport()
	ft.setFailDial(true) // never connects
	sess := newTestSession(t, ft, srv.URL)

	ctx := context.Background()
	if err := sess.Open(ctx, "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if sess.State() == StateConnected {
		t.Fatalf("precondition failed: socket should be down")
	}

	if err := sess.Send(ctx, "c1", "hello", false); err != nil {
		t.Fatalf("send: %v", err)
	}

	snap := sess.Snapshot("c1")
	if len(snap) != 1 {
		t.Fatalf("expected exactly 1 message, got %d", len(snap))
	}
	if snap[0].Content != "hello" {
		t.Errorf("expected content %q, got %q", "hello", snap[0].Content)
	}
	if snap[0].Status != StatusSent {
		t.Errorf("expected canonical StatusSent copy, got %v", snap[0].Status)
	}
	if snap[0].ID == "local:"+snap[0].ClientRef {
		t.Errorf("optimistic entry was not replaced by the canonical message")
	}
}

// A REST send failure marks the optimistic entry failed instead of dropping
// it, and returns the error.
func TestFailedSendMarkedNotDropped(t *testing.T) {
	srv := chatAPIStub(t, true)
	defer srv.Close()

	ft := newFakeTransport()
	ft.setFailDial(true)
	sess := newTestSession(t, ft, srv.URL)

	ctx := context.Background()
	if err := sess.Open(ctx, "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := sess.Send(ctx, "c1", "hello", false); err == nil {
		t.Fatalf("expected send error")
	}

	snap := sess.Snapshot("c1")
	if len(snap) != 1 {
		t.Fatalf("expected failed message to remain visible, got %d messages", len(snap))
	}
	if snap[0].Status != StatusFailed {
		t.Errorf("expected StatusFailed, got %v", snap[0].Status)
	}

	// Retry by resubmitting; the failed entry stays, the retry succeeds... or
	// in this stub, fails again, producing a second failed entry.
	sess.Send(ctx, "c1", "hello again", false)
	if got := len(sess.Snapshot("c1")); got != 2 {
		t.Errorf("expected resubmission to append a new entry, got %d", got)
	}
}

// Socket send: the optimistic entry is reconciled by the clientRef echoed in
// the server's newMessage push.
func TestSocketSendReconciledByEcho(t *testing.T) {
	srv := chatAPIStub(t, false)
	defer srv.Close()

	ft := newFakeTransport()
	sess := newTestSession(t, ft, srv.URL)

	ctx := context.Background()
	if err := sess.Open(ctx, "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := sess.Send(ctx, "c1", "hi there", false); err != nil {
		t.Fatalf("send: %v", err)
	}

	snap := sess.Snapshot("c1")
	if len(snap) != 1 || snap[0].Status != StatusSending {
		t.Fatalf("expected one pending optimistic entry, got %+v", snap)
	}
	ref := snap[0].ClientRef

	conn := ft.conn(0)
	conn.push(t, protocol.TypeNewMessage, protocol.NewMessageEvent{
		ConversationID: "c1",
		Message: protocol.Message{
			ID:             "srv-1",
			ConversationID: "c1",
			SenderID:       "u1",
			SenderName:     "alice",
			Content:        "hi there",
			Timestamp:      time.Now(),
			ClientRef:      ref,
		},
	})

	waitFor(t, "echo reconciliation", func() bool {
		snap := sess.Snapshot("c1")
		return len(snap) == 1 && snap[0].ID == "srv-1" && snap[0].Status == StatusSent
	})
}

// Joining before the socket handshake completes queues the intent and flushes
// it on connect.
func TestQueuedJoinFlushedOnConnect(t *testing.T) {
	srv := chatAPIStub(t, false)
	defer srv.Close()

	ft := newFakeTransport()
	ft.setFailDial(true)
	sess := newTestSession(t, ft, srv.URL)

	ctx := context.Background()
	if err := sess.Open(ctx, "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	// The socket comes up on a later explicit connect.
	ft.setFailDial(false)
	if err := sess.conn.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn := ft.conn(0)
	waitFor(t, "queued join flush", func() bool {
		return containsAll(conn.sentOfType(protocol.TypeJoinChat), "c1")
	})
}

// Events for rooms the session never joined are ignored, not queued.
func TestUnjoinedRoomEventsIgnored(t *testing.T) {
	srv := chatAPIStub(t, false)
	defer srv.Close()

	ft := newFakeTransport()
	sess := newTestSession(t, ft, srv.URL)

	ctx := context.Background()
	if err := sess.Open(ctx, "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	conn := ft.conn(0)
	conn.push(t, protocol.TypeNewMessage, protocol.NewMessageEvent{
		ConversationID: "c-other",
		Message: protocol.Message{
			ID:             "m1",
			ConversationID: "c-other",
			Content:        "should not appear",
			Timestamp:      time.Now(),
		},
	})
	conn.push(t, protocol.TypeUserTyping, protocol.UserTypingEvent{
		ConversationID: "c-other",
		UserID:         "u2",
		IsTyping:       true,
	})

	// Deliver a sentinel to the joined room so we know the pushes above have
	// been processed in order.
	conn.push(t, protocol.TypeNewMessage, protocol.NewMessageEvent{
		ConversationID: "c1",
		Message: protocol.Message{
			ID:             "m2",
			ConversationID: "c1",
			Content:        "sentinel",
			Timestamp:      time.Now(),
		},
	})
	waitFor(t, "sentinel", func() bool { return len(sess.Snapshot("c1")) == 1 })

	if got := len(sess.Snapshot("c-other")); got != 0 {
		t.Errorf("expected unjoined room snapshot to stay empty, got %d", got)
	}
	if got := sess.RemoteTyping("c-other"); len(got) != 0 {
		t.Errorf("expected no typing state for unjoined room, got %v", got)
	}
}

// The local user's own typing echo is filtered; remote parties show up.
func TestRemoteTypingFiltersSelf(t *testing.T) {
	srv := chatAPIStub(t, false)
	defer srv.Close()

	ft := newFakeTransport()
	sess := newTestSession(t, ft, srv.URL)

	ctx := context.Background()
	if err := sess.Open(ctx, "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "handshake", func() bool { return sess.conn.UserID() == "u1" })

	conn := ft.conn(0)
	conn.push(t, protocol.TypeUserTyping, protocol.UserTypingEvent{
		ConversationID: "c1", UserID: "u1", IsTyping: true,
	})
	conn.push(t, protocol.TypeUserTyping, protocol.UserTypingEvent{
		ConversationID: "c1", UserID: "u2", IsTyping: true,
	})

	waitFor(t, "remote typing", func() bool {
		got := sess.RemoteTyping("c1")
		return len(got) == 1 && got[0] == "u2"
	})
}

// After exhausting reconnect attempts the connection surfaces a persistent
// offline state.
func TestOfflineAfterRetriesExhausted(t *testing.T) {
	srv := chatAPIStub(t, false)
	defer srv.Close()

	ft := newFakeTransport()
	cfg := testConnConfig()
	cfg.MaxRetries = 2
	cm := NewConnManager(cfg, "user:u1", ft)
	api := newRESTClient(srv.URL)
	sess := NewSession(cm, api, DefaultTypingConfig(), RoleBuyer)
	defer sess.Close()

	ctx := context.Background()
	if err := sess.Open(ctx, "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	ft.setFailDial(true)
	ft.conn(0).Close()

	waitFor(t, "offline state", func() bool { return sess.State() == StateOffline })
}

// Only the admin role gets the system-message affordance.
func TestSystemMessageAffordanceByRole(t *testing.T) {
	srv := chatAPIStub(t, false)
	defer srv.Close()

	for _, tc := range []struct {
		role Role
		want bool
	}{
		{RoleBuyer, false},
		{RoleSeller, false},
		{RoleAdmin, true},
	} {
		cm := NewConnManager(testConnConfig(), "user:u1", newFakeTransport())
		sess := NewSession(cm, newRESTClient(srv.URL), DefaultTypingConfig(), tc.role)
		if got := sess.CanSendSystemMessages(); got != tc.want {
			t.Errorf("role %s: expected affordance %v, got %v", tc.role, tc.want, got)
		}
		sess.Close()
	}
}

func containsAll(haystack []string, needles ...string) bool {
	seen := make(map[string]bool, len(haystack))
	for _, h := range haystack {
		seen[h] = true
	}
	for _, n := range needles {
		if !seen[n] {
			return false
		}
	}
	return true
}
