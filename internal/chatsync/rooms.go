package chatsync

import (
	"sync"

	"github.com/playtrade/marketchat/internal/metrics"
)

// RoomTracker tracks which conversations the session has joined. It decides
// when a join or leave actually needs a network event, keeping joins
// idempotent and queueing join intents issued before the socket handshake
// completes. The Session owns the transport; the tracker only answers
// "should this call hit the wire".
type RoomTracker struct {
	mu     sync.Mutex
	joined map[string]struct{} // rooms the server knows we are in
	queued map[string]struct{} // join intents waiting for the connection
}

// NewRoomTracker creates an empty RoomTracker.
func NewRoomTracker() *RoomTracker {
	return &RoomTracker{
		joined: make(map[string]struct{}),
		queued: make(map[string]struct{}),
	}
}

// Join records the intent to join a conversation. It returns true if the
// caller should emit a join event now: false when the room is already joined
// or queued (idempotence), and false when the connection is down, in which
// case the intent is queued and replayed by ReplayOnConnect.
func (r *RoomTracker) Join(conversationID string, connected bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.joined[conversationID]; ok {
		return false
	}
	if _, ok := r.queued[conversationID]; ok {
		return false
	}
	if !connected {
		r.queued[conversationID] = struct{}{}
		return false
	}
	r.joined[conversationID] = struct{}{}
	metrics.JoinedRooms.Inc()
	return true
}

// Leave removes a conversation from the membership set. It returns true if
// the caller should emit a leave event (the server knew about the join).
// Leaving an unjoined room is a no-op.
func (r *RoomTracker) Leave(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.queued[conversationID]; ok {
		delete(r.queued, conversationID)
		return false
	}
	if _, ok := r.joined[conversationID]; ok {
		delete(r.joined, conversationID)
		metrics.JoinedRooms.Dec()
		return true
	}
	return false
}

// Joined reports whether the session is currently a member of the
// conversation. Events for unjoined rooms are ignored by the session.
func (r *RoomTracker) Joined(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.joined[conversationID]
	return ok
}

// ReplayOnConnect returns every conversation that needs a join event after a
// (re)connection: rooms already joined (the server may have dropped their
// subscriptions across the reconnect) plus queued intents, which are promoted
// to joined.
func (r *RoomTracker) ReplayOnConnect() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.joined)+len(r.queued))
	for id := range r.joined {
		out = append(out, id)
	}
	for id := range r.queued {
		out = append(out, id)
		r.joined[id] = struct{}{}
		metrics.JoinedRooms.Inc()
	}
	r.queued = make(map[string]struct{})
	return out
}
