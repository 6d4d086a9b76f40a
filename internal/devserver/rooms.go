package devserver

import "sync"

// roomRegistry tracks which local sessions are members of which conversation
// rooms. It also reports when a room gains its first local member or loses
// its last one, which is when the server subscribes to or drops the room's
// NATS subject.
type roomRegistry struct {
	mu      sync.Mutex
	members map[string]map[string]struct{} // conversationID -> session IDs
	rooms   map[string]map[string]struct{} // sessionID -> conversation IDs
}

func newRoomRegistry() *roomRegistry {
	return &roomRegistry{
		members: make(map[string]map[string]struct{}),
		rooms:   make(map[string]map[string]struct{}),
	}
}

// join adds a session to a room. Returns true if the room gained its first
// local member. Joining a room twice is a no-op.
func (r *roomRegistry) join(sessionID, conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[conversationID]
	if !ok {
		m = make(map[string]struct{})
		r.members[conversationID] = m
	}
	if _, already := m[sessionID]; already {
		return false
	}
	first := len(m) == 0
	m[sessionID] = struct{}{}

	rs, ok := r.rooms[sessionID]
	if !ok {
		rs = make(map[string]struct{})
		r.rooms[sessionID] = rs
	}
	rs[conversationID] = struct{}{}
	return first
}

// leave removes a session from a room. Returns true if the room lost its last
// local member. Leaving an unjoined room is a no-op.
func (r *roomRegistry) leave(sessionID, conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(sessionID, conversationID)
}

func (r *roomRegistry) leaveLocked(sessionID, conversationID string) bool {
	m, ok := r.members[conversationID]
	if !ok {
		return false
	}
	if _, member := m[sessionID]; !member {
		return false
	}
	delete(m, sessionID)
	if rs, ok := r.rooms[sessionID]; ok {
		delete(rs, conversationID)
		if len(rs) == 0 {
			delete(r.rooms, sessionID)
		}
	}
	if len(m) == 0 {
		delete(r.members, conversationID)
		return true
	}
	return false
}

// leaveAll removes a session from every room it joined (disconnect cleanup)
// and returns the conversations that lost their last local member.
func (r *roomRegistry) leaveAll(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var emptied []string
	for conversationID := range r.rooms[sessionID] {
		if r.leaveLocked(sessionID, conversationID) {
			emptied = append(emptied, conversationID)
		}
	}
	return emptied
}

// membersOf returns the session IDs currently in a room.
func (r *roomRegistry) membersOf(conversationID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.members[conversationID]))
	for sessionID := range r.members[conversationID] {
		out = append(out, sessionID)
	}
	return out
}
