package chatsync

import (
	"sort"
	"sync"

	"github.com/playtrade/marketchat/internal/metrics"
	"github.com/playtrade/marketchat/internal/protocol"
)

// MessageStore holds the ordered, de-duplicated message list for every
// conversation the session has opened. Messages arrive from two racing
// sources — socket pushes and REST backfill/send responses — and the store's
// merge rules make the final state independent of arrival order:
//
//   - insertion is idempotent by message ID; a duplicate is a no-op
//   - ordering is by timestamp ascending, ties broken by insertion order
//   - an incoming message whose clientRef matches a pending optimistic entry
//     replaces that entry instead of appearing alongside it
//
// It is goroutine-safe.
type MessageStore struct {
	mu     sync.RWMutex
	convs  map[string]*conversationLog // conversationID -> log
	notify func(conversationID string)
}

// conversationLog is the per-conversation message sequence plus its
// de-duplication and reconciliation indexes.
type conversationLog struct {
	messages []Message
	seen     map[string]struct{} // message IDs already present
	pending  map[string]string   // clientRef -> temporary local message ID
}

// NewMessageStore creates an empty MessageStore.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		convs: make(map[string]*conversationLog),
	}
}

// SetNotify registers a callback invoked after any mutation that changed a
// conversation's snapshot. The callback runs outside the store's lock.
func (s *MessageStore) SetNotify(fn func(conversationID string)) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// Ingest merges one server-originated wire message (socket push, backfill
// entry, or REST send response) into the conversation's log. Inserting a
// message whose ID is already present is a no-op. If the message carries a
// clientRef matching a pending optimistic entry, that entry is replaced by
// the authoritative copy.
func (s *MessageStore) Ingest(w protocol.Message) {
	m := fromWire(w)

	s.mu.Lock()
	cl := s.log(m.ConversationID)
	changed := cl.merge(m)
	fn := s.notify
	s.mu.Unlock()

	if !changed {
		metrics.DuplicatesDiscarded.Inc()
		return
	}
	if fn != nil {
		fn(m.ConversationID)
	}
}

// IngestAll merges a batch of wire messages, typically a REST backfill
// response. A single notification is emitted if anything changed.
func (s *MessageStore) IngestAll(conversationID string, ws []protocol.Message) {
	s.mu.Lock()
	cl := s.log(conversationID)
	changed := false
	for _, w := range ws {
		if cl.merge(fromWire(w)) {
			changed = true
		} else {
			metrics.DuplicatesDiscarded.Inc()
		}
	}
	fn := s.notify
	s.mu.Unlock()

	if changed && fn != nil {
		fn(conversationID)
	}
}

// Append adds a locally-created outgoing message optimistically, before any
// server confirmation. The message must carry a temporary ID and a ClientRef;
// the entry is replaced when a server message with the same ClientRef is
// ingested. Appending an ID that already exists is a no-op.
func (s *MessageStore) Append(m Message) {
	s.mu.Lock()
	cl := s.log(m.ConversationID)
	changed := cl.merge(m)
	if changed && m.ClientRef != "" && m.Status == StatusSending {
		cl.pending[m.ClientRef] = m.ID
	}
	fn := s.notify
	s.mu.Unlock()

	if changed && fn != nil {
		fn(m.ConversationID)
	}
}

// MarkFailed flags a previously-appended optimistic message as failed so the
// UI can render it as undelivered and offer a retry. Unknown IDs are ignored.
func (s *MessageStore) MarkFailed(conversationID, messageID string) {
	s.mu.Lock()
	cl := s.log(conversationID)
	for i := range cl.messages {
		if cl.messages[i].ID == messageID {
			cl.messages[i].Status = StatusFailed
			break
		}
	}
	fn := s.notify
	s.mu.Unlock()

	if fn != nil {
		fn(conversationID)
	}
}

// Snapshot returns a copy of the conversation's current ordered message list.
func (s *MessageStore) Snapshot(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cl, ok := s.convs[conversationID]
	if !ok {
		return []Message{}
	}
	out := make([]Message, len(cl.messages))
	copy(out, cl.messages)
	return out
}

// log returns the conversation's log, creating it if needed. Caller must hold
// the write lock.
func (s *MessageStore) log(conversationID string) *conversationLog {
	cl, ok := s.convs[conversationID]
	if !ok {
		cl = &conversationLog{
			seen:    make(map[string]struct{}),
			pending: make(map[string]string),
		}
		s.convs[conversationID] = cl
	}
	return cl
}

// merge inserts one message into the log, applying de-duplication and
// clientRef reconciliation. Returns true if the snapshot changed.
func (cl *conversationLog) merge(m Message) bool {
	// Authoritative copy of a pending optimistic send: replace the temporary
	// entry rather than adding a second one.
	if m.Status == StatusSent && m.ClientRef != "" {
		if tempID, ok := cl.pending[m.ClientRef]; ok {
			cl.remove(tempID)
			delete(cl.pending, m.ClientRef)
		}
	}

	if _, dup := cl.seen[m.ID]; dup {
		return false
	}
	cl.seen[m.ID] = struct{}{}

	// Insert before the first entry with a strictly later timestamp, so equal
	// timestamps keep insertion order.
	i := sort.Search(len(cl.messages), func(i int) bool {
		return cl.messages[i].Timestamp.After(m.Timestamp)
	})
	cl.messages = append(cl.messages, Message{})
	copy(cl.messages[i+1:], cl.messages[i:])
	cl.messages[i] = m
	return true
}

// remove deletes a message by ID, keeping order. Caller must hold the lock.
func (cl *conversationLog) remove(messageID string) {
	for i := range cl.messages {
		if cl.messages[i].ID == messageID {
			cl.messages = append(cl.messages[:i], cl.messages[i+1:]...)
			delete(cl.seen, messageID)
			return
		}
	}
}
