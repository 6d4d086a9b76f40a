// Package chatsync keeps a local view of marketplace chat conversations
// synchronized with the remote chat backend. It owns the WebSocket connection
// lifecycle, per-conversation room membership, an ordered de-duplicated
// message store fed by both socket pushes and REST backfill, typing
// indicators, and the socket-or-REST delivery fallback for outgoing messages.
// One Session instance serves every open conversation view in the process.
package chatsync

import (
	"strings"
	"time"

	"github.com/playtrade/marketchat/internal/protocol"
)

// MessageKind distinguishes operator/system-generated messages from ordinary
// user messages for rendering and filtering.
type MessageKind int

const (
	KindUser MessageKind = iota
	KindSystem
)

// DeliveryStatus tracks the local delivery state of a message. Messages that
// originate from the server are always StatusSent; only optimistic local
// copies pass through StatusSending and possibly StatusFailed.
type DeliveryStatus int

const (
	StatusSent DeliveryStatus = iota
	StatusSending
	StatusFailed
)

// Message is one chat message as held in the local store. Immutable once
// confirmed: the only mutation the store ever applies is replacing an
// optimistic local copy with its authoritative server counterpart, matched by
// ClientRef.
type Message struct {
	ID              string
	ConversationID  string
	SenderID        string
	SenderName      string
	Content         string
	Timestamp       time.Time
	IsSystemMessage bool
	ClientRef       string // correlation id; set on locally-originated messages and echoed by the server
	Status          DeliveryStatus
}

// Classify reports whether a message is a system message. The boolean flag is
// the authoritative representation; a "(System)" content prefix with a false
// flag is accepted as a legacy encoding still produced by older backend code
// paths. Ingested messages are normalized to the flag form (see fromWire), so
// the prefix branch only matters for messages that bypassed ingestion.
func Classify(m Message) MessageKind {
	if m.IsSystemMessage || strings.HasPrefix(m.Content, protocol.SystemPrefix) {
		return KindSystem
	}
	return KindUser
}

// DisplayContent returns the message content ready for rendering, with the
// legacy "(System)" marker stripped if present.
func (m Message) DisplayContent() string {
	return strings.TrimPrefix(m.Content, protocol.SystemPrefix)
}

// fromWire converts a wire message into a local store message, normalizing
// the legacy "(System)" prefix encoding into the isSystemMessage flag.
func fromWire(w protocol.Message) Message {
	m := Message{
		ID:              w.ID,
		ConversationID:  w.ConversationID,
		SenderID:        w.SenderID,
		SenderName:      w.SenderName,
		Content:         w.Content,
		Timestamp:       w.Timestamp,
		IsSystemMessage: w.IsSystemMessage,
		ClientRef:       w.ClientRef,
		Status:          StatusSent,
	}
	if !m.IsSystemMessage && strings.HasPrefix(m.Content, protocol.SystemPrefix) {
		m.IsSystemMessage = true
		m.Content = strings.TrimPrefix(m.Content, protocol.SystemPrefix)
	}
	return m
}
