// Package protocol defines the WebSocket event types and structures exchanged
// between a marketplace chat client and the chat backend. All events are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoinChat    = "joinChat"
	TypeLeaveChat   = "leaveChat"
	TypeSendMessage = "sendMessage"
	TypeTyping      = "typing"
)

// Server -> Client event types.
const (
	TypeSessionReady = "sessionReady"
	TypeNewMessage   = "newMessage"
	TypeUserTyping   = "userTyping"
	TypeError        = "error"
)

// SystemPrefix is the legacy in-band marker some backends still emit instead
// of setting the isSystemMessage flag. New code never writes it; it exists
// only as a decode-compatibility path.
const SystemPrefix = "(System)"

// ---------------------------------------------------------------------------
// Wire message
// ---------------------------------------------------------------------------

// Message is the wire representation of a single chat message as stored by
// the backend. It is shared by the WebSocket newMessage event and the REST
// chat API responses.
type Message struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversationId"`
	SenderID        string    `json:"senderId"`
	SenderName      string    `json:"senderName"`
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
	IsSystemMessage bool      `json:"isSystemMessage"`
	ClientRef       string    `json:"clientRef,omitempty"` // echo of the sender's correlation id
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// JoinChatEvent subscribes the session to a conversation's events.
type JoinChatEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// LeaveChatEvent unsubscribes the session from a conversation's events.
type LeaveChatEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// SendMessageEvent carries one outgoing chat message. ClientRef is a
// client-generated correlation id that the server echoes back in the
// resulting newMessage event so the sender can reconcile its optimistic copy.
type SendMessageEvent struct {
	Type            string `json:"type"`
	ConversationID  string `json:"conversationId"`
	Content         string `json:"content"`
	IsSystemMessage bool   `json:"isSystemMessage,omitempty"`
	ClientRef       string `json:"clientRef,omitempty"`
}

// TypingEvent indicates whether the client is currently typing in a
// conversation.
type TypingEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// SessionReadyEvent is sent by the server once the connection handshake has
// completed and the token has been resolved to a user.
type SessionReadyEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// NewMessageEvent delivers one stored message to every member of the
// conversation, including the sender.
type NewMessageEvent struct {
	Type           string  `json:"type"`
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// UserTypingEvent relays a remote party's typing indicator.
type UserTypingEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ErrorEvent is sent by the server to communicate an error condition.
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientEvent parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		evt interface{}
		err error
	)

	switch env.Type {
	case TypeJoinChat:
		var e JoinChatEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeLeaveChat:
		var e LeaveChatEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeSendMessage:
		var e SendMessageEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeTyping:
		var e TypingEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, evt, nil
}

// NewServerEvent creates a JSON-encoded byte slice for a server event. The
// evtType is injected into the payload under the "type" key so callers can
// pass payload structs without filling their Type field.
func NewServerEvent(evtType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = evtType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server event: %w", err)
	}
	return out, nil
}
