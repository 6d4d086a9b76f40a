package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid sendMessage event
// ---------------------------------------------------------------------------

func TestParseClientEvent_SendMessage(t *testing.T) {
	input := []byte(`{"type":"sendMessage","conversationId":"conv-1","content":"Hello!","clientRef":"ref-42"}`)

	evtType, evt, err := ParseClientEvent(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evtType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, evtType)
	}

	sm, ok := evt.(SendMessageEvent)
	if !ok {
		t.Fatalf("expected SendMessageEvent, got %T", evt)
	}
	if sm.ConversationID != "conv-1" {
		t.Errorf("expected conversationId %q, got %q", "conv-1", sm.ConversationID)
	}
	if sm.Content != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", sm.Content)
	}
	if sm.ClientRef != "ref-42" {
		t.Errorf("expected clientRef %q, got %q", "ref-42", sm.ClientRef)
	}
	if sm.IsSystemMessage {
		t.Errorf("expected isSystemMessage false")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a typing event
// ---------------------------------------------------------------------------

func TestParseClientEvent_Typing(t *testing.T) {
	input := []byte(`{"type":"typing","conversationId":"conv-1","isTyping":true}`)

	evtType, evt, err := ParseClientEvent(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evtType != TypeTyping {
		t.Fatalf("expected type %q, got %q", TypeTyping, evtType)
	}

	te, ok := evt.(TypingEvent)
	if !ok {
		t.Fatalf("expected TypingEvent, got %T", evt)
	}
	if !te.IsTyping {
		t.Errorf("expected isTyping true")
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and server-only event types are rejected
// ---------------------------------------------------------------------------

func TestParseClientEvent_UnknownType(t *testing.T) {
	cases := []string{
		`{"type":"selfDestruct"}`,
		`{"type":"newMessage","conversationId":"conv-1"}`, // server-only
	}
	for _, input := range cases {
		if _, _, err := ParseClientEvent([]byte(input)); err == nil {
			t.Errorf("expected error for input %s, got nil", input)
		}
	}
}

func TestParseClientEvent_MissingType(t *testing.T) {
	if _, _, err := ParseClientEvent([]byte(`{"conversationId":"conv-1"}`)); err == nil {
		t.Fatalf("expected error for envelope without type")
	}
}

// ---------------------------------------------------------------------------
// Test: Building a newMessage server event
// ---------------------------------------------------------------------------

func TestNewServerEvent_NewMessage(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	payload := NewMessageEvent{
		ConversationID: "conv-1",
		Message: Message{
			ID:             "m1",
			ConversationID: "conv-1",
			SenderID:       "u1",
			SenderName:     "alice",
			Content:        "hi",
			Timestamp:      ts,
			ClientRef:      "ref-1",
		},
	}

	data, err := NewServerEvent(TypeNewMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeNewMessage {
		t.Errorf("expected injected type %q, got %v", TypeNewMessage, decoded["type"])
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("envelope parse failed: %v", err)
	}
	var nm NewMessageEvent
	if err := json.Unmarshal(env.Raw, &nm); err != nil {
		t.Fatalf("newMessage decode failed: %v", err)
	}
	if nm.Message.ID != "m1" {
		t.Errorf("expected message id %q, got %q", "m1", nm.Message.ID)
	}
	if !nm.Message.Timestamp.Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, nm.Message.Timestamp)
	}
}
