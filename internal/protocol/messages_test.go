package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid auth message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Auth(t *testing.T) {
	input := []byte(`{"type":"auth","token":"eyJhbGciOi.example.token"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeAuth {
		t.Fatalf("expected type %q, got %q", TypeAuth, msgType)
	}

	am, ok := msg.(AuthMsg)
	if !ok {
		t.Fatalf("expected AuthMsg, got %T", msg)
	}
	if am.Token != "eyJhbGciOi.example.token" {
		t.Errorf("unexpected token: %q", am.Token)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","chat_id":"abc-123","content":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.ChatID != "abc-123" {
		t.Errorf("expected chat_id %q, got %q", "abc-123", sm.ChatID)
	}
	if sm.Content != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", sm.Content)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing typing, mark_read and join_chat messages
// ---------------------------------------------------------------------------

func TestParseClientMessage_ChatScopedTypes(t *testing.T) {
	cases := []struct {
		input    string
		wantType string
	}{
		{`{"type":"typing","chat_id":"c1"}`, TypeTyping},
		{`{"type":"mark_read","chat_id":"c1"}`, TypeMarkRead},
		{`{"type":"join_chat","chat_id":"c1"}`, TypeJoinChat},
	}

	for _, tc := range cases {
		msgType, msg, err := ParseClientMessage([]byte(tc.input))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.wantType, err)
		}
		if msgType != tc.wantType {
			t.Fatalf("expected type %q, got %q", tc.wantType, msgType)
		}

		var chatID string
		switch m := msg.(type) {
		case TypingMsg:
			chatID = m.ChatID
		case MarkReadMsg:
			chatID = m.ChatID
		case JoinChatMsg:
			chatID = m.ChatID
		default:
			t.Fatalf("%s: unexpected struct %T", tc.wantType, msg)
		}
		if chatID != "c1" {
			t.Errorf("%s: expected chat_id %q, got %q", tc.wantType, "c1", chatID)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a new_message server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_NewMessage(t *testing.T) {
	payload := NewMessageMsg{
		Message: MessageRecord{
			ID:         "msg-1",
			ChatID:     "chat-9",
			AuthorID:   "user-7",
			AuthorName: "Dana",
			Content:    "hi there",
			CreatedAt:  1717243200000,
		},
	}

	data, err := NewServerMessage(TypeNewMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeNewMessage {
		t.Errorf("expected type %q, got %v", TypeNewMessage, result["type"])
	}

	msg, ok := result["message"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected message object, got %T", result["message"])
	}
	if msg["id"] != "msg-1" || msg["chat_id"] != "chat-9" {
		t.Errorf("unexpected message fields: %v", msg)
	}
	if msg["author_name"] != "Dana" {
		t.Errorf("expected author_name %q, got %v", "Dana", msg["author_name"])
	}

	created, ok := msg["created_at"].(float64)
	if !ok {
		t.Fatalf("expected created_at to be a number, got %T", msg["created_at"])
	}
	if int64(created) != 1717243200000 {
		t.Errorf("expected created_at 1717243200000, got %v", created)
	}
}

// ---------------------------------------------------------------------------
// Test: The type field always reflects the declared message type
// ---------------------------------------------------------------------------

func TestNewServerMessage_OverwritesTypeField(t *testing.T) {
	// A payload struct carrying a stale Type value must not leak it.
	data, err := NewServerMessage(TypeUserStatusChange, UserStatusChangeMsg{
		Type:     "something_else",
		UserID:   "user-1",
		IsOnline: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeUserStatusChange {
		t.Errorf("expected type %q, got %v", TypeUserStatusChange, result["type"])
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, _, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	if msgType != "unknown_type" {
		t.Errorf("the unknown type should still be reported, got %q", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Server-only types are rejected as client messages
// ---------------------------------------------------------------------------

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	input := []byte(`{"type":"new_message","message":{}}`)

	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("server-only types must not parse as client messages")
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed input
// ---------------------------------------------------------------------------

func TestParseClientMessage_InvalidJSON(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"chat_id":"c1"}`)); err == nil {
		t.Fatal("expected error for missing type field")
	}
}

func TestEnvelope_CapturesRawPayload(t *testing.T) {
	input := []byte(`{"type":"send_message","chat_id":"c1","content":"x"}`)

	var env Envelope
	if err := json.Unmarshal(input, &env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != TypeSendMessage {
		t.Errorf("expected type %q, got %q", TypeSendMessage, env.Type)
	}

	var m SendMessageMsg
	if err := json.Unmarshal(env.Raw, &m); err != nil {
		t.Fatalf("raw payload should decode: %v", err)
	}
	if m.Content != "x" {
		t.Errorf("unexpected content %q", m.Content)
	}
}
