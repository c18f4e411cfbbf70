package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeAuthEnvelope(t *testing.T) {
	env, err := Decode([]byte(`{"type":"auth","userId":42,"token":"abc"}`))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if env.Kind != KindAuth || env.Auth == nil {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Auth.UserID != 42 || env.Auth.Token != "abc" {
		t.Fatalf("unexpected auth body: %+v", env.Auth)
	}
}

func TestDecodeMessageEnvelope(t *testing.T) {
	raw := `{"type":"message","receiverId":7,"content":"hi","correlationId":"c-1","messageId":99,"replyTo":{"id":3}}`
	env, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if env.Kind != KindMessage || env.Message == nil {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	m := env.Message
	if m.ReceiverID != 7 || m.Content != "hi" || m.CorrelationID != "c-1" || m.MessageID != 99 {
		t.Fatalf("unexpected message body: %+v", m)
	}
	if string(m.ReplyTo) != `{"id":3}` {
		t.Fatalf("unexpected replyTo: %s", m.ReplyTo)
	}
}

func TestDecodePingCarriesNoBody(t *testing.T) {
	env, err := Decode([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if env.Kind != KindPing {
		t.Fatalf("unexpected kind: %q", env.Kind)
	}
	if env.Auth != nil || env.Message != nil || env.Typing != nil || env.Read != nil || env.Broadcast != nil {
		t.Fatalf("ping should set no variant: %+v", env)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"mystery"}`)); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestEncodeRoundTripsThroughDecode(t *testing.T) {
	frame := Message{ReceiverID: 7, Content: "hello", CorrelationID: "c-2"}.Encode()
	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if env.Kind != KindMessage || env.Message.CorrelationID != "c-2" {
		t.Fatalf("round trip lost data: %+v", env)
	}

	env, err = Decode(EncodePing())
	if err != nil || env.Kind != KindPing {
		t.Fatalf("ping round trip failed: %+v (%v)", env, err)
	}
}

func TestTimestampMarshalling(t *testing.T) {
	ts := NewTimestamp(time.Date(2026, 3, 14, 15, 9, 26, 500, time.UTC))
	data, err := json.Marshal(ts)
	if err != nil {
		t.Fatalf("marshal timestamp: %v", err)
	}
	if string(data) != `"2026-03-14 15:09:26"` {
		t.Fatalf("unexpected wire form: %s", data)
	}

	var parsed Timestamp
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal timestamp: %v", err)
	}
	if !parsed.Equal(ts.Time) {
		t.Fatalf("round trip mismatch: %v vs %v", parsed.Time, ts.Time)
	}
}

func TestTimestampZeroAndNull(t *testing.T) {
	data, err := json.Marshal(Timestamp{})
	if err != nil || string(data) != "null" {
		t.Fatalf("zero timestamp should marshal null, got %s (%v)", data, err)
	}

	var parsed Timestamp
	if err := json.Unmarshal([]byte("null"), &parsed); err != nil {
		t.Fatalf("unmarshal null: %v", err)
	}
	if !parsed.IsZero() {
		t.Fatalf("null should parse to zero time, got %v", parsed.Time)
	}
	if err := json.Unmarshal([]byte(`"yesterday"`), &parsed); err == nil {
		t.Fatal("expected parse error for malformed timestamp")
	}
}

func TestEncodeOnlineStatusLastSeen(t *testing.T) {
	online := EncodeOnlineStatus(5, true, time.Time{})
	var onlineStatus OnlineStatus
	if err := json.Unmarshal(online, &onlineStatus); err != nil {
		t.Fatalf("unmarshal online status: %v", err)
	}
	if !onlineStatus.IsOnline || onlineStatus.LastSeen != nil {
		t.Fatalf("online transition should carry null lastSeen: %+v", onlineStatus)
	}

	seen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	offline := EncodeOnlineStatus(5, false, seen)
	var offlineStatus OnlineStatus
	if err := json.Unmarshal(offline, &offlineStatus); err != nil {
		t.Fatalf("unmarshal offline status: %v", err)
	}
	if offlineStatus.IsOnline || offlineStatus.LastSeen == nil || !offlineStatus.LastSeen.Equal(seen) {
		t.Fatalf("offline transition should carry lastSeen: %+v", offlineStatus)
	}
}

func TestDecodeReplyVariants(t *testing.T) {
	reply, err := DecodeReply(EncodeAuthSuccess(42))
	if err != nil || reply.Type != TypeAuthSuccess || reply.AuthSuccess.UserID != 42 {
		t.Fatalf("auth_success decode failed: %+v (%v)", reply, err)
	}

	record := MessageRecord{ID: 9, ClientID: "c-3", SenderID: 1, ReceiverID: 2, Content: "hey"}
	reply, err = DecodeReply(EncodeNewMessage(record))
	if err != nil || reply.Type != TypeNewMessage {
		t.Fatalf("new_message decode failed: %+v (%v)", reply, err)
	}
	if reply.NewMessage.Message.ID != 9 || reply.NewMessage.Message.ClientID != "c-3" {
		t.Fatalf("new_message lost fields: %+v", reply.NewMessage.Message)
	}

	reply, err = DecodeReply(EncodePong())
	if err != nil || reply.Type != TypePong {
		t.Fatalf("pong decode failed: %+v (%v)", reply, err)
	}

	if _, err := DecodeReply([]byte(`{"type":"banana"}`)); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}
