// Package protocol defines the framed-socket envelope vocabulary shared by the
// relay, the internal broadcast bridge and the client transport. Envelopes are
// decoded exactly once at the connection boundary into a closed tagged union;
// handlers never re-inspect raw type strings.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind names one envelope variant on the wire.
type Kind string

const (
	KindAuth              Kind = "auth"
	KindMessage           Kind = "message"
	KindTyping            Kind = "typing"
	KindRead              Kind = "read"
	KindPing              Kind = "ping"
	KindInternalBroadcast Kind = "internal_broadcast"
)

// Reply type tags written by the relay.
const (
	TypeAuthSuccess  = "auth_success"
	TypeAuthError    = "auth_error"
	TypeNewMessage   = "new_message"
	TypeMessageSent  = "message_sent"
	TypeTyping       = "typing"
	TypeMessagesRead = "messages_read"
	TypeOnlineStatus = "online_status"
	TypePong         = "pong"
	TypeOK           = "ok"
)

// ErrUnknownKind reports an envelope whose type tag is not part of the protocol.
var ErrUnknownKind = errors.New("unknown envelope kind")

// TimeLayout is the wire format for timestamps, kept compatible with the
// request/response API the clients also consume.
const TimeLayout = "2006-01-02 15:04:05"

// Timestamp marshals as TimeLayout in UTC.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to second precision in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Second)}
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(TimeLayout))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil || strings.TrimSpace(*raw) == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.ParseInLocation(TimeLayout, *raw, time.UTC)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", *raw, err)
	}
	t.Time = parsed
	return nil
}

// Auth carries the handshake credential for one connection.
type Auth struct {
	UserID int64  `json:"userId"`
	Token  string `json:"token"`
}

// Message asks the relay to fan a chat message out to the receiver's devices.
// MessageID is optional and present when the sender already persisted the
// message through the durable write API; CorrelationID ties the optimistic
// render, the write acknowledgment and the realtime echo together.
type Message struct {
	ReceiverID    int64           `json:"receiverId"`
	Content       string          `json:"content"`
	CorrelationID string          `json:"correlationId,omitempty"`
	MessageID     int64           `json:"messageId,omitempty"`
	ReplyTo       json.RawMessage `json:"replyTo,omitempty"`
}

// Typing toggles the sender's typing indicator towards one receiver.
type Typing struct {
	ReceiverID int64 `json:"receiverId"`
	IsTyping   bool  `json:"isTyping"`
}

// Read reports that the connected user read a batch of the original sender's
// messages.
type Read struct {
	SenderID   int64   `json:"senderId"`
	MessageIDs []int64 `json:"messageIds"`
}

// InternalBroadcast is the trusted one-shot injection path used by backend
// workers. Payload is fanned out verbatim to the receiver's connections.
type InternalBroadcast struct {
	Secret     string          `json:"secret"`
	ReceiverID int64           `json:"receiverId"`
	Payload    json.RawMessage `json:"payload"`
}

// Envelope is the closed union of inbound variants. Exactly one variant field
// is non-nil (Ping carries no body, so KindPing sets none).
type Envelope struct {
	Kind      Kind
	Auth      *Auth
	Message   *Message
	Typing    *Typing
	Read      *Read
	Broadcast *InternalBroadcast
}

// Decode parses one wire record into the tagged union.
func Decode(data []byte) (*Envelope, error) {
	var tag struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	env := &Envelope{Kind: tag.Type}
	switch tag.Type {
	case KindAuth:
		env.Auth = new(Auth)
		return env, unmarshalBody(data, env.Auth)
	case KindMessage:
		env.Message = new(Message)
		return env, unmarshalBody(data, env.Message)
	case KindTyping:
		env.Typing = new(Typing)
		return env, unmarshalBody(data, env.Typing)
	case KindRead:
		env.Read = new(Read)
		return env, unmarshalBody(data, env.Read)
	case KindPing:
		return env, nil
	case KindInternalBroadcast:
		env.Broadcast = new(InternalBroadcast)
		return env, unmarshalBody(data, env.Broadcast)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, tag.Type)
	}
}

func unmarshalBody(data []byte, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode envelope body: %w", err)
	}
	return nil
}

// MessageRecord is the authoritative message shape delivered to receivers.
type MessageRecord struct {
	ID         int64           `json:"id"`
	ClientID   string          `json:"client_id,omitempty"`
	SenderID   int64           `json:"sender_id"`
	ReceiverID int64           `json:"receiver_id"`
	Content    string          `json:"content"`
	CreatedAt  Timestamp       `json:"created_at"`
	IsRead     int             `json:"is_read"`
	ReplyTo    json.RawMessage `json:"reply_to,omitempty"`
}

// NewMessage wraps a MessageRecord for delivery.
type NewMessage struct {
	Type    string        `json:"type"`
	Message MessageRecord `json:"message"`
}

// MessageSent acknowledges a relayed message to the originating connection.
type MessageSent struct {
	Type          string    `json:"type"`
	MessageID     int64     `json:"messageId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Content       string    `json:"content"`
	ReceiverID    int64     `json:"receiverId"`
	CreatedAt     Timestamp `json:"createdAt"`
}

// AuthSuccess confirms the handshake.
type AuthSuccess struct {
	Type   string `json:"type"`
	UserID int64  `json:"userId"`
}

// AuthError reports a rejected handshake; the connection stays open.
type AuthError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// TypingEvent is the relayed typing indicator.
type TypingEvent struct {
	Type     string `json:"type"`
	UserID   int64  `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// MessagesRead is the relayed read-receipt batch.
type MessagesRead struct {
	Type       string  `json:"type"`
	ReaderID   int64   `json:"readerId"`
	MessageIDs []int64 `json:"messageIds"`
}

// OnlineStatus announces a presence transition. LastSeen is null while online.
type OnlineStatus struct {
	Type     string     `json:"type"`
	UserID   int64      `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *Timestamp `json:"lastSeen"`
}

// Pong answers a ping.
type Pong struct {
	Type string `json:"type"`
}

// OK acknowledges a processed internal broadcast.
type OK struct {
	Type string `json:"type"`
}

func marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Reply structs contain only marshalable fields.
		panic(fmt.Sprintf("protocol: marshal reply: %v", err))
	}
	return data
}

// Encode renders the handshake envelope with its type tag.
func (a Auth) Encode() []byte {
	return marshal(struct {
		Type Kind `json:"type"`
		Auth
	}{KindAuth, a})
}

// Encode renders the message envelope with its type tag.
func (m Message) Encode() []byte {
	return marshal(struct {
		Type Kind `json:"type"`
		Message
	}{KindMessage, m})
}

// Encode renders the typing envelope with its type tag.
func (t Typing) Encode() []byte {
	return marshal(struct {
		Type Kind `json:"type"`
		Typing
	}{KindTyping, t})
}

// Encode renders the read-receipt envelope with its type tag.
func (r Read) Encode() []byte {
	return marshal(struct {
		Type Kind `json:"type"`
		Read
	}{KindRead, r})
}

// Encode renders the internal broadcast envelope with its type tag.
func (b InternalBroadcast) Encode() []byte {
	return marshal(struct {
		Type Kind `json:"type"`
		InternalBroadcast
	}{KindInternalBroadcast, b})
}

// EncodePing renders the heartbeat envelope.
func EncodePing() []byte {
	return marshal(struct {
		Type Kind `json:"type"`
	}{KindPing})
}

// EncodeAuthSuccess renders an auth_success reply.
func EncodeAuthSuccess(userID int64) []byte {
	return marshal(AuthSuccess{Type: TypeAuthSuccess, UserID: userID})
}

// EncodeAuthError renders an auth_error reply.
func EncodeAuthError(message string) []byte {
	return marshal(AuthError{Type: TypeAuthError, Message: message})
}

// EncodeNewMessage renders a new_message delivery.
func EncodeNewMessage(record MessageRecord) []byte {
	return marshal(NewMessage{Type: TypeNewMessage, Message: record})
}

// EncodeMessageSent renders the originator acknowledgment.
func EncodeMessageSent(messageID int64, correlationID, content string, receiverID int64, createdAt time.Time) []byte {
	return marshal(MessageSent{
		Type:          TypeMessageSent,
		MessageID:     messageID,
		CorrelationID: correlationID,
		Content:       content,
		ReceiverID:    receiverID,
		CreatedAt:     NewTimestamp(createdAt),
	})
}

// EncodeTyping renders a relayed typing indicator.
func EncodeTyping(userID int64, isTyping bool) []byte {
	return marshal(TypingEvent{Type: TypeTyping, UserID: userID, IsTyping: isTyping})
}

// EncodeMessagesRead renders a relayed read-receipt batch.
func EncodeMessagesRead(readerID int64, messageIDs []int64) []byte {
	if messageIDs == nil {
		messageIDs = []int64{}
	}
	return marshal(MessagesRead{Type: TypeMessagesRead, ReaderID: readerID, MessageIDs: messageIDs})
}

// EncodeOnlineStatus renders a presence transition.
func EncodeOnlineStatus(userID int64, isOnline bool, lastSeen time.Time) []byte {
	status := OnlineStatus{Type: TypeOnlineStatus, UserID: userID, IsOnline: isOnline}
	if !isOnline {
		ts := NewTimestamp(lastSeen)
		status.LastSeen = &ts
	}
	return marshal(status)
}

// EncodePong renders a pong reply.
func EncodePong() []byte { return marshal(Pong{Type: TypePong}) }

// EncodeOK renders the bridge acknowledgment.
func EncodeOK() []byte { return marshal(OK{Type: TypeOK}) }
