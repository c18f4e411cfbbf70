package protocol

import (
	"encoding/json"
	"fmt"
)

// Reply is the closed union of frames the relay writes back to clients.
// Exactly one variant field is non-nil (Pong and OK carry no body).
type Reply struct {
	Type         string
	AuthSuccess  *AuthSuccess
	AuthError    *AuthError
	NewMessage   *NewMessage
	MessageSent  *MessageSent
	Typing       *TypingEvent
	MessagesRead *MessagesRead
	OnlineStatus *OnlineStatus
}

// DecodeReply parses one relay frame into the tagged union.
func DecodeReply(data []byte) (*Reply, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	reply := &Reply{Type: tag.Type}
	switch tag.Type {
	case TypeAuthSuccess:
		reply.AuthSuccess = new(AuthSuccess)
		return reply, unmarshalBody(data, reply.AuthSuccess)
	case TypeAuthError:
		reply.AuthError = new(AuthError)
		return reply, unmarshalBody(data, reply.AuthError)
	case TypeNewMessage:
		reply.NewMessage = new(NewMessage)
		return reply, unmarshalBody(data, reply.NewMessage)
	case TypeMessageSent:
		reply.MessageSent = new(MessageSent)
		return reply, unmarshalBody(data, reply.MessageSent)
	case TypeTyping:
		reply.Typing = new(TypingEvent)
		return reply, unmarshalBody(data, reply.Typing)
	case TypeMessagesRead:
		reply.MessagesRead = new(MessagesRead)
		return reply, unmarshalBody(data, reply.MessagesRead)
	case TypeOnlineStatus:
		reply.OnlineStatus = new(OnlineStatus)
		return reply, unmarshalBody(data, reply.OnlineStatus)
	case TypePong, TypeOK:
		return reply, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, tag.Type)
	}
}
