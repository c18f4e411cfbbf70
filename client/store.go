// Package client implements the application side of the realtime channel: the
// connection lifecycle with reconnect backoff and polling fallback, and the
// reconciliation of optimistic sends against authoritative server state.
package client

import (
	"context"
	"encoding/json"

	"github.com/mustafarec/KulturaX-sub003/internal/protocol"
)

// SendRequest is the durable-write payload. CorrelationID is generated by the
// sender and carried unchanged through the persisted record and the realtime
// echo so all copies of one logical message can be identified.
type SendRequest struct {
	ReceiverID    int64           `json:"receiver_id"`
	Content       string          `json:"content"`
	CorrelationID string          `json:"client_id,omitempty"`
	ReplyTo       json.RawMessage `json:"reply_to,omitempty"`
}

// MessageStore is the durable message collaborator reached over the
// request/response API. SetTyping and GetTyping double as the polling
// fallback's typing source.
type MessageStore interface {
	Send(ctx context.Context, req SendRequest) (protocol.MessageRecord, error)
	FetchMessages(ctx context.Context, otherUserID int64, page int) ([]protocol.MessageRecord, error)
	MarkRead(ctx context.Context, otherUserID int64) error
	SetTyping(ctx context.Context, otherUserID int64) error
	GetTyping(ctx context.Context, otherUserID int64) (bool, error)
}
