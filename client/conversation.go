package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mustafarec/KulturaX-sub003/internal/logging"
	"github.com/mustafarec/KulturaX-sub003/internal/protocol"
)

// RealtimeSender is the slice of the transport a conversation uses. The
// Manager satisfies it; tests substitute fakes.
type RealtimeSender interface {
	IsActive() bool
	SendMessage(receiverID int64, content, correlationID string, messageID int64, replyTo []byte) error
	SendTyping(receiverID int64, isTyping bool) error
	SendReadReceipt(senderID int64, messageIDs []int64) error
}

// ConversationConfig wires one open conversation screen.
type ConversationConfig struct {
	UserID      int64
	OtherUserID int64
	Store       MessageStore
	Reconciler  *Reconciler
	Transport   RealtimeSender
	Logger      *logging.Logger

	// OnPeerTyping and OnPeerPresence surface peer state to the view layer.
	OnPeerTyping   func(isTyping bool)
	OnPeerPresence func(isOnline bool, lastSeen time.Time)
}

// Conversation coordinates the send pipeline for one peer: optimistic render,
// durable write, realtime notify, and the merge of realtime events into the
// reconciled view.
type Conversation struct {
	cfg ConversationConfig
	log *logging.Logger
}

// NewConversation constructs the conversation coordinator.
func NewConversation(cfg ConversationConfig) *Conversation {
	log := cfg.Logger
	if log == nil {
		log = logging.L()
	}
	return &Conversation{cfg: cfg, log: log}
}

// SendMessage runs the full pipeline: render optimistically, persist through
// the store, confirm the entry in place, then notify over the realtime
// channel when it is up. A failed durable write removes the optimistic entry
// and is returned to the caller; a failed realtime notify is not an error
// because receivers pick the message up on their next poll.
func (c *Conversation) SendMessage(ctx context.Context, content string, replyTo json.RawMessage) (Entry, error) {
	entry := c.cfg.Reconciler.SendRequested(c.cfg.UserID, c.cfg.OtherUserID, content, replyTo)
	record, err := c.cfg.Store.Send(ctx, SendRequest{
		ReceiverID:    c.cfg.OtherUserID,
		Content:       content,
		CorrelationID: entry.CorrelationID,
		ReplyTo:       replyTo,
	})
	if err != nil {
		c.cfg.Reconciler.SendFailed(entry.CorrelationID)
		return Entry{}, fmt.Errorf("send message: %w", err)
	}
	c.cfg.Reconciler.SendConfirmed(entry.CorrelationID, record.ID, record.CreatedAt.Time)
	entry.ID = record.ID
	entry.Pending = false
	if !record.CreatedAt.IsZero() {
		entry.CreatedAt = record.CreatedAt.Time
	}
	if c.cfg.Transport != nil && c.cfg.Transport.IsActive() {
		if err := c.cfg.Transport.SendMessage(c.cfg.OtherUserID, content, entry.CorrelationID, record.ID, replyTo); err != nil {
			c.log.Debug("realtime notify failed", logging.Error(err))
		}
	}
	return entry, nil
}

// SetTyping reports the local typing state, preferring the realtime channel
// and falling back to the store while disconnected. Only typing starts are
// persisted on the fallback path; the indicator expires server-side.
func (c *Conversation) SetTyping(ctx context.Context, isTyping bool) error {
	if c.cfg.Transport != nil && c.cfg.Transport.IsActive() {
		return c.cfg.Transport.SendTyping(c.cfg.OtherUserID, isTyping)
	}
	if !isTyping {
		return nil
	}
	return c.cfg.Store.SetTyping(ctx, c.cfg.OtherUserID)
}

// Handlers builds the transport callback set for this conversation. Frames
// concerning other peers are ignored.
func (c *Conversation) Handlers() Handlers {
	return Handlers{
		OnNewMessage:   c.handleNewMessage,
		OnMessageSent:  c.handleMessageSent,
		OnTyping:       c.handleTyping,
		OnMessagesRead: c.handleMessagesRead,
		OnOnlineStatus: c.handleOnlineStatus,
	}
}

func (c *Conversation) handleNewMessage(rec protocol.MessageRecord) {
	fromPeer := rec.SenderID == c.cfg.OtherUserID && rec.ReceiverID == c.cfg.UserID
	ownEcho := rec.SenderID == c.cfg.UserID && rec.ReceiverID == c.cfg.OtherUserID
	if !fromPeer && !ownEcho {
		return
	}
	if !c.cfg.Reconciler.ReceiveMessage(rec) {
		return
	}
	if fromPeer && rec.ID != 0 {
		// The conversation is on screen, so the message counts as read
		// immediately.
		c.cfg.Reconciler.MarkRead([]int64{rec.ID})
		if c.cfg.Transport != nil && c.cfg.Transport.IsActive() {
			if err := c.cfg.Transport.SendReadReceipt(c.cfg.OtherUserID, []int64{rec.ID}); err != nil {
				c.log.Debug("read receipt failed", logging.Error(err))
			}
		}
	}
}

func (c *Conversation) handleMessageSent(ack protocol.MessageSent) {
	if ack.CorrelationID == "" || ack.ReceiverID != c.cfg.OtherUserID {
		return
	}
	c.cfg.Reconciler.SendConfirmed(ack.CorrelationID, ack.MessageID, ack.CreatedAt.Time)
}

func (c *Conversation) handleTyping(userID int64, isTyping bool) {
	if userID != c.cfg.OtherUserID || c.cfg.OnPeerTyping == nil {
		return
	}
	c.cfg.OnPeerTyping(isTyping)
}

func (c *Conversation) handleMessagesRead(readerID int64, messageIDs []int64) {
	if readerID != c.cfg.OtherUserID {
		return
	}
	c.cfg.Reconciler.MarkRead(messageIDs)
}

func (c *Conversation) handleOnlineStatus(userID int64, isOnline bool, lastSeen time.Time) {
	if userID != c.cfg.OtherUserID || c.cfg.OnPeerPresence == nil {
		return
	}
	c.cfg.OnPeerPresence(isOnline, lastSeen)
}
