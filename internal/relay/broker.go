// Package relay implements the realtime messaging core: the connection
// registry with derived presence, the envelope dispatch engine with
// multi-device fan-out, and the trusted internal broadcast path used by
// backend workers.
package relay

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mustafarec/KulturaX-sub003/internal/config"
	"github.com/mustafarec/KulturaX-sub003/internal/journal"
	"github.com/mustafarec/KulturaX-sub003/internal/logging"
	"github.com/mustafarec/KulturaX-sub003/internal/protocol"
)

// CredentialVerifier is the identity collaborator consulted during the auth
// handshake. Implementations must not block on external I/O.
type CredentialVerifier interface {
	Verify(userID int64, token string) error
}

// EventRecorder receives operational journal entries. Nil disables journaling.
type EventRecorder interface {
	Append(event journal.Event) error
}

// Stats summarises relay activity for the operational endpoints.
type Stats struct {
	Connections  int   `json:"connections"`
	OnlineUsers  int   `json:"online_users"`
	Broadcasts   int64 `json:"broadcasts_total"`
	Delivered    int64 `json:"deliveries_total"`
	Dropped      int64 `json:"dropped_total"`
	BridgeDenied int64 `json:"bridge_denied_total"`
	TypingPairs  int   `json:"typing_pairs"`
}

// Option customises broker construction.
type Option func(*Broker)

// WithClock overrides the broker time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(b *Broker) {
		if clock != nil {
			b.now = clock
		}
	}
}

// WithVerifier wires the identity collaborator used for auth envelopes.
func WithVerifier(verifier CredentialVerifier) Option {
	return func(b *Broker) { b.verifier = verifier }
}

// WithRecorder wires the operational event journal.
func WithRecorder(recorder EventRecorder) Option {
	return func(b *Broker) { b.recorder = recorder }
}

// Broker routes envelopes between live connections. Handlers run on the
// owning connection's read goroutine and never perform blocking external I/O;
// shared state lives behind the registry and typing-table mutexes.
type Broker struct {
	log      *logging.Logger
	registry *Registry
	typing   *typingTable
	verifier CredentialVerifier
	recorder EventRecorder
	now      func() time.Time

	upgrader     websocket.Upgrader
	maxPayload   int64
	pingInterval time.Duration
	maxClients   int
	inboundRate  int
	inboundBurst int
	bridgeSecret []byte

	started    time.Time
	broadcasts atomic.Int64
	delivered  atomic.Int64
	dropped    atomic.Int64
	denied     atomic.Int64
}

// NewBroker constructs the relay engine from configuration.
func NewBroker(cfg *config.Config, log *logging.Logger, opts ...Option) *Broker {
	if log == nil {
		log = logging.L()
	}
	b := &Broker{
		log:          log,
		now:          time.Now,
		maxPayload:   cfg.MaxPayloadBytes,
		pingInterval: cfg.PingInterval,
		maxClients:   cfg.MaxClients,
		inboundRate:  cfg.InboundRate,
		inboundBurst: cfg.InboundBurst,
	}
	if secret := strings.TrimSpace(cfg.BridgeSecret); secret != "" {
		b.bridgeSecret = []byte(secret)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.registry = NewRegistry(b.now)
	b.typing = newTypingTable(cfg.TypingTTL, b.now)
	b.started = b.now()
	b.upgrader = websocket.Upgrader{CheckOrigin: originChecker(cfg.AllowedOrigins)}
	return b
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		for _, candidate := range allowed {
			if strings.EqualFold(candidate, origin) {
				return true
			}
		}
		return false
	}
}

// Uptime reports how long the broker has been serving connections.
func (b *Broker) Uptime() time.Duration { return b.now().Sub(b.started) }

// Stats snapshots the relay counters.
func (b *Broker) Stats() Stats {
	return Stats{
		Connections:  b.registry.ConnectionCount(),
		OnlineUsers:  b.registry.OnlineCount(),
		Broadcasts:   b.broadcasts.Load(),
		Delivered:    b.delivered.Load(),
		Dropped:      b.dropped.Load(),
		BridgeDenied: b.denied.Load(),
		TypingPairs:  b.typing.Len(),
	}
}

// HandleWS upgrades the HTTP request and services the connection until the
// transport closes.
func (b *Broker) HandleWS(w http.ResponseWriter, r *http.Request) {
	if b.maxClients > 0 && b.registry.ConnectionCount() >= b.maxClients {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	conn.SetReadLimit(b.maxPayload)

	s := newSession(conn, b.inboundRate, b.inboundBurst)
	b.registry.Attach(s)
	b.record(journal.Event{Kind: journal.EventConnect, ConnID: s.id})
	b.log.Debug("connection opened", logging.String("conn_id", s.id))

	go s.writePump(b.pingInterval)
	b.readPump(s)
}

func (b *Broker) readPump(s *Session) {
	defer b.disconnect(s)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if !s.allow() {
			b.log.Debug("inbound envelope rate limited", logging.String("conn_id", s.id))
			continue
		}
		b.dispatch(s, raw)
	}
}

func (b *Broker) disconnect(s *Session) {
	userID, last, lastSeen := b.registry.Detach(s)
	s.shutdown()
	b.record(journal.Event{Kind: journal.EventDisconnect, ConnID: s.id, UserID: userID})
	if last {
		b.broadcastAll(protocol.EncodeOnlineStatus(userID, false, lastSeen))
		b.record(journal.Event{Kind: journal.EventOffline, UserID: userID})
		b.log.Info("user offline", logging.Int64("user_id", userID))
	}
}

// dispatch routes one decoded envelope. Unauthenticated connections may only
// retry auth or carry an internal broadcast; everything else is ignored.
func (b *Broker) dispatch(s *Session, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		b.log.Debug("undecodable envelope", logging.String("conn_id", s.id), logging.Error(err))
		return
	}

	switch env.Kind {
	case protocol.KindAuth:
		b.handleAuth(s, env.Auth)
		return
	case protocol.KindInternalBroadcast:
		b.handleBridge(s, env.Broadcast)
		return
	}

	sender, ok := s.user()
	if !ok {
		b.log.Debug("envelope from unauthenticated connection ignored",
			logging.String("conn_id", s.id), logging.String("kind", string(env.Kind)))
		return
	}

	switch env.Kind {
	case protocol.KindPing:
		s.deliver(protocol.EncodePong())
	case protocol.KindMessage:
		b.handleMessage(s, sender, env.Message)
	case protocol.KindTyping:
		b.handleTyping(sender, env.Typing)
	case protocol.KindRead:
		b.handleRead(sender, env.Read)
	}
}

func (b *Broker) handleAuth(s *Session, a *protocol.Auth) {
	if a.UserID <= 0 || strings.TrimSpace(a.Token) == "" {
		s.deliver(protocol.EncodeAuthError("missing userId or token"))
		return
	}
	if owner, bound := b.registry.Owner(s); bound {
		if owner == a.UserID {
			s.deliver(protocol.EncodeAuthSuccess(owner))
		} else {
			s.deliver(protocol.EncodeAuthError("connection already authenticated"))
		}
		return
	}
	if b.verifier != nil {
		if err := b.verifier.Verify(a.UserID, a.Token); err != nil {
			b.record(journal.Event{Kind: journal.EventAuthFailure, ConnID: s.id, UserID: a.UserID})
			b.log.Warn("handshake rejected",
				logging.Int64("user_id", a.UserID), logging.String("conn_id", s.id), logging.Error(err))
			s.deliver(protocol.EncodeAuthError("invalid credentials"))
			return
		}
	}

	first, err := b.registry.Bind(s, a.UserID)
	if err != nil {
		s.deliver(protocol.EncodeAuthError(err.Error()))
		return
	}
	s.bindUser(a.UserID)
	s.deliver(protocol.EncodeAuthSuccess(a.UserID))
	if first {
		b.broadcastAll(protocol.EncodeOnlineStatus(a.UserID, true, time.Time{}))
		b.record(journal.Event{Kind: journal.EventOnline, UserID: a.UserID})
		b.log.Info("user online", logging.Int64("user_id", a.UserID))
	}
}

func (b *Broker) handleMessage(s *Session, sender int64, m *protocol.Message) {
	// No fan-out and no acknowledgment for an incomplete envelope.
	if m.ReceiverID <= 0 || strings.TrimSpace(m.Content) == "" {
		return
	}
	now := b.now()
	record := protocol.MessageRecord{
		ID:         m.MessageID,
		ClientID:   m.CorrelationID,
		SenderID:   sender,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		CreatedAt:  protocol.NewTimestamp(now),
		ReplyTo:    m.ReplyTo,
	}
	b.fanout(m.ReceiverID, protocol.EncodeNewMessage(record))

	// The originator is acknowledged even when the receiver has zero live
	// connections; durable persistence is the write API's responsibility.
	s.deliver(protocol.EncodeMessageSent(m.MessageID, m.CorrelationID, m.Content, m.ReceiverID, now))

	b.typing.Clear(sender, m.ReceiverID)
	b.fanout(m.ReceiverID, protocol.EncodeTyping(sender, false))
}

func (b *Broker) handleTyping(sender int64, t *protocol.Typing) {
	if t.ReceiverID <= 0 {
		return
	}
	if t.IsTyping {
		b.typing.Touch(sender, t.ReceiverID)
	} else {
		b.typing.Clear(sender, t.ReceiverID)
	}
	b.fanout(t.ReceiverID, protocol.EncodeTyping(sender, t.IsTyping))
}

func (b *Broker) handleRead(reader int64, r *protocol.Read) {
	if r.SenderID <= 0 {
		return
	}
	b.fanout(r.SenderID, protocol.EncodeMessagesRead(reader, r.MessageIDs))
}

// fanout delivers one payload to every connection registered for userID.
// A receiver with zero connections is not an error; the durable store remains
// the source of truth.
func (b *Broker) fanout(userID int64, payload []byte) {
	b.broadcasts.Add(1)
	for _, target := range b.registry.UserSessions(userID) {
		if target.deliver(payload) {
			b.delivered.Add(1)
		} else {
			b.dropped.Add(1)
		}
	}
}

// broadcastAll delivers a payload to every live connection, mirroring how
// presence transitions are announced.
func (b *Broker) broadcastAll(payload []byte) {
	b.broadcasts.Add(1)
	for _, target := range b.registry.AllSessions() {
		if target.deliver(payload) {
			b.delivered.Add(1)
		} else {
			b.dropped.Add(1)
		}
	}
}

func (b *Broker) record(event journal.Event) {
	if b.recorder == nil {
		return
	}
	if err := b.recorder.Append(event); err != nil {
		b.log.Warn("journal append failed", logging.Error(err))
	}
}
