package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mustafarec/KulturaX-sub003/internal/logging"
	"github.com/mustafarec/KulturaX-sub003/internal/protocol"
)

// Connection lifecycle defaults, mirroring the production mobile client.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultBackoffBase       = time.Second
	DefaultBackoffCap        = 30 * time.Second
	DefaultMaxAttempts       = 5
	DefaultTypingInterval    = 2500 * time.Millisecond

	transportWriteWait = 10 * time.Second
)

// ErrNotActive reports a send attempted while the channel is not Active.
// Callers fall back to the request/response API instead of treating this as
// a failure.
var ErrNotActive = errors.New("realtime channel not active")

// State enumerates the transport lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateActive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Handlers receives decoded relay frames and lifecycle transitions. Nil
// fields are skipped. Callbacks run on the transport's read goroutine and
// must not block.
type Handlers struct {
	OnNewMessage   func(record protocol.MessageRecord)
	OnMessageSent  func(ack protocol.MessageSent)
	OnTyping       func(userID int64, isTyping bool)
	OnMessagesRead func(readerID int64, messageIDs []int64)
	OnOnlineStatus func(userID int64, isOnline bool, lastSeen time.Time)
	OnAuthError    func(message string)
	OnStateChange  func(state State)
}

// Config carries the transport settings. Zero durations and counts take the
// package defaults.
type Config struct {
	URL    string
	UserID int64
	Token  string

	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxAttempts       int
	TypingInterval    time.Duration

	Handlers Handlers
	Logger   *logging.Logger
	Dialer   *websocket.Dialer
}

// Manager owns the client-side connection lifecycle: handshake, heartbeat,
// reconnect backoff, and the typing throttle. It is process-scoped and
// survives navigation between conversations.
type Manager struct {
	cfg      Config
	log      *logging.Logger
	dialer   *websocket.Dialer
	handlers Handlers

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	started bool
	closed  bool
	closeCh chan struct{}
	hbStop  chan struct{}
	typing  map[int64]*rate.Limiter

	writeMu sync.Mutex
}

// NewManager constructs a transport manager; Connect starts it.
func NewManager(cfg Config) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = DefaultTypingInterval
	}
	log := cfg.Logger
	if log == nil {
		log = logging.L()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		dialer:   dialer,
		handlers: cfg.Handlers,
		closeCh:  make(chan struct{}),
		typing:   make(map[int64]*rate.Limiter),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsActive reports whether the realtime channel currently drives delivery.
func (m *Manager) IsActive() bool { return m.State() == StateActive }

// Connect starts the connection loop. It returns immediately; progress is
// reported through OnStateChange.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("transport closed")
	}
	if m.started {
		m.mu.Unlock()
		return errors.New("transport already started")
	}
	m.started = true
	m.mu.Unlock()
	go m.run(ctx)
	return nil
}

// Close disconnects and suppresses any further retries.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.closeCh)
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	m.setState(StateDisconnected)
}

func (m *Manager) run(ctx context.Context) {
	attempts := 0
	for {
		if m.isClosed() || ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}
		m.setState(StateConnecting)
		conn, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err == nil {
			m.attachConn(conn)
			m.setState(StateAuthenticating)
			if writeErr := m.writeFrame(protocol.Auth{UserID: m.cfg.UserID, Token: m.cfg.Token}.Encode()); writeErr != nil {
				conn.Close()
			} else {
				m.readLoop(conn, &attempts)
			}
			m.stopHeartbeat()
			m.detachConn(conn)
			if m.isClosed() || ctx.Err() != nil {
				m.setState(StateDisconnected)
				return
			}
			m.setState(StateReconnecting)
		}
		attempts++
		if attempts > m.cfg.MaxAttempts {
			m.log.Warn("reconnect attempts exhausted")
			m.setState(StateDisconnected)
			return
		}
		delay := backoffDelay(m.cfg.BackoffBase, m.cfg.BackoffCap, attempts)
		m.log.Debug("scheduling reconnect",
			logging.Int("attempt", attempts), logging.String("delay", delay.String()))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-m.closeCh:
			timer.Stop()
			m.setState(StateDisconnected)
			return
		case <-ctx.Done():
			timer.Stop()
			m.setState(StateDisconnected)
			return
		}
	}
}

// backoffDelay computes the exponential retry delay for a 1-based attempt:
// base, 2*base, 4*base, ... capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (m *Manager) readLoop(conn *websocket.Conn, attempts *int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		reply, err := protocol.DecodeReply(data)
		if err != nil {
			m.log.Debug("undecodable frame", logging.Error(err))
			continue
		}
		switch reply.Type {
		case protocol.TypeAuthSuccess:
			// A successful handshake resets both the delay schedule and the
			// attempt counter.
			*attempts = 0
			m.setState(StateActive)
			m.startHeartbeat()
		case protocol.TypeAuthError:
			m.log.Warn("handshake rejected", logging.String("reason", reply.AuthError.Message))
			if m.handlers.OnAuthError != nil {
				m.handlers.OnAuthError(reply.AuthError.Message)
			}
		case protocol.TypeNewMessage:
			if m.handlers.OnNewMessage != nil {
				m.handlers.OnNewMessage(reply.NewMessage.Message)
			}
		case protocol.TypeMessageSent:
			if m.handlers.OnMessageSent != nil {
				m.handlers.OnMessageSent(*reply.MessageSent)
			}
		case protocol.TypeTyping:
			if m.handlers.OnTyping != nil {
				m.handlers.OnTyping(reply.Typing.UserID, reply.Typing.IsTyping)
			}
		case protocol.TypeMessagesRead:
			if m.handlers.OnMessagesRead != nil {
				m.handlers.OnMessagesRead(reply.MessagesRead.ReaderID, reply.MessagesRead.MessageIDs)
			}
		case protocol.TypeOnlineStatus:
			if m.handlers.OnOnlineStatus != nil {
				var lastSeen time.Time
				if reply.OnlineStatus.LastSeen != nil {
					lastSeen = reply.OnlineStatus.LastSeen.Time
				}
				m.handlers.OnOnlineStatus(reply.OnlineStatus.UserID, reply.OnlineStatus.IsOnline, lastSeen)
			}
		case protocol.TypePong:
			// Heartbeat liveness only; absence of a timely pong is not
			// monitored at this layer.
		}
	}
}

// SendMessage emits a message envelope so the receiver's devices (and the
// sender's other devices) learn of the send without waiting on a poll cycle.
func (m *Manager) SendMessage(receiverID int64, content, correlationID string, messageID int64, replyTo []byte) error {
	if !m.IsActive() {
		return ErrNotActive
	}
	return m.writeFrame(protocol.Message{
		ReceiverID:    receiverID,
		Content:       content,
		CorrelationID: correlationID,
		MessageID:     messageID,
		ReplyTo:       replyTo,
	}.Encode())
}

// SendTyping emits a typing indicator. Start signals are throttled to one
// per conversation per TypingInterval regardless of input cadence; stop
// signals always pass.
func (m *Manager) SendTyping(receiverID int64, isTyping bool) error {
	if !m.IsActive() {
		return ErrNotActive
	}
	if isTyping && !m.typingAllowed(receiverID) {
		return nil
	}
	return m.writeFrame(protocol.Typing{ReceiverID: receiverID, IsTyping: isTyping}.Encode())
}

// SendReadReceipt reports read messages back to their original sender.
func (m *Manager) SendReadReceipt(senderID int64, messageIDs []int64) error {
	if !m.IsActive() {
		return ErrNotActive
	}
	return m.writeFrame(protocol.Read{SenderID: senderID, MessageIDs: messageIDs}.Encode())
}

func (m *Manager) typingAllowed(receiverID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	limiter := m.typing[receiverID]
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(m.cfg.TypingInterval), 1)
		m.typing[receiverID] = limiter
	}
	return limiter.Allow()
}

func (m *Manager) writeFrame(frame []byte) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotActive
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(transportWriteWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (m *Manager) startHeartbeat() {
	m.mu.Lock()
	if m.hbStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.hbStop = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.writeFrame(protocol.EncodePing()); err != nil {
					return
				}
			case <-stop:
				return
			case <-m.closeCh:
				return
			}
		}
	}()
}

func (m *Manager) stopHeartbeat() {
	m.mu.Lock()
	stop := m.hbStop
	m.hbStop = nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (m *Manager) attachConn(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}

func (m *Manager) detachConn(conn *websocket.Conn) {
	conn.Close()
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()
	if m.handlers.OnStateChange != nil {
		m.handlers.OnStateChange(state)
	}
}
