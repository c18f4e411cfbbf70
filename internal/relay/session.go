package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
)

// Session wraps one live WebSocket connection. The owning user is unknown
// until a successful auth handshake binds it in the registry.
type Session struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool

	userMu sync.Mutex
	userID int64
	authed bool
}

func newSession(conn *websocket.Conn, inboundRate, inboundBurst int) *Session {
	var limiter *rate.Limiter
	if inboundRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(inboundRate), inboundBurst)
	}
	return &Session{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		limiter: limiter,
	}
}

// ID returns the connection identifier used in logs and journal entries.
func (s *Session) ID() string { return s.id }

func (s *Session) bindUser(userID int64) {
	s.userMu.Lock()
	s.userID = userID
	s.authed = true
	s.userMu.Unlock()
}

// user returns the bound user id, or false while unauthenticated.
func (s *Session) user() (int64, bool) {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	return s.userID, s.authed
}

// allow applies the per-connection inbound envelope rate limit.
func (s *Session) allow() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// deliver queues a payload without blocking. Delivery is fire-and-forget: a
// full buffer drops the payload, and the device recovers missed state through
// the durable request/response path.
func (s *Session) deliver(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// shutdown stops the write pump after pending payloads drain. Safe to call
// more than once.
func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// writePump drains the send queue and emits keepalive pings. It owns all
// writes to the underlying connection.
func (s *Session) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
