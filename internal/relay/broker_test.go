package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mustafarec/KulturaX-sub003/internal/config"
	"github.com/mustafarec/KulturaX-sub003/internal/logging"
	"github.com/mustafarec/KulturaX-sub003/internal/protocol"
)

const frameWait = 2 * time.Second

func testConfig() *config.Config {
	return &config.Config{
		MaxPayloadBytes: config.DefaultMaxPayloadBytes,
		PingInterval:    time.Minute,
		TypingTTL:       config.DefaultTypingTTL,
	}
}

func startBroker(t *testing.T, cfg *config.Config, opts ...Option) (*Broker, string) {
	t.Helper()
	b := NewBroker(cfg, logging.NewTestLogger(), opts...)
	srv := httptest.NewServer(http.HandlerFunc(b.HandleWS))
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame []byte) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Reply {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(frameWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	reply, err := protocol.DecodeReply(data)
	if err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return reply
}

// authenticate completes the handshake. When this is the user's first live
// connection the relay also broadcasts the presence transition back to the
// same connection, which is consumed here to keep later reads deterministic.
func authenticate(t *testing.T, conn *websocket.Conn, userID int64, firstDevice bool) {
	t.Helper()
	send(t, conn, protocol.Auth{UserID: userID, Token: "token"}.Encode())
	reply := readFrame(t, conn)
	if reply.Type != protocol.TypeAuthSuccess || reply.AuthSuccess.UserID != userID {
		t.Fatalf("expected auth_success for %d, got %+v", userID, reply)
	}
	if firstDevice {
		online := readFrame(t, conn)
		if online.Type != protocol.TypeOnlineStatus || online.OnlineStatus.UserID != userID || !online.OnlineStatus.IsOnline {
			t.Fatalf("expected own online transition, got %+v", online)
		}
	}
}

func TestHandshakeAndPresence(t *testing.T) {
	_, url := startBroker(t, testConfig())

	watcher := dial(t, url)
	authenticate(t, watcher, 1, true)

	other := dial(t, url)
	authenticate(t, other, 2, true)

	reply := readFrame(t, watcher)
	if reply.Type != protocol.TypeOnlineStatus || reply.OnlineStatus.UserID != 2 || !reply.OnlineStatus.IsOnline {
		t.Fatalf("expected online transition for user 2, got %+v", reply)
	}
	if reply.OnlineStatus.LastSeen != nil {
		t.Fatalf("online transition should carry null lastSeen, got %+v", reply.OnlineStatus)
	}

	other.Close()
	reply = readFrame(t, watcher)
	if reply.Type != protocol.TypeOnlineStatus || reply.OnlineStatus.UserID != 2 || reply.OnlineStatus.IsOnline {
		t.Fatalf("expected offline transition for user 2, got %+v", reply)
	}
	if reply.OnlineStatus.LastSeen == nil {
		t.Fatal("offline transition should carry lastSeen")
	}
}

func TestSecondDeviceDoesNotRebroadcastPresence(t *testing.T) {
	_, url := startBroker(t, testConfig())

	first := dial(t, url)
	authenticate(t, first, 1, true)
	second := dial(t, url)
	authenticate(t, second, 1, false)

	// Dropping one of two devices must not announce an offline transition.
	second.Close()
	send(t, first, protocol.EncodePing())
	reply := readFrame(t, first)
	if reply.Type != protocol.TypePong {
		t.Fatalf("expected pong, got spurious %+v", reply)
	}
}

func TestMessageFanOutAcrossDevices(t *testing.T) {
	b, url := startBroker(t, testConfig())

	sender := dial(t, url)
	authenticate(t, sender, 1, true)

	deviceA := dial(t, url)
	authenticate(t, deviceA, 2, true)
	reply := readFrame(t, sender)
	if reply.Type != protocol.TypeOnlineStatus {
		t.Fatalf("expected presence frame, got %+v", reply)
	}
	deviceB := dial(t, url)
	authenticate(t, deviceB, 2, false)

	send(t, sender, protocol.Message{ReceiverID: 2, Content: "hello", CorrelationID: "c-9"}.Encode())

	for _, device := range []*websocket.Conn{deviceA, deviceB} {
		msg := readFrame(t, device)
		if msg.Type != protocol.TypeNewMessage {
			t.Fatalf("expected new_message, got %+v", msg)
		}
		record := msg.NewMessage.Message
		if record.SenderID != 1 || record.ReceiverID != 2 || record.Content != "hello" || record.ClientID != "c-9" {
			t.Fatalf("unexpected record: %+v", record)
		}
		if record.CreatedAt.IsZero() {
			t.Fatal("delivery should carry a timestamp")
		}
		clear := readFrame(t, device)
		if clear.Type != protocol.TypeTyping || clear.Typing.UserID != 1 || clear.Typing.IsTyping {
			t.Fatalf("expected typing cleared, got %+v", clear)
		}
	}

	ack := readFrame(t, sender)
	if ack.Type != protocol.TypeMessageSent || ack.MessageSent.CorrelationID != "c-9" || ack.MessageSent.ReceiverID != 2 {
		t.Fatalf("expected originator acknowledgment, got %+v", ack)
	}

	stats := b.Stats()
	if stats.Delivered == 0 || stats.Broadcasts == 0 {
		t.Fatalf("counters should move: %+v", stats)
	}
}

func TestMessageEchoesPersistedID(t *testing.T) {
	_, url := startBroker(t, testConfig())

	sender := dial(t, url)
	authenticate(t, sender, 1, true)
	receiver := dial(t, url)
	authenticate(t, receiver, 2, true)
	readFrame(t, sender) // presence for user 2

	send(t, sender, protocol.Message{ReceiverID: 2, Content: "hi", CorrelationID: "c-1", MessageID: 77}.Encode())

	msg := readFrame(t, receiver)
	if msg.NewMessage.Message.ID != 77 {
		t.Fatalf("expected persisted id to pass through, got %+v", msg.NewMessage.Message)
	}
	ack := readFrame(t, sender)
	if ack.MessageSent.MessageID != 77 {
		t.Fatalf("expected acknowledgment to echo id, got %+v", ack.MessageSent)
	}
}

func TestIncompleteMessageIsIgnored(t *testing.T) {
	_, url := startBroker(t, testConfig())

	sender := dial(t, url)
	authenticate(t, sender, 1, true)

	send(t, sender, protocol.Message{ReceiverID: 2, Content: "   "}.Encode())
	send(t, sender, protocol.Message{ReceiverID: 0, Content: "hello"}.Encode())
	send(t, sender, protocol.EncodePing())

	reply := readFrame(t, sender)
	if reply.Type != protocol.TypePong {
		t.Fatalf("incomplete envelopes must produce no acknowledgment, got %+v", reply)
	}
}

func TestUnauthenticatedEnvelopesAreIgnored(t *testing.T) {
	_, url := startBroker(t, testConfig())

	conn := dial(t, url)
	send(t, conn, protocol.EncodePing())
	send(t, conn, protocol.Message{ReceiverID: 2, Content: "hi"}.Encode())

	authenticate(t, conn, 1, true)

	send(t, conn, protocol.EncodePing())
	reply := readFrame(t, conn)
	if reply.Type != protocol.TypePong {
		t.Fatalf("pre-auth envelopes must be silently dropped, got %+v", reply)
	}
}

func TestAuthValidation(t *testing.T) {
	_, url := startBroker(t, testConfig())

	conn := dial(t, url)
	send(t, conn, protocol.Auth{UserID: 0, Token: "token"}.Encode())
	reply := readFrame(t, conn)
	if reply.Type != protocol.TypeAuthError {
		t.Fatalf("expected auth_error for missing user id, got %+v", reply)
	}
	send(t, conn, protocol.Auth{UserID: 3, Token: "  "}.Encode())
	reply = readFrame(t, conn)
	if reply.Type != protocol.TypeAuthError {
		t.Fatalf("expected auth_error for blank token, got %+v", reply)
	}

	// The connection survives failed handshakes and can retry.
	authenticate(t, conn, 3, true)
}

type rejectingVerifier struct{}

func (rejectingVerifier) Verify(int64, string) error { return errors.New("no such user") }

func TestAuthConsultsVerifier(t *testing.T) {
	_, url := startBroker(t, testConfig(), WithVerifier(rejectingVerifier{}))

	conn := dial(t, url)
	send(t, conn, protocol.Auth{UserID: 1, Token: "token"}.Encode())
	reply := readFrame(t, conn)
	if reply.Type != protocol.TypeAuthError || reply.AuthError.Message != "invalid credentials" {
		t.Fatalf("expected credential rejection, got %+v", reply)
	}
}

func TestReauthenticationIsIdempotent(t *testing.T) {
	_, url := startBroker(t, testConfig())

	conn := dial(t, url)
	authenticate(t, conn, 1, true)

	// The same user re-authenticating succeeds without a presence broadcast.
	send(t, conn, protocol.Auth{UserID: 1, Token: "token"}.Encode())
	reply := readFrame(t, conn)
	if reply.Type != protocol.TypeAuthSuccess {
		t.Fatalf("expected idempotent auth_success, got %+v", reply)
	}

	send(t, conn, protocol.Auth{UserID: 2, Token: "token"}.Encode())
	reply = readFrame(t, conn)
	if reply.Type != protocol.TypeAuthError {
		t.Fatalf("expected rejection when switching users, got %+v", reply)
	}
}

func TestTypingRelay(t *testing.T) {
	b, url := startBroker(t, testConfig())

	sender := dial(t, url)
	authenticate(t, sender, 1, true)
	receiver := dial(t, url)
	authenticate(t, receiver, 2, true)
	readFrame(t, sender) // presence for user 2

	send(t, sender, protocol.Typing{ReceiverID: 2, IsTyping: true}.Encode())
	reply := readFrame(t, receiver)
	if reply.Type != protocol.TypeTyping || reply.Typing.UserID != 1 || !reply.Typing.IsTyping {
		t.Fatalf("expected typing start, got %+v", reply)
	}
	if b.Stats().TypingPairs != 1 {
		t.Fatalf("expected one live typing pair, got %d", b.Stats().TypingPairs)
	}

	send(t, sender, protocol.Typing{ReceiverID: 2, IsTyping: false}.Encode())
	reply = readFrame(t, receiver)
	if reply.Type != protocol.TypeTyping || reply.Typing.IsTyping {
		t.Fatalf("expected typing stop, got %+v", reply)
	}
	if b.Stats().TypingPairs != 0 {
		t.Fatalf("expected typing pair cleared, got %d", b.Stats().TypingPairs)
	}
}

func TestReadReceiptRelay(t *testing.T) {
	_, url := startBroker(t, testConfig())

	sender := dial(t, url)
	authenticate(t, sender, 1, true)
	reader := dial(t, url)
	authenticate(t, reader, 2, true)
	readFrame(t, sender) // presence for user 2

	send(t, reader, protocol.Read{SenderID: 1, MessageIDs: []int64{10, 11}}.Encode())
	reply := readFrame(t, sender)
	if reply.Type != protocol.TypeMessagesRead || reply.MessagesRead.ReaderID != 2 {
		t.Fatalf("expected messages_read, got %+v", reply)
	}
	if len(reply.MessagesRead.MessageIDs) != 2 || reply.MessagesRead.MessageIDs[0] != 10 {
		t.Fatalf("unexpected id batch: %+v", reply.MessagesRead.MessageIDs)
	}
}

func TestBridgeDelivery(t *testing.T) {
	cfg := testConfig()
	cfg.BridgeSecret = "trusted"
	b, url := startBroker(t, cfg)

	receiver := dial(t, url)
	authenticate(t, receiver, 9, true)

	bridge := dial(t, url)
	payload := json.RawMessage(`{"type":"new_notification","count":3}`)
	send(t, bridge, protocol.InternalBroadcast{Secret: "trusted", ReceiverID: 9, Payload: payload}.Encode())

	reply := readFrame(t, bridge)
	if reply.Type != protocol.TypeOK {
		t.Fatalf("expected ok acknowledgment, got %+v", reply)
	}
	bridge.SetReadDeadline(time.Now().Add(frameWait))
	if _, _, err := bridge.ReadMessage(); err == nil {
		t.Fatal("bridge connection should close after the acknowledgment")
	}

	receiver.SetReadDeadline(time.Now().Add(frameWait))
	_, raw, err := receiver.ReadMessage()
	if err != nil {
		t.Fatalf("receiver read: %v", err)
	}
	if string(raw) != string(payload) {
		t.Fatalf("payload should pass through verbatim: %s", raw)
	}
	if b.Stats().BridgeDenied != 0 {
		t.Fatalf("no denials expected, got %d", b.Stats().BridgeDenied)
	}
}

func TestBridgeRejectsWrongSecret(t *testing.T) {
	cfg := testConfig()
	cfg.BridgeSecret = "trusted"
	b, url := startBroker(t, cfg)

	receiver := dial(t, url)
	authenticate(t, receiver, 9, true)

	bridge := dial(t, url)
	send(t, bridge, protocol.InternalBroadcast{Secret: "guess", ReceiverID: 9, Payload: json.RawMessage(`{}`)}.Encode())

	bridge.SetReadDeadline(time.Now().Add(frameWait))
	if _, _, err := bridge.ReadMessage(); err == nil {
		t.Fatal("rejected bridge connection should close without a reply")
	}
	if b.Stats().BridgeDenied != 1 {
		t.Fatalf("expected one denial, got %d", b.Stats().BridgeDenied)
	}

	// The target never observes the rejected payload.
	send(t, receiver, protocol.EncodePing())
	reply := readFrame(t, receiver)
	if reply.Type != protocol.TypePong {
		t.Fatalf("receiver should only see its pong, got %+v", reply)
	}
}

func TestBridgeDoesNotAcknowledgeDroppedBroadcast(t *testing.T) {
	cfg := testConfig()
	cfg.BridgeSecret = "trusted"
	b, url := startBroker(t, cfg)

	bridge := dial(t, url)
	send(t, bridge, protocol.InternalBroadcast{Secret: "trusted", Payload: json.RawMessage(`{}`)}.Encode())

	// The secret was right but nothing fanned out, so no ok is owed.
	bridge.SetReadDeadline(time.Now().Add(frameWait))
	if _, _, err := bridge.ReadMessage(); err == nil {
		t.Fatal("broadcast without a receiver should close without an acknowledgment")
	}
	if b.Stats().BridgeDenied != 0 {
		t.Fatalf("a dropped broadcast is not a denial, got %d", b.Stats().BridgeDenied)
	}

	bridge = dial(t, url)
	send(t, bridge, protocol.InternalBroadcast{Secret: "trusted", ReceiverID: 9}.Encode())

	bridge.SetReadDeadline(time.Now().Add(frameWait))
	if _, _, err := bridge.ReadMessage(); err == nil {
		t.Fatal("broadcast with an empty payload should close without an acknowledgment")
	}
}

func TestBridgeFailsClosedWithoutSecret(t *testing.T) {
	_, url := startBroker(t, testConfig())

	bridge := dial(t, url)
	send(t, bridge, protocol.InternalBroadcast{Secret: "", ReceiverID: 9, Payload: json.RawMessage(`{}`)}.Encode())

	bridge.SetReadDeadline(time.Now().Add(frameWait))
	if _, _, err := bridge.ReadMessage(); err == nil {
		t.Fatal("unconfigured bridge must deny every request")
	}
}

func TestConnectionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxClients = 1
	_, url := startBroker(t, cfg)

	first := dial(t, url)
	authenticate(t, first, 1, true)

	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("expected dial to fail at the connection limit")
	} else if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", resp.StatusCode)
		}
	}
}
