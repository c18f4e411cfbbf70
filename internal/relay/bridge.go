package relay

import (
	"crypto/subtle"
	"encoding/json"

	"github.com/mustafarec/KulturaX-sub003/internal/journal"
	"github.com/mustafarec/KulturaX-sub003/internal/logging"
	"github.com/mustafarec/KulturaX-sub003/internal/protocol"
)

// handleBridge services the trusted one-shot injection path used by stateless
// backend workers. The shared secret is the sole trust boundary between the
// relay and the rest of the backend and must fail closed: any mismatch (or an
// unconfigured secret) closes the connection with no reply. The ok
// acknowledgment follows an actual fan-out: an authenticated envelope with a
// missing receiver or an invalid payload is dropped without one, so workers
// never mistake a dropped broadcast for a delivery. In every outcome the
// relay itself closes the connection.
func (b *Broker) handleBridge(s *Session, ib *protocol.InternalBroadcast) {
	if len(b.bridgeSecret) == 0 ||
		subtle.ConstantTimeCompare([]byte(ib.Secret), b.bridgeSecret) != 1 {
		b.denied.Add(1)
		b.record(journal.Event{Kind: journal.EventBridgeDenied, ConnID: s.id})
		b.log.Warn("internal broadcast rejected, possible intrusion attempt",
			logging.String("conn_id", s.id))
		s.shutdown()
		return
	}

	// A wire-level null payload round-trips as the literal bytes "null".
	empty := len(ib.Payload) == 0 || string(ib.Payload) == "null"
	if ib.ReceiverID <= 0 || empty || !json.Valid(ib.Payload) {
		b.log.Warn("internal broadcast dropped, incomplete envelope",
			logging.String("conn_id", s.id),
			logging.Int64("receiver_id", ib.ReceiverID))
		s.shutdown()
		return
	}
	b.fanout(ib.ReceiverID, ib.Payload)
	s.deliver(protocol.EncodeOK())
	s.shutdown()
}
