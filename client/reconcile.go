package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mustafarec/KulturaX-sub003/internal/protocol"
)

// DefaultMatchTolerance bounds the legacy content+timestamp match used for
// records that predate correlation ids.
const DefaultMatchTolerance = time.Minute

// Entry is one visible message in the reverse-chronological conversation
// list. ViewKey is the stable view-identity key: it never changes across
// confirmation or reconciliation, so the rendered item is never remounted.
type Entry struct {
	ViewKey       string
	ID            int64
	CorrelationID string
	SenderID      int64
	ReceiverID    int64
	Content       string
	CreatedAt     time.Time
	Read          bool
	ReplyTo       json.RawMessage
	Pending       bool
}

// ReconcilerOption customises reconciler construction.
type ReconcilerOption func(*Reconciler)

// WithReconcilerClock overrides the time source; primarily used in tests.
func WithReconcilerClock(clock func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithMatchTolerance overrides the legacy match window.
func WithMatchTolerance(tolerance time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if tolerance > 0 {
			r.tolerance = tolerance
		}
	}
}

// Reconciler collapses the three independently-arriving views of one logical
// send (write acknowledgment, realtime echo, batch fetch) into a single
// non-duplicated list. Every merge is idempotent: the realtime channel and
// the polling fallback may both deliver during a reconnect handshake.
type Reconciler struct {
	mu        sync.Mutex
	now       func() time.Time
	tolerance time.Duration
	entries   []Entry // newest first
}

// NewReconciler constructs an empty reconciler.
func NewReconciler(opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{now: time.Now, tolerance: DefaultMatchTolerance}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// SendRequested renders an optimistic entry at the head of the list and
// returns it. The caller carries the correlation id into the durable write.
// The view key is the correlation id itself, so a fetched record carrying the
// id back keys to the same rendered item.
func (r *Reconciler) SendRequested(senderID, receiverID int64, content string, replyTo json.RawMessage) Entry {
	correlationID := uuid.NewString()
	entry := Entry{
		ViewKey:       correlationID,
		CorrelationID: correlationID,
		SenderID:      senderID,
		ReceiverID:    receiverID,
		Content:       content,
		CreatedAt:     r.now(),
		ReplyTo:       replyTo,
		Pending:       true,
	}
	r.mu.Lock()
	r.entries = append([]Entry{entry}, r.entries...)
	r.mu.Unlock()
	return entry
}

// SendConfirmed replaces the optimistic entry's id and timestamp in place,
// preserving list position and view key. A pending entry resolves exactly
// once: repeated confirmations are no-ops. A confirmation without an
// authoritative id is ignored so the entry stays matchable against its
// eventual fetched record.
func (r *Reconciler) SendConfirmed(correlationID string, id int64, createdAt time.Time) bool {
	if correlationID == "" || id == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].CorrelationID != correlationID {
			continue
		}
		if !r.entries[i].Pending {
			return false
		}
		r.entries[i].ID = id
		if !createdAt.IsZero() {
			r.entries[i].CreatedAt = createdAt
		}
		r.entries[i].Pending = false
		return true
	}
	return false
}

// SendFailed removes the optimistic entry entirely; the caller surfaces the
// failure to the user. There is no automatic retry.
func (r *Reconciler) SendFailed(correlationID string) bool {
	if correlationID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].CorrelationID == correlationID && r.entries[i].Pending {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// ReceiveMessage merges one realtime-delivered record. Duplicates by
// authoritative id are dropped; an echo matching a pending correlation id
// confirms that entry in place instead of appending.
func (r *Reconciler) ReceiveMessage(rec protocol.MessageRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.ID != 0 {
		for i := range r.entries {
			if r.entries[i].ID == rec.ID && !r.entries[i].Pending {
				return false
			}
		}
	}
	if rec.ClientID != "" {
		for i := range r.entries {
			if r.entries[i].CorrelationID == rec.ClientID {
				if r.entries[i].Pending {
					r.entries[i].ID = rec.ID
					if !rec.CreatedAt.IsZero() {
						r.entries[i].CreatedAt = rec.CreatedAt.Time
					}
					r.entries[i].Pending = false
					return true
				}
				return false
			}
		}
	}
	r.entries = append([]Entry{entryFromRecord(rec, "")}, r.entries...)
	return true
}

// BatchFetched reconciles a page of authoritative records. refresh reloads
// the newest page (initial load, refresh, poll tick); otherwise the records
// are older history appended to the tail. Pending entries survive unless a
// fetched record matches them by correlation id or, for records lacking one,
// by sender, content and a timestamp within the tolerance window.
func (r *Reconciler) BatchFetched(records []protocol.MessageRecord, refresh bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	viewKeys := make(map[int64]string, len(r.entries))
	var pending []Entry
	var confirmed []Entry
	for _, entry := range r.entries {
		if entry.Pending {
			pending = append(pending, entry)
			continue
		}
		if entry.ID != 0 {
			viewKeys[entry.ID] = entry.ViewKey
		}
		confirmed = append(confirmed, entry)
	}

	fetched := make([]Entry, 0, len(records))
	for _, rec := range records {
		fetched = append(fetched, entryFromRecord(rec, viewKeys[rec.ID]))
	}

	if refresh {
		confirmed = fetched
	} else {
		confirmed = append(confirmed, fetched...)
	}

	consumed := make(map[int]bool, len(confirmed))
	var unmatched []Entry
	for _, p := range pending {
		matched := false
		for i := range confirmed {
			if consumed[i] {
				continue
			}
			if r.matches(p, confirmed[i]) {
				consumed[i] = true
				// The fetched record wins; the view key transfers so the
				// rendered item survives without remounting.
				confirmed[i].ViewKey = p.ViewKey
				matched = true
				break
			}
		}
		if !matched {
			unmatched = append(unmatched, p)
		}
	}

	r.entries = append(unmatched, confirmed...)
}

func (r *Reconciler) matches(pending, fetched Entry) bool {
	if fetched.CorrelationID != "" {
		return fetched.CorrelationID == pending.CorrelationID
	}
	if fetched.SenderID != pending.SenderID || fetched.Content != pending.Content {
		return false
	}
	delta := fetched.CreatedAt.Sub(pending.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	return delta <= r.tolerance
}

// MarkRead flags the given authoritative ids as read.
func (r *Reconciler) MarkRead(messageIDs []int64) {
	if len(messageIDs) == 0 {
		return
	}
	ids := make(map[int64]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if _, ok := ids[r.entries[i].ID]; ok {
			r.entries[i].Read = true
		}
	}
}

// Entries snapshots the visible list, newest first.
func (r *Reconciler) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// PendingCount reports how many optimistic entries remain unresolved.
func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, entry := range r.entries {
		if entry.Pending {
			count++
		}
	}
	return count
}

func entryFromRecord(rec protocol.MessageRecord, viewKey string) Entry {
	if viewKey == "" {
		viewKey = rec.ClientID
	}
	if viewKey == "" {
		viewKey = uuid.NewString()
	}
	return Entry{
		ViewKey:       viewKey,
		ID:            rec.ID,
		CorrelationID: rec.ClientID,
		SenderID:      rec.SenderID,
		ReceiverID:    rec.ReceiverID,
		Content:       rec.Content,
		CreatedAt:     rec.CreatedAt.Time,
		Read:          rec.IsRead != 0,
		ReplyTo:       rec.ReplyTo,
	}
}
