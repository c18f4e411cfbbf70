package relay

import (
	"sync"
	"time"
)

type typingKey struct {
	sender   int64
	receiver int64
}

// typingTable tracks last-touched timestamps for (sender, receiver) typing
// pairs. Entries are never broadcast after they age past the TTL; consumers
// treat staleness as "stopped typing", so pruning is opportunistic.
type typingTable struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[typingKey]time.Time
}

func newTypingTable(ttl time.Duration, clock func() time.Time) *typingTable {
	if clock == nil {
		clock = time.Now
	}
	return &typingTable{
		ttl:     ttl,
		now:     clock,
		entries: make(map[typingKey]time.Time),
	}
}

// Touch refreshes the pair's typing timestamp.
func (t *typingTable) Touch(sender, receiver int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	t.entries[typingKey{sender, receiver}] = t.now()
}

// Clear drops the pair's entry, reporting whether it was still fresh.
func (t *typingTable) Clear(sender, receiver int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := typingKey{sender, receiver}
	touched, ok := t.entries[key]
	delete(t.entries, key)
	return ok && t.now().Sub(touched) <= t.ttl
}

// Active reports whether the pair has a fresh typing entry.
func (t *typingTable) Active(sender, receiver int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	touched, ok := t.entries[typingKey{sender, receiver}]
	return ok && t.now().Sub(touched) <= t.ttl
}

// Len counts fresh entries.
func (t *typingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	return len(t.entries)
}

func (t *typingTable) pruneLocked() {
	cutoff := t.now().Add(-t.ttl)
	for key, touched := range t.entries {
		if touched.Before(cutoff) {
			delete(t.entries, key)
		}
	}
}
