package relay

import (
	"errors"
	"sync"
	"time"
)

// ErrAlreadyBound reports an attempt to bind a connection that already has an
// owner. A connection's user is set exactly once and never reassigned.
var ErrAlreadyBound = errors.New("connection already bound to a user")

// Registry owns the mapping between authenticated users and their live
// connections. A single mutex guards both directions of the index; handlers
// never touch the maps directly.
type Registry struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[*Session]struct{}
	byUser   map[int64]map[*Session]struct{}
	owner    map[*Session]int64
}

// NewRegistry constructs an empty registry using the supplied clock.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		now:      clock,
		sessions: make(map[*Session]struct{}),
		byUser:   make(map[int64]map[*Session]struct{}),
		owner:    make(map[*Session]int64),
	}
}

// Attach records a freshly-opened connection before authentication.
func (r *Registry) Attach(s *Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = struct{}{}
	return len(r.sessions)
}

// Bind associates the connection with userID. The returned flag reports
// whether this is the user's first live connection, which is the only moment
// an "online" presence transition fires.
func (r *Registry) Bind(s *Session, userID int64) (first bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.owner[s]; ok {
		if owner == userID {
			return false, nil
		}
		return false, ErrAlreadyBound
	}
	set := r.byUser[userID]
	if set == nil {
		set = make(map[*Session]struct{})
		r.byUser[userID] = set
	}
	first = len(set) == 0
	set[s] = struct{}{}
	r.owner[s] = userID
	return first, nil
}

// Detach removes the connection on transport close. When the owner's set
// becomes empty the user transitioned offline; lastSeen carries the transition
// timestamp. The reverse index makes the removal O(1).
func (r *Registry) Detach(s *Session) (userID int64, last bool, lastSeen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s)
	userID, bound := r.owner[s]
	if !bound {
		return 0, false, time.Time{}
	}
	delete(r.owner, s)
	if set := r.byUser[userID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(r.byUser, userID)
			return userID, true, r.now()
		}
	}
	return userID, false, time.Time{}
}

// UserSessions snapshots the connection set for one user.
func (r *Registry) UserSessions(userID int64) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	sessions := make([]*Session, 0, len(set))
	for s := range set {
		sessions = append(sessions, s)
	}
	return sessions
}

// AllSessions snapshots every live connection, authenticated or not.
func (r *Registry) AllSessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Owner reports the user a connection is bound to, if any.
func (r *Registry) Owner(s *Session) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.owner[s]
	return userID, ok
}

// IsOnline reports whether the user has at least one live connection.
// Presence is derived; it is never stored independently.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID]) > 0
}

// OnlineCount returns the number of users with at least one connection.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

// ConnectionCount returns the number of open connections.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
