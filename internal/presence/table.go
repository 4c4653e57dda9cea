// Package presence tracks the YMSG sessions currently connected to this
// process.
package presence

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Session is the observed state of one connection.
type Session struct {
	ConnID     string    `json:"conn_id"`
	Peer       string    `json:"peer"`
	OpenedAt   time.Time `json:"opened_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Reads      uint64    `json:"reads"`
}

// Table is safe for concurrent use by every connection goroutine.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewTable() *Table {
	return &Table{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Add records a new connection, replacing any stale entry with the same id.
func (t *Table) Add(connID, peer string) Session {
	now := t.now().UTC()
	s := &Session{
		ConnID:     connID,
		Peer:       peer,
		OpenedAt:   now,
		LastSeenAt: now,
	}
	t.mu.Lock()
	t.sessions[connID] = s
	t.mu.Unlock()
	return *s
}

// Touch marks activity on connID. It reports false for unknown ids.
func (t *Table) Touch(connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[connID]
	if !ok {
		return false
	}
	s.LastSeenAt = t.now().UTC()
	s.Reads++
	return true
}

func (t *Table) Remove(connID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[connID]
	if !ok {
		return Session{}, false
	}
	delete(t.sessions, connID)
	return *s, true
}

func (t *Table) Get(connID string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[connID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Snapshot returns copies ordered by connection id, which sorts by open time
// for time-ordered ids.
func (t *Table) Snapshot() []Session {
	t.mu.RLock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, *s)
	}
	t.mu.RUnlock()
	slices.SortFunc(out, func(a, b Session) int {
		return strings.Compare(a.ConnID, b.ConnID)
	})
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Idle returns sessions with no activity since before cutoff.
func (t *Table) Idle(cutoff time.Time) []Session {
	var out []Session
	for _, s := range t.Snapshot() {
		if s.LastSeenAt.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}
