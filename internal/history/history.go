// Package history records the conversation transcript of a voice session.
//
// A [Store] receives one entry per user utterance and one per assistant
// reply. The orchestrator reads the most recent entries back as dialogue
// context. Two implementations are provided: [MemoryStore] for tests and
// offline use, and [PostgresStore] for persistent logs.
package history

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Roles accepted by [Store.Record].
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultMemoryLimit is the number of entries a [MemoryStore] keeps when no
// limit is given.
const DefaultMemoryLimit = 500

// ErrInvalidRole is returned by Record for roles other than [RoleUser] and
// [RoleAssistant].
var ErrInvalidRole = errors.New("history: invalid role")

// Entry is one line of the transcript.
type Entry struct {
	SessionID string
	Role      string
	Content   string
	At        time.Time
}

// Store persists transcript entries.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Record appends content spoken by role.
	Record(ctx context.Context, role, content string) error

	// Recent returns up to n of the latest entries, oldest first.
	Recent(ctx context.Context, n int) ([]Entry, error)
}

// ValidRole reports whether role may be recorded.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps the latest entries in memory.
type MemoryStore struct {
	mu        sync.Mutex
	sessionID string
	limit     int
	entries   []Entry
	now       func() time.Time
}

// NewMemoryStore returns a store that keeps at most limit entries. A limit
// of zero or less uses [DefaultMemoryLimit].
func NewMemoryStore(sessionID string, limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &MemoryStore{sessionID: sessionID, limit: limit, now: time.Now}
}

// Record implements [Store].
func (m *MemoryStore) Record(_ context.Context, role, content string) error {
	if !ValidRole(role) {
		return ErrInvalidRole
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{
		SessionID: m.sessionID,
		Role:      role,
		Content:   content,
		At:        m.now(),
	})
	if over := len(m.entries) - m.limit; over > 0 {
		m.entries = append(m.entries[:0:0], m.entries[over:]...)
	}
	return nil
}

// Recent implements [Store].
func (m *MemoryStore) Recent(_ context.Context, n int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		return []Entry{}, nil
	}
	start := max(0, len(m.entries)-n)
	return append([]Entry{}, m.entries[start:]...), nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
