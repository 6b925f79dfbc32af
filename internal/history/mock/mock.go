// Package mock provides a test double for [history.Store].
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/gemos/internal/history"
)

var _ history.Store = (*Store)(nil)

// Store records every entry in memory and can be scripted to fail.
type Store struct {
	mu sync.Mutex

	// RecordErr is returned by Record when non-nil. Failed entries are not
	// stored.
	RecordErr error

	// RecentErr is returned by Recent when non-nil.
	RecentErr error

	Entries     []history.Entry
	RecentCalls []int
}

// Record implements [history.Store].
func (s *Store) Record(_ context.Context, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RecordErr != nil {
		return s.RecordErr
	}
	s.Entries = append(s.Entries, history.Entry{Role: role, Content: content, At: time.Now()})
	return nil
}

// Recent implements [history.Store].
func (s *Store) Recent(_ context.Context, n int) ([]history.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecentCalls = append(s.RecentCalls, n)
	if s.RecentErr != nil {
		return nil, s.RecentErr
	}
	start := max(0, len(s.Entries)-n)
	return append([]history.Entry{}, s.Entries[start:]...), nil
}

// Snapshot returns a copy of the recorded entries.
func (s *Store) Snapshot() []history.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]history.Entry(nil), s.Entries...)
}
