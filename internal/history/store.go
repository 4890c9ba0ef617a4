// Package history persists finalized utterances, keyed by room name and
// timestamp. Persistence is strictly fire-and-forget: the merge path never
// blocks on it and never depends on it succeeding.
package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Entry is one finalized utterance as stored.
type Entry struct {
	Room     string    `json:"room"`
	Speaker  string    `json:"speaker"`
	Text     string    `json:"text"`
	SpokenAt time.Time `json:"spokenAt"`
}

// Store persists conversation history.
type Store interface {
	SaveUtterance(ctx context.Context, e Entry) error
	ListByRoom(ctx context.Context, room string) ([]Entry, error)
}

// MemoryStore keeps history in memory. Used in local mode and by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry // room → entries
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]Entry)}
}

func (s *MemoryStore) SaveUtterance(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Room] = append(s.entries[e.Room], e)
	return nil
}

func (s *MemoryStore) ListByRoom(_ context.Context, room string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, len(s.entries[room]))
	copy(out, s.entries[room])
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SpokenAt.Before(out[j].SpokenAt)
	})
	return out, nil
}
