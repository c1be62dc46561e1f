package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yosyus-Yo/Realtutor/internal/session"
)

// MemoryStore keeps snapshots in memory. It backs local development and
// tests, and mirrors the Firestore store's semantics: last-write-wins
// upserts and value-union message appends.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*session.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*session.Snapshot)}
}

func (s *MemoryStore) Save(ctx context.Context, snap *session.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[snap.ID] = cloneSnapshot(snap)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*session.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSnapshot(snap), nil
}

// AppendMessages unions messages into the stored array, matching by message
// id so replays do not duplicate entries. Appending to an unknown session
// creates a bare document, like a merge write would.
func (s *MemoryStore) AppendMessages(ctx context.Context, sessionID string, msgs []session.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.items[sessionID]
	if !ok {
		snap = &session.Snapshot{ID: sessionID}
		s.items[sessionID] = snap
	}
	seen := make(map[string]bool, len(snap.Messages))
	for _, m := range snap.Messages {
		seen[m.ID] = true
	}
	for _, m := range msgs {
		if seen[m.ID] {
			continue
		}
		snap.Messages = append(snap.Messages, m)
		seen[m.ID] = true
	}
	snap.UpdatedAt = time.Now()
	return nil
}

// ListByUser returns a user's sessions, most recent first.
func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*session.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*session.Snapshot
	for _, snap := range s.items {
		if snap.UserID == userID {
			out = append(out, cloneSnapshot(snap))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneSnapshot(in *session.Snapshot) *session.Snapshot {
	out := *in
	out.Messages = make([]session.Message, len(in.Messages))
	copy(out.Messages, in.Messages)
	return &out
}
