package store

import (
	"context"
	"testing"
	"time"

	"github.com/yosyus-Yo/Realtutor/internal/session"
)

func TestMemoryStore_SaveGetRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	snap := &session.Snapshot{
		ID:      "sess-1",
		UserID:  "user-1",
		Subject: "algebra",
		Level:   session.LevelBeginner,
		Messages: []session.Message{
			{ID: "m1", Role: session.RoleUser, Text: "hi", CreatedAt: time.Now()},
		},
		Connected: true,
	}
	if err := s.Save(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	snap.Messages[0].Text = "mutated"

	got, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Messages[0].Text != "hi" {
		t.Fatalf("stored snapshot aliased caller memory: %q", got.Messages[0].Text)
	}
	if got.Subject != "algebra" || !got.Connected {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestMemoryStore_GetUnknownReturnsNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_AppendMessagesIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	msgs := []session.Message{
		{ID: "m1", Role: session.RoleUser, Text: "question"},
		{ID: "m2", Role: session.RoleTutor, Text: "answer"},
	}
	if err := s.AppendMessages(ctx, "sess-1", msgs); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Replaying the same action must not duplicate entries.
	if err := s.AppendMessages(ctx, "sess-1", msgs); err != nil {
		t.Fatalf("replay: %v", err)
	}

	got, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("expected 2 messages after replay, got %d", len(got.Messages))
	}
	if got.Messages[0].ID != "m1" || got.Messages[1].ID != "m2" {
		t.Fatalf("append order lost: %+v", got.Messages)
	}
}

func TestMemoryStore_ListByUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()
	_ = s.Save(ctx, &session.Snapshot{ID: "old", UserID: "u1", UpdatedAt: base.Add(-time.Hour)})
	_ = s.Save(ctx, &session.Snapshot{ID: "new", UserID: "u1", UpdatedAt: base})
	_ = s.Save(ctx, &session.Snapshot{ID: "other", UserID: "u2", UpdatedAt: base})

	got, err := s.ListByUser(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "old" {
		t.Fatalf("expected most recent first, got %+v", got)
	}

	limited, _ := s.ListByUser(ctx, "u1", 1)
	if len(limited) != 1 || limited[0].ID != "new" {
		t.Fatalf("limit not applied: %+v", limited)
	}
}

func TestMemoryStore_AppendPreservesExistingAndOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := &session.Snapshot{
		ID:       "sess-1",
		Messages: []session.Message{{ID: "m1", Role: session.RoleUser, Text: "first"}},
	}
	if err := s.Save(ctx, base); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.AppendMessages(ctx, "sess-1", []session.Message{
		{ID: "m2", Role: session.RoleTutor, Text: "second"},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, _ := s.Get(ctx, "sess-1")
	if len(got.Messages) != 2 || got.Messages[1].ID != "m2" {
		t.Fatalf("expected appended message after existing, got %+v", got.Messages)
	}
}
