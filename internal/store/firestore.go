package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yosyus-Yo/Realtutor/internal/session"
)

// ErrNotFound is returned when no document exists for a session id.
var ErrNotFound = errors.New("store: session not found")

// FirestoreStore persists session snapshots in a "sessions" collection, one
// document per session keyed by session id. Writes are last-write-wins
// upserts except message appends, which use the server-side array union so
// concurrent replays never duplicate or drop entries.
type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestoreStore(ctx context.Context, projectID string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("store: projectID is required for Firestore")
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: creating firestore client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

func (s *FirestoreStore) sessionDoc(id string) *firestore.DocumentRef {
	return s.client.Collection("sessions").Doc(id)
}

type sessionDoc struct {
	UserID       string       `firestore:"user_id"`
	Subject      string       `firestore:"subject"`
	Level        string       `firestore:"level"`
	Messages     []messageDoc `firestore:"messages"`
	Connected    bool         `firestore:"connected"`
	AudioActive  bool         `firestore:"audio_active"`
	VideoActive  bool         `firestore:"video_active"`
	ScreenActive bool         `firestore:"screen_active"`
	Processing   bool         `firestore:"processing"`
	Speaking     bool         `firestore:"speaking"`
	UpdatedAt    time.Time    `firestore:"updated_at"`
}

type messageDoc struct {
	ID        string    `firestore:"id"`
	Role      string    `firestore:"role"`
	Text      string    `firestore:"text"`
	CreatedAt time.Time `firestore:"created_at"`
}

func toMessageDoc(m session.Message) messageDoc {
	return messageDoc{ID: m.ID, Role: string(m.Role), Text: m.Text, CreatedAt: m.CreatedAt}
}

func fromMessageDoc(d messageDoc) session.Message {
	return session.Message{ID: d.ID, Role: session.Role(d.Role), Text: d.Text, CreatedAt: d.CreatedAt}
}

// Save upserts the full snapshot.
func (s *FirestoreStore) Save(ctx context.Context, snap *session.Snapshot) error {
	msgs := make([]messageDoc, len(snap.Messages))
	for i, m := range snap.Messages {
		msgs[i] = toMessageDoc(m)
	}
	doc := sessionDoc{
		UserID:       snap.UserID,
		Subject:      snap.Subject,
		Level:        string(snap.Level),
		Messages:     msgs,
		Connected:    snap.Connected,
		AudioActive:  snap.AudioActive,
		VideoActive:  snap.VideoActive,
		ScreenActive: snap.ScreenActive,
		Processing:   snap.Processing,
		Speaking:     snap.Speaking,
		UpdatedAt:    snap.UpdatedAt,
	}
	if _, err := s.sessionDoc(snap.ID).Set(ctx, doc); err != nil {
		return fmt.Errorf("store: firestore Save: %w", err)
	}
	return nil
}

// Get loads one snapshot by session id.
func (s *FirestoreStore) Get(ctx context.Context, id string) (*session.Snapshot, error) {
	snap, err := s.sessionDoc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: firestore Get: %w", err)
	}
	var doc sessionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("store: firestore Get decode: %w", err)
	}
	msgs := make([]session.Message, len(doc.Messages))
	for i, m := range doc.Messages {
		msgs[i] = fromMessageDoc(m)
	}
	return &session.Snapshot{
		ID:           id,
		UserID:       doc.UserID,
		Subject:      doc.Subject,
		Level:        session.Level(doc.Level),
		Messages:     msgs,
		Connected:    doc.Connected,
		AudioActive:  doc.AudioActive,
		VideoActive:  doc.VideoActive,
		ScreenActive: doc.ScreenActive,
		Processing:   doc.Processing,
		Speaking:     doc.Speaking,
		UpdatedAt:    doc.UpdatedAt,
	}, nil
}

// AppendMessages unions messages into the stored array in one server-side
// operation. Replaying the same append is idempotent because union matches
// on full element value, message ids included.
func (s *FirestoreStore) AppendMessages(ctx context.Context, sessionID string, msgs []session.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	elems := make([]interface{}, len(msgs))
	for i, m := range msgs {
		elems[i] = toMessageDoc(m)
	}
	_, err := s.sessionDoc(sessionID).Set(ctx, map[string]interface{}{
		"messages":   firestore.ArrayUnion(elems...),
		"updated_at": time.Now(),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("store: firestore AppendMessages: %w", err)
	}
	return nil
}

// ListByUser returns a user's sessions, most recent first.
func (s *FirestoreStore) ListByUser(ctx context.Context, userID string, limit int) ([]*session.Snapshot, error) {
	q := s.client.Collection("sessions").
		Where("user_id", "==", userID).
		OrderBy("updated_at", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*session.Snapshot
	for {
		docSnap, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return nil, fmt.Errorf("store: firestore ListByUser: %w", err)
		}
		var doc sessionDoc
		if err := docSnap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("store: firestore ListByUser decode: %w", err)
		}
		msgs := make([]session.Message, len(doc.Messages))
		for i, m := range doc.Messages {
			msgs[i] = fromMessageDoc(m)
		}
		out = append(out, &session.Snapshot{
			ID:        docSnap.Ref.ID,
			UserID:    doc.UserID,
			Subject:   doc.Subject,
			Level:     session.Level(doc.Level),
			Messages:  msgs,
			Connected: doc.Connected,
			UpdatedAt: doc.UpdatedAt,
		})
	}
	return out, nil
}

// Close releases the underlying client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
