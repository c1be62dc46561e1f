package session

import (
	"context"
	"time"

	"github.com/yosyus-Yo/Realtutor/internal/capability"
)

// Level is the learner's declared proficiency.
type Level string

const (
	LevelBeginner     Level = "beginner"
	LevelIntermediate Level = "intermediate"
	LevelAdvanced     Level = "advanced"
)

// Role tags one message in the conversation transcript.
type Role string

const (
	RoleUser   Role = "user"
	RoleTutor  Role = "tutor"
	RoleSystem Role = "system"
)

// Message is one turn in the conversation. The history is append-only: it is
// never mutated, only extended.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is the persisted view of a live session. The in-memory session is
// the source of truth while live; snapshots are last-write-wins upserts.
type Snapshot struct {
	ID           string              `json:"id"`
	UserID       string              `json:"user_id"`
	Subject      string              `json:"subject"`
	Level        Level               `json:"level"`
	Messages     []Message           `json:"messages"`
	Connected    bool                `json:"connected"`
	AudioActive  bool                `json:"audio_active"`
	VideoActive  bool                `json:"video_active"`
	ScreenActive bool                `json:"screen_active"`
	Processing   bool                `json:"processing"`
	Speaking     bool                `json:"speaking"`
	UpdatedAt    time.Time           `json:"updated_at"`
	Capabilities capability.Snapshot `json:"-"`
}

// Store persists session snapshots keyed by session id.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	Get(ctx context.Context, id string) (*Snapshot, error)
}

// OfflineQueue accepts persistence actions that could not be applied
// directly; they are replayed later in FIFO order with bounded retries.
type OfflineQueue interface {
	Enqueue(actionType string, payload any) error
}

// Recognizer is the supervised speech-to-text surface the session consumes.
type Recognizer interface {
	Start(ctx context.Context) error
	Stop()
	Partials() <-chan string
	Finals() <-chan string
	SendPCM16KLE(pcm []byte) error
}

// Speaker is the speech synthesis surface the session consumes.
type Speaker interface {
	Speak(ctx context.Context, text string)
	Cancel()
	IsSpeaking() bool
}

// FrameArchive stores sampled frames out of band, best effort.
type FrameArchive interface {
	StoreFrame(ctx context.Context, sessionID string, capturedAt time.Time, mimeType string, data []byte) error
}
