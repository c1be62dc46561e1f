package capability

import (
	"context"
	"errors"
)

// Modality identifies one capture modality.
type Modality string

const (
	ModalityAudio  Modality = "audio"
	ModalityCamera Modality = "camera"
	ModalityScreen Modality = "screen"
)

// ModalityState is the lifecycle of a single modality.
type ModalityState int

const (
	StateInactive ModalityState = iota
	StateRequested
	StateActive
)

func (s ModalityState) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateActive:
		return "active"
	default:
		return "inactive"
	}
}

// VisualSource is the single visual input slot. Camera and screen share are
// mutually exclusive by construction: there is one slot, not two flags.
type VisualSource int

const (
	VisualNone VisualSource = iota
	VisualCamera
	VisualScreen
)

func (v VisualSource) String() string {
	switch v {
	case VisualCamera:
		return "camera"
	case VisualScreen:
		return "screen"
	default:
		return "none"
	}
}

// Constraints carries capture hints forwarded to the provider.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	Width            int
	Height           int
}

// DefaultAudioConstraints matches the capture settings used for the tutoring path.
func DefaultAudioConstraints() Constraints {
	return Constraints{EchoCancellation: true, NoiseSuppression: true}
}

// DefaultVideoConstraints requests a modest resolution to keep frame samples small.
func DefaultVideoConstraints() Constraints {
	return Constraints{Width: 1280, Height: 720}
}

// Stream is a live capture stream owned by the negotiator.
// Done is closed when the underlying track ends on its own (device removed,
// user stopped sharing from the picker).
type Stream interface {
	Stop()
	Done() <-chan struct{}
}

// Provider acquires capture streams. The production implementation asks the
// connected client over the control channel; tests use a fake.
type Provider interface {
	AcquireAudio(ctx context.Context, c Constraints) (Stream, error)
	AcquireCamera(ctx context.Context, c Constraints) (Stream, error)
	AcquireScreen(ctx context.Context, c Constraints) (Stream, error)
}

// Classified acquisition errors. Providers must wrap their failures in one of
// these so the negotiator can produce the right advisory.
var (
	ErrPermissionDenied = errors.New("capability: permission denied")
	ErrNoDevice         = errors.New("capability: no device found")
	ErrCancelled        = errors.New("capability: user cancelled")
	ErrBusy             = errors.New("capability: acquisition already in flight")
)

// Snapshot is the full capability state pushed to subscribers on every
// transition. Consumers treat each snapshot as authoritative replacement
// state, never as a diff.
type Snapshot struct {
	Audio  ModalityState
	Visual VisualSource
	// VisualPending is the source currently being acquired, if any.
	VisualPending VisualSource
}

// AudioActive reports whether the microphone is live.
func (s Snapshot) AudioActive() bool { return s.Audio == StateActive }

// VideoActive reports whether the camera is the active visual source.
func (s Snapshot) VideoActive() bool { return s.Visual == VisualCamera }

// ScreenActive reports whether screen share is the active visual source.
func (s Snapshot) ScreenActive() bool { return s.Visual == VisualScreen }
