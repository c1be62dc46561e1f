package recognizer

import (
	"context"
	"errors"
)

// Engine is one live speech-to-text connection. Engines are single-use: once
// Closed fires they are discarded and the supervisor builds a fresh one.
type Engine interface {
	Connect(ctx context.Context) error
	// SendPCM16KLE accepts 16 kHz little-endian mono PCM.
	SendPCM16KLE(pcm []byte) error
	// Partials emits interim transcripts for live display.
	Partials() <-chan string
	// Finals emits finalized utterance deltas.
	Finals() <-chan string
	// Closed is closed when the engine terminates for any reason.
	Closed() <-chan struct{}
	// Err reports the terminal error once Closed fires; nil means a clean stop.
	Err() error
	Close() error
}

// EngineFactory builds a fresh engine instance. The supervisor never reuses
// an engine across restarts so no native resources leak across reconnects.
type EngineFactory func() Engine

// ErrNoSpeech marks the benign "nothing was said" condition. It is swallowed
// by the supervisor and never surfaced to the user.
var ErrNoSpeech = errors.New("recognizer: no speech detected")

// ErrNotConnected is returned when audio is pushed before Connect succeeds.
var ErrNotConnected = errors.New("recognizer: not connected")

// State is the supervisor lifecycle.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateListening
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	default:
		return "stopped"
	}
}
