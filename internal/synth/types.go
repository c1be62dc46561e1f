package synth

import (
	"context"
	"errors"
)

// Streamer converts text into a stream of 48 kHz PCM16LE mono audio.
type Streamer interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// Sink consumes 48 kHz PCM bytes and performs delivery (Opus encode to the
// peer's audio track). Implementations buffer internally and pace delivery.
type Sink interface {
	WritePCM(pcm []byte)
	// FlushTail pads and drains remaining audio at the end of an utterance.
	FlushTail()
	// Reset drops queued frames immediately (utterance cancellation).
	Reset()
}

// ErrNeverStarted is reported when the synthesis engine accepted the request
// but produced no audio within the watchdog window.
var ErrNeverStarted = errors.New("synth: engine never started playback")

// nopSink discards audio; used when no peer track is attached.
type nopSink struct{}

func (nopSink) WritePCM([]byte) {}
func (nopSink) FlushTail()      {}
func (nopSink) Reset()          {}
