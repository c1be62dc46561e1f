package synth

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultWatchdog is how long the speaker waits for first audio before
// declaring the utterance dead. Some engines accept a request and silently
// never begin playback; without this the speaking flag would stick.
const defaultWatchdog = 2 * time.Second

// Speaker plays at most one utterance at a time. A new Speak cancels the
// current utterance rather than queueing behind it. Synthesis failures are
// non-fatal: they clear the speaking flag and report through onDone.
type Speaker struct {
	streamer Streamer
	sink     Sink
	watchdog time.Duration
	log      *slog.Logger

	// onDone fires when an utterance finishes, is cancelled, or fails.
	onDone func(err error)

	mu       sync.Mutex
	speaking bool
	cancel   context.CancelFunc
	gen      uint64
}

// NewSpeaker builds a speaker over a streamer and sink. A nil sink discards
// audio (text-only degradation).
func NewSpeaker(streamer Streamer, sink Sink, log *slog.Logger) *Speaker {
	if sink == nil {
		sink = nopSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Speaker{streamer: streamer, sink: sink, watchdog: defaultWatchdog, log: log}
}

// WithWatchdog overrides the silent-start watchdog (tests).
func (s *Speaker) WithWatchdog(d time.Duration) *Speaker {
	s.watchdog = d
	return s
}

// OnDone registers the utterance-completion callback.
func (s *Speaker) OnDone(fn func(error)) { s.onDone = fn }

// IsSpeaking reports whether an utterance is currently active.
func (s *Speaker) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Speak cancels any playing utterance and starts a new one. It returns
// immediately; playback runs on its own goroutine.
func (s *Speaker) Speak(ctx context.Context, text string) {
	if text == "" {
		return
	}
	utterCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	prevCancel := s.cancel
	s.gen++
	gen := s.gen
	s.speaking = true
	s.cancel = cancel
	s.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		s.sink.Reset()
	}
	go s.play(utterCtx, gen, text)
}

// Cancel stops the current utterance, if any. Idempotent.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.speaking = false
	s.gen++
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.sink.Reset()
	}
}

func (s *Speaker) play(ctx context.Context, gen uint64, text string) {
	pcmCh, errCh := s.streamer.StreamPCM48k(ctx, text)

	watchdog := time.NewTimer(s.watchdog)
	defer watchdog.Stop()

	var (
		gotAudio  bool
		streamErr error
	)
	openPCM, openErr := true, true
	for openPCM || openErr {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				openPCM = false
				continue
			}
			if len(b) > 0 {
				gotAudio = true
				if s.current(gen) {
					s.sink.WritePCM(b)
				}
			}
		case e, ok := <-errCh:
			if ok && e != nil {
				streamErr = e
			}
			openErr = false
		case <-watchdog.C:
			if !gotAudio {
				// Engine reports nothing; force idle instead of leaving the
				// speaking flag stuck.
				s.log.Warn("synthesis produced no audio before watchdog", "watchdog", s.watchdog.String())
				s.finish(gen, ErrNeverStarted)
				return
			}
		case <-ctx.Done():
			s.finish(gen, nil)
			return
		}
	}

	if streamErr != nil {
		s.log.Warn("synthesis stream error", "error", streamErr)
	}
	if s.current(gen) && gotAudio {
		s.sink.FlushTail()
	}
	s.finish(gen, streamErr)
}

func (s *Speaker) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Speaker) finish(gen uint64, err error) {
	s.mu.Lock()
	if s.gen == gen {
		s.speaking = false
		s.cancel = nil
	}
	s.mu.Unlock()
	if s.onDone != nil {
		s.onDone(err)
	}
}
