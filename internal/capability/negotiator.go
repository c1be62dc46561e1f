package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Hooks let the session react to modality lifecycle without polling snapshots.
// All hooks are optional and are invoked outside the negotiator lock.
type Hooks struct {
	// AudioStarted receives the live microphone stream (feeds the recognizer).
	AudioStarted func(Stream)
	// AudioStopped fires on explicit stop and on device loss.
	AudioStopped func()
	// VisualStarted receives the active visual source and its stream.
	VisualStarted func(VisualSource, Stream)
	// VisualStopped fires when the visual slot empties or is replaced.
	VisualStopped func(VisualSource)
}

// Negotiator owns the capture streams and enforces the capability invariants:
// camera and screen share one visual slot, audio is independent, and an
// "active" state always corresponds to a live stream.
type Negotiator struct {
	provider Provider
	hooks    Hooks
	log      *slog.Logger

	mu          sync.Mutex
	audio       ModalityState
	audioStream Stream
	audioGen    uint64

	visual        VisualSource
	visualPending VisualSource
	visualStream  Stream
	visualGen     uint64

	subscribers []func(Snapshot)
	advisory    func(string)
}

// NewNegotiator constructs a Negotiator around a provider.
func NewNegotiator(provider Provider, hooks Hooks, log *slog.Logger) *Negotiator {
	if log == nil {
		log = slog.Default()
	}
	return &Negotiator{provider: provider, hooks: hooks, log: log}
}

// Subscribe registers a snapshot consumer. The current snapshot is delivered
// immediately so consumers never start from a guess.
func (n *Negotiator) Subscribe(fn func(Snapshot)) {
	n.mu.Lock()
	n.subscribers = append(n.subscribers, fn)
	snap := n.snapshotLocked()
	n.mu.Unlock()
	fn(snap)
}

// OnAdvisory registers the user-facing advisory sink.
func (n *Negotiator) OnAdvisory(fn func(string)) {
	n.mu.Lock()
	n.advisory = fn
	n.mu.Unlock()
}

// Snapshot returns the current capability state.
func (n *Negotiator) Snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snapshotLocked()
}

func (n *Negotiator) snapshotLocked() Snapshot {
	return Snapshot{Audio: n.audio, Visual: n.visual, VisualPending: n.visualPending}
}

func (n *Negotiator) notify() {
	n.mu.Lock()
	snap := n.snapshotLocked()
	subs := make([]func(Snapshot), len(n.subscribers))
	copy(subs, n.subscribers)
	n.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

func (n *Negotiator) advise(msg string) {
	n.mu.Lock()
	fn := n.advisory
	n.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// StartAudio requests microphone access. Acquisition failures are advisory,
// never fatal: the error return lets callers know the attempt failed, but
// session state stays consistent and the user may retry.
func (n *Negotiator) StartAudio(ctx context.Context) error {
	n.mu.Lock()
	switch n.audio {
	case StateActive:
		n.mu.Unlock()
		return nil
	case StateRequested:
		n.mu.Unlock()
		return ErrBusy
	}
	n.audio = StateRequested
	n.mu.Unlock()
	n.notify()

	stream, err := n.provider.AcquireAudio(ctx, DefaultAudioConstraints())
	if err != nil {
		n.mu.Lock()
		n.audio = StateInactive
		n.mu.Unlock()
		n.notify()
		n.advise(advisoryFor(ModalityAudio, err))
		return fmt.Errorf("start audio: %w", err)
	}

	n.mu.Lock()
	n.audio = StateActive
	n.audioStream = stream
	n.audioGen++
	gen := n.audioGen
	n.mu.Unlock()
	n.notify()
	if n.hooks.AudioStarted != nil {
		n.hooks.AudioStarted(stream)
	}
	go n.watchAudio(stream, gen)
	return nil
}

// StopAudio is idempotent; stopping inactive audio is a no-op.
func (n *Negotiator) StopAudio() {
	n.mu.Lock()
	if n.audio != StateActive {
		n.mu.Unlock()
		return
	}
	stream := n.audioStream
	n.audio = StateInactive
	n.audioStream = nil
	n.audioGen++
	n.mu.Unlock()
	if stream != nil {
		stream.Stop()
	}
	n.notify()
	if n.hooks.AudioStopped != nil {
		n.hooks.AudioStopped()
	}
}

// StartVideo activates the camera as the visual source.
func (n *Negotiator) StartVideo(ctx context.Context) error {
	return n.startVisual(ctx, VisualCamera)
}

// StartScreen activates screen share as the visual source.
func (n *Negotiator) StartScreen(ctx context.Context) error {
	return n.startVisual(ctx, VisualScreen)
}

// startVisual acquires the requested source and only then swaps it into the
// visual slot, stopping whatever occupied it. A failed acquisition therefore
// leaves the previous source running, and the at-most-one-active invariant
// holds throughout because the new source is Requested, not Active, while in
// flight.
func (n *Negotiator) startVisual(ctx context.Context, want VisualSource) error {
	n.mu.Lock()
	if n.visualPending != VisualNone {
		n.mu.Unlock()
		return ErrBusy
	}
	if n.visual == want {
		n.mu.Unlock()
		return nil
	}
	n.visualPending = want
	n.mu.Unlock()
	n.notify()

	var (
		stream Stream
		err    error
	)
	switch want {
	case VisualCamera:
		stream, err = n.provider.AcquireCamera(ctx, DefaultVideoConstraints())
	case VisualScreen:
		stream, err = n.provider.AcquireScreen(ctx, DefaultVideoConstraints())
	default:
		err = fmt.Errorf("unknown visual source %v", want)
	}
	if err != nil {
		n.mu.Lock()
		n.visualPending = VisualNone
		n.mu.Unlock()
		n.notify()
		modality := ModalityCamera
		if want == VisualScreen {
			modality = ModalityScreen
		}
		n.advise(advisoryFor(modality, err))
		return fmt.Errorf("start %s: %w", want, err)
	}

	n.mu.Lock()
	prev := n.visual
	prevStream := n.visualStream
	n.visual = want
	n.visualStream = stream
	n.visualPending = VisualNone
	n.visualGen++
	gen := n.visualGen
	n.mu.Unlock()

	if prevStream != nil {
		prevStream.Stop()
	}
	if prev != VisualNone && n.hooks.VisualStopped != nil {
		n.hooks.VisualStopped(prev)
	}
	n.notify()
	if n.hooks.VisualStarted != nil {
		n.hooks.VisualStarted(want, stream)
	}
	go n.watchVisual(stream, gen)
	return nil
}

// StopVideo stops the camera if it is the active visual source.
func (n *Negotiator) StopVideo() { n.stopVisual(VisualCamera) }

// StopScreen stops screen share if it is the active visual source.
func (n *Negotiator) StopScreen() { n.stopVisual(VisualScreen) }

func (n *Negotiator) stopVisual(want VisualSource) {
	n.mu.Lock()
	if n.visual != want {
		n.mu.Unlock()
		return
	}
	stream := n.visualStream
	n.visual = VisualNone
	n.visualStream = nil
	n.visualGen++
	n.mu.Unlock()
	if stream != nil {
		stream.Stop()
	}
	n.notify()
	if n.hooks.VisualStopped != nil {
		n.hooks.VisualStopped(want)
	}
}

// Close releases every stream. Safe to call more than once.
func (n *Negotiator) Close() {
	n.StopAudio()
	n.StopVideo()
	n.StopScreen()
}

// watchAudio forces the audio modality inactive when the device drops
// mid-session. The generation guard ignores streams we already replaced.
func (n *Negotiator) watchAudio(stream Stream, gen uint64) {
	<-stream.Done()
	n.mu.Lock()
	if n.audioGen != gen || n.audio != StateActive {
		n.mu.Unlock()
		return
	}
	n.audio = StateInactive
	n.audioStream = nil
	n.audioGen++
	n.mu.Unlock()
	n.log.Warn("audio stream ended unexpectedly")
	n.notify()
	n.advise("Microphone was disconnected.")
	if n.hooks.AudioStopped != nil {
		n.hooks.AudioStopped()
	}
}

func (n *Negotiator) watchVisual(stream Stream, gen uint64) {
	<-stream.Done()
	n.mu.Lock()
	if n.visualGen != gen || n.visual == VisualNone {
		n.mu.Unlock()
		return
	}
	ended := n.visual
	n.visual = VisualNone
	n.visualStream = nil
	n.visualGen++
	n.mu.Unlock()
	n.log.Warn("visual stream ended unexpectedly", "source", ended.String())
	n.notify()
	n.advise(fmt.Sprintf("%s capture ended.", ended))
	if n.hooks.VisualStopped != nil {
		n.hooks.VisualStopped(ended)
	}
}

func advisoryFor(m Modality, err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return fmt.Sprintf("Permission for %s was denied. Check browser settings and try again.", m)
	case errors.Is(err, ErrNoDevice):
		return fmt.Sprintf("No %s device was found.", m)
	case errors.Is(err, ErrCancelled):
		return fmt.Sprintf("The %s picker was dismissed.", m)
	default:
		return fmt.Sprintf("Could not start %s. Please try again.", m)
	}
}
