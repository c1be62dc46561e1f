package synth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedStreamer emits a fixed number of chunks with a small delay between
// them; a zero-chunk streamer simulates an engine that never starts.
type scriptedStreamer struct {
	chunks   int
	delay    time.Duration
	started  int32
	utterers int32
}

func (f *scriptedStreamer) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	atomic.AddInt32(&f.utterers, 1)
	pcm := make(chan []byte, 16)
	errc := make(chan error, 1)
	go func() {
		defer close(pcm)
		defer close(errc)
		for i := 0; i < f.chunks; i++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.delay):
			}
			atomic.AddInt32(&f.started, 1)
			pcm <- []byte{1, 0, 2, 0}
		}
	}()
	return pcm, errc
}

type countingSink struct {
	mu     sync.Mutex
	writes int
	resets int
	flushs int
}

func (s *countingSink) WritePCM(p []byte) { s.mu.Lock(); s.writes++; s.mu.Unlock() }
func (s *countingSink) FlushTail()        { s.mu.Lock(); s.flushs++; s.mu.Unlock() }
func (s *countingSink) Reset()            { s.mu.Lock(); s.resets++; s.mu.Unlock() }

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout: %s", msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSpeak_SetsAndClearsSpeaking(t *testing.T) {
	st := &scriptedStreamer{chunks: 3, delay: 5 * time.Millisecond}
	sink := &countingSink{}
	sp := NewSpeaker(st, sink, nil)

	var doneCount int32
	sp.OnDone(func(err error) {
		if err == nil {
			atomic.AddInt32(&doneCount, 1)
		}
	})

	sp.Speak(context.Background(), "hello there")
	if !sp.IsSpeaking() {
		t.Fatalf("expected speaking immediately after Speak")
	}
	waitUntil(t, func() bool { return !sp.IsSpeaking() }, "utterance to finish")
	waitUntil(t, func() bool { return atomic.LoadInt32(&doneCount) == 1 }, "done callback")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.writes != 3 {
		t.Fatalf("expected 3 pcm writes, got %d", sink.writes)
	}
	if sink.flushs != 1 {
		t.Fatalf("expected tail flush on clean finish")
	}
}

func TestSpeak_SecondUtteranceCancelsFirst(t *testing.T) {
	st := &scriptedStreamer{chunks: 100, delay: 5 * time.Millisecond}
	sink := &countingSink{}
	sp := NewSpeaker(st, sink, nil)

	sp.Speak(context.Background(), "utterance A")
	waitUntil(t, func() bool { return atomic.LoadInt32(&st.started) > 0 }, "A produced audio")
	sp.Speak(context.Background(), "utterance B")

	// Exactly one utterance active: B.
	if !sp.IsSpeaking() {
		t.Fatalf("expected speaking after second Speak")
	}
	waitUntil(t, func() bool { return atomic.LoadInt32(&st.utterers) == 2 }, "B stream started")
	sink.mu.Lock()
	resets := sink.resets
	sink.mu.Unlock()
	if resets == 0 {
		t.Fatalf("expected sink reset when A was cancelled")
	}
	sp.Cancel()
}

func TestSpeak_WatchdogForcesIdle(t *testing.T) {
	sink := &countingSink{}
	sp := NewSpeaker(&silentStreamer{}, sink, nil).WithWatchdog(20 * time.Millisecond)

	var gotErr atomic.Value
	sp.OnDone(func(err error) {
		if err != nil {
			gotErr.Store(err)
		}
	})

	sp.Speak(context.Background(), "hello")
	waitUntil(t, func() bool { return !sp.IsSpeaking() }, "watchdog to force idle")
	err, _ := gotErr.Load().(error)
	if err != ErrNeverStarted {
		t.Fatalf("expected ErrNeverStarted, got %v", err)
	}
}

func TestCancel_Idempotent(t *testing.T) {
	sp := NewSpeaker(&scriptedStreamer{chunks: 50, delay: 5 * time.Millisecond}, &countingSink{}, nil)
	sp.Speak(context.Background(), "hello")
	sp.Cancel()
	sp.Cancel()
	if sp.IsSpeaking() {
		t.Fatalf("expected idle after cancel")
	}
}

func TestSpeak_EmptyTextIsNoOp(t *testing.T) {
	sp := NewSpeaker(&scriptedStreamer{}, &countingSink{}, nil)
	sp.Speak(context.Background(), "")
	if sp.IsSpeaking() {
		t.Fatalf("empty text must not start an utterance")
	}
}

// silentStreamer accepts the request but never produces audio and never
// closes its channels until the context is cancelled.
type silentStreamer struct{}

func (silentStreamer) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcm := make(chan []byte)
	errc := make(chan error)
	go func() {
		<-ctx.Done()
		close(pcm)
		close(errc)
	}()
	return pcm, errc
}
