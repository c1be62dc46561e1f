package sampler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSource struct {
	err   error
	grabs int32
}

func (f *fakeSource) Grab(ctx context.Context) (Frame, error) {
	atomic.AddInt32(&f.grabs, 1)
	if f.err != nil {
		return Frame{}, f.err
	}
	return Frame{Data: []byte{0xff, 0xd8}, MIMEType: "image/jpeg", CapturedAt: time.Now()}, nil
}

func TestTick_EmptyBufferProducesNoCall(t *testing.T) {
	buf := &TranscriptBuffer{}
	var calls int32
	s := New(5*time.Millisecond, buf, func(ctx context.Context, smp Sample) {
		atomic.AddInt32(&calls, 1)
	}, nil)
	s.SetSource(&fakeSource{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("expected zero tutor calls with empty transcript, got %d", got)
	}
}

func TestTick_NonEmptyBufferProducesOneCallAndClears(t *testing.T) {
	buf := &TranscriptBuffer{}
	buf.Append("what is a variable")

	var mu sync.Mutex
	var samples []Sample
	s := New(5*time.Millisecond, buf, func(ctx context.Context, smp Sample) {
		mu.Lock()
		samples = append(samples, smp)
		mu.Unlock()
	}, nil)
	s.SetSource(&fakeSource{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(samples)
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sample never forwarded")
		}
		time.Sleep(2 * time.Millisecond)
	}
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(samples) != 1 {
		t.Fatalf("expected exactly one call, got %d", len(samples))
	}
	if samples[0].Transcript != "what is a variable" {
		t.Fatalf("transcript mismatch: %q", samples[0].Transcript)
	}
	if len(samples[0].Frame.Data) == 0 {
		t.Fatalf("expected frame bytes")
	}
	if _, ok := buf.Take(); ok {
		t.Fatalf("buffer must be cleared after forwarding")
	}
}

func TestTick_UnavailableSourceIsNoOp(t *testing.T) {
	buf := &TranscriptBuffer{}
	buf.Append("hello")
	var calls int32
	s := New(5*time.Millisecond, buf, func(ctx context.Context, smp Sample) {
		atomic.AddInt32(&calls, 1)
	}, nil)
	s.SetSource(&fakeSource{err: ErrUnavailable})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Run(ctx)
	time.Sleep(40 * time.Millisecond)
	s.Stop()

	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("unavailable capture must not forward, got %d calls", got)
	}
	// Transcript is retained until a frame can actually be paired with it.
	if _, ok := buf.Take(); !ok {
		t.Fatalf("transcript must survive unavailable capture")
	}
}

func TestTick_NilSourceSkips(t *testing.T) {
	buf := &TranscriptBuffer{}
	buf.Append("hello")
	var calls int32
	s := New(5*time.Millisecond, buf, func(ctx context.Context, smp Sample) {
		atomic.AddInt32(&calls, 1)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Run(ctx)
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("no visual source active, expected no calls")
	}
}

func TestForward_SlowCallDropsTicks(t *testing.T) {
	buf := &TranscriptBuffer{}
	var calls int32
	s := New(5*time.Millisecond, buf, func(ctx context.Context, smp Sample) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(80 * time.Millisecond)
	}, nil)
	s.SetSource(&fakeSource{})

	buf.Append("first question")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Run(ctx)
	// Refill the buffer continuously; ticks during the slow forward must drop.
	stop := time.After(90 * time.Millisecond)
	for {
		select {
		case <-stop:
			s.Stop()
			if got := atomic.LoadInt32(&calls); got > 2 {
				t.Fatalf("expected at most 2 forwards with slow consumer, got %d", got)
			}
			return
		default:
			buf.Append("more speech")
			time.Sleep(2 * time.Millisecond)
		}
	}
}

func TestTranscriptBuffer_JoinsAndClears(t *testing.T) {
	buf := &TranscriptBuffer{}
	buf.Append("  what is ")
	buf.Append("a variable")
	buf.Append("")
	got, ok := buf.Take()
	if !ok || got != "what is a variable" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
	buf.Append("again")
	buf.Clear()
	if _, ok := buf.Take(); ok {
		t.Fatalf("expected empty after clear")
	}
}
