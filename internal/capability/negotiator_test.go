package capability

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeStream struct {
	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

func newFakeStream() *fakeStream { return &fakeStream{done: make(chan struct{})} }

func (f *fakeStream) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.done)
	}
}

func (f *fakeStream) Done() <-chan struct{} { return f.done }

func (f *fakeStream) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// end simulates the device dropping without an explicit Stop call.
func (f *fakeStream) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.done)
	}
}

type fakeProvider struct {
	mu        sync.Mutex
	audioErr  error
	cameraErr error
	screenErr error
	streams   []*fakeStream
}

func (p *fakeProvider) acquire(err error) (Stream, error) {
	if err != nil {
		return nil, err
	}
	s := newFakeStream()
	p.mu.Lock()
	p.streams = append(p.streams, s)
	p.mu.Unlock()
	return s, nil
}

func (p *fakeProvider) AcquireAudio(ctx context.Context, c Constraints) (Stream, error) {
	return p.acquire(p.audioErr)
}
func (p *fakeProvider) AcquireCamera(ctx context.Context, c Constraints) (Stream, error) {
	return p.acquire(p.cameraErr)
}
func (p *fakeProvider) AcquireScreen(ctx context.Context, c Constraints) (Stream, error) {
	return p.acquire(p.screenErr)
}

func (p *fakeProvider) lastStream() *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

func TestVisualMutualExclusion(t *testing.T) {
	p := &fakeProvider{}
	n := NewNegotiator(p, Hooks{}, nil)
	ctx := context.Background()

	if err := n.StartVideo(ctx); err != nil {
		t.Fatalf("start video: %v", err)
	}
	videoStream := p.lastStream()
	snap := n.Snapshot()
	if !snap.VideoActive() || snap.ScreenActive() {
		t.Fatalf("expected video active only, got %+v", snap)
	}

	if err := n.StartScreen(ctx); err != nil {
		t.Fatalf("start screen: %v", err)
	}
	snap = n.Snapshot()
	if !snap.ScreenActive() || snap.VideoActive() {
		t.Fatalf("expected screen active only, got %+v", snap)
	}
	if !videoStream.Stopped() {
		t.Fatalf("expected video track stopped, not merely hidden")
	}
}

func TestStopAudio_Idempotent(t *testing.T) {
	p := &fakeProvider{}
	var stops int
	n := NewNegotiator(p, Hooks{AudioStopped: func() { stops++ }}, nil)

	// Stopping inactive audio is a no-op.
	n.StopAudio()
	if stops != 0 {
		t.Fatalf("expected no stop hook for inactive audio")
	}

	if err := n.StartAudio(context.Background()); err != nil {
		t.Fatalf("start audio: %v", err)
	}
	n.StopAudio()
	n.StopAudio()
	if stops != 1 {
		t.Fatalf("expected exactly one stop hook, got %d", stops)
	}
	if n.Snapshot().Audio != StateInactive {
		t.Fatalf("expected audio inactive")
	}
}

func TestStartAudio_PermissionDeniedIsAdvisory(t *testing.T) {
	p := &fakeProvider{audioErr: ErrPermissionDenied}
	n := NewNegotiator(p, Hooks{}, nil)
	var advisories []string
	n.OnAdvisory(func(msg string) { advisories = append(advisories, msg) })

	err := n.StartAudio(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if n.Snapshot().Audio != StateInactive {
		t.Fatalf("expected audio to stay inactive after denial")
	}
	if len(advisories) != 1 {
		t.Fatalf("expected one advisory, got %d", len(advisories))
	}
	// The user may retry after denial.
	p.audioErr = nil
	if err := n.StartAudio(context.Background()); err != nil {
		t.Fatalf("retry after denial: %v", err)
	}
}

func TestStartScreen_FailureKeepsPreviousVisual(t *testing.T) {
	p := &fakeProvider{}
	n := NewNegotiator(p, Hooks{}, nil)
	ctx := context.Background()

	if err := n.StartVideo(ctx); err != nil {
		t.Fatalf("start video: %v", err)
	}
	videoStream := p.lastStream()

	p.screenErr = ErrCancelled
	if err := n.StartScreen(ctx); err == nil {
		t.Fatalf("expected screen start to fail")
	}
	snap := n.Snapshot()
	if !snap.VideoActive() {
		t.Fatalf("expected video still active after failed screen attempt, got %+v", snap)
	}
	if videoStream.Stopped() {
		t.Fatalf("video stream must survive a failed screen acquisition")
	}
}

func TestStartVideo_BusyWhileRequested(t *testing.T) {
	p := &fakeProvider{}
	block := make(chan struct{})
	slow := &slowProvider{inner: p, release: block}
	n := NewNegotiator(slow, Hooks{}, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- n.StartVideo(context.Background()) }()

	// Wait for the first acquisition to be in flight.
	deadline := time.Now().Add(time.Second)
	for n.Snapshot().VisualPending != VisualCamera {
		if time.Now().After(deadline) {
			t.Fatalf("first start never reached requested state")
		}
		time.Sleep(time.Millisecond)
	}
	if err := n.StartScreen(context.Background()); err != ErrBusy {
		t.Fatalf("expected ErrBusy for overlapping visual start, got %v", err)
	}
	close(block)
	if err := <-errCh; err != nil {
		t.Fatalf("first start: %v", err)
	}
}

func TestDeviceLossForcesInactive(t *testing.T) {
	p := &fakeProvider{}
	var stopped []VisualSource
	var mu sync.Mutex
	n := NewNegotiator(p, Hooks{VisualStopped: func(v VisualSource) {
		mu.Lock()
		stopped = append(stopped, v)
		mu.Unlock()
	}}, nil)

	if err := n.StartScreen(context.Background()); err != nil {
		t.Fatalf("start screen: %v", err)
	}
	p.lastStream().end()

	deadline := time.Now().Add(time.Second)
	for n.Snapshot().Visual != VisualNone {
		if time.Now().After(deadline) {
			t.Fatalf("screen never transitioned to inactive after device loss")
		}
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(stopped) != 1 || stopped[0] != VisualScreen {
		t.Fatalf("expected one screen stop hook, got %v", stopped)
	}
}

func TestSubscribe_DeliversFullSnapshots(t *testing.T) {
	p := &fakeProvider{}
	n := NewNegotiator(p, Hooks{}, nil)

	var mu sync.Mutex
	var snaps []Snapshot
	n.Subscribe(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})

	if err := n.StartAudio(context.Background()); err != nil {
		t.Fatalf("start audio: %v", err)
	}
	if err := n.StartVideo(context.Background()); err != nil {
		t.Fatalf("start video: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) == 0 {
		t.Fatalf("expected immediate snapshot on subscribe")
	}
	last := snaps[len(snaps)-1]
	if !last.AudioActive() || !last.VideoActive() {
		t.Fatalf("final snapshot must reflect both transitions, got %+v", last)
	}
}

// slowProvider holds camera acquisition until release closes.
type slowProvider struct {
	inner   *fakeProvider
	release chan struct{}
}

func (s *slowProvider) AcquireAudio(ctx context.Context, c Constraints) (Stream, error) {
	return s.inner.AcquireAudio(ctx, c)
}

func (s *slowProvider) AcquireCamera(ctx context.Context, c Constraints) (Stream, error) {
	<-s.release
	return s.inner.AcquireCamera(ctx, c)
}

func (s *slowProvider) AcquireScreen(ctx context.Context, c Constraints) (Stream, error) {
	return s.inner.AcquireScreen(ctx, c)
}
