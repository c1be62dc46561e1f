package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yosyus-Yo/Realtutor/internal/sampler"
	"github.com/yosyus-Yo/Realtutor/internal/tutor"
)

type fakeRecognizer struct {
	partials chan string
	finals   chan string
	started  int32
	stopped  int32
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{partials: make(chan string, 10), finals: make(chan string, 10)}
}

func (f *fakeRecognizer) Start(ctx context.Context) error { atomic.AddInt32(&f.started, 1); return nil }
func (f *fakeRecognizer) Stop()                           { atomic.AddInt32(&f.stopped, 1) }
func (f *fakeRecognizer) Partials() <-chan string         { return f.partials }
func (f *fakeRecognizer) Finals() <-chan string           { return f.finals }
func (f *fakeRecognizer) SendPCM16KLE(pcm []byte) error   { return nil }

type fakeTutor struct {
	mu      sync.Mutex
	reply   string
	err     error
	delay   time.Duration
	reqs    []tutor.Request
}

func (f *fakeTutor) Respond(ctx context.Context, req tutor.Request) (string, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	reply, err, delay := f.reply, f.err, f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (f *fakeTutor) calls() []tutor.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tutor.Request, len(f.reqs))
	copy(out, f.reqs)
	return out
}

type fakeSpeaker struct {
	mu     sync.Mutex
	spoken []string
}

func (f *fakeSpeaker) Speak(ctx context.Context, text string) {
	f.mu.Lock()
	f.spoken = append(f.spoken, text)
	f.mu.Unlock()
}
func (f *fakeSpeaker) Cancel()          {}
func (f *fakeSpeaker) IsSpeaking() bool { return false }

func (f *fakeSpeaker) utterances() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.spoken))
	copy(out, f.spoken)
	return out
}

type fakeStore struct {
	mu    sync.Mutex
	saves int
	err   error
}

func (f *fakeStore) Save(ctx context.Context, snap *Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return f.err
}

func (f *fakeStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	return nil, errors.New("not found")
}

type fakeQueue struct {
	mu      sync.Mutex
	actions []string
}

func (f *fakeQueue) Enqueue(actionType string, payload any) error {
	f.mu.Lock()
	f.actions = append(f.actions, actionType)
	f.mu.Unlock()
	return nil
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.actions)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout: %s", msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestSession(t *testing.T, tut *fakeTutor) (*Session, *fakeRecognizer, *fakeSpeaker, *fakeStore) {
	t.Helper()
	rec := newFakeRecognizer()
	spk := &fakeSpeaker{}
	st := &fakeStore{}
	s := New(Params{
		UserID:     "user-1",
		Subject:    "algebra",
		Level:      LevelBeginner,
		Recognizer: rec,
		Tutor:      tut,
		Speaker:    spk,
		Store:      st,
	})
	return s, rec, spk, st
}

func TestTurn_HistoryGrowsByTwoInOrder(t *testing.T) {
	tut := &fakeTutor{reply: "A variable is a name for a value."}
	s, rec, spk, _ := newTestSession(t, tut)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	rec.finals <- "what is a variable"
	waitFor(t, func() bool { return len(s.History()) == 2 }, "history to grow by two")

	h := s.History()
	if h[0].Role != RoleUser || h[0].Text != "what is a variable" {
		t.Fatalf("first entry must be the user turn, got %+v", h[0])
	}
	if h[1].Role != RoleTutor || h[1].Text != tut.reply {
		t.Fatalf("second entry must be the tutor reply, got %+v", h[1])
	}
	waitFor(t, func() bool { return len(spk.utterances()) == 1 }, "reply spoken once")
	if spk.utterances()[0] != tut.reply {
		t.Fatalf("spoken text mismatch")
	}
}

func TestTurn_TutorFailureLeavesHistoryUntouched(t *testing.T) {
	tut := &fakeTutor{err: tutor.ErrProviderUnavailable}
	s, rec, spk, _ := newTestSession(t, tut)

	var advisories int32
	s.OnAdvisory(func(string) { atomic.AddInt32(&advisories, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	rec.finals <- "what is a variable"
	waitFor(t, func() bool { return atomic.LoadInt32(&advisories) >= 1 }, "retry-later advisory")

	if len(s.History()) != 0 {
		t.Fatalf("failed turn must not be appended, got %d messages", len(s.History()))
	}
	if len(spk.utterances()) != 0 {
		t.Fatalf("nothing should be spoken on failure")
	}
	// Session stays usable for the next attempt.
	tut.mu.Lock()
	tut.err = nil
	tut.reply = "retrying works"
	tut.mu.Unlock()
	rec.finals <- "try again"
	waitFor(t, func() bool { return len(s.History()) == 2 }, "next attempt succeeds")
}

func TestTurn_ProcessingResetOnAllPaths(t *testing.T) {
	tut := &fakeTutor{reply: "ok"}
	s, rec, _, _ := newTestSession(t, tut)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	rec.finals <- "q1"
	waitFor(t, func() bool { return len(s.History()) == 2 }, "success path")
	if s.Processing() {
		t.Fatalf("processing stuck true after success")
	}

	tut.mu.Lock()
	tut.err = errors.New("quota exceeded")
	tut.mu.Unlock()
	rec.finals <- "q2"
	waitFor(t, func() bool { return len(tut.calls()) == 2 }, "failure path attempted")
	waitFor(t, func() bool { return !s.Processing() }, "processing reset after failure")
}

func TestTurn_DroppedWhileInFlight(t *testing.T) {
	tut := &fakeTutor{reply: "slow answer", delay: 60 * time.Millisecond}
	s, rec, _, _ := newTestSession(t, tut)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	rec.finals <- "first"
	waitFor(t, func() bool { return s.Processing() }, "first call in flight")
	// A second final during the in-flight call must be dropped, not queued.
	rec.finals <- "second"
	waitFor(t, func() bool { return len(s.History()) == 2 }, "first call settled")
	time.Sleep(20 * time.Millisecond)
	if got := len(tut.calls()); got != 1 {
		t.Fatalf("expected 1 tutor call, got %d", got)
	}
}

func TestClose_DropsLateResult(t *testing.T) {
	tut := &fakeTutor{reply: "late", delay: 50 * time.Millisecond}
	s, rec, spk, _ := newTestSession(t, tut)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	rec.finals <- "question"
	waitFor(t, func() bool { return s.Processing() }, "call in flight")
	s.Close()

	time.Sleep(80 * time.Millisecond)
	if len(s.History()) != 0 {
		t.Fatalf("late result must not mutate closed session history")
	}
	if len(spk.utterances()) != 0 {
		t.Fatalf("late result must not be spoken")
	}
}

func TestPersistFailure_GoesToOfflineQueue(t *testing.T) {
	tut := &fakeTutor{reply: "answer"}
	rec := newFakeRecognizer()
	st := &fakeStore{err: errors.New("network down")}
	q := &fakeQueue{}
	s := New(Params{
		UserID:     "user-1",
		Subject:    "algebra",
		Level:      LevelBeginner,
		Recognizer: rec,
		Tutor:      tut,
		Store:      st,
		Queue:      q,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	rec.finals <- "question"
	waitFor(t, func() bool { return len(s.History()) == 2 }, "turn completes despite store failure")
	waitFor(t, func() bool { return q.count() >= 1 }, "failed write enqueued for replay")
}

func TestHandleSample_MultimodalTurnCarriesImage(t *testing.T) {
	tut := &fakeTutor{reply: "that is the quadratic formula"}
	s, _, spk, _ := newTestSession(t, tut)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	s.HandleSample(ctx, sampler.Sample{
		Frame:      sampler.Frame{Data: []byte{0xff, 0xd8}, MIMEType: "image/jpeg", CapturedAt: time.Now()},
		Transcript: "what is this formula",
	})

	calls := tut.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one tutor call, got %d", len(calls))
	}
	if calls[0].Image == nil || len(calls[0].Image.Data) == 0 {
		t.Fatalf("multimodal turn must carry the frame image")
	}
	if calls[0].Subject != "algebra" || calls[0].Level != "beginner" {
		t.Fatalf("subject/level context missing: %+v", calls[0])
	}
	if calls[0].Text != "what is this formula" {
		t.Fatalf("transcript mismatch: %q", calls[0].Text)
	}
	waitFor(t, func() bool { return len(spk.utterances()) == 1 }, "reply spoken")
}

func TestHandleRecognizerError_SurfacesAdvisory(t *testing.T) {
	tut := &fakeTutor{reply: "ok"}
	s, _, _, _ := newTestSession(t, tut)

	var advisories int32
	s.OnAdvisory(func(string) { atomic.AddInt32(&advisories, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	s.HandleRecognizerError(errors.New("unauthorized"))
	if atomic.LoadInt32(&advisories) != 1 {
		t.Fatalf("recognition failure must reach the user as an advisory")
	}
}

func TestHandleAudioStopped_ClearsInterim(t *testing.T) {
	tut := &fakeTutor{reply: "ok"}
	s, rec, _, _ := newTestSession(t, tut)

	var mu sync.Mutex
	var lastPartial string
	partialSet := false
	s.OnPartial(func(p string) {
		mu.Lock()
		lastPartial = p
		partialSet = true
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	s.transcript.Append("leftover speech")
	s.HandleAudioStopped()

	if atomic.LoadInt32(&rec.stopped) != 1 {
		t.Fatalf("expected recognizer stop")
	}
	if _, ok := s.transcript.Take(); ok {
		t.Fatalf("interim transcript must be cleared on audio stop")
	}
	mu.Lock()
	defer mu.Unlock()
	if !partialSet || lastPartial != "" {
		t.Fatalf("expected empty partial pushed to UI")
	}
}
