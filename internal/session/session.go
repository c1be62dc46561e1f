package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yosyus-Yo/Realtutor/internal/capability"
	"github.com/yosyus-Yo/Realtutor/internal/sampler"
	"github.com/yosyus-Yo/Realtutor/internal/tutor"
)

// tutorCallTimeout bounds one tutor-response request.
const tutorCallTimeout = 20 * time.Second

// persistTimeout bounds one snapshot write; failures fall through to the
// offline queue.
const persistTimeout = 5 * time.Second

// Params configure a new session.
type Params struct {
	UserID  string
	Subject string
	Level   Level

	Negotiator *capability.Negotiator
	Recognizer Recognizer
	Tutor      tutor.Engine
	Speaker    Speaker
	Sampler    *sampler.Sampler
	Transcript *sampler.TranscriptBuffer
	Store      Store
	Queue      OfflineQueue
	Frames     FrameArchive

	Logger *slog.Logger
}

// Session orchestrates one tutoring interaction: capability state, speech
// recognition, frame sampling, tutor calls, synthesis, and persistence. It
// exclusively owns its message history and lifecycle flags.
type Session struct {
	id      string
	userID  string
	subject string
	level   Level

	negotiator *capability.Negotiator
	recognizer Recognizer
	tutor      tutor.Engine
	speaker    Speaker
	sampler    *sampler.Sampler
	transcript *sampler.TranscriptBuffer
	store      Store
	queue      OfflineQueue
	frames     FrameArchive
	log        *slog.Logger

	// onPartial streams interim transcripts to the client UI.
	onPartial func(string)
	// onAdvisory delivers non-fatal user-facing notices.
	onAdvisory func(string)
	// onReply delivers finished tutor replies (text path to the client).
	onReply func(Message)

	mu         sync.Mutex
	messages   []Message
	connected  bool
	processing bool
	closed     bool

	runCtx context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a session; Start begins orchestration.
func New(p Params) *Session {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	s := &Session{
		id:         id,
		userID:     p.UserID,
		subject:    p.Subject,
		level:      p.Level,
		negotiator: p.Negotiator,
		recognizer: p.Recognizer,
		tutor:      p.Tutor,
		speaker:    p.Speaker,
		sampler:    p.Sampler,
		transcript: p.Transcript,
		store:      p.Store,
		queue:      p.Queue,
		frames:     p.Frames,
		log:        log.With("session_id", id),
	}
	if s.transcript == nil {
		s.transcript = &sampler.TranscriptBuffer{}
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// OnPartial registers the interim transcript sink.
func (s *Session) OnPartial(fn func(string)) { s.onPartial = fn }

// OnAdvisory registers the advisory sink.
func (s *Session) OnAdvisory(fn func(string)) { s.onAdvisory = fn }

// OnReply registers the tutor reply sink.
func (s *Session) OnReply(fn func(Message)) { s.onReply = fn }

// Start wires capability hooks and begins pumping transcripts. It returns
// once the pumps are running.
func (s *Session) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.connected = true
	s.runCtx = cancel
	s.mu.Unlock()

	if s.negotiator != nil {
		s.negotiator.OnAdvisory(s.advise)
	}

	s.wg.Add(1)
	go s.pumpTranscripts(runCtx)

	s.persist(runCtx)
	s.log.Info("session started", "subject", s.subject, "level", string(s.level))
	return nil
}

// HandleAudioStarted is the negotiator hook for a live microphone stream.
func (s *Session) HandleAudioStarted(ctx context.Context) {
	if s.recognizer == nil {
		return
	}
	if err := s.recognizer.Start(ctx); err != nil {
		s.log.Error("recognizer start failed", "error", err)
		s.advise("Speech recognition could not start. Please try again.")
		return
	}
	s.persist(ctx)
}

// HandleRecognizerError surfaces a non-benign recognition failure. The
// supervisor already filters benign no-speech endings.
func (s *Session) HandleRecognizerError(err error) {
	s.log.Error("speech recognition failed", "error", err)
	s.advise("Speech recognition is having trouble. Please check your microphone and try again.")
}

// HandleAudioStopped stops recognition and clears any interim transcript.
func (s *Session) HandleAudioStopped() {
	if s.recognizer != nil {
		s.recognizer.Stop()
	}
	s.transcript.Clear()
	if s.onPartial != nil {
		s.onPartial("")
	}
	s.persist(context.Background())
}

// HandleVisualStarted attaches the visual stream to the frame sampler when
// the stream can produce frames; otherwise sampling stays off.
func (s *Session) HandleVisualStarted(stream capability.Stream) {
	if s.sampler == nil {
		return
	}
	if src, ok := stream.(sampler.Source); ok {
		s.sampler.SetSource(src)
	} else {
		s.log.Debug("visual stream cannot produce frames, sampling disabled")
	}
	s.persist(context.Background())
}

// HandleVisualStopped detaches the sampler source.
func (s *Session) HandleVisualStopped() {
	if s.sampler != nil {
		s.sampler.SetSource(nil)
	}
	s.persist(context.Background())
}

// HandleSample is the sampler forward: one paired frame+transcript becomes
// one multimodal tutor call.
func (s *Session) HandleSample(ctx context.Context, smp sampler.Sample) {
	img := &tutor.Image{Data: smp.Frame.Data, MIMEType: smp.Frame.MIMEType}
	s.runTurn(ctx, smp.Transcript, img)
	if s.frames != nil {
		if err := s.frames.StoreFrame(ctx, s.id, smp.Frame.CapturedAt, smp.Frame.MIMEType, smp.Frame.Data); err != nil {
			s.log.Debug("frame archive write failed", "error", err)
		}
	}
}

func (s *Session) pumpTranscripts(ctx context.Context) {
	defer s.wg.Done()
	if s.recognizer == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-s.recognizer.Partials():
			if s.onPartial != nil && text != "" {
				s.onPartial(text)
			}
		case text := <-s.recognizer.Finals():
			s.handleFinal(ctx, text)
		}
	}
}

// handleFinal routes a finalized utterance. With a visual source active the
// text accumulates for the next frame pairing; otherwise it becomes an
// immediate text-only turn.
func (s *Session) handleFinal(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.log.Info("utterance finalized", "text", text)

	if s.negotiator != nil && s.negotiator.Snapshot().Visual != capability.VisualNone {
		s.transcript.Append(text)
		return
	}
	// Off the pump goroutine, so new finals keep draining while a turn is in
	// flight and get dropped by the processing guard instead of queueing up.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTurn(ctx, text, nil)
	}()
}

// runTurn executes one user-turn/tutor-reply cycle. The processing flag is
// true for exactly the duration of the in-flight request and is reset on
// every exit path. A turn arriving while another is in flight is dropped to
// bound concurrent provider usage to one request per session.
func (s *Session) runTurn(ctx context.Context, text string, img *tutor.Image) {
	s.mu.Lock()
	if s.closed || s.processing {
		if s.processing {
			s.log.Debug("turn dropped, tutor call already in flight")
		}
		s.mu.Unlock()
		return
	}
	s.processing = true
	history := historyTurnsLocked(s.messages)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.processing = false
		s.mu.Unlock()
	}()

	callCtx, cancel := context.WithTimeout(ctx, tutorCallTimeout)
	reply, err := s.tutor.Respond(callCtx, tutor.Request{
		Subject: s.subject,
		Level:   string(s.level),
		History: history,
		Text:    text,
		Image:   img,
	})
	cancel()

	if err != nil {
		s.log.Error("tutor call failed", "error", err)
		s.advise("I couldn't reach the tutor just now. Please try again in a moment.")
		return
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return
	}

	// Late result on a torn-down session must not mutate anything.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	userMsg := Message{ID: uuid.NewString(), Role: RoleUser, Text: text, CreatedAt: now}
	tutorMsg := Message{ID: uuid.NewString(), Role: RoleTutor, Text: reply, CreatedAt: now}
	s.messages = append(s.messages, userMsg, tutorMsg)
	s.mu.Unlock()

	s.persist(ctx)
	if s.onReply != nil {
		s.onReply(tutorMsg)
	}
	if s.speaker != nil {
		s.speaker.Speak(ctx, reply)
	}
}

// History returns a copy of the message history in conversation order.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Processing reports whether a tutor call is in flight.
func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// Snapshot assembles the persisted view of the session.
func (s *Session) Snapshot() *Snapshot {
	var caps capability.Snapshot
	if s.negotiator != nil {
		caps = s.negotiator.Snapshot()
	}
	speaking := s.speaker != nil && s.speaker.IsSpeaking()

	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]Message, len(s.messages))
	copy(msgs, s.messages)
	return &Snapshot{
		ID:           s.id,
		UserID:       s.userID,
		Subject:      s.subject,
		Level:        s.level,
		Messages:     msgs,
		Connected:    s.connected,
		AudioActive:  caps.AudioActive(),
		VideoActive:  caps.VideoActive(),
		ScreenActive: caps.ScreenActive(),
		Processing:   s.processing,
		Speaking:     speaking,
		UpdatedAt:    time.Now(),
		Capabilities: caps,
	}
}

// persist writes the current snapshot. Failures are non-fatal to the live
// conversation: the write is handed to the offline queue for replay.
func (s *Session) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	snap := s.Snapshot()
	saveCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	err := s.store.Save(saveCtx, snap)
	cancel()
	if err == nil {
		return
	}
	s.log.Warn("snapshot write failed", "error", err)
	if s.queue != nil {
		if qerr := s.queue.Enqueue("session.save", snap); qerr != nil {
			s.log.Error("offline enqueue failed", "error", qerr)
		}
	}
}

func (s *Session) advise(msg string) {
	s.log.Info("advisory", "message", msg)
	if s.onAdvisory != nil {
		s.onAdvisory(msg)
	}
}

// Close tears the session down: all capabilities released, playback
// cancelled, in-flight tutor results dropped. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.connected = false
	cancel := s.runCtx
	s.runCtx = nil
	s.mu.Unlock()

	if s.negotiator != nil {
		s.negotiator.Close()
	}
	if s.recognizer != nil {
		s.recognizer.Stop()
	}
	if s.sampler != nil {
		s.sampler.Stop()
	}
	if s.speaker != nil {
		s.speaker.Cancel()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.persist(context.Background())
	s.log.Info("session closed")
}

// historyTurnsLocked converts the message history to tutor context turns,
// skipping system notices. Caller holds no lock expectations beyond having
// copied under lock.
func historyTurnsLocked(msgs []Message) []tutor.Turn {
	turns := make([]tutor.Turn, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			turns = append(turns, tutor.Turn{Role: tutor.RoleUser, Text: m.Text})
		case RoleTutor:
			turns = append(turns, tutor.Turn{Role: tutor.RoleTutor, Text: m.Text})
		}
	}
	return turns
}
