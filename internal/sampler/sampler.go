package sampler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultPeriod is the wall-clock sampling period.
const DefaultPeriod = 5 * time.Second

// ErrUnavailable is returned by a Source whose capture path does not exist in
// the current runtime. Sampling treats it as a silent no-op.
var ErrUnavailable = errors.New("sampler: frame capture unavailable")

// Frame is one encoded still image grabbed from the active visual source.
type Frame struct {
	Data       []byte
	MIMEType   string
	CapturedAt time.Time
}

// Source grabs a frame from a live visual stream.
type Source interface {
	Grab(ctx context.Context) (Frame, error)
}

// Sample pairs a frame with the speech finalized since the previous sample.
type Sample struct {
	Frame      Frame
	Transcript string
}

// TranscriptBuffer accumulates finalized transcript fragments between samples.
type TranscriptBuffer struct {
	mu    sync.Mutex
	parts []string
}

// Append adds a finalized fragment.
func (b *TranscriptBuffer) Append(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	b.mu.Lock()
	b.parts = append(b.parts, text)
	b.mu.Unlock()
}

// Take drains the buffer, returning the joined transcript. The second return
// is false when nothing has accumulated.
func (b *TranscriptBuffer) Take() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.parts) == 0 {
		return "", false
	}
	joined := strings.Join(b.parts, " ")
	b.parts = nil
	return joined, true
}

// Clear discards any accumulated transcript.
func (b *TranscriptBuffer) Clear() {
	b.mu.Lock()
	b.parts = nil
	b.mu.Unlock()
}

// Sampler grabs a frame at a fixed period while a visual source is set and
// forwards frame+transcript pairs. Ticks are dropped, never queued, while a
// forward is still in flight, so at most one downstream call runs at a time.
type Sampler struct {
	period  time.Duration
	buf     *TranscriptBuffer
	forward func(context.Context, Sample)
	log     *slog.Logger

	mu     sync.Mutex
	source Source
	busy   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a sampler. forward runs on the sampler goroutine; it should
// do its own timeout handling.
func New(period time.Duration, buf *TranscriptBuffer, forward func(context.Context, Sample), log *slog.Logger) *Sampler {
	if period <= 0 {
		period = DefaultPeriod
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{period: period, buf: buf, forward: forward, log: log}
}

// SetSource swaps the active visual source; nil disables sampling.
func (s *Sampler) SetSource(src Source) {
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
}

// Run starts the periodic loop; it returns immediately. Safe to call once.
func (s *Sampler) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.period)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()
}

// Stop halts the loop and waits for any in-flight forward to finish.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Sampler) tick(ctx context.Context) {
	s.mu.Lock()
	src := s.source
	if src == nil || s.busy {
		s.mu.Unlock()
		return
	}
	s.busy = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	frame, err := src.Grab(ctx)
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			s.log.Debug("frame grab failed", "error", err)
		}
		return
	}

	transcript, ok := s.buf.Take()
	if !ok {
		// Nothing was said since the last sample; the frame is discarded so
		// the tutor is never called with an image and no question.
		return
	}
	s.forward(ctx, Sample{Frame: frame, Transcript: transcript})
}
