package recognizer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultSettleDelay spaces out engine restarts so a flapping connection does
// not thrash the provider.
const defaultSettleDelay = 500 * time.Millisecond

// maxSettleDelay caps the backoff between consecutive connect failures.
const maxSettleDelay = 8 * time.Second

// defaultMaxConnectFailures is how many consecutive connect failures the
// supervisor tolerates before giving up. A wrong API key or revoked
// credentials never recovers by retrying.
const defaultMaxConnectFailures = 5

// Supervisor keeps exactly one recognition engine alive while audio is
// desired. When an engine terminates unexpectedly a fresh instance is built
// after a settling delay; the old instance is fully closed first so its
// handlers and native resources never outlive it.
type Supervisor struct {
	factory     EngineFactory
	settle      time.Duration
	maxFailures int
	log         *slog.Logger

	// stable output channels; they survive engine restarts.
	partials chan string
	finals   chan string

	// onError receives non-benign terminal errors (for user advisories).
	onError func(error)

	mu      sync.Mutex
	desired bool
	state   State
	engine  Engine
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSupervisor wraps an engine factory in restart supervision.
func NewSupervisor(factory EngineFactory, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		factory:     factory,
		settle:      defaultSettleDelay,
		maxFailures: defaultMaxConnectFailures,
		log:         log,
		partials:    make(chan string, 100),
		finals:      make(chan string, 10),
	}
}

// WithSettleDelay overrides the restart settling delay (tests).
func (s *Supervisor) WithSettleDelay(d time.Duration) *Supervisor {
	s.settle = d
	return s
}

// WithMaxConnectFailures overrides the consecutive connect-failure budget.
func (s *Supervisor) WithMaxConnectFailures(n int) *Supervisor {
	s.maxFailures = n
	return s
}

// OnError registers a sink for non-benign recognition errors.
func (s *Supervisor) OnError(fn func(error)) { s.onError = fn }

// Partials emits interim transcripts across engine generations.
func (s *Supervisor) Partials() <-chan string { return s.partials }

// Finals emits finalized utterance deltas across engine generations.
func (s *Supervisor) Finals() <-chan string { return s.finals }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start marks audio as desired and runs the supervision loop until Stop.
// Calling Start while already running is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.desired {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.desired = true
	s.cancel = cancel
	s.state = StateStarting
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

// Stop marks audio as no longer desired and tears down the current engine.
// Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.desired {
		s.mu.Unlock()
		return
	}
	s.desired = false
	cancel := s.cancel
	s.cancel = nil
	engine := s.engine
	s.engine = nil
	s.state = StateStopped
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if engine != nil {
		_ = engine.Close()
	}
	s.wg.Wait()
}

// SendPCM16KLE forwards audio to whichever engine is currently listening.
// Audio arriving between engine generations is dropped.
func (s *Supervisor) SendPCM16KLE(pcm []byte) error {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		return ErrNotConnected
	}
	return engine.SendPCM16KLE(pcm)
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.wg.Done()
	first := true
	failures := 0
	for {
		s.mu.Lock()
		if !s.desired {
			s.mu.Unlock()
			return
		}
		s.state = StateStarting
		s.mu.Unlock()

		if !first {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.backoff(failures)):
			}
			s.mu.Lock()
			stillDesired := s.desired
			s.mu.Unlock()
			if !stillDesired {
				return
			}
		}
		first = false

		engine := s.factory()
		if err := engine.Connect(ctx); err != nil {
			failures++
			s.log.Error("recognizer connect failed", "error", err, "consecutive_failures", failures)
			s.report(err)
			if failures >= s.maxFailures {
				s.log.Error("recognizer giving up, connect keeps failing")
				s.mu.Lock()
				s.desired = false
				s.state = StateStopped
				cancel := s.cancel
				s.cancel = nil
				s.mu.Unlock()
				if cancel != nil {
					cancel()
				}
				return
			}
			continue
		}
		failures = 0

		s.mu.Lock()
		if !s.desired {
			s.mu.Unlock()
			_ = engine.Close()
			return
		}
		s.engine = engine
		s.state = StateListening
		s.mu.Unlock()

		s.pump(ctx, engine)

		s.mu.Lock()
		if s.engine == engine {
			s.engine = nil
		}
		desired := s.desired
		s.mu.Unlock()

		_ = engine.Close()
		if err := engine.Err(); err != nil && desired {
			s.log.Warn("recognizer engine ended unexpectedly, restarting", "error", err)
		}
		if !desired {
			return
		}
	}
}

// pump forwards one engine's output to the stable channels until it closes.
func (s *Supervisor) pump(ctx context.Context, engine Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-engine.Closed():
			// drain any finalized delta flushed during shutdown
			for {
				select {
				case text := <-engine.Finals():
					s.forwardFinal(text)
				default:
					return
				}
			}
		case text := <-engine.Partials():
			select {
			case s.partials <- text:
			default:
			}
		case text := <-engine.Finals():
			s.forwardFinal(text)
		}
	}
}

func (s *Supervisor) forwardFinal(text string) {
	if text == "" {
		return
	}
	select {
	case s.finals <- text:
	default:
		s.log.Warn("final transcript dropped, consumer too slow")
	}
}

// backoff doubles the settling delay per consecutive failure, capped.
func (s *Supervisor) backoff(failures int) time.Duration {
	d := s.settle
	for i := 1; i < failures && d < maxSettleDelay; i++ {
		d *= 2
	}
	if d > maxSettleDelay {
		d = maxSettleDelay
	}
	return d
}

func (s *Supervisor) report(err error) {
	if err == nil || err == ErrNoSpeech {
		return
	}
	if s.onError != nil {
		s.onError(err)
	}
}
