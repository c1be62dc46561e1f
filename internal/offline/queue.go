package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State tracks one queued action through its lifecycle.
type State int

const (
	StatePending State = iota
	StateInFlight
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Action is one deferred persistence operation. Payload shape depends on
// Type; appliers type-switch on it.
type Action struct {
	ID         string
	Type       string
	Payload    any
	State      State
	Attempts   int
	LastError  string
	EnqueuedAt time.Time
}

// Applier executes one action against the real backend.
type Applier interface {
	Apply(ctx context.Context, action *Action) error
}

// ErrUnknownAction marks an action type no applier understands. It is not
// retried.
var ErrUnknownAction = errors.New("offline: unknown action type")

const defaultMaxRetries = 3

// Queue buffers persistence actions while the backend is unreachable and
// replays them in FIFO order when connectivity returns. Each action gets a
// bounded number of attempts; exhausted actions are marked failed and kept
// for inspection so a replay loop cannot spin forever.
type Queue struct {
	applier    Applier
	maxRetries int
	log        *slog.Logger

	mu      sync.Mutex
	actions []*Action
}

func NewQueue(applier Applier, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{applier: applier, maxRetries: defaultMaxRetries, log: log}
}

// WithMaxRetries overrides the per-action attempt budget.
func (q *Queue) WithMaxRetries(n int) *Queue {
	if n > 0 {
		q.maxRetries = n
	}
	return q
}

// Enqueue appends one action to the tail of the queue.
func (q *Queue) Enqueue(actionType string, payload any) error {
	a := &Action{
		ID:         uuid.NewString(),
		Type:       actionType,
		Payload:    payload,
		State:      StatePending,
		EnqueuedAt: time.Now(),
	}
	q.mu.Lock()
	q.actions = append(q.actions, a)
	depth := len(q.actions)
	q.mu.Unlock()
	q.log.Info("action queued", "type", actionType, "queue_depth", depth)
	return nil
}

// Drain replays pending actions in FIFO order. An action that fails with
// attempts remaining stops the drain so later actions cannot overtake it;
// an action out of attempts is marked failed and skipped from then on.
// Done actions are removed. Returns the first blocking error, if any.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		a := q.nextPending()
		if a == nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		q.setState(a, StateInFlight)
		err := q.applier.Apply(ctx, a)
		if err == nil {
			q.complete(a)
			continue
		}

		q.mu.Lock()
		a.Attempts++
		a.LastError = err.Error()
		exhausted := a.Attempts >= q.maxRetries || errors.Is(err, ErrUnknownAction)
		if exhausted {
			a.State = StateFailed
		} else {
			a.State = StatePending
		}
		q.mu.Unlock()

		if exhausted {
			q.log.Error("action abandoned", "type", a.Type, "attempts", a.Attempts, "error", err)
			continue
		}
		q.log.Warn("action replay failed, will retry", "type", a.Type, "attempts", a.Attempts, "error", err)
		return fmt.Errorf("offline: replay %s: %w", a.Type, err)
	}
}

// Pending reports how many actions still await replay.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, a := range q.actions {
		if a.State == StatePending {
			n++
		}
	}
	return n
}

// Failed returns copies of the actions that ran out of attempts.
func (q *Queue) Failed() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Action
	for _, a := range q.actions {
		if a.State == StateFailed {
			out = append(out, *a)
		}
	}
	return out
}

func (q *Queue) nextPending() *Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.actions {
		if a.State == StatePending {
			return a
		}
	}
	return nil
}

func (q *Queue) setState(a *Action, s State) {
	q.mu.Lock()
	a.State = s
	q.mu.Unlock()
}

func (q *Queue) complete(a *Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a.State = StateDone
	for i, x := range q.actions {
		if x == a {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			return
		}
	}
}
