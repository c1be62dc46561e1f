package offline

import (
	"context"
	"errors"
	"fmt"

	"github.com/yosyus-Yo/Realtutor/internal/session"
	"github.com/yosyus-Yo/Realtutor/internal/store"
)

// Action types understood by the store applier.
const (
	ActionSessionSave    = "session.save"
	ActionMessagesAppend = "messages.append"
)

// AppendPayload is the payload for ActionMessagesAppend.
type AppendPayload struct {
	SessionID string
	Messages  []session.Message
}

// MessageAppender is the store-side union primitive: appending the same
// messages twice must not duplicate them.
type MessageAppender interface {
	AppendMessages(ctx context.Context, sessionID string, msgs []session.Message) error
}

// StoreApplier replays queued actions against the session store. Message
// appends go through the appender so replays stay idempotent even when the
// snapshot write that carried them also eventually lands.
type StoreApplier struct {
	Store    session.Store
	Appender MessageAppender
}

func (a *StoreApplier) Apply(ctx context.Context, action *Action) error {
	switch action.Type {
	case ActionSessionSave:
		snap, ok := action.Payload.(*session.Snapshot)
		if !ok {
			return fmt.Errorf("%w: %s payload %T", ErrUnknownAction, action.Type, action.Payload)
		}
		return a.applySave(ctx, snap)
	case ActionMessagesAppend:
		p, ok := action.Payload.(AppendPayload)
		if !ok {
			return fmt.Errorf("%w: %s payload %T", ErrUnknownAction, action.Type, action.Payload)
		}
		if a.Appender == nil {
			return fmt.Errorf("%w: no appender configured", ErrUnknownAction)
		}
		return a.Appender.AppendMessages(ctx, p.SessionID, p.Messages)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, action.Type)
	}
}

// applySave replays a deferred snapshot write. By the time the queue drains,
// later saves of the same session may already have landed; a queued snapshot
// must never roll the document back. When the stored document is newer the
// snapshot's messages are unioned in and everything else is left alone.
func (a *StoreApplier) applySave(ctx context.Context, snap *session.Snapshot) error {
	existing, err := a.Store.Get(ctx, snap.ID)
	switch {
	case err == nil:
		if existing.UpdatedAt.After(snap.UpdatedAt) {
			if a.Appender != nil && len(snap.Messages) > 0 {
				return a.Appender.AppendMessages(ctx, snap.ID, snap.Messages)
			}
			return nil
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return err
	}
	return a.Store.Save(ctx, snap)
}
