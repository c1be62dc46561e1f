package tutor

import (
	"context"
	"errors"
)

// Role tags one turn of conversation context.
type Role string

const (
	RoleUser  Role = "user"
	RoleTutor Role = "tutor"
)

// Turn is one prior conversation turn passed as context.
type Turn struct {
	Role Role
	Text string
}

// Image is inline image bytes attached to a request.
type Image struct {
	Data     []byte
	MIMEType string
}

// Request is one tutoring call: subject/level framing, prior turns
// oldest-first, the new user text, and an optional frame image.
type Request struct {
	Subject string
	Level   string
	History []Turn
	Text    string
	Image   *Image
}

// Engine produces one tutor reply per request.
type Engine interface {
	Respond(ctx context.Context, req Request) (string, error)
}

// ErrProviderUnavailable covers quota, network, and malformed-response
// failures. Callers surface a generic retry-later notice and leave the
// conversation history untouched.
var ErrProviderUnavailable = errors.New("tutor: provider unavailable")

// ErrEmptyReply is returned when the provider answers with no text.
var ErrEmptyReply = errors.New("tutor: empty reply")
