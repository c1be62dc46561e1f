package tutor

import (
	"context"
	"fmt"
)

// MockEngine is a deterministic engine for local mode and tests.
type MockEngine struct{}

func NewMockEngine() *MockEngine { return &MockEngine{} }

func (m *MockEngine) Respond(ctx context.Context, req Request) (string, error) {
	if req.Image != nil {
		return fmt.Sprintf("I can see your screen. About %q: let's take that step by step.", req.Text), nil
	}
	return fmt.Sprintf("Good question about %q. What do you already know about it?", req.Text), nil
}
