package tutor

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiOptions configure the Gemini-backed engine.
type GeminiOptions struct {
	// APIKey selects the Gemini API backend; if empty, Project/Location select
	// the Vertex AI backend.
	APIKey    string
	Project   string
	Location  string
	Model     string
	MaxTokens int32
}

// GeminiEngine implements Engine on top of google.golang.org/genai. Replies
// are capped in length because they are spoken aloud in the realtime path.
type GeminiEngine struct {
	client *genai.Client
	model  string
	max    int32
}

// NewGeminiEngine builds the client for whichever backend the options select.
func NewGeminiEngine(ctx context.Context, opts GeminiOptions) (*GeminiEngine, error) {
	cfg := &genai.ClientConfig{}
	switch {
	case opts.APIKey != "":
		cfg.APIKey = opts.APIKey
		cfg.Backend = genai.BackendGeminiAPI
	case opts.Project != "":
		cfg.Project = opts.Project
		cfg.Location = opts.Location
		cfg.Backend = genai.BackendVertexAI
	default:
		return nil, fmt.Errorf("tutor: no Gemini credentials configured")
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tutor: creating genai client: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	max := opts.MaxTokens
	if max <= 0 {
		max = 256
	}
	return &GeminiEngine{client: client, model: model, max: max}, nil
}

// Respond sends system instructions, sanitized history, and the new content
// (text plus optional inline image) in one stateless call.
func (g *GeminiEngine) Respond(ctx context.Context, req Request) (string, error) {
	contents := buildContents(req)
	cfg := g.generateConfig(req)

	res, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	text := strings.TrimSpace(res.Text())
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

// StartChat opens a stateful multi-turn chat seeded with sanitized history.
// The returned chat shares the engine's model and length cap.
func (g *GeminiEngine) StartChat(ctx context.Context, req Request) (*GeminiChat, error) {
	history := historyContents(req.History)
	chat, err := g.client.Chats.Create(ctx, g.model, g.generateConfig(req), history)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return &GeminiChat{chat: chat}, nil
}

func (g *GeminiEngine) generateConfig(req Request) *genai.GenerateContentConfig {
	temp := float32(0.7)
	topP := float32(0.9)
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(BuildSystemPrompt(req.Subject, req.Level), genai.RoleUser),
		Temperature:       &temp,
		TopP:              &topP,
		MaxOutputTokens:   g.max,
	}
}

// GeminiChat is the stateful multi-turn mode.
type GeminiChat struct {
	chat *genai.Chat
}

// Send delivers one user message, optionally with an inline image.
func (c *GeminiChat) Send(ctx context.Context, text string, img *Image) (string, error) {
	parts := []genai.Part{*genai.NewPartFromText(text)}
	if img != nil && len(img.Data) > 0 {
		parts = append(parts, *genai.NewPartFromBytes(img.Data, img.MIMEType))
	}
	res, err := c.chat.SendMessage(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	text = strings.TrimSpace(res.Text())
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

// buildContents maps sanitized history plus the new input to API contents.
func buildContents(req Request) []*genai.Content {
	contents := historyContents(req.History)

	parts := []*genai.Part{genai.NewPartFromText(req.Text)}
	if req.Image != nil && len(req.Image.Data) > 0 {
		mime := req.Image.MIMEType
		if mime == "" {
			mime = "image/jpeg"
		}
		parts = append(parts, genai.NewPartFromBytes(req.Image.Data, mime))
	}
	contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
	return contents
}

// historyContents converts prior turns oldest-first, mapping tutor turns to
// the model role. A history that does not begin with a user turn is treated
// as no history rather than rejected: the API requires user-first ordering
// and the first turn of a session is a tutor greeting.
func historyContents(history []Turn) []*genai.Content {
	history = sanitizeHistory(history)
	var contents []*genai.Content
	for _, t := range history {
		var role genai.Role = genai.RoleUser
		if t.Role == RoleTutor {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}
	return contents
}

func sanitizeHistory(history []Turn) []Turn {
	if len(history) == 0 {
		return nil
	}
	if history[0].Role != RoleUser {
		return nil
	}
	return history
}
