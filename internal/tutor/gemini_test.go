package tutor

import (
	"strings"
	"testing"

	"google.golang.org/genai"
)

func TestBuildSystemPrompt_SubjectAndLevel(t *testing.T) {
	p := BuildSystemPrompt("algebra", "beginner")
	if !strings.Contains(p, "algebra") {
		t.Fatalf("prompt missing subject")
	}
	if !strings.Contains(p, "beginner") {
		t.Fatalf("prompt missing level framing")
	}
	// Unknown level falls back to beginner framing rather than erroring.
	q := BuildSystemPrompt("algebra", "wizard")
	if !strings.Contains(q, "beginner") {
		t.Fatalf("unknown level must fall back to beginner")
	}
}

func TestSanitizeHistory(t *testing.T) {
	if got := sanitizeHistory(nil); got != nil {
		t.Fatalf("empty history must stay empty")
	}
	// History starting with a tutor turn is treated as no history.
	h := []Turn{{Role: RoleTutor, Text: "welcome"}, {Role: RoleUser, Text: "hi"}}
	if got := sanitizeHistory(h); got != nil {
		t.Fatalf("tutor-first history must be dropped, got %v", got)
	}
	ok := []Turn{{Role: RoleUser, Text: "hi"}, {Role: RoleTutor, Text: "hello"}}
	if got := sanitizeHistory(ok); len(got) != 2 {
		t.Fatalf("user-first history must be kept")
	}
}

func TestBuildContents_RoleMappingAndOrder(t *testing.T) {
	req := Request{
		Subject: "algebra",
		Level:   "beginner",
		History: []Turn{
			{Role: RoleUser, Text: "what is x"},
			{Role: RoleTutor, Text: "a placeholder for a number"},
		},
		Text: "and what is y",
	}
	contents := buildContents(req)
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	if contents[0].Role != string(genai.RoleUser) {
		t.Fatalf("first history turn must map to user role")
	}
	if contents[1].Role != string(genai.RoleModel) {
		t.Fatalf("tutor turn must map to model role")
	}
	if contents[2].Role != string(genai.RoleUser) {
		t.Fatalf("new input must be a user turn")
	}
	if len(contents[2].Parts) != 1 {
		t.Fatalf("text-only request must carry one part")
	}
}

func TestBuildContents_InlineImage(t *testing.T) {
	req := Request{
		Text:  "what does this error mean",
		Image: &Image{Data: []byte{0xff, 0xd8, 0xff}, MIMEType: ""},
	}
	contents := buildContents(req)
	if len(contents) != 1 {
		t.Fatalf("expected single content, got %d", len(contents))
	}
	parts := contents[0].Parts
	if len(parts) != 2 {
		t.Fatalf("expected text+image parts, got %d", len(parts))
	}
	blob := parts[1].InlineData
	if blob == nil {
		t.Fatalf("expected inline image data")
	}
	if blob.MIMEType != "image/jpeg" {
		t.Fatalf("empty mime must default to image/jpeg, got %q", blob.MIMEType)
	}
}
