package anthropic

import (
	"strings"
	"testing"

	llm "storyroom/pkg/provider"
)

func TestEnsureAlternationExtractsSystemPrompt(t *testing.T) {
	messages := []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: "You narrate mysteries."},
		{Role: llm.RoleUser, Content: "We enter the library."},
	}

	system, alternating, err := ensureAlternation(messages)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if system != "You narrate mysteries." {
		t.Errorf("expected extracted system prompt, got %q", system)
	}
	if len(alternating) != 1 || alternating[0].Role != llm.RoleUser {
		t.Errorf("expected single user message, got %+v", alternating)
	}
}

func TestEnsureAlternationMergesConsecutiveUserTurns(t *testing.T) {
	messages := []llm.ChatMessage{
		{Role: llm.RoleUser, Content: "We search the desk."},
		{Role: llm.RoleUser, Content: "Also check the drawer."},
	}

	_, alternating, err := ensureAlternation(messages)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(alternating) != 1 {
		t.Fatalf("expected consecutive user turns to merge into one, got %d", len(alternating))
	}
}

func TestEnsureAlternationRejectsEmptyInput(t *testing.T) {
	if _, _, err := ensureAlternation(nil); err == nil {
		t.Fatal("expected error for empty message list")
	}
}

func TestEnsureAlternationRejectsConsecutiveAssistantTurns(t *testing.T) {
	messages := []llm.ChatMessage{
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleAssistant, Content: "one"},
		{Role: llm.RoleAssistant, Content: "two"},
	}
	if _, _, err := ensureAlternation(messages); err == nil {
		t.Fatal("expected alternation violation error")
	}
}

func TestComposeStoryPromptIncludesContextAndPrompt(t *testing.T) {
	out := composeStoryPrompt("Chapter 1 ended at the docks.", "We question the harbormaster.")
	if !strings.Contains(out, "Chapter 1 ended at the docks.") {
		t.Error("expected story context in composed prompt")
	}
	if !strings.Contains(out, "We question the harbormaster.") {
		t.Error("expected user prompt in composed prompt")
	}
}
