package ollama

import (
	"errors"
	"testing"

	"storyroom/pkg/provider/providererrors"
)

func TestNewWithModelFallsBackOnInvalidHost(t *testing.T) {
	p := NewWithModel("://not-a-valid-url", "llama3")
	if p.Name() != "ollama" {
		t.Errorf("expected provider name 'ollama', got %q", p.Name())
	}
}

func TestClassifyErrorConnectionRefused(t *testing.T) {
	err := classifyError(errors.New("dial tcp: connection refused"))
	if err.Type != providererrors.ErrorTypeTransient {
		t.Errorf("expected transient error, got %s", err.Type)
	}
}

func TestClassifyErrorModelNotFound(t *testing.T) {
	err := classifyError(errors.New("model 'mystery-7b' not found"))
	if err.Type != providererrors.ErrorTypeBadPrompt {
		t.Errorf("expected bad-prompt error, got %s", err.Type)
	}
}

func TestClassifyErrorNilIsNil(t *testing.T) {
	if classifyError(nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestComposeStoryPromptIncludesContextAndPrompt(t *testing.T) {
	out := composeStoryPrompt("The lighthouse keeper vanished.", "We climb the tower stairs.")
	if out == "" {
		t.Fatal("expected non-empty composed prompt")
	}
}
