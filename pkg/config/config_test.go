package config

import "testing"

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestGetConfigReturnsDefaultBeforeLoad(t *testing.T) {
	mu.Lock()
	loaded = false
	mu.Unlock()

	cfg := GetConfig()
	if cfg.ProgressionThreshold != Default().ProgressionThreshold {
		t.Errorf("expected default progression threshold, got %f", cfg.ProgressionThreshold)
	}
}

func TestUpdateChapterTriggers(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	err := UpdateChapterTriggers(ChapterTriggers{
		WordCount:         2000,
		RandomEventChance: 0.3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := GetConfig()
	if got.Chapter.WordCount != 2000 {
		t.Errorf("expected wordCount 2000, got %d", got.Chapter.WordCount)
	}
}

func TestUpdateRejectsInvalidProgressionThreshold(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg := Default()
	cfg.ProgressionThreshold = 1.5
	if err := Set(cfg); err == nil {
		t.Fatal("expected validation error for out-of-range progression threshold")
	}
}

func TestUpdateActiveProviderHotSwap(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	if err := UpdateActiveProvider("ollama"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if GetConfig().ActiveProvider != "ollama" {
		t.Errorf("expected active provider 'ollama', got %q", GetConfig().ActiveProvider)
	}
}

func TestValidateRejectsUnknownPromptStyle(t *testing.T) {
	cfg := Default()
	cfg.StoryPromptStyle = "noir"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unrecognized prompt style")
	}
}
