package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfigFileWalksUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, ConfigFileName), []byte("schemaVersion: \"1.0\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	found := FindConfigFile(nested)
	if found == "" {
		t.Fatal("expected to find config file walking up from nested dir")
	}
}

func TestFindConfigFileReturnsEmptyWhenAbsent(t *testing.T) {
	root := t.TempDir()
	if found := FindConfigFile(root); found != "" {
		t.Errorf("expected no config file found, got %q", found)
	}
}

func TestLoadMergesFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	yamlBody := `
schemaVersion: "1.0"
progressionThreshold: 0.5
chapter:
  wordCount: 999
  randomEventChance: 0.1
`
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ProgressionThreshold != 0.5 {
		t.Errorf("expected progressionThreshold 0.5, got %f", cfg.ProgressionThreshold)
	}
	if cfg.Chapter.WordCount != 999 {
		t.Errorf("expected chapter.wordCount 999, got %d", cfg.Chapter.WordCount)
	}
	// Fields absent from the YAML fall back to defaults.
	if cfg.RequestQueue.MaxConcurrent != Default().RequestQueue.MaxConcurrent {
		t.Errorf("expected default maxConcurrent, got %d", cfg.RequestQueue.MaxConcurrent)
	}
}

func TestLoadEnvOverlayWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	yamlBody := "schemaVersion: \"1.0\"\nactiveProvider: anthropic\n"
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ACTIVE_PROVIDER", "openai")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ActiveProvider != "openai" {
		t.Errorf("expected env overlay to win, got %q", cfg.ActiveProvider)
	}
}

func TestWriteDefaultThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteDefault(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist at %s: %v", path, err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error loading written default: %v", err)
	}
	if cfg.ProgressionThreshold != Default().ProgressionThreshold {
		t.Errorf("round-tripped config diverged from default")
	}
}
