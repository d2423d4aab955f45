package logx

import (
	"bytes"
	"context"
	"log"
	"os"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger("room:r-1")
	if logger.GetAgentID() != "room:r-1" {
		t.Errorf("expected agent id 'room:r-1', got %q", logger.GetAgentID())
	}
}

func TestLogFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("chapter-manager")
	logger.logger = log.New(&buf, "", 0)

	logger.Info("chapter %d activated for story %s", 3, "s-7")

	out := buf.String()
	if !strings.Contains(out, "[chapter-manager]") {
		t.Errorf("expected component name in output, got: %s", out)
	}
	if !strings.Contains(out, "INFO") {
		t.Errorf("expected level in output, got: %s", out)
	}
	if !strings.Contains(out, "chapter 3 activated for story s-7") {
		t.Errorf("expected formatted message, got: %s", out)
	}
}

func TestDebugToggle(t *testing.T) {
	SetDebugConfig(false, false, ".")
	SetDebugDomains(nil)

	if IsDebugEnabled() {
		t.Fatal("debug should start disabled")
	}

	SetDebugConfig(true, false, ".")
	if !IsDebugEnabled() {
		t.Fatal("debug should be enabled after SetDebugConfig(true, ...)")
	}
	SetDebugConfig(false, false, ".")
}

func TestDomainFiltering(t *testing.T) {
	SetDebugConfig(true, false, ".")
	defer SetDebugConfig(false, false, ".")

	SetDebugDomains([]string{"room", "queue"})
	defer SetDebugDomains(nil)

	if !IsDebugEnabledForDomain("room") {
		t.Error("expected room domain enabled")
	}
	if IsDebugEnabledForDomain("provider") {
		t.Error("expected provider domain disabled")
	}
}

func TestContextDebugLogging(t *testing.T) {
	os.Unsetenv("DEBUG")
	os.Unsetenv("DEBUG_DOMAINS")
	initDebugFromEnv()

	SetDebugConfig(true, false, ".")
	defer SetDebugConfig(false, false, ".")

	ctx := context.WithValue(context.Background(), "agent_id", "room:r-9") //nolint:staticcheck // matches logx.Debug's untyped lookup key
	Debug(ctx, "room", "feedback timeout fired for chapter %d", 2)
}
