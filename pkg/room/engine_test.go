package room

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"storyroom/pkg/chapter"
	"storyroom/pkg/config"
	"storyroom/pkg/egress"
	"storyroom/pkg/feedback"
	"storyroom/pkg/logx"
	"storyroom/pkg/memory"
	"storyroom/pkg/persistence"
	llm "storyroom/pkg/provider"
	"storyroom/pkg/queue"
	"storyroom/pkg/queue/circuit"
	"storyroom/pkg/queue/ratelimit"
	"storyroom/pkg/types"
	"storyroom/pkg/utils"
)

// scriptedProvider is a fully in-memory llm.Provider whose replies are
// driven by simple keyword rules, so tests can steer story generation and
// feedback judging without a real model.
type scriptedProvider struct {
	mu         sync.Mutex
	healthy    bool
	satisfyAll bool // Chat always reports satisfied (used to force feedback progress)
	storyCount int32
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{healthy: true}
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) GenerateStory(_ context.Context, _, _ string) (llm.Result, error) {
	n := atomic.AddInt32(&p.storyCount, 1)
	return llm.Result{Content: fmt.Sprintf("Narrative beat %d unfolds in the manor.", n), Model: "scripted", Tokens: 12}, nil
}

func (p *scriptedProvider) Summarize(_ context.Context, content string) (llm.Result, error) {
	return llm.Result{Content: "Summary of: " + content, Model: "scripted", Tokens: 6}, nil
}

func (p *scriptedProvider) Chat(_ context.Context, messages []llm.ChatMessage, _ llm.ChatOptions) (llm.Result, error) {
	p.mu.Lock()
	satisfyAll := p.satisfyAll
	p.mu.Unlock()

	for _, m := range messages {
		if m.Role == llm.RoleSystem && contains(m.Content, "JSON array") {
			return llm.Result{Content: `[
				{"content":"Find the missing key","expectedAnswer":"key","priority":3},
				{"content":"Identify the stranger","expectedAnswer":"stranger","priority":2},
				{"content":"Search the study","expectedAnswer":"study","priority":1}
			]`}, nil
		}
	}
	if satisfyAll {
		return llm.Result{Content: `{"satisfied": true, "reason": "matches"}`}, nil
	}
	return llm.Result{Content: `{"satisfied": false, "reason": "no match"}`}, nil
}

func (p *scriptedProvider) HealthCheck(_ context.Context) (llm.HealthStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return llm.HealthStatus{Available: p.healthy, Reason: "scripted"}, nil
}

func (p *scriptedProvider) setHealthy(v bool) {
	p.mu.Lock()
	p.healthy = v
	p.mu.Unlock()
}

func (p *scriptedProvider) setSatisfyAll(v bool) {
	p.mu.Lock()
	p.satisfyAll = v
	p.mu.Unlock()
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

// testHarness bundles a freshly built Engine over an in-memory database and
// a scripted provider, with short timeouts so tests run fast.
type testHarness struct {
	engine   *Engine
	provider *scriptedProvider
	bus      *egress.InProcessBus
	queue    *queue.Queue
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	if err := persistence.Reset(); err != nil {
		t.Fatalf("failed to reset persistence: %v", err)
	}
	t.Cleanup(func() { _ = persistence.Reset() })

	if err := persistence.Initialize(":memory:"); err != nil {
		t.Fatalf("failed to initialize test database: %v", err)
	}
	repo := persistence.Repo()

	config.Reset()
	cfg := config.Default()
	cfg.FeedbackTimeout = 50 * time.Millisecond
	cfg.ProgressionThreshold = 0.8
	cfg.EmptyRoomGracePeriod = 50 * time.Millisecond
	if err := config.Set(cfg); err != nil {
		t.Fatalf("failed to set test config: %v", err)
	}
	t.Cleanup(config.Reset)

	provider := newScriptedProvider()
	q := queue.New(
		queue.Config{MaxConcurrent: 4, MaxRetries: 1, RetryDelay: time.Millisecond, Timeout: time.Second},
		provider,
		circuit.New(circuit.DefaultConfig),
		ratelimit.NewRegistry(ratelimit.Config{RequestsPerSecond: 1000, Burst: 100, MaxConcurrency: 100}),
		10*time.Millisecond,
		logx.NewLogger("room-test-queue"),
	)
	t.Cleanup(q.Stop)

	counter, err := utils.NewTokenCounter("test")
	if err != nil {
		t.Fatalf("failed to build token counter: %v", err)
	}
	memStore := memory.NewStore(repo, counter)
	chapterMgr := chapter.NewManager(q, memStore)
	history := chapter.NewHistory()
	feedbackEval := feedback.NewEvaluator(q, repo)
	bus := egress.NewInProcessBus()

	engine := New(repo, q, memStore, chapterMgr, history, feedbackEval, bus)

	return &testHarness{engine: engine, provider: provider, bus: bus, queue: q}
}

func createAndInitRoom(t *testing.T, h *testHarness, host string) (*types.Room, *types.Chapter) {
	t.Helper()
	ctx := context.Background()

	room, err := h.engine.CreateRoom(ctx, "The Locked Manor", host, "Host Player")
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	room, err = h.engine.InitializeStory(ctx, room.ID, host, "The Locked Manor", "a rainy country estate")
	if err != nil {
		t.Fatalf("InitializeStory() error = %v", err)
	}
	ch, err := h.engine.repo.GetActiveChapter(ctx, room.StoryID)
	if err != nil {
		t.Fatalf("failed to load active chapter: %v", err)
	}
	return room, ch
}
