package chapter

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"storyroom/pkg/config"
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

type fakeProvider struct {
	storyContent string
	summary      string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) GenerateStory(_ context.Context, _, _ string) (llm.Result, error) {
	return llm.Result{Content: f.storyContent, Model: "fake-model", Tokens: 10}, nil
}

func (f *fakeProvider) Summarize(_ context.Context, _ string) (llm.Result, error) {
	return llm.Result{Content: f.summary, Model: "fake-model", Tokens: 5}, nil
}

func (f *fakeProvider) Chat(_ context.Context, _ []llm.ChatMessage, _ llm.ChatOptions) (llm.Result, error) {
	return llm.Result{Content: "{}"}, nil
}

func (f *fakeProvider) HealthCheck(_ context.Context) (llm.HealthStatus, error) {
	return llm.HealthStatus{Available: true}, nil
}

func newTestManager(t *testing.T, storyContent, summary string) *Manager {
	t.Helper()
	config.Reset()

	db, err := sql.Open("sqlite", "file::memory:?_foreign_keys=ON")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := persistence.NewRepository(db)

	counter, err := utils.NewTokenCounter("test")
	if err != nil {
		t.Fatalf("failed to build token counter: %v", err)
	}

	// Memory store needs a schema; reuse the persistence package's own
	// initializer isn't exported, so build the minimal tables directly.
	if _, err := db.Exec(`
		CREATE TABLE stories (id TEXT PRIMARY KEY, room_id TEXT, title TEXT, background TEXT, created_at DATETIME);
		CREATE TABLE chapters (id TEXT PRIMARY KEY, story_id TEXT, number INTEGER, content TEXT, summary TEXT,
			author_id TEXT, status TEXT, start_time DATETIME, end_time DATETIME, word_count INTEGER);
		CREATE TABLE interactions (id INTEGER PRIMARY KEY AUTOINCREMENT, story_id TEXT, player_id TEXT,
			input TEXT, response TEXT, importance REAL, keywords TEXT, created_at DATETIME);
		CREATE TABLE memories (story_id TEXT PRIMARY KEY, key_events TEXT, relations TEXT, themes TEXT, world_settings TEXT);
	`); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO stories (id, title, created_at) VALUES ('s1', 'T', ?)`, time.Now().UTC()); err != nil {
		t.Fatalf("failed to seed story: %v", err)
	}
	if err := repo.SaveLongTerm(context.Background(), "s1", nil, nil, nil, nil); err != nil {
		t.Fatalf("failed to seed memory row: %v", err)
	}

	mem := memory.NewStore(repo, counter)

	q := queue.New(queue.Config{MaxConcurrent: 3, MaxRetries: 1, RetryDelay: time.Millisecond, Timeout: time.Second},
		&fakeProvider{storyContent: storyContent, summary: summary},
		circuit.New(circuit.DefaultConfig),
		ratelimit.NewRegistry(ratelimit.Config{RequestsPerSecond: 1000, Burst: 100, MaxConcurrency: 100}),
		time.Minute, logx.NewLogger("chapter-test"))
	t.Cleanup(q.Stop)

	return NewManager(q, mem)
}

func TestGenerateFirst(t *testing.T) {
	mgr := newTestManager(t, "Once upon a time in a locked manor.", "")
	ctx := context.Background()

	chapter, err := mgr.GenerateFirst(ctx, "s1", "The Locked Manor", "a rainy estate")
	if err != nil {
		t.Fatalf("GenerateFirst() error = %v", err)
	}
	if chapter.Number != 1 || chapter.Status != types.ChapterActive {
		t.Errorf("unexpected first chapter: %+v", chapter)
	}
	if chapter.Content == "" || chapter.WordCount == 0 {
		t.Errorf("expected non-empty generated content")
	}
}

func TestTransitionProducesNextChapterAndSummary(t *testing.T) {
	mgr := newTestManager(t, "A new clue emerges in the garden.", "The study was searched.")
	ctx := context.Background()

	prev := &types.Chapter{
		ID: "c1", StoryID: "s1", Number: 1, Content: "Alice and Bob become friends in the study.",
		Status: types.ChapterActive, StartTime: time.Now(),
	}

	result, err := mgr.Transition(ctx, "s1", prev, 0.99, 0)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if result.NextChapter.Number != 2 {
		t.Errorf("expected next chapter number 2, got %d", result.NextChapter.Number)
	}
	if result.CompletedSummary != "The study was searched." {
		t.Errorf("unexpected summary: %q", result.CompletedSummary)
	}
	if result.RandomEvent != EventNone {
		t.Errorf("expected no random event at roll=0.99 with default chance, got %v", result.RandomEvent)
	}
}

func TestTransitionFiresRandomEventBelowChance(t *testing.T) {
	mgr := newTestManager(t, "content", "summary")
	ctx := context.Background()

	prev := &types.Chapter{ID: "c1", StoryID: "s1", Number: 1, Content: "text", Status: types.ChapterActive, StartTime: time.Now()}

	result, err := mgr.Transition(ctx, "s1", prev, 0.0, 0.0)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if result.RandomEvent == EventNone {
		t.Errorf("expected a random event to fire at roll=0.0")
	}
}

func TestForceSplitSuppressesRandomEventAndIsSystemAuthored(t *testing.T) {
	mgr := newTestManager(t, "content", "summary")
	ctx := context.Background()

	prev := &types.Chapter{ID: "c1", StoryID: "s1", Number: 1, Content: "text", Status: types.ChapterActive, StartTime: time.Now()}

	result, err := mgr.ForceSplit(ctx, "s1", prev)
	if err != nil {
		t.Fatalf("ForceSplit() error = %v", err)
	}
	if result.RandomEvent != EventNone {
		t.Errorf("expected ForceSplit to suppress random events, got %v", result.RandomEvent)
	}
	if result.NextChapter.AuthorID != "" {
		t.Errorf("expected system-authored chapter (empty AuthorID), got %q", result.NextChapter.AuthorID)
	}
}
