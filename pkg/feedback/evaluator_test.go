package feedback

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"storyroom/pkg/logx"
	"storyroom/pkg/persistence"
	llm "storyroom/pkg/provider"
	"storyroom/pkg/queue"
	"storyroom/pkg/queue/circuit"
	"storyroom/pkg/queue/ratelimit"
	"storyroom/pkg/types"
)

type scriptedProvider struct {
	replies map[string]string // substring of the system prompt -> chat reply
	fail    bool
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) GenerateStory(_ context.Context, _, _ string) (llm.Result, error) {
	return llm.Result{}, nil
}

func (p *scriptedProvider) Summarize(_ context.Context, _ string) (llm.Result, error) {
	return llm.Result{}, nil
}

func (p *scriptedProvider) Chat(_ context.Context, messages []llm.ChatMessage, _ llm.ChatOptions) (llm.Result, error) {
	if p.fail {
		return llm.Result{}, context.DeadlineExceeded
	}
	system := messages[0].Content
	for needle, reply := range p.replies {
		if strings.Contains(system, needle) {
			return llm.Result{Content: reply}, nil
		}
	}
	return llm.Result{Content: `{"satisfied": false, "reason": "no match"}`}, nil
}

func (p *scriptedProvider) HealthCheck(_ context.Context) (llm.HealthStatus, error) {
	return llm.HealthStatus{Available: true}, nil
}

func newTestEvaluator(t *testing.T, provider llm.Provider) (*Evaluator, *persistence.Repository, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?_foreign_keys=ON")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(`
		CREATE TABLE chapter_todos (id TEXT PRIMARY KEY, chapter_id TEXT, content TEXT, expected_answer TEXT, priority INTEGER, status TEXT);
		CREATE TABLE todo_completions (todo_id TEXT PRIMARY KEY, chapter_id TEXT, player_id TEXT, completed_at DATETIME);
		CREATE TABLE player_feedback_progress (chapter_id TEXT, player_id TEXT, completed_todo_count INTEGER,
			total_todo_count INTEGER, completion_rate REAL, timeout_at DATETIME, PRIMARY KEY (chapter_id, player_id));
	`); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	repo := persistence.NewRepository(db)
	q := queue.New(queue.Config{MaxConcurrent: 4, MaxRetries: 1, RetryDelay: time.Millisecond, Timeout: time.Second},
		provider, circuit.New(circuit.DefaultConfig),
		ratelimit.NewRegistry(ratelimit.Config{RequestsPerSecond: 1000, Burst: 100, MaxConcurrency: 100}),
		time.Minute, logx.NewLogger("feedback-test"))
	t.Cleanup(q.Stop)

	return NewEvaluator(q, repo), repo, db
}

func seedTodos(t *testing.T, db *sql.DB, todos []types.Todo) {
	t.Helper()
	for _, td := range todos {
		if _, err := db.Exec(`INSERT INTO chapter_todos (id, chapter_id, content, expected_answer, priority, status) VALUES (?, ?, ?, ?, ?, ?)`,
			td.ID, td.ChapterID, td.Content, td.ExpectedAnswer, td.Priority, string(td.Status)); err != nil {
			t.Fatalf("failed to seed todo: %v", err)
		}
	}
}

func TestEvaluateMarksSatisfiedTodosCompleted(t *testing.T) {
	provider := &scriptedProvider{replies: map[string]string{
		"Find the key": `{"satisfied": true, "reason": "player found it under the mat"}`,
	}}
	eval, repo, db := newTestEvaluator(t, provider)
	ctx := context.Background()

	todos := []types.Todo{
		{ID: "t1", ChapterID: "c1", Content: "Find the key", ExpectedAnswer: "under the mat", Priority: 3, Status: types.TodoPending},
		{ID: "t2", ChapterID: "c1", Content: "Talk to the butler", ExpectedAnswer: "butler", Priority: 2, Status: types.TodoPending},
	}
	seedTodos(t, db, todos)

	verdicts, err := eval.Evaluate(ctx, "c1", "p1", "I found the key under the mat", "a manor", todos)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(verdicts) != 2 {
		t.Fatalf("expected 2 verdicts, got %d", len(verdicts))
	}

	gotTodos, err := repo.TodosForChapter(ctx, "c1")
	if err != nil {
		t.Fatalf("TodosForChapter() error = %v", err)
	}
	completed := 0
	for _, td := range gotTodos {
		if td.Status == types.TodoCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Errorf("expected exactly 1 completed todo, got %d: %+v", completed, gotTodos)
	}

	progress, err := repo.ProgressForChapter(ctx, "c1")
	if err != nil {
		t.Fatalf("ProgressForChapter() error = %v", err)
	}
	if len(progress) != 1 || progress[0].CompletedTodoCount != 1 || progress[0].TotalTodoCount != 2 {
		t.Errorf("unexpected progress: %+v", progress)
	}
	if progress[0].CompletionRate != 0.5 {
		t.Errorf("expected completion rate 0.5, got %v", progress[0].CompletionRate)
	}
}

func TestEvaluateScopesCompletionRatePerPlayer(t *testing.T) {
	provider := &scriptedProvider{replies: map[string]string{
		"Find the key": `{"satisfied": true, "reason": "player found it under the mat"}`,
	}}
	eval, repo, db := newTestEvaluator(t, provider)
	ctx := context.Background()

	todos := []types.Todo{
		{ID: "t1", ChapterID: "c1", Content: "Find the key", ExpectedAnswer: "under the mat", Priority: 3, Status: types.TodoPending},
		{ID: "t2", ChapterID: "c1", Content: "Talk to the butler", ExpectedAnswer: "butler", Priority: 2, Status: types.TodoPending},
	}
	seedTodos(t, db, todos)

	if _, err := eval.Evaluate(ctx, "c1", "p1", "I found the key under the mat", "a manor", todos); err != nil {
		t.Fatalf("Evaluate() for p1 error = %v", err)
	}

	gotTodos, err := repo.TodosForChapter(ctx, "c1")
	if err != nil {
		t.Fatalf("TodosForChapter() error = %v", err)
	}
	if _, err := eval.Evaluate(ctx, "c1", "p2", "not sure what I found", "a manor", gotTodos); err != nil {
		t.Fatalf("Evaluate() for p2 error = %v", err)
	}

	progress, err := repo.ProgressForChapter(ctx, "c1")
	if err != nil {
		t.Fatalf("ProgressForChapter() error = %v", err)
	}
	rates := map[string]types.PlayerProgress{}
	for _, p := range progress {
		rates[p.PlayerID] = p
	}
	if rates["p1"].CompletedTodoCount != 1 || rates["p1"].CompletionRate != 0.5 {
		t.Errorf("expected p1 (who satisfied the todo) at 1/2, got %+v", rates["p1"])
	}
	if rates["p2"].CompletedTodoCount != 0 || rates["p2"].CompletionRate != 0 {
		t.Errorf("expected p2's completion rate to stay unaffected by p1's satisfied todo, got %+v", rates["p2"])
	}
}

func TestEvaluateFallsBackToKeywordHeuristicOnProviderFailure(t *testing.T) {
	provider := &scriptedProvider{fail: true}
	eval, _, db := newTestEvaluator(t, provider)
	ctx := context.Background()

	todos := []types.Todo{
		{ID: "t1", ChapterID: "c1", Content: "Find the key", ExpectedAnswer: "under the mat", Priority: 3, Status: types.TodoPending},
	}
	seedTodos(t, db, todos)

	verdicts, err := eval.Evaluate(ctx, "c1", "p1", "it was hidden under the mat", "a manor", todos)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(verdicts) != 1 || !verdicts[0].Satisfied {
		t.Errorf("expected keyword fallback to satisfy todo on matching answer, got %+v", verdicts)
	}
}

func TestEvaluateSkipsAlreadyCompletedTodos(t *testing.T) {
	provider := &scriptedProvider{}
	eval, repo, db := newTestEvaluator(t, provider)
	ctx := context.Background()

	todos := []types.Todo{
		{ID: "t1", ChapterID: "c1", Content: "Find the key", Priority: 3, Status: types.TodoCompleted},
	}
	seedTodos(t, db, todos)
	// t1 was completed by an earlier evaluation of p1's, so it is attributed to p1.
	if _, err := db.Exec(`INSERT INTO todo_completions (todo_id, chapter_id, player_id, completed_at) VALUES (?, ?, ?, ?)`,
		"t1", "c1", "p1", time.Now().UTC()); err != nil {
		t.Fatalf("failed to seed completion: %v", err)
	}

	verdicts, err := eval.Evaluate(ctx, "c1", "p1", "irrelevant", "a manor", todos)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(verdicts) != 0 {
		t.Errorf("expected no verdicts for an already-completed todo, got %+v", verdicts)
	}

	progress, err := repo.ProgressForChapter(ctx, "c1")
	if err != nil {
		t.Fatalf("ProgressForChapter() error = %v", err)
	}
	if len(progress) != 1 || progress[0].CompletionRate != 1.0 {
		t.Errorf("expected full completion rate recomputed, got %+v", progress)
	}
}
