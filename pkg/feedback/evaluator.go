// Package feedback implements the per-player feedback evaluator (C6): it
// judges a private message against a chapter's open todos, marks satisfied
// todos completed, and recomputes the player's progress.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"storyroom/pkg/logx"
	"storyroom/pkg/persistence"
	llm "storyroom/pkg/provider"
	"storyroom/pkg/queue"
	"storyroom/pkg/types"
)

const evaluationPriority = 2

// Verdict is the evaluator's judgment for one todo against one message.
type Verdict struct {
	TodoID    string
	Satisfied bool
	Reason    string
}

// Evaluator judges player replies against chapter todos via the provider
// chat capability, falling back to a keyword heuristic when the provider's
// reply can't be parsed as a verdict.
type Evaluator struct {
	queue  *queue.Queue
	repo   *persistence.Repository
	logger *logx.Logger
}

// NewEvaluator builds an Evaluator over a request queue and repository.
func NewEvaluator(q *queue.Queue, repo *persistence.Repository) *Evaluator {
	return &Evaluator{queue: q, repo: repo, logger: logx.NewLogger("feedback")}
}

// Evaluate judges message against every not-yet-completed todo in todos
// concurrently, marks satisfied todos completed, and recomputes playerID's
// PlayerProgress for chapterID. storyContext primes the judge with relevant
// narrative background.
func (e *Evaluator) Evaluate(ctx context.Context, chapterID, playerID, message, storyContext string, todos []types.Todo) ([]Verdict, error) {
	pending := make([]types.Todo, 0, len(todos))
	for _, td := range todos {
		if td.Status != types.TodoCompleted {
			pending = append(pending, td)
		}
	}

	verdicts := make([]Verdict, len(pending))
	var wg sync.WaitGroup
	for i, td := range pending {
		wg.Add(1)
		go func(i int, td types.Todo) {
			defer wg.Done()
			verdicts[i] = e.evaluateTodo(ctx, message, storyContext, td)
		}(i, td)
	}
	wg.Wait()

	for _, v := range verdicts {
		if !v.Satisfied {
			continue
		}
		if err := e.repo.CompleteTodoForPlayer(ctx, v.TodoID, chapterID, playerID); err != nil {
			return verdicts, fmt.Errorf("failed to complete todo %s: %w", v.TodoID, err)
		}
	}

	if err := e.recomputeProgress(ctx, chapterID, playerID); err != nil {
		return verdicts, err
	}
	return verdicts, nil
}

func (e *Evaluator) evaluateTodo(ctx context.Context, message, storyContext string, todo types.Todo) Verdict {
	prompt := judgePrompt(todo, storyContext)
	result, err := e.queue.Submit(ctx, evaluationPriority, time.Time{}, func(ctx context.Context, p llm.Provider) (llm.Result, error) {
		return p.Chat(ctx, []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: prompt},
			{Role: llm.RoleUser, Content: message},
		}, llm.DefaultChatOptions())
	})
	if err != nil {
		e.logger.Warn("evaluator chat call failed for todo %s, falling back to keyword heuristic: %v", todo.ID, err)
		return keywordVerdict(todo, message, "provider call failed")
	}

	verdict, ok := parseVerdict(result.Content)
	if !ok {
		e.logger.Warn("unparseable evaluator response for todo %s, falling back to keyword heuristic", todo.ID)
		return keywordVerdict(todo, message, "unparseable evaluator response")
	}
	verdict.TodoID = todo.ID
	return verdict
}

func judgePrompt(todo types.Todo, storyContext string) string {
	return fmt.Sprintf(
		`You are judging whether a player's message answers a story objective.
Objective: %s
Expected answer (may be empty): %s
Story context: %s
Reply with a single JSON object: {"satisfied": true|false, "reason": "..."}`,
		todo.Content, todo.ExpectedAnswer, storyContext)
}

// jsonObjectPattern extracts the first brace-delimited object in text, since
// providers sometimes wrap JSON in prose despite the prompt's instruction.
//
//nolint:gochecknoglobals // compiled once
var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

func parseVerdict(content string) (Verdict, bool) {
	match := jsonObjectPattern.FindString(content)
	if match == "" {
		return Verdict{}, false
	}
	var parsed struct {
		Satisfied bool   `json:"satisfied"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(match), &parsed); err != nil {
		return Verdict{}, false
	}
	return Verdict{Satisfied: parsed.Satisfied, Reason: parsed.Reason}, true
}

// keywordVerdict is the deterministic fallback when the provider call fails
// or its reply can't be parsed: it satisfies the todo if the message shares
// a meaningful token with the todo's expected answer.
func keywordVerdict(todo types.Todo, message, reason string) Verdict {
	if todo.ExpectedAnswer == "" {
		return Verdict{TodoID: todo.ID, Satisfied: false, Reason: reason + "; no expected answer to match"}
	}
	messageTokens := tokenSet(message)
	for _, tok := range strings.Fields(strings.ToLower(todo.ExpectedAnswer)) {
		tok = strings.Trim(tok, ".,!?;:\"'()")
		if len(tok) > 2 && messageTokens[tok] {
			return Verdict{TodoID: todo.ID, Satisfied: true, Reason: reason + "; keyword match on expected answer"}
		}
	}
	return Verdict{TodoID: todo.ID, Satisfied: false, Reason: reason + "; no keyword match"}
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(text)) {
		set[strings.Trim(f, ".,!?;:\"'()")] = true
	}
	return set
}

// recomputeProgress reloads a chapter's todos and rewrites playerID's
// PlayerProgress row from their own attributed completion count — a todo's
// status is a chapter-global flag, but completionRate must only reflect
// todos playerID's own evaluated messages satisfied, not every player's.
func (e *Evaluator) recomputeProgress(ctx context.Context, chapterID, playerID string) error {
	todos, err := e.repo.TodosForChapter(ctx, chapterID)
	if err != nil {
		return fmt.Errorf("failed to reload todos for progress recompute: %w", err)
	}
	completed, err := e.repo.CompletedTodoCountForPlayer(ctx, chapterID, playerID)
	if err != nil {
		return fmt.Errorf("failed to count completed todos for progress recompute: %w", err)
	}

	progress := types.PlayerProgress{
		ChapterID:          chapterID,
		PlayerID:           playerID,
		CompletedTodoCount: completed,
		TotalTodoCount:     len(todos),
	}
	progress.Recompute()

	existing, err := e.repo.ProgressForChapter(ctx, chapterID)
	if err != nil {
		return fmt.Errorf("failed to load existing progress: %w", err)
	}
	for _, p := range existing {
		if p.PlayerID == playerID {
			progress.TimeoutAt = p.TimeoutAt
			break
		}
	}

	if err := e.repo.UpsertProgress(ctx, &progress); err != nil {
		return fmt.Errorf("failed to upsert progress: %w", err)
	}
	return nil
}
